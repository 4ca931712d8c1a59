package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/psantana5/diffusion-optimizer/pkg/logging"
)

// Error is a failure reported by the engine
type Error struct {
	StatusCode int
	Message    string
}

// Error implements error interface
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("inference engine error (status %d): %s", e.StatusCode, e.Message)
	}
	return "inference engine error: " + e.Message
}

// Client talks to the inference engine over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient creates a client for the engine at baseURL
func NewClient(baseURL string, logger *log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Generation streams can run for minutes; cancellation comes from the context.
		httpClient: &http.Client{Timeout: 0},
		logger:     logging.OrDiscard(logger).With("component", "engine"),
	}
}

// Health checks that the engine is reachable
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inference engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	return nil
}

// Load asks the engine to load the pipeline at opts.ModelDir
func (c *Client) Load(ctx context.Context, opts LoadOptions) error {
	body, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to marshal load request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/pipeline", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to load pipeline: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	c.logger.Info("pipeline loaded", "dir", opts.ModelDir, "provider", opts.Provider, "dur", time.Since(start).String())
	return nil
}

// RunBatch generates one batch, calling onStep for every reported step
// (zero-based within the batch) before returning the decoded images.
func (c *Client) RunBatch(ctx context.Context, batch Batch, onStep func(step int)) (*Result, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to run batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 256<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode engine event: %w", err)
		}

		switch ev.Type {
		case eventStep:
			if onStep != nil {
				onStep(ev.Step)
			}
		case eventResult:
			return decodeResult(ev, len(batch.Prompts))
		case eventError:
			return nil, &Error{Message: ev.Error}
		default:
			c.logger.Debug("ignoring engine event", "type", ev.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to read engine stream: %w", err)
	}
	return nil, errors.New("inference engine closed the stream without a result")
}

func decodeResult(ev event, expected int) (*Result, error) {
	if len(ev.Images) != expected {
		return nil, fmt.Errorf("inference engine returned %d images for a batch of %d", len(ev.Images), expected)
	}

	res := &Result{Images: make([][]byte, len(ev.Images))}
	for i, encoded := range ev.Images {
		img, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode image %d: %w", i, err)
		}
		res.Images[i] = img
	}
	if ev.NSFW != nil {
		res.NSFW = make([]bool, len(ev.NSFW))
		for i, flag := range ev.NSFW {
			res.NSFW[i] = flag != nil && *flag
		}
	}
	return res, nil
}

func (c *Client) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	msg := strings.TrimSpace(string(snippet))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(snippet, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = resp.Status
	}
	return &Error{StatusCode: resp.StatusCode, Message: msg}
}
