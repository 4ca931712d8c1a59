package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/psantana5/diffusion-optimizer/pkg/logging"
	"github.com/psantana5/diffusion-optimizer/pkg/retry"
	"github.com/spf13/afero"
)

// DefaultHubURL is the public Hugging Face hub
const DefaultHubURL = "https://huggingface.co"

// BaseModelResolver maps a model identifier to the base model it was fine-tuned from
type BaseModelResolver interface {
	Resolve(ctx context.Context, modelID string) (string, error)
}

// ResolverFunc adapts a function to BaseModelResolver
type ResolverFunc func(ctx context.Context, modelID string) (string, error)

// Resolve calls f
func (f ResolverFunc) Resolve(ctx context.Context, modelID string) (string, error) {
	return f(ctx, modelID)
}

// StatusError is a non-2xx hub response
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
	Body       string
}

// Error implements error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %s: %s", e.URL, e.Status, e.Body)
}

type modelInfo struct {
	ID       string `json:"id"`
	CardData struct {
		BaseModel json.RawMessage `json:"base_model"`
	} `json:"cardData"`
}

// baseModel returns card_data.base_model, which the hub serves either as a
// string or as a list of strings
func (m modelInfo) baseModel() string {
	raw := m.CardData.BaseModel
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return strings.TrimSpace(single)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0])
	}
	return ""
}

// HubResolver looks up base_model in the hub model card
type HubResolver struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Retry   retry.Config
	Logger  *log.Logger
	// Fs is consulted first: identifiers that name a local directory resolve to themselves
	Fs afero.Fs
	// Offline skips the hub entirely
	Offline bool
}

// NewHubResolver creates a resolver for the public hub
func NewHubResolver(token string, logger *log.Logger) *HubResolver {
	return &HubResolver{
		BaseURL: DefaultHubURL,
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
		Retry:   retry.DefaultConfig(),
		Logger:  logger,
		Fs:      afero.NewOsFs(),
	}
}

// Resolve returns the base model of modelID, or modelID itself when the model
// card declares none or the hub does not know the model
func (h *HubResolver) Resolve(ctx context.Context, modelID string) (string, error) {
	logger := logging.OrDiscard(h.Logger).With("component", "hub", "model", modelID)

	if h.Offline {
		return modelID, nil
	}
	if h.Fs != nil {
		if ok, _ := afero.DirExists(h.Fs, modelID); ok {
			logger.Debug("local model directory, skipping hub lookup")
			return modelID, nil
		}
	}

	endpoint := strings.TrimRight(h.BaseURL, "/") + "/api/models/" + escapeID(modelID)
	headers := map[string]string{"Accept": "application/json"}
	if h.Token != "" {
		headers["Authorization"] = "Bearer " + h.Token
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	var info modelInfo
	err := retry.Do(ctx, h.Retry, func() error {
		var err error
		info, err = getJSON[modelInfo](ctx, client, endpoint, headers)
		var status *StatusError
		if errors.As(err, &status) && status.StatusCode < 500 && status.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		var status *StatusError
		if errors.As(err, &status) && (status.StatusCode == http.StatusNotFound || status.StatusCode == http.StatusUnauthorized) {
			logger.Warn("model not found on hub, using it as its own base", "status", status.StatusCode)
			return modelID, nil
		}
		return "", fmt.Errorf("failed to resolve base model of %s: %w", modelID, err)
	}

	base := info.baseModel()
	if base == "" {
		return modelID, nil
	}
	if base != modelID {
		logger.Info("variant resolved to base model", "base", base)
	}
	return base, nil
}

func escapeID(modelID string) string {
	parts := strings.Split(modelID, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func getJSON[T any](ctx context.Context, client *http.Client, url string, headers map[string]string) (T, error) {
	var response T

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return response, err
	}
	for key, val := range headers {
		req.Header.Set(key, val)
	}

	resp, err := client.Do(req)
	if err != nil {
		return response, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return response, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 1<<10 {
			snippet = snippet[:1<<10]
		}
		return response, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status, Body: snippet}
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return response, fmt.Errorf("unmarshal %s: %w", url, err)
	}
	return response, nil
}
