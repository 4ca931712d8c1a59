// Package generate runs batched text-to-image generation against an inference
// engine until the requested number of images passes the safety filter.
package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/psantana5/diffusion-optimizer/pkg/engine"
	"github.com/psantana5/diffusion-optimizer/pkg/logging"
	"github.com/psantana5/diffusion-optimizer/pkg/metrics"
	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/psantana5/diffusion-optimizer/pkg/tracing"
)

// Engine generates one batch of images
type Engine interface {
	RunBatch(ctx context.Context, batch engine.Batch, onStep func(step int)) (*engine.Result, error)
}

// Summary describes a finished generation run
type Summary struct {
	RunID     string        `json:"run_id"`
	Batches   int           `json:"batches"`
	Accepted  int           `json:"accepted"`
	Filtered  int           `json:"filtered"`
	Discarded int           `json:"discarded"`
	LastStep  int           `json:"last_step"`
	Paths     []string      `json:"paths"`
	Duration  time.Duration `json:"duration"`
}

// Scheduler issues batches until enough images pass the filter
type Scheduler struct {
	Sink ImageSink
	// ModelID enables per-model request adjustments such as disabling guidance
	ModelID string
	Metrics *metrics.Recorder
	Tracer  *tracing.Provider
	Logger  *log.Logger
}

// Prepare applies model-specific adjustments to req
func (s *Scheduler) Prepare(req models.GenerationRequest) models.GenerationRequest {
	if models.RequiresGuidanceOff(s.ModelID) && !req.DisableGuidance {
		logging.OrDiscard(s.Logger).Warn("model does not support classifier free guidance, disabling it", "model", s.ModelID)
		req.DisableGuidance = true
	}
	return req
}

// Generate runs batches of req.BatchSize identical prompts until req.Count
// images pass the safety filter. Images flagged by the filter are dropped and
// more batches are issued; there is no retry limit, so a prompt that is always
// rejected runs until ctx is cancelled.
func (s *Scheduler) Generate(ctx context.Context, req models.GenerationRequest, eng Engine, obs Observer) (*Summary, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if eng == nil {
		return nil, errors.New("no inference engine")
	}
	if s.Sink == nil {
		return nil, errors.New("no image sink")
	}
	if obs == nil {
		obs = nopObserver{}
	}
	req = s.Prepare(req)

	tracer := s.Tracer
	if tracer == nil {
		tracer = tracing.Noop()
	}

	summary := &Summary{RunID: uuid.NewString()}
	logger := logging.OrDiscard(s.Logger).With("component", "generate", "run_id", summary.RunID)
	start := time.Now()
	defer func() { summary.Duration = time.Since(start) }()

	batch := engine.Batch{
		Prompts:       make([]string, req.BatchSize),
		Steps:         req.Steps,
		GuidanceScale: engine.DefaultGuidanceScale,
		Height:        req.ImageSize,
		Width:         req.ImageSize,
	}
	for i := range batch.Prompts {
		batch.Prompts[i] = req.Prompt
	}
	if req.DisableGuidance {
		batch.GuidanceScale = 0
	}

	logger.Info("generation started",
		"count", req.Count,
		"batch_size", req.BatchSize,
		"steps", req.Steps,
		"size", req.ImageSize,
		"guidance", batch.GuidanceScale,
	)

	for summary.Accepted < req.Count {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		batchIndex := summary.Batches
		onStep := func(local int) {
			global := batchIndex*req.Steps + local + 1
			if global <= summary.LastStep {
				return
			}
			summary.LastStep = global
			s.Metrics.ObserveStep()
			obs.OnProgress(global)
		}

		batchCtx, span := tracer.StartSpan(ctx, "generate.batch",
			tracing.AttrRunID.String(summary.RunID),
			tracing.AttrBatch.Int(batchIndex),
		)
		batchStart := time.Now()
		res, err := eng.RunBatch(batchCtx, batch, onStep)
		summary.Batches++
		if err == nil && res == nil {
			err = errors.New("engine returned no result")
		}
		if err != nil {
			tracing.End(span, err)
			return summary, fmt.Errorf("batch %d failed: %w", batchIndex, err)
		}

		passed, saved := 0, 0
		for i, img := range res.Images {
			if res.Flagged(i) {
				summary.Filtered++
				tracing.AddEvent(batchCtx, "image.filtered", tracing.AttrImage.Int(i))
				continue
			}
			passed++
			if summary.Accepted >= req.Count {
				summary.Discarded++
				tracing.AddEvent(batchCtx, "image.discarded", tracing.AttrImage.Int(i))
				continue
			}

			path, err := s.Sink.Save(summary.Accepted, img)
			if err != nil {
				tracing.End(span, err)
				return summary, err
			}
			obs.OnImage(summary.Accepted, path)
			summary.Paths = append(summary.Paths, path)
			summary.Accepted++
			saved++
		}
		tracing.End(span, nil)

		d := time.Since(batchStart)
		s.Metrics.ObserveBatch(d, len(res.Images), passed, saved)
		logger.Info("batch finished",
			"batch", batchIndex,
			"passed", fmt.Sprintf("%d/%d", passed, len(res.Images)),
			"accepted", summary.Accepted,
			"dur", d.String(),
		)
		if passed == 0 {
			logger.Warn("every image in the batch was flagged by the safety checker, retrying", "batch", batchIndex)
		}
	}

	logger.Info("generation complete", "images", summary.Accepted, "batches", summary.Batches, "dur", time.Since(start).String())
	return summary, nil
}
