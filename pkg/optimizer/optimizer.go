// Package optimizer drives the workflow engine once per submodel and assembles
// the unoptimized and optimized pipeline directories from its artifacts.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/psantana5/diffusion-optimizer/pkg/footprint"
	"github.com/psantana5/diffusion-optimizer/pkg/logging"
	"github.com/psantana5/diffusion-optimizer/pkg/metrics"
	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/psantana5/diffusion-optimizer/pkg/pipeline"
	"github.com/psantana5/diffusion-optimizer/pkg/provider"
	"github.com/psantana5/diffusion-optimizer/pkg/source"
	"github.com/psantana5/diffusion-optimizer/pkg/tracing"
	"github.com/psantana5/diffusion-optimizer/pkg/workflow"
	"github.com/spf13/afero"
)

// Stage names, in execution order
const (
	StageClear       = "clear"
	StageResolveBase = "resolve_base"
	StageMaterialize = "materialize"
	StageSubmodels   = "submodels"
	StageAssemble    = "assemble"
	StageCopy        = "copy"
	StageOverwrite   = "overwrite"
)

// StageError reports which stage of a run failed
type StageError struct {
	Stage    string
	Submodel models.Submodel
	Err      error
}

// Error implements error interface
func (e *StageError) Error() string {
	if e.Submodel != "" {
		return fmt.Sprintf("%s stage failed for %s: %v", e.Stage, e.Submodel, e.Err)
	}
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error
func (e *StageError) Unwrap() error {
	return e.Err
}

// Config wires an Optimizer to its collaborators
type Config struct {
	Fs        afero.Fs
	Templates *workflow.Templates
	Adapter   *provider.Adapter
	Runner    workflow.Runner
	Resolver  source.BaseModelResolver
	Library   source.Library
	// FootprintsDir is where the workflow engine writes footprint files
	FootprintsDir string
	// CacheDir is the workflow engine cache
	CacheDir string
	Metrics  *metrics.Recorder
	Tracer   *tracing.Provider
	Logger   *log.Logger
}

// Optimizer runs the build-time optimization pipeline
type Optimizer struct {
	fs            afero.Fs
	templates     *workflow.Templates
	adapter       *provider.Adapter
	runner        workflow.Runner
	resolver      source.BaseModelResolver
	library       source.Library
	writer        *pipeline.Writer
	footprintsDir string
	cacheDir      string
	metrics       *metrics.Recorder
	tracer        *tracing.Provider
	logger        *log.Logger
}

// New creates an optimizer
func New(cfg Config) (*Optimizer, error) {
	if cfg.Runner == nil {
		return nil, errors.New("optimizer requires a workflow runner")
	}
	if cfg.Library == nil {
		return nil, errors.New("optimizer requires a source library")
	}
	if cfg.FootprintsDir == "" {
		return nil, errors.New("optimizer requires a footprints directory")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Templates == nil {
		cfg.Templates = workflow.DefaultTemplates()
	}
	if cfg.Adapter == nil {
		cfg.Adapter = provider.NewAdapter("")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = source.ResolverFunc(func(_ context.Context, id string) (string, error) { return id, nil })
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Noop()
	}
	logger := logging.OrDiscard(cfg.Logger).With("component", "optimizer")

	return &Optimizer{
		fs:            cfg.Fs,
		templates:     cfg.Templates,
		adapter:       cfg.Adapter,
		runner:        cfg.Runner,
		resolver:      cfg.Resolver,
		library:       cfg.Library,
		writer:        pipeline.NewWriter(cfg.Fs, cfg.Logger),
		footprintsDir: cfg.FootprintsDir,
		cacheDir:      cfg.CacheDir,
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		logger:        logger,
	}, nil
}

// run carries the state of one Optimize call between stages
type run struct {
	report    *Report
	source    *source.Pipeline
	logger    *log.Logger
	submodels []models.Submodel
}

// Optimize builds unoptimizedDir and optimizedDir for modelID on acc.
// Any failure aborts the run; directories cleared by the first stage are left
// in whatever state the failing stage reached.
func (o *Optimizer) Optimize(ctx context.Context, modelID string, acc models.Accelerator, unoptimizedDir, optimizedDir string) (*Report, error) {
	if !acc.Valid() {
		return nil, &models.UnsupportedTargetError{Target: acc.String()}
	}
	if modelID == "" {
		return nil, errors.New("model id is required")
	}

	runID := uuid.NewString()
	r := &run{
		report: &Report{
			RunID:          runID,
			ModelID:        modelID,
			Accelerator:    acc,
			UnoptimizedDir: unoptimizedDir,
			OptimizedDir:   optimizedDir,
			StartedAt:      time.Now(),
		},
		logger: o.logger.With("run_id", runID, "model", modelID, "accelerator", acc),
	}

	ctx, span := o.tracer.StartSpan(ctx, "optimize",
		tracing.AttrRunID.String(runID),
		tracing.AttrModelID.String(modelID),
		tracing.AttrAccelerator.String(acc.String()),
	)
	err := o.execute(ctx, r, acc)
	tracing.End(span, err)

	r.report.Duration = time.Since(r.report.StartedAt)
	if err != nil {
		r.logger.Error("optimization failed", "err", err, "dur", r.report.Duration.String())
		return r.report, err
	}
	r.logger.Info("optimization complete",
		"dur", r.report.Duration.String(),
		"unoptimized", unoptimizedDir,
		"optimized", optimizedDir,
	)
	return r.report, nil
}

func (o *Optimizer) execute(ctx context.Context, r *run, acc models.Accelerator) error {
	rep := r.report

	if err := o.stage(ctx, r, StageClear, func(ctx context.Context) error {
		for _, dir := range []string{o.footprintsDir, rep.UnoptimizedDir, rep.OptimizedDir} {
			if dir == "" {
				continue
			}
			if err := o.fs.RemoveAll(dir); err != nil {
				return fmt.Errorf("failed to remove %s: %w", dir, err)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(ctx, r, StageResolveBase, func(ctx context.Context) error {
		base, err := o.resolver.Resolve(ctx, rep.ModelID)
		if err != nil {
			return err
		}
		rep.BaseModelID = base
		if base != rep.ModelID {
			r.logger.Info("optimizing variant", "base", base)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(ctx, r, StageMaterialize, func(ctx context.Context) error {
		src, err := o.library.Materialize(ctx, rep.BaseModelID)
		if err != nil {
			return err
		}
		r.source = src
		r.submodels = src.Submodels()
		rep.Dimensions = src.Dimensions
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(ctx, r, StageSubmodels, func(ctx context.Context) error {
		for _, sub := range r.submodels {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := o.optimizeSubmodel(ctx, r, sub, acc); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(ctx, r, StageAssemble, func(context.Context) error {
		layout := pipeline.Layout{
			ModelID:    rep.ModelID,
			AssetsDir:  r.source.AssetsDir,
			AssetDirs:  source.AssetDirs,
			Components: r.source.Components,
			Models:     make(map[models.Submodel]string, len(rep.Artifacts)),
		}
		for _, a := range rep.Artifacts {
			layout.Models[a.Submodel] = a.Unoptimized.Path
		}
		return o.writer.Save(rep.UnoptimizedDir, layout)
	}); err != nil {
		return err
	}

	if err := o.stage(ctx, r, StageCopy, func(context.Context) error {
		return o.writer.CopyWithoutWeights(rep.UnoptimizedDir, rep.OptimizedDir)
	}); err != nil {
		return err
	}

	return o.stage(ctx, r, StageOverwrite, func(context.Context) error {
		replacements := make(map[models.Submodel]string, len(rep.Artifacts))
		for _, a := range rep.Artifacts {
			replacements[a.Submodel] = a.Optimized.Path
		}
		return o.writer.Overwrite(rep.OptimizedDir, replacements)
	})
}

// stage runs fn inside a span, records its duration and wraps its error
func (o *Optimizer) stage(ctx context.Context, r *run, name string, fn func(context.Context) error) error {
	ctx, span := o.tracer.StartSpan(ctx, "optimize."+name, tracing.AttrStage.String(name))
	start := time.Now()
	r.logger.Debug("stage started", "stage", name)

	err := fn(ctx)

	d := time.Since(start)
	o.metrics.ObserveStage(name, d)
	r.report.Stages = append(r.report.Stages, StageTiming{Name: name, Duration: d})
	tracing.End(span, err)

	if err != nil {
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			return err
		}
		return &StageError{Stage: name, Err: err}
	}
	r.logger.Debug("stage finished", "stage", name, "dur", d.String())
	return nil
}

// optimizeSubmodel renders, adapts and runs one workflow, then locates its artifacts
func (o *Optimizer) optimizeSubmodel(ctx context.Context, r *run, sub models.Submodel, acc models.Accelerator) error {
	rep := r.report
	modelID := rep.BaseModelID
	if sub.VariantSensitive() {
		modelID = rep.ModelID
	}

	started := time.Now()
	job := models.SubmodelJob{
		Submodel:    sub,
		ModelID:     modelID,
		Accelerator: acc,
		Status:      models.JobStatusRunning,
		StartedAt:   &started,
	}
	if loc, ok := o.runner.(workflow.ConfigLocator); ok {
		job.ConfigPath = loc.ConfigPath(sub)
	}
	logger := r.logger.With("submodel", sub)
	logger.Info("optimizing submodel", "source", modelID)

	ctx, span := o.tracer.StartSpan(ctx, "optimize.submodel",
		tracing.AttrSubmodel.String(string(sub)),
		tracing.AttrModelID.String(modelID),
	)

	artifacts, err := o.buildSubmodel(ctx, sub, modelID, acc, rep.Dimensions)

	completed := time.Now()
	job.CompletedAt = &completed
	tracing.End(span, err)
	o.metrics.ObserveWorkflowRun(string(sub), acc.String(), job.Duration(), err)

	if err != nil {
		job.Status = models.JobStatusFailed
		job.Error = err.Error()
		rep.Jobs = append(rep.Jobs, job)
		return &StageError{Stage: StageSubmodels, Submodel: sub, Err: err}
	}

	job.Status = models.JobStatusCompleted
	rep.Jobs = append(rep.Jobs, job)
	rep.Artifacts = append(rep.Artifacts, artifacts)
	logger.Info("submodel optimized",
		"dur", job.Duration().String(),
		"unoptimized", artifacts.Unoptimized.Path,
		"optimized", artifacts.Optimized.Path,
	)
	return nil
}

func (o *Optimizer) buildSubmodel(ctx context.Context, sub models.Submodel, modelID string, acc models.Accelerator, dims models.Dimensions) (models.ModelArtifacts, error) {
	cfg, err := o.templates.Render(workflow.TemplateData{
		Submodel:      sub,
		Dimensions:    dims,
		Accelerator:   acc,
		FootprintsDir: o.footprintsDir,
		CacheDir:      o.cacheDir,
	})
	if err != nil {
		return models.ModelArtifacts{}, err
	}

	cfg, err = o.adapter.Adapt(cfg, acc)
	if err != nil {
		return models.ModelArtifacts{}, err
	}
	cfg.SetModelPath(modelID)

	if err := o.runner.Run(ctx, sub, cfg); err != nil {
		return models.ModelArtifacts{}, err
	}

	fp, err := footprint.Load(o.fs, footprint.Path(o.footprintsDir, sub, acc))
	if err != nil {
		return models.ModelArtifacts{}, err
	}
	unoptimized, optimized, err := footprint.Resolve(o.fs, fp)
	if err != nil {
		return models.ModelArtifacts{}, err
	}

	return models.ModelArtifacts{
		Submodel:    sub,
		Unoptimized: unoptimized,
		Optimized:   optimized,
	}, nil
}
