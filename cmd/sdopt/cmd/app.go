package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"github.com/psantana5/diffusion-optimizer/internal/config"
	"github.com/psantana5/diffusion-optimizer/pkg/logging"
	"github.com/psantana5/diffusion-optimizer/pkg/metrics"
	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/psantana5/diffusion-optimizer/pkg/optimizer"
	"github.com/psantana5/diffusion-optimizer/pkg/preflight"
	"github.com/psantana5/diffusion-optimizer/pkg/provider"
	"github.com/psantana5/diffusion-optimizer/pkg/shutdown"
	"github.com/psantana5/diffusion-optimizer/pkg/source"
	"github.com/psantana5/diffusion-optimizer/pkg/tracing"
	"github.com/psantana5/diffusion-optimizer/pkg/workflow"
)

// maxLogSize rotates sdopt.log once it grows past this many bytes
const maxLogSize = 50 << 20

// app holds the collaborators shared by every command
type app struct {
	cfg      *config.Config
	fs       afero.Fs
	log      *logging.Logger
	logger   *log.Logger
	metrics  *metrics.Recorder
	tracer   *tracing.Provider
	shutdown *shutdown.Manager
}

// setupOptions tunes setup per command
type setupOptions struct {
	// quiet keeps log lines off the terminal, used by the interactive UI
	quiet bool
}

// setup loads configuration and starts logging, metrics and tracing.
// Callers must defer close.
func setup(ctx context.Context, cfg *config.Config, opts setupOptions) (*app, error) {
	lg, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		JSON:    cfg.Log.JSON,
		Dir:     cfg.LogDir(),
		Console: !opts.quiet,
	})
	if err != nil {
		return nil, err
	}
	if err := lg.RotateIfNeeded(maxLogSize); err != nil {
		lg.Warn("failed to rotate log file", "error", err)
	}

	a := &app{
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		log:      lg,
		logger:   lg.Logger,
		metrics:  metrics.New(),
		shutdown: shutdown.New(10*time.Second, lg.Logger),
	}
	a.shutdown.Register("log", shutdown.CloseResource(lg))

	tracer, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "sdopt",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Enabled:        cfg.Tracing.Enabled,
	}, a.logger)
	if err != nil {
		a.logger.Warn("tracing unavailable, continuing without it", "error", err)
		tracer = tracing.Noop()
	}
	a.tracer = tracer
	a.shutdown.Register("tracing", tracer.Shutdown)

	if cfg.Metrics.Textfile != "" {
		path := cfg.Metrics.Textfile
		a.shutdown.Register("metrics-textfile", func(context.Context) error {
			return a.metrics.WriteTextfile(a.fs, path)
		})
	}
	if cfg.Metrics.Addr != "" {
		srv := a.metrics.Server(cfg.Metrics.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		a.logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
		a.shutdown.Register("metrics-server", shutdown.StopHTTPServer(srv))
	}

	return a, nil
}

// close runs every registered cleanup in reverse order
func (a *app) close() {
	if err := a.shutdown.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}
}

// prober returns pinned versions when configured, otherwise probes the interpreter
func (a *app) prober() preflight.Prober {
	if a.cfg.Runtime.Pinned() {
		return preflight.StaticProber{Versions: models.RuntimeVersions{
			OnnxRuntime: a.cfg.Runtime.OnnxRuntime,
			Protobuf:    a.cfg.Runtime.Protobuf,
		}}
	}
	return preflight.NewCommandProber(a.cfg.Python)
}

// preflight runs the checks and logs every warning
func (a *app) preflight(ctx context.Context, optimizing bool) (*preflight.Report, error) {
	report := preflight.Run(ctx, preflight.Options{
		Accelerator: a.cfg.Target(),
		Prober:      a.prober(),
		Optimizing:  optimizing,
	})
	for _, w := range report.Warnings {
		a.logger.Warn(w)
	}
	return report, report.Err()
}

// tempEnv redirects temporary files of child processes into dir
func tempEnv(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve temp dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir %s: %w", abs, err)
	}
	env := os.Environ()
	return append(env, "TMPDIR="+abs, "TEMP="+abs, "TMP="+abs), nil
}

// optimizer builds the optimizer wired to the configured engine and hub
func (a *app) optimizer(adapterRuntime string, refreshSource bool) (*optimizer.Optimizer, error) {
	env, err := tempEnv(a.cfg.Workflow.TempDir)
	if err != nil {
		return nil, err
	}

	runner := workflow.NewCommandRunner(a.cfg.ConfigDir(), a.logger)
	runner.Command = a.cfg.Workflow.Command
	runner.Args = a.cfg.Workflow.Args
	runner.Env = env
	runner.Dir = a.cfg.Workflow.Dir
	runner.Fs = a.fs

	library := source.NewCommandLibrary(a.cfg.Python, a.cfg.SourcesDir(), a.logger)
	library.Env = env
	library.Fs = a.fs
	library.Refresh = refreshSource

	resolver := source.NewHubResolver(a.cfg.Hub.Token, a.logger)
	resolver.BaseURL = a.cfg.Hub.URL
	resolver.Offline = a.cfg.Hub.Offline
	resolver.Fs = a.fs

	templates := workflow.DefaultTemplates()
	if a.cfg.Workflow.TemplatesDir != "" {
		templates = workflow.NewTemplates(a.fs, a.cfg.Workflow.TemplatesDir)
	}

	return optimizer.New(optimizer.Config{
		Fs:            a.fs,
		Templates:     templates,
		Adapter:       provider.NewAdapter(adapterRuntime),
		Runner:        runner,
		Resolver:      resolver,
		Library:       library,
		FootprintsDir: a.cfg.FootprintsDir(),
		CacheDir:      a.cfg.CacheDir(),
		Metrics:       a.metrics,
		Tracer:        a.tracer,
		Logger:        a.logger,
	})
}
