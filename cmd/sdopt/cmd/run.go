package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/diffusion-optimizer/internal/config"
	"github.com/psantana5/diffusion-optimizer/internal/tui"
	"github.com/psantana5/diffusion-optimizer/pkg/engine"
	"github.com/psantana5/diffusion-optimizer/pkg/generate"
	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/psantana5/diffusion-optimizer/pkg/pipeline"
	"github.com/psantana5/diffusion-optimizer/pkg/shutdown"
)

var (
	runInteractive     bool
	runOptimizeOnly    bool
	runCleanCache      bool
	runTestUnoptimized bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate images, optimizing the pipeline first if needed",
	Long: `Generates images from the optimized pipeline of the configured model.
When the optimized pipeline does not exist yet it is built first. Batches are
issued until the requested number of images pass the safety checker; results
are written as result_{i}.png to the output directory.`,
	Example: `  sdopt run --prompt "a lighthouse at dusk" --num-images 4 --batch-size 2
  sdopt run --provider cuda --interactive
  sdopt run --optimize --model-id stabilityai/sd-turbo`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.BoolVar(&runInteractive, "interactive", false, "run with a terminal UI")
	flags.BoolVar(&runOptimizeOnly, "optimize", false, "rebuild the optimized pipeline and exit")
	flags.BoolVar(&runCleanCache, "clean-cache", false, "delete the workflow cache first")
	flags.BoolVar(&runTestUnoptimized, "test-unoptimized", false, "generate with the unoptimized pipeline")

	flags.String("prompt", config.DefaultPrompt, "text prompt")
	flags.Int("num-images", 1, "number of images to generate")
	flags.Int("batch-size", 1, "number of images to generate per batch")
	flags.Int("image-size", 768, "width and height of the generated images")
	flags.Int("steps", 50, "number of steps in the diffusion process")
	flags.Bool("disable-guidance", false, "disable classifier free guidance, required for turbo models")
	flags.Bool("dynamic-dims", false, "disable static shape optimization")
	flags.Bool("static-dims", false, "enable static shape optimization")
	_ = flags.MarkDeprecated("static-dims", "static shape optimization is enabled by default, use --dynamic-dims to disable it")
	flags.String("output-dir", ".", "directory for result images")
	flags.String("engine-url", "", "inference engine base URL")
	flags.String("tempdir", "", "root directory for temporary files of the workflow engine")
	flags.String("workflow-dir", "", "working directory of the workflow engine, holding user_script.py (default {root}/scripts)")
}

func bindRunFlags(cmd *cobra.Command) {
	bindFlag(cmd, "generate.prompt", "prompt")
	bindFlag(cmd, "generate.count", "num-images")
	bindFlag(cmd, "generate.batch_size", "batch-size")
	bindFlag(cmd, "generate.image_size", "image-size")
	bindFlag(cmd, "generate.steps", "steps")
	bindFlag(cmd, "generate.disable_guidance", "disable-guidance")
	bindFlag(cmd, "generate.output_dir", "output-dir")
	bindFlag(cmd, "engine.dynamic_dims", "dynamic-dims")
	bindFlag(cmd, "engine.url", "engine-url")
	bindFlag(cmd, "workflow.temp_dir", "tempdir")
	bindFlag(cmd, "workflow.dir", "workflow-dir")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	bindRunFlags(cmd)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := shutdown.NotifyContext(cmd.Context())
	defer stop()

	a, err := setup(ctx, cfg, setupOptions{quiet: runInteractive})
	if err != nil {
		return err
	}
	defer a.close()

	if runCleanCache {
		if err := cleanCache(a); err != nil {
			return err
		}
	}

	acc := cfg.Target()
	optimizedDir := cfg.OptimizedDir(cfg.ModelID, acc)
	writer := pipeline.NewWriter(a.fs, a.logger)

	if runOptimizeOnly || !writer.Complete(optimizedDir) {
		if !runOptimizeOnly {
			a.logger.Info("optimized pipeline not found, optimizing first", "dir", optimizedDir)
		}
		report, err := a.optimize(ctx, false)
		if err != nil {
			return err
		}
		if runOptimizeOnly {
			return outputReport(os.Stdout, report)
		}
	} else if _, err := a.preflight(ctx, false); err != nil {
		return err
	}

	modelDir := optimizedDir
	if runTestUnoptimized {
		modelDir = cfg.UnoptimizedDir(cfg.ModelID)
	}
	return a.generate(ctx, modelDir, acc)
}

// generate loads modelDir into the inference engine and runs the request
func (a *app) generate(ctx context.Context, modelDir string, acc models.Accelerator) error {
	cfg := a.cfg
	sched := &generate.Scheduler{
		Sink:    generate.NewDirSink(a.fs, cfg.Generate.OutputDir),
		ModelID: cfg.ModelID,
		Metrics: a.metrics,
		Tracer:  a.tracer,
		Logger:  a.logger,
	}
	req := sched.Prepare(cfg.Generate.Request())
	if err := req.Validate(); err != nil {
		return err
	}

	client := engine.NewClient(cfg.Engine.URL, a.logger)
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("inference engine at %s is not reachable: %w", cfg.Engine.URL, err)
	}

	abs, err := filepath.Abs(modelDir)
	if err != nil {
		return fmt.Errorf("failed to resolve model dir %s: %w", modelDir, err)
	}
	load := engine.LoadOptions{ModelDir: abs, Provider: acc.ExecutionProvider()}
	if !cfg.Engine.DynamicDims {
		load.FreeDimensionOverrides = engine.StaticDimensions(req.BatchSize, req.ImageSize, !req.DisableGuidance)
	}
	a.logger.Info("loading pipeline", "dir", abs, "provider", load.Provider, "static_dims", !cfg.Engine.DynamicDims)
	if err := client.Load(ctx, load); err != nil {
		return err
	}

	run := func(ctx context.Context, r models.GenerationRequest, obs generate.Observer) (*generate.Summary, error) {
		return sched.Generate(ctx, r, client, obs)
	}

	if runInteractive {
		return tui.Run(ctx, tui.Options{
			Request:      req,
			Run:          run,
			ProgressRate: tui.DefaultProgressRate,
		})
	}

	total := req.Steps * req.MinBatches()
	obs := generate.ObserverFuncs{
		Progress: func(step int) {
			a.logger.Debug("diffusion step", "step", step, "expected", total)
		},
		Image: func(index int, path string) {
			a.logger.Info("image saved", "index", index, "path", path)
		},
	}
	summary, err := run(ctx, req, obs)
	if err != nil {
		return err
	}
	return outputSummary(os.Stdout, summary)
}

func outputSummary(w io.Writer, summary *generate.Summary) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(summary)
	default:
		for _, path := range summary.Paths {
			fmt.Fprintf(w, "Generated %s\n", path)
		}
		fmt.Fprintf(w, "\n%d images in %d batches (%d filtered, %d discarded) in %s\n",
			summary.Accepted, summary.Batches, summary.Filtered, summary.Discarded,
			summary.Duration.Round(time.Millisecond))
		return nil
	}
}
