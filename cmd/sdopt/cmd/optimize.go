package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/diffusion-optimizer/pkg/optimizer"
	"github.com/psantana5/diffusion-optimizer/pkg/shutdown"
)

var (
	optimizeCleanCache bool
	optimizeRefresh    bool
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Build the optimized pipeline for a model",
	Long: `Resolves the base model, exports every submodel through the workflow engine,
assembles the unoptimized pipeline and writes the optimized pipeline next to it.
Both output directories are cleared first.`,
	RunE: runOptimizeCmd,
}

func init() {
	rootCmd.AddCommand(optimizeCmd)

	optimizeCmd.Flags().BoolVar(&optimizeCleanCache, "clean-cache", false, "delete the workflow cache before optimizing")
	optimizeCmd.Flags().BoolVar(&optimizeRefresh, "refresh-source", false, "download the source pipeline again even if cached")
	optimizeCmd.Flags().String("tempdir", "", "root directory for temporary files of the workflow engine")
	optimizeCmd.Flags().String("workflow-dir", "", "working directory of the workflow engine, holding user_script.py (default {root}/scripts)")
}

func runOptimizeCmd(cmd *cobra.Command, args []string) error {
	bindFlag(cmd, "workflow.temp_dir", "tempdir")
	bindFlag(cmd, "workflow.dir", "workflow-dir")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := shutdown.NotifyContext(cmd.Context())
	defer stop()

	a, err := setup(ctx, cfg, setupOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	if optimizeCleanCache {
		if err := cleanCache(a); err != nil {
			return err
		}
	}

	report, err := a.optimize(ctx, optimizeRefresh)
	if err != nil {
		return err
	}
	return outputReport(os.Stdout, report)
}

// optimize runs preflight for optimization and then the optimizer
func (a *app) optimize(ctx context.Context, refreshSource bool) (*optimizer.Report, error) {
	pre, err := a.preflight(ctx, true)
	if err != nil {
		return nil, err
	}

	opt, err := a.optimizer(pre.Runtime.OnnxRuntime, refreshSource)
	if err != nil {
		return nil, err
	}

	acc := a.cfg.Target()
	model := a.cfg.ModelID
	return opt.Optimize(ctx, model, acc, a.cfg.UnoptimizedDir(model), a.cfg.OptimizedDir(model, acc))
}

func outputReport(w io.Writer, report *optimizer.Report) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(report)
	default:
		fmt.Fprintf(w, "Model:        %s\n", report.ModelID)
		if report.IsVariant() {
			fmt.Fprintf(w, "Base model:   %s\n", report.BaseModelID)
		}
		fmt.Fprintf(w, "Accelerator:  %s\n", report.Accelerator)
		fmt.Fprintf(w, "Run ID:       %s\n", report.RunID)
		fmt.Fprintf(w, "Duration:     %s\n\n", report.Duration.Round(time.Second))

		table := tablewriter.NewWriter(w)
		table.Header("Submodel", "Built From", "Status", "Duration", "Optimized Model")
		for _, job := range report.Jobs {
			optimized := ""
			if art, ok := report.Artifact(job.Submodel); ok {
				optimized = art.Optimized.Path
			}
			table.Append(
				string(job.Submodel),
				job.ModelID,
				string(job.Status),
				job.Duration().Round(time.Millisecond).String(),
				optimized,
			)
		}
		if err := table.Render(); err != nil {
			return err
		}

		fmt.Fprintf(w, "\nThe optimized pipeline is located here: %s\n", report.OptimizedDir)
		return nil
	}
}
