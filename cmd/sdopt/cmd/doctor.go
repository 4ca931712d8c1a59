package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/psantana5/diffusion-optimizer/pkg/preflight"
)

var doctorOptimizing bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the host and installed runtime",
	Long: `Reports CPU, memory and GPU of this machine together with the installed
onnxruntime and protobuf versions, and checks them against what the selected
execution provider needs. Use --optimizing to include the checks that only
apply to optimization.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorOptimizing, "optimizing", false, "include optimization-only checks")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := setup(cmd.Context(), cfg, setupOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.close()

	report, checkErr := a.preflight(cmd.Context(), doctorOptimizing)
	if err := outputDoctor(os.Stdout, report); err != nil {
		return err
	}
	return checkErr
}

func outputDoctor(w io.Writer, report *preflight.Report) error {
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
		host := report.Host
		fmt.Fprintln(w, "=== Host ===")
		fmt.Fprintf(w, "CPU:          %s (%d threads)\n", host.CPUModel, host.CPUThreads)
		fmt.Fprintf(w, "RAM:          %.1f GB total, %.1f GB available\n", gib(host.RAMTotalBytes), gib(host.RAMAvailableBytes))
		if host.HasGPU {
			fmt.Fprintf(w, "GPU:          %s\n", host.GPUType)
		} else {
			fmt.Fprintln(w, "GPU:          none detected")
		}
		fmt.Fprintf(w, "OS/Arch:      %s/%s\n\n", host.OS, host.Architecture)

		acc, _ := models.ParseAccelerator(report.Accelerator)
		fmt.Fprintln(w, "=== Runtime ===")
		fmt.Fprintf(w, "Provider:     %s (onnxruntime >= %s)\n", report.Accelerator, preflight.MinRuntime(acc))
		fmt.Fprintf(w, "onnxruntime:  %s\n", orNone(report.Runtime.OnnxRuntime))
		fmt.Fprintf(w, "protobuf:     %s\n", orNone(report.Runtime.Protobuf))

		if len(report.Warnings) > 0 {
			fmt.Fprintln(w, "\n=== Warnings ===")
			for _, warning := range report.Warnings {
				fmt.Fprintf(w, "  - %s\n", warning)
			}
		}
		if len(report.Errors) > 0 {
			fmt.Fprintln(w, "\n=== Errors ===")
			for _, e := range report.Errors {
				fmt.Fprintf(w, "  - %s\n", e)
			}
		} else {
			fmt.Fprintln(w, "\nAll checks passed.")
		}
		return nil
	}
}

func gib(b uint64) float64 {
	return float64(b) / (1 << 30)
}

func orNone(s string) string {
	if s == "" {
		return "not installed"
	}
	return s
}
