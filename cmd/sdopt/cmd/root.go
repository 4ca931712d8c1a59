package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/diffusion-optimizer/internal/config"
	"github.com/psantana5/diffusion-optimizer/pkg/footprint"
	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/psantana5/diffusion-optimizer/pkg/preflight"
)

// version is set at build time with -ldflags
var version = "dev"

var (
	cfgFile      string
	outputFormat string
	v            *viper.Viper
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sdopt",
	Short: "Optimize and run Stable Diffusion pipelines with ONNX Runtime",
	Long: `sdopt converts a Stable Diffusion pipeline into per-submodel ONNX graphs,
optimizes each graph for DirectML or CUDA through an external workflow engine,
assembles the results into a loadable pipeline directory and generates images
from it in batches.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, diagnose(err))
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sdopt/config.yaml)")
	flags.StringVarP(&outputFormat, "output", "o", "text", "output format: text, json, yaml")
	flags.String("root", "", "directory holding models, footprints, cache and logs (default $HOME/.sdopt)")
	flags.String("model-id", "", "model identifier (default runwayml/stable-diffusion-v1-5)")
	flags.String("provider", "", "execution provider: dml or cuda")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Bool("log-json", false, "write logs as JSON")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	flags.String("metrics-textfile", "", "write a metrics snapshot to this file on exit")
	flags.Bool("trace", false, "export OpenTelemetry traces over OTLP/HTTP")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	var err error
	v, err = config.NewViper(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		os.Exit(1)
	}

	flags := rootCmd.PersistentFlags()
	bindings := map[string]string{
		"root":             "root",
		"model_id":         "model-id",
		"accelerator":      "provider",
		"log.level":        "log-level",
		"log.json":         "log-json",
		"metrics.addr":     "metrics-addr",
		"metrics.textfile": "metrics-textfile",
		"tracing.enabled":  "trace",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding flag --%s: %v\n", flag, err)
			os.Exit(1)
		}
	}
}

// loadConfig decodes the configuration after subcommand flags are bound
func loadConfig() (*config.Config, error) {
	if v == nil {
		initConfig()
	}
	return config.Load(v)
}

// bindFlag binds a subcommand flag to a configuration key
func bindFlag(cmd *cobra.Command, key, flag string) {
	if f := cmd.Flags().Lookup(flag); f != nil {
		_ = v.BindPFlag(key, f)
	}
}

// diagnose turns an error into an actionable message
func diagnose(err error) string {
	var (
		runtimeErr *preflight.IncompatibleRuntimeError
		depErr     *preflight.FatalDependencyError
		targetErr  *models.UnsupportedTargetError
		missingErr *footprint.MissingArtifactError
	)
	switch {
	case errors.As(err, &runtimeErr):
		pkg := "onnxruntime-directml"
		if runtimeErr.Accelerator == models.AcceleratorCUDA {
			pkg = "onnxruntime-gpu"
		}
		return fmt.Sprintf("Error: %v\nThis tool requires %s %s or newer.", err, pkg, runtimeErr.Required)
	case errors.As(err, &depErr):
		return fmt.Sprintf("Error: %v\nInstall a compatible version with: pip install %s==%s", err, depErr.Package, depErr.Max)
	case errors.As(err, &targetErr):
		return fmt.Sprintf("Error: %v\nUse --provider dml or --provider cuda.", err)
	case errors.As(err, &missingErr):
		return fmt.Sprintf("Error: %v\nThe workflow engine did not record the expected passes; rerun with --clean-cache.", err)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
