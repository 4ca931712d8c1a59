package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/psantana5/diffusion-optimizer/pkg/source"
)

// EnvPrefix is prepended to every environment variable viper reads
const EnvPrefix = "SDOPT"

// DefaultPrompt is used when no prompt is given on the command line
const DefaultPrompt = "castle surrounded by water and nature, village, volumetric lighting, photorealistic, " +
	"detailed and intricate, fantasy, epic cinematic shot, mountains, 8k ultra hd"

// Config is the complete sdopt configuration
type Config struct {
	// Root holds models/, footprints/, cache/ and logs/
	Root        string `mapstructure:"root" yaml:"root"`
	ModelID     string `mapstructure:"model_id" yaml:"model_id"`
	Accelerator string `mapstructure:"accelerator" yaml:"accelerator"`
	Python      string `mapstructure:"python" yaml:"python"`

	Workflow WorkflowConfig `mapstructure:"workflow" yaml:"workflow"`
	Hub      HubConfig      `mapstructure:"hub" yaml:"hub"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Runtime  RuntimeConfig  `mapstructure:"runtime" yaml:"runtime"`
	Generate GenerateConfig `mapstructure:"generate" yaml:"generate"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
}

// WorkflowConfig configures the external optimization engine
type WorkflowConfig struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
	// TemplatesDir overrides the built-in per-submodel templates
	TemplatesDir string `mapstructure:"templates_dir" yaml:"templates_dir"`
	// TempDir redirects temporary files of the engine
	TempDir string `mapstructure:"temp_dir" yaml:"temp_dir"`
	// Dir is the engine working directory holding the model scripts the
	// templates reference
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// HubConfig configures base model lookups
type HubConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Token   string `mapstructure:"token" yaml:"-"`
	Offline bool   `mapstructure:"offline" yaml:"offline"`
}

// EngineConfig configures the inference engine service
type EngineConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// DynamicDims disables static shape overrides
	DynamicDims bool `mapstructure:"dynamic_dims" yaml:"dynamic_dims"`
}

// RuntimeConfig pins installed library versions instead of probing them
type RuntimeConfig struct {
	OnnxRuntime string `mapstructure:"onnxruntime" yaml:"onnxruntime"`
	Protobuf    string `mapstructure:"protobuf" yaml:"protobuf"`
}

// Pinned reports whether both versions are configured
func (r RuntimeConfig) Pinned() bool {
	return r.OnnxRuntime != "" && r.Protobuf != ""
}

// GenerateConfig holds generation defaults
type GenerateConfig struct {
	Prompt          string `mapstructure:"prompt" yaml:"prompt"`
	Count           int    `mapstructure:"count" yaml:"count"`
	BatchSize       int    `mapstructure:"batch_size" yaml:"batch_size"`
	ImageSize       int    `mapstructure:"image_size" yaml:"image_size"`
	Steps           int    `mapstructure:"steps" yaml:"steps"`
	DisableGuidance bool   `mapstructure:"disable_guidance" yaml:"disable_guidance"`
	OutputDir       string `mapstructure:"output_dir" yaml:"output_dir"`
}

// Request converts the defaults into a generation request
func (g GenerateConfig) Request() models.GenerationRequest {
	return models.GenerationRequest{
		Prompt:          g.Prompt,
		Count:           g.Count,
		BatchSize:       g.BatchSize,
		ImageSize:       g.ImageSize,
		Steps:           g.Steps,
		DisableGuidance: g.DisableGuidance,
	}
}

// LogConfig configures logging
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// MetricsConfig configures metrics exposure
type MetricsConfig struct {
	// Addr serves /metrics while the command runs, e.g. ":9108"
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Textfile receives the final metrics snapshot at exit
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("root", filepath.Join(home, ".sdopt"))
	v.SetDefault("model_id", "runwayml/stable-diffusion-v1-5")
	v.SetDefault("accelerator", "dml")
	v.SetDefault("python", "python")

	v.SetDefault("workflow.command", "olive")
	v.SetDefault("workflow.args", []string{"run", "--config"})

	v.SetDefault("hub.url", source.DefaultHubURL)
	v.SetDefault("engine.url", "http://127.0.0.1:8765")

	v.SetDefault("generate.prompt", DefaultPrompt)
	v.SetDefault("generate.count", 1)
	v.SetDefault("generate.batch_size", 1)
	v.SetDefault("generate.image_size", 768)
	v.SetDefault("generate.steps", 50)
	v.SetDefault("generate.output_dir", ".")

	v.SetDefault("log.level", "info")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.environment", "local")
}

// NewViper creates a viper instance reading cfgFile, or config.yaml under
// $HOME/.sdopt when cfgFile is empty, plus SDOPT_* environment variables.
// A missing default config file is not an error.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to find home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(home, ".sdopt"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("hub.token", EnvPrefix+"_HUB_TOKEN", "HF_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Root = expandHome(cfg.Root)
	cfg.Workflow.TemplatesDir = expandHome(cfg.Workflow.TemplatesDir)
	cfg.Workflow.TempDir = expandHome(cfg.Workflow.TempDir)
	cfg.Workflow.Dir = expandHome(cfg.Workflow.Dir)
	if cfg.Workflow.Dir == "" && cfg.Root != "" {
		cfg.Workflow.Dir = cfg.ScriptsDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the commands cannot use
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("root directory must be set")
	}
	if strings.TrimSpace(c.ModelID) == "" {
		return errors.New("model_id must be set")
	}
	if _, err := models.ParseAccelerator(c.Accelerator); err != nil {
		return err
	}
	if c.Workflow.Command == "" {
		return errors.New("workflow.command must be set")
	}
	if err := c.Generate.Request().Validate(); err != nil {
		return fmt.Errorf("invalid generate defaults: %w", err)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.New("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// Target returns the parsed accelerator
func (c *Config) Target() models.Accelerator {
	acc, _ := models.ParseAccelerator(c.Accelerator)
	return acc
}

// UnoptimizedDir is where the assembled unoptimized pipeline for modelID lives
func (c *Config) UnoptimizedDir(modelID string) string {
	return filepath.Join(c.Root, "models", "unoptimized", filepath.FromSlash(modelID))
}

// OptimizedDir is where the optimized pipeline for modelID and acc lives
func (c *Config) OptimizedDir(modelID string, acc models.Accelerator) string {
	return filepath.Join(c.Root, "models", acc.OptimizedDirName(), filepath.FromSlash(modelID))
}

// FootprintsDir receives footprint files from the workflow engine
func (c *Config) FootprintsDir() string {
	return filepath.Join(c.Root, "footprints")
}

// CacheDir is the workflow engine cache removed by "cache clean"
func (c *Config) CacheDir() string {
	return filepath.Join(c.Root, "cache")
}

// ScriptsDir is the default engine working directory
func (c *Config) ScriptsDir() string {
	return filepath.Join(c.Root, "scripts")
}

// SourcesDir is where source pipelines are materialized
func (c *Config) SourcesDir() string {
	return filepath.Join(c.Root, "sources")
}

// ConfigDir holds rendered workflow configs
func (c *Config) ConfigDir() string {
	return filepath.Join(c.Root, "configs")
}

// LogDir holds sdopt.log
func (c *Config) LogDir() string {
	return filepath.Join(c.Root, "logs")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
