package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ModelID != "runwayml/stable-diffusion-v1-5" {
		t.Errorf("Expected default model, got %s", cfg.ModelID)
	}
	if cfg.Target() != models.AcceleratorDML {
		t.Errorf("Expected dml, got %s", cfg.Target())
	}
	if cfg.Generate.ImageSize != 768 || cfg.Generate.Steps != 50 || cfg.Generate.Count != 1 {
		t.Errorf("Unexpected generate defaults: %+v", cfg.Generate)
	}
	if cfg.Generate.Prompt != DefaultPrompt {
		t.Errorf("Expected default prompt, got %q", cfg.Generate.Prompt)
	}
	if len(cfg.Workflow.Args) != 2 || cfg.Workflow.Args[0] != "run" {
		t.Errorf("Expected workflow args [run --config], got %v", cfg.Workflow.Args)
	}
}

func TestNewViperReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
root: ` + dir + `
accelerator: cuda
model_id: sayakpaul/sd-model-finetuned-lora-t4
generate:
  count: 4
  batch_size: 2
runtime:
  onnxruntime: 1.17.1
  protobuf: 3.20.3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("SDOPT_GENERATE_STEPS", "12")
	t.Setenv("HF_TOKEN", "hf_secret")

	v, err := NewViper(path)
	if err != nil {
		t.Fatalf("NewViper failed: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Target() != models.AcceleratorCUDA {
		t.Errorf("Expected cuda, got %s", cfg.Accelerator)
	}
	if cfg.Generate.Count != 4 || cfg.Generate.BatchSize != 2 {
		t.Errorf("Expected count 4 batch 2, got %+v", cfg.Generate)
	}
	if cfg.Generate.Steps != 12 {
		t.Errorf("Expected steps from env 12, got %d", cfg.Generate.Steps)
	}
	if cfg.Hub.Token != "hf_secret" {
		t.Errorf("Expected token from HF_TOKEN, got %q", cfg.Hub.Token)
	}
	if !cfg.Runtime.Pinned() {
		t.Error("Expected pinned runtime versions")
	}

	want := filepath.Join(dir, "models", "optimized-cuda", "sayakpaul", "sd-model-finetuned-lora-t4")
	if got := cfg.OptimizedDir(cfg.ModelID, cfg.Target()); got != want {
		t.Errorf("Expected optimized dir %s, got %s", want, got)
	}
}

func TestNewViperMissingExplicitFile(t *testing.T) {
	_, err := NewViper(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		v := viper.New()
		SetDefaults(v)
		cfg, err := Load(v)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"bad accelerator", func(c *Config) { c.Accelerator = "rocm" }, "unsupported accelerator"},
		{"empty model", func(c *Config) { c.ModelID = " " }, "model_id"},
		{"no workflow command", func(c *Config) { c.Workflow.Command = "" }, "workflow.command"},
		{"odd image size", func(c *Config) { c.Generate.ImageSize = 500 }, "multiple of 8"},
		{"zero batch", func(c *Config) { c.Generate.BatchSize = 0 }, "batch size"},
		{"tracing without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Endpoint = ""
		}, "tracing.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("Expected error containing %q, got %v", tt.errSub, err)
			}
		})
	}
}

func TestDirectories(t *testing.T) {
	cfg := &Config{Root: "/data"}
	if cfg.UnoptimizedDir("stabilityai/sd-turbo") != filepath.Join("/data", "models", "unoptimized", "stabilityai", "sd-turbo") {
		t.Errorf("Unexpected unoptimized dir %s", cfg.UnoptimizedDir("stabilityai/sd-turbo"))
	}
	if cfg.OptimizedDir("m", models.AcceleratorDML) != filepath.Join("/data", "models", "optimized", "m") {
		t.Errorf("Unexpected optimized dir %s", cfg.OptimizedDir("m", models.AcceleratorDML))
	}
	if cfg.FootprintsDir() != filepath.Join("/data", "footprints") {
		t.Errorf("Unexpected footprints dir %s", cfg.FootprintsDir())
	}
	if cfg.CacheDir() != filepath.Join("/data", "cache") {
		t.Errorf("Unexpected cache dir %s", cfg.CacheDir())
	}
	if cfg.SourcesDir() != filepath.Join("/data", "sources") {
		t.Errorf("Unexpected sources dir %s", cfg.SourcesDir())
	}
	if strings.HasPrefix(cfg.SourcesDir(), cfg.CacheDir()) {
		t.Errorf("Expected sources dir outside the cache, got %s", cfg.SourcesDir())
	}
}

func TestLoadWorkflowDir(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("root", "/data")
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workflow.Dir != filepath.Join("/data", "scripts") {
		t.Errorf("Expected default workflow dir under root, got %s", cfg.Workflow.Dir)
	}

	v.Set("workflow.dir", "/opt/olive/examples/stable_diffusion")
	cfg, err = Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workflow.Dir != "/opt/olive/examples/stable_diffusion" {
		t.Errorf("Expected configured workflow dir, got %s", cfg.Workflow.Dir)
	}
}
