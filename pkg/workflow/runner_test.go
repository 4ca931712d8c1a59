package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/psantana5/diffusion-optimizer/pkg/provider"
	"github.com/spf13/afero"
)

// TestHelperProcess is not a real test. It stands in for the workflow engine
// when CommandRunner re-executes the test binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("SDOPT_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	configPath := args[len(args)-1]

	switch os.Getenv("SDOPT_HELPER_MODE") {
	case "cwd":
		wd, _ := os.Getwd()
		want := os.Getenv("SDOPT_HELPER_WANT_DIR")
		if resolved, err := filepath.EvalSymlinks(want); err == nil {
			want = resolved
		}
		if resolved, err := filepath.EvalSymlinks(wd); err == nil {
			wd = resolved
		}
		if wd != want {
			fmt.Fprintf(os.Stderr, "working directory %s, want %s\n", wd, want)
			os.Exit(5)
		}
		os.Exit(0)
	case "fail":
		fmt.Fprintln(os.Stderr, "RuntimeError: conversion exploded")
		os.Exit(3)
	default:
		data, err := os.ReadFile(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg, err := provider.ParseWorkflowConfig(data)
		if err != nil || cfg.ModelPath() == "" {
			fmt.Fprintln(os.Stderr, "missing model path")
			os.Exit(4)
		}
		os.Exit(0)
	}
}

func helperRunner(t *testing.T, mode string) *CommandRunner {
	t.Helper()
	r := NewCommandRunner(t.TempDir(), nil)
	r.Command = os.Args[0]
	r.Args = []string{"-test.run=TestHelperProcess", "--"}
	r.Env = []string{"SDOPT_WANT_HELPER_PROCESS=1", "SDOPT_HELPER_MODE=" + mode}
	return r
}

func TestCommandRunner_Success(t *testing.T) {
	r := helperRunner(t, "ok")
	cfg := provider.WorkflowConfig{}
	cfg.SetModelPath("runwayml/stable-diffusion-v1-5")

	if err := r.Run(context.Background(), models.SubmodelUNet, cfg); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	written := filepath.Join(r.ConfigDir, "config_unet.json")
	if ok, _ := afero.Exists(afero.NewOsFs(), written); !ok {
		t.Errorf("Expected config written to %s", written)
	}
}

func TestCommandRunner_WorkingDirectory(t *testing.T) {
	r := helperRunner(t, "cwd")
	r.Dir = t.TempDir()
	r.Env = append(r.Env, "SDOPT_HELPER_WANT_DIR="+r.Dir)

	if err := r.Run(context.Background(), models.SubmodelTextEncoder, provider.WorkflowConfig{}); err != nil {
		t.Fatalf("Expected engine to run in %s, got %v", r.Dir, err)
	}
}

func TestCommandRunner_MissingWorkingDirectory(t *testing.T) {
	r := helperRunner(t, "ok")
	r.Dir = filepath.Join(t.TempDir(), "scripts")

	err := r.Run(context.Background(), models.SubmodelUNet, provider.WorkflowConfig{})
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("Expected missing directory error, got %v", err)
	}
	if ok, _ := afero.Exists(afero.NewOsFs(), r.ConfigPath(models.SubmodelUNet)); ok {
		t.Error("Expected no config written when the working directory is missing")
	}
}

func TestCommandRunner_ConfigPath(t *testing.T) {
	r := NewCommandRunner("/work/configs", nil)
	if got := r.ConfigPath(models.SubmodelVAEEncoder); got != filepath.Join("/work/configs", "config_vae_encoder.json") {
		t.Errorf("Expected config path under /work/configs, got %s", got)
	}
}

func TestCommandRunner_Failure(t *testing.T) {
	r := helperRunner(t, "fail")

	err := r.Run(context.Background(), models.SubmodelVAEDecoder, provider.WorkflowConfig{})

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Expected RunError, got %v", err)
	}
	if runErr.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", runErr.ExitCode)
	}
	if !strings.Contains(runErr.Stderr, "conversion exploded") {
		t.Errorf("Expected stderr tail in error, got %q", runErr.Stderr)
	}
}

func TestCommandRunner_Cancelled(t *testing.T) {
	r := helperRunner(t, "ok")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Run(ctx, models.SubmodelUNet, provider.WorkflowConfig{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(5)
	b.Write([]byte("hello "))
	b.Write([]byte("world"))
	if got := b.String(); got != "world" {
		t.Errorf("Expected %q, got %q", "world", got)
	}
}
