package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/psantana5/diffusion-optimizer/pkg/logging"
	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/psantana5/diffusion-optimizer/pkg/provider"
	"github.com/spf13/afero"
)

// DefaultCommand is the workflow engine executable
const DefaultCommand = "olive"

// Runner executes one workflow configuration to completion
type Runner interface {
	Run(ctx context.Context, submodel models.Submodel, cfg provider.WorkflowConfig) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, submodel models.Submodel, cfg provider.WorkflowConfig) error

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, submodel models.Submodel, cfg provider.WorkflowConfig) error {
	return f(ctx, submodel, cfg)
}

// ConfigLocator is implemented by runners that keep the rendered configuration on disk
type ConfigLocator interface {
	ConfigPath(submodel models.Submodel) string
}

// RunError describes a failed workflow engine process
type RunError struct {
	Submodel models.Submodel
	ExitCode int
	Stderr   string
	Err      error
}

// Error implements error interface
func (e *RunError) Error() string {
	msg := fmt.Sprintf("workflow for %s failed (exit code %d)", e.Submodel, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Unwrap returns the underlying error
func (e *RunError) Unwrap() error {
	return e.Err
}

// CommandRunner runs the workflow engine as a subprocess:
// {Command} {Args...} {config file}
type CommandRunner struct {
	Command string
	Args    []string
	// ConfigDir receives the rendered configuration files. It must be a real
	// directory on Fs because the subprocess reads the file directly.
	ConfigDir string
	// Dir is the working directory of the engine. Relative script paths in
	// the templates resolve against it.
	Dir    string
	Env    []string
	Fs     afero.Fs
	Stdout io.Writer
	Logger *log.Logger
	// WaitDelay bounds how long Run waits for output after cancellation
	WaitDelay time.Duration
}

// NewCommandRunner creates a runner for the default engine command
func NewCommandRunner(configDir string, logger *log.Logger) *CommandRunner {
	return &CommandRunner{
		Command:   DefaultCommand,
		Args:      []string{"run", "--config"},
		ConfigDir: configDir,
		Fs:        afero.NewOsFs(),
		Logger:    logger,
		WaitDelay: 10 * time.Second,
	}
}

// Run writes cfg to the config directory and executes the engine on it
func (r *CommandRunner) Run(ctx context.Context, submodel models.Submodel, cfg provider.WorkflowConfig) error {
	logger := logging.OrDiscard(r.Logger).With("component", "workflow", "submodel", submodel)

	if r.Dir != "" {
		if ok, err := afero.DirExists(r.fs(), r.Dir); err != nil || !ok {
			return fmt.Errorf("workflow directory %s does not exist", r.Dir)
		}
	}

	path, err := r.writeConfig(submodel, cfg)
	if err != nil {
		return err
	}

	args := append(append([]string{}, r.Args...), path)
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.WaitDelay = r.WaitDelay

	stderr := newTailBuffer(4 << 10)
	cmd.Stderr = stderr
	if r.Stdout != nil {
		cmd.Stdout = r.Stdout
		cmd.Stderr = io.MultiWriter(stderr, r.Stdout)
	}

	logger.Info("starting workflow", "command", r.Command, "config", path, "dir", r.Dir)
	start := time.Now()

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("workflow for %s cancelled: %w", submodel, ctx.Err())
		}
		runErr := &RunError{Submodel: submodel, ExitCode: -1, Stderr: stderr.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			runErr.ExitCode = exitErr.ExitCode()
		}
		logger.Error("workflow failed", "exit_code", runErr.ExitCode, "dur", time.Since(start).String())
		return runErr
	}

	logger.Info("workflow completed", "dur", time.Since(start).String())
	return nil
}

// ConfigPath returns where Run writes the configuration for submodel
func (r *CommandRunner) ConfigPath(submodel models.Submodel) string {
	return filepath.Join(r.configDir(), FileName(submodel))
}

func (r *CommandRunner) fs() afero.Fs {
	if r.Fs == nil {
		return afero.NewOsFs()
	}
	return r.Fs
}

func (r *CommandRunner) configDir() string {
	if r.ConfigDir == "" {
		return os.TempDir()
	}
	return r.ConfigDir
}

func (r *CommandRunner) writeConfig(submodel models.Submodel, cfg provider.WorkflowConfig) (string, error) {
	fs := r.fs()
	dir := r.configDir()
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow config for %s: %w", submodel, err)
	}
	path := r.ConfigPath(submodel)
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write workflow config %s: %w", path, err)
	}
	return path, nil
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}
