package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]log.Level{
		"debug":   log.DebugLevel,
		"DEBUG":   log.DebugLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"":        log.InfoLevel,
		"bogus":   log.InfoLevel,
	}
	for input, want := range tests {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", input, want, got)
		}
	}
}

func TestNew_WritesToFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(Options{Level: "info", Dir: dir})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.With("component", "test").Info("hello", "submodel", "unet")
	logger.Debug("hidden")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "hello") || !strings.Contains(content, "submodel=unet") {
		t.Errorf("Expected info line in log file, got %q", content)
	}
	if strings.Contains(content, "hidden") {
		t.Errorf("Debug line should be filtered at info level")
	}
}

func TestNew_JSONFormat(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(Options{Level: "debug", JSON: true, Dir: dir})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Debug("json line", "step", 3)
	logger.Close()

	data, _ := os.ReadFile(filepath.Join(dir, FileName))
	if !strings.Contains(string(data), `"msg":"json line"`) {
		t.Errorf("Expected JSON formatted line, got %q", data)
	}
}

func TestRotateIfNeeded(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer logger.Close()

	logger.Info(strings.Repeat("x", 256))
	if err := logger.RotateIfNeeded(64); err != nil {
		t.Fatalf("RotateIfNeeded failed: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, FileName+".*"))
	if len(matches) != 1 {
		t.Errorf("Expected one rotated backup, got %d", len(matches))
	}
}
