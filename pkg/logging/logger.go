// Package logging configures the structured logger shared by every sdopt command.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// FileName is the log file written under the log directory
const FileName = "sdopt.log"

// Options controls logger construction
type Options struct {
	Level string // debug, info, warn, error
	JSON  bool
	// Dir is the directory that receives sdopt.log; empty disables the file sink
	Dir string
	// Console mirrors log lines to stderr. The interactive UI turns this off.
	Console bool
}

// Logger is a charmbracelet logger that also owns its log file
type Logger struct {
	*log.Logger

	mu      sync.Mutex
	file    *os.File
	path    string
	console bool
}

// New creates a logger according to opts
func New(opts Options) (*Logger, error) {
	l := &Logger{console: opts.Console}

	var file *os.File
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", opts.Dir, err)
		}
		l.path = filepath.Join(opts.Dir, FileName)
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", l.path, err)
		}
		file = f
	}
	l.file = file

	formatter := log.TextFormatter
	if opts.JSON {
		formatter = log.JSONFormatter
	}
	l.Logger = log.NewWithOptions(l.writer(), log.Options{
		Level:           ParseLevel(opts.Level),
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Formatter:       formatter,
	})
	return l, nil
}

// Path returns the log file path, or "" when logging to the console only
func (l *Logger) Path() string {
	return l.path
}

// Close flushes and closes the log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.Logger.SetOutput(l.writerLocked())
	return err
}

// RotateIfNeeded moves the log file aside once it grows beyond maxSize bytes
func (l *Logger) RotateIfNeeded(maxSize int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}

	info, err := l.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	l.file.Close()
	backup := l.path + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(l.path, backup); err != nil {
		return fmt.Errorf("failed to rotate log %s: %w", l.path, err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.file = nil
		l.Logger.SetOutput(l.writerLocked())
		return fmt.Errorf("failed to reopen log %s: %w", l.path, err)
	}
	l.file = f
	l.Logger.SetOutput(l.writerLocked())
	l.Logger.Info("log rotated", "backup", backup)
	return nil
}

func (l *Logger) writer() io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writerLocked()
}

func (l *Logger) writerLocked() io.Writer {
	switch {
	case l.file != nil && l.console:
		return io.MultiWriter(l.file, os.Stderr)
	case l.file != nil:
		return l.file
	case l.console:
		return os.Stderr
	default:
		return io.Discard
	}
}

// ParseLevel parses a log level string, defaulting to info
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Discard returns a logger that drops everything; used by tests and library defaults
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// OrDiscard returns l, or a discarding logger when l is nil
func OrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
