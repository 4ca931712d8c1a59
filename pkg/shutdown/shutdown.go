// Package shutdown runs registered cleanup functions in reverse order when a
// command finishes or is interrupted.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
)

// Func releases one resource
type Func func(context.Context) error

type entry struct {
	name string
	fn   Func
}

// Manager handles graceful shutdown
type Manager struct {
	mu      sync.Mutex
	entries []entry
	timeout time.Duration
	logger  *log.Logger
	once    sync.Once
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger.With("component", "shutdown"),
	}
}

// Register adds a shutdown function. Functions run in reverse order (LIFO).
func (m *Manager) Register(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{name: name, fn: fn})
}

// Shutdown executes all registered functions once and returns the first error
func (m *Manager) Shutdown() error {
	var firstErr error
	m.once.Do(func() {
		m.mu.Lock()
		entries := m.entries
		m.entries = nil
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if err := e.fn(ctx); err != nil {
				m.logger.Error("shutdown step failed", "name", e.name, "err", err)
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to stop %s: %w", e.name, err)
				}
				continue
			}
			m.logger.Debug("shutdown step done", "name", e.name)
		}
	})
	return firstErr
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) Func {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) Func {
	return func(context.Context) error {
		return closer.Close()
	}
}
