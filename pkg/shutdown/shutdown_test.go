package shutdown

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestShutdown_RunsInReverseOrder(t *testing.T) {
	m := New(time.Second, log.New(io.Discard))

	var order []string
	for _, name := range []string{"log", "tracer", "metrics"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	want := []string{"metrics", "tracer", "log"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("Expected %v, got %v", want, order)
	}
}

func TestShutdown_ContinuesAfterError(t *testing.T) {
	m := New(time.Second, log.New(io.Discard))

	ran := false
	m.Register("first", func(context.Context) error {
		ran = true
		return nil
	})
	m.Register("broken", func(context.Context) error {
		return errors.New("boom")
	})

	err := m.Shutdown()
	if err == nil {
		t.Fatal("Expected error from broken step")
	}
	if !ran {
		t.Error("Expected remaining steps to run after a failure")
	}
}

func TestShutdown_Once(t *testing.T) {
	m := New(time.Second, log.New(io.Discard))

	calls := 0
	m.Register("once", func(context.Context) error {
		calls++
		return nil
	})
	m.Shutdown()
	m.Shutdown()
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}
