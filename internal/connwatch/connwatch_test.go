package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{}.withDefaults()
	if got != DefaultBackoffConfig() {
		t.Errorf("zero config defaults = %+v, want %+v", got, DefaultBackoffConfig())
	}

	custom := BackoffConfig{PollInterval: time.Second}.withDefaults()
	if custom.PollInterval != time.Second || custom.MaxRetries != 5 {
		t.Errorf("partial config = %+v", custom)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(slog.Default())
	w := m.Watch(ctx, "anthropic", func(context.Context) error { return nil }, testBackoff())

	waitFor(t, w.IsReady)
	s := w.Status()
	if s.Name != "anthropic" || !s.Ready || s.LastError != "" || s.LastCheck.IsZero() {
		t.Errorf("status = %+v", s)
	}
}

func TestWatcher_RecoversAfterFailures(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	probe := func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	w := NewManager(nil).Watch(ctx, "openai", probe, testBackoff())
	waitFor(t, w.IsReady)
	if calls.Load() < 3 {
		t.Errorf("ready after %d probes, want at least 3", calls.Load())
	}
}

func TestWatcher_TransitionsDuringPolling(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var down atomic.Bool
	probe := func(context.Context) error {
		if down.Load() {
			return errors.New("503 overloaded")
		}
		return nil
	}

	w := NewManager(nil).Watch(ctx, "anthropic", probe, testBackoff())
	waitFor(t, w.IsReady)

	down.Store(true)
	waitFor(t, func() bool { return !w.IsReady() })
	if got := w.Status().LastError; got != "503 overloaded" {
		t.Errorf("LastError = %q", got)
	}

	down.Store(false)
	waitFor(t, w.IsReady)
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backoff := testBackoff()
	backoff.ProbeTimeout = 5 * time.Millisecond
	backoff.MaxRetries = 1
	probe := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	w := NewManager(nil).Watch(ctx, "slow", probe, backoff)
	waitFor(t, func() bool { return w.Status().LastError != "" })
	if w.IsReady() {
		t.Error("timed-out probe reported ready")
	}
}

func TestWatcher_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	w := NewManager(nil).Watch(ctx, "x", func(context.Context) error { return errors.New("down") }, testBackoff())
	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
}

func TestManager_StatusSorted(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(nil)
	ok := func(context.Context) error { return nil }
	m.Watch(ctx, "openai", ok, testBackoff())
	m.Watch(ctx, "anthropic", ok, testBackoff())

	got := m.Status()
	if len(got) != 2 || got[0].Name != "anthropic" || got[1].Name != "openai" {
		t.Errorf("Status() = %+v, want sorted by name", got)
	}
}
