package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"schedula/replica/internal/store"
)

type fakeRefresher struct {
	tryRefresh func(ctx context.Context) (bool, error)
}

func (f *fakeRefresher) TryRefresh(ctx context.Context) (bool, error) {
	if f.tryRefresh == nil {
		panic("TryRefresh not configured")
	}
	return f.tryRefresh(ctx)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTick_ErrorRouting(t *testing.T) {
	tests := []struct {
		name        string
		ran         bool
		err         error
		wantHandled bool
	}{
		{name: "success", ran: true},
		{name: "skipped while writer busy", ran: false},
		{name: "connectivity error is swallowed", ran: true, err: store.Connectivity("refresh", errors.New("unreachable"))},
		{name: "protocol error is reported", ran: true, err: store.Protocol("apply", "missing last validated"), wantHandled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var handled atomic.Int32
			s := New(&fakeRefresher{tryRefresh: func(context.Context) (bool, error) { return tt.ran, tt.err }},
				time.Minute,
				WithLogger(quietLogger()),
				WithErrorHandler(func(error) { handled.Add(1) }),
			)
			s.Tick()
			if got := handled.Load() == 1; got != tt.wantHandled {
				t.Fatalf("error handled = %v, want %v", got, tt.wantHandled)
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	var calls atomic.Int32
	s := New(&fakeRefresher{tryRefresh: func(context.Context) (bool, error) {
		calls.Add(1)
		return true, nil
	}}, time.Second, WithLogger(quietLogger()))

	s.Start()
	s.Start()
	if !s.Running() {
		t.Fatalf("Running() = false after Start")
	}
	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatalf("no tick within 3s")
	}

	s.Stop()
	s.Stop()
	if s.Running() {
		t.Fatalf("Running() = true after Stop")
	}
}

func TestStart_DisabledInterval(t *testing.T) {
	s := New(&fakeRefresher{}, 0, WithLogger(quietLogger()))
	s.Start()
	if s.Running() {
		t.Fatalf("scheduler started with zero interval")
	}
}

func TestStop_AbortedTickIsNotAnError(t *testing.T) {
	var out bytes.Buffer
	log := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	entered := make(chan struct{})
	var handled atomic.Int32
	s := New(&fakeRefresher{tryRefresh: func(ctx context.Context) (bool, error) {
		close(entered)
		<-ctx.Done()
		return true, store.Connectivity("refresh", ctx.Err())
	}}, time.Hour, WithLogger(log), WithErrorHandler(func(error) { handled.Add(1) }))

	s.Start()
	done := make(chan struct{})
	go func() {
		s.Tick()
		close(done)
	}()
	<-entered
	s.Stop()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("tick still running 3s after Stop")
	}

	if handled.Load() != 0 {
		t.Fatalf("error handler called for a tick aborted by Stop")
	}
	logs := out.String()
	if strings.Contains(logs, "level=ERROR") {
		t.Fatalf("aborted tick logged at error level:\n%s", logs)
	}
	if !strings.Contains(logs, "refresh aborted") {
		t.Fatalf("aborted tick not logged:\n%s", logs)
	}
}
