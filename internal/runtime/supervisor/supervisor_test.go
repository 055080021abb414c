package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "taskrunner/pkg/logx"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()))
	s.Go0("worker/a", func(context.Context) { panic("boom") })
	s.Go0("worker/b", func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatal("expected panic error")
	}
	c := s.Counters()
	if c.Started != 2 || c.Active != 0 || c.Panics != 1 {
		t.Fatalf("counters = %+v", c)
	}
	g := s.Groups()
	if len(g) != 1 || g[0].Group != "worker" || g[0].Started != 2 || g[0].Panics != 1 {
		t.Fatalf("groups = %+v", g)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(context.Context) error { return errors.New("nope") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || err.Error() != "failing: nope" {
		t.Fatalf("Wait = %v", err)
	}
}

func TestGoRestart(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("watch", RestartPolicy{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", RestartPolicy{MinBackoff: time.Millisecond, MaxRestarts: 2}, func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected final error")
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
}

func TestStopCancelsGoroutines(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Counters().Active != 0 {
		t.Fatal("goroutine still active")
	}
}
