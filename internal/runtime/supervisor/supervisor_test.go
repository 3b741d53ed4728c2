package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"timetask/pkg/logx"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoErrorCancelsWhenConfigured(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(context.Context) error { return boom })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := s.Wait(waitCtx(t)); !errors.Is(err, boom) {
		t.Fatalf("Wait() error = %v, want boom", err)
	}
	if s.Context().Err() == nil {
		t.Fatalf("context not cancelled")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go0("panicky", func(context.Context) { panic("oops") })
	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatalf("Wait() error = nil, want panic error")
	}
	if s.Context().Err() != nil {
		t.Fatalf("context cancelled without WithCancelOnError")
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 || snap.Goroutines[0].Active != 0 {
		t.Fatalf("Snapshot() = %+v", snap)
	}
}

func TestGoCanceledIsClean(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestGoRestartRestartsUntilLimit(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(3),
		WithPublishFirstError(true),
	)
	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatalf("Wait() error = nil, want published error")
	}
	if got := runs.Load(); got != 4 {
		t.Fatalf("runs = %d, want 4 (first run + 3 restarts)", got)
	}
	if st := s.Snapshot().Goroutines[0]; st.Restarts != 3 || st.Started != 4 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGoRestartCleanExit(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart0("once", func(context.Context) { runs.Add(1) })
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}

	s2 := NewSupervisor(context.Background())
	var runs2 atomic.Int32
	s2.GoRestart0("again", func(context.Context) { runs2.Add(1) },
		WithStopOnCleanExit(false),
		WithRestartBackoff(time.Millisecond, time.Millisecond),
		WithMaxRestarts(2),
	)
	_ = s2.Wait(waitCtx(t))
	if runs2.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs2.Load())
	}
}
