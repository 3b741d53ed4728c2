package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"timetask/internal/eventbus"
	"timetask/internal/transport"
	"timetask/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("OnDone not called within 2s")
		return nil
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, RetryMax: 2}, bus)

	var calls int32
	done := make(chan error, 1)
	err := s.Enqueue(Task{
		Name: "deliver",
		Run: func(context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("connection reset")
			}
			return nil
		},
		OnDone: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("OnDone err = %v, want nil", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}

	var finished bool
	for !finished {
		select {
		case ev := <-events:
			finished = ev.Type == eventbus.JobFinished
		case <-time.After(time.Second):
			t.Fatalf("no %s event", eventbus.JobFinished)
		}
	}

	h := s.Snapshot().History
	if len(h) != 1 || h[0].Attempts != 3 || h[0].Error != "" || h[0].ID == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, RetryMax: 1}, nil)
	var calls int32
	done := make(chan error, 1)
	boom := errors.New("boom")
	if err := s.Enqueue(Task{
		Name:   "deliver",
		Run:    func(context.Context) error { atomic.AddInt32(&calls, 1); return boom },
		OnDone: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := waitDone(t, done); !errors.Is(err, boom) {
		t.Fatalf("OnDone err = %v, want boom", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestPermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, RetryMax: 5}, nil)
	var calls int32
	done := make(chan error, 1)
	bad := errors.New("chat not found")
	if err := s.Enqueue(Task{
		Name:   "deliver",
		Run:    func(context.Context) error { atomic.AddInt32(&calls, 1); return Permanent(bad) },
		OnDone: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	err := waitDone(t, done)
	if !errors.Is(err, bad) || IsPermanent(err) {
		t.Fatalf("OnDone err = %v, want unwrapped bad", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestPanicIsReportedNotRetried(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, RetryMax: 3}, nil)
	var calls int32
	done := make(chan error, 1)
	if err := s.Enqueue(Task{
		Name:   "deliver",
		Run:    func(context.Context) error { atomic.AddInt32(&calls, 1); panic("nil map") },
		OnDone: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := waitDone(t, done); err == nil {
		t.Fatalf("OnDone err = nil, want panic error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestTimeoutAppliesPerAttempt(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, RetryMax: -1}, nil)
	done := make(chan error, 1)
	if err := s.Enqueue(Task{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnDone: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := waitDone(t, done); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("OnDone err = %v, want DeadlineExceeded", err)
	}
}

func TestQueueFullAndStopped(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	block := Task{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(block); err != nil {
		t.Fatalf("Enqueue(block) error = %v", err)
	}
	<-started

	queuedDone := make(chan error, 1)
	if err := s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }, OnDone: func(err error) { queuedDone <- err }}); err != nil {
		t.Fatalf("Enqueue(queued) error = %v", err)
	}
	if err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue(overflow) error = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().Dropped; got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}

	close(release)
	if err := waitDone(t, queuedDone); err != nil {
		t.Fatalf("queued OnDone err = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if err := s.Enqueue(block); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop error = %v, want ErrStopped", err)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}.withDefaults()
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		retry    int
		min, max time.Duration
	}{
		{1, 80 * time.Millisecond, 120 * time.Millisecond},
		{2, 160 * time.Millisecond, 240 * time.Millisecond},
		{3, 320 * time.Millisecond, 480 * time.Millisecond},
		{10, 800 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := backoffDelay(cfg, tt.retry, rng)
			if d < tt.min || d > tt.max {
				t.Fatalf("backoffDelay(retry=%d) = %v, want in [%v, %v]", tt.retry, d, tt.min, tt.max)
			}
		}
	}

	hinted := transport.RetryAfter(errors.New("429"), time.Hour)
	if d := backoffDelayWithHint(cfg, 1, hinted, rng); d > time.Second {
		t.Fatalf("hinted delay = %v, want capped at RetryMaxDelay", d)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	if cfg.RetryMax != defaultRetryMax || cfg.Workers != defaultWorkers || cfg.QueueSize != defaultQueueSize {
		t.Fatalf("withDefaults() = %+v", cfg)
	}
	if got := (Config{RetryMax: -1}).withDefaults().RetryMax; got != 0 {
		t.Fatalf("RetryMax(-1) = %d, want 0", got)
	}
}
