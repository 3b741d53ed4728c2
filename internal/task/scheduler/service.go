package scheduler

import (
	"context"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"timetask/pkg/logx"
)

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "scheduler")),
		cfg:     cfg,
		now:     time.Now,
		entries: map[string]*entry{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocation()
	s.grace = cfg.MisfireGrace
	if s.grace <= 0 {
		s.grace = DefaultMisfireGrace
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(cron.WithLocation(s.loc), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	return s
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Error("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location is the zone used for cron matching and relative dates.
func (s *Service) Location() *time.Location { return s.loc }

// Now returns the scheduler clock in its location.
func (s *Service) Now() time.Time { return s.now().In(s.loc) }

// Start starts cron triggering. One-shot timers run as soon as they are armed.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Duration("grace", s.grace), logx.Int("armed", len(s.entries)))
}

// Stop stops cron triggering and all one-shot timers, then waits for running
// cron jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	started := s.started
	s.started = false
	for id, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if started {
		select {
		case <-s.c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// cronLogger routes robfig/cron diagnostics (including recovered job panics)
// into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
