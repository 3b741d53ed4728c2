package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"timetask/internal/task"
	"timetask/pkg/logx"
)

const (
	DefaultTimezone     = "Asia/Shanghai"
	DefaultMisfireGrace = 60 * time.Second
)

// ErrExpired is returned when a one-shot deadline lies further in the past
// than the misfire grace window.
var ErrExpired = errors.New("one-shot deadline already passed")

// Config controls the scheduler.
type Config struct {
	Timezone     string // IANA TZ, e.g. "Asia/Shanghai"
	MisfireGrace time.Duration
}

// Fire describes one trigger of an armed id.
type Fire struct {
	ID   string
	Kind task.Kind
	// Due is the scheduled instant, At the instant the scheduler woke up.
	Due time.Time
	At  time.Time
	// Missed is set for a one-shot that woke up later than the grace window.
	// The id is already disarmed; the caller should retire it without delivering.
	Missed bool
	// CatchUp is set for a recurring occurrence replayed at arm time.
	CatchUp bool
}

// FireFunc receives fires. It runs on a scheduler goroutine and should hand
// the work off quickly.
type FireFunc func(Fire)

type ArmOptions struct {
	// CatchUpAfter enables replay of a recurring occurrence that fell inside
	// the grace window before arming, provided it is after this instant
	// (normally the task's creation time). Zero disables catch-up.
	CatchUpAfter time.Time
}

// EntryInfo is a diagnostic view of an armed id.
type EntryInfo struct {
	ID   string
	Kind task.Kind
	Next time.Time
}

type Option func(*Service)

// WithClock overrides the wall clock used for grace decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type entry struct {
	kind   task.Kind
	ver    uint64
	sched  cron.Schedule
	cronID cron.EntryID
	timer  *time.Timer
	at     time.Time
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	grace time.Duration
	now   func() time.Time

	c       *cron.Cron
	started bool

	seq     uint64
	entries map[string]*entry
}
