package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"timetask/internal/task"
	"timetask/internal/timeexpr"
	"timetask/pkg/logx"
)

// Arm registers trig under id. Re-arming an id replaces its previous entry.
func (s *Service) Arm(id string, trig task.Trigger, fire FireFunc, opt ArmOptions) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	if fire == nil {
		return errors.New("fire callback required")
	}
	switch t := trig.(type) {
	case task.Recurring:
		return s.armRecurring(id, t, fire, opt)
	case task.OneShot:
		return s.armOneShot(id, t, fire)
	default:
		return fmt.Errorf("unsupported trigger %T", trig)
	}
}

func (s *Service) armRecurring(id string, t task.Recurring, fire FireFunc, opt ArmOptions) error {
	sched, err := timeexpr.Schedule(t.Expr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked(id)
	s.seq++
	ver := s.seq
	e := &entry{kind: task.KindRecurring, ver: ver, sched: sched}
	e.cronID = s.c.Schedule(sched, cron.FuncJob(func() { s.runRecurring(id, ver, sched, fire) }))
	s.entries[id] = e

	now := s.Now()
	s.log.Debug("recurring armed", logx.String("id", id), logx.String("cron", t.Expr), logx.Time("next", sched.Next(now)))

	if !opt.CatchUpAfter.IsZero() {
		if due, ok := s.dueWithinGrace(sched, now); ok && due.After(opt.CatchUpAfter) {
			s.log.Info("replaying occurrence missed within grace", logx.String("id", id), logx.Time("due", due))
			go s.fireIfCurrent(id, ver, Fire{ID: id, Kind: task.KindRecurring, Due: due, At: now, CatchUp: true}, fire)
		}
	}
	return nil
}

func (s *Service) armOneShot(id string, t task.OneShot, fire FireFunc) error {
	now := s.Now()
	if late := now.Sub(t.At); late > s.grace {
		return fmt.Errorf("%w: task %s was due %s ago", ErrExpired, id, late.Truncate(time.Second))
	}
	delay := t.At.Sub(now)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked(id)
	s.seq++
	ver := s.seq
	at := t.At
	e := &entry{kind: task.KindOneShot, ver: ver, at: at}
	e.timer = time.AfterFunc(delay, func() { s.runOneShot(id, ver, at, fire) })
	s.entries[id] = e

	s.log.Debug("one-shot armed", logx.String("id", id), logx.Time("at", at), logx.Duration("in", delay))
	return nil
}

// runRecurring is the cron job body. robfig/cron runs it at the scheduled
// instant unless the process was stalled; a run with no occurrence inside
// the grace window is skipped.
func (s *Service) runRecurring(id string, ver uint64, sched cron.Schedule, fire FireFunc) {
	now := s.Now()
	due, ok := s.dueWithinGrace(sched, now)
	if !ok {
		s.log.Warn("recurring fire skipped: outside misfire grace", logx.String("id", id), logx.Time("now", now))
		return
	}
	s.fireIfCurrent(id, ver, Fire{ID: id, Kind: task.KindRecurring, Due: due, At: now}, fire)
}

func (s *Service) fireIfCurrent(id string, ver uint64, f Fire, fire FireFunc) {
	s.mu.Lock()
	e, ok := s.entries[id]
	current := ok && e.ver == ver
	s.mu.Unlock()
	if !current {
		return
	}
	fire(f)
}

// runOneShot self-disarms before reporting so a later Disarm is a no-op.
func (s *Service) runOneShot(id string, ver uint64, at time.Time, fire FireFunc) {
	now := s.Now()

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.entries, id)
	s.mu.Unlock()

	f := Fire{ID: id, Kind: task.KindOneShot, Due: at, At: now}
	if now.Sub(at) > s.grace {
		f.Missed = true
		s.log.Warn("one-shot woke up after misfire grace", logx.String("id", id), logx.Time("due", at), logx.Time("now", now))
	}
	fire(f)
}

// dueWithinGrace returns the latest occurrence in [now-grace, now].
func (s *Service) dueWithinGrace(sched cron.Schedule, now time.Time) (time.Time, bool) {
	from := now.Add(-s.grace)
	// Next is strictly after its argument at second resolution.
	due := sched.Next(from.Add(-time.Second))
	if due.Before(from) || due.After(now) {
		return time.Time{}, false
	}
	for {
		n := sched.Next(due)
		if n.After(now) {
			return due, true
		}
		due = n
	}
}

// Disarm cancels id. It reports whether anything was armed; unknown ids are
// a no-op. A fire already handed to the FireFunc is not interrupted.
func (s *Service) Disarm(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disarmLocked(id)
}

func (s *Service) disarmLocked(id string) bool {
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	if e.cronID != 0 {
		s.c.Remove(e.cronID)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, id)
	s.log.Debug("disarmed", logx.String("id", id))
	return true
}

// Armed reports whether id currently has an entry.
func (s *Service) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Entries lists armed ids sorted by next fire time.
func (s *Service) Entries() []EntryInfo {
	now := s.Now()
	s.mu.Lock()
	out := make([]EntryInfo, 0, len(s.entries))
	for id, e := range s.entries {
		info := EntryInfo{ID: id, Kind: e.kind, Next: e.at}
		if e.sched != nil {
			info.Next = e.sched.Next(now)
		}
		out = append(out, info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].ID < out[j].ID
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}
