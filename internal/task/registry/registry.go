// Package registry holds the live task records, keyed by destination, and
// mirrors every mutation to durable storage before reporting success.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"timetask/internal/storage"
	"timetask/internal/task"
	"timetask/pkg/logx"
)

const (
	defaultIDSpace = 10000
	idWidth        = 4
)

var (
	ErrDuplicateID      = errors.New("task id already in use")
	ErrIDSpaceExhausted = errors.New("task id space exhausted")
)

// Entry is a record together with its destination.
type Entry struct {
	Destination string
	Record      task.Record
}

type Options struct {
	// IDSpace bounds generated ids to [0, IDSpace). Defaults to 10000.
	IDSpace int
	// Intn draws a random int in [0, n). Defaults to math/rand/v2.
	Intn func(n int) int
	Now  func() time.Time
}

// Registry is safe for concurrent use. Each mutating call is one critical
// section that includes the snapshot write.
type Registry struct {
	store storage.Store
	log   logx.Logger

	idSpace int
	intn    func(int) int
	now     func() time.Time

	mu   sync.Mutex
	snap task.Snapshot
}

func New(store storage.Store, log logx.Logger, opt Options) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.IDSpace <= 0 {
		opt.IDSpace = defaultIDSpace
	}
	if opt.Intn == nil {
		opt.Intn = rand.IntN
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Registry{
		store:   store,
		log:     log.With(logx.String("comp", "registry")),
		idSpace: opt.IDSpace,
		intn:    opt.Intn,
		now:     opt.Now,
	}
}

// Load replaces the in-memory state with the stored snapshot, dropping
// one-shot tasks whose deadline is not after now and empty destinations.
// The filtered snapshot is written back immediately.
func (r *Registry) Load(ctx context.Context) ([]Entry, error) {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", task.ErrPersistence, err)
	}

	now := r.now()
	live := task.Snapshot{}
	seen := map[string]bool{}
	for _, b := range snap.Buckets {
		kept := make([]task.Record, 0, len(b.Records))
		for _, rec := range b.Records {
			if rec.ExpiredAt(now) {
				r.log.Info("task expired; dropped", logx.String("id", rec.ID), logx.String("at", rec.Trigger.Value()))
				continue
			}
			if seen[rec.ID] {
				r.log.Warn("duplicate task id in snapshot; dropped", logx.String("id", rec.ID), logx.String("dest", b.Destination))
				continue
			}
			seen[rec.ID] = true
			kept = append(kept, rec)
		}
		if len(kept) > 0 {
			live.Buckets = append(live.Buckets, task.Bucket{Destination: b.Destination, Records: kept})
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Save(ctx, live); err != nil {
		return nil, fmt.Errorf("%w: save after load: %v", task.ErrPersistence, err)
	}
	r.snap = live
	r.log.Info("registry loaded", logx.Int("tasks", live.Len()), logx.Int("destinations", len(live.Buckets)))
	return flatten(live), nil
}

// NewID draws a fixed-width numeric id not used by any destination.
func (r *Registry) NewID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	used := r.idsLocked()
	if len(used) >= r.idSpace {
		return "", ErrIDSpaceExhausted
	}
	for {
		id := formatID(r.intn(r.idSpace))
		if !used[id] {
			return id, nil
		}
		r.log.Debug("task id collision; redrawing", logx.String("id", id))
	}
}

func formatID(n int) string {
	s := strconv.Itoa(n)
	for len(s) < idWidth {
		s = "0" + s
	}
	return s
}

// Add appends rec to dest and persists.
func (r *Registry) Add(ctx context.Context, dest string, rec task.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.idsLocked()[rec.ID] {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	next := r.snap.Clone()
	placed := false
	for i := range next.Buckets {
		if next.Buckets[i].Destination == dest {
			next.Buckets[i].Records = append(next.Buckets[i].Records, rec)
			placed = true
			break
		}
	}
	if !placed {
		next.Buckets = append(next.Buckets, task.Bucket{Destination: dest, Records: []task.Record{rec}})
	}
	return r.commitLocked(ctx, next)
}

// Remove deletes one task by id and persists.
func (r *Registry) Remove(ctx context.Context, id string) (Entry, error) {
	removed, notFound, err := r.RemoveBatch(ctx, []string{id})
	if err != nil {
		return Entry{}, err
	}
	if len(notFound) > 0 {
		return Entry{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return removed[0], nil
}

// RemoveBatch deletes every known id and persists once. Unknown ids are
// returned separately. Nothing is written when no id matched.
func (r *Registry) RemoveBatch(ctx context.Context, ids []string) (removed []Entry, notFound []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.snap.Clone()
	for _, id := range ids {
		e, ok := removeFrom(&next, id)
		if !ok {
			notFound = append(notFound, id)
			continue
		}
		removed = append(removed, e)
	}
	if len(removed) == 0 {
		return nil, notFound, nil
	}
	if err := r.commitLocked(ctx, next); err != nil {
		return nil, nil, err
	}
	return removed, notFound, nil
}

func removeFrom(s *task.Snapshot, id string) (Entry, bool) {
	for bi := range s.Buckets {
		b := &s.Buckets[bi]
		for ri, rec := range b.Records {
			if rec.ID != id {
				continue
			}
			b.Records = append(b.Records[:ri:ri], b.Records[ri+1:]...)
			dest := b.Destination
			if len(b.Records) == 0 {
				s.Buckets = append(s.Buckets[:bi:bi], s.Buckets[bi+1:]...)
			}
			return Entry{Destination: dest, Record: rec}, true
		}
	}
	return Entry{}, false
}

// Find looks a task up by id across all destinations.
func (r *Registry) Find(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.snap.Buckets {
		for _, rec := range b.Records {
			if rec.ID == id {
				return Entry{Destination: b.Destination, Record: rec}, true
			}
		}
	}
	return Entry{}, false
}

// List returns all tasks in destination then insertion order.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return flatten(r.snap)
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Len()
}

// commitLocked persists next and only then makes it current, so a failed
// write leaves memory and storage in agreement.
func (r *Registry) commitLocked(ctx context.Context, next task.Snapshot) error {
	if err := r.store.Save(ctx, next); err != nil {
		r.log.Error("snapshot save failed", logx.Err(err))
		return fmt.Errorf("%w: %v", task.ErrPersistence, err)
	}
	r.snap = next
	return nil
}

func (r *Registry) idsLocked() map[string]bool {
	ids := make(map[string]bool, r.snap.Len())
	for _, b := range r.snap.Buckets {
		for _, rec := range b.Records {
			ids[rec.ID] = true
		}
	}
	return ids
}

func flatten(s task.Snapshot) []Entry {
	out := make([]Entry, 0, s.Len())
	for _, b := range s.Buckets {
		for _, rec := range b.Records {
			out = append(out, Entry{Destination: b.Destination, Record: rec})
		}
	}
	return out
}
