// Package eventbus fans task and job events out to in-process observers
// such as metrics and the event log.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one signal on the bus. Data is a small value such as TaskInfo.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus never blocks publishers. A subscriber whose buffer is full misses the
// event and the drop is counted.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     uint64
	dropped atomic.Uint64
	now     func() time.Time
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}, now: time.Now}
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	// Sends are non-blocking so the read lock is never held for long, and
	// unsubscribe closes channels under the write lock.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered channel. unsubscribe closes it and may be
// called more than once.
func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *MemBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// PublishTask publishes a task.* event. A nil bus is a no-op.
func PublishTask(b Bus, typ string, info TaskInfo) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: info})
}
