package eventbus

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	info := TaskInfo{ID: "0001", Destination: "dest", Kind: "cron"}
	PublishTask(b, TaskCreated, info)

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TaskCreated || e.Time.IsZero() {
			t.Fatalf("event = %+v", e)
		}
		if diff := cmp.Diff(info, e.Data); diff != "" {
			t.Fatalf("data mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			b.Publish(Event{Type: JobStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full subscriber")
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
	if e := <-ch; e.Type != JobStarted {
		t.Fatalf("event = %+v", e)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(0)
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", b.Subscribers())
	}
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("Subscribers() = %d, want 0", b.Subscribers())
	}
	b.Publish(Event{Type: TaskRemoved})
	PublishTask(nil, TaskRemoved, TaskInfo{})
}
