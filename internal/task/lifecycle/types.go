package lifecycle

import (
	"errors"
	"time"

	"timetask/internal/command"
	"timetask/internal/task/engine"
	"timetask/internal/task/registry"
	"timetask/internal/task/scheduler"
	"timetask/internal/transport"
)

// ErrStopped is returned by requests made after Run has returned.
var ErrStopped = errors.New("lifecycle controller stopped")

const (
	defaultInboxSize       = 64
	defaultDeliveryTimeout = 90 * time.Second
	defaultRetireBackoff   = 2 * time.Second
	maxRetireAttempts      = 6
)

// Executor runs delivery jobs; *engine.Service implements it.
type Executor interface {
	Enqueue(t engine.Task) error
}

// CreateRequest is a parsed create command with the conversation it came
// from. Origin is the default destination and fixes the platform used for
// group name resolution.
type CreateRequest struct {
	Intent command.Intent
	Origin transport.Destination
}

// View is one live task as shown to users.
type View struct {
	registry.Entry
	// Next is the next fire time, zero when the task is not armed.
	Next time.Time
}

// RemoveResult reports a batch removal. Ids are in request order.
type RemoveResult struct {
	Removed  []registry.Entry
	NotFound []string
}

// RemovedIDs returns the ids of Removed.
func (r RemoveResult) RemovedIDs() []string {
	out := make([]string, 0, len(r.Removed))
	for _, e := range r.Removed {
		out = append(out, e.Record.ID)
	}
	return out
}

// Inbox messages. Exactly one goroutine (Run) consumes them.
type (
	createMsg struct {
		dest  transport.Destination
		req   CreateRequest
		reply chan createReply
	}
	createReply struct {
		view View
		err  error
	}
	removeMsg struct {
		ids   []string
		reply chan removeReply
	}
	removeReply struct {
		res RemoveResult
		err error
	}
	listMsg struct {
		reply chan []View
	}
	fireMsg struct {
		fire scheduler.Fire
	}
	retireMsg struct {
		id      string
		reason  string
		attempt int
	}
)
