package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Destination is an opaque delivery address of the form
// "<platform>:<MessageType>:<id>", e.g. "telegram:GroupMessage:-1001234".
type Destination string

const (
	KindGroup  = "GroupMessage"
	KindFriend = "FriendMessage"
)

var (
	ErrBadDestination = errors.New("malformed destination key")
	// ErrRejected marks a send the platform refused for good (unknown chat,
	// bot blocked, message rejected). Retrying it cannot succeed.
	ErrRejected = errors.New("message rejected by platform")
)

// NewDestination builds a destination key from its parts.
func NewDestination(platform, kind, id string) Destination {
	return Destination(platform + ":" + kind + ":" + id)
}

// Split returns the platform, message type and conversation id of d.
func (d Destination) Split() (platform, kind, id string, err error) {
	parts := strings.SplitN(string(d), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrBadDestination, string(d))
	}
	return parts[0], parts[1], parts[2], nil
}

// Platform returns the platform prefix, or "" when d is malformed.
func (d Destination) Platform() string {
	p, _, _, err := d.Split()
	if err != nil {
		return ""
	}
	return p
}

func (d Destination) String() string { return string(d) }

type Message struct {
	ID           int
	Origin       Destination
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Update struct {
	Message *Message
}

// Sender delivers plain text to a destination.
type Sender interface {
	Send(ctx context.Context, to Destination, text string) error
}

// Adapter is a chat platform connection: inbound updates plus outbound sends.
type Adapter interface {
	Sender
	Platform() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// Command is one entry of a platform's bot command menu.
type Command struct {
	Name        string
	Description string
}

// RetryAfter wraps err with the delay the platform asked for before the next
// send. The executor honours any error exposing RetryAfter().
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: after}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("%v (retry after %s)", e.err, e.after) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
