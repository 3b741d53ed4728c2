package engine

import (
	"errors"
	"time"
)

var (
	ErrStopped   = errors.New("task engine stopped")
	ErrQueueFull = errors.New("task engine queue full")
)

// Permanent marks err as not worth retrying, e.g. a destination the platform
// rejects. The engine stops after the attempt and reports the unwrapped err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// stripPermanent returns the error inside a Permanent wrapper, if any.
func stripPermanent(err error) (error, bool) {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err, true
	}
	return err, false
}

// retryHint reports a platform-requested delay carried by err through a
// RetryAfter() method, as transport.RetryAfter errors do.
func retryHint(err error) (time.Duration, bool) {
	var h interface{ RetryAfter() time.Duration }
	if err == nil || !errors.As(err, &h) {
		return 0, false
	}
	return max(h.RetryAfter(), 0), true
}
