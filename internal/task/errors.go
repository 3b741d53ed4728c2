package task

import "errors"

// Error kinds shared by the parser, registry and lifecycle controller.
// Callers classify with errors.Is; concrete errors wrap one of these with
// a human-readable reason.
var (
	ErrParse        = errors.New("parse error")
	ErrEmptyContent = errors.New("empty message content")
	ErrPastDeadline = errors.New("deadline is not in the future")
	ErrNotFound     = errors.New("task not found")
	ErrDestination  = errors.New("destination not resolvable")
	ErrDelivery     = errors.New("delivery failed")
	ErrPersistence  = errors.New("persistence failed")
)
