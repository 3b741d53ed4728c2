// Package provider defines the completion port used to augment task content
// before delivery.
package provider

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable covers transport failures and 5xx responses.
	ErrUnavailable    = errors.New("provider unavailable")
	ErrRateLimit      = errors.New("provider rate limited")
	ErrAuthentication = errors.New("provider authentication failed")
	// ErrEmptyResponse is returned when the provider answered without text.
	ErrEmptyResponse = errors.New("provider returned no content")
)

// Provider turns a prompt into a single completion.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Name() string
}
