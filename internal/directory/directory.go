// Package directory resolves human group names to destination keys.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"timetask/internal/task"
	"timetask/internal/transport"
	"timetask/pkg/logx"
)

// Resolver maps a group name, as typed in a command, to a destination on
// the platform the command arrived from.
type Resolver interface {
	Resolve(ctx context.Context, platform, name string) (transport.Destination, error)
}

// Static is a Resolver backed by a name to key table. It is safe for
// concurrent use and can be swapped at runtime with Apply.
type Static struct {
	log logx.Logger

	mu      sync.RWMutex
	entries map[string]transport.Destination
}

var _ Resolver = (*Static)(nil)

func NewStatic(entries map[string]string, log logx.Logger) *Static {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Static{log: log.With(logx.String("comp", "directory"))}
	s.Apply(entries)
	return s
}

// Apply replaces the table. Malformed keys are logged and skipped.
func (s *Static) Apply(entries map[string]string) {
	next := make(map[string]transport.Destination, len(entries))
	for name, key := range entries {
		name = strings.TrimSpace(name)
		dest := transport.Destination(strings.TrimSpace(key))
		if name == "" {
			continue
		}
		if _, _, _, err := dest.Split(); err != nil {
			s.log.Warn("destination skipped", logx.String("name", name), logx.Err(err))
			continue
		}
		next[name] = dest
	}
	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
	s.log.Debug("destinations applied", logx.Int("count", len(next)))
}

func (s *Static) Resolve(_ context.Context, platform, name string) (transport.Destination, error) {
	s.mu.RLock()
	dest, ok := s.entries[strings.TrimSpace(name)]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: no group named %q", task.ErrDestination, name)
	}
	if p := dest.Platform(); p != platform {
		return "", fmt.Errorf("%w: group %q is on %s, not %s", task.ErrDestination, name, p, platform)
	}
	return dest, nil
}

// Names lists the known group names in sorted order.
func (s *Static) Names() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
