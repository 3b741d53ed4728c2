package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"timetask/internal/transport"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 15 * time.Second
	chatMaxLen      = 3500
	chatMaxField    = 600
)

// chatSink is a zerolog.LevelWriter that forwards formatted lines to a chat
// destination from one background worker. Writes never block logging: lines
// over the rate limit or beyond a full queue are dropped.
type chatSink struct {
	mu       sync.Mutex
	dest     transport.Destination
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}

	sender  atomic.Pointer[transport.Sender]
	queue   chan string
	dropped atomic.Uint64
}

func newChatSink() *chatSink {
	return &chatSink{queue: make(chan string, chatQueueSize), minLevel: zerolog.WarnLevel}
}

func (c *chatSink) setSender(s transport.Sender) { c.sender.Store(&s) }

func (c *chatSink) configure(cfg ChatConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dest = transport.Destination(strings.TrimSpace(cfg.Destination))
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if !cfg.Enabled || c.cancel != nil {
		return
	}
	if c.dest == "" {
		fmt.Fprintln(os.Stderr, "logx: chat logging enabled but logging.chat.destination is empty")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel, c.done = cancel, make(chan struct{})
	go c.run(ctx, c.done)
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.queue:
			c.deliver(ctx, msg)
		}
	}
}

func (c *chatSink) deliver(ctx context.Context, msg string) {
	sp := c.sender.Load()
	c.mu.Lock()
	to := c.dest
	c.mu.Unlock()
	if sp == nil || *sp == nil || to == "" {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
	defer cancel()
	if err := (*sp).Send(sctx, to, msg); err != nil {
		// Logging here would feed back into the sink.
		c.dropped.Add(1)
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	lim, minLevel := c.limiter, c.minLevel
	c.mu.Unlock()
	if level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	if msg := formatChatLine(p); msg != "" {
		select {
		case c.queue <- msg:
		default:
			c.dropped.Add(1)
		}
	}
	return len(p), nil
}

// formatChatLine renders a JSON log line as "[LEVEL] message" followed by
// one "- key=value" line per field, keys sorted.
func formatChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), chatMaxLen)
	}
	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	delete(m, "time")
	delete(m, "level")
	delete(m, "message")
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), chatMaxField))
	}
	return truncate(b.String(), chatMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
