package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"timetask/internal/transport"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "registry"))
	log.Debug("hidden")
	log.Info("task saved", String("id", "0001"), Int("n", 2), Err(nil), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q, want 1 (debug filtered)", lines)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k, want := range map[string]any{"comp": "registry", "id": "0001", "n": float64(2), "message": "task saved", "level": "info"} {
		if got[k] != want {
			t.Fatalf("%s = %v, want %v", k, got[k], want)
		}
	}
	if _, ok := got["caller"].(string); !ok {
		t.Fatalf("caller missing in %v", got)
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()

	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero Logger IsZero() = false")
	}
	zero.Info("dropped")
	if Nop().IsZero() {
		t.Fatalf("Nop().IsZero() = true")
	}
	if Nop().With(String("k", "v")).IsZero() {
		t.Fatalf("derived Nop logger IsZero() = true")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()

	got := formatChatLine([]byte(`{"level":"warn","time":"x","message":"delivery failed","id":"0001","attempt":3}`))
	want := "[WARN] delivery failed\n- attempt=3\n- id=0001"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("formatChatLine mismatch (-want +got):\n%s", diff)
	}
	if got := formatChatLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatChatLine(non-json) = %q", got)
	}
	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("truncate() = %q", got)
	}
}

type chatSender struct {
	mu   sync.Mutex
	sent []string
	to   []transport.Destination
	ch   chan struct{}
}

func (s *chatSender) Send(_ context.Context, to transport.Destination, text string) error {
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.to = append(s.to, to)
	s.mu.Unlock()
	s.ch <- struct{}{}
	return nil
}

func TestChatSinkForwardsWarnings(t *testing.T) {
	t.Parallel()

	svc, log := New(Config{
		Level: "debug",
		Chat:  ChatConfig{Enabled: true, Destination: "-1001", MinLevel: "warn", RatePerSec: 10},
	})
	defer svc.Close()
	sender := &chatSender{ch: make(chan struct{}, 4)}
	svc.SetSender(sender)

	log.Info("routine")
	log.Warn("disk low", String("path", "/data"))

	select {
	case <-sender.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("warning not forwarded")
	}
	select {
	case <-sender.ch:
		t.Fatalf("unexpected second chat message")
	case <-time.After(50 * time.Millisecond):
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.to[0] != "-1001" || !strings.HasPrefix(sender.sent[0], "[WARN] disk low") || !strings.Contains(sender.sent[0], "- path=/data") {
		t.Fatalf("sent %q to %q", sender.sent, sender.to)
	}
}
