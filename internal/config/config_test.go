package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [1, 2]
  poll_timeout: 10s
logging:
  level: debug
  console: true
scheduler:
  timezone: Asia/Shanghai
  misfire_grace: 60s
executor:
  workers: 3
storage:
  driver: file
  path: data/tasks.json
destinations:
  工作群: "telegram:GroupMessage:-100123"
  7: "telegram:FriendMessage:7"
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2}, cfg.Telegram.OwnerUserIDs); diff != "" {
		t.Fatalf("owners mismatch (-want +got):\n%s", diff)
	}
	want := map[string]string{"工作群": "telegram:GroupMessage:-100123", "7": "telegram:FriendMessage:7"}
	if diff := cmp.Diff(want, cfg.Destinations); diff != "" {
		t.Fatalf("destinations mismatch (-want +got):\n%s", diff)
	}
	if cfg.Executor.Workers != 3 || cfg.Scheduler.Timezone != "Asia/Shanghai" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	if _, err := Decode("c.json", []byte(`{"telegram":{"token":"x"},"plugins":{}}`)); err == nil {
		t.Fatalf("Decode(unknown key) error = nil")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("Decode(trailing) error = nil")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Scheduler:    SchedulerConfig{Timezone: "Mars/Base", MisfireGrace: "soon"},
		Storage:      StorageConfig{Driver: "redis"},
		Provider:     ProviderConfig{Enabled: true},
		Destinations: map[string]string{"bad": "nocolons"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("Validate() error = nil")
	}
	for _, want := range []string{
		"telegram.token", "scheduler.misfire_grace", "scheduler.timezone",
		"storage.driver", "provider.api_key", "destinations[bad]",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Validate() error %q missing %q", err, want)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	a, _ := Decode("c.yaml", []byte(sampleYAML))
	b, _ := Decode("c.yaml", []byte(sampleYAML))
	b.Telegram.OwnerUserIDs = []int64{1}
	b.Destinations["新群"] = "telegram:GroupMessage:-1"
	b.Logging.Level = "info"

	changed, _ := SummarizeChange(a, b)
	if diff := cmp.Diff([]string{"destinations", "logging", "telegram"}, changed); diff != "" {
		t.Fatalf("changed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"telegram"}, RestartRequired(changed)); diff != "" {
		t.Fatalf("RestartRequired mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeYAMLDocuments(t *testing.T) {
	t.Parallel()

	if _, err := Decode("c.yml", []byte("telegram:\n  token: a\n---\ntelegram:\n  token: b\n")); err == nil {
		t.Fatalf("Decode(multi-document) error = nil")
	}
	cfg, err := Decode("c.yaml", nil)
	if err != nil {
		t.Fatalf("Decode(empty) error = %v", err)
	}
	if cfg.Telegram.Token != "" {
		t.Fatalf("Decode(empty) = %+v", cfg)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 90s ", 90 * time.Second, false},
		{"-1s", 0, true},
		{"abc", 0, true},
		{"2d", 48 * time.Hour, false},
		{"-1d", 0, true},
		{"xd", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v", tt.raw, got, err)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("ParseDurationOrDefault default = %v", d)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"telegram":{"token":"a"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register, then keep rewriting until seen.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Telegram.Token != "b" {
				t.Fatalf("published token = %q, want b", cfg.Telegram.Token)
			}
			if m.Get().Telegram.Token != "b" {
				t.Fatalf("Get() not committed")
			}
			return
		case <-tick.C:
			_ = os.WriteFile(path, []byte(`{"telegram":{"token":"b"}}`), 0o600)
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()

	path := filepath.Join("..", "..", "config.example.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	cfg, err := Decode(path, data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Destinations["工作群"] == "" {
		t.Fatalf("destinations = %v", cfg.Destinations)
	}
}
