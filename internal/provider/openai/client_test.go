package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"timetask/internal/provider"
	"timetask/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := Config{BaseURL: srv.URL + "/", APIKey: "sk-test", Model: "test-model"}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCompleteSendsPromptAndReturnsFirstChoice(t *testing.T) {
	t.Parallel()

	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "  早上好！ "}, "finish_reason": "stop"}},
		})
	}, func(c *Config) {
		c.SystemPrompt = "be brief"
		c.MaxTokens = 64
	})

	text, err := c.Complete(context.Background(), "写一句早安问候")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if text != "早上好！" {
		t.Fatalf("Complete() = %q", text)
	}
	want := chatRequest{
		Model:     "test-model",
		MaxTokens: 64,
		Messages:  []chatMessage{{Role: "system", Content: "be brief"}, {Role: "user", Content: "写一句早安问候"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestCompleteErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    any
		wantErr error
	}{
		{"rate limited", http.StatusTooManyRequests, map[string]any{"error": map[string]string{"message": "slow down"}}, provider.ErrRateLimit},
		{"unauthorized", http.StatusUnauthorized, map[string]any{"error": map[string]string{"message": "bad key"}}, provider.ErrAuthentication},
		{"server error", http.StatusBadGateway, "upstream", provider.ErrUnavailable},
		{"no choices", http.StatusOK, map[string]any{"choices": []any{}}, provider.ErrEmptyResponse},
		{"blank content", http.StatusOK, map[string]any{"choices": []map[string]any{{"message": map[string]string{"content": " "}}}}, provider.ErrEmptyResponse},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}, nil)
			_, err := c.Complete(context.Background(), "hi")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Complete() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAPIMessageIsKept(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]string{"message": "model not found"}})
	}, nil)
	_, err := c.Complete(context.Background(), "hi")
	if err == nil || err.Error() != "unexpected status 400: model not found" {
		t.Fatalf("Complete() error = %v", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("New() without api key succeeded")
	}
	c, err := New(Config{APIKey: "k"}, logx.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.cfg.BaseURL != DefaultBaseURL || c.cfg.Model != DefaultModel {
		t.Fatalf("defaults not applied: %+v", c.cfg)
	}
	if c.Name() != "openai:"+DefaultModel {
		t.Fatalf("Name() = %q", c.Name())
	}
}
