package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"timetask/internal/task"
	"timetask/internal/transport"
	"timetask/pkg/logx"
)

func TestStaticResolve(t *testing.T) {
	t.Parallel()

	d := NewStatic(map[string]string{
		"工作群":  "telegram:GroupMessage:-100123",
		"家庭群":  "wechat:GroupMessage:42@chatroom",
		"broken": "no-colons",
	}, logx.Nop())

	tests := []struct {
		name     string
		platform string
		group    string
		want     transport.Destination
		wantErr  error
	}{
		{"known", "telegram", "工作群", "telegram:GroupMessage:-100123", nil},
		{"trimmed", "telegram", " 工作群 ", "telegram:GroupMessage:-100123", nil},
		{"unknown", "telegram", "健身", "", task.ErrDestination},
		{"other platform", "telegram", "家庭群", "", task.ErrDestination},
		{"malformed key skipped", "telegram", "broken", "", task.ErrDestination},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := d.Resolve(context.Background(), tt.platform, tt.group)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStaticApplyReplacesTable(t *testing.T) {
	t.Parallel()

	d := NewStatic(map[string]string{"a": "telegram:GroupMessage:1"}, logx.Nop())
	d.Apply(map[string]string{"b": "telegram:GroupMessage:2"})

	if diff := cmp.Diff([]string{"b"}, d.Names()); diff != "" {
		t.Fatalf("Names() mismatch (-want +got):\n%s", diff)
	}
	if _, err := d.Resolve(context.Background(), "telegram", "a"); !errors.Is(err, task.ErrDestination) {
		t.Fatalf("Resolve(a) error = %v, want ErrDestination", err)
	}
}
