package task

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const legacySnapshot = `{
  "telegram:GroupMessage:-100200": [
    {
      "id": "4821",
      "content": "早上好",
      "use_gpt": false,
      "group_name": null,
      "created_at": "2025-03-29 10:00:00",
      "cron": "00 08 * * *",
      "cron_h": "每天08:00"
    },
    {
      "id": "0093",
      "content": "周末总结 <b>&</b>",
      "use_gpt": true,
      "group_name": "工作群",
      "created_at": "2025-03-29 10:01:00",
      "datetime": "2025-03-30 16:30",
      "datetime_h": "2025年03月30日 16:30"
    }
  ],
  "telegram:FriendMessage:42": []
}`

func TestDecodeSnapshotLegacyFile(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("CST", 8*3600)
	snap, err := DecodeSnapshot([]byte(legacySnapshot), loc)
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}

	want := Snapshot{Buckets: []Bucket{
		{
			Destination: "telegram:GroupMessage:-100200",
			Records: []Record{
				{
					ID:        "4821",
					Content:   "早上好",
					Trigger:   Recurring{Expr: "00 08 * * *", Desc: "每天08:00"},
					CreatedAt: time.Date(2025, 3, 29, 10, 0, 0, 0, loc),
				},
				{
					ID:               "0093",
					Content:          "周末总结 <b>&</b>",
					UseAugmentation:  true,
					DestinationLabel: "工作群",
					Trigger:          OneShot{At: time.Date(2025, 3, 30, 16, 30, 0, 0, loc), Desc: "2025年03月30日 16:30"},
					CreatedAt:        time.Date(2025, 3, 29, 10, 1, 0, 0, loc),
				},
			},
		},
		{Destination: "telegram:FriendMessage:42", Records: []Record{}},
	}}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Fatalf("DecodeSnapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("CST", 8*3600)
	snap, err := DecodeSnapshot([]byte(legacySnapshot), loc)
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}
	out, err := EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("EncodeSnapshot() error = %v", err)
	}

	text := string(out)
	if !strings.Contains(text, "周末总结 <b>&</b>") {
		t.Fatalf("encoded snapshot escaped text:\n%s", text)
	}
	if i, j := strings.Index(text, "-100200"), strings.Index(text, "FriendMessage:42"); i < 0 || j < 0 || i > j {
		t.Fatalf("destination order not preserved:\n%s", text)
	}
	if !strings.Contains(text, `"group_name": null`) {
		t.Fatalf("missing null group_name:\n%s", text)
	}

	again, err := DecodeSnapshot(out, loc)
	if err != nil {
		t.Fatalf("DecodeSnapshot(encoded) error = %v", err)
	}
	if diff := cmp.Diff(snap, again); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSnapshotRejectsAmbiguousTrigger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"both", `{"d":[{"id":"1","content":"x","use_gpt":false,"group_name":null,"created_at":"","cron":"* * * * *","datetime":"2025-01-01 00:00"}]}`},
		{"neither", `{"d":[{"id":"1","content":"x","use_gpt":false,"group_name":null,"created_at":""}]}`},
		{"bad datetime", `{"d":[{"id":"1","content":"x","use_gpt":false,"group_name":null,"created_at":"","datetime":"tomorrow"}]}`},
		{"missing id", `{"d":[{"content":"x","use_gpt":false,"group_name":null,"created_at":"","cron":"* * * * *"}]}`},
		{"not an object", `[]`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeSnapshot([]byte(tt.in), time.UTC); err == nil {
				t.Fatalf("DecodeSnapshot(%s) error = nil, want error", tt.in)
			}
		})
	}
}

func TestDecodeSnapshotEmpty(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "  \n", "{}"} {
		snap, err := DecodeSnapshot([]byte(in), time.UTC)
		if err != nil {
			t.Fatalf("DecodeSnapshot(%q) error = %v", in, err)
		}
		if snap.Len() != 0 {
			t.Fatalf("DecodeSnapshot(%q).Len() = %d, want 0", in, snap.Len())
		}
	}
}

func TestRecordExpiredAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		trig Trigger
		want bool
	}{
		{"recurring", Recurring{Expr: "0 8 * * *"}, false},
		{"future", OneShot{At: now.Add(time.Minute)}, false},
		{"exactly now", OneShot{At: now}, true},
		{"past", OneShot{At: now.Add(-time.Minute)}, true},
	}
	for _, tt := range tests {
		if got := (Record{ID: "1", Trigger: tt.trig}).ExpiredAt(now); got != tt.want {
			t.Fatalf("%s: ExpiredAt() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDecodeRecordWrapsBadRecord(t *testing.T) {
	t.Parallel()

	_, err := DecodeRecord([]byte(`{"id":"1","content":"x"}`), nil)
	if !errors.Is(err, errBadRecord) {
		t.Fatalf("DecodeRecord() error = %v, want errBadRecord", err)
	}
}
