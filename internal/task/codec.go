package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// wireRecord is the persisted shape of a Record. Exactly one of the
// cron/datetime pairs is present.
type wireRecord struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	UseGPT    bool    `json:"use_gpt"`
	GroupName *string `json:"group_name"`
	CreatedAt string  `json:"created_at"`
	Cron      *string `json:"cron,omitempty"`
	CronH     *string `json:"cron_h,omitempty"`
	DateTime  *string `json:"datetime,omitempty"`
	DateTimeH *string `json:"datetime_h,omitempty"`
}

var errBadRecord = errors.New("invalid task record")

func toWire(r Record) wireRecord {
	w := wireRecord{
		ID:      r.ID,
		Content: r.Content,
		UseGPT:  r.UseAugmentation,
	}
	if r.DestinationLabel != "" {
		label := r.DestinationLabel
		w.GroupName = &label
	}
	if !r.CreatedAt.IsZero() {
		w.CreatedAt = r.CreatedAt.Format(CreatedAtLayout)
	}
	switch t := r.Trigger.(type) {
	case Recurring:
		expr, desc := t.Expr, t.Desc
		w.Cron, w.CronH = &expr, &desc
	case OneShot:
		at, desc := t.Value(), t.Desc
		w.DateTime, w.DateTimeH = &at, &desc
	default:
		panic(fmt.Sprintf("task: unknown trigger %T", r.Trigger))
	}
	return w
}

func fromWire(w wireRecord, loc *time.Location) (Record, error) {
	if strings.TrimSpace(w.ID) == "" {
		return Record{}, fmt.Errorf("%w: missing id", errBadRecord)
	}
	r := Record{
		ID:              w.ID,
		Content:         w.Content,
		UseAugmentation: w.UseGPT,
	}
	if w.GroupName != nil {
		r.DestinationLabel = *w.GroupName
	}
	if w.CreatedAt != "" {
		// Informational only; an unreadable value is kept as zero.
		if ts, err := time.ParseInLocation(CreatedAtLayout, w.CreatedAt, loc); err == nil {
			r.CreatedAt = ts
		}
	}

	switch {
	case w.Cron != nil && w.DateTime != nil:
		return Record{}, fmt.Errorf("%w: task %s has both cron and datetime", errBadRecord, w.ID)
	case w.Cron != nil:
		r.Trigger = Recurring{Expr: *w.Cron, Desc: deref(w.CronH)}
	case w.DateTime != nil:
		at, err := time.ParseInLocation(DateTimeLayout, *w.DateTime, loc)
		if err != nil {
			return Record{}, fmt.Errorf("%w: task %s datetime: %v", errBadRecord, w.ID, err)
		}
		r.Trigger = OneShot{At: at, Desc: deref(w.DateTimeH)}
	default:
		return Record{}, fmt.Errorf("%w: task %s has no trigger", errBadRecord, w.ID)
	}
	return r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// EncodeSnapshot renders s as an indented JSON object keyed by destination,
// preserving bucket order. Non-ASCII text is written as-is.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	var compact bytes.Buffer
	compact.WriteByte('{')
	for i, b := range s.Buckets {
		if i > 0 {
			compact.WriteByte(',')
		}
		if err := writeJSON(&compact, b.Destination); err != nil {
			return nil, err
		}
		compact.WriteByte(':')
		recs := make([]wireRecord, 0, len(b.Records))
		for _, r := range b.Records {
			recs = append(recs, toWire(r))
		}
		if err := writeJSON(&compact, recs); err != nil {
			return nil, err
		}
	}
	compact.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// DecodeSnapshot parses data produced by EncodeSnapshot (or an equivalent
// hand-edited file). Deadlines are interpreted in loc. Empty input yields an
// empty snapshot. Repeated destination keys are merged in order.
func DecodeSnapshot(data []byte, loc *time.Location) (Snapshot, error) {
	if loc == nil {
		loc = time.Local
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Snapshot{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return Snapshot{}, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return Snapshot{}, fmt.Errorf("snapshot: expected object, got %v", tok)
	}

	var snap Snapshot
	index := map[string]int{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Snapshot{}, err
		}
		dest, _ := keyTok.(string)

		var raws []wireRecord
		if err := dec.Decode(&raws); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: destination %q: %w", dest, err)
		}
		recs := make([]Record, 0, len(raws))
		for _, w := range raws {
			r, err := fromWire(w, loc)
			if err != nil {
				return Snapshot{}, fmt.Errorf("snapshot: destination %q: %w", dest, err)
			}
			recs = append(recs, r)
		}

		if i, ok := index[dest]; ok {
			snap.Buckets[i].Records = append(snap.Buckets[i].Records, recs...)
			continue
		}
		index[dest] = len(snap.Buckets)
		snap.Buckets = append(snap.Buckets, Bucket{Destination: dest, Records: recs})
	}
	if _, err := dec.Token(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// EncodeRecord and DecodeRecord expose the per-record wire form for stores
// that persist records individually.
func EncodeRecord(r Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, toWire(r)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeRecord(data []byte, loc *time.Location) (Record, error) {
	if loc == nil {
		loc = time.Local
	}
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, err
	}
	return fromWire(w, loc)
}
