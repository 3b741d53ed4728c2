package task

import (
	"fmt"
	"time"
)

const (
	// DateTimeLayout is the persisted form of a one-shot deadline.
	DateTimeLayout = "2006-01-02 15:04"
	// CreatedAtLayout is the persisted form of Record.CreatedAt.
	CreatedAtLayout = "2006-01-02 15:04:05"
)

type Kind string

const (
	KindRecurring Kind = "cron"
	KindOneShot   Kind = "datetime"
)

// Trigger is either Recurring or OneShot. Consumers switch on the concrete
// type; there is no third implementation.
type Trigger interface {
	Kind() Kind
	// Value is the canonical literal: the cron expression or the deadline
	// rendered with DateTimeLayout.
	Value() string
	Description() string
	isTrigger()
}

// Recurring fires on every match of a 5-field cron expression whose
// day-of-week field counts 0=Monday .. 6=Sunday.
type Recurring struct {
	Expr string
	Desc string
}

func (Recurring) Kind() Kind            { return KindRecurring }
func (r Recurring) Value() string       { return r.Expr }
func (r Recurring) Description() string { return r.Desc }
func (Recurring) isTrigger()            {}
func (r Recurring) String() string      { return "cron[" + r.Expr + "]" }

// OneShot fires once at At (minute precision, scheduler location).
type OneShot struct {
	At   time.Time
	Desc string
}

func (OneShot) Kind() Kind            { return KindOneShot }
func (o OneShot) Value() string       { return o.At.Format(DateTimeLayout) }
func (o OneShot) Description() string { return o.Desc }
func (OneShot) isTrigger()            {}
func (o OneShot) String() string      { return o.Value() }

// Record is one scheduled send. Records are immutable after creation.
type Record struct {
	ID               string
	Content          string
	UseAugmentation  bool
	DestinationLabel string
	Trigger          Trigger
	CreatedAt        time.Time
}

// IsOneShot reports whether r retires after its first fire.
func (r Record) IsOneShot() bool {
	_, ok := r.Trigger.(OneShot)
	return ok
}

// ExpiredAt reports whether r is a one-shot whose deadline is not strictly
// after now.
func (r Record) ExpiredAt(now time.Time) bool {
	switch t := r.Trigger.(type) {
	case OneShot:
		return !t.At.After(now)
	case Recurring:
		return false
	default:
		panic(fmt.Sprintf("task: unknown trigger %T", r.Trigger))
	}
}

// Bucket holds the ordered records of one destination.
type Bucket struct {
	Destination string
	Records     []Record
}

// Snapshot is the full durable state: destinations in insertion order.
type Snapshot struct {
	Buckets []Bucket
}

// Len returns the number of records across all buckets.
func (s Snapshot) Len() int {
	n := 0
	for _, b := range s.Buckets {
		n += len(b.Records)
	}
	return n
}

// Clone returns a deep copy whose slices can be mutated independently.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Buckets: make([]Bucket, 0, len(s.Buckets))}
	for _, b := range s.Buckets {
		out.Buckets = append(out.Buckets, Bucket{
			Destination: b.Destination,
			Records:     append([]Record(nil), b.Records...),
		})
	}
	return out
}
