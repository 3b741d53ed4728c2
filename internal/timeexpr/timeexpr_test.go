package timeexpr

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"timetask/internal/task"
)

var shanghai = time.FixedZone("CST", 8*3600)

func TestParseRecurring(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 29, 10, 0, 0, 0, shanghai)
	tests := []struct {
		date, clock string
		want        task.Trigger
	}{
		{"每天", "08:00", task.Recurring{Expr: "0 8 * * *", Desc: "每天08:00"}},
		{"每天", "8:05", task.Recurring{Expr: "5 8 * * *", Desc: "每天08:05"}},
		{"每天", "00:00", task.Recurring{Expr: "0 0 * * *", Desc: "每天00:00"}},
		{"每天", "23:59", task.Recurring{Expr: "59 23 * * *", Desc: "每天23:59"}},
		{"工作日", "09:00", task.Recurring{Expr: "0 9 * * 0-4", Desc: "每个工作日09:00"}},
		{"每周一", "07:30", task.Recurring{Expr: "30 7 * * 0", Desc: "每周一07:30"}},
		{"每周三", "12:00", task.Recurring{Expr: "0 12 * * 2", Desc: "每周三12:00"}},
		{"每周日", "20:00", task.Recurring{Expr: "0 20 * * 6", Desc: "每周日20:00"}},
		{"每周天", "20:00", task.Recurring{Expr: "0 20 * * 6", Desc: "每周日20:00"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.date+" "+tt.clock, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.date, tt.clock, now)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseOneShot(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 31, 23, 10, 42, 0, shanghai)
	tests := []struct {
		date, clock string
		want        time.Time
		desc        string
	}{
		{"今天", "23:30", time.Date(2025, 3, 31, 23, 30, 0, 0, shanghai), "2025年03月31日 23:30"},
		{"明天", "10:00", time.Date(2025, 4, 1, 10, 0, 0, 0, shanghai), "2025年04月01日 10:00"},
		{"后天", "20:00", time.Date(2025, 4, 2, 20, 0, 0, 0, shanghai), "2025年04月02日 20:00"},
		{"2025-12-31", "16:30", time.Date(2025, 12, 31, 16, 30, 0, 0, shanghai), "2025年12月31日 16:30"},
	}
	for _, tt := range tests {
		got, err := Parse(tt.date, tt.clock, now)
		if err != nil {
			t.Fatalf("Parse(%q, %q) error = %v", tt.date, tt.clock, err)
		}
		o, ok := got.(task.OneShot)
		if !ok {
			t.Fatalf("Parse(%q, %q) = %T, want OneShot", tt.date, tt.clock, got)
		}
		if !o.At.Equal(tt.want) || o.Desc != tt.desc {
			t.Fatalf("Parse(%q, %q) = %v %q, want %v %q", tt.date, tt.clock, o.At, o.Desc, tt.want, tt.desc)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 29, 10, 0, 0, 0, shanghai)
	tests := []struct{ date, clock string }{
		{"每天", "24:00"},
		{"每天", "12:60"},
		{"每天", "1200"},
		{"每天", "12:00:00"},
		{"每天", "-1:00"},
		{"每天", "１２:00"},
		{"每天", "123:00"},
		{"每周八", "12:00"},
		{"每周", "12:00"},
		{"2025-02-30", "12:00"},
		{"someday", "12:00"},
	}
	for _, tt := range tests {
		_, err := Parse(tt.date, tt.clock, now)
		if !errors.Is(err, task.ErrParse) {
			t.Fatalf("Parse(%q, %q) error = %v, want ErrParse", tt.date, tt.clock, err)
		}
	}
}

func TestParseIsIdempotentOnCanonicalForm(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 29, 10, 0, 0, 0, shanghai)
	for _, date := range []string{"每天", "工作日", "每周一", "每周二", "每周三", "每周四", "每周五", "每周六", "每周日"} {
		for _, clock := range []string{"00:00", "08:30", "23:59"} {
			first, err := Parse(date, clock, now)
			if err != nil {
				t.Fatalf("Parse(%q, %q) error = %v", date, clock, err)
			}
			again, err := ParseCron(first.Value())
			if err != nil {
				t.Fatalf("ParseCron(%q) error = %v", first.Value(), err)
			}
			if again.Expr != first.Value() {
				t.Fatalf("ParseCron(%q).Expr = %q", first.Value(), again.Expr)
			}
			a, _ := Schedule(first.Value())
			b, _ := Schedule(again.Expr)
			from := now
			for i := 0; i < 5; i++ {
				na, nb := a.Next(from), b.Next(from)
				if !na.Equal(nb) {
					t.Fatalf("%s %s: Next(%v) = %v vs %v", date, clock, from, na, nb)
				}
				from = na
			}
		}
	}
}

func TestParseCronRejectsBadExpressions(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{
		"",
		"bad expr",
		"* * * *",
		"0 0 * * * *",
		"@daily",
		"60 * * * *",
		"0 24 * * *",
		"0 0 * * 7",
		"0 0 * * 4-2",
		"0 0 * * mon-",
		"0 0 * * */0",
	} {
		if _, err := ParseCron(expr); !errors.Is(err, task.ErrParse) {
			t.Fatalf("ParseCron(%q) error = %v, want ErrParse", expr, err)
		}
	}
}

func TestToStandard(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"0 8 * * *", "0 8 * * *"},
		{"0 8 * * ?", "0 8 * * ?"},
		{"0 8 * * 0-4", "0 8 * * 1,2,3,4,5"},
		{"0 8 * * 6", "0 8 * * 0"},
		{"0 8 * * 5,6", "0 8 * * 0,6"},
		{"0 8 * * sat-sun", "0 8 * * 0,6"},
		{"0 8 * * MON", "0 8 * * 1"},
		{"0 8 * * */2", "0 8 * * 0,1,3,5"},
		{"0 8 * * 1/3", "0 8 * * 2,5"},
		{"*/30 9-18 1,15 */2 0-2,4", "*/30 9-18 1,15 */2 1,2,3,5"},
		{"0 9 1 * */1", "0 9 1 * *"},
		{"0 8 * * 0-6", "0 8 * * *"},
		{"0 8 * * mon-sun", "0 8 * * *"},
	}
	for _, tt := range tests {
		got, err := ToStandard(tt.in)
		if err != nil {
			t.Fatalf("ToStandard(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ToStandard(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Every weekday digit must be described with the name of the day the
// schedule actually fires on.
func TestWeekdayDescriptionMatchesFiringDay(t *testing.T) {
	t.Parallel()

	names := map[time.Weekday]string{
		time.Monday: "一", time.Tuesday: "二", time.Wednesday: "三", time.Thursday: "四",
		time.Friday: "五", time.Saturday: "六", time.Sunday: "日",
	}
	from := time.Date(2025, 1, 6, 0, 0, 0, 0, shanghai) // a Monday
	for d := 0; d <= 6; d++ {
		expr := "0 8 * * " + strconv.Itoa(d)
		sched, err := Schedule(expr)
		if err != nil {
			t.Fatalf("Schedule(%q) error = %v", expr, err)
		}
		fires := sched.Next(from).Weekday()

		desc, err := Describe(expr)
		if err != nil {
			t.Fatalf("Describe(%q) error = %v", expr, err)
		}
		if want := "每周" + names[fires]; !strings.HasPrefix(desc, want) {
			t.Fatalf("Describe(%q) = %q, fires on %v, want prefix %q", expr, desc, fires, want)
		}

		tok := "每周" + names[fires]
		trig, err := Parse(tok, "08:00", from)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", tok, err)
		}
		if trig.Value() != expr {
			t.Fatalf("Parse(%q) = %q, want %q", tok, trig.Value(), expr)
		}
	}
}

func TestDayFieldsAreIntersected(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 10, 1, 0, 0, 0, 0, shanghai) // a Thursday
	at := func(m time.Month, d int) time.Time { return time.Date(2026, m, d, 9, 0, 0, 0, shanghai) }
	tests := []struct {
		expr string
		want []time.Time
	}{
		// First Monday of each month.
		{"0 9 1-7 * 0", []time.Time{at(10, 5), at(11, 2), at(12, 7)}},
		// An all-days weekday field leaves day-of-month alone.
		{"0 9 1 * */1", []time.Time{at(10, 1), at(11, 1), at(12, 1)}},
		{"0 9 1 * 0-6", []time.Time{at(10, 1), at(11, 1), at(12, 1)}},
		// A full day-of-month range still honours the weekday.
		{"0 9 1-31 * 5,6", []time.Time{at(10, 3), at(10, 4), at(10, 10)}},
		// The 13th when it is a Friday.
		{"0 9 13 * 4", []time.Time{at(11, 13), time.Date(2027, 8, 13, 9, 0, 0, 0, shanghai), time.Date(2028, 10, 13, 9, 0, 0, 0, shanghai)}},
	}
	for _, tt := range tests {
		sched, err := Schedule(tt.expr)
		if err != nil {
			t.Fatalf("Schedule(%q) error = %v", tt.expr, err)
		}
		var got []time.Time
		for n := from; len(got) < len(tt.want); {
			n = sched.Next(n)
			if n.IsZero() {
				t.Fatalf("Schedule(%q) ran out after %v", tt.expr, got)
			}
			got = append(got, n)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Fatalf("Schedule(%q) fires mismatch (-want +got):\n%s", tt.expr, diff)
		}
	}
}

func TestWorkdaysFireMondayToFriday(t *testing.T) {
	t.Parallel()

	sched, err := Schedule("0 9 * * 0-4")
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	at := time.Date(2025, 1, 4, 0, 0, 0, 0, shanghai) // Saturday
	var got []time.Weekday
	for i := 0; i < 5; i++ {
		at = sched.Next(at)
		got = append(got, at.Weekday())
	}
	want := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("fire days mismatch (-want +got):\n%s", diff)
	}
}

func TestHumanize(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"0 8 * * *", "循环<每天08:00>"},
		{"0 12 * * 2", "循环<每周三12:00>"},
		{"0 10 * * 0-4", "循环<每周一至周五10:00>"},
		{"0 10 * * 0,2", "循环<每周一、周三10:00>"},
		{"0 * * * *", "循环<每小时整点>"},
		{"15 * * * *", "循环<每小时第15分钟>"},
		{"* * * * *", "循环<每分钟>"},
		{"0 9-18 * * *", "循环<每天9点至18点的整点>"},
		{"*/30 9-18 * * 1-5", "循环<每周二至周六，9点至18点每30分钟>"},
		{"0 8 1 * *", "循环<每月1日08:00>"},
		{"0 8 1 1 *", "循环<每年一月，1日08:00>"},
		{"0 8 * jan *", "cron[0 8 * jan *]"},
		{"0-30/5 8 * * *", "cron[0-30/5 8 * * *]"},
	}
	for _, tt := range tests {
		if got := Humanize(tt.in); got != tt.want {
			t.Fatalf("Humanize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
