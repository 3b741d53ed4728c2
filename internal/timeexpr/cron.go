package timeexpr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"timetask/internal/task"
)

// parser accepts classic 5-field specs only: no seconds field and no
// @descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// weekdayNames maps the scheduler day number (0=Monday) to its Chinese name.
var weekdayNames = [7]string{"一", "二", "三", "四", "五", "六", "日"}

var weekdayAbbr = map[string]int{
	"mon": 0, "tue": 1, "wed": 2, "thu": 3, "fri": 4, "sat": 5, "sun": 6,
}

// maxDaySkips bounds the search for a day matching both day fields.
const maxDaySkips = 1000

// Schedule validates a canonical cron expression and returns the runtime
// schedule that fires on the same instants. A restricted day-of-week is
// ANDed with the day-of-month field: "0 9 1-7 * 0" is the first Monday of
// each month, not every day 1-7 plus every Monday.
func Schedule(expr string) (cron.Schedule, error) {
	std, err := ToStandard(expr)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(std)
	dow := fields[4]
	if dow == "*" || dow == "?" {
		s, err := parser.Parse(std)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", task.ErrParse, expr, err)
		}
		return s, nil
	}

	fields[4] = "*"
	base, err := parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", task.ErrParse, expr, err)
	}
	days, err := expandWeekdays(strings.Fields(expr)[4])
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", task.ErrParse, expr, err)
	}
	return weekdaySchedule{base: base, days: days}, nil
}

// weekdaySchedule keeps the fire times of base that fall on one of days
// (indexed 0=Monday).
type weekdaySchedule struct {
	base cron.Schedule
	days [7]bool
}

func (s weekdaySchedule) Next(t time.Time) time.Time {
	for i := 0; i < maxDaySkips; i++ {
		n := s.base.Next(t)
		if n.IsZero() || s.days[(int(n.Weekday())+6)%7] {
			return n
		}
		// Skip the rest of n's day.
		t = time.Date(n.Year(), n.Month(), n.Day()+1, 0, 0, 0, 0, n.Location()).Add(-time.Nanosecond)
	}
	return time.Time{}
}

// ToStandard rewrites the day-of-week field of expr from the 0=Monday
// numbering into the 0=Sunday numbering used by the cron runtime. A field
// selecting all seven days becomes "*". The other four fields are returned
// unchanged.
func ToStandard(expr string) (string, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "", fmt.Errorf("%w: cron %q: expected 5 fields, got %d", task.ErrParse, expr, len(fields))
	}
	dow := fields[4]
	if dow == "*" || dow == "?" {
		return strings.Join(fields, " "), nil
	}

	days, err := expandWeekdays(dow)
	if err != nil {
		return "", fmt.Errorf("%w: cron %q: %v", task.ErrParse, expr, err)
	}
	if days == [7]bool{true, true, true, true, true, true, true} {
		fields[4] = "*"
		return strings.Join(fields, " "), nil
	}
	std := make([]int, 0, 7)
	for d, on := range days {
		if on {
			std = append(std, (d+1)%7)
		}
	}
	sort.Ints(std)
	parts := make([]string, len(std))
	for i, d := range std {
		parts[i] = strconv.Itoa(d)
	}
	fields[4] = strings.Join(parts, ",")
	return strings.Join(fields, " "), nil
}

// expandWeekdays turns a day-of-week field into the set of days it selects,
// indexed 0=Monday. Supports lists, ranges, steps and three-letter names.
func expandWeekdays(field string) ([7]bool, error) {
	var set [7]bool
	for _, part := range strings.Split(field, ",") {
		lo, hi, step, err := weekdayRange(part)
		if err != nil {
			return set, err
		}
		for d := lo; d <= hi; d += step {
			set[d] = true
		}
	}
	return set, nil
}

func weekdayRange(part string) (lo, hi, step int, err error) {
	if part == "" {
		return 0, 0, 0, fmt.Errorf("empty day-of-week term")
	}
	step = 1
	rng := part
	if i := strings.IndexByte(part, '/'); i >= 0 {
		rng = part[:i]
		step, err = strconv.Atoi(part[i+1:])
		if err != nil || step < 1 {
			return 0, 0, 0, fmt.Errorf("bad step in %q", part)
		}
	}

	switch {
	case rng == "*":
		return 0, 6, step, nil
	case strings.Contains(rng, "-"):
		a, b, _ := strings.Cut(rng, "-")
		if lo, err = weekdayValue(a); err != nil {
			return 0, 0, 0, err
		}
		if hi, err = weekdayValue(b); err != nil {
			return 0, 0, 0, err
		}
		if lo > hi {
			return 0, 0, 0, fmt.Errorf("descending range %q", rng)
		}
		return lo, hi, step, nil
	default:
		if lo, err = weekdayValue(rng); err != nil {
			return 0, 0, 0, err
		}
		if step > 1 || strings.Contains(part, "/") {
			return lo, 6, step, nil
		}
		return lo, lo, 1, nil
	}
}

func weekdayValue(s string) (int, error) {
	if d, ok := weekdayAbbr[strings.ToLower(s)]; ok {
		return d, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 6 {
		return 0, fmt.Errorf("day of week %q out of range 0-6", s)
	}
	return n, nil
}
