// Package timeexpr turns short, partly Chinese time expressions into
// canonical triggers with a human-readable description.
//
// Recurring triggers use a 5-field cron expression whose day-of-week field
// counts 0=Monday .. 6=Sunday, so "工作日" is "0-4".
package timeexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"timetask/internal/task"
)

const oneShotDescLayout = "2006年01月02日 15:04"

var weekdayTokens = map[string]int{
	"一": 0, "二": 1, "三": 2, "四": 3, "五": 4, "六": 5, "日": 6, "天": 6,
}

var relativeDays = map[string]int{"今天": 0, "明天": 1, "后天": 2}

// Parse resolves a date token and an HH:MM token. Relative and absolute
// dates are interpreted in now's location.
func Parse(dateToken, timeToken string, now time.Time) (task.Trigger, error) {
	hour, minute, err := parseClock(timeToken)
	if err != nil {
		return nil, err
	}
	clock := fmt.Sprintf("%02d:%02d", hour, minute)

	switch {
	case dateToken == "每天":
		return task.Recurring{
			Expr: fmt.Sprintf("%d %d * * *", minute, hour),
			Desc: "每天" + clock,
		}, nil

	case dateToken == "工作日":
		return task.Recurring{
			Expr: fmt.Sprintf("%d %d * * 0-4", minute, hour),
			Desc: "每个工作日" + clock,
		}, nil

	case strings.HasPrefix(dateToken, "每周"):
		d, ok := weekdayTokens[strings.TrimPrefix(dateToken, "每周")]
		if !ok {
			return nil, fmt.Errorf("%w: unknown weekday %q", task.ErrParse, dateToken)
		}
		return task.Recurring{
			Expr: fmt.Sprintf("%d %d * * %d", minute, hour, d),
			Desc: "每周" + weekdayNames[d] + clock,
		}, nil
	}

	var day time.Time
	if offset, ok := relativeDays[dateToken]; ok {
		day = now.AddDate(0, 0, offset)
	} else {
		day, err = time.ParseInLocation("2006-01-02", dateToken, now.Location())
		if err != nil {
			return nil, fmt.Errorf("%w: unknown date %q", task.ErrParse, dateToken)
		}
	}
	at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	return task.OneShot{At: at, Desc: at.Format(oneShotDescLayout)}, nil
}

// ParseCron validates a raw 5-field literal and keeps it verbatim.
func ParseCron(expr string) (task.Recurring, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return task.Recurring{}, fmt.Errorf("%w: empty cron expression", task.ErrParse)
	}
	if _, err := Schedule(expr); err != nil {
		return task.Recurring{}, err
	}
	return task.Recurring{Expr: expr, Desc: Humanize(expr)}, nil
}

func parseClock(tok string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(tok, ":")
	if !ok || strings.Contains(m, ":") {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:MM", task.ErrParse, tok)
	}
	if hour, ok = smallNumber(h); !ok || hour > 23 {
		return 0, 0, fmt.Errorf("%w: hour out of range in %q", task.ErrParse, tok)
	}
	if minute, ok = smallNumber(m); !ok || minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute out of range in %q", task.ErrParse, tok)
	}
	return hour, minute, nil
}

// smallNumber accepts one or two ASCII digits.
func smallNumber(s string) (int, bool) {
	if len(s) == 0 || len(s) > 2 {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}
