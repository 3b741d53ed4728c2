package timeexpr

import (
	"fmt"
	"strconv"
	"strings"
)

var monthNames = [13]string{"", "一月", "二月", "三月", "四月", "五月", "六月", "七月", "八月", "九月", "十月", "十一月", "十二月"}

// Humanize describes expr as "循环<…>", or "cron[expr]" when the expression
// uses syntax Describe does not cover.
func Humanize(expr string) string {
	desc, err := Describe(expr)
	if err != nil {
		return "cron[" + expr + "]"
	}
	return "循环<" + desc + ">"
}

// Describe renders a canonical cron expression in Chinese. Weekday names
// come from the same 0=Monday table the scheduler uses.
func Describe(expr string) (string, error) {
	if _, err := Schedule(expr); err != nil {
		return "", err
	}
	f := strings.Fields(expr)
	minute, hour, dom, month, dow := f[0], f[1], f[2], f[3], f[4]

	at, err := describeClock(minute, hour)
	if err != nil {
		return "", err
	}

	var quals []string
	if month != "*" && month != "?" {
		p, err := describeField(month, func(n int) (string, error) {
			if n < 1 || n > 12 {
				return "", fmt.Errorf("month %d", n)
			}
			return monthNames[n], nil
		}, "个月")
		if err != nil {
			return "", err
		}
		quals = append(quals, "每年"+p)
	}
	if dom != "*" && dom != "?" {
		p, err := describeField(dom, func(n int) (string, error) { return strconv.Itoa(n) + "日", nil }, "天")
		if err != nil {
			return "", err
		}
		if len(quals) == 0 {
			p = "每月" + p
		}
		quals = append(quals, p)
	}
	if dow != "*" && dow != "?" {
		days, err := expandWeekdays(dow)
		if err != nil {
			return "", err
		}
		quals = append(quals, "每"+weekdaySet(days))
	}

	if len(quals) == 0 {
		if hour != "*" {
			return "每天" + at, nil
		}
		return at, nil
	}
	sep := ""
	if !(isNumber(minute) && isNumber(hour)) {
		sep = "，"
	}
	return strings.Join(quals, "，") + sep + at, nil
}

// describeClock renders the minute and hour fields.
func describeClock(minute, hour string) (string, error) {
	if isNumber(minute) && isNumber(hour) {
		m, _ := strconv.Atoi(minute)
		h, _ := strconv.Atoi(hour)
		return fmt.Sprintf("%02d:%02d", h, m), nil
	}

	hourP := ""
	if hour != "*" {
		p, err := describeField(hour, func(n int) (string, error) { return strconv.Itoa(n) + "点", nil }, "小时")
		if err != nil {
			return "", err
		}
		hourP = p
	}

	if isNumber(minute) {
		m, _ := strconv.Atoi(minute)
		tail := "整点"
		if m != 0 {
			tail = fmt.Sprintf("第%d分钟", m)
		}
		if hourP == "" {
			return "每小时" + tail, nil
		}
		return hourP + "的" + tail, nil
	}

	var minuteP string
	if minute == "*" {
		minuteP = "每分钟"
	} else {
		p, err := describeField(minute, func(n int) (string, error) { return "第" + strconv.Itoa(n) + "分钟", nil }, "分钟")
		if err != nil {
			return "", err
		}
		minuteP = p
	}
	return hourP + minuteP, nil
}

// describeField renders a numeric cron field made of values, ranges, lists
// and "*/n" steps. unit names the period used for steps.
func describeField(field string, name func(int) (string, error), unit string) (string, error) {
	if strings.HasPrefix(field, "*/") {
		n, err := strconv.Atoi(field[2:])
		if err != nil || n < 1 {
			return "", fmt.Errorf("step %q", field)
		}
		return "每" + strconv.Itoa(n) + unit, nil
	}
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.Contains(p, "/") {
			return "", fmt.Errorf("unsupported step %q", p)
		}
		if a, b, ok := strings.Cut(p, "-"); ok {
			lo, err := strconv.Atoi(a)
			if err != nil {
				return "", err
			}
			hi, err := strconv.Atoi(b)
			if err != nil {
				return "", err
			}
			ln, err := name(lo)
			if err != nil {
				return "", err
			}
			hn, err := name(hi)
			if err != nil {
				return "", err
			}
			out = append(out, ln+"至"+hn)
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", err
		}
		s, err := name(n)
		if err != nil {
			return "", err
		}
		out = append(out, s)
	}
	return strings.Join(out, "、"), nil
}

// weekdaySet renders runs of three or more consecutive days as a range.
func weekdaySet(days [7]bool) string {
	var out []string
	for d := 0; d < 7; {
		if !days[d] {
			d++
			continue
		}
		end := d
		for end+1 < 7 && days[end+1] {
			end++
		}
		switch {
		case end-d >= 2:
			out = append(out, "周"+weekdayNames[d]+"至周"+weekdayNames[end])
		case end > d:
			out = append(out, "周"+weekdayNames[d], "周"+weekdayNames[end])
		default:
			out = append(out, "周"+weekdayNames[d])
		}
		d = end + 1
	}
	return strings.Join(out, "、")
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
