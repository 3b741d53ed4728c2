// Package command parses the body of a "/time" create command into an
// Intent. Each grammar rule is a separate function that consumes its part of
// the text and reports failure as an error.
package command

import (
	"fmt"
	"strings"
	"time"

	"timetask/internal/task"
	"timetask/internal/timeexpr"
)

const augmentationToken = "GPT"

// Intent is a parsed create command.
type Intent struct {
	Content          string
	UseAugmentation  bool
	DestinationLabel string
	Trigger          task.Trigger
}

// Parse parses raw (without the leading command word). Relative dates are
// resolved against now. Empty content yields task.ErrEmptyContent, every
// other failure task.ErrParse.
func Parse(raw string, now time.Time) (Intent, error) {
	text := strings.TrimSpace(raw)

	text, label, err := extractDestination(text)
	if err != nil {
		return Intent{}, err
	}
	text, augment := extractAugmentation(text)

	var (
		trig    task.Trigger
		content string
	)
	if rest, ok := cutCronLiteral(text); ok {
		trig, content, err = parseCronForm(rest)
	} else {
		trig, content, err = parseDateForm(text, now)
	}
	if err != nil {
		return Intent{}, err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return Intent{}, task.ErrEmptyContent
	}
	return Intent{
		Content:          content,
		UseAugmentation:  augment,
		DestinationLabel: label,
		Trigger:          trig,
	}, nil
}

// extractDestination strips a trailing "group[<name>]" suffix. The rightmost
// "group[" pairs with the rightmost "]"; anything after that bracket is
// discarded with the suffix.
func extractDestination(text string) (rest, label string, err error) {
	start := strings.LastIndex(text, "group[")
	if start < 0 {
		return text, "", nil
	}
	end := strings.LastIndex(text, "]")
	if end < start {
		return "", "", fmt.Errorf("%w: unterminated group[ in %q", task.ErrParse, text)
	}
	label = strings.TrimSpace(text[start+len("group[") : end])
	if label == "" {
		return "", "", fmt.Errorf("%w: empty group name", task.ErrParse)
	}
	return strings.TrimSpace(text[:start]), label, nil
}

// extractAugmentation removes the first standalone GPT token.
func extractAugmentation(text string) (string, bool) {
	parts := strings.Split(text, " ")
	for i, p := range parts {
		if p == augmentationToken {
			parts = append(parts[:i], parts[i+1:]...)
			return strings.Join(parts, " "), true
		}
	}
	return text, false
}

// cutCronLiteral reports whether text starts with a "cron[...]" literal and
// returns the text after "cron[".
func cutCronLiteral(text string) (string, bool) {
	rest, ok := strings.CutPrefix(text, "cron[")
	if !ok || !strings.Contains(rest, "]") {
		return "", false
	}
	return rest, true
}

// parseCronForm handles "<expr>] content"; the first "]" closes the literal.
func parseCronForm(rest string) (task.Trigger, string, error) {
	expr, content, _ := strings.Cut(rest, "]")
	trig, err := timeexpr.ParseCron(expr)
	if err != nil {
		return nil, "", err
	}
	return trig, content, nil
}

// parseDateForm handles "<date> <time> content" split on the first two spaces.
func parseDateForm(text string, now time.Time) (task.Trigger, string, error) {
	parts := strings.SplitN(text, " ", 3)
	if len(parts) < 3 {
		return nil, "", fmt.Errorf("%w: expected \"<date> <time> <content>\", got %q", task.ErrParse, text)
	}
	trig, err := timeexpr.Parse(parts[0], parts[1], now)
	if err != nil {
		return nil, "", err
	}
	return trig, parts[2], nil
}

// ParseRemoveIDs splits the arguments of "time rm", dropping duplicates and
// keeping first-seen order.
func ParseRemoveIDs(args string) []string {
	seen := map[string]bool{}
	var ids []string
	for _, id := range strings.Fields(args) {
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
