// Package recurrence holds the pure date and RRULE transforms used when a
// recurring series is split or edited.
package recurrence

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/beekhof/calsync/internal/syncerr"
)

const opTruncate = "recurrence.truncate"

// UntilFor returns the UNTIL value that ends a series before occurrenceStart.
// Timed series end one day and one second before the occurrence, formatted as
// a UTC basic stamp; all-day series end on the previous calendar date.
func UntilFor(occurrenceStart time.Time, allDay bool) string {
	if allDay {
		y, m, d := occurrenceStart.Date()
		return time.Date(y, m, d-1, 0, 0, 0, 0, time.UTC).Format(rrule.DateFormat)
	}
	return occurrenceStart.UTC().AddDate(0, 0, -1).Add(-time.Second).Format(rrule.DateTimeFormat)
}

// TruncateUntil rewrites the first RRULE line of recurrence so the series
// stops before occurrenceStart. Any existing UNTIL or COUNT on that line is
// replaced. Other lines (EXRULE, RDATE, EXDATE, later RRULEs) are returned
// unchanged. The input slice is not modified.
func TruncateUntil(recurrence []string, occurrenceStart time.Time, allDay bool) ([]string, error) {
	idx := -1
	for i, line := range recurrence {
		if isRRule(line) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, syncerr.Validation(opTruncate, "recurrence has no RRULE line")
	}

	body := strings.TrimSpace(recurrence[idx])[len("RRULE:"):]
	var parts []string
	for _, part := range strings.Split(body, ";") {
		if part == "" {
			continue
		}
		key := strings.ToUpper(strings.SplitN(part, "=", 2)[0])
		if key == "UNTIL" || key == "COUNT" {
			continue
		}
		parts = append(parts, part)
	}
	parts = append(parts, "UNTIL="+UntilFor(occurrenceStart, allDay))
	body = strings.Join(parts, ";")

	if _, err := rrule.StrToROption(body); err != nil {
		return nil, syncerr.Validation(opTruncate, "invalid RRULE %q: %v", body, err)
	}

	out := make([]string, len(recurrence))
	copy(out, recurrence)
	out[idx] = "RRULE:" + body
	return out, nil
}

func isRRule(line string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), "RRULE:")
}
