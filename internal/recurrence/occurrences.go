package recurrence

import (
	"time"

	"github.com/teambition/rrule-go"

	"github.com/beekhof/calsync/internal/syncerr"
)

func ruleSet(recurrence []string, dtstart time.Time) (*rrule.Set, error) {
	set, err := rrule.StrSliceToRRuleSetInLoc(recurrence, dtstart.Location())
	if err != nil {
		return nil, syncerr.Validation("recurrence.parse", "invalid recurrence %q: %v", recurrence, err)
	}
	set.DTStart(dtstart)
	return set, nil
}

// HasOccurrenceBefore reports whether the series starting at dtstart produces
// at least one occurrence strictly before boundary.
func HasOccurrenceBefore(recurrence []string, dtstart, boundary time.Time) (bool, error) {
	set, err := ruleSet(recurrence, dtstart)
	if err != nil {
		return false, err
	}
	return !set.Before(boundary, false).IsZero(), nil
}

// Between lists the occurrences of the series in [after, before].
func Between(recurrence []string, dtstart, after, before time.Time) ([]time.Time, error) {
	set, err := ruleSet(recurrence, dtstart)
	if err != nil {
		return nil, err
	}
	return set.Between(after, before, true), nil
}

// TruncationKeepsOccurrences reports whether ending the series before
// occurrenceStart, as TruncateUntil does, still leaves at least one
// occurrence. A timed DAILY series cut at its second occurrence does not,
// since UNTIL lands before dtstart.
func TruncationKeepsOccurrences(recurrence []string, dtstart, occurrenceStart time.Time, allDay bool) (bool, error) {
	truncated, err := TruncateUntil(recurrence, occurrenceStart, allDay)
	if err != nil {
		return false, err
	}
	return HasOccurrenceBefore(truncated, dtstart, occurrenceStart)
}
