package recurrence

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/beekhof/calsync/internal/syncerr"
)

const dateLayout = "2006-01-02"

// ParseEventTime reads a provider start/end value. All-day values are
// returned as midnight UTC of their date.
func ParseEventTime(dt *calendar.EventDateTime) (t time.Time, allDay bool, err error) {
	if dt == nil {
		return time.Time{}, false, syncerr.Validation("recurrence.parse", "missing date")
	}
	if dt.Date != "" {
		t, err = time.Parse(dateLayout, dt.Date)
		if err != nil {
			return time.Time{}, true, syncerr.Validation("recurrence.parse", "invalid date %q: %v", dt.Date, err)
		}
		return t, true, nil
	}
	t, err = time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return time.Time{}, false, syncerr.Validation("recurrence.parse", "invalid dateTime %q: %v", dt.DateTime, err)
	}
	return t, false, nil
}

// IsAllDay reports whether dt is a date-only value.
func IsAllDay(dt *calendar.EventDateTime) bool {
	return dt != nil && dt.Date != ""
}

// MergeStartEnd places an edited occurrence's time of day onto the master's
// date. An all-day master keeps its own dates. For a timed master the start
// takes the master's calendar date with the edited time and offset; the end is
// that start plus the edited duration, or the master's duration when the edit
// carries none.
func MergeStartEnd(masterStart, masterEnd, editedStart, editedEnd *calendar.EventDateTime) (start, end *calendar.EventDateTime, err error) {
	if IsAllDay(masterStart) || editedStart == nil {
		return copyDateTime(masterStart), copyDateTime(masterEnd), nil
	}

	mStart, _, err := ParseEventTime(masterStart)
	if err != nil {
		return nil, nil, err
	}
	var masterDur time.Duration
	if mEnd, _, err := ParseEventTime(masterEnd); err == nil && mEnd.After(mStart) {
		masterDur = mEnd.Sub(mStart)
	}

	eStart, editAllDay, err := ParseEventTime(editedStart)
	if err != nil {
		return nil, nil, err
	}

	y, m, d := mStart.Date()

	if editAllDay {
		days := 1
		if eEnd, endAllDay, err := ParseEventTime(editedEnd); err == nil && endAllDay && eEnd.After(eStart) {
			days = int(eEnd.Sub(eStart).Hours() / 24)
		}
		first := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return &calendar.EventDateTime{Date: first.Format(dateLayout)},
			&calendar.EventDateTime{Date: first.AddDate(0, 0, days).Format(dateLayout)}, nil
	}

	dur := masterDur
	if eEnd, _, err := ParseEventTime(editedEnd); err == nil && eEnd.After(eStart) {
		dur = eEnd.Sub(eStart)
	}

	merged := time.Date(y, m, d, eStart.Hour(), eStart.Minute(), eStart.Second(), 0, eStart.Location())
	tz := editedStart.TimeZone
	if tz == "" {
		tz = masterStart.TimeZone
	}
	endTZ := tz
	if editedEnd != nil && editedEnd.TimeZone != "" {
		endTZ = editedEnd.TimeZone
	}

	return &calendar.EventDateTime{DateTime: merged.Format(time.RFC3339), TimeZone: tz},
		&calendar.EventDateTime{DateTime: merged.Add(dur).Format(time.RFC3339), TimeZone: endTZ}, nil
}

func copyDateTime(dt *calendar.EventDateTime) *calendar.EventDateTime {
	if dt == nil {
		return nil
	}
	c := *dt
	return &c
}
