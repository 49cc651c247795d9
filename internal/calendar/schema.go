package calendar

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/calendar/v3"

	"github.com/beekhof/calsync/internal/syncerr"
)

// EventKind is the resource kind of the event schema this package accepts.
const EventKind = "calendar#event"

const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

var recurrencePrefixes = []string{"RRULE", "EXRULE", "RDATE", "EXDATE"}

// ValidateEvent checks a provider event against the shape the sync core relies
// on. Cancelled events only need an id, since the provider strips them down.
func ValidateEvent(op string, event *calendar.Event) error {
	if event == nil {
		return syncerr.Validation(op, "empty event")
	}
	if event.Kind != "" && event.Kind != EventKind {
		return syncerr.Validation(op, "unexpected kind %q", event.Kind)
	}
	if event.Id == "" {
		return syncerr.Validation(op, "event without id")
	}
	switch event.Status {
	case "", StatusConfirmed, StatusTentative:
	case StatusCancelled:
		return nil
	default:
		return syncerr.Validation(op, "event %s has unknown status %q", event.Id, event.Status)
	}
	if len(event.Recurrence) > 0 && event.RecurringEventId != "" {
		return syncerr.Validation(op, "event %s is both a series master and an instance", event.Id)
	}
	if err := validateRecurrence(event.Recurrence); err != nil {
		return syncerr.Validation(op, "event %s: %v", event.Id, err)
	}
	if err := validateTimes(event.Start, event.End, true); err != nil {
		return syncerr.Validation(op, "event %s: %v", event.Id, err)
	}
	return nil
}

// DecodeEvent strictly decodes a caller-supplied event payload. Unknown fields,
// malformed times and malformed recurrence lines are validation errors.
func DecodeEvent(data []byte) (*calendar.Event, error) {
	const op = "events.decode"
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var event calendar.Event
	if err := dec.Decode(&event); err != nil {
		return nil, syncerr.Validation(op, "invalid event payload: %v", err)
	}
	if event.Kind != "" && event.Kind != EventKind {
		return nil, syncerr.Validation(op, "unexpected kind %q", event.Kind)
	}
	if err := validateRecurrence(event.Recurrence); err != nil {
		return nil, syncerr.Validation(op, "%v", err)
	}
	if err := validateTimes(event.Start, event.End, false); err != nil {
		return nil, syncerr.Validation(op, "%v", err)
	}
	return &event, nil
}

func validateRecurrence(lines []string) error {
	for _, line := range lines {
		upper := strings.ToUpper(strings.TrimSpace(line))
		ok := false
		for _, prefix := range recurrencePrefixes {
			if strings.HasPrefix(upper, prefix+":") || strings.HasPrefix(upper, prefix+";") {
				ok = true
				break
			}
		}
		if !ok {
			return errors.Errorf("invalid recurrence line %q", line)
		}
	}
	return nil
}

func validateTimes(start, end *calendar.EventDateTime, required bool) error {
	if start == nil || end == nil {
		if required {
			return errors.New("start and end are required")
		}
		if start == nil && end == nil {
			return nil
		}
	}
	var allDay []bool
	for _, dt := range []*calendar.EventDateTime{start, end} {
		if dt == nil {
			continue
		}
		switch {
		case dt.Date != "" && dt.DateTime != "":
			return errors.New("date and dateTime are mutually exclusive")
		case dt.Date != "":
			if _, err := time.Parse("2006-01-02", dt.Date); err != nil {
				return errors.Errorf("invalid date %q", dt.Date)
			}
			allDay = append(allDay, true)
		case dt.DateTime != "":
			if _, err := time.Parse(time.RFC3339, dt.DateTime); err != nil {
				return errors.Errorf("invalid dateTime %q", dt.DateTime)
			}
			allDay = append(allDay, false)
		default:
			return errors.New("date or dateTime is required")
		}
	}
	if len(allDay) == 2 && allDay[0] != allDay[1] {
		return errors.New("start and end mix all-day and timed values")
	}
	return nil
}

// StripProviderFields returns a copy of event without the fields the provider
// assigns (id, htmlLink, organizer).
func StripProviderFields(event *calendar.Event) *calendar.Event {
	if event == nil {
		return nil
	}
	c := *event
	c.Id = ""
	c.HtmlLink = ""
	c.Organizer = nil
	c.Etag = ""
	c.ICalUID = ""
	return &c
}

// StripRecurringLink returns a copy of event detached from any series.
func StripRecurringLink(event *calendar.Event) *calendar.Event {
	if event == nil {
		return nil
	}
	c := *event
	c.RecurringEventId = ""
	c.OriginalStartTime = nil
	return &c
}

// SanitizeEventPayload strips every provider-managed field before a write.
func SanitizeEventPayload(event *calendar.Event) *calendar.Event {
	return StripRecurringLink(StripProviderFields(event))
}

// MergeEvents overlays each event's populated fields onto base, key by key,
// the way a JSON object spread would. Nil overlays are skipped.
func MergeEvents(base *calendar.Event, overlays ...*calendar.Event) (*calendar.Event, error) {
	merged := map[string]json.RawMessage{}
	for _, event := range append([]*calendar.Event{base}, overlays...) {
		if event == nil {
			continue
		}
		data, err := json.Marshal(event)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal event")
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal event fields")
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal merged event")
	}
	var out calendar.Event
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal merged event")
	}
	return &out, nil
}
