// Package ics converts between Google events and iCalendar VEVENTs,
// including recurrence lines.
package ics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
	"google.golang.org/api/calendar/v3"

	"github.com/beekhof/calsync/internal/syncerr"
)

const (
	productID  = "-//calsync//EN"
	dateLayout = "2006-01-02"

	opEncode = "ics.encode"
	opDecode = "ics.decode"
)

// recurrenceProps are the VEVENT properties carried in Event.Recurrence.
var recurrenceProps = []string{ical.PropRecurrenceRule, ical.PropRecurrenceDates, ical.PropExceptionDates, "EXRULE"}

// Encode writes events as one VCALENDAR.
func Encode(w io.Writer, events ...*calendar.Event) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	now := time.Now().UTC()
	for _, ev := range events {
		comp, err := EventToComponent(ev, now)
		if err != nil {
			return err
		}
		cal.Children = append(cal.Children, comp)
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return syncerr.Validation(opEncode, "failed to encode calendar: %v", err)
	}
	return nil
}

// EventToComponent converts a Google event to a VEVENT stamped at stamp.
func EventToComponent(event *calendar.Event, stamp time.Time) (*ical.Component, error) {
	if event == nil {
		return nil, syncerr.Validation(opEncode, "no event")
	}
	vevent := ical.NewComponent(ical.CompEvent)

	uid := event.ICalUID
	if uid == "" {
		uid = event.Id
	}
	if uid == "" {
		uid = fmt.Sprintf("%d@calsync", stamp.UnixNano())
	}
	vevent.Props.SetText(ical.PropUID, uid)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, stamp)

	setText(vevent, ical.PropSummary, event.Summary)
	setText(vevent, ical.PropDescription, event.Description)
	setText(vevent, ical.PropLocation, event.Location)
	if event.Status != "" {
		vevent.Props.SetText(ical.PropStatus, strings.ToUpper(event.Status))
	}
	if event.Transparency == "transparent" {
		vevent.Props.SetText(ical.PropTransparency, "TRANSPARENT")
	}

	if err := setTime(vevent, ical.PropDateTimeStart, event.Start); err != nil {
		return nil, err
	}
	if err := setTime(vevent, ical.PropDateTimeEnd, event.End); err != nil {
		return nil, err
	}
	if err := setTime(vevent, ical.PropRecurrenceID, event.OriginalStartTime); err != nil {
		return nil, err
	}

	for _, line := range event.Recurrence {
		prop, err := parseContentLine(line)
		if err != nil {
			return nil, err
		}
		vevent.Props.Add(prop)
	}
	return vevent, nil
}

func setText(comp *ical.Component, name, value string) {
	if value != "" {
		comp.Props.SetText(name, value)
	}
}

func setTime(comp *ical.Component, name string, dt *calendar.EventDateTime) error {
	if dt == nil {
		return nil
	}
	if dt.Date != "" {
		d, err := time.Parse(dateLayout, dt.Date)
		if err != nil {
			return syncerr.Validation(opEncode, "invalid %s date %q", name, dt.Date)
		}
		prop := ical.NewProp(name)
		prop.SetDate(d)
		comp.Props.Set(prop)
		return nil
	}
	if dt.DateTime == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return syncerr.Validation(opEncode, "invalid %s date-time %q", name, dt.DateTime)
	}
	t = t.UTC()
	if dt.TimeZone != "" {
		if loc, err := time.LoadLocation(dt.TimeZone); err == nil {
			t = t.In(loc)
		}
	}
	comp.Props.SetDateTime(name, t)
	return nil
}

// parseContentLine turns a Google recurrence line such as
// "EXDATE;TZID=Europe/Berlin:20240205T090000" into a property.
func parseContentLine(line string) (*ical.Prop, error) {
	head, value, ok := strings.Cut(line, ":")
	if !ok || value == "" {
		return nil, syncerr.Validation(opEncode, "malformed recurrence line %q", line)
	}
	parts := strings.Split(head, ";")
	prop := ical.NewProp(strings.ToUpper(parts[0]))
	prop.Value = value
	for _, param := range parts[1:] {
		k, v, ok := strings.Cut(param, "=")
		if !ok {
			return nil, syncerr.Validation(opEncode, "malformed parameter %q in %q", param, line)
		}
		prop.Params.Set(strings.ToUpper(k), v)
	}
	return prop, nil
}

// formatContentLine is the inverse of parseContentLine.
func formatContentLine(prop ical.Prop) string {
	var b strings.Builder
	b.WriteString(prop.Name)
	keys := make([]string, 0, len(prop.Params))
	for k := range prop.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(";" + k + "=" + strings.Join(prop.Params[k], ","))
	}
	b.WriteString(":" + prop.Value)
	return b.String()
}

// Decode reads every VEVENT of an iCalendar stream.
func Decode(r io.Reader) ([]*calendar.Event, error) {
	cal, err := ical.NewDecoder(r).Decode()
	if err != nil {
		return nil, syncerr.Validation(opDecode, "failed to parse calendar: %v", err)
	}
	var events []*calendar.Event
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		ev, err := ComponentToEvent(comp)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil, syncerr.Validation(opDecode, "no VEVENT found in calendar")
	}
	return events, nil
}

// DecodeEvent reads a calendar holding exactly one VEVENT.
func DecodeEvent(r io.Reader) (*calendar.Event, error) {
	events, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if len(events) != 1 {
		return nil, syncerr.Validation(opDecode, "expected one VEVENT, found %d", len(events))
	}
	return events[0], nil
}

// ComponentToEvent converts a VEVENT to a Google event. The UID becomes the
// event's iCalUID; provider ids are never taken from the payload.
func ComponentToEvent(vevent *ical.Component) (*calendar.Event, error) {
	event := &calendar.Event{}

	event.ICalUID = propText(vevent, ical.PropUID)
	event.Summary = propText(vevent, ical.PropSummary)
	event.Description = propText(vevent, ical.PropDescription)
	event.Location = propText(vevent, ical.PropLocation)
	if status := propText(vevent, ical.PropStatus); status != "" {
		event.Status = strings.ToLower(status)
	}
	if propText(vevent, ical.PropTransparency) == "TRANSPARENT" {
		event.Transparency = "transparent"
	}

	var err error
	if event.Start, err = eventTime(vevent, ical.PropDateTimeStart); err != nil {
		return nil, err
	}
	if event.End, err = eventTime(vevent, ical.PropDateTimeEnd); err != nil {
		return nil, err
	}
	if event.OriginalStartTime, err = eventTime(vevent, ical.PropRecurrenceID); err != nil {
		return nil, err
	}
	if event.End == nil && event.Start != nil && event.Start.Date != "" {
		d, _ := time.Parse(dateLayout, event.Start.Date)
		event.End = &calendar.EventDateTime{Date: d.AddDate(0, 0, 1).Format(dateLayout)}
	}

	for _, name := range recurrenceProps {
		for _, prop := range vevent.Props.Values(name) {
			event.Recurrence = append(event.Recurrence, formatContentLine(prop))
		}
	}
	if len(event.Recurrence) > 0 {
		if _, err := rrule.StrSliceToRRuleSet(event.Recurrence); err != nil {
			return nil, syncerr.Validation(opDecode, "invalid recurrence %q: %v", event.Recurrence, err)
		}
	}
	return event, nil
}

func propText(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

func eventTime(comp *ical.Component, name string) (*calendar.EventDateTime, error) {
	prop := comp.Props.Get(name)
	if prop == nil {
		return nil, nil
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return nil, syncerr.Validation(opDecode, "invalid %s %q: %v", name, prop.Value, err)
	}
	if prop.ValueType() == ical.ValueDate {
		return &calendar.EventDateTime{Date: t.Format(dateLayout)}, nil
	}
	dt := &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		dt.TimeZone = tzid
	}
	return dt, nil
}
