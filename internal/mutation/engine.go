// Package mutation translates scoped edits of recurring events (this
// occurrence, the whole series, this and following) into provider reads and
// writes.
package mutation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/calendar/v3"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/recurrence"
	"github.com/beekhof/calsync/internal/syncerr"
)

// Engine is a stateless orchestrator over the provider's event records.
type Engine struct {
	events calclient.EventService
	log    zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an Engine over events.
func NewEngine(events calclient.EventService, opts ...Option) *Engine {
	e := &Engine{events: events, log: log.Logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mutate dispatches req to the matching operation. Deletes return a nil event.
func (e *Engine) Mutate(ctx context.Context, req Request) (*calendar.Event, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}
	switch req.Operation {
	case OperationUpdate:
		return e.UpdateEvent(ctx, req.CalendarID, req.EventID, req.Payload, req.Scope)
	case OperationDelete:
		return nil, e.DeleteEvent(ctx, req.CalendarID, req.EventID, req.Scope)
	default:
		return e.MoveEvent(ctx, req.CalendarID, req.EventID, req.DestinationCalendarID, req.Scope)
	}
}

// GetMasterRecurrence resolves the series master for event. An instance is
// resolved through its recurringEventId; an event carrying its own recurrence
// is already the master; anything else is not part of a series.
func (e *Engine) GetMasterRecurrence(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	const op = "mutation.master"
	switch {
	case event == nil:
		return nil, syncerr.Validation(op, "no event")
	case event.RecurringEventId != "":
		master, err := e.events.GetEvent(ctx, calendarID, event.RecurringEventId)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get master %s", event.RecurringEventId)
		}
		if len(master.Recurrence) == 0 {
			return nil, syncerr.Validation(op, "master %s has no recurrence", master.Id)
		}
		return master, nil
	case len(event.Recurrence) > 0:
		return event, nil
	default:
		return nil, syncerr.Validation(op, "event %s is not a recurring event", event.Id)
	}
}

// series is a target event together with its resolved master.
type series struct {
	event  *calendar.Event
	master *calendar.Event
}

func (e *Engine) resolve(ctx context.Context, calendarID, eventID string) (*series, error) {
	event, err := e.events.GetEvent(ctx, calendarID, eventID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get event %s", eventID)
	}
	master, err := e.GetMasterRecurrence(ctx, calendarID, event)
	if err != nil {
		return nil, err
	}
	return &series{event: event, master: master}, nil
}

// boundary is the original start of the occurrence a following-scope edit
// points at.
type boundary struct {
	start  time.Time
	allDay bool
	// first is set when truncating before start would leave the old series
	// with no occurrences.
	first bool
}

func (e *Engine) boundaryFor(s *series, payload *calendar.Event) (*boundary, error) {
	origin := s.event.OriginalStartTime
	if origin == nil && payload != nil {
		origin = payload.Start
	}
	if origin == nil {
		origin = s.event.Start
	}
	start, _, err := recurrence.ParseEventTime(origin)
	if err != nil {
		return nil, err
	}
	masterStart, allDay, err := recurrence.ParseEventTime(s.master.Start)
	if err != nil {
		return nil, err
	}

	b := &boundary{start: start, allDay: allDay}
	kept, err := recurrence.TruncationKeepsOccurrences(s.master.Recurrence, masterStart, start, allDay)
	if err != nil {
		// Fall back to a split; the truncation itself validates the rule.
		e.log.Debug().Err(err).Str("eventID", s.master.Id).Msg("could not evaluate recurrence")
		return b, nil
	}
	b.first = !kept
	return b, nil
}

// truncate ends the master's series before the boundary.
func (e *Engine) truncate(ctx context.Context, calendarID string, master *calendar.Event, b *boundary) error {
	rule, err := recurrence.TruncateUntil(master.Recurrence, b.start, b.allDay)
	if err != nil {
		return err
	}
	body := calclient.SanitizeEventPayload(master)
	body.Recurrence = rule
	if _, err := e.events.UpdateEvent(ctx, calendarID, master.Id, body); err != nil {
		return errors.Wrapf(err, "failed to truncate series %s", master.Id)
	}
	return nil
}

// split truncates the master and creates newSeries in destinationID. Once the
// truncation is written the rest runs to completion regardless of ctx, and a
// failed creation restores the master's original recurrence before the
// creation error is returned.
func (e *Engine) split(ctx context.Context, calendarID, destinationID string, master *calendar.Event, b *boundary, newSeries *calendar.Event) (*calendar.Event, error) {
	if err := e.truncate(ctx, calendarID, master, b); err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	created, err := e.events.CreateEvent(ctx, destinationID, calclient.SanitizeEventPayload(newSeries))
	if err == nil {
		return created, nil
	}

	restore := calclient.SanitizeEventPayload(master)
	if _, rerr := e.events.UpdateEvent(ctx, calendarID, master.Id, restore); rerr != nil {
		e.log.Error().Err(rerr).
			Str("calendarID", calendarID).
			Str("eventID", master.Id).
			Strs("recurrence", master.Recurrence).
			Msg("failed to restore series after split failure")
	}
	return nil, errors.Wrapf(err, "failed to create new series from %s", master.Id)
}
