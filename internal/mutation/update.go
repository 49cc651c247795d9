package mutation

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/api/calendar/v3"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/recurrence"
	"github.com/beekhof/calsync/internal/syncerr"
)

// UpdateEvent applies payload to eventID with the given scope and returns the
// written event: the event itself for "this", the master for "all", and the
// newly created series for "following".
func (e *Engine) UpdateEvent(ctx context.Context, calendarID, eventID string, payload *calendar.Event, scope Scope) (*calendar.Event, error) {
	if payload == nil {
		return nil, syncerr.Validation("mutation.update", "update requires a payload")
	}
	switch scope {
	case ScopeThis:
		return e.updateThis(ctx, calendarID, eventID, payload)
	case ScopeAll:
		s, err := e.resolve(ctx, calendarID, eventID)
		if err != nil {
			return nil, err
		}
		return e.updateAll(ctx, calendarID, s, payload)
	case ScopeFollowing:
		return e.updateFollowing(ctx, calendarID, eventID, payload)
	default:
		return nil, syncerr.Validation("mutation.update", "unknown scope %q", scope)
	}
}

// updateThis writes the payload straight to eventID. A payload without both
// start and end is laid over the current event first, since the provider
// replaces the whole record.
func (e *Engine) updateThis(ctx context.Context, calendarID, eventID string, payload *calendar.Event) (*calendar.Event, error) {
	body := payload
	if payload.Start == nil || payload.End == nil {
		current, err := e.events.GetEvent(ctx, calendarID, eventID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get event %s", eventID)
		}
		if body, err = calclient.MergeEvents(current, payload); err != nil {
			return nil, err
		}
	}
	updated, err := e.events.UpdateEvent(ctx, calendarID, eventID, calclient.SanitizeEventPayload(body))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update event %s", eventID)
	}
	return updated, nil
}

func (e *Engine) updateAll(ctx context.Context, calendarID string, s *series, payload *calendar.Event) (*calendar.Event, error) {
	editedStart, editedEnd := payload.Start, payload.End
	if editedStart == nil {
		editedStart, editedEnd = s.event.Start, s.event.End
	}
	start, end, err := recurrence.MergeStartEnd(s.master.Start, s.master.End, editedStart, editedEnd)
	if err != nil {
		return nil, err
	}

	body, err := calclient.MergeEvents(s.master, payload)
	if err != nil {
		return nil, err
	}
	body.Start, body.End = start, end
	if len(payload.Recurrence) == 0 {
		body.Recurrence = s.master.Recurrence
	}

	updated, err := e.events.UpdateEvent(ctx, calendarID, s.master.Id, calclient.SanitizeEventPayload(body))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update series %s", s.master.Id)
	}
	return updated, nil
}

func (e *Engine) updateFollowing(ctx context.Context, calendarID, eventID string, payload *calendar.Event) (*calendar.Event, error) {
	s, err := e.resolve(ctx, calendarID, eventID)
	if err != nil {
		return nil, err
	}
	b, err := e.boundaryFor(s, payload)
	if err != nil {
		return nil, err
	}
	if b.first {
		e.log.Info().Str("eventID", s.master.Id).Msg("following edit leaves no earlier occurrence, updating the whole series")
		return e.updateAll(ctx, calendarID, s, payload)
	}

	// The new series starts where the occurrence is, unless the payload moves it.
	anchor := &calendar.Event{Start: s.event.Start, End: s.event.End}
	newSeries, err := calclient.MergeEvents(s.master, anchor, payload)
	if err != nil {
		return nil, err
	}
	if len(payload.Recurrence) == 0 {
		newSeries.Recurrence = s.master.Recurrence
	}
	return e.split(ctx, calendarID, calendarID, s.master, b, newSeries)
}
