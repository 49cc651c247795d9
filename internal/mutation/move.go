package mutation

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/api/calendar/v3"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/syncerr"
)

// MoveEvent moves eventID to destinationID with the given scope. For
// "following" the original series is truncated and a new series, seeded from
// the occurrence's own times and the master's full recurrence, is created in
// the destination calendar.
func (e *Engine) MoveEvent(ctx context.Context, calendarID, eventID, destinationID string, scope Scope) (*calendar.Event, error) {
	switch scope {
	case ScopeThis:
		return e.move(ctx, calendarID, eventID, destinationID)

	case ScopeAll:
		s, err := e.resolve(ctx, calendarID, eventID)
		if err != nil {
			return nil, err
		}
		return e.move(ctx, calendarID, s.master.Id, destinationID)

	case ScopeFollowing:
		s, err := e.resolve(ctx, calendarID, eventID)
		if err != nil {
			return nil, err
		}
		b, err := e.boundaryFor(s, nil)
		if err != nil {
			return nil, err
		}
		if b.first {
			e.log.Info().Str("eventID", s.master.Id).Msg("following move leaves no earlier occurrence, moving the whole series")
			return e.move(ctx, calendarID, s.master.Id, destinationID)
		}

		newSeries, err := calclient.MergeEvents(s.master, &calendar.Event{Start: s.event.Start, End: s.event.End})
		if err != nil {
			return nil, err
		}
		newSeries.Recurrence = s.master.Recurrence
		return e.split(ctx, calendarID, destinationID, s.master, b, newSeries)

	default:
		return nil, syncerr.Validation("mutation.move", "unknown scope %q", scope)
	}
}

func (e *Engine) move(ctx context.Context, calendarID, eventID, destinationID string) (*calendar.Event, error) {
	moved, err := e.events.MoveEvent(ctx, calendarID, eventID, destinationID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to move event %s", eventID)
	}
	return moved, nil
}
