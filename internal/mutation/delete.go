package mutation

import (
	"context"

	"github.com/pkg/errors"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/syncerr"
)

// DeleteEvent removes eventID with the given scope.
//
// "this" cancels a single instance, leaving a provider-side exception, and
// hard-deletes a standalone event. "all" deletes the master (or the event
// itself when it is not recurring). "following" ends the series before the
// occurrence.
func (e *Engine) DeleteEvent(ctx context.Context, calendarID, eventID string, scope Scope) error {
	const op = "mutation.delete"
	switch scope {
	case ScopeThis:
		event, err := e.events.GetEvent(ctx, calendarID, eventID)
		if err != nil {
			return errors.Wrapf(err, "failed to get event %s", eventID)
		}
		switch {
		case event.RecurringEventId != "":
			cancelled := calclient.StripProviderFields(event)
			cancelled.Status = calclient.StatusCancelled
			if _, err := e.events.UpdateEvent(ctx, calendarID, eventID, cancelled); err != nil {
				return errors.Wrapf(err, "failed to cancel instance %s", eventID)
			}
			return nil
		case len(event.Recurrence) > 0:
			return syncerr.Validation(op, "event %s is a series master; delete an instance or use scope all", eventID)
		default:
			return e.hardDelete(ctx, calendarID, eventID)
		}

	case ScopeAll:
		event, err := e.events.GetEvent(ctx, calendarID, eventID)
		if err != nil {
			return errors.Wrapf(err, "failed to get event %s", eventID)
		}
		if event.RecurringEventId == "" && len(event.Recurrence) == 0 {
			return e.hardDelete(ctx, calendarID, event.Id)
		}
		master, err := e.GetMasterRecurrence(ctx, calendarID, event)
		if err != nil {
			return err
		}
		return e.hardDelete(ctx, calendarID, master.Id)

	case ScopeFollowing:
		s, err := e.resolve(ctx, calendarID, eventID)
		if err != nil {
			return err
		}
		b, err := e.boundaryFor(s, nil)
		if err != nil {
			return err
		}
		if b.first {
			e.log.Info().Str("eventID", s.master.Id).Msg("following delete leaves no earlier occurrence, deleting the whole series")
			return e.hardDelete(ctx, calendarID, s.master.Id)
		}
		return e.truncate(ctx, calendarID, s.master, b)

	default:
		return syncerr.Validation(op, "unknown scope %q", scope)
	}
}

func (e *Engine) hardDelete(ctx context.Context, calendarID, eventID string) error {
	if err := e.events.DeleteEvent(ctx, calendarID, eventID); err != nil {
		return errors.Wrapf(err, "failed to delete event %s", eventID)
	}
	return nil
}
