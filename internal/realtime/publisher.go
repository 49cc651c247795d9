// Package realtime delivers calendar change events to connected clients.
package realtime

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// TypeCalendarChanged is the only event type emitted today.
const TypeCalendarChanged = "calendar.changed"

// Event is pushed to a user whenever one of their calendars changed upstream.
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	AccountID  string    `json:"accountId"`
	CalendarID string    `json:"calendarId,omitempty"`
	Source     string    `json:"source"`
	At         time.Time `json:"at"`
}

// NewCalendarChanged builds a calendar.changed event.
func NewCalendarChanged(userID, accountID, calendarID, source string, at time.Time) Event {
	return Event{
		Type:       TypeCalendarChanged,
		UserID:     userID,
		AccountID:  accountID,
		CalendarID: calendarID,
		Source:     source,
		At:         at.UTC(),
	}
}

// Publisher delivers an event to every live session of a user.
type Publisher interface {
	PublishToUser(ctx context.Context, userID string, ev Event) error
}

// Fanout publishes to several publishers at once. A failing publisher does not
// stop delivery through the others; their errors are joined.
type Fanout []Publisher

// PublishToUser implements Publisher.
func (f Fanout) PublishToUser(ctx context.Context, userID string, ev Event) error {
	p := pool.New().WithErrors()
	for _, pub := range f {
		p.Go(func() error {
			return pub.PublishToUser(ctx, userID, ev)
		})
	}
	return p.Wait()
}

// Discard drops every event.
type Discard struct{}

// PublishToUser implements Publisher.
func (Discard) PublishToUser(context.Context, string, Event) error { return nil }
