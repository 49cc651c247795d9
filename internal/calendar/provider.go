// Package calendar wraps the Google Calendar API behind the narrow interfaces
// the mutation engine and webhook lifecycle depend on.
package calendar

import (
	"context"
	"time"

	"google.golang.org/api/calendar/v3"
)

// EventService is the event CRUD surface used by the mutation engine.
type EventService interface {
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]*calendar.Event, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error)
	CreateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	MoveEvent(ctx context.Context, calendarID, eventID, destinationID string) (*calendar.Event, error)
}

// WatchService is the push-channel surface used by the webhook lifecycle.
type WatchService interface {
	ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error)
	WatchCalendarList(ctx context.Context, req WatchRequest) (*WatchResult, error)
	WatchCalendarEvents(ctx context.Context, calendarID string, req WatchRequest) (*WatchResult, error)
	StopWatch(ctx context.Context, channelID, resourceID string) error
}

// CalendarService manages calendars themselves.
type CalendarService interface {
	GetCalendar(ctx context.Context, calendarID string) (*calendar.Calendar, error)
	CreateCalendar(ctx context.Context, cal *calendar.Calendar) (*calendar.Calendar, error)
	UpdateCalendar(ctx context.Context, calendarID string, cal *calendar.Calendar) (*calendar.Calendar, error)
	DeleteCalendar(ctx context.Context, calendarID string) error
}

// Provider is everything the sync core needs from one linked account.
type Provider interface {
	EventService
	WatchService
	CalendarService
	// PrimaryAccountID returns the provider's id for the account (its primary calendar id).
	PrimaryAccountID(ctx context.Context) (string, error)
}

// WatchRequest describes a push channel to open.
type WatchRequest struct {
	ID         string
	Address    string
	Token      string
	Expiration time.Time
}

// WatchResult is the provider's answer to a watch call.
type WatchResult struct {
	ResourceID string
	Expiration time.Time
}
