package calendar

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/beekhof/calsync/internal/syncerr"
)

const channelTypeWebHook = "web_hook"

// Client is a wrapper around the Google Calendar API service.
type Client struct {
	service *calendar.Service
}

var _ Provider = (*Client)(nil)

// NewClient creates a new Google Calendar API client using the provided HTTP client.
func NewClient(ctx context.Context, httpClient *http.Client, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create calendar service")
	}

	return &Client{service: service}, nil
}

// PrimaryAccountID returns the primary calendar id, which is the account's email.
func (c *Client) PrimaryAccountID(ctx context.Context) (string, error) {
	cal, err := c.service.Calendars.Get("primary").Context(ctx).Do()
	if err != nil {
		return "", providerErr("calendars.get", err)
	}
	if cal.Id == "" {
		return "", syncerr.Validation("calendars.get", "primary calendar has no id")
	}
	return cal.Id, nil
}

// ListCalendars returns every calendar visible in the account's calendar list.
func (c *Client) ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error) {
	var entries []*calendar.CalendarListEntry
	err := c.service.CalendarList.List().Pages(ctx, func(page *calendar.CalendarList) error {
		entries = append(entries, page.Items...)
		return nil
	})
	if err != nil {
		return nil, providerErr("calendarList.list", err)
	}
	for _, e := range entries {
		if e.Id == "" {
			return nil, syncerr.Validation("calendarList.list", "calendar list entry without id")
		}
	}
	return entries, nil
}

// GetCalendar retrieves a calendar's metadata.
func (c *Client) GetCalendar(ctx context.Context, calendarID string) (*calendar.Calendar, error) {
	cal, err := c.service.Calendars.Get(calendarID).Context(ctx).Do()
	if err != nil {
		return nil, providerErr("calendars.get", err)
	}
	return cal, nil
}

// CreateCalendar creates a secondary calendar.
func (c *Client) CreateCalendar(ctx context.Context, cal *calendar.Calendar) (*calendar.Calendar, error) {
	created, err := c.service.Calendars.Insert(cal).Context(ctx).Do()
	if err != nil {
		return nil, providerErr("calendars.insert", err)
	}
	return created, nil
}

// UpdateCalendar replaces a calendar's metadata.
func (c *Client) UpdateCalendar(ctx context.Context, calendarID string, cal *calendar.Calendar) (*calendar.Calendar, error) {
	updated, err := c.service.Calendars.Update(calendarID, cal).Context(ctx).Do()
	if err != nil {
		return nil, providerErr("calendars.update", err)
	}
	return updated, nil
}

// DeleteCalendar deletes a secondary calendar.
func (c *Client) DeleteCalendar(ctx context.Context, calendarID string) error {
	if err := c.service.Calendars.Delete(calendarID).Context(ctx).Do(); err != nil {
		return providerErr("calendars.delete", err)
	}
	return nil
}

// ListEvents retrieves events from a calendar within the specified time window.
// Recurring events are expanded to their instances.
func (c *Client) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]*calendar.Event, error) {
	var events []*calendar.Event
	call := c.service.Events.List(calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime")
	err := call.Pages(ctx, func(page *calendar.Events) error {
		events = append(events, page.Items...)
		return nil
	})
	if err != nil {
		return nil, providerErr("events.list", err)
	}
	for _, event := range events {
		if err := ValidateEvent("events.list", event); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// GetEvent retrieves a single event by ID.
func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	event, err := c.service.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, providerErr("events.get", err)
	}
	return validated("events.get", event)
}

// CreateEvent inserts a new event.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	created, err := c.service.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, providerErr("events.insert", err)
	}
	return validated("events.insert", created)
}

// UpdateEvent replaces an existing event.
func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	updated, err := c.service.Events.Update(calendarID, eventID, event).Context(ctx).Do()
	if err != nil {
		return nil, providerErr("events.update", err)
	}
	return validated("events.update", updated)
}

// DeleteEvent removes an event.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.service.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return providerErr("events.delete", err)
	}
	return nil
}

// MoveEvent changes an event's organizer calendar.
func (c *Client) MoveEvent(ctx context.Context, calendarID, eventID, destinationID string) (*calendar.Event, error) {
	moved, err := c.service.Events.Move(calendarID, eventID, destinationID).Context(ctx).Do()
	if err != nil {
		return nil, providerErr("events.move", err)
	}
	return validated("events.move", moved)
}

// WatchCalendarList opens a push channel on the account's calendar list.
func (c *Client) WatchCalendarList(ctx context.Context, req WatchRequest) (*WatchResult, error) {
	ch, err := c.service.CalendarList.Watch(newChannel(req)).Context(ctx).Do()
	if err != nil {
		return nil, providerErr("calendarList.watch", err)
	}
	return watchResult("calendarList.watch", req, ch)
}

// WatchCalendarEvents opens a push channel on one calendar's events.
func (c *Client) WatchCalendarEvents(ctx context.Context, calendarID string, req WatchRequest) (*WatchResult, error) {
	ch, err := c.service.Events.Watch(calendarID, newChannel(req)).Context(ctx).Do()
	if err != nil {
		return nil, providerErr("events.watch", err)
	}
	return watchResult("events.watch", req, ch)
}

// StopWatch closes a push channel.
func (c *Client) StopWatch(ctx context.Context, channelID, resourceID string) error {
	err := c.service.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil {
		return providerErr("channels.stop", err)
	}
	return nil
}

func validated(op string, event *calendar.Event) (*calendar.Event, error) {
	if err := ValidateEvent(op, event); err != nil {
		return nil, err
	}
	return event, nil
}

func newChannel(req WatchRequest) *calendar.Channel {
	return &calendar.Channel{
		Id:         req.ID,
		Type:       channelTypeWebHook,
		Address:    req.Address,
		Token:      req.Token,
		Expiration: req.Expiration.UnixMilli(),
	}
}

func watchResult(op string, req WatchRequest, ch *calendar.Channel) (*WatchResult, error) {
	if ch == nil || ch.ResourceId == "" {
		return nil, syncerr.Validation(op, "watch response without resourceId")
	}
	expiration := req.Expiration
	if ch.Expiration > 0 {
		expiration = time.UnixMilli(ch.Expiration).UTC()
	}
	return &WatchResult{ResourceID: ch.ResourceId, Expiration: expiration}, nil
}
