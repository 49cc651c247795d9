package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/recurrence"
	"github.com/beekhof/calsync/internal/syncerr"
)

const instanceStamp = "20060102T150405Z"

// call is one request made against fakeEvents.
type call struct {
	Op         string
	CalendarID string
	EventID    string
	Event      *calendar.Event
}

// fakeEvents is an in-memory provider. Masters expand into instances named
// "<masterID>_<UTC stamp>" the way the real provider names them; updating an
// instance stores an exception.
type fakeEvents struct {
	mu         sync.Mutex
	calendars  map[string]map[string]*calendar.Event
	calls      []call
	failCreate error
	onUpdate   func()
	nextID     int
}

var _ calclient.EventService = (*fakeEvents)(nil)

func newFakeEvents(calendarID string, events ...*calendar.Event) *fakeEvents {
	f := &fakeEvents{calendars: map[string]map[string]*calendar.Event{}}
	for _, ev := range events {
		f.put(calendarID, ev.Id, ev)
	}
	return f
}

func clone(ev *calendar.Event) *calendar.Event {
	data, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	var out calendar.Event
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

func notFound(op, id string) error {
	return syncerr.Provider(op, &googleapi.Error{Code: 404, Message: "not found: " + id})
}

func (f *fakeEvents) put(calendarID, id string, ev *calendar.Event) *calendar.Event {
	if f.calendars[calendarID] == nil {
		f.calendars[calendarID] = map[string]*calendar.Event{}
	}
	stored := clone(ev)
	stored.Id = id
	f.calendars[calendarID][id] = stored
	return clone(stored)
}

func (f *fakeEvents) record(op, calendarID, eventID string, ev *calendar.Event) {
	var c *calendar.Event
	if ev != nil {
		c = clone(ev)
	}
	f.calls = append(f.calls, call{Op: op, CalendarID: calendarID, EventID: eventID, Event: c})
}

// writes returns the recorded non-read calls.
func (f *fakeEvents) writes() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Op != "get" && c.Op != "list" {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeEvents) instance(calendarID, id string) (*calendar.Event, bool) {
	masterID, stamp, ok := strings.Cut(id, "_")
	if !ok {
		return nil, false
	}
	master, ok := f.calendars[calendarID][masterID]
	if !ok || len(master.Recurrence) == 0 {
		return nil, false
	}
	at, err := time.Parse(instanceStamp, stamp)
	if err != nil {
		return nil, false
	}
	return f.synthesize(master, at), true
}

func (f *fakeEvents) synthesize(master *calendar.Event, at time.Time) *calendar.Event {
	ms, _ := time.Parse(time.RFC3339, master.Start.DateTime)
	me, _ := time.Parse(time.RFC3339, master.End.DateTime)
	inst := clone(master)
	inst.Id = master.Id + "_" + at.UTC().Format(instanceStamp)
	inst.Recurrence = nil
	inst.RecurringEventId = master.Id
	inst.OriginalStartTime = &calendar.EventDateTime{DateTime: at.Format(time.RFC3339)}
	inst.Start = &calendar.EventDateTime{DateTime: at.Format(time.RFC3339)}
	inst.End = &calendar.EventDateTime{DateTime: at.Add(me.Sub(ms)).Format(time.RFC3339)}
	return inst
}

func (f *fakeEvents) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list", calendarID, "", nil)

	var out []*calendar.Event
	for id, ev := range f.calendars[calendarID] {
		if ev.RecurringEventId != "" {
			continue
		}
		if len(ev.Recurrence) == 0 {
			start, _, err := recurrence.ParseEventTime(ev.Start)
			if err == nil && ev.Status != calclient.StatusCancelled && !start.Before(timeMin) && start.Before(timeMax) {
				out = append(out, clone(ev))
			}
			continue
		}
		start, _, err := recurrence.ParseEventTime(ev.Start)
		if err != nil {
			return nil, err
		}
		occurrences, err := recurrence.Between(ev.Recurrence, start, timeMin, timeMax)
		if err != nil {
			return nil, err
		}
		for _, at := range occurrences {
			instID := id + "_" + at.UTC().Format(instanceStamp)
			if exc, ok := f.calendars[calendarID][instID]; ok {
				if exc.Status != calclient.StatusCancelled {
					out = append(out, clone(exc))
				}
				continue
			}
			out = append(out, f.synthesize(ev, at))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (f *fakeEvents) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get", calendarID, eventID, nil)
	if ev, ok := f.calendars[calendarID][eventID]; ok {
		return clone(ev), nil
	}
	if inst, ok := f.instance(calendarID, eventID); ok {
		return inst, nil
	}
	return nil, notFound("events.get", eventID)
}

func (f *fakeEvents) CreateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create", calendarID, "", event)
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Provider("events.insert", err)
	}
	f.nextID++
	return f.put(calendarID, fmt.Sprintf("new%d", f.nextID), event), nil
}

func (f *fakeEvents) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update", calendarID, eventID, event)
	if f.onUpdate != nil {
		hook := f.onUpdate
		f.onUpdate = nil
		hook()
	}
	if _, ok := f.calendars[calendarID][eventID]; !ok {
		if _, ok := f.instance(calendarID, eventID); !ok {
			return nil, notFound("events.update", eventID)
		}
	}
	return f.put(calendarID, eventID, event), nil
}

func (f *fakeEvents) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete", calendarID, eventID, nil)
	if _, ok := f.calendars[calendarID][eventID]; !ok {
		return notFound("events.delete", eventID)
	}
	delete(f.calendars[calendarID], eventID)
	return nil
}

func (f *fakeEvents) MoveEvent(ctx context.Context, calendarID, eventID, destinationID string) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("move", calendarID, eventID, nil)
	ev, ok := f.calendars[calendarID][eventID]
	if !ok {
		if inst, isInst := f.instance(calendarID, eventID); isInst {
			ev = inst
		} else {
			return nil, notFound("events.move", eventID)
		}
	}
	delete(f.calendars[calendarID], eventID)
	return f.put(destinationID, eventID, ev), nil
}
