package webhook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/realtime"
	"github.com/beekhof/calsync/internal/store"
	"github.com/beekhof/calsync/internal/syncerr"
)

var (
	callbackURL = "https://calsync.example.com/webhooks/google"
	secret      = "s3cret"
	baseNow     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type watchCall struct {
	CalendarID string // empty for the calendar list
	Request    calclient.WatchRequest
}

type stopCall struct {
	ChannelID  string
	ResourceID string
}

// fakeWatch records watch and stop calls against one account.
type fakeWatch struct {
	mu           sync.Mutex
	calendars    []*calendar.CalendarListEntry
	listErr      error
	watchErr     map[string]error
	stopErr      error
	watches      []watchCall
	stops        []stopCall
	nextResource int
}

func (f *fakeWatch) ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.calendars, nil
}

func (f *fakeWatch) watch(calendarID string, req calclient.WatchRequest) (*calclient.WatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches = append(f.watches, watchCall{CalendarID: calendarID, Request: req})
	if err := f.watchErr[calendarID]; err != nil {
		return nil, err
	}
	f.nextResource++
	return &calclient.WatchResult{
		ResourceID: fmt.Sprintf("res-%s-%d", req.ID, f.nextResource),
		Expiration: req.Expiration,
	}, nil
}

func (f *fakeWatch) WatchCalendarList(ctx context.Context, req calclient.WatchRequest) (*calclient.WatchResult, error) {
	return f.watch("", req)
}

func (f *fakeWatch) WatchCalendarEvents(ctx context.Context, calendarID string, req calclient.WatchRequest) (*calclient.WatchResult, error) {
	return f.watch(calendarID, req)
}

func (f *fakeWatch) StopWatch(ctx context.Context, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, stopCall{ChannelID: channelID, ResourceID: resourceID})
	return f.stopErr
}

func (f *fakeWatch) watchedCalendars() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, w := range f.watches {
		ids = append(ids, w.CalendarID)
	}
	sort.Strings(ids)
	return ids
}

// fakeClients hands out one fakeWatch per account, or an error.
type fakeClients struct {
	clients map[string]*fakeWatch
	errs    map[string]error
}

func (f *fakeClients) WatchClient(ctx context.Context, acct *store.Account) (calclient.WatchService, error) {
	if err := f.errs[acct.ID]; err != nil {
		return nil, err
	}
	c, ok := f.clients[acct.ID]
	if !ok {
		return nil, errors.Errorf("no client for %s", acct.ID)
	}
	return c, nil
}

// fakeAccounts is an in-memory AccountSource.
type fakeAccounts map[string]*store.Account

func (f fakeAccounts) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	a, ok := f[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f fakeAccounts) ListAccounts(ctx context.Context, userID, provider string) ([]*store.Account, error) {
	var out []*store.Account
	for _, a := range f {
		if a.UserID == userID && a.Provider == provider {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// fakeRepo is an in-memory Repository keyed by channel id.
type fakeRepo struct {
	mu       sync.Mutex
	accounts fakeAccounts
	subs     map[string]*store.Subscription
	upserts  int
	touched  map[string]time.Time
	findErr  error
}

func newFakeRepo(accounts fakeAccounts, subs ...*store.Subscription) *fakeRepo {
	r := &fakeRepo{accounts: accounts, subs: map[string]*store.Subscription{}, touched: map[string]time.Time{}}
	for _, s := range subs {
		cp := *s
		r.subs[s.ID] = &cp
	}
	return r
}

func (r *fakeRepo) FindActiveByID(ctx context.Context, id string) (*store.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	s, ok := r.subs[id]
	if !ok || !s.Active {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) ListForUser(ctx context.Context, userID, provider string) ([]*store.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*store.Subscription
	for _, s := range r.subs {
		acct, ok := r.accounts[s.AccountID]
		if !ok || acct.UserID != userID || !s.Active {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *fakeRepo) Upsert(ctx context.Context, sub *store.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subs[sub.ID] = &cp
	r.upserts++
	return nil
}

func (r *fakeRepo) DeactivateByID(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[id]; ok {
		s.Active = false
	}
	return nil
}

func (r *fakeRepo) TouchLastNotified(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched[id] = now
	return nil
}

func (r *fakeRepo) get(id string) *store.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []realtime.Event
	err    error
}

func (p *fakePublisher) PublishToUser(ctx context.Context, userID string, ev realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func pushNotSupported() error {
	return syncerr.Provider("events.watch", &googleapi.Error{
		Code:    400,
		Message: "Push notifications are not supported by this resource.",
		Errors:  []googleapi.ErrorItem{{Reason: "pushNotSupportedForRequestedResource"}},
	})
}
