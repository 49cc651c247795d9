package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/syncerr"
)

// fakeEvents is an in-memory EventService for one calendar.
type fakeEvents struct {
	mu        sync.Mutex
	events    map[string]*calendar.Event
	updated   []*calendar.Event
	deleted   []string
	updateErr error
}

func (f *fakeEvents) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]*calendar.Event, error) {
	return nil, nil
}

func (f *fakeEvents) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[eventID]
	if !ok {
		return nil, syncerr.Provider("events.get", errors.Errorf("event %s not found", eventID))
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeEvents) CreateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeEvents) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updated = append(f.updated, event)
	cp := *event
	cp.Id = eventID
	return &cp, nil
}

func (f *fakeEvents) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeEvents) MoveEvent(ctx context.Context, calendarID, eventID, destinationID string) (*calendar.Event, error) {
	return nil, errors.New("not implemented")
}

type fakeClients struct {
	events *fakeEvents
	err    error
	calls  []string
}

func (f *fakeClients) EventClient(ctx context.Context, accountID, userID string) (calclient.EventService, error) {
	f.calls = append(f.calls, userID+"/"+accountID)
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeRefresher) RefreshAll(ctx context.Context, userID, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+"/"+accountID)
	return f.errs[userID]
}

type fakeUsers []string

func (f fakeUsers) ListUserIDs(ctx context.Context, provider string) ([]string, error) {
	return f, nil
}

type fixture struct {
	server    *Server
	events    *fakeEvents
	clients   *fakeClients
	refresher *fakeRefresher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := &fakeEvents{events: map[string]*calendar.Event{
		"standalone": {
			Id:      "standalone",
			Summary: "Dentist",
			Start:   &calendar.EventDateTime{DateTime: "2024-03-04T10:00:00Z"},
			End:     &calendar.EventDateTime{DateTime: "2024-03-04T11:00:00Z"},
		},
	}}
	f := &fixture{
		events:    events,
		clients:   &fakeClients{events: events},
		refresher: &fakeRefresher{errs: map[string]error{}},
	}
	nop := zerolog.Nop()
	f.server = New(Deps{
		Webhook: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("push"))
		}),
		Clients:   f.clients,
		Refresher: f.refresher,
		Users:     fakeUsers{"user-1", "user-2"},
		Logger:    &nop,
	})
	return f
}

func (f *fixture) do(method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestWebhookRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/webhooks/google", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "push", rec.Body.String())

	rec = f.do(http.MethodGet, "/webhooks/google", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMutate_UpdateJSON(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/users/user-1/events/mutate", "application/json", `{
		"accountId": "acct-1",
		"calendarId": "primary",
		"eventId": "standalone",
		"scope": "this",
		"operation": "update",
		"payload": {
			"summary": "Dentist (moved)",
			"start": {"dateTime": "2024-03-04T14:00:00Z"},
			"end": {"dateTime": "2024-03-04T15:00:00Z"}
		}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got calendar.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "standalone", got.Id)
	assert.Equal(t, "Dentist (moved)", got.Summary)

	assert.Equal(t, []string{"user-1/acct-1"}, f.clients.calls)
	require.Len(t, f.events.updated, 1)
	assert.Equal(t, "2024-03-04T14:00:00Z", f.events.updated[0].Start.DateTime)
}

func TestMutate_DeleteReturnsNoContent(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/users/user-1/events/mutate", "application/json",
		`{"accountId":"acct-1","calendarId":"primary","eventId":"standalone","scope":"this","operation":"delete"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"standalone"}, f.events.deleted)
}

func TestMutate_ICalendarPayload(t *testing.T) {
	f := newFixture(t)
	body := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:client-uid",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240304T160000Z",
		"DTEND:20240304T170000Z",
		"SUMMARY:From ics",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
	rec := f.do(http.MethodPost,
		"/api/users/user-1/events/mutate?accountId=acct-1&calendarId=primary&eventId=standalone&scope=this&operation=update",
		"text/calendar; charset=utf-8", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, f.events.updated, 1)
	sent := f.events.updated[0]
	assert.Equal(t, "From ics", sent.Summary)
	assert.Equal(t, "2024-03-04T16:00:00Z", sent.Start.DateTime)
	assert.Empty(t, sent.ICalUID)
}

func TestMutate_Errors(t *testing.T) {
	valid := func(scope, operation string) string {
		return `{"accountId":"acct-1","calendarId":"primary","eventId":"standalone","scope":"` + scope +
			`","operation":"` + operation + `","payload":{"summary":"x"}}`
	}
	tests := []struct {
		name       string
		body       string
		clientErr  error
		updateErr  error
		wantStatus int
		wantKind   string
	}{
		{name: "bad scope", body: valid("some", "update"), wantStatus: http.StatusBadRequest, wantKind: "ValidationError"},
		{name: "bad operation", body: valid("this", "copy"), wantStatus: http.StatusBadRequest, wantKind: "ValidationError"},
		{name: "malformed json", body: `{"accountId":`, wantStatus: http.StatusBadRequest, wantKind: "ValidationError"},
		{name: "unknown field", body: `{"accountId":"a","colour":"red"}`, wantStatus: http.StatusBadRequest, wantKind: "ValidationError"},
		{
			name:       "unknown payload field",
			body:       `{"accountId":"acct-1","calendarId":"primary","eventId":"standalone","scope":"this","operation":"update","payload":{"colour":"red"}}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "ValidationError",
		},
		{
			name:       "missing account",
			body:       `{"calendarId":"primary","eventId":"standalone","scope":"this","operation":"delete"}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "ValidationError",
		},
		{
			name:       "revoked account",
			body:       valid("this", "update"),
			clientErr:  syncerr.Auth("auth.token", errors.New("token revoked")),
			wantStatus: http.StatusUnauthorized,
			wantKind:   "AuthError",
		},
		{
			name:       "provider failure",
			body:       valid("this", "update"),
			updateErr:  syncerr.Provider("events.update", errors.New("backend error")),
			wantStatus: http.StatusBadGateway,
			wantKind:   "ProviderError",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.clients.err = tt.clientErr
			f.events.updateErr = tt.updateErr

			rec := f.do(http.MethodPost, "/api/users/user-1/events/mutate", "application/json", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantKind, decodeError(t, rec).Error)
		})
	}
}

func TestRefreshRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/users/user-1/webhooks/refresh?accountId=acct-1", "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"user-1/acct-1"}, f.refresher.calls)

	f.refresher.errs["user-2"] = syncerr.Validation("webhook.refresh", "account acct-9 not found")
	rec = f.do(http.MethodPost, "/api/users/user-2/webhooks/refresh?accountId=acct-9", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ValidationError", decodeError(t, rec).Error)
}

func TestRefreshEveryone(t *testing.T) {
	f := newFixture(t)
	f.refresher.errs["user-1"] = syncerr.Validation("webhook.refresh", "invalid callback")

	require.NoError(t, f.server.RefreshEveryone(context.Background()))
	assert.Equal(t, []string{"user-1/", "user-2/"}, f.refresher.calls)
}

func TestSchedule_InvalidExpression(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.server.Schedule(context.Background(), "whenever"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(syncerr.KindRepository))
	assert.Equal(t, http.StatusInternalServerError, statusFor(syncerr.KindUnknown))
}
