package webhook

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/beekhof/calsync/internal/store"
	"github.com/beekhof/calsync/internal/syncerr"
)

func testAccount(id, userID string) *store.Account {
	return &store.Account{ID: id, UserID: userID, Provider: store.ProviderGoogle, ProviderAccountID: id + "@example.com"}
}

type managerFixture struct {
	manager  *Manager
	repo     *fakeRepo
	clients  *fakeClients
	accounts fakeAccounts
	now      time.Time
}

func newManagerFixture(t *testing.T, accounts fakeAccounts, subs ...*store.Subscription) *managerFixture {
	t.Helper()
	f := &managerFixture{
		repo:     newFakeRepo(accounts, subs...),
		clients:  &fakeClients{clients: map[string]*fakeWatch{}, errs: map[string]error{}},
		accounts: accounts,
		now:      baseNow,
	}
	for id := range accounts {
		f.clients.clients[id] = &fakeWatch{}
	}
	nop := zerolog.Nop()
	ids := 0
	m, err := NewManager(accounts, f.clients, f.repo, Options{
		CallbackURL: callbackURL,
		Secret:      secret,
		Logger:      &nop,
		Now:         func() time.Time { return f.now },
		NewID: func() string {
			ids++
			return fmt.Sprintf("chan-%d", ids)
		},
	})
	require.NoError(t, err)
	f.manager = m
	return f
}

func eventsSub(id, accountID, calendarID string, expiresAt, updatedAt time.Time) *store.Subscription {
	return &store.Subscription{
		ID:           id,
		AccountID:    accountID,
		Provider:     store.ProviderGoogle,
		Config:       store.SubscriptionConfig{Type: store.ConfigCalendarEvents, CalendarID: calendarID, ResourceID: "res-" + id},
		Active:       true,
		ExpiresAt:    expiresAt,
		WebhookToken: secret,
		UpdatedAt:    updatedAt,
	}
}

func TestNewManager_RequiresSecret(t *testing.T) {
	_, err := NewManager(fakeAccounts{}, &fakeClients{}, newFakeRepo(fakeAccounts{}), Options{CallbackURL: callbackURL})
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))

	_, err = NewManager(fakeAccounts{}, &fakeClients{}, newFakeRepo(fakeAccounts{}), Options{
		Secret:          secret,
		RenewalBuffer:   48 * time.Hour,
		ChannelLifetime: 24 * time.Hour,
	})
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))
}

func TestRefreshEventsWatch_SecondCallIsNoop(t *testing.T) {
	acct := testAccount("acct-1", "user-1")
	f := newManagerFixture(t, fakeAccounts{acct.ID: acct})
	ctx := context.Background()

	require.NoError(t, f.manager.RefreshEventsWatch(ctx, acct, "primary", nil))
	require.NoError(t, f.manager.RefreshEventsWatch(ctx, acct, "primary", nil))

	client := f.clients.clients[acct.ID]
	require.Len(t, client.watches, 1)
	assert.Empty(t, client.stops)

	req := client.watches[0].Request
	assert.Equal(t, "chan-1", req.ID)
	assert.Equal(t, callbackURL, req.Address)
	assert.Equal(t, secret, req.Token)
	assert.Equal(t, baseNow.Add(DefaultChannelLifetime), req.Expiration)

	sub := f.repo.get("chan-1")
	require.NotNil(t, sub)
	assert.True(t, sub.Active)
	assert.Equal(t, store.ConfigCalendarEvents, sub.Config.Type)
	assert.Equal(t, "primary", sub.Config.CalendarID)
	assert.Equal(t, "res-chan-1-1", sub.Config.ResourceID)
	assert.Equal(t, acct.ProviderAccountID, sub.ProviderAccountID)
}

func TestRefreshEventsWatch_Renewal(t *testing.T) {
	acct := testAccount("acct-1", "user-1")

	tests := []struct {
		name      string
		existing  *store.Subscription
		wantWatch bool
	}{
		{
			name:     "fresh",
			existing: eventsSub("chan-a", acct.ID, "primary", baseNow.Add(13*time.Hour), baseNow),
		},
		{
			name:      "inside renewal buffer",
			existing:  eventsSub("chan-a", acct.ID, "primary", baseNow.Add(11*time.Hour), baseNow),
			wantWatch: true,
		},
		{
			name:      "expired",
			existing:  eventsSub("chan-a", acct.ID, "primary", baseNow.Add(-time.Hour), baseNow),
			wantWatch: true,
		},
		{
			name: "rotated secret",
			existing: func() *store.Subscription {
				s := eventsSub("chan-a", acct.ID, "primary", baseNow.Add(72*time.Hour), baseNow)
				s.WebhookToken = "old-secret"
				return s
			}(),
			wantWatch: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t, fakeAccounts{acct.ID: acct}, tt.existing)
			require.NoError(t, f.manager.RefreshEventsWatch(context.Background(), acct, "primary", tt.existing))

			client := f.clients.clients[acct.ID]
			if !tt.wantWatch {
				assert.Empty(t, client.watches)
				assert.Empty(t, client.stops)
				assert.Zero(t, f.repo.upserts)
				return
			}
			require.Len(t, client.stops, 1)
			assert.Equal(t, stopCall{ChannelID: "chan-a", ResourceID: "res-chan-a"}, client.stops[0])
			require.Len(t, client.watches, 1)
			assert.Equal(t, "chan-a", client.watches[0].Request.ID, "channel id is reused")

			sub := f.repo.get("chan-a")
			assert.Equal(t, "res-chan-a-1", sub.Config.ResourceID)
			assert.Equal(t, secret, sub.WebhookToken)
			assert.True(t, sub.ExpiresAt.Equal(baseNow.Add(DefaultChannelLifetime)))
		})
	}
}

func TestRefreshEventsWatch_StopFailureIgnored(t *testing.T) {
	acct := testAccount("acct-1", "user-1")
	existing := eventsSub("chan-a", acct.ID, "primary", baseNow.Add(-time.Hour), baseNow)
	f := newManagerFixture(t, fakeAccounts{acct.ID: acct}, existing)
	f.clients.clients[acct.ID].stopErr = errors.New("channel not found")

	require.NoError(t, f.manager.RefreshEventsWatch(context.Background(), acct, "primary", existing))
	assert.Len(t, f.clients.clients[acct.ID].watches, 1)
}

func TestRefreshEventsWatch_PushNotSupported(t *testing.T) {
	acct := testAccount("acct-1", "user-1")
	f := newManagerFixture(t, fakeAccounts{acct.ID: acct})
	holidays := "en.usa#holiday@group.v.calendar.google.com"
	f.clients.clients[acct.ID].watchErr = map[string]error{holidays: pushNotSupported()}

	require.NoError(t, f.manager.RefreshEventsWatch(context.Background(), acct, holidays, nil))
	assert.Zero(t, f.repo.upserts)
}

func TestRefreshEventsWatch_ProviderFailure(t *testing.T) {
	acct := testAccount("acct-1", "user-1")
	f := newManagerFixture(t, fakeAccounts{acct.ID: acct})
	f.clients.clients[acct.ID].watchErr = map[string]error{"primary": syncerr.Provider("events.watch", errors.New("boom"))}

	err := f.manager.RefreshEventsWatch(context.Background(), acct, "primary", nil)
	assert.True(t, syncerr.Is(err, syncerr.KindProvider))
	assert.Zero(t, f.repo.upserts)
}

func TestRefreshListWatch_InvalidCallback(t *testing.T) {
	acct := testAccount("acct-1", "user-1")
	f := newManagerFixture(t, fakeAccounts{acct.ID: acct})
	f.manager.opts.CallbackURL = "http://localhost:8080/webhooks/google"

	err := f.manager.RefreshListWatch(context.Background(), acct, nil)
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))
	assert.Empty(t, f.clients.clients[acct.ID].watches)
	assert.Empty(t, f.clients.clients[acct.ID].stops)
}

func TestValidateCallbackURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{url: "https://calsync.example.com/webhooks/google"},
		{url: "https://203.0.113.10/hook"},
		{url: "", wantErr: true},
		{url: "http://calsync.example.com/webhooks/google", wantErr: true},
		{url: "https://localhost/hook", wantErr: true},
		{url: "https://app.localhost/hook", wantErr: true},
		{url: "https://127.0.0.1:8443/hook", wantErr: true},
		{url: "https://[::1]/hook", wantErr: true},
		{url: "https://10.1.2.3/hook", wantErr: true},
		{url: "https:///hook", wantErr: true},
		{url: "://bad", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateCallbackURL(tt.url)
			if tt.wantErr {
				assert.True(t, syncerr.Is(err, syncerr.KindValidation), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDeactivateEventsWatch(t *testing.T) {
	acct := testAccount("acct-1", "user-1")
	sub := eventsSub("chan-a", acct.ID, "shared", baseNow.Add(72*time.Hour), baseNow)
	f := newManagerFixture(t, fakeAccounts{acct.ID: acct}, sub)
	f.clients.clients[acct.ID].stopErr = errors.New("already stopped")

	require.NoError(t, f.manager.DeactivateEventsWatch(context.Background(), acct, sub))
	assert.False(t, f.repo.get("chan-a").Active)
	assert.Len(t, f.clients.clients[acct.ID].stops, 1)
}

func TestRefreshAll(t *testing.T) {
	good := testAccount("acct-1", "user-1")
	revoked := testAccount("acct-2", "user-1")
	other := testAccount("acct-3", "user-2")
	accounts := fakeAccounts{good.ID: good, revoked.ID: revoked, other.ID: other}

	far := baseNow.Add(20 * 24 * time.Hour)
	staleDup := eventsSub("chan-old", good.ID, "primary", far, baseNow.Add(-2*time.Hour))
	newestDup := eventsSub("chan-new", good.ID, "primary", baseNow.Add(time.Hour), baseNow.Add(-time.Hour))
	removed := eventsSub("chan-removed", good.ID, "gone", far, baseNow)

	f := newManagerFixture(t, accounts, staleDup, newestDup, removed)
	f.clients.errs[revoked.ID] = syncerr.Auth("auth.token", errors.New("invalid_grant"))
	client := f.clients.clients[good.ID]
	client.calendars = []*calendar.CalendarListEntry{
		{Id: "primary"},
		{Id: "team"},
		{Id: "hidden", Hidden: true},
		{Id: "en.usa#holiday@group.v.calendar.google.com"},
	}
	client.watchErr = map[string]error{"en.usa#holiday@group.v.calendar.google.com": pushNotSupported()}

	require.NoError(t, f.manager.RefreshAll(context.Background(), "user-1", ""))

	assert.Equal(t, []string{"", "en.usa#holiday@group.v.calendar.google.com", "primary", "team"}, client.watchedCalendars())

	// the most recently updated duplicate is canonical and is renewed in place
	renewed := f.repo.get("chan-new")
	assert.True(t, renewed.ExpiresAt.Equal(baseNow.Add(DefaultChannelLifetime)))
	assert.True(t, f.repo.get("chan-old").Active, "older duplicates are left alone")

	assert.False(t, f.repo.get("chan-removed").Active)
	assert.Contains(t, client.stops, stopCall{ChannelID: "chan-removed", ResourceID: "res-chan-removed"})

	assert.Empty(t, f.clients.clients[other.ID].watches)
}

func TestRefreshAll_ListCalendarsFailure(t *testing.T) {
	acct := testAccount("acct-1", "user-1")
	existing := eventsSub("chan-a", acct.ID, "primary", baseNow.Add(72*time.Hour), baseNow)
	f := newManagerFixture(t, fakeAccounts{acct.ID: acct}, existing)
	f.clients.clients[acct.ID].listErr = syncerr.Provider("calendarList.list", errors.New("503"))

	require.NoError(t, f.manager.RefreshAll(context.Background(), "user-1", ""))
	assert.Equal(t, []string{""}, f.clients.clients[acct.ID].watchedCalendars())
	assert.True(t, f.repo.get("chan-a").Active, "nothing is deactivated without a calendar list")
}

func TestRefreshAll_SingleAccount(t *testing.T) {
	a1 := testAccount("acct-1", "user-1")
	a2 := testAccount("acct-2", "user-1")
	f := newManagerFixture(t, fakeAccounts{a1.ID: a1, a2.ID: a2})

	require.NoError(t, f.manager.RefreshAll(context.Background(), "user-1", "acct-2"))
	assert.Empty(t, f.clients.clients[a1.ID].watches)
	assert.Len(t, f.clients.clients[a2.ID].watches, 1)

	err := f.manager.RefreshAll(context.Background(), "user-2", "acct-2")
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))
	err = f.manager.RefreshAll(context.Background(), "user-1", "missing")
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))
	err = f.manager.RefreshAll(context.Background(), "", "")
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))
}

func TestRefreshAll_Idempotent(t *testing.T) {
	acct := testAccount("acct-1", "user-1")
	f := newManagerFixture(t, fakeAccounts{acct.ID: acct})
	f.clients.clients[acct.ID].calendars = []*calendar.CalendarListEntry{{Id: "primary"}}

	require.NoError(t, f.manager.RefreshAll(context.Background(), "user-1", ""))
	require.NoError(t, f.manager.RefreshAll(context.Background(), "user-1", ""))
	assert.Len(t, f.clients.clients[acct.ID].watches, 2, "one list and one events watch, created once")
}
