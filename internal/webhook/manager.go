// Package webhook keeps Google push channels alive for linked accounts and
// turns inbound pushes into realtime change events.
package webhook

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/store"
	"github.com/beekhof/calsync/internal/syncerr"
)

const (
	DefaultRenewalBuffer   = 12 * time.Hour
	DefaultChannelLifetime = 28 * 24 * time.Hour
)

// AccountSource lists linked accounts.
type AccountSource interface {
	GetAccount(ctx context.Context, id string) (*store.Account, error)
	ListAccounts(ctx context.Context, userID, provider string) ([]*store.Account, error)
}

// ClientSource opens the push-channel API for an account.
type ClientSource interface {
	WatchClient(ctx context.Context, acct *store.Account) (calclient.WatchService, error)
}

// Repository persists subscriptions.
type Repository interface {
	FindActiveByID(ctx context.Context, id string) (*store.Subscription, error)
	ListForUser(ctx context.Context, userID, provider string) ([]*store.Subscription, error)
	Upsert(ctx context.Context, sub *store.Subscription) error
	DeactivateByID(ctx context.Context, id string) error
	TouchLastNotified(ctx context.Context, id string, now time.Time) error
}

// Options configures a Manager.
type Options struct {
	// CallbackURL is the public HTTPS endpoint the provider pushes to.
	CallbackURL string
	// Secret is sent as the channel token and checked on every push.
	Secret          string
	RenewalBuffer   time.Duration
	ChannelLifetime time.Duration
	Logger          *zerolog.Logger
	Now             func() time.Time
	NewID           func() string
}

// Manager decides when channels need (re)creation and performs the
// watch/stop calls.
type Manager struct {
	accounts AccountSource
	clients  ClientSource
	repo     Repository
	opts     Options
	log      zerolog.Logger
	group    singleflight.Group
}

// NewManager creates a Manager. Zero durations take the defaults.
func NewManager(accounts AccountSource, clients ClientSource, repo Repository, opts Options) (*Manager, error) {
	if opts.Secret == "" {
		return nil, syncerr.Validation("webhook.manager", "webhook secret must be provided")
	}
	if opts.RenewalBuffer <= 0 {
		opts.RenewalBuffer = DefaultRenewalBuffer
	}
	if opts.ChannelLifetime <= 0 {
		opts.ChannelLifetime = DefaultChannelLifetime
	}
	if opts.ChannelLifetime <= opts.RenewalBuffer {
		return nil, syncerr.Validation("webhook.manager", "channel lifetime %s must exceed renewal buffer %s",
			opts.ChannelLifetime, opts.RenewalBuffer)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	m := &Manager{accounts: accounts, clients: clients, repo: repo, opts: opts, log: log.Logger}
	if opts.Logger != nil {
		m.log = *opts.Logger
	}
	return m, nil
}

// ValidateCallbackURL rejects callback addresses the provider could never
// reach: anything but https, and loopback or private hosts.
func ValidateCallbackURL(raw string) error {
	const op = "webhook.callback"
	if raw == "" {
		return syncerr.Validation(op, "webhook callback URL must be provided")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return syncerr.Validation(op, "invalid webhook callback URL %q: %v", raw, err)
	}
	if u.Scheme != "https" {
		return syncerr.Validation(op, "webhook callback URL %q must use https", raw)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return syncerr.Validation(op, "webhook callback URL %q has no host", raw)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return syncerr.Validation(op, "webhook callback URL %q points at localhost", raw)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			return syncerr.Validation(op, "webhook callback URL %q is not publicly reachable", raw)
		}
	}
	return nil
}

// fresh reports whether sub can be left alone until the next refresh.
func (m *Manager) fresh(sub *store.Subscription, now time.Time) bool {
	return sub != nil &&
		sub.Active &&
		sub.ExpiresAt.After(now.Add(m.opts.RenewalBuffer)) &&
		sub.WebhookToken == m.opts.Secret
}

// RefreshListWatch renews the calendar-list channel of acct unless existing is
// still fresh. A nil existing is looked up in the repository.
func (m *Manager) RefreshListWatch(ctx context.Context, acct *store.Account, existing *store.Subscription) error {
	if existing == nil {
		var err error
		existing, err = m.canonical(ctx, acct, store.SubscriptionConfig{Type: store.ConfigCalendarList})
		if err != nil {
			return err
		}
	}
	client, err := m.clients.WatchClient(ctx, acct)
	if err != nil {
		return err
	}
	return m.refreshListWatch(ctx, client, acct, existing)
}

// RefreshEventsWatch renews the events channel of one calendar unless existing
// is still fresh. A nil existing is looked up in the repository.
func (m *Manager) RefreshEventsWatch(ctx context.Context, acct *store.Account, calendarID string, existing *store.Subscription) error {
	if existing == nil {
		var err error
		target := store.SubscriptionConfig{Type: store.ConfigCalendarEvents, CalendarID: calendarID}
		existing, err = m.canonical(ctx, acct, target)
		if err != nil {
			return err
		}
	}
	client, err := m.clients.WatchClient(ctx, acct)
	if err != nil {
		return err
	}
	return m.refreshEventsWatch(ctx, client, acct, calendarID, existing)
}

// DeactivateEventsWatch stops sub's channel, ignoring stop failures, and marks
// it inactive.
func (m *Manager) DeactivateEventsWatch(ctx context.Context, acct *store.Account, sub *store.Subscription) error {
	client, err := m.clients.WatchClient(ctx, acct)
	if err != nil {
		return err
	}
	return m.deactivate(ctx, client, sub)
}

func (m *Manager) refreshListWatch(ctx context.Context, client calclient.WatchService, acct *store.Account, existing *store.Subscription) error {
	target := store.SubscriptionConfig{Type: store.ConfigCalendarList}
	return m.refresh(ctx, client, acct, target, existing, func(req calclient.WatchRequest) (*calclient.WatchResult, error) {
		return client.WatchCalendarList(ctx, req)
	})
}

func (m *Manager) refreshEventsWatch(ctx context.Context, client calclient.WatchService, acct *store.Account, calendarID string, existing *store.Subscription) error {
	if calendarID == "" {
		return syncerr.Validation("webhook.refresh", "calendar id is required")
	}
	target := store.SubscriptionConfig{Type: store.ConfigCalendarEvents, CalendarID: calendarID}
	err := m.refresh(ctx, client, acct, target, existing, func(req calclient.WatchRequest) (*calclient.WatchResult, error) {
		return client.WatchCalendarEvents(ctx, calendarID, req)
	})
	if calclient.IsPushNotSupported(err) {
		m.log.Info().Str("accountID", acct.ID).Str("calendarID", calendarID).
			Msg("calendar does not support push notifications, skipping")
		return nil
	}
	return err
}

func (m *Manager) refresh(
	ctx context.Context,
	client calclient.WatchService,
	acct *store.Account,
	target store.SubscriptionConfig,
	existing *store.Subscription,
	watch func(calclient.WatchRequest) (*calclient.WatchResult, error),
) error {
	now := m.opts.Now()
	if m.fresh(existing, now) {
		return nil
	}
	if err := ValidateCallbackURL(m.opts.CallbackURL); err != nil {
		return err
	}

	id := ""
	if existing != nil {
		m.stop(ctx, client, existing)
		id = existing.ID
	}
	if id == "" {
		id = m.opts.NewID()
	}

	res, err := watch(calclient.WatchRequest{
		ID:         id,
		Address:    m.opts.CallbackURL,
		Token:      m.opts.Secret,
		Expiration: now.Add(m.opts.ChannelLifetime),
	})
	if err != nil {
		return err
	}

	target.ResourceID = res.ResourceID
	sub := &store.Subscription{
		ID:                id,
		AccountID:         acct.ID,
		Provider:          store.ProviderGoogle,
		ProviderAccountID: acct.ProviderAccountID,
		Config:            target,
		Active:            true,
		ExpiresAt:         res.Expiration,
		WebhookToken:      m.opts.Secret,
		UpdatedAt:         now,
	}
	if err := m.repo.Upsert(ctx, sub); err != nil {
		return errors.Wrapf(err, "failed to record channel %s", id)
	}
	m.log.Info().Str("accountID", acct.ID).Str("channelID", id).Str("type", string(target.Type)).
		Str("calendarID", target.CalendarID).Time("expiresAt", res.Expiration).Msg("watch channel renewed")
	return nil
}

// stop closes a channel at the provider. Stopping an expired or already
// stopped channel fails harmlessly, so errors are only logged.
func (m *Manager) stop(ctx context.Context, client calclient.WatchService, sub *store.Subscription) {
	if sub.Config.ResourceID == "" {
		return
	}
	if err := client.StopWatch(ctx, sub.ID, sub.Config.ResourceID); err != nil {
		m.log.Debug().Err(err).Str("channelID", sub.ID).Msg("failed to stop channel")
	}
}

func (m *Manager) deactivate(ctx context.Context, client calclient.WatchService, sub *store.Subscription) error {
	m.stop(ctx, client, sub)
	if err := m.repo.DeactivateByID(ctx, sub.ID); err != nil {
		return errors.Wrapf(err, "failed to deactivate channel %s", sub.ID)
	}
	m.log.Info().Str("accountID", sub.AccountID).Str("channelID", sub.ID).
		Str("calendarID", sub.Config.CalendarID).Msg("watch channel deactivated")
	return nil
}

// canonical returns the most recently updated active subscription of acct for
// target, or nil.
func (m *Manager) canonical(ctx context.Context, acct *store.Account, target store.SubscriptionConfig) (*store.Subscription, error) {
	subs, err := m.repo.ListForUser(ctx, acct.UserID, store.ProviderGoogle)
	if err != nil {
		return nil, err
	}
	return pickCanonical(subs, acct.ID, target), nil
}

func pickCanonical(subs []*store.Subscription, accountID string, target store.SubscriptionConfig) *store.Subscription {
	var best *store.Subscription
	for _, sub := range subs {
		if sub.AccountID != accountID || !sub.Active || !sub.Config.SameTarget(target) {
			continue
		}
		if best == nil || sub.UpdatedAt.After(best.UpdatedAt) {
			best = sub
		}
	}
	return best
}
