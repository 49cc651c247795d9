package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/beekhof/calsync/internal/syncerr"
)

// ConfigType discriminates what a subscription watches.
type ConfigType string

const (
	ConfigCalendarList   ConfigType = "calendar-list"
	ConfigCalendarEvents ConfigType = "calendar-events"
)

// ProviderGoogle is the only provider currently deployed.
const ProviderGoogle = "google"

// SubscriptionConfig identifies the watched resource. CalendarID is only set
// for calendar-events subscriptions.
type SubscriptionConfig struct {
	Type       ConfigType
	CalendarID string
	ResourceID string
}

// SameTarget reports whether c and other watch the same list or calendar,
// regardless of the provider's current resource id.
func (c SubscriptionConfig) SameTarget(other SubscriptionConfig) bool {
	return c.Type == other.Type && c.CalendarID == other.CalendarID
}

// Subscription is a persisted watch channel; ID is the provider channel id.
type Subscription struct {
	ID                string
	AccountID         string
	Provider          string
	ProviderAccountID string
	Config            SubscriptionConfig
	Active            bool
	ExpiresAt         time.Time
	LastNotifiedAt    *time.Time
	WebhookToken      string
	UpdatedAt         time.Time
}

const subscriptionColumns = `id, account_id, provider, provider_account_id, config_type, calendar_id,
	resource_id, active, expires_at, last_notified_at, webhook_token, updated_at`

// joinedSubscriptionColumns qualifies subscriptionColumns for queries joining
// linked_accounts, which shares several column names.
const joinedSubscriptionColumns = `s.id, s.account_id, s.provider, s.provider_account_id, s.config_type,
	s.calendar_id, s.resource_id, s.active, s.expires_at, s.last_notified_at, s.webhook_token, s.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	var (
		sub                  Subscription
		configType           string
		expiresAt, updatedAt string
		lastNotified         sql.NullString
	)
	err := row.Scan(&sub.ID, &sub.AccountID, &sub.Provider, &sub.ProviderAccountID, &configType,
		&sub.Config.CalendarID, &sub.Config.ResourceID, &sub.Active, &expiresAt, &lastNotified,
		&sub.WebhookToken, &updatedAt)
	if err != nil {
		return nil, err
	}
	sub.Config.Type = ConfigType(configType)
	if sub.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if sub.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if lastNotified.Valid {
		t, err := parseTime(lastNotified.String)
		if err != nil {
			return nil, err
		}
		sub.LastNotifiedAt = &t
	}
	return &sub, nil
}

// FindActiveByID returns the active subscription with the given channel id,
// or ErrNotFound.
func (s *Store) FindActiveByID(ctx context.Context, id string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ? AND active = 1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, syncerr.Repository("subscriptions.find", err)
	}
	return sub, nil
}

// ListForUser returns the active subscriptions of every account linked by
// userID, most recently updated first. An empty provider matches any.
func (s *Store) ListForUser(ctx context.Context, userID, provider string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+joinedSubscriptionColumns+`
		FROM webhook_subscriptions s
		JOIN linked_accounts a ON a.id = s.account_id
		WHERE a.user_id = ? AND s.active = 1 AND (? = '' OR s.provider = ?)
		ORDER BY s.updated_at DESC, s.id`, userID, provider, provider)
	if err != nil {
		return nil, syncerr.Repository("subscriptions.list", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, syncerr.Repository("subscriptions.list", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Repository("subscriptions.list", err)
	}
	return subs, nil
}

// Upsert inserts sub or replaces the row with the same id.
func (s *Store) Upsert(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" || sub.AccountID == "" {
		return syncerr.Validation("subscriptions.upsert", "subscription id and account id are required")
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	var lastNotified any
	if sub.LastNotifiedAt != nil {
		lastNotified = formatTime(*sub.LastNotifiedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			provider = excluded.provider,
			provider_account_id = excluded.provider_account_id,
			config_type = excluded.config_type,
			calendar_id = excluded.calendar_id,
			resource_id = excluded.resource_id,
			active = excluded.active,
			expires_at = excluded.expires_at,
			last_notified_at = COALESCE(excluded.last_notified_at, webhook_subscriptions.last_notified_at),
			webhook_token = excluded.webhook_token,
			updated_at = excluded.updated_at`,
		sub.ID, sub.AccountID, sub.Provider, sub.ProviderAccountID, string(sub.Config.Type), sub.Config.CalendarID,
		sub.Config.ResourceID, sub.Active, formatTime(sub.ExpiresAt), lastNotified, sub.WebhookToken, formatTime(updatedAt))
	if err != nil {
		return syncerr.Repository("subscriptions.upsert", errors.Wrapf(err, "failed to upsert subscription %s", sub.ID))
	}
	return nil
}

// DeactivateByID marks a subscription inactive. Rows are never deleted.
func (s *Store) DeactivateByID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET active = 0, updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return syncerr.Repository("subscriptions.deactivate", errors.Wrapf(err, "failed to deactivate subscription %s", id))
	}
	return nil
}

// TouchLastNotified records when the provider last pushed on a channel.
func (s *Store) TouchLastNotified(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET last_notified_at = ? WHERE id = ?`, formatTime(now), id)
	if err != nil {
		return syncerr.Repository("subscriptions.touch", errors.Wrapf(err, "failed to touch subscription %s", id))
	}
	return nil
}
