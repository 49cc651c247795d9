package webhook

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beekhof/calsync/internal/realtime"
	"github.com/beekhof/calsync/internal/store"
)

// Push notification headers set by Google.
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderResourceID    = "X-Goog-Resource-ID"
	HeaderChannelToken  = "X-Goog-Channel-Token"
	HeaderResourceState = "X-Goog-Resource-State"

	resourceStateSync = "sync"
)

// Outcome is how an inbound push was handled. Every outcome is acknowledged
// to the provider.
type Outcome int

const (
	// OutcomeRejected: missing headers or a wrong channel token.
	OutcomeRejected Outcome = iota
	// OutcomeUnknownChannel: no active subscription has this channel id.
	OutcomeUnknownChannel
	// OutcomeStaleResource: the channel now watches a different resource.
	OutcomeStaleResource
	// OutcomeSync: the bootstrap ping sent when a channel opens.
	OutcomeSync
	// OutcomeChanged: a real change, published downstream.
	OutcomeChanged
	// OutcomeFailed: the subscription could not be resolved.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnknownChannel:
		return "unknown-channel"
	case OutcomeStaleResource:
		return "stale-resource"
	case OutcomeSync:
		return "sync"
	case OutcomeChanged:
		return "changed"
	default:
		return "failed"
	}
}

// FollowUp asks for a full refresh of one account's channels.
type FollowUp struct {
	AccountID string
	UserID    string
}

// Result of handling one push.
type Result struct {
	Outcome  Outcome
	FollowUp *FollowUp
}

// NotificationRepository is the subscription access the Notifier needs.
type NotificationRepository interface {
	FindActiveByID(ctx context.Context, id string) (*store.Subscription, error)
	TouchLastNotified(ctx context.Context, id string, now time.Time) error
}

// AccountLookup resolves the owner of a subscription.
type AccountLookup interface {
	GetAccount(ctx context.Context, id string) (*store.Account, error)
}

// Notifier validates inbound pushes and publishes change events.
type Notifier struct {
	repo      NotificationRepository
	accounts  AccountLookup
	publisher realtime.Publisher
	secret    string
	now       func() time.Time
	log       zerolog.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithNotifierLogger sets the notifier's logger.
func WithNotifierLogger(l zerolog.Logger) NotifierOption {
	return func(n *Notifier) { n.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) NotifierOption {
	return func(n *Notifier) { n.now = now }
}

// NewNotifier creates a Notifier checking pushes against secret.
func NewNotifier(repo NotificationRepository, accounts AccountLookup, publisher realtime.Publisher, secret string, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		repo:      repo,
		accounts:  accounts,
		publisher: publisher,
		secret:    secret,
		now:       time.Now,
		log:       log.Logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// HandleInbound processes one push. It never fails: the provider redelivers
// anything not acknowledged, so problems end in an acknowledged Outcome.
func (n *Notifier) HandleInbound(ctx context.Context, h http.Header) Result {
	channelID := h.Get(HeaderChannelID)
	resourceID := h.Get(HeaderResourceID)
	token := h.Get(HeaderChannelToken)
	state := h.Get(HeaderResourceState)
	logger := n.log.With().Str("channelID", channelID).Str("resourceID", resourceID).Logger()

	if channelID == "" || resourceID == "" {
		logger.Warn().Msg("rejected push: missing channel or resource id")
		return Result{Outcome: OutcomeRejected}
	}
	if n.secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(n.secret)) != 1 {
		logger.Warn().Msg("rejected push: channel token mismatch")
		return Result{Outcome: OutcomeRejected}
	}

	sub, err := n.repo.FindActiveByID(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug().Msg("push for unknown or inactive channel")
		return Result{Outcome: OutcomeUnknownChannel}
	}
	if err != nil {
		logger.Warn().Err(err).Msg("failed to look up channel")
		return Result{Outcome: OutcomeFailed}
	}
	// Channels minted under a previous secret stay rejected until a refresh
	// replaces them.
	if sub.WebhookToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(sub.WebhookToken)) != 1 {
		logger.Warn().Msg("rejected push: token does not match channel")
		return Result{Outcome: OutcomeRejected}
	}
	if sub.Config.ResourceID != resourceID {
		logger.Debug().Str("expectedResourceID", sub.Config.ResourceID).Msg("push for rotated resource")
		return Result{Outcome: OutcomeStaleResource}
	}

	now := n.now()
	if err := n.repo.TouchLastNotified(ctx, sub.ID, now); err != nil {
		logger.Warn().Err(err).Msg("failed to record notification time")
	}
	if state == "" || state == resourceStateSync {
		return Result{Outcome: OutcomeSync}
	}

	acct, err := n.accounts.GetAccount(ctx, sub.AccountID)
	if err != nil {
		logger.Warn().Err(err).Str("accountID", sub.AccountID).Msg("failed to resolve channel owner")
		return Result{Outcome: OutcomeFailed}
	}

	ev := realtime.NewCalendarChanged(acct.UserID, acct.ID, sub.Config.CalendarID, string(sub.Config.Type), now)
	if err := n.publisher.PublishToUser(ctx, acct.UserID, ev); err != nil {
		logger.Warn().Err(err).Str("userID", acct.UserID).Msg("failed to publish change")
	}

	res := Result{Outcome: OutcomeChanged}
	if sub.Config.Type == store.ConfigCalendarList {
		res.FollowUp = &FollowUp{AccountID: acct.ID, UserID: acct.UserID}
		logger.Debug().Str("accountID", acct.ID).Msg("calendar list changed, follow-up refresh requested")
	}
	return res
}
