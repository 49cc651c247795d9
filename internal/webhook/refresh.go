package webhook

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/store"
	"github.com/beekhof/calsync/internal/syncerr"
)

// RefreshAll brings every channel of userID's Google accounts (or only
// accountID, when set) up to date. It returns only input and configuration
// errors; failures of individual accounts and calendars are logged and do not
// affect the others. Concurrent calls for the same user and account share one
// run.
func (m *Manager) RefreshAll(ctx context.Context, userID, accountID string) error {
	const op = "webhook.refreshAll"
	if userID == "" {
		return syncerr.Validation(op, "user id is required")
	}
	if err := ValidateCallbackURL(m.opts.CallbackURL); err != nil {
		return err
	}
	_, err, _ := m.group.Do(userID+"/"+accountID, func() (any, error) {
		return nil, m.refreshAll(ctx, userID, accountID)
	})
	return err
}

func (m *Manager) refreshAll(ctx context.Context, userID, accountID string) error {
	accounts, err := m.accountsFor(ctx, userID, accountID)
	if err != nil {
		return err
	}
	subs, err := m.repo.ListForUser(ctx, userID, store.ProviderGoogle)
	if err != nil {
		return err
	}
	byAccount := map[string][]*store.Subscription{}
	for _, sub := range subs {
		byAccount[sub.AccountID] = append(byAccount[sub.AccountID], sub)
	}

	p := pool.New().WithContext(ctx)
	for _, acct := range accounts {
		p.Go(func(ctx context.Context) error {
			m.refreshAccount(ctx, acct, byAccount[acct.ID])
			return nil
		})
	}
	return p.Wait()
}

func (m *Manager) accountsFor(ctx context.Context, userID, accountID string) ([]*store.Account, error) {
	const op = "webhook.refreshAll"
	if accountID == "" {
		return m.accounts.ListAccounts(ctx, userID, store.ProviderGoogle)
	}
	acct, err := m.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, syncerr.Validation(op, "account %s is not linked", accountID)
	}
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID || acct.Provider != store.ProviderGoogle {
		return nil, syncerr.Validation(op, "account %s is not a Google account of user %s", accountID, userID)
	}
	return []*store.Account{acct}, nil
}

// refreshAccount renews the list channel and one channel per visible calendar,
// and retires channels of calendars that left the list. Every task runs
// concurrently and its failure is only logged.
func (m *Manager) refreshAccount(ctx context.Context, acct *store.Account, subs []*store.Subscription) {
	logger := m.log.With().Str("userID", acct.UserID).Str("accountID", acct.ID).Logger()

	client, err := m.clients.WatchClient(ctx, acct)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to open calendar client, skipping account")
		return
	}

	p := pool.New().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		existing := pickCanonical(subs, acct.ID, store.SubscriptionConfig{Type: store.ConfigCalendarList})
		if err := m.refreshListWatch(ctx, client, acct, existing); err != nil {
			logger.Warn().Err(err).Msg("failed to refresh calendar list watch")
		}
		return nil
	})

	calendarIDs, err := visibleCalendars(ctx, client)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list calendars, skipping events watches")
		p.Wait()
		return
	}

	current := map[string]bool{}
	for _, calendarID := range calendarIDs {
		current[calendarID] = true
		p.Go(func(ctx context.Context) error {
			target := store.SubscriptionConfig{Type: store.ConfigCalendarEvents, CalendarID: calendarID}
			existing := pickCanonical(subs, acct.ID, target)
			if err := m.refreshEventsWatch(ctx, client, acct, calendarID, existing); err != nil {
				logger.Warn().Err(err).Str("calendarID", calendarID).Msg("failed to refresh events watch")
			}
			return nil
		})
	}

	for _, sub := range subs {
		if !sub.Active || sub.Config.Type != store.ConfigCalendarEvents || current[sub.Config.CalendarID] {
			continue
		}
		p.Go(func(ctx context.Context) error {
			if err := m.deactivate(ctx, client, sub); err != nil {
				logger.Warn().Err(err).Str("calendarID", sub.Config.CalendarID).Str("channelID", sub.ID).
					Msg("failed to deactivate events watch")
			}
			return nil
		})
	}
	p.Wait()
}

// visibleCalendars returns the ids of calendars shown in the account's list.
func visibleCalendars(ctx context.Context, client calclient.WatchService) ([]string, error) {
	entries, err := client.ListCalendars(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.Deleted || e.Hidden {
			continue
		}
		ids = append(ids, e.Id)
	}
	return ids, nil
}
