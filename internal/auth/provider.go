package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/store"
	"github.com/beekhof/calsync/internal/syncerr"
)

// AccountStore is the persistence TokenProvider needs.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*store.Account, error)
	ListAccounts(ctx context.Context, userID, provider string) ([]*store.Account, error)
	SaveAccount(ctx context.Context, acct *store.Account) error
	SaveToken(ctx context.Context, accountID string, tok *oauth2.Token) error
}

// TokenProvider hands out valid access tokens for linked accounts,
// refreshing and persisting them as needed.
type TokenProvider struct {
	config   *oauth2.Config
	accounts AccountStore
	group    singleflight.Group
}

// NewTokenProvider creates a TokenProvider.
func NewTokenProvider(config *oauth2.Config, accounts AccountStore) *TokenProvider {
	return &TokenProvider{config: config, accounts: accounts}
}

type issued struct {
	account *store.Account
	token   *oauth2.Token
}

// GetAccessToken returns a valid token for accountID, which must belong to
// userID. Concurrent calls for one account share a single refresh.
func (p *TokenProvider) GetAccessToken(ctx context.Context, accountID, userID string) (*oauth2.Token, error) {
	const op = "auth.token"
	v, err, _ := p.group.Do(accountID, func() (any, error) {
		acct, err := p.accounts.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if acct.Token == nil {
			return nil, errors.Errorf("account %s has no stored token", accountID)
		}
		src := &autoSaveTokenSource{
			source:    p.config.TokenSource(ctx, acct.Token),
			lastToken: acct.Token,
			save: func(tok *oauth2.Token) error {
				return p.accounts.SaveToken(ctx, accountID, tok)
			},
		}
		tok, err := src.Token()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to refresh token for account %s", accountID)
		}
		return issued{account: acct, token: tok}, nil
	})
	if err != nil {
		return nil, syncerr.Auth(op, err)
	}
	res := v.(issued)
	if res.account.UserID != userID {
		return nil, syncerr.Auth(op, errors.Errorf("account %s is not linked by user %s", accountID, userID))
	}
	return res.token, nil
}

// accountTokenSource adapts GetAccessToken to oauth2.TokenSource.
type accountTokenSource struct {
	ctx       context.Context
	provider  *TokenProvider
	accountID string
	userID    string
}

func (s *accountTokenSource) Token() (*oauth2.Token, error) {
	return s.provider.GetAccessToken(s.ctx, s.accountID, s.userID)
}

// ClientFactory builds calendar clients for linked accounts.
type ClientFactory struct {
	tokens *TokenProvider
	opts   []option.ClientOption
}

// NewClientFactory creates a ClientFactory. opts are passed to every client,
// which lets tests point them at a fake endpoint.
func NewClientFactory(tokens *TokenProvider, opts ...option.ClientOption) *ClientFactory {
	return &ClientFactory{tokens: tokens, opts: opts}
}

// Client returns a calendar client acting as accountID on behalf of userID.
// The token is checked up front so an unusable account fails with an AuthError
// before any provider call.
func (f *ClientFactory) Client(ctx context.Context, accountID, userID string) (*calclient.Client, error) {
	tok, err := f.tokens.GetAccessToken(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	src := oauth2.ReuseTokenSource(tok, &accountTokenSource{
		ctx:       context.WithoutCancel(ctx),
		provider:  f.tokens,
		accountID: accountID,
		userID:    userID,
	})
	return calclient.NewClient(ctx, oauth2.NewClient(ctx, src), f.opts...)
}

// EventClient returns the event surface of accountID for userID.
func (f *ClientFactory) EventClient(ctx context.Context, accountID, userID string) (calclient.EventService, error) {
	c, err := f.Client(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// WatchClient returns the push-channel surface for a linked account.
func (f *ClientFactory) WatchClient(ctx context.Context, acct *store.Account) (calclient.WatchService, error) {
	return f.Client(ctx, acct.ID, acct.UserID)
}

// Link records tok as a linked Google account of userID. Linking the same
// provider account again replaces its stored token.
func (f *ClientFactory) Link(ctx context.Context, userID string, tok *oauth2.Token) (*store.Account, error) {
	if userID == "" {
		return nil, syncerr.Validation("auth.link", "user id is required")
	}
	httpClient := oauth2.NewClient(ctx, f.tokens.config.TokenSource(ctx, tok))
	client, err := calclient.NewClient(ctx, httpClient, f.opts...)
	if err != nil {
		return nil, syncerr.Auth("auth.link", err)
	}
	providerAccountID, err := client.PrimaryAccountID(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := f.tokens.accounts.ListAccounts(ctx, userID, store.ProviderGoogle)
	if err != nil {
		return nil, err
	}
	acct := &store.Account{
		ID:                uuid.NewString(),
		UserID:            userID,
		Provider:          store.ProviderGoogle,
		ProviderAccountID: providerAccountID,
	}
	for _, e := range existing {
		if e.ProviderAccountID == providerAccountID {
			acct = e
			break
		}
	}
	acct.Token = tok
	if err := f.tokens.accounts.SaveAccount(ctx, acct); err != nil {
		return nil, err
	}
	log.Info().Str("userID", userID).Str("accountID", acct.ID).Str("providerAccountID", providerAccountID).
		Msg("linked account")
	return acct, nil
}
