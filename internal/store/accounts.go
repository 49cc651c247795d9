package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/beekhof/calsync/internal/syncerr"
)

// Account is a provider account linked by a user, with its OAuth token.
type Account struct {
	ID                string
	UserID            string
	Provider          string
	ProviderAccountID string
	Token             *oauth2.Token
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const accountColumns = `id, user_id, provider, provider_account_id, access_token, refresh_token,
	token_type, token_expiry, created_at, updated_at`

func scanAccount(row scanner) (*Account, error) {
	var (
		acct                         Account
		access, refresh, tokenType   string
		expiry, createdAt, updatedAt string
	)
	err := row.Scan(&acct.ID, &acct.UserID, &acct.Provider, &acct.ProviderAccountID,
		&access, &refresh, &tokenType, &expiry, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if access != "" || refresh != "" {
		acct.Token = &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: tokenType}
		if acct.Token.Expiry, err = parseTime(expiry); err != nil {
			return nil, err
		}
	}
	if acct.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if acct.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &acct, nil
}

func tokenColumns(tok *oauth2.Token) (access, refresh, tokenType, expiry string) {
	if tok == nil {
		return "", "", "", ""
	}
	if !tok.Expiry.IsZero() {
		expiry = formatTime(tok.Expiry)
	}
	return tok.AccessToken, tok.RefreshToken, tok.TokenType, expiry
}

// SaveAccount inserts acct or updates the row with the same id.
func (s *Store) SaveAccount(ctx context.Context, acct *Account) error {
	if acct.ID == "" || acct.UserID == "" || acct.Provider == "" {
		return syncerr.Validation("accounts.save", "account id, user id and provider are required")
	}
	now := time.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now
	access, refresh, tokenType, expiry := tokenColumns(acct.Token)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO linked_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			provider = excluded.provider,
			provider_account_id = excluded.provider_account_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			token_expiry = excluded.token_expiry,
			updated_at = excluded.updated_at`,
		acct.ID, acct.UserID, acct.Provider, acct.ProviderAccountID, access, refresh, tokenType, expiry,
		formatTime(acct.CreatedAt), formatTime(acct.UpdatedAt))
	if err != nil {
		return syncerr.Repository("accounts.save", errors.Wrapf(err, "failed to save account %s", acct.ID))
	}
	return nil
}

// GetAccount returns the account with the given id, or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM linked_accounts WHERE id = ?`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, syncerr.Repository("accounts.get", err)
	}
	return acct, nil
}

// ListAccounts returns the accounts linked by userID for provider, oldest first.
func (s *Store) ListAccounts(ctx context.Context, userID, provider string) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM linked_accounts
		WHERE user_id = ? AND provider = ?
		ORDER BY created_at, id`, userID, provider)
	if err != nil {
		return nil, syncerr.Repository("accounts.list", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, syncerr.Repository("accounts.list", err)
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Repository("accounts.list", err)
	}
	return accounts, nil
}

// ListUserIDs returns every user with at least one account for provider.
func (s *Store) ListUserIDs(ctx context.Context, provider string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM linked_accounts WHERE provider = ? ORDER BY user_id`, provider)
	if err != nil {
		return nil, syncerr.Repository("accounts.users", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, syncerr.Repository("accounts.users", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Repository("accounts.users", err)
	}
	return ids, nil
}

// SaveToken replaces the stored token of an account.
func (s *Store) SaveToken(ctx context.Context, accountID string, tok *oauth2.Token) error {
	access, refresh, tokenType, expiry := tokenColumns(tok)
	res, err := s.db.ExecContext(ctx, `
		UPDATE linked_accounts
		SET access_token = ?, refresh_token = ?, token_type = ?, token_expiry = ?, updated_at = ?
		WHERE id = ?`, access, refresh, tokenType, expiry, formatTime(time.Now()), accountID)
	if err != nil {
		return syncerr.Repository("accounts.token", errors.Wrapf(err, "failed to save token for account %s", accountID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return syncerr.Repository("accounts.token", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
