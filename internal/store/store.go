// Package store persists linked accounts and webhook subscriptions in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/beekhof/calsync/internal/syncerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the SQLite-backed repository.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, syncerr.Repository("store.open", errors.Wrap(err, "failed to open database"))
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, syncerr.Repository("store.migrate", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "failed to open migrations")
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return errors.Wrap(err, "failed to create migration provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}
	for _, r := range results {
		log.Info().Str("source", r.Source.Path).Dur("duration", r.Duration).Msg("applied migration")
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid stored time %q", s)
	}
	return t, nil
}
