package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/beekhof/calsync/internal/auth"
	"github.com/beekhof/calsync/internal/config"
	"github.com/beekhof/calsync/internal/logging"
	"github.com/beekhof/calsync/internal/store"
)

// cfg holds the effective configuration loaded by PersistentPreRunE.
var cfg *config.Config

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calsync",
		Short: "Google Calendar push channels and recurring-event edits",
		Long: `calsync keeps Google Calendar push channels alive for linked accounts,
relays change notifications to connected clients and applies edits to
recurring events with "this", "all" or "following" scope.

Configuration precedence (highest to lowest): command-line flags,
CALSYNC_* environment variables (CALSYNC_WEBHOOK_SECRET sets webhook.secret),
the JSON config file given by --config or CALSYNC_CONFIG, defaults.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(cmd.Flags())
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			if _, err := logging.Setup(loaded.Log.Level, os.Stderr); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLinkCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newEventCmd())
	return cmd
}

// shutdownContext returns a context cancelled on SIGINT or SIGTERM.
func shutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// app is the wiring shared by the commands that talk to Google.
type app struct {
	store   *store.Store
	oauth   *oauth2.Config
	tokens  *auth.TokenProvider
	clients *auth.ClientFactory
}

func openApp(ctx context.Context) (*app, error) {
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	clientID, clientSecret, err := config.LoadGoogleCredentials(cfg.Google.CredentialsPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load Google credentials")
	}

	st, err := store.Open(ctx, cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	oauthConfig := auth.NewOAuthConfig(clientID, clientSecret)
	tokens := auth.NewTokenProvider(oauthConfig, st)
	return &app{
		store:   st,
		oauth:   oauthConfig,
		tokens:  tokens,
		clients: auth.NewClientFactory(tokens),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close store")
	}
}
