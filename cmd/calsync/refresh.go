package main

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/beekhof/calsync/internal/store"
	"github.com/beekhof/calsync/internal/webhook"
)

func newManager(a *app) (*webhook.Manager, error) {
	return webhook.NewManager(a.store, a.clients, a.store, webhook.Options{
		CallbackURL:     cfg.Webhook.CallbackURL,
		Secret:          cfg.Webhook.Secret,
		RenewalBuffer:   cfg.Webhook.RenewalBuffer,
		ChannelLifetime: cfg.Webhook.ChannelLifetime,
	})
}

func newRefreshCmd() *cobra.Command {
	var userID, accountID string
	var all bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Create or renew push channels for a user, or for every user with --all",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.RequireWebhook(); err != nil {
				return err
			}
			if userID == "" && !all {
				return errors.New("--user or --all is required")
			}

			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			manager, err := newManager(a)
			if err != nil {
				return err
			}

			users := []string{userID}
			if all {
				if users, err = a.store.ListUserIDs(ctx, store.ProviderGoogle); err != nil {
					return err
				}
			}
			for _, u := range users {
				if err := manager.RefreshAll(ctx, u, accountID); err != nil {
					return errors.Wrapf(err, "failed to refresh user %s", u)
				}
				log.Info().Str("userID", u).Msg("push channels refreshed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user whose accounts to refresh")
	cmd.Flags().StringVar(&accountID, "account", "", "limit the refresh to one linked account")
	cmd.Flags().BoolVar(&all, "all", false, "refresh every user with a linked account")
	cmd.MarkFlagsMutuallyExclusive("user", "all")
	return cmd
}
