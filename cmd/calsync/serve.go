package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/beekhof/calsync/internal/realtime"
	"github.com/beekhof/calsync/internal/server"
	"github.com/beekhof/calsync/internal/webhook"
)

func newServeCmd() *cobra.Command {
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the push endpoint, the API and the realtime stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.RequireWebhook(); err != nil {
				return err
			}
			ctx, stop := shutdownContext(cmd.Context())
			defer stop()
			return serve(ctx, origins)
		},
	}
	cmd.Flags().StringSliceVar(&origins, "ws-origin", nil, "additional origin patterns allowed to open the realtime stream")
	return cmd
}

func serve(ctx context.Context, origins []string) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := newManager(a)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(realtime.WithOriginPatterns(origins...))
	publishers := realtime.Fanout{hub}
	if cfg.Realtime.RelayURL != "" {
		publishers = append(publishers, realtime.NewRelay(cfg.Realtime.RelayURL, cfg.Realtime.RelayToken))
		log.Info().Str("url", cfg.Realtime.RelayURL).Msg("relaying realtime events")
	}
	notifier := webhook.NewNotifier(a.store, a.store, publishers, cfg.Webhook.Secret)

	srv := server.New(server.Deps{
		Webhook:   webhook.NewHandler(notifier, manager),
		Realtime:  hub,
		Clients:   a.clients,
		Refresher: manager,
		Users:     a.store,
	})
	if cfg.Refresh.Cron != "" {
		if err := srv.Schedule(ctx, cfg.Refresh.Cron); err != nil {
			return err
		}
	}
	return srv.Run(ctx, cfg.HTTP.Listen)
}
