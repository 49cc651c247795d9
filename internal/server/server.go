// Package server exposes the sync core over HTTP and runs scheduled refreshes.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/store"
	"github.com/beekhof/calsync/internal/syncerr"
	"github.com/beekhof/calsync/internal/webhook"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// EventClients hands out the event surface of a user's linked account.
type EventClients interface {
	EventClient(ctx context.Context, accountID, userID string) (calclient.EventService, error)
}

// UserLister lists every user that has linked accounts.
type UserLister interface {
	ListUserIDs(ctx context.Context, provider string) ([]string, error)
}

// Deps are the collaborators behind the HTTP routes.
type Deps struct {
	Webhook   http.Handler
	Realtime  http.Handler
	Clients   EventClients
	Refresher webhook.Refresher
	Users     UserLister
	Logger    *zerolog.Logger
}

// Server routes requests to the sync core.
type Server struct {
	mux       *http.ServeMux
	clients   EventClients
	refresher webhook.Refresher
	users     UserLister
	log       zerolog.Logger
}

func New(d Deps) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		clients:   d.Clients,
		refresher: d.Refresher,
		users:     d.Users,
		log:       log.Logger,
	}
	if d.Logger != nil {
		s.log = *d.Logger
	}

	if d.Webhook != nil {
		s.mux.Handle("POST /webhooks/google", d.Webhook)
	}
	if d.Realtime != nil {
		s.mux.Handle("GET /ws", d.Realtime)
	}
	s.mux.HandleFunc("POST /api/users/{userID}/events/mutate", s.handleMutate)
	s.mux.HandleFunc("POST /api/users/{userID}/webhooks/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "failed to serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down")
	}
	return nil
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	accountID := r.URL.Query().Get("accountId")
	if err := s.refresher.RefreshAll(r.Context(), userID, accountID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshEveryone refreshes the channels of every user with a linked Google
// account. Failures for one user do not stop the others.
func (s *Server) RefreshEveryone(ctx context.Context) error {
	users, err := s.users.ListUserIDs(ctx, store.ProviderGoogle)
	if err != nil {
		return errors.Wrap(err, "failed to list users")
	}
	for _, userID := range users {
		if err := s.refresher.RefreshAll(ctx, userID, ""); err != nil {
			s.log.Warn().Err(err).Str("userID", userID).Msg("scheduled refresh failed")
		}
	}
	s.log.Info().Int("users", len(users)).Msg("scheduled refresh done")
	return nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(kind syncerr.Kind) int {
	switch kind {
	case syncerr.KindValidation:
		return http.StatusBadRequest
	case syncerr.KindAuth:
		return http.StatusUnauthorized
	case syncerr.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := syncerr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("kind", kind.String()).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: kind.String(), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
