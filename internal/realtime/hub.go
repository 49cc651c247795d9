package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// UserHeader identifies the subscribing user when the query has no user.
	UserHeader = "X-Calsync-User"

	sessionBuffer = 16
	writeTimeout  = 10 * time.Second
)

type session struct {
	events chan Event
}

// Hub keeps the open websocket sessions per user and pushes events to them.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*session]struct{}
	accept   *websocket.AcceptOptions
	allow    Authorizer
	log      zerolog.Logger
}

// Authorizer decides whether r may subscribe to userID's events. A non-nil
// error refuses the upgrade with 403.
type Authorizer func(r *http.Request, userID string) error

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithOriginPatterns allows cross-origin websocket upgrades from these hosts.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.accept.OriginPatterns = patterns }
}

// WithAuthorizer checks every subscription with allow. Without one the hub
// trusts the requested user id, so it must sit behind something that
// authenticates the caller.
func WithAuthorizer(allow Authorizer) HubOption {
	return func(h *Hub) { h.allow = allow }
}

// WithHubLogger sets the hub's logger.
func WithHubLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sessions: map[string]map[*session]struct{}{},
		accept:   &websocket.AcceptOptions{},
		log:      log.Logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PublishToUser implements Publisher. Sessions whose buffer is full miss the
// event rather than blocking the publisher.
func (h *Hub) PublishToUser(ctx context.Context, userID string, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions[userID] {
		select {
		case s.events <- ev:
		default:
			h.log.Warn().Str("userID", userID).Msg("dropping realtime event for slow session")
		}
	}
	return nil
}

// Sessions returns the number of open sessions for userID.
func (h *Hub) Sessions(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[userID])
}

func (h *Hub) add(userID string) *session {
	s := &session{events: make(chan Event, sessionBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = map[*session]struct{}{}
	}
	h.sessions[userID][s] = struct{}{}
	return s
}

func (h *Hub) remove(userID string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions[userID], s)
	if len(h.sessions[userID]) == 0 {
		delete(h.sessions, userID)
	}
}

// ServeHTTP upgrades the request to a websocket and streams the user's events
// as JSON messages until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = r.Header.Get(UserHeader)
	}
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	if h.allow != nil {
		if err := h.allow(r, userID); err != nil {
			h.log.Warn().Err(err).Str("userID", userID).Msg("refused realtime subscription")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.log.Warn().Err(err).Str("userID", userID).Msg("failed to accept websocket")
		return
	}
	defer conn.CloseNow()

	s := h.add(userID)
	defer h.remove(userID, s)
	h.log.Debug().Str("userID", userID).Msg("realtime session opened")

	// Clients never send anything; CloseRead handles control frames and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Str("userID", userID).Msg("realtime session closed")
				return
			}
		}
	}
}
