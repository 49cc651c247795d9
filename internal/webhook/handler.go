package webhook

import (
	"context"
	"net/http"
)

// Refresher runs a full channel refresh.
type Refresher interface {
	RefreshAll(ctx context.Context, userID, accountID string) error
}

// Handler is the push endpoint. It always answers 200 and runs follow-up
// refreshes in the background, detached from the request.
type Handler struct {
	notifier  *Notifier
	refresher Refresher
}

// NewHandler creates a Handler. refresher may be nil to skip follow-ups.
func NewHandler(notifier *Notifier, refresher Refresher) *Handler {
	return &Handler{notifier: notifier, refresher: refresher}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := h.notifier.HandleInbound(r.Context(), r.Header)
	if res.FollowUp != nil && h.refresher != nil {
		ctx := context.WithoutCancel(r.Context())
		fu := *res.FollowUp
		go func() {
			if err := h.refresher.RefreshAll(ctx, fu.UserID, fu.AccountID); err != nil {
				h.notifier.log.Warn().Err(err).Str("userID", fu.UserID).Str("accountID", fu.AccountID).
					Msg("follow-up refresh failed")
			}
		}()
	}
	w.WriteHeader(http.StatusOK)
}
