package realtime

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const relayEventsPath = "/users/{userID}/events"

// Relay forwards events to an external realtime gateway over HTTP.
type Relay struct {
	rc *resty.Client
}

var _ Publisher = (*Relay)(nil)

// NewRelay creates a Relay posting to baseURL, authenticated with a bearer
// token when one is given.
func NewRelay(baseURL, token string) *Relay {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		rc.SetAuthToken(token)
	}
	return &Relay{rc: rc}
}

// PublishToUser implements Publisher.
func (r *Relay) PublishToUser(ctx context.Context, userID string, ev Event) error {
	resp, err := r.rc.R().
		SetContext(ctx).
		SetPathParam("userID", userID).
		SetBody(ev).
		Post(relayEventsPath)
	if err != nil {
		return errors.Wrap(err, "failed to relay event")
	}
	if resp.IsError() {
		return errors.Errorf("relay rejected event: %s", resp.Status())
	}
	return nil
}
