// Package auth issues access tokens for linked accounts and runs the
// interactive OAuth flow that links them.
package auth

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
)

// Scopes requested when linking an account.
var Scopes = []string{calendar.CalendarScope}

// authorizeTimeout bounds how long the local callback server waits for the browser.
const authorizeTimeout = 5 * time.Minute

// NewOAuthConfig builds the Google OAuth client configuration.
func NewOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
}

// saveFunc persists a token that was refreshed by the wrapped source.
type saveFunc func(*oauth2.Token) error

// autoSaveTokenSource wraps an oauth2.TokenSource and saves refreshed tokens.
type autoSaveTokenSource struct {
	source    oauth2.TokenSource
	save      saveFunc
	lastToken *oauth2.Token
}

// Token implements oauth2.TokenSource and saves the token if it was refreshed.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}

	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		if err := a.save(token); err != nil {
			return nil, errors.Wrap(err, "failed to save refreshed token")
		}
		a.lastToken = token
	}

	return token, nil
}

// startLocalServer starts a local HTTP server to receive the OAuth callback.
// It returns the redirect URL and channels for the authorization code and errors.
// Port 8080 is tried first, then a random port.
func startLocalServer() (string, <-chan string, <-chan error, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:8080")
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", nil, nil, errors.Wrap(err, "failed to start local server")
		}
	}

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	codeChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("code") != "":
			fmt.Fprint(w, "<html><body><h1>Account linked</h1><p>You can close this window.</p></body></html>")
			codeChan <- q.Get("code")
		case q.Get("error") != "":
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", q.Get("error"))
			errorChan <- errors.Errorf("authorization error: %s", q.Get("error"))
		default:
			fmt.Fprint(w, "<html><body><h1>No authorization code received</h1></body></html>")
			errorChan <- errors.New("no authorization code received")
		}
		go func() {
			time.Sleep(time.Second)
			server.Shutdown(context.Background())
		}()
	})
	server.Handler = mux

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorChan <- errors.Wrap(err, "callback server error")
		}
	}()

	return redirectURL, codeChan, errorChan, nil
}

// Authorize runs the browser OAuth flow against a local callback server and
// returns the exchanged token. Instructions are written to out.
func Authorize(ctx context.Context, oauthConfig *oauth2.Config, out io.Writer) (*oauth2.Token, error) {
	redirectURL, codeChan, errorChan, err := startLocalServer()
	if err != nil {
		return nil, err
	}

	cfg := *oauthConfig
	cfg.RedirectURL = redirectURL
	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	log.Info().Str("redirectURL", redirectURL).Msg("started OAuth callback server")
	if redirectURL != "http://127.0.0.1:8080" {
		fmt.Fprintf(out, "Note: port 8080 was unavailable. Add %s to the authorized redirect URIs of the OAuth client.\n", redirectURL)
	}
	fmt.Fprintln(out, "Visit the following URL to link the account:")
	fmt.Fprintln(out, authURL)

	var code string
	select {
	case code = <-codeChan:
	case err := <-errorChan:
		return nil, errors.Wrap(err, "failed to receive authorization code")
	case <-time.After(authorizeTimeout):
		return nil, errors.New("authorization timeout: no response received within 5 minutes")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "failed to exchange authorization code")
	}
	return token, nil
}

// AuthorizeWithCode prints the consent URL and reads the authorization code
// from in, for hosts without a browser.
func AuthorizeWithCode(ctx context.Context, oauthConfig *oauth2.Config, in io.Reader, out io.Writer) (*oauth2.Token, error) {
	authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintln(out, "Visit the following URL to link the account:")
	fmt.Fprintln(out, authURL)
	fmt.Fprint(out, "Enter the authorization code: ")

	var code string
	if _, err := fmt.Fscanln(in, &code); err != nil {
		return nil, errors.Wrap(err, "failed to read authorization code")
	}

	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "failed to exchange authorization code")
	}
	return token, nil
}
