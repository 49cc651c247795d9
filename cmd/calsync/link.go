package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/beekhof/calsync/internal/auth"
)

func newLinkCmd() *cobra.Command {
	var userID string
	var manual bool
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a Google account to a user through OAuth",
		Long: `link opens the Google consent page and records the authorized account
for --user. By default a local server on 127.0.0.1 receives the callback;
with --manual the authorization code is pasted instead. Linking the same
Google account again replaces its stored token.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var tok *oauth2.Token
			if manual {
				tok, err = auth.AuthorizeWithCode(ctx, a.oauth, os.Stdin, os.Stdout)
			} else {
				tok, err = auth.Authorize(ctx, a.oauth, os.Stdout)
			}
			if err != nil {
				return err
			}

			acct, err := a.clients.Link(ctx, userID, tok)
			if err != nil {
				return err
			}
			fmt.Printf("Linked %s as account %s for user %s\n", acct.ProviderAccountID, acct.ID, acct.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user the account belongs to")
	cmd.Flags().BoolVar(&manual, "manual", false, "paste the authorization code instead of using a local callback server")
	return cmd
}
