package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/chat-bridge/db"
	"github.com/onnwee/chat-bridge/oauth"
	"github.com/onnwee/chat-bridge/twitchapi"
)

func newLoginCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Run the Twitch device login and store the credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if s.clientID == "" {
				return errors.New("a Twitch client id is required (--client-id or TWITCH_CLIENT_ID)")
			}
			enc, err := s.encryptor()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, closeStore, err := db.OpenStore(ctx, s.dbDSN, s.dataDir, enc)
			if err != nil {
				return err
			}
			defer closeStore()

			out := cmd.OutOrStdout()
			auth := twitchapi.NewAuthClient(s.clientID, s.scopes)
			auth.HTTPClient = httpClient
			m := oauth.NewManager(auth, store,
				oauth.WithPrompt(func(dc *twitchapi.DeviceCode) {
					fmt.Fprintf(out, "Open %s and enter the code %s (expires in %ds)\n", dc.VerificationURI, dc.UserCode, dc.ExpiresIn)
				}))
			defer m.Close()
			m.Reset()

			c, err := m.Obtain(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Logged in. Credential stored, expires at %s\n", c.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}
