package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/chat-bridge/db"
	"github.com/onnwee/chat-bridge/twitchapi"
)

func newValidateCommand(s *settings) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Show the account, scopes and expiry of the stored credential",
		Args:  cobra.NoArgs,
		Example: `  bridgectl validate
  bridgectl validate --token abc123`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if token == "" {
				enc, err := s.encryptor()
				if err != nil {
					return err
				}
				store, closeStore, err := db.OpenStore(ctx, s.dbDSN, s.dataDir, enc)
				if err != nil {
					return err
				}
				defer closeStore()
				c, err := store.Load(ctx)
				if err != nil {
					return err
				}
				if c == nil {
					return errors.New("no stored credential; run bridgectl login first")
				}
				token = c.AccessToken
			}

			info, err := (&twitchapi.AuthClient{ClientID: s.clientID, HTTPClient: httpClient}).Validate(ctx, token)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "login:      %s\n", info.Login)
			fmt.Fprintf(out, "user id:    %s\n", info.UserID)
			fmt.Fprintf(out, "client id:  %s\n", info.ClientID)
			fmt.Fprintf(out, "scopes:     %s\n", strings.Join(info.Scopes, " "))
			fmt.Fprintf(out, "expires in: %s\n", time.Duration(info.ExpiresIn)*time.Second)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Validate this access token instead of the stored one")
	return cmd
}
