// Command bridgectl is the operator CLI of the chat bridge: interactive Twitch
// login, credential inspection and emote translation checks.
package main

import (
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/chat-bridge/config"
	"github.com/onnwee/chat-bridge/crypto"
	"github.com/onnwee/chat-bridge/telemetry"
)

// httpClient is used for Twitch calls; nil means http.DefaultClient.
var httpClient *http.Client

// settings are the account options shared by login and validate.
type settings struct {
	clientID      string
	dataDir       string
	scopes        []string
	dbDSN         string
	encryptionKey string
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func (s *settings) encryptor() (crypto.Encryptor, error) {
	if s.encryptionKey == "" {
		return nil, nil
	}
	return crypto.NewAESEncryptor(s.encryptionKey)
}

func NewBridgectlCommand() *cobra.Command {
	s := &settings{}

	cmd := &cobra.Command{
		Use:   "bridgectl",
		Short: "Operate the Twitch/PeerTube chat bridge",
		Example: `  bridgectl login
  bridgectl validate
  bridgectl translate --to peertube --vocab :kappa:,:peepo_happy: Kappa`,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			s.dbDSN = os.Getenv("DB_DSN")
			s.encryptionKey = os.Getenv("ENCRYPTION_KEY")
		},
	}

	defaultScopes := config.DefaultScopes
	if v := os.Getenv("TWITCH_SCOPES"); v != "" {
		defaultScopes = strings.Fields(v)
	}
	cmd.PersistentFlags().StringVar(&s.clientID, "client-id", os.Getenv("TWITCH_CLIENT_ID"),
		"Twitch application client id (default: $TWITCH_CLIENT_ID)")
	cmd.PersistentFlags().StringVar(&s.dataDir, "data-dir", envOr("DATA_DIR", "data"),
		"Directory holding the credential file")
	cmd.PersistentFlags().StringSliceVar(&s.scopes, "scopes", defaultScopes,
		"Twitch scopes requested at login")

	cmd.AddCommand(
		newLoginCommand(s),
		newValidateCommand(s),
		newTranslateCommand(),
	)
	return cmd
}

func main() {
	_ = godotenv.Load()
	telemetry.ConfigureLogging()
	if err := NewBridgectlCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
