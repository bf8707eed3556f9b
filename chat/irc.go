package chat

import (
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// IRCClient is the part of *twitch.Client the bridge uses.
type IRCClient interface {
	OnConnect(callback func())
	OnPrivateMessage(callback func(message twitch.PrivateMessage))
	OnClearMessage(callback func(message twitch.ClearMessage))
	OnClearChatMessage(callback func(message twitch.ClearChatMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

// Factory builds a fresh client for cfg.
type Factory func(cfg Config) IRCClient

// NewTwitchIRC is the production Factory. Without a token, or in read-only
// mode, it connects anonymously since nothing is ever sent over IRC.
func NewTwitchIRC(cfg Config) IRCClient {
	if cfg.Token == "" || cfg.Username == "" || cfg.ReadOnly {
		return twitch.NewAnonymousClient()
	}
	tok := cfg.Token
	if !strings.HasPrefix(tok, "oauth:") {
		tok = "oauth:" + tok
	}
	return twitch.NewClient(cfg.Username, tok)
}
