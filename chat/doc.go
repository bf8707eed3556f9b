// Package chat owns the bridge's Twitch IRC connection.
//
// A Swappable holds at most one live go-twitch-irc client. When the
// configuration changes (a renewed credential, or recovery after an
// unexpected disconnect) the current client is disconnected first, a new one
// is built and the registered OnSwap callbacks run with it. Handlers
// registered on the Swappable itself (OnPrivateMessage, OnClearMessage,
// OnClearChat, OnConnect) survive swaps: every session gets one dispatcher
// per event that forwards to them, and events from a retired session are
// dropped.
package chat
