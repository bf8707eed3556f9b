// Package twitchapi contains minimal helpers for the Twitch endpoints the bridge
// uses: the device code grant and refresh on id.twitch.tv, and the Helix chat
// endpoints (color, send, delete, emotes) called with a user access token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

const helixBaseURL = "https://api.twitch.tv/helix"

// TokenProvider supplies the bearer token for Helix calls.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a fixed user access token.
type StaticToken string

// AccessToken implements TokenProvider.
func (s StaticToken) AccessToken(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no access token")
	}
	return string(s), nil
}

// HelixClient provides the Helix calls needed by the bridge.
type HelixClient struct {
	Tokens     TokenProvider
	ClientID   string
	HTTPClient *http.Client
}

// Emote is an entry of a Helix emote listing.
type Emote struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// GetChatColor returns the user's chat color as reported by Helix (a hex
// string such as "#1E90FF", or empty when the user never picked one).
func (hc *HelixClient) GetChatColor(ctx context.Context, userID string) (string, error) {
	var body struct {
		Data []struct {
			Color string `json:"color"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/chat/color", url.Values{"user_id": {userID}}, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", nil
	}
	return body.Data[0].Color, nil
}

// SetChatColor changes the user's chat color. Named colors use Helix's
// snake_case names (e.g. "blue_violet").
func (hc *HelixClient) SetChatColor(ctx context.Context, userID, color string) error {
	return hc.do(ctx, http.MethodPut, "/chat/color", url.Values{"user_id": {userID}, "color": {color}}, nil, nil)
}

// SendChatMessage posts a message as senderID into broadcasterID's chat and
// returns the new message id.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) (string, error) {
	in := map[string]string{"broadcaster_id": broadcasterID, "sender_id": senderID, "message": message}
	var body struct {
		Data []struct {
			MessageID  string `json:"message_id"`
			IsSent     bool   `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/chat/messages", nil, in, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("send chat message: empty response")
	}
	d := body.Data[0]
	if !d.IsSent {
		if d.DropReason != nil {
			return "", fmt.Errorf("message dropped: %s: %s", d.DropReason.Code, d.DropReason.Message)
		}
		return "", fmt.Errorf("message dropped")
	}
	return d.MessageID, nil
}

// DeleteChatMessage removes a single chat message. moderatorID must be the
// token's user and a moderator (or the broadcaster) of the channel.
func (hc *HelixClient) DeleteChatMessage(ctx context.Context, broadcasterID, moderatorID, messageID string) error {
	q := url.Values{"broadcaster_id": {broadcasterID}, "moderator_id": {moderatorID}, "message_id": {messageID}}
	return hc.do(ctx, http.MethodDelete, "/moderation/chat", q, nil, nil)
}

// GetGlobalEmotes lists Twitch's global emotes.
func (hc *HelixClient) GetGlobalEmotes(ctx context.Context) ([]Emote, error) {
	var body struct {
		Data []Emote `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/chat/emotes/global", nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetChannelEmotes lists the custom emotes of a broadcaster.
func (hc *HelixClient) GetChannelEmotes(ctx context.Context, broadcasterID string) ([]Emote, error) {
	var body struct {
		Data []Emote `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/chat/emotes", url.Values{"broadcaster_id": {broadcasterID}}, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func (hc *HelixClient) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	if hc.Tokens == nil {
		return errors.New("helix client has no token provider")
	}
	tok, err := hc.Tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	var rdr io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	u := helixBaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return &StatusError{Op: "helix " + method + " " + path, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
