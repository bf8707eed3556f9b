// Package peertube talks to a PeerTube instance's livechat plugin: room
// discovery and the custom emoji list over HTTP, and the chat room itself over
// XMPP-over-WebSocket (RFC 7395) as an anonymous MUC occupant.
package peertube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrAnonymousDisabled is returned when the room does not accept anonymous
// occupants.
var ErrAnonymousDisabled = errors.New("peertube: anonymous chat access is disabled for this room")

// RoomConfig is what Dial needs to join a livechat room.
type RoomConfig struct {
	Instance        string
	RoomID          string
	RoomJID         string
	Domain          string
	WebsocketURL    string
	CustomEmojisURL string
}

// Key identifies the room as "<roomID>@<instance>".
func (r RoomConfig) Key() string { return r.RoomID + "@" + r.Instance }

type roomConfigResponse struct {
	XMPPServer struct {
		Host      string `json:"host"`
		Room      string `json:"room"`
		Anonymous *struct {
			VirtualHost  string `json:"virtualhost"`
			WebsocketURI string `json:"websocketUri"`
			BoshURI      string `json:"boshUri"`
		} `json:"anonymous"`
	} `json:"xmppServer"`
	CustomEmojisURL string `json:"customEmojisUrl"`
}

// Emoji is one custom emoji of the instance.
type Emoji struct {
	Shortcode string
	URL       string
}

// Emojis keeps the instance's order.
type Emojis []Emoji

// Lookup returns the image URL of shortcode.
func (e Emojis) Lookup(shortcode string) (string, bool) {
	for _, em := range e {
		if em.Shortcode == shortcode {
			return em.URL, true
		}
	}
	return "", false
}

// Shortcodes lists the shortcodes in order.
func (e Emojis) Shortcodes() []string {
	out := make([]string, 0, len(e))
	for _, em := range e {
		out = append(out, em.Shortcode)
	}
	return out
}

func baseURL(instance string) *url.URL {
	if strings.Contains(instance, "://") {
		if u, err := url.Parse(instance); err == nil {
			return u
		}
	}
	return &url.URL{Scheme: "https", Host: instance}
}

// FetchRoomConfig asks the instance how to reach roomID.
func FetchRoomConfig(ctx context.Context, hc *http.Client, instance, roomID string) (RoomConfig, error) {
	base := baseURL(instance)
	endpoint := base.JoinPath("plugins/livechat/router/api/configuration/room", roomID)

	var resp roomConfigResponse
	if err := getJSON(ctx, hc, endpoint.String(), &resp); err != nil {
		return RoomConfig{}, errors.Wrapf(err, "fetch room configuration %s@%s", roomID, instance)
	}
	anon := resp.XMPPServer.Anonymous
	if anon == nil || anon.WebsocketURI == "" {
		return RoomConfig{}, ErrAnonymousDisabled
	}
	ws, err := resolve(base, anon.WebsocketURI)
	if err != nil {
		return RoomConfig{}, errors.Wrap(err, "websocket uri")
	}
	switch ws.Scheme {
	case "https":
		ws.Scheme = "wss"
	case "http":
		ws.Scheme = "ws"
	}
	cfg := RoomConfig{
		Instance:     instance,
		RoomID:       roomID,
		RoomJID:      roomID + "@" + resp.XMPPServer.Room,
		Domain:       anon.VirtualHost,
		WebsocketURL: ws.String(),
	}
	if resp.CustomEmojisURL != "" {
		if u, err := resolve(base, resp.CustomEmojisURL); err == nil {
			cfg.CustomEmojisURL = u.String()
		}
	}
	return cfg, nil
}

// FetchEmojis downloads the custom emoji list at listURL. An instance without
// custom emojis answers 404, which yields an empty list.
func FetchEmojis(ctx context.Context, hc *http.Client, listURL string) (Emojis, error) {
	if listURL == "" {
		return nil, nil
	}
	base, err := url.Parse(listURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse emoji url")
	}
	var resp struct {
		CustomEmojis []struct {
			Shortcode string `json:"sn"`
			URL       string `json:"url"`
		} `json:"customEmojis"`
	}
	if err := getJSON(ctx, hc, listURL, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(err, "fetch custom emojis")
	}
	out := make(Emojis, 0, len(resp.CustomEmojis))
	for _, e := range resp.CustomEmojis {
		if e.Shortcode == "" || e.URL == "" {
			continue
		}
		u, err := resolve(base, e.URL)
		if err != nil {
			continue
		}
		out = append(out, Emoji{Shortcode: e.Shortcode, URL: u.String()})
	}
	return out, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func resolve(base *url.URL, ref string) (*url.URL, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(r), nil
}

func getJSON(ctx context.Context, hc *http.Client, endpoint string, v any) error {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	res, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &statusError{code: res.StatusCode, body: string(b)}
	}
	return json.NewDecoder(res.Body).Decode(v)
}
