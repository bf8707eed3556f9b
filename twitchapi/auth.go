package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	idBaseURL       = "https://id.twitch.tv/oauth2"
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// DefaultScopes are the scopes the bridge account needs for reading chat,
// relaying into it, changing its name color and deleting relayed messages.
var DefaultScopes = []string{
	"user:read:chat",
	"chat:read",
	"chat:edit",
	"channel:bot",
	"user:manage:chat_color",
	"user:write:chat",
	"moderator:manage:chat_messages",
}

// ErrAuthorizationPending is returned by PollDeviceToken until the user
// approves the device code.
var ErrAuthorizationPending = errors.New("authorization pending")

// StatusError describes a non-2xx response from a Twitch endpoint.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsRejected reports whether err is the issuer refusing the request itself
// (bad or revoked token) rather than a transport failure.
func IsRejected(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusUnauthorized
}

// DeviceCode is the response of the device authorization endpoint.
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// Token is a user access token as returned by the token endpoint.
type Token struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// TokenInfo is the response of the validate endpoint.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// AuthClient talks to id.twitch.tv on behalf of a public client (no secret),
// which is what the device code grant requires.
type AuthClient struct {
	ClientID   string
	Scopes     []string
	HTTPClient *http.Client
}

// NewAuthClient returns an AuthClient using DefaultScopes when scopes is empty.
func NewAuthClient(clientID string, scopes []string) *AuthClient {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &AuthClient{ClientID: clientID, Scopes: scopes}
}

func (c *AuthClient) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// RequestDeviceCode starts a device code grant.
func (c *AuthClient) RequestDeviceCode(ctx context.Context) (*DeviceCode, error) {
	if c.ClientID == "" {
		return nil, errors.New("missing clientID")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("scopes", strings.Join(c.Scopes, " "))
	var dc DeviceCode
	if err := c.postForm(ctx, "twitch device code request", idBaseURL+"/device", form, &dc); err != nil {
		return nil, err
	}
	return &dc, nil
}

// PollDeviceToken makes one token request for a pending device code.
func (c *AuthClient) PollDeviceToken(ctx context.Context, deviceCode string) (*Token, error) {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("scopes", strings.Join(c.Scopes, " "))
	form.Set("device_code", deviceCode)
	form.Set("grant_type", deviceGrantType)
	var tok Token
	err := c.postForm(ctx, "twitch device token poll", idBaseURL+"/token", form, &tok)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusBadRequest && strings.Contains(se.Body, "authorization_pending") {
		return nil, ErrAuthorizationPending
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// Refresh exchanges a refresh token for a new access/refresh pair.
func (c *AuthClient) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if c.ClientID == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/refreshToken")
	}
	cfg := &oauth2.Config{
		ClientID: c.ClientID,
		Scopes:   c.Scopes,
		Endpoint: oauth2.Endpoint{TokenURL: idBaseURL + "/token", AuthStyle: oauth2.AuthStyleInParams},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http())
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, &StatusError{Op: "twitch refresh", StatusCode: re.Response.StatusCode, Body: string(re.Body)}
		}
		return nil, fmt.Errorf("twitch refresh: %w", err)
	}
	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    int(tok.ExpiresIn),
	}
	if out.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		out.ExpiresIn = int(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

// Validate returns the identity behind an access token.
func (c *AuthClient) Validate(ctx context.Context, accessToken string) (*TokenInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, idBaseURL+"/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	var info TokenInfo
	if err := c.do(req, "twitch token validate", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *AuthClient) postForm(ctx context.Context, op, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, op, out)
}

func (c *AuthClient) do(req *http.Request, op string, out any) error {
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(b)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
