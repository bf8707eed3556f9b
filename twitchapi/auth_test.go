package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestAuth(t *testing.T, h http.HandlerFunc) *AuthClient {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	c := NewAuthClient("test-client-id", []string{"chat:read", "chat:edit"})
	c.HTTPClient = &http.Client{Transport: &rewriteTransport{host: server.URL}}
	return c
}

func TestAuthClient_RequestDeviceCode(t *testing.T) {
	c := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/oauth2/device" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("client_id") != "test-client-id" || r.PostForm.Get("scopes") != "chat:read chat:edit" {
			t.Errorf("form = %v", r.PostForm)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-1",
			"user_code":        "ABCDEFGH",
			"verification_uri": "https://www.twitch.tv/activate?device-code=ABCDEFGH",
			"expires_in":       1800,
			"interval":         5,
		})
	})
	dc, err := c.RequestDeviceCode(context.Background())
	if err != nil {
		t.Fatalf("RequestDeviceCode() error = %v", err)
	}
	if dc.DeviceCode != "dev-1" || dc.UserCode != "ABCDEFGH" || dc.ExpiresIn != 1800 {
		t.Errorf("RequestDeviceCode() = %+v", dc)
	}
}

func TestAuthClient_PollDeviceToken(t *testing.T) {
	calls := 0
	c := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != deviceGrantType || r.PostForm.Get("device_code") != "dev-1" {
			t.Errorf("form = %v", r.PostForm)
		}
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":400,"message":"authorization_pending"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "acc",
			"refresh_token": "ref",
			"token_type":    "bearer",
			"expires_in":    14400,
			"scope":         []string{"chat:read"},
		})
	})

	_, err := c.PollDeviceToken(context.Background(), "dev-1")
	if !errors.Is(err, ErrAuthorizationPending) {
		t.Fatalf("first poll error = %v, want ErrAuthorizationPending", err)
	}
	tok, err := c.PollDeviceToken(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("second poll error = %v", err)
	}
	if tok.AccessToken != "acc" || tok.RefreshToken != "ref" || tok.ExpiresIn != 14400 {
		t.Errorf("token = %+v", tok)
	}
}

func TestAuthClient_PollDeviceToken_Denied(t *testing.T) {
	c := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"message":"invalid device code"}`))
	})
	_, err := c.PollDeviceToken(context.Background(), "dev-1")
	if err == nil || errors.Is(err, ErrAuthorizationPending) {
		t.Fatalf("error = %v, want a terminal error", err)
	}
	if !IsRejected(err) {
		t.Errorf("IsRejected(%v) = false", err)
	}
}

func TestAuthClient_Refresh(t *testing.T) {
	c := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "old-ref" {
			t.Errorf("form = %v", r.PostForm)
		}
		if r.PostForm.Get("client_id") != "test-client-id" {
			t.Errorf("client_id = %q", r.PostForm.Get("client_id"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-acc",
			"refresh_token": "new-ref",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	})
	tok, err := c.Refresh(context.Background(), "old-ref")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "new-acc" || tok.RefreshToken != "new-ref" {
		t.Errorf("Refresh() = %+v", tok)
	}
	if tok.ExpiresIn < 3590 || tok.ExpiresIn > 3600 {
		t.Errorf("ExpiresIn = %d, want ~3600", tok.ExpiresIn)
	}
}

func TestAuthClient_Refresh_Rejected(t *testing.T) {
	c := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Bad Request","status":400,"message":"Invalid refresh token"}`))
	})
	_, err := c.Refresh(context.Background(), "revoked")
	if err == nil {
		t.Fatal("Refresh() error = nil, want rejection")
	}
	if !IsRejected(err) {
		t.Errorf("IsRejected(%v) = false, want true", err)
	}
}

func TestAuthClient_Validate(t *testing.T) {
	c := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth acc" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_id":  "test-client-id",
			"login":      "bridgebot",
			"user_id":    "777",
			"scopes":     []string{"chat:read"},
			"expires_in": 5000,
		})
	})
	info, err := c.Validate(context.Background(), "acc")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if info.Login != "bridgebot" || info.UserID != "777" {
		t.Errorf("Validate() = %+v", info)
	}
}

func TestComputeExpiry(t *testing.T) {
	now := time.Now()
	if got := ComputeExpiry(0); got.Sub(now) < 59*time.Minute {
		t.Errorf("ComputeExpiry(0) = %v, want ~+60m", got.Sub(now))
	}
	if got := ComputeExpiry(120); got.Sub(now) > 2*time.Minute+time.Second || got.Sub(now) < 119*time.Second {
		t.Errorf("ComputeExpiry(120) = %v", got.Sub(now))
	}
}

func TestStaticToken(t *testing.T) {
	if _, err := StaticToken("").AccessToken(context.Background()); err == nil {
		t.Error("empty StaticToken should error")
	}
	if tok, _ := StaticToken("x").AccessToken(context.Background()); !strings.EqualFold(tok, "x") {
		t.Errorf("AccessToken() = %q", tok)
	}
}
