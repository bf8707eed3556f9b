package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/chat-bridge/bridge"
	"github.com/onnwee/chat-bridge/oauth"
)

type fakeBridge struct{ st bridge.Status }

func (f *fakeBridge) Status() bridge.Status { return f.st }

type fakeCreds struct{ c *oauth.Credential }

func (f fakeCreds) Current() *oauth.Credential { return f.c }

func TestHealthzOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	NewMux(&fakeBridge{}, nil, Guard{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		st         bridge.Status
		wantCode   int
		wantFailed string
	}{
		{"nothing connected", bridge.Status{}, http.StatusServiceUnavailable, "twitch"},
		{"receiver missing", bridge.Status{TwitchConnected: true}, http.StatusServiceUnavailable, "receiver"},
		{"ready", bridge.Status{TwitchConnected: true, ReceiverReady: true}, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			NewMux(&fakeBridge{st: tt.st}, nil, Guard{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rr.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tt.wantFailed == "" {
				if body["status"] != "ready" {
					t.Fatalf("expected ready, got %v", body)
				}
				return
			}
			if body["status"] != "not_ready" || body["failed_check"] != tt.wantFailed {
				t.Fatalf("expected failed_check=%s, got %v", tt.wantFailed, body)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	b := &fakeBridge{st: bridge.Status{
		Channel:         "streamer",
		TwitchConnected: true,
		Identities:      map[string]string{"1234": "occ-1"},
		Correlations:    map[string]int{"twitch_to_peertube": 2},
	}}
	rr := httptest.NewRecorder()
	NewMux(b, fakeCreds{&oauth.Credential{AccessToken: "tok", ExpiresAt: exp}}, Guard{}).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Channel             string            `json:"channel"`
		TwitchConnected     bool              `json:"twitchConnected"`
		Identities          map[string]string `json:"identities"`
		Correlations        map[string]int    `json:"correlations"`
		CredentialExpiresAt time.Time         `json:"credentialExpiresAt"`
		CredentialValid     bool              `json:"credentialValid"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Channel != "streamer" || !body.TwitchConnected {
		t.Fatalf("unexpected bridge fields: %+v", body)
	}
	if body.Identities["1234"] != "occ-1" || body.Correlations["twitch_to_peertube"] != 2 {
		t.Fatalf("unexpected maps: %+v", body)
	}
	if !body.CredentialExpiresAt.Equal(exp) || !body.CredentialValid {
		t.Fatalf("unexpected credential fields: %+v", body)
	}
}

func TestStatusGuard(t *testing.T) {
	tests := []struct {
		name     string
		guard    Guard
		user     string
		pass     string
		token    string
		wantCode int
	}{
		{"open without operator credentials", Guard{}, "", "", "", http.StatusOK},
		{"token accepted", Guard{Token: "s3cret"}, "", "", "s3cret", http.StatusOK},
		{"wrong token", Guard{Token: "s3cret"}, "", "", "guess", http.StatusUnauthorized},
		{"missing token", Guard{Token: "s3cret"}, "", "", "", http.StatusUnauthorized},
		{"basic accepted", Guard{Username: "ops", Password: "pw"}, "ops", "pw", "", http.StatusOK},
		{"basic wrong user", Guard{Username: "ops", Password: "pw"}, "dev", "pw", "", http.StatusUnauthorized},
		{"basic wrong password", Guard{Username: "ops", Password: "pw"}, "ops", "nope", "", http.StatusUnauthorized},
		{"token wins over bad basic", Guard{Username: "ops", Password: "pw", Token: "s3cret"}, "dev", "nope", "s3cret", http.StatusOK},
		{"username alone leaves it open", Guard{Username: "ops"}, "ops", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMux(&fakeBridge{st: bridge.Status{Channel: "streamer"}}, nil, tt.guard)
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.user != "" || tt.pass != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			if tt.token != "" {
				req.Header.Set("X-Admin-Token", tt.token)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rr.Code)
			}
			if rr.Code == http.StatusUnauthorized {
				if rr.Header().Get("WWW-Authenticate") == "" {
					t.Fatal("expected WWW-Authenticate on 401")
				}
				return
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["channel"] != "streamer" {
				t.Fatalf("expected status snapshot, got %v", body)
			}
		})
	}
}

func TestReadyzDetailNeedsOperator(t *testing.T) {
	h := NewMux(&fakeBridge{st: bridge.Status{TwitchConnected: true}}, nil, Guard{Token: "s3cret"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", body)
	}
	if _, leaked := body["failed_check"]; leaked {
		t.Fatalf("anonymous caller saw check detail: %v", body)
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set("X-Admin-Token", "s3cret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	body = nil
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["failed_check"] != "receiver" || body["error"] == "" {
		t.Fatalf("expected receiver detail, got %v", body)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rr.Code)
	}
}

func TestCorrelationHeader(t *testing.T) {
	h := NewMux(&fakeBridge{}, nil, Guard{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("expected a generated correlation id")
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, "127.0.0.1:0", NewMux(&fakeBridge{}, nil, Guard{})) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
