package twitchapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// rewriteTransport sends every request to the test server regardless of host.
type rewriteTransport struct {
	host string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(strings.TrimPrefix(t.host, "http://"), "https://")
	return http.DefaultTransport.RoundTrip(req)
}

func newTestHelix(t *testing.T, h http.HandlerFunc) *HelixClient {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Client-Id") != "test-client-id" {
			t.Errorf("missing or wrong Client-Id header")
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing or wrong Authorization header")
		}
		h(w, r)
	}))
	t.Cleanup(server.Close)
	return &HelixClient{
		Tokens:     StaticToken("test-token"),
		ClientID:   "test-client-id",
		HTTPClient: &http.Client{Transport: &rewriteTransport{host: server.URL}},
	}
}

func TestHelixClient_GetUserID(t *testing.T) {
	tests := []struct {
		name        string
		login       string
		data        []map[string]string
		wantUserID  string
		errContains string
	}{
		{name: "found", login: "testuser", data: []map[string]string{{"id": "12345"}}, wantUserID: "12345"},
		{name: "user not found", login: "nobody", data: []map[string]string{}, errContains: "user not found"},
		{name: "empty login", login: "", errContains: "login empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/helix/users" || r.URL.Query().Get("login") != tt.login {
					t.Errorf("unexpected request %s", r.URL)
				}
				_ = json.NewEncoder(w).Encode(map[string]any{"data": tt.data})
			})
			id, err := client.GetUserID(context.Background(), tt.login)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("GetUserID() error = %v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetUserID() unexpected error = %v", err)
			}
			if id != tt.wantUserID {
				t.Errorf("GetUserID() = %s, want %s", id, tt.wantUserID)
			}
		})
	}
}

func TestHelixClient_ChatColor(t *testing.T) {
	var setColor string
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/chat/color" || r.URL.Query().Get("user_id") != "42" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"user_id": "42", "color": "#1E90FF"}}})
		case http.MethodPut:
			setColor = r.URL.Query().Get("color")
			w.WriteHeader(http.StatusNoContent)
		}
	})
	c, err := client.GetChatColor(context.Background(), "42")
	if err != nil || c != "#1E90FF" {
		t.Fatalf("GetChatColor() = %q, %v", c, err)
	}
	if err := client.SetChatColor(context.Background(), "42", "blue_violet"); err != nil {
		t.Fatalf("SetChatColor() error = %v", err)
	}
	if setColor != "blue_violet" {
		t.Errorf("color sent = %q, want blue_violet", setColor)
	}
}

func TestHelixClient_SendChatMessage(t *testing.T) {
	tests := []struct {
		name        string
		resp        map[string]any
		wantID      string
		errContains string
	}{
		{name: "sent", resp: map[string]any{"data": []map[string]any{{"message_id": "m-1", "is_sent": true}}}, wantID: "m-1"},
		{
			name:        "dropped",
			resp:        map[string]any{"data": []map[string]any{{"message_id": "", "is_sent": false, "drop_reason": map[string]string{"code": "msg_duplicate", "message": "duplicate"}}}},
			errContains: "msg_duplicate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/helix/chat/messages" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL)
				}
				b, _ := io.ReadAll(r.Body)
				var in map[string]string
				_ = json.Unmarshal(b, &in)
				if in["broadcaster_id"] != "b1" || in["sender_id"] != "s1" || in["message"] != "@alice hi" {
					t.Errorf("body = %s", b)
				}
				_ = json.NewEncoder(w).Encode(tt.resp)
			})
			id, err := client.SendChatMessage(context.Background(), "b1", "s1", "@alice hi")
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("SendChatMessage() error = %v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil || id != tt.wantID {
				t.Fatalf("SendChatMessage() = %q, %v", id, err)
			}
		})
	}
}

func TestHelixClient_DeleteChatMessage(t *testing.T) {
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.Method != http.MethodDelete || q.Get("message_id") != "m-9" || q.Get("moderator_id") != "s1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := client.DeleteChatMessage(context.Background(), "b1", "s1", "m-9"); err != nil {
		t.Fatalf("DeleteChatMessage() error = %v", err)
	}
}

func TestHelixClient_Emotes(t *testing.T) {
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/helix/chat/emotes/global":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []Emote{{ID: "1", Name: "Kappa"}, {ID: "2", Name: "LUL"}}})
		case "/helix/chat/emotes":
			if r.URL.Query().Get("broadcaster_id") != "b1" {
				t.Errorf("broadcaster_id = %q", r.URL.Query().Get("broadcaster_id"))
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []Emote{{ID: "3", Name: "chanHype"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	global, err := client.GetGlobalEmotes(context.Background())
	if err != nil || len(global) != 2 || global[1].Name != "LUL" {
		t.Fatalf("GetGlobalEmotes() = %v, %v", global, err)
	}
	channel, err := client.GetChannelEmotes(context.Background(), "b1")
	if err != nil || len(channel) != 1 || channel[0].Name != "chanHype" {
		t.Fatalf("GetChannelEmotes() = %v, %v", channel, err)
	}
}

func TestHelixClient_ErrorStatus(t *testing.T) {
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid token"}`))
	})
	err := client.SetChatColor(context.Background(), "42", "red")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("SetChatColor() error = %v, want 401", err)
	}
	if !IsRejected(err) {
		t.Errorf("IsRejected(%v) = false, want true", err)
	}
}
