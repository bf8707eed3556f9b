package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix and
// id.twitch.tv responses. Requests to unregistered paths get 404.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []RecordedRequest
}

// RecordedRequest is one request the mock served.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
		m.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Requests returns every request served so far.
func (m *MockTwitchServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestsTo returns the requests served for method and path.
func (m *MockTwitchServer) RequestsTo(method, path string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range m.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		})
	}
}

// MockValidateResponse adds a handler for the token validation endpoint.
func (m *MockTwitchServer) MockValidateResponse(clientID, login, userID string, expiresIn int) {
	m.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"client_id":  clientID,
			"login":      login,
			"user_id":    userID,
			"scopes":     []string{"chat:read", "chat:edit"},
			"expires_in": expiresIn,
		})
	}
}

// MockChatColor serves GET and PUT /helix/chat/color with shared state.
func (m *MockTwitchServer) MockChatColor(initial string) {
	var mu sync.Mutex
	color := initial
	m.Handlers["GET /helix/chat/color"] = func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		writeJSON(w, map[string]any{
			"data": []map[string]string{{"user_id": r.URL.Query().Get("user_id"), "color": color}},
		})
	}
	m.Handlers["PUT /helix/chat/color"] = func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		color = r.URL.Query().Get("color")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

// MockSendChatMessage answers POST /helix/chat/messages with ids from next.
func (m *MockTwitchServer) MockSendChatMessage(next func() string) {
	m.Handlers["POST /helix/chat/messages"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data": []map[string]any{{"message_id": next(), "is_sent": true}},
		})
	}
}

// MockDeleteChatMessage accepts DELETE /helix/moderation/chat.
func (m *MockTwitchServer) MockDeleteChatMessage() {
	m.Handlers["DELETE /helix/moderation/chat"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

// MockEmotes serves the global and channel emote lists.
func (m *MockTwitchServer) MockEmotes(global, channel []string) {
	list := func(names []string) map[string]any {
		data := make([]map[string]string, 0, len(names))
		for i, n := range names {
			data = append(data, map[string]string{"id": n + "-" + string(rune('a'+i%26)), "name": n})
		}
		return map[string]any{"data": data}
	}
	m.Handlers["/helix/chat/emotes/global"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, list(global))
	}
	m.Handlers["/helix/chat/emotes"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, list(channel))
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token":  accessToken,
			"refresh_token": "refresh-" + accessToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
		})
	}
}

type rewriteTransport struct {
	host string
	base http.RoundTripper
}

func (rt rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.URL.Scheme = "http"
	r2.URL.Host = rt.host
	return rt.base.RoundTrip(r2)
}

// Client returns an HTTP client that sends every request, whatever its host,
// to the mock server.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: rewriteTransport{host: m.Listener.Addr().String(), base: http.DefaultTransport}}
}
