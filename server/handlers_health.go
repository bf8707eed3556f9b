package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/onnwee/chat-bridge/bridge"
	"github.com/onnwee/chat-bridge/oauth"
)

// BridgeStatus is the part of the bridge the server reports on.
type BridgeStatus interface {
	Status() bridge.Status
}

// CredentialSource exposes the current Twitch credential.
type CredentialSource interface {
	Current() *oauth.Credential
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	bridge BridgeStatus
	creds  CredentialSource
	guard  Guard
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance. creds may be nil.
func NewHandlers(b BridgeStatus, creds CredentialSource, guard Guard) *Handlers {
	return &Handlers{bridge: b, creds: creds, guard: guard, now: time.Now}
}

// HandleHealthz answers liveness probes.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests. Which check failed is
// only reported to callers the guard allows.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	st := h.bridge.Status()
	checks := []struct {
		name string
		fn   func() error
	}{
		{"twitch", func() error {
			if !st.TwitchConnected {
				return errors.New("twitch session not connected")
			}
			return nil
		}},
		{"receiver", func() error {
			if !st.ReceiverReady {
				return errors.New("peertube receiver not joined")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			body := map[string]string{"status": "not_ready"}
			if h.guard.allows(r) {
				body["failed_check"] = check.name
				body["error"] = err.Error()
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(body)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type statusResponse struct {
	bridge.Status
	CredentialExpiresAt *time.Time `json:"credentialExpiresAt,omitempty"`
	CredentialValid     bool       `json:"credentialValid"`
}

// HandleStatus writes a JSON snapshot of the bridge.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: h.bridge.Status()}
	if h.creds != nil {
		if c := h.creds.Current(); c != nil {
			exp := c.ExpiresAt
			resp.CredentialExpiresAt = &exp
			resp.CredentialValid = c.Valid(h.now())
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
