package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/onnwee/chat-bridge/telemetry"
)

// Guard holds the operator credentials for the bridge's detail endpoints:
// /status, and the failing check reported by /readyz. The zero Guard lets
// everyone through.
type Guard struct {
	Username string
	Password string
	Token    string
}

func (g Guard) enabled() bool {
	return (g.Username != "" && g.Password != "") || g.Token != ""
}

// allows reports whether r carries the operator token (X-Admin-Token) or
// matching Basic credentials.
func (g Guard) allows(r *http.Request) bool {
	if !g.enabled() {
		return true
	}
	if g.Token != "" {
		if tok := r.Header.Get("X-Admin-Token"); tok != "" && equal(tok, g.Token) {
			return true
		}
	}
	if g.Username == "" || g.Password == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	userOK := equal(user, g.Username)
	passOK := equal(pass, g.Password)
	return ok && userOK && passOK
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// protect rejects requests the guard does not allow with 401.
func (g Guard) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.allows(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="chat-bridge"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		telemetry.LoggerWithCorr(r.Context()).Warn("operator auth failed",
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("component", "http"))
	})
}
