// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay directions used as metric labels.
const (
	DirectionToPeerTube = "twitch_to_peertube"
	DirectionToTwitch   = "peertube_to_twitch"
)

var (
	once sync.Once

	// Bridge
	MessagesRelayed      *prometheus.CounterVec
	RelayFailures        *prometheus.CounterVec
	MessagesDeleted      *prometheus.CounterVec
	PreDeletedSuppressed prometheus.Counter
	RemoteIdentities     prometheus.Gauge
	CredentialRenewals   *prometheus.CounterVec

	// Gateway
	GatewayRooms       prometheus.Gauge
	GatewayConnections prometheus.Gauge
	EmojiCacheLookups  *prometheus.CounterVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_messages_relayed_total", Help: "Messages published on the opposite platform"}, []string{"direction"})
		RelayFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_relay_failures_total", Help: "Failed publish/delete/spawn operations"}, []string{"direction", "op"})
		MessagesDeleted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_deletes_total", Help: "Deletions mirrored to the opposite platform"}, []string{"direction"})
		PreDeletedSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_predeleted_suppressed_total", Help: "Messages deleted before their relay completed"})
		RemoteIdentities = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridge_remote_identities", Help: "Per-user PeerTube presences spawned for Twitch chatters"})
		CredentialRenewals = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_credential_renewals_total", Help: "Autonomous credential renewals by result"}, []string{"result"})
		GatewayRooms = promauto.NewGauge(prometheus.GaugeOpts{Name: "gateway_rooms_active", Help: "Upstream rooms held by the relay gateway"})
		GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "gateway_connections_active", Help: "Open downstream websocket connections"})
		EmojiCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gateway_emoji_cache_total", Help: "Emoji image lookups by result (hit, miss, unknown, error)"}, []string{"result"})
	})
}

// MessageRelayed counts a published message.
func MessageRelayed(direction string) {
	if MessagesRelayed != nil {
		MessagesRelayed.WithLabelValues(direction).Inc()
	}
}

// RelayFailed counts a failed operation.
func RelayFailed(direction, op string) {
	if RelayFailures != nil {
		RelayFailures.WithLabelValues(direction, op).Inc()
	}
}

// MessageDeleted counts a mirrored deletion.
func MessageDeleted(direction string) {
	if MessagesDeleted != nil {
		MessagesDeleted.WithLabelValues(direction).Inc()
	}
}

// PreDeleted counts a relay suppressed by an earlier delete.
func PreDeleted() {
	if PreDeletedSuppressed != nil {
		PreDeletedSuppressed.Inc()
	}
}

// SetRemoteIdentities records the size of the identity registry.
func SetRemoteIdentities(n int) {
	if RemoteIdentities != nil {
		RemoteIdentities.Set(float64(n))
	}
}

// CredentialRenewed counts a renewal attempt ("ok" or "failed").
func CredentialRenewed(result string) {
	if CredentialRenewals != nil {
		CredentialRenewals.WithLabelValues(result).Inc()
	}
}

// SetGatewayRooms records the number of live room entries.
func SetGatewayRooms(n int) {
	if GatewayRooms != nil {
		GatewayRooms.Set(float64(n))
	}
}

// GatewayConnection adjusts the open connection gauge by delta.
func GatewayConnection(delta int) {
	if GatewayConnections != nil {
		GatewayConnections.Add(float64(delta))
	}
}

// EmojiLookup counts an emoji cache lookup.
func EmojiLookup(result string) {
	if EmojiCacheLookups != nil {
		EmojiCacheLookups.WithLabelValues(result).Inc()
	}
}

type ctxKey string

const corrKey ctxKey = "corr"

// WithCorrelation returns a child context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation extracts the correlation id if present.
func GetCorrelation(ctx context.Context) string {
	if v, ok := ctx.Value(corrKey).(string); ok {
		return v
	}
	return ""
}

// LoggerWithCorr returns slog.Default() enriched with the correlation id if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
