package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/chat-bridge/peertube"
	"github.com/onnwee/chat-bridge/telemetry"
)

var (
	// ErrRegistryClosed is returned by Get after Close.
	ErrRegistryClosed = errors.New("bridge: registry closed")
	// ErrIdentityLost means the identity's connection ended while it joined.
	ErrIdentityLost = errors.New("bridge: identity disconnected while joining")
)

// Room is a joined livechat presence.
type Room interface {
	Send(ctx context.Context, body string) (peertube.Sent, error)
	Retract(ctx context.Context, id string) error
	Self() peertube.Occupant
	Emojis(ctx context.Context) (peertube.Emojis, error)
	Close() error
}

// RoomDialer joins the bridged room as nickname.
type RoomDialer func(ctx context.Context, nickname string, h peertube.Handlers) (Room, error)

// IdentityNickname is the PeerTube nickname of a Twitch user's identity.
func IdentityNickname(displayName string) string {
	return displayName + " (Twitch)"
}

const maxNicknameAttempts = 3

type identity struct {
	ready chan struct{}
	room  Room
	err   error
	// lost is set when the connection ended before ready was closed.
	lost bool
}

// Registry owns the PeerTube identities spawned for Twitch users and the set
// of occupant ids whose messages the receiver must ignore.
type Registry struct {
	dial RoomDialer
	log  *slog.Logger

	mu         sync.Mutex
	identities map[string]*identity
	ignore     map[string]struct{}
	closed     bool
}

// NewRegistry returns an empty registry.
func NewRegistry(dial RoomDialer) *Registry {
	return &Registry{
		dial:       dial,
		log:        slog.With(slog.String("component", "registry")),
		identities: make(map[string]*identity),
		ignore:     make(map[string]struct{}),
	}
}

// Get returns userID's identity, joining the room on first use. It blocks until
// the identity is ready; concurrent callers for the same userID share one join.
func (r *Registry) Get(ctx context.Context, userID, displayName string) (Room, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if id, ok := r.identities[userID]; ok {
		r.mu.Unlock()
		select {
		case <-id.ready:
			return id.room, id.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	id := &identity{ready: make(chan struct{})}
	r.identities[userID] = id
	r.mu.Unlock()

	room, err := r.spawn(ctx, id, userID, displayName)

	r.mu.Lock()
	id.room, id.err = room, err
	switch {
	case err != nil:
		delete(r.identities, userID)
	case id.lost:
		delete(r.identities, userID)
		id.room, id.err = nil, fmt.Errorf("spawn identity for user %s: %w", userID, ErrIdentityLost)
		_ = room.Close()
	case r.closed:
		delete(r.identities, userID)
		id.room, id.err = nil, ErrRegistryClosed
		_ = room.Close()
	default:
		r.ignore[room.Self().OccupantID] = struct{}{}
		telemetry.SetRemoteIdentities(len(r.identities))
	}
	close(id.ready)
	r.mu.Unlock()
	return id.room, id.err
}

func (r *Registry) spawn(ctx context.Context, id *identity, userID, displayName string) (Room, error) {
	if displayName == "" {
		displayName = userID
	}
	nick := IdentityNickname(displayName)
	for attempt := 1; ; attempt++ {
		h := peertube.Handlers{OnClose: func(error) { r.drop(userID, id) }}
		room, err := r.dial(ctx, nick, h)
		if err == nil {
			r.log.Info("spawned remote identity", slog.String("user_id", userID), slog.String("nick", nick), slog.String("occupant_id", room.Self().OccupantID))
			return room, nil
		}
		if !errors.Is(err, peertube.ErrNicknameConflict) || attempt >= maxNicknameAttempts {
			return nil, fmt.Errorf("spawn identity for user %s: %w", userID, err)
		}
		nick = fmt.Sprintf("%s (Twitch %d)", displayName, attempt+1)
	}
}

// drop forgets userID's identity after its connection ended, so the next
// message spawns a fresh one. An identity still joining is marked lost and
// Get discards it.
func (r *Registry) drop(userID string, id *identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identities[userID] != id {
		return
	}
	select {
	case <-id.ready:
	default:
		id.lost = true
		return
	}
	delete(r.identities, userID)
	telemetry.SetRemoteIdentities(len(r.identities))
	r.log.Warn("remote identity disconnected", slog.String("user_id", userID))
}

// Lookup returns userID's identity if it is ready.
func (r *Registry) Lookup(userID string) (Room, bool) {
	r.mu.Lock()
	id, ok := r.identities[userID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-id.ready:
		return id.room, id.err == nil
	default:
		return nil, false
	}
}

// Ignore adds an occupant id to the ignore set.
func (r *Registry) Ignore(occupantID string) {
	if occupantID == "" {
		return
	}
	r.mu.Lock()
	r.ignore[occupantID] = struct{}{}
	r.mu.Unlock()
}

// Ignored reports whether messages from occupantID are the bridge's own.
func (r *Registry) Ignored(occupantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ignore[occupantID]
	return ok
}

// Identities maps each Twitch user id to its PeerTube occupant id.
func (r *Registry) Identities() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.identities))
	for userID, id := range r.identities {
		select {
		case <-id.ready:
			if id.err == nil {
				out[userID] = id.room.Self().OccupantID
			}
		default:
		}
	}
	return out
}

// Close leaves the room with every identity. Later Get calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var rooms []Room
	for userID, id := range r.identities {
		select {
		case <-id.ready:
			if id.room != nil {
				rooms = append(rooms, id.room)
			}
			delete(r.identities, userID)
		default:
		}
	}
	telemetry.SetRemoteIdentities(len(r.identities))
	r.mu.Unlock()
	for _, room := range rooms {
		if err := room.Close(); err != nil {
			r.log.Debug("identity close failed", slog.Any("err", err))
		}
	}
}
