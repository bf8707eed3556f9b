package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/onnwee/chat-bridge/peertube"
	"github.com/onnwee/chat-bridge/twitchapi"
)

type fakeRoom struct {
	self    peertube.Occupant
	h       peertube.Handlers
	emojis  peertube.Emojis
	gate    chan struct{}
	sending chan string

	mu        sync.Mutex
	n         int
	sent      []string
	retracted []string
	closed    bool
}

func (r *fakeRoom) Send(ctx context.Context, body string) (peertube.Sent, error) {
	if r.sending != nil {
		r.sending <- body
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return peertube.Sent{}, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	r.sent = append(r.sent, body)
	return peertube.Sent{
		OriginID:   fmt.Sprintf("%s-o%d", r.self.OccupantID, r.n),
		StanzaID:   fmt.Sprintf("%s-s%d", r.self.OccupantID, r.n),
		OccupantID: r.self.OccupantID,
	}, nil
}

func (r *fakeRoom) Retract(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retracted = append(r.retracted, id)
	return nil
}

func (r *fakeRoom) Self() peertube.Occupant { return r.self }

func (r *fakeRoom) Emojis(context.Context) (peertube.Emojis, error) { return r.emojis, nil }

func (r *fakeRoom) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRoom) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func (r *fakeRoom) Retracted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.retracted...)
}

func (r *fakeRoom) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// fakeDialer hands out fakeRooms with occupant ids occ-1, occ-2, ... in dial
// order. Nicknames listed in taken fail with a conflict.
type fakeDialer struct {
	mu      sync.Mutex
	rooms   []*fakeRoom
	taken   map[string]bool
	emojis  peertube.Emojis
	gate    chan struct{}
	sending chan string
	dials   int
	// dropOnJoin ends each connection before dial returns.
	dropOnJoin bool
}

func (d *fakeDialer) dial(_ context.Context, nickname string, h peertube.Handlers) (Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.taken[nickname] {
		return nil, peertube.ErrNicknameConflict
	}
	room := &fakeRoom{
		self:    peertube.Occupant{OccupantID: fmt.Sprintf("occ-%d", len(d.rooms)+1), Nickname: nickname},
		h:       h,
		emojis:  d.emojis,
		gate:    d.gate,
		sending: d.sending,
	}
	d.rooms = append(d.rooms, room)
	if d.dropOnJoin && h.OnClose != nil {
		h.OnClose(errors.New("connection reset"))
	}
	return room, nil
}

func (d *fakeDialer) room(nickname string) *fakeRoom {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.rooms {
		if r.self.Nickname == nickname {
			return r
		}
	}
	return nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

type fakeHelix struct {
	mu       sync.Mutex
	color    string
	colors   []string
	messages []string
	deleted  []string
	n        int
}

func (h *fakeHelix) GetUserID(_ context.Context, login string) (string, error) {
	return "broadcaster-" + login, nil
}

func (h *fakeHelix) GetChatColor(context.Context, string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.color, nil
}

func (h *fakeHelix) SetChatColor(_ context.Context, _, color string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.color = color
	h.colors = append(h.colors, color)
	return nil
}

func (h *fakeHelix) SendChatMessage(_ context.Context, _, _, message string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n++
	h.messages = append(h.messages, message)
	return fmt.Sprintf("tw-%d", h.n), nil
}

func (h *fakeHelix) DeleteChatMessage(_ context.Context, _, _, messageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, messageID)
	return nil
}

func (h *fakeHelix) GetGlobalEmotes(context.Context) ([]twitchapi.Emote, error) {
	return []twitchapi.Emote{{ID: "25", Name: "Kappa"}}, nil
}

func (h *fakeHelix) GetChannelEmotes(context.Context, string) ([]twitchapi.Emote, error) {
	return []twitchapi.Emote{{ID: "e1", Name: "PeepoHappy"}}, nil
}

func (h *fakeHelix) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func (h *fakeHelix) Colors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.colors...)
}

func (h *fakeHelix) Deleted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.deleted...)
}

type fakeValidator struct{ login, userID string }

func (v fakeValidator) Validate(context.Context, string) (*twitchapi.TokenInfo, error) {
	return &twitchapi.TokenInfo{Login: v.login, UserID: v.userID}, nil
}
