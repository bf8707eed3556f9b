// Package gateway multiplexes downstream websocket viewers onto shared
// upstream livechat room sessions.
//
// Each room is owned by one entry in the Hub. An entry holds the upstream
// session, the number of attached viewers, a ring of the last messages seen
// and a cache of emoji images. When the last viewer leaves, the entry is torn
// down immediately or after the configured keep-alive window.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chat-bridge/peertube"
	"github.com/onnwee/chat-bridge/telemetry"
)

const (
	backlogSize       = 20
	upstreamNickRange = 20
	dialTimeout       = 30 * time.Second
)

// Upstream is a joined livechat room.
type Upstream interface {
	Emojis(ctx context.Context) (peertube.Emojis, error)
	Close() error
}

// UpstreamDialer joins roomID on instance as nickname.
type UpstreamDialer func(ctx context.Context, instance, roomID, nickname string, h peertube.Handlers) (Upstream, error)

// PeerTubeDialer joins rooms with the livechat client.
func PeerTubeDialer(hc *http.Client) UpstreamDialer {
	return func(ctx context.Context, instance, roomID, nickname string, h peertube.Handlers) (Upstream, error) {
		return peertube.Open(ctx, instance, roomID, peertube.Options{
			Nickname:   nickname,
			History:    backlogSize,
			Handlers:   h,
			HTTPClient: hc,
		})
	}
}

// Config tunes the hub.
type Config struct {
	// KeepAlive keeps an unused room open this long; zero tears it down at once.
	KeepAlive time.Duration
	// IdleTimeout closes viewers that stop pinging.
	IdleTimeout time.Duration
	// BacklogDelay spaces out replayed backlog frames.
	BacklogDelay time.Duration
	// Intn picks the upstream nickname suffix; math/rand when nil.
	Intn func(n int) int
}

// subscriber receives frames for the room it is attached to.
type subscriber interface {
	deliver(frame string)
	replay(frames []string)
	lost(e *entry)
}

type line struct {
	occupantID, nickname, body string
}

func (l line) frame(kind string) string {
	return kind + " " + enc(l.occupantID) + " " + enc(l.nickname) + " " + enc(l.body)
}

type entry struct {
	key, instance, roomID string

	mu       sync.Mutex
	subs     map[subscriber]struct{}
	upstream Upstream
	ready    bool
	closed   bool
	con      string
	emojis   peertube.Emojis
	backlog  []line
	images   map[string]string
	teardown *time.Timer

	fetches singleflight.Group
}

// Hub owns the room entries.
type Hub struct {
	cfg  Config
	dial UpstreamDialer
	hc   *http.Client
	log  *slog.Logger

	mu    sync.Mutex
	rooms map[string]*entry
}

// NewHub returns a hub that joins rooms with dial and fetches emoji images
// with hc.
func NewHub(cfg Config, dial UpstreamDialer, hc *http.Client) *Hub {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.Intn == nil {
		cfg.Intn = rand.IntN
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Hub{
		cfg:   cfg,
		dial:  dial,
		hc:    hc,
		log:   slog.With(slog.String("component", "gateway")),
		rooms: make(map[string]*entry),
	}
}

func roomKey(instance, roomID string) string { return roomID + "@" + instance }

// attach subscribes s to a room, opening the upstream on first use.
func (h *Hub) attach(instance, roomID string, s subscriber) *entry {
	key := roomKey(instance, roomID)
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.rooms[key]
	if !ok {
		e = &entry{
			key:      key,
			instance: instance,
			roomID:   roomID,
			subs:     make(map[subscriber]struct{}),
			images:   make(map[string]string),
		}
		h.rooms[key] = e
		telemetry.SetGatewayRooms(len(h.rooms))
		h.log.Info("opening upstream room", slog.String("room", key))
		go h.connect(e)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.teardown != nil {
		e.teardown.Stop()
		e.teardown = nil
	}
	e.subs[s] = struct{}{}
	if e.ready {
		s.replay(e.replayFramesLocked())
	}
	h.log.Info("viewer attached", slog.String("room", key), slog.Int("viewers", len(e.subs)))
	return e
}

// detach removes s from e. The last viewer out arms the teardown.
func (h *Hub) detach(e *entry, s subscriber) {
	h.mu.Lock()
	e.mu.Lock()
	if _, ok := e.subs[s]; !ok {
		e.mu.Unlock()
		h.mu.Unlock()
		return
	}
	delete(e.subs, s)
	n := len(e.subs)
	h.log.Info("viewer detached", slog.String("room", e.key), slog.Int("viewers", n))

	var up Upstream
	switch {
	case n > 0 || e.closed:
	case h.cfg.KeepAlive > 0:
		e.teardown = time.AfterFunc(h.cfg.KeepAlive, func() { h.expire(e) })
		h.log.Info("scheduled room teardown", slog.String("room", e.key), slog.Duration("in", h.cfg.KeepAlive))
	default:
		up = h.teardownLocked(e)
	}
	e.mu.Unlock()
	h.mu.Unlock()
	closeUpstream(up)
}

func (h *Hub) expire(e *entry) {
	h.mu.Lock()
	e.mu.Lock()
	var up Upstream
	if len(e.subs) == 0 && !e.closed {
		up = h.teardownLocked(e)
	}
	e.mu.Unlock()
	h.mu.Unlock()
	closeUpstream(up)
}

// teardownLocked forgets e and returns its upstream for the caller to close
// once the locks are released. Both h.mu and e.mu must be held.
func (h *Hub) teardownLocked(e *entry) Upstream {
	if h.rooms[e.key] == e {
		delete(h.rooms, e.key)
	}
	telemetry.SetGatewayRooms(len(h.rooms))
	e.closed = true
	if e.teardown != nil {
		e.teardown.Stop()
		e.teardown = nil
	}
	up := e.upstream
	e.upstream = nil
	e.backlog = nil
	e.images = nil
	h.log.Info("closed upstream room", slog.String("room", e.key))
	return up
}

func closeUpstream(up Upstream) {
	if up == nil {
		return
	}
	if err := up.Close(); err != nil {
		slog.Debug("upstream close failed", slog.Any("err", err))
	}
}

func (h *Hub) connect(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	nick := fmt.Sprintf("Twitch Bridge #%d", h.cfg.Intn(upstreamNickRange)+1)
	up, err := h.dial(ctx, e.instance, e.roomID, nick, peertube.Handlers{
		OnHistory: func(m peertube.Message) { e.record(m, "old") },
		OnMessage: func(m peertube.Message) { e.record(m, "new") },
		OnClose:   func(err error) { h.fail(e, err) },
	})
	if err != nil {
		h.fail(e, err)
		return
	}

	codes := []string{}
	list, err := up.Emojis(ctx)
	if err != nil {
		h.log.Warn("failed to fetch room emojis", slog.String("room", e.key), slog.Any("err", err))
	} else {
		codes = append(codes, list.Shortcodes()...)
	}
	payload, _ := json.Marshal(codes)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		closeUpstream(up)
		return
	}
	e.upstream = up
	e.emojis = list
	e.con = "con " + enc(string(payload))
	e.ready = true
	frames := e.replayFramesLocked()
	for s := range e.subs {
		s.replay(frames)
	}
	e.mu.Unlock()
	h.log.Info("upstream room ready", slog.String("room", e.key), slog.String("nick", nick), slog.Int("emojis", len(codes)))
}

// fail drops e after its upstream could not be opened or was lost. Attached
// viewers get "err upstream" and are detached.
func (h *Hub) fail(e *entry, err error) {
	h.mu.Lock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		h.mu.Unlock()
		return
	}
	h.log.Warn("upstream room failed", slog.String("room", e.key), slog.Any("err", err))
	up := h.teardownLocked(e)
	subs := e.subs
	e.subs = make(map[subscriber]struct{})
	e.mu.Unlock()
	h.mu.Unlock()

	for s := range subs {
		s.deliver("err upstream")
		s.lost(e)
	}
	closeUpstream(up)
}

// record appends m to the backlog and forwards it to live viewers.
func (e *entry) record(m peertube.Message, kind string) {
	if m.Author == nil {
		return
	}
	l := line{occupantID: m.Author.OccupantID, nickname: m.Author.Nickname, body: m.Body}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.backlog = append(e.backlog, l)
	if len(e.backlog) > backlogSize {
		e.backlog = append(e.backlog[:0:0], e.backlog[len(e.backlog)-backlogSize:]...)
	}
	if !e.ready {
		return
	}
	frame := l.frame(kind)
	for s := range e.subs {
		s.deliver(frame)
	}
}

func (e *entry) replayFramesLocked() []string {
	frames := make([]string, 0, len(e.backlog)+1)
	frames = append(frames, e.con)
	for _, l := range e.backlog {
		frames = append(frames, l.frame("old"))
	}
	return frames
}

// RoomStatus describes one room entry.
type RoomStatus struct {
	Viewers int  `json:"viewers"`
	Ready   bool `json:"ready"`
	Backlog int  `json:"backlog"`
	Emojis  int  `json:"cachedEmojis"`
}

// Rooms reports every open room by key.
func (h *Hub) Rooms() map[string]RoomStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]RoomStatus, len(h.rooms))
	for key, e := range h.rooms {
		e.mu.Lock()
		out[key] = RoomStatus{Viewers: len(e.subs), Ready: e.ready, Backlog: len(e.backlog), Emojis: len(e.images)}
		e.mu.Unlock()
	}
	return out
}

// Close tears down every room.
func (h *Hub) Close() {
	h.mu.Lock()
	var ups []Upstream
	for _, e := range h.rooms {
		e.mu.Lock()
		ups = append(ups, h.teardownLocked(e))
		e.mu.Unlock()
	}
	h.mu.Unlock()
	for _, up := range ups {
		closeUpstream(up)
	}
}
