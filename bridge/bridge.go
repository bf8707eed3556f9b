// Package bridge relays chat between a Twitch channel and a PeerTube livechat
// room.
//
// Twitch messages are republished in the room by one PeerTube identity per
// Twitch user; room messages are republished on Twitch by the bridge account
// through Helix, prefixed with the author's nickname and in a color chosen per
// author. Every relayed message is recorded in a per-direction Correlator so
// deletions on one side can be mirrored on the other.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/chat-bridge/chat"
	"github.com/onnwee/chat-bridge/emote"
	"github.com/onnwee/chat-bridge/peertube"
	"github.com/onnwee/chat-bridge/telemetry"
	"github.com/onnwee/chat-bridge/twitchapi"
)

const (
	defaultQueueSize  = 256
	relayTimeout      = 30 * time.Second
	maxTwitchMessage  = 500
	receiverNickRange = 20
	maxReconnectDelay = time.Minute
)

// TwitchAPI is the Helix surface the bridge needs.
type TwitchAPI interface {
	GetUserID(ctx context.Context, login string) (string, error)
	GetChatColor(ctx context.Context, userID string) (string, error)
	SetChatColor(ctx context.Context, userID, color string) error
	SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) (string, error)
	DeleteChatMessage(ctx context.Context, broadcasterID, moderatorID, messageID string) error
	GetGlobalEmotes(ctx context.Context) ([]twitchapi.Emote, error)
	GetChannelEmotes(ctx context.Context, broadcasterID string) ([]twitchapi.Emote, error)
}

// TokenValidator resolves which account a token belongs to.
type TokenValidator interface {
	Validate(ctx context.Context, accessToken string) (*twitchapi.TokenInfo, error)
}

// Config holds the bridge settings.
type Config struct {
	// Channel is the Twitch channel login.
	Channel  string
	ReadOnly bool
	// QueueSize bounds each direction's backlog of unprocessed messages.
	QueueSize int
	// ReceiverNickname defaults to "Twitch Receiver #<1..20>".
	ReceiverNickname string
	PreDeleteTTL     time.Duration
}

// Options carries the bridge's collaborators.
type Options struct {
	Dial       RoomDialer
	Helix      TwitchAPI
	Validator  TokenValidator
	Translator *emote.Translator
	// Intn picks random numbers; math/rand when nil.
	Intn func(n int) int
	// TwitchReady reports whether the IRC session is connected.
	TwitchReady func() bool
}

type job func(ctx context.Context)

type twitchState struct {
	botLogin      string
	botID         string
	broadcasterID string
	color         string
}

// Bridge is the relay. Its zero value is not usable; call New.
type Bridge struct {
	cfg   Config
	dial  RoomDialer
	helix TwitchAPI
	auth  TokenValidator
	tr    *emote.Translator
	ready func() bool
	log   *slog.Logger

	registry   *Registry
	toPeerTube *Correlator
	toTwitch   *Correlator
	colors     *ColorPicker

	queuePT chan job
	queueTW chan job

	mu       sync.RWMutex
	tw       twitchState
	receiver Room

	receiverNick  string
	receiverReady atomic.Bool
	closed        atomic.Bool
}

// New builds a bridge. Call Run to start relaying and StartReceiver to join
// the room.
func New(cfg Config, opts Options) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	tr := opts.Translator
	if tr == nil {
		tr = emote.New()
	}
	ready := opts.TwitchReady
	if ready == nil {
		ready = func() bool { return true }
	}
	colors := NewColorPicker(nil, opts.Intn)
	nick := cfg.ReceiverNickname
	if nick == "" {
		nick = fmt.Sprintf("Twitch Receiver #%d", colors.intn(receiverNickRange)+1)
	}
	return &Bridge{
		cfg:          cfg,
		dial:         opts.Dial,
		helix:        opts.Helix,
		auth:         opts.Validator,
		tr:           tr,
		ready:        ready,
		log:          slog.With(slog.String("component", "bridge")),
		registry:     NewRegistry(opts.Dial),
		toPeerTube:   NewCorrelator(cfg.PreDeleteTTL),
		toTwitch:     NewCorrelator(cfg.PreDeleteTTL),
		colors:       colors,
		queuePT:      make(chan job, cfg.QueueSize),
		queueTW:      make(chan job, cfg.QueueSize),
		receiverNick: nick,
	}
}

// Subscribe registers the bridge's Twitch handlers on w. They survive swaps.
func (b *Bridge) Subscribe(w *chat.Swappable) {
	w.OnPrivateMessage(b.HandleTwitchMessage)
	w.OnClearMessage(b.HandleTwitchDelete)
	w.OnClearChat(b.HandleTwitchClearChat)
}

// AttachTwitch refreshes everything tied to the Twitch account of s: the bot
// identity, the broadcaster id, the bot's current color and the Twitch emote
// vocabulary. Anonymous sessions clear the bot identity, which disables
// relaying to Twitch.
func (b *Bridge) AttachTwitch(ctx context.Context, s *chat.Session) error {
	if s.Config.Token == "" || b.auth == nil || b.helix == nil {
		b.mu.Lock()
		b.tw = twitchState{}
		b.mu.Unlock()
		b.log.Info("twitch session is anonymous; relaying to twitch disabled")
		return nil
	}
	info, err := b.auth.Validate(ctx, s.Config.Token)
	if err != nil {
		return fmt.Errorf("validate twitch token: %w", err)
	}
	broadcasterID, err := b.helix.GetUserID(ctx, b.cfg.Channel)
	if err != nil {
		return fmt.Errorf("resolve channel %s: %w", b.cfg.Channel, err)
	}
	st := twitchState{botLogin: strings.ToLower(info.Login), botID: info.UserID, broadcasterID: broadcasterID}
	if color, err := b.helix.GetChatColor(ctx, info.UserID); err != nil {
		b.log.Warn("failed to read bot chat color", slog.Any("err", err))
	} else {
		st.color = NormalizeColor(color)
	}
	b.mu.Lock()
	b.tw = st
	b.mu.Unlock()
	b.log.Info("twitch is logged in",
		slog.String("login", st.botLogin),
		slog.String("user_id", st.botID),
		slog.String("channel", b.cfg.Channel),
		slog.String("color", st.color))

	b.refreshTwitchEmotes(ctx, broadcasterID)
	return nil
}

func (b *Bridge) refreshTwitchEmotes(ctx context.Context, broadcasterID string) {
	var names []string
	global, err := b.helix.GetGlobalEmotes(ctx)
	if err != nil {
		b.log.Warn("failed to fetch global emotes", slog.Any("err", err))
	}
	channel, err := b.helix.GetChannelEmotes(ctx, broadcasterID)
	if err != nil {
		b.log.Warn("failed to fetch channel emotes", slog.Any("err", err))
	}
	for _, e := range channel {
		names = append(names, e.Name)
	}
	for _, e := range global {
		names = append(names, e.Name)
	}
	if len(names) == 0 {
		return
	}
	b.tr.Update(emote.PlatformTwitch, names)
	b.log.Info("twitch emote vocabulary updated", slog.Int("count", len(names)))
}

func (b *Bridge) account() twitchState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tw
}

// StartReceiver joins the room with the receiver presence that listens for
// PeerTube messages. A lost receiver reconnects with backoff until ctx ends.
func (b *Bridge) StartReceiver(ctx context.Context) error {
	return b.dialReceiver(ctx)
}

func (b *Bridge) dialReceiver(ctx context.Context) error {
	h := peertube.Handlers{
		OnMessage: b.HandlePeerTubeMessage,
		OnRetract: b.HandlePeerTubeRetract,
		OnClose:   func(err error) { b.receiverLost(ctx, err) },
	}
	room, err := b.dial(ctx, b.receiverNick, h)
	if err != nil {
		return fmt.Errorf("join room as %s: %w", b.receiverNick, err)
	}
	b.registry.Ignore(room.Self().OccupantID)
	b.mu.Lock()
	b.receiver = room
	b.mu.Unlock()
	b.receiverReady.Store(true)
	b.log.Info("receiver joined room", slog.String("nick", b.receiverNick), slog.String("occupant_id", room.Self().OccupantID))

	if list, err := room.Emojis(ctx); err != nil {
		b.log.Warn("failed to fetch custom emojis", slog.Any("err", err))
	} else if len(list) > 0 {
		b.tr.Update(emote.PlatformPeerTube, list.Shortcodes())
		b.log.Info("peertube emote vocabulary updated", slog.Int("count", len(list)))
	}
	return nil
}

func (b *Bridge) receiverLost(ctx context.Context, err error) {
	b.receiverReady.Store(false)
	if b.closed.Load() || ctx.Err() != nil {
		return
	}
	b.log.Warn("receiver lost the room", slog.Any("err", err))
	go func() {
		delay := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if b.closed.Load() {
				return
			}
			err := b.dialReceiver(ctx)
			if err == nil {
				return
			}
			b.log.Warn("receiver reconnect failed", slog.Any("err", err), slog.Duration("retry_in", delay))
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
	}()
}

// Run processes both directions' queues until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, q := range []chan job{b.queuePT, b.queueTW} {
		wg.Add(1)
		go func(q chan job) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-q:
					jctx, cancel := context.WithTimeout(ctx, relayTimeout)
					j(jctx)
					cancel()
				}
			}
		}(q)
	}
	wg.Wait()
	return ctx.Err()
}

func (b *Bridge) enqueue(q chan job, direction string, j job) {
	select {
	case q <- j:
	default:
		telemetry.RelayFailed(direction, "queue_full")
		b.log.Warn("relay queue full; dropping message", slog.String("direction", direction))
	}
}

// HandleTwitchMessage queues a Twitch chat message for the room.
func (b *Bridge) HandleTwitchMessage(m twitch.PrivateMessage) {
	b.enqueue(b.queuePT, telemetry.DirectionToPeerTube, func(ctx context.Context) {
		b.relayToPeerTube(ctx, m)
	})
}

func (b *Bridge) relayToPeerTube(ctx context.Context, m twitch.PrivateMessage) {
	const dir = telemetry.DirectionToPeerTube
	if bot := b.account().botLogin; bot != "" && strings.EqualFold(m.User.Name, bot) {
		return
	}
	if b.toPeerTube.Cleared(m.User.ID, m.Time) {
		b.log.Debug("message from cleared user dropped", slog.String("direction", dir), slog.String("id", m.ID))
		return
	}
	if !b.toPeerTube.Begin(m.ID, m.User.ID) {
		telemetry.PreDeleted()
		b.log.Debug("message deleted before relay", slog.String("direction", dir), slog.String("id", m.ID))
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "bridge.relay",
		attribute.String("direction", dir),
		attribute.String("twitch.user", m.User.Name))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	room, err := b.registry.Get(ctx, m.User.ID, m.User.DisplayName)
	if err != nil {
		b.toPeerTube.Fail(m.ID)
		b.failed(dir, "spawn", err, slog.String("user", m.User.Name))
		return
	}

	names := make([]string, 0, len(m.Emotes))
	for _, e := range m.Emotes {
		if e != nil {
			names = append(names, e.Name)
		}
	}
	text := RewriteForPeerTube(b.tr, m.Message, names)

	sent, err := room.Send(ctx, text)
	if err != nil {
		b.toPeerTube.Fail(m.ID)
		b.failed(dir, "publish", err, slog.String("user", m.User.Name))
		return
	}
	remote := sent.StanzaID
	if remote == "" {
		remote = sent.OriginID
	}
	if b.toPeerTube.Complete(m.ID, Entry{RemoteID: remote, Author: m.User.ID}) {
		telemetry.PreDeleted()
		if err = room.Retract(ctx, remote); err != nil {
			b.failed(dir, "delete", err, slog.String("id", m.ID))
		}
		return
	}
	telemetry.MessageRelayed(dir)
	b.log.Debug("relayed message", slog.String("direction", dir), slog.String("id", m.ID), slog.String("remote_id", remote))
}

// HandleTwitchDelete mirrors a single-message removal on Twitch.
func (b *Bridge) HandleTwitchDelete(m twitch.ClearMessage) {
	id := m.Tags["target-msg-id"]
	if id == "" {
		return
	}
	e, ok := b.toPeerTube.Remove(id)
	if !ok {
		return
	}
	go b.retract(e)
}

// HandleTwitchClearChat mirrors a user's timeout or ban by withdrawing every
// message relayed for that user.
func (b *Bridge) HandleTwitchClearChat(m twitch.ClearChatMessage) {
	userID := m.Tags["target-user-id"]
	if userID == "" {
		return
	}
	for _, e := range b.toPeerTube.RemoveByAuthor(userID, m.Time) {
		go b.retract(e)
	}
}

func (b *Bridge) retract(e Entry) {
	const dir = telemetry.DirectionToPeerTube
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "bridge.delete", attribute.String("direction", dir))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	room, ok := b.registry.Lookup(e.Author)
	if !ok {
		err = errors.New("identity no longer connected")
		b.failed(dir, "delete", err, slog.String("remote_id", e.RemoteID))
		return
	}
	if err = room.Retract(ctx, e.RemoteID); err != nil {
		b.failed(dir, "delete", err, slog.String("remote_id", e.RemoteID))
		return
	}
	telemetry.MessageDeleted(dir)
}

// HandlePeerTubeMessage queues a room message for Twitch.
func (b *Bridge) HandlePeerTubeMessage(msg peertube.Message) {
	if msg.Author == nil || b.registry.Ignored(msg.Author.OccupantID) || b.cfg.ReadOnly {
		return
	}
	b.enqueue(b.queueTW, telemetry.DirectionToTwitch, func(ctx context.Context) {
		b.relayToTwitch(ctx, msg)
	})
}

func (b *Bridge) relayToTwitch(ctx context.Context, msg peertube.Message) {
	const dir = telemetry.DirectionToTwitch
	st := b.account()
	if !b.ready() || st.botID == "" || b.helix == nil {
		b.log.Debug("twitch not ready; dropping message", slog.String("id", msg.ID))
		return
	}
	author := msg.Author.OccupantID
	b.toTwitch.Alias(msg.OriginID, msg.ID)
	if !b.toTwitch.Begin(msg.ID, author) {
		telemetry.PreDeleted()
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "bridge.relay",
		attribute.String("direction", dir),
		attribute.String("peertube.occupant", author))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	color := b.colors.Assign(author, st.color)
	if color != st.color {
		if cerr := b.helix.SetChatColor(ctx, st.botID, color); cerr != nil {
			b.failed(dir, "color", cerr, slog.String("color", color))
		} else {
			b.mu.Lock()
			b.tw.color = color
			b.mu.Unlock()
		}
	}

	text := truncate("@"+msg.Author.Nickname+" "+RewriteForTwitch(b.tr, msg.Body), maxTwitchMessage)
	id, err := b.helix.SendChatMessage(ctx, st.broadcasterID, st.botID, text)
	if err != nil {
		b.toTwitch.Fail(msg.ID)
		b.failed(dir, "publish", err, slog.String("nick", msg.Author.Nickname))
		return
	}
	if b.toTwitch.Complete(msg.ID, Entry{RemoteID: id, Author: author}) {
		telemetry.PreDeleted()
		if err = b.helix.DeleteChatMessage(ctx, st.broadcasterID, st.botID, id); err != nil {
			b.failed(dir, "delete", err, slog.String("id", id))
		}
		return
	}
	telemetry.MessageRelayed(dir)
	b.log.Debug("relayed message", slog.String("direction", dir), slog.String("id", msg.ID), slog.String("remote_id", id))
}

// HandlePeerTubeRetract mirrors a retraction in the room on Twitch.
func (b *Bridge) HandlePeerTubeRetract(r peertube.Retraction) {
	e, ok := b.toTwitch.Remove(r.ID)
	if !ok {
		return
	}
	go func() {
		const dir = telemetry.DirectionToTwitch
		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		defer cancel()
		ctx, span := telemetry.StartSpan(ctx, "bridge.delete", attribute.String("direction", dir))
		st := b.account()
		err := b.helix.DeleteChatMessage(ctx, st.broadcasterID, st.botID, e.RemoteID)
		telemetry.EndSpan(span, err)
		if err != nil {
			b.failed(dir, "delete", err, slog.String("remote_id", e.RemoteID))
			return
		}
		telemetry.MessageDeleted(dir)
	}()
}

func (b *Bridge) failed(direction, op string, err error, attrs ...any) {
	telemetry.RelayFailed(direction, op)
	args := append([]any{slog.String("direction", direction), slog.String("op", op), slog.Any("err", err)}, attrs...)
	b.log.Warn("relay failed", args...)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Ready reports whether both sides are connected.
func (b *Bridge) Ready() bool {
	return b.ready() && b.receiverReady.Load()
}

// Status is a point-in-time view of the bridge.
type Status struct {
	Channel          string            `json:"channel"`
	ReadOnly         bool              `json:"readOnly"`
	TwitchConnected  bool              `json:"twitchConnected"`
	ReceiverReady    bool              `json:"receiverReady"`
	BotLogin         string            `json:"botLogin,omitempty"`
	BotColor         string            `json:"botColor,omitempty"`
	ReceiverNickname string            `json:"receiverNickname"`
	Identities       map[string]string `json:"identities"`
	Colors           map[string]string `json:"colors"`
	Correlations     map[string]int    `json:"correlations"`
	PreDeleted       map[string]int    `json:"preDeleted"`
}

// Status reports the bridge's current state.
func (b *Bridge) Status() Status {
	st := b.account()
	return Status{
		Channel:          b.cfg.Channel,
		ReadOnly:         b.cfg.ReadOnly,
		TwitchConnected:  b.ready(),
		ReceiverReady:    b.receiverReady.Load(),
		BotLogin:         st.botLogin,
		BotColor:         st.color,
		ReceiverNickname: b.receiverNick,
		Identities:       b.registry.Identities(),
		Colors:           b.colors.Snapshot(),
		Correlations: map[string]int{
			telemetry.DirectionToPeerTube: b.toPeerTube.Len(),
			telemetry.DirectionToTwitch:   b.toTwitch.Len(),
		},
		PreDeleted: map[string]int{
			telemetry.DirectionToPeerTube: b.toPeerTube.PreDeleted(),
			telemetry.DirectionToTwitch:   b.toTwitch.PreDeleted(),
		},
	}
}

// Close leaves the room with the receiver and every identity.
func (b *Bridge) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	receiver := b.receiver
	b.receiver = nil
	b.mu.Unlock()
	b.receiverReady.Store(false)
	if receiver != nil {
		_ = receiver.Close()
	}
	b.registry.Close()
}
