package chat

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

var (
	ErrNoSession        = errors.New("chat: no session configured")
	ErrAlreadyConnected = errors.New("chat: session already connected")
)

// Config describes one Twitch IRC session.
type Config struct {
	Username string
	Token    string
	Channels []string
	// ReadOnly sessions connect anonymously.
	ReadOnly bool
}

func (c Config) clone() Config {
	c.Channels = append([]string(nil), c.Channels...)
	return c
}

// merge overlays p on c: non-empty strings win, channels are unioned and
// ReadOnly is sticky once set.
func (c Config) merge(p Config) Config {
	out := c.clone()
	if p.Username != "" {
		out.Username = p.Username
	}
	if p.Token != "" {
		out.Token = p.Token
	}
	seen := make(map[string]struct{}, len(out.Channels))
	for _, ch := range out.Channels {
		seen[strings.ToLower(ch)] = struct{}{}
	}
	for _, ch := range p.Channels {
		if _, ok := seen[strings.ToLower(ch)]; ok {
			continue
		}
		seen[strings.ToLower(ch)] = struct{}{}
		out.Channels = append(out.Channels, ch)
	}
	out.ReadOnly = out.ReadOnly || p.ReadOnly
	return out
}

// Session is one constructed client and the config it was built from.
type Session struct {
	IRC    IRCClient
	Config Config

	retired atomic.Bool
	done    chan struct{}
}

const (
	// disconnectWait bounds how long a swap waits for the old read loop to exit.
	disconnectWait = 5 * time.Second
	// disconnectRetry spaces Disconnect attempts on a retired client that has
	// not finished its handshake.
	disconnectRetry = 100 * time.Millisecond
)

// Swappable keeps a single current Session and replaces it on demand.
type Swappable struct {
	factory Factory

	// swapMu serialises UpdateConfig and Close end to end.
	swapMu sync.Mutex

	mu           sync.Mutex
	cfg          Config
	cur          *Session
	live         bool
	closed       bool
	onSwap       []func(*Session)
	onDisconnect func(error)
	onConnect    []func()
	onPrivmsg    []func(twitch.PrivateMessage)
	onClearMsg   []func(twitch.ClearMessage)
	onClearChat  []func(twitch.ClearChatMessage)

	connected atomic.Bool
}

// NewSwappable returns a wrapper without a session. A nil factory means
// NewTwitchIRC.
func NewSwappable(factory Factory) *Swappable {
	if factory == nil {
		factory = NewTwitchIRC
	}
	return &Swappable{factory: factory}
}

// Current returns the current session, or nil.
func (w *Swappable) Current() *Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Config returns a copy of the active configuration.
func (w *Swappable) Config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.clone()
}

// Connected reports whether the current session has completed its IRC
// handshake and not dropped since.
func (w *Swappable) Connected() bool { return w.connected.Load() }

// OnSwap registers fn to run after every new session is built.
func (w *Swappable) OnSwap(fn func(*Session)) {
	w.mu.Lock()
	w.onSwap = append(w.onSwap, fn)
	w.mu.Unlock()
}

// OnDisconnect sets the callback for disconnects that were not caused by a
// swap or Close.
func (w *Swappable) OnDisconnect(fn func(error)) {
	w.mu.Lock()
	w.onDisconnect = fn
	w.mu.Unlock()
}

func (w *Swappable) OnConnect(fn func()) {
	w.mu.Lock()
	w.onConnect = append(w.onConnect, fn)
	w.mu.Unlock()
}

func (w *Swappable) OnPrivateMessage(fn func(twitch.PrivateMessage)) {
	w.mu.Lock()
	w.onPrivmsg = append(w.onPrivmsg, fn)
	w.mu.Unlock()
}

func (w *Swappable) OnClearMessage(fn func(twitch.ClearMessage)) {
	w.mu.Lock()
	w.onClearMsg = append(w.onClearMsg, fn)
	w.mu.Unlock()
}

func (w *Swappable) OnClearChat(fn func(twitch.ClearChatMessage)) {
	w.mu.Lock()
	w.onClearChat = append(w.onClearChat, fn)
	w.mu.Unlock()
}

// UpdateConfig replaces the session. A live session is disconnected before
// the new client is built; the new one is not connected.
func (w *Swappable) UpdateConfig(cfg Config) {
	w.swapMu.Lock()
	defer w.swapMu.Unlock()
	w.swap(cfg.clone())
}

// MergeConfig overlays partial on the current config and swaps.
func (w *Swappable) MergeConfig(partial Config) {
	w.swapMu.Lock()
	defer w.swapMu.Unlock()
	w.mu.Lock()
	cfg := w.cfg.merge(partial)
	w.mu.Unlock()
	w.swap(cfg)
}

func (w *Swappable) swap(cfg Config) {
	w.retire()

	s := &Session{Config: cfg, done: make(chan struct{})}
	s.IRC = w.factory(cfg.clone())
	w.attach(s)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		s.retired.Store(true)
		return
	}
	w.cfg = cfg
	w.cur = s
	hooks := append([]func(*Session){}, w.onSwap...)
	w.mu.Unlock()

	slog.Info("twitch chat session swapped",
		slog.String("user", cfg.Username),
		slog.Any("channels", cfg.Channels),
		slog.Bool("read_only", cfg.ReadOnly))
	for _, fn := range hooks {
		fn(s)
	}
}

// retire marks the current session stale and disconnects it if live.
//
// go-twitch-irc refuses Disconnect until the server's welcome arrives, so a
// client still handshaking (or between its own reconnects) cannot be stopped
// yet. Such a client is handed to reap, and its OnConnect dispatcher
// disconnects it the moment the handshake completes.
func (w *Swappable) retire() {
	w.mu.Lock()
	old, wasLive := w.cur, w.live
	w.cur, w.live = nil, false
	w.connected.Store(false)
	w.mu.Unlock()
	if old == nil {
		return
	}
	old.retired.Store(true)
	if !wasLive {
		return
	}
	if err := old.IRC.Disconnect(); err != nil {
		slog.Debug("twitch chat not yet connected, disconnecting once it is",
			slog.String("user", old.Config.Username), slog.Any("err", err))
		go reap(old)
		return
	}
	select {
	case <-old.done:
	case <-time.After(disconnectWait):
		slog.Warn("twitch chat read loop did not exit", slog.String("user", old.Config.Username))
	}
}

// reap retries Disconnect on a retired session until its read loop exits.
func reap(s *Session) {
	t := time.NewTicker(disconnectRetry)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			_ = s.IRC.Disconnect()
		}
	}
}

// attach installs one dispatcher per event on s.
func (w *Swappable) attach(s *Session) {
	s.IRC.OnConnect(func() {
		if s.retired.Load() {
			if err := s.IRC.Disconnect(); err != nil {
				slog.Warn("twitch chat disconnect failed", slog.Any("err", err))
			}
			return
		}
		w.connected.Store(true)
		w.mu.Lock()
		fns := append([]func(){}, w.onConnect...)
		w.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
	s.IRC.OnPrivateMessage(func(m twitch.PrivateMessage) {
		if s.retired.Load() {
			return
		}
		w.mu.Lock()
		fns := append([]func(twitch.PrivateMessage){}, w.onPrivmsg...)
		w.mu.Unlock()
		for _, fn := range fns {
			fn(m)
		}
	})
	s.IRC.OnClearMessage(func(m twitch.ClearMessage) {
		if s.retired.Load() {
			return
		}
		w.mu.Lock()
		fns := append([]func(twitch.ClearMessage){}, w.onClearMsg...)
		w.mu.Unlock()
		for _, fn := range fns {
			fn(m)
		}
	})
	s.IRC.OnClearChatMessage(func(m twitch.ClearChatMessage) {
		if s.retired.Load() {
			return
		}
		w.mu.Lock()
		fns := append([]func(twitch.ClearChatMessage){}, w.onClearChat...)
		w.mu.Unlock()
		for _, fn := range fns {
			fn(m)
		}
	})
}

// Connect joins the configured channels and starts the current session. The
// IRC read loop runs in its own goroutine; Connect returns immediately.
func (w *Swappable) Connect() error {
	w.mu.Lock()
	s := w.cur
	switch {
	case w.closed || s == nil:
		w.mu.Unlock()
		return ErrNoSession
	case w.live:
		w.mu.Unlock()
		return ErrAlreadyConnected
	}
	w.live = true
	w.mu.Unlock()

	if len(s.Config.Channels) > 0 {
		s.IRC.Join(s.Config.Channels...)
	}
	go w.run(s)
	return nil
}

func (w *Swappable) run(s *Session) {
	err := s.IRC.Connect()
	defer close(s.done)

	w.mu.Lock()
	if w.cur == s {
		w.live = false
		w.connected.Store(false)
	}
	cb := w.onDisconnect
	w.mu.Unlock()

	if s.retired.Load() {
		slog.Debug("twitch chat session ended", slog.String("user", s.Config.Username))
		return
	}
	slog.Warn("twitch chat disconnected", slog.String("user", s.Config.Username), slog.Any("err", err))
	if cb != nil {
		cb(err)
	}
}

// Close disconnects the current session. Later Connect calls fail.
func (w *Swappable) Close() {
	w.swapMu.Lock()
	defer w.swapMu.Unlock()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.retire()
}
