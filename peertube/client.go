package peertube

import (
	"context"
	"encoding/xml"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var (
	ErrClosed           = errors.New("peertube: client closed")
	ErrNicknameConflict = errors.New("peertube: nickname already in use")
)

const (
	defaultHistory   = 20
	keepAliveEvery   = 30 * time.Second
	writeTimeout     = 10 * time.Second
	retractFallback  = "This person attempted to retract a previous message, but it's unsupported by your client."
	statusSelfOccupy = "110"
)

// Occupant is a participant of the room.
type Occupant struct {
	OccupantID string
	Nickname   string
}

// Message is a groupchat message seen in the room.
type Message struct {
	// ID is the stanza id assigned by the room, or the origin id when the
	// room assigns none.
	ID       string
	OriginID string
	StanzaID string
	// Author is nil for messages sent by the room itself.
	Author *Occupant
	Body   string
	At     time.Time
}

// Retraction reports that a message was withdrawn by its author or a
// moderator.
type Retraction struct {
	ID        string
	By        *Occupant
	Moderated bool
}

// Sent describes a message after the room reflected it.
type Sent struct {
	OriginID   string
	StanzaID   string
	OccupantID string
}

// Handlers receive room events on the client's read goroutine.
type Handlers struct {
	OnMessage func(Message)
	OnHistory func(Message)
	OnRetract func(Retraction)
	// OnClose is called once when the connection ends without Close.
	OnClose func(error)
}

// Options configure Dial.
type Options struct {
	Room     RoomConfig
	Nickname string
	// History is the number of past messages requested on join.
	History    int
	Handlers   Handlers
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Client is one anonymous occupant of a livechat room.
type Client struct {
	conn *websocket.Conn
	opts Options
	log  *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	jid       string
	self      Occupant
	occupants map[string]Occupant
	pending   map[string]chan Sent
	emojis    Emojis
	emojisOK  bool
	closing   bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Open fetches the room configuration of roomID on instance and dials it.
func Open(ctx context.Context, instance, roomID string, opts Options) (*Client, error) {
	room, err := FetchRoomConfig(ctx, opts.HTTPClient, instance, roomID)
	if err != nil {
		return nil, err
	}
	opts.Room = room
	return Dial(ctx, opts)
}

// Dial connects, authenticates anonymously and joins the room. It returns
// once the room has confirmed the client's own presence.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Room.WebsocketURL == "" || opts.Room.RoomJID == "" {
		return nil, errors.New("peertube: room config incomplete")
	}
	if opts.Nickname == "" {
		return nil, errors.New("peertube: nickname required")
	}
	if opts.History == 0 {
		opts.History = defaultHistory
	}
	dialer := *websocket.DefaultDialer
	if opts.Dialer != nil {
		dialer = *opts.Dialer
	}
	dialer.Subprotocols = []string{"xmpp"}

	conn, _, err := dialer.DialContext(ctx, opts.Room.WebsocketURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", opts.Room.WebsocketURL)
	}
	c := &Client{
		conn:      conn,
		opts:      opts,
		log:       slog.With(slog.String("component", "peertube"), slog.String("room", opts.Room.Key()), slog.String("nick", opts.Nickname)),
		occupants: make(map[string]Occupant),
		pending:   make(map[string]chan Sent),
		done:      make(chan struct{}),
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = c.handshake()
	if err == nil {
		err = c.join()
	}
	if !stop() || err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	c.log.Info("joined livechat room", slog.String("occupant_id", c.self.OccupantID))
	go c.readLoop()
	go c.keepAlive()
	return c, nil
}

func (c *Client) handshake() error {
	domain := c.opts.Room.Domain
	if err := c.write("", framingOpen{To: domain, Version: "1.0"}); err != nil {
		return err
	}
	f, err := c.awaitFeatures()
	if err != nil {
		return err
	}
	anonymous := false
	for _, m := range f.Mechanisms {
		if m == "ANONYMOUS" {
			anonymous = true
		}
	}
	if !anonymous {
		return ErrAnonymousDisabled
	}

	if err := c.write("", saslAuth{Mechanism: "ANONYMOUS"}); err != nil {
		return err
	}
	frame, name, err := c.readFrame()
	if err != nil {
		return err
	}
	switch name {
	case "success":
	case "failure":
		var fail saslFailure
		_ = xml.Unmarshal(frame, &fail)
		return errors.Errorf("peertube: sasl failure: %s %s", fail.Condition.XMLName.Local, fail.Text)
	default:
		return errors.Errorf("peertube: unexpected %q during authentication", name)
	}

	if err := c.write("", framingOpen{To: domain, Version: "1.0"}); err != nil {
		return err
	}
	if _, err := c.awaitFeatures(); err != nil {
		return err
	}
	bindID := uuid.NewString()
	if err := c.write("iq", iqStanza{ID: bindID, Type: "set", Bind: &bindQuery{}}); err != nil {
		return err
	}
	for {
		frame, name, err := c.readFrame()
		if err != nil {
			return err
		}
		if name != "iq" {
			continue
		}
		var iq iqStanza
		if err := xml.Unmarshal(frame, &iq); err != nil {
			return errors.Wrap(err, "decode bind result")
		}
		if iq.ID != bindID {
			continue
		}
		if iq.Type != "result" || iq.Bind == nil || iq.Bind.JID == "" {
			return errors.Errorf("peertube: resource bind failed: %s", iq.Error.condition())
		}
		c.jid = iq.Bind.JID
		return nil
	}
}

func (c *Client) awaitFeatures() (*features, error) {
	for {
		frame, name, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		switch name {
		case "open":
			continue
		case "features":
			var f features
			if err := xml.Unmarshal(frame, &f); err != nil {
				return nil, errors.Wrap(err, "decode stream features")
			}
			return &f, nil
		case "close":
			return nil, errors.New("peertube: server closed the stream")
		default:
			return nil, errors.Errorf("peertube: unexpected %q before stream features", name)
		}
	}
}

func (c *Client) join() error {
	p := presenceStanza{
		ID:   uuid.NewString(),
		To:   c.opts.Room.RoomJID + "/" + c.opts.Nickname,
		Join: &mucJoin{History: &mucHistory{MaxStanzas: c.opts.History}},
	}
	if err := c.write("presence", p); err != nil {
		return err
	}
	for {
		frame, name, err := c.readFrame()
		if err != nil {
			return err
		}
		joined, err := c.dispatch(frame, name)
		if err != nil {
			return err
		}
		if joined {
			return nil
		}
	}
}

func (c *Client) readFrame() ([]byte, string, error) {
	for {
		typ, frame, err := c.conn.ReadMessage()
		if err != nil {
			return nil, "", errors.Wrap(err, "read frame")
		}
		if typ != websocket.TextMessage {
			continue
		}
		name, err := rootName(frame)
		if err != nil {
			return nil, "", err
		}
		return frame, name, nil
	}
}

func (c *Client) readLoop() {
	var err error
	for {
		var (
			frame []byte
			name  string
		)
		frame, name, err = c.readFrame()
		if err != nil {
			break
		}
		if name == "close" {
			err = errors.New("peertube: server closed the stream")
			break
		}
		if _, derr := c.dispatch(frame, name); derr != nil {
			c.log.Warn("dropping stanza", slog.Any("err", derr))
		}
	}
	c.shutdown(err)
}

// dispatch handles one inbound stanza. joined reports the client's own
// presence.
func (c *Client) dispatch(frame []byte, name string) (joined bool, err error) {
	switch name {
	case "presence":
		var p presenceStanza
		if err := xml.Unmarshal(frame, &p); err != nil {
			return false, errors.Wrap(err, "decode presence")
		}
		return c.handlePresence(&p)
	case "message":
		var m messageStanza
		if err := xml.Unmarshal(frame, &m); err != nil {
			return false, errors.Wrap(err, "decode message")
		}
		c.handleMessage(&m)
	case "iq":
		var iq iqStanza
		if err := xml.Unmarshal(frame, &iq); err != nil {
			return false, errors.Wrap(err, "decode iq")
		}
		c.handleIQ(&iq)
	}
	return false, nil
}

func (c *Client) handlePresence(p *presenceStanza) (bool, error) {
	bare, nick := splitJID(p.From)
	if bare != c.opts.Room.RoomJID || nick == "" {
		return false, nil
	}
	if p.Type == "error" {
		if p.Error.condition() == "conflict" {
			return false, ErrNicknameConflict
		}
		return false, errors.Errorf("peertube: join refused: %s", p.Error.condition())
	}
	occ := Occupant{Nickname: nick, OccupantID: nick}
	if p.OccupantID != nil && p.OccupantID.ID != "" {
		occ.OccupantID = p.OccupantID.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p.Type == "unavailable" {
		delete(c.occupants, nick)
		return false, nil
	}
	c.occupants[nick] = occ
	if p.User.has(statusSelfOccupy) {
		c.self = occ
		return true, nil
	}
	return false, nil
}

func (c *Client) handleMessage(m *messageStanza) {
	if m.Type != "groupchat" {
		return
	}
	bare, nick := splitJID(m.From)
	if bare != c.opts.Room.RoomJID {
		return
	}
	var author *Occupant
	if nick != "" {
		occ := Occupant{Nickname: nick, OccupantID: nick}
		c.mu.Lock()
		if known, ok := c.occupants[nick]; ok {
			occ = known
		}
		c.mu.Unlock()
		if m.OccupantID != nil && m.OccupantID.ID != "" {
			occ.OccupantID = m.OccupantID.ID
		}
		author = &occ
	}

	h := c.opts.Handlers
	if id, moderated := m.retractedID(); id != "" {
		if h.OnRetract != nil {
			h.OnRetract(Retraction{ID: id, By: author, Moderated: moderated})
		}
		return
	}

	msg := Message{Author: author, Body: m.Body, At: time.Now()}
	if m.OriginID != nil {
		msg.OriginID = m.OriginID.ID
	}
	if m.StanzaID != nil && m.StanzaID.By == bare {
		msg.StanzaID = m.StanzaID.ID
	}
	msg.ID = msg.StanzaID
	if msg.ID == "" {
		msg.ID = msg.OriginID
	}
	if msg.ID == "" {
		msg.ID = m.ID
	}

	if m.Delay == nil && msg.OriginID != "" {
		c.mu.Lock()
		ch, ok := c.pending[msg.OriginID]
		delete(c.pending, msg.OriginID)
		c.mu.Unlock()
		if ok {
			sent := Sent{OriginID: msg.OriginID, StanzaID: msg.StanzaID}
			if author != nil {
				sent.OccupantID = author.OccupantID
			}
			ch <- sent
		}
	}

	if m.Body == "" {
		return
	}
	if m.Delay != nil {
		if t, err := time.Parse(time.RFC3339, m.Delay.Stamp); err == nil {
			msg.At = t
		}
		if h.OnHistory != nil {
			h.OnHistory(msg)
		}
		return
	}
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}

func (c *Client) handleIQ(iq *iqStanza) {
	if iq.Type != "get" && iq.Type != "set" {
		return
	}
	reply := iqStanza{ID: iq.ID, To: iq.From}
	if iq.Ping != nil {
		reply.Type = "result"
	} else {
		reply.Type = "error"
		reply.Error = &stanzaError{Type: "cancel"}
		reply.Error.Condition.XMLName = xml.Name{Space: nsStanzas, Local: "service-unavailable"}
	}
	if err := c.write("iq", reply); err != nil {
		c.log.Debug("iq reply failed", slog.Any("err", err))
	}
}

func (c *Client) keepAlive() {
	t := time.NewTicker(keepAliveEvery)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("keepalive ping failed", slog.Any("err", err))
			}
		}
	}
}

func (c *Client) write(local string, v any) error {
	b, err := encode(local, v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Wrap(err, "write stanza")
	}
	return nil
}

// Send posts body to the room and waits for the room to echo it back.
func (c *Client) Send(ctx context.Context, body string) (Sent, error) {
	origin := uuid.NewString()
	ch := make(chan Sent, 1)
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return Sent{}, ErrClosed
	}
	c.pending[origin] = ch
	c.mu.Unlock()

	m := messageStanza{
		ID:       origin,
		To:       c.opts.Room.RoomJID,
		Type:     "groupchat",
		Body:     body,
		OriginID: &idElem{ID: origin},
	}
	if err := c.write("message", m); err != nil {
		c.forget(origin)
		return Sent{}, err
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		c.forget(origin)
		return Sent{}, ctx.Err()
	case <-c.done:
		return Sent{}, ErrClosed
	}
}

func (c *Client) forget(origin string) {
	c.mu.Lock()
	delete(c.pending, origin)
	c.mu.Unlock()
}

// Retract withdraws a message this client sent. id may be the stanza id
// assigned by the room or the origin id.
func (c *Client) Retract(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	m := messageStanza{
		ID:       uuid.NewString(),
		To:       c.opts.Room.RoomJID,
		Type:     "groupchat",
		Body:     retractFallback,
		Retract:  &retractElem{ID: id},
		ApplyTo:  &applyToElem{ID: id, Retract: &struct{}{}},
		Fallback: &fallbackElem{For: nsRetract},
		Store:    &struct{}{},
	}
	return c.write("message", m)
}

// Self returns the client's own occupant.
func (c *Client) Self() Occupant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Room returns the configuration the client joined with.
func (c *Client) Room() RoomConfig { return c.opts.Room }

// Emojis returns the room's custom emojis, fetching them on first use.
func (c *Client) Emojis(ctx context.Context) (Emojis, error) {
	c.mu.Lock()
	if c.emojisOK {
		defer c.mu.Unlock()
		return c.emojis, nil
	}
	c.mu.Unlock()

	list, err := FetchEmojis(ctx, c.opts.HTTPClient, c.opts.Room.CustomEmojisURL)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.emojis, c.emojisOK = list, true
	c.mu.Unlock()
	return list, nil
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close leaves the room and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	_ = c.write("presence", presenceStanza{To: c.opts.Room.RoomJID + "/" + c.opts.Nickname, Type: "unavailable"})
	_ = c.write("", framingClose{})
	err := c.conn.Close()
	c.shutdown(nil)
	return err
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		intentional := c.closing
		c.closing = true
		if err == nil || intentional {
			err = ErrClosed
		}
		c.err = err
		c.pending = make(map[string]chan Sent)
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
		if intentional {
			c.log.Info("left livechat room")
			return
		}
		c.log.Warn("livechat connection lost", slog.Any("err", err))
		if c.opts.Handlers.OnClose != nil {
			c.opts.Handlers.OnClose(err)
		}
	})
}
