package testutil

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// PNG is a 1x1 transparent PNG served for every mock emoji.
var PNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

// MockLivechat is an in-process PeerTube livechat instance: the room
// configuration and emoji endpoints plus a scripted XMPP-over-WebSocket MUC
// that accepts anonymous logins.
type MockLivechat struct {
	*httptest.Server
	RoomID    string
	Domain    string
	MUCDomain string
	Emojis    []string

	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	seq      int
	sessions map[*livechatSession]struct{}
	history  []string
	received []string
	pongs    map[string]bool
}

type livechatSession struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	jid        string
	nick       string
	occupantID string
	authed     bool
}

// NewMockLivechat starts the mock with one room and the given emoji
// shortcodes.
func NewMockLivechat(t *testing.T, roomID string, emojis ...string) *MockLivechat {
	t.Helper()
	m := &MockLivechat{
		RoomID:    roomID,
		Domain:    "anon.example",
		MUCDomain: "room.example",
		Emojis:    emojis,
		t:         t,
		upgrader:  websocket.Upgrader{Subprotocols: []string{"xmpp"}},
		sessions:  make(map[*livechatSession]struct{}),
		pongs:     make(map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/plugins/livechat/router/api/configuration/room/", m.serveRoomConfig)
	mux.HandleFunc("/emojis.json", m.serveEmojis)
	mux.HandleFunc("/emoji/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(PNG)
	})
	mux.HandleFunc("/xmpp-websocket", m.serveWS)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// Instance is the value to use as the PeerTube instance.
func (m *MockLivechat) Instance() string { return m.URL }

// RoomJID is the bare JID of the room.
func (m *MockLivechat) RoomJID() string { return m.RoomID + "@" + m.MUCDomain }

func (m *MockLivechat) serveRoomConfig(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/plugins/livechat/router/api/configuration/room/")
	if id != m.RoomID {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{
		"xmppServer": map[string]any{
			"host": m.Domain,
			"room": m.MUCDomain,
			"anonymous": map[string]any{
				"virtualhost":  m.Domain,
				"websocketUri": "/xmpp-websocket",
			},
		},
		"customEmojisUrl": "/emojis.json",
	})
}

func (m *MockLivechat) serveEmojis(w http.ResponseWriter, r *http.Request) {
	list := make([]map[string]string, 0, len(m.Emojis))
	for _, sn := range m.Emojis {
		list = append(list, map[string]string{"sn": sn, "url": "/emoji/" + strings.Trim(sn, ":") + ".png"})
	}
	writeJSON(w, map[string]any{"customEmojis": list})
}

type inbound struct {
	XMLName xml.Name
	ID      string `xml:"id,attr"`
	To      string `xml:"to,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:"body"`
	Origin  *struct {
		ID string `xml:"id,attr"`
	} `xml:"urn:xmpp:sid:0 origin-id"`
	Retract *struct {
		ID string `xml:"id,attr"`
	} `xml:"urn:xmpp:message-retract:1 retract"`
	Bind *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	MUC  *struct {
		History *struct {
			Max int `xml:"maxstanzas,attr"`
		} `xml:"history"`
	} `xml:"http://jabber.org/protocol/muc x"`
}

func (m *MockLivechat) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &livechatSession{conn: conn}
	m.mu.Lock()
	m.sessions[s] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.leave(s)
		conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in inbound
		if err := xml.Unmarshal(frame, &in); err != nil {
			m.t.Logf("mock livechat: bad frame %q: %v", frame, err)
			continue
		}
		m.mu.Lock()
		m.received = append(m.received, string(frame))
		m.mu.Unlock()

		switch in.XMLName.Local {
		case "open":
			s.send(fmt.Sprintf(`<open xmlns="urn:ietf:params:xml:ns:xmpp-framing" from="%s" id="%s" version="1.0"/>`, m.Domain, m.nextID()))
			if !s.authed {
				s.send(`<stream:features xmlns:stream="http://etherx.jabber.org/streams"><mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>ANONYMOUS</mechanism></mechanisms></stream:features>`)
			} else {
				s.send(`<stream:features xmlns:stream="http://etherx.jabber.org/streams"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/></stream:features>`)
			}
		case "auth":
			s.authed = true
			s.send(`<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/>`)
		case "iq":
			m.handleIQ(s, &in)
		case "presence":
			m.handlePresence(s, &in)
		case "message":
			m.handleMessage(s, &in)
		case "close":
			s.send(`<close xmlns="urn:ietf:params:xml:ns:xmpp-framing"/>`)
			return
		}
	}
}

func (m *MockLivechat) nextID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return fmt.Sprintf("id-%d", m.seq)
}

func (m *MockLivechat) handleIQ(s *livechatSession, in *inbound) {
	switch {
	case in.Type == "set" && in.Bind != nil:
		s.jid = fmt.Sprintf("%s@%s/res", m.nextID(), m.Domain)
		s.send(fmt.Sprintf(`<iq xmlns="jabber:client" type="result" id="%s"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>%s</jid></bind></iq>`, in.ID, s.jid))
	case in.Type == "result":
		m.mu.Lock()
		m.pongs[in.ID] = true
		m.mu.Unlock()
	}
}

func (m *MockLivechat) handlePresence(s *livechatSession, in *inbound) {
	_, nick, _ := strings.Cut(in.To, "/")
	if in.Type == "unavailable" {
		m.leave(s)
		return
	}
	m.mu.Lock()
	for other := range m.sessions {
		if other != s && other.nick == nick {
			m.mu.Unlock()
			s.send(fmt.Sprintf(`<presence xmlns="jabber:client" from="%s/%s" type="error"><error type="cancel"><conflict xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/></error></presence>`, m.RoomJID(), xmlEscape(nick)))
			return
		}
	}
	m.seq++
	s.nick = nick
	s.occupantID = fmt.Sprintf("occ-%d", m.seq)
	var others []*livechatSession
	for other := range m.sessions {
		if other != s && other.nick != "" {
			others = append(others, other)
		}
	}
	history := append([]string(nil), m.history...)
	m.mu.Unlock()

	for _, o := range others {
		s.send(m.presenceOf(o, false))
		o.send(m.presenceOf(s, false))
	}
	s.send(m.presenceOf(s, true))
	limit := 20
	if in.MUC != nil && in.MUC.History != nil {
		limit = in.MUC.History.Max
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	for _, h := range history {
		s.send(h)
	}
}

func (m *MockLivechat) presenceOf(s *livechatSession, self bool) string {
	status := ""
	if self {
		status = `<status code="110"/>`
	}
	return fmt.Sprintf(`<presence xmlns="jabber:client" from="%s/%s"><x xmlns="http://jabber.org/protocol/muc#user"><item affiliation="none" role="participant"/>%s</x><occupant-id xmlns="urn:xmpp:occupant-id:0" id="%s"/></presence>`,
		m.RoomJID(), xmlEscape(s.nick), status, s.occupantID)
}

func (m *MockLivechat) leave(s *livechatSession) {
	m.mu.Lock()
	_, ok := m.sessions[s]
	delete(m.sessions, s)
	nick := s.nick
	var others []*livechatSession
	for o := range m.sessions {
		if o.nick != "" {
			others = append(others, o)
		}
	}
	m.mu.Unlock()
	if !ok || nick == "" {
		return
	}
	for _, o := range others {
		o.send(fmt.Sprintf(`<presence xmlns="jabber:client" from="%s/%s" type="unavailable"/>`, m.RoomJID(), xmlEscape(nick)))
	}
}

func (m *MockLivechat) handleMessage(s *livechatSession, in *inbound) {
	if in.Type != "groupchat" || s.nick == "" {
		return
	}
	if in.Retract != nil {
		m.broadcast(fmt.Sprintf(`<message xmlns="jabber:client" type="groupchat" from="%s/%s"><retract xmlns="urn:xmpp:message-retract:1" id="%s"/><occupant-id xmlns="urn:xmpp:occupant-id:0" id="%s"/><body>retracted</body></message>`,
			m.RoomJID(), xmlEscape(s.nick), in.Retract.ID, s.occupantID))
		return
	}
	origin := ""
	if in.Origin != nil {
		origin = fmt.Sprintf(`<origin-id xmlns="urn:xmpp:sid:0" id="%s"/>`, in.Origin.ID)
	}
	m.Inject(s.nick, s.occupantID, in.Body, origin)
}

// Inject delivers a groupchat message from nick to every occupant and records
// it in the room history. extra is raw XML appended to the stanza.
func (m *MockLivechat) Inject(nick, occupantID, body, extra string) string {
	stanzaID := "sid-" + m.nextID()
	head := fmt.Sprintf(`<message xmlns="jabber:client" type="groupchat" from="%s/%s"><body>%s</body><occupant-id xmlns="urn:xmpp:occupant-id:0" id="%s"/><stanza-id xmlns="urn:xmpp:sid:0" id="%s" by="%s"/>%s`,
		m.RoomJID(), xmlEscape(nick), xmlEscape(body), occupantID, stanzaID, m.RoomJID(), extra)
	live := head + "</message>"
	delayed := head + fmt.Sprintf(`<delay xmlns="urn:xmpp:delay" stamp="%s"/>`, time.Now().UTC().Format(time.RFC3339)) + "</message>"
	m.mu.Lock()
	m.history = append(m.history, delayed)
	m.mu.Unlock()
	m.broadcast(live)
	return stanzaID
}

// InjectRetract announces that a moderator retracted the message with id.
func (m *MockLivechat) InjectRetract(id string) {
	m.broadcast(fmt.Sprintf(`<message xmlns="jabber:client" type="groupchat" from="%s"><retract xmlns="urn:xmpp:message-retract:1" id="%s"><moderated xmlns="urn:xmpp:message-moderate:1" by="%s/mod"/></retract></message>`,
		m.RoomJID(), id, m.RoomJID()))
}

// Ping sends an XMPP ping to every occupant and returns the iq ids used.
func (m *MockLivechat) Ping() []string {
	var ids []string
	for _, s := range m.occupants() {
		id := m.nextID()
		ids = append(ids, id)
		s.send(fmt.Sprintf(`<iq xmlns="jabber:client" type="get" id="%s" from="%s" to="%s"><ping xmlns="urn:xmpp:ping"/></iq>`, id, m.Domain, s.jid))
	}
	return ids
}

// Ponged reports whether the iq with id was answered.
func (m *MockLivechat) Ponged(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pongs[id]
}

// DropAll closes every websocket without a stream close.
func (m *MockLivechat) DropAll() {
	m.mu.Lock()
	var all []*livechatSession
	for s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.conn.Close()
	}
}

// Nicknames lists the nicknames of current occupants.
func (m *MockLivechat) Nicknames() []string {
	var out []string
	for _, s := range m.occupants() {
		out = append(out, s.nick)
	}
	return out
}

// Received returns every frame clients sent that contains substr.
func (m *MockLivechat) Received(substr string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, f := range m.received {
		if strings.Contains(f, substr) {
			out = append(out, f)
		}
	}
	return out
}

func (m *MockLivechat) occupants() []*livechatSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*livechatSession
	for s := range m.sessions {
		if s.nick != "" {
			out = append(out, s)
		}
	}
	return out
}

func (m *MockLivechat) broadcast(frame string) {
	for _, s := range m.occupants() {
		s.send(frame)
	}
}

func (s *livechatSession) send(frame string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
