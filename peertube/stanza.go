package peertube

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const (
	nsFraming    = "urn:ietf:params:xml:ns:xmpp-framing"
	nsSASL       = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsBind       = "urn:ietf:params:xml:ns:xmpp-bind"
	nsClient     = "jabber:client"
	nsMUC        = "http://jabber.org/protocol/muc"
	nsMUCUser    = "http://jabber.org/protocol/muc#user"
	nsSID        = "urn:xmpp:sid:0"
	nsOccupantID = "urn:xmpp:occupant-id:0"
	nsDelay      = "urn:xmpp:delay"
	nsRetract    = "urn:xmpp:message-retract:1"
	nsRetract0   = "urn:xmpp:message-retract:0"
	nsFasten     = "urn:xmpp:fasten:0"
	nsFallback   = "urn:xmpp:fallback:0"
	nsHints      = "urn:xmpp:hints"
	nsPing       = "urn:xmpp:ping"
	nsStanzas    = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

type framingOpen struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing open"`
	To      string   `xml:"to,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Version string   `xml:"version,attr"`
}

type framingClose struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing close"`
}

type saslAuth struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
	Mechanism string   `xml:"mechanism,attr"`
}

type saslFailure struct {
	XMLName   xml.Name `xml:"failure"`
	Condition struct {
		XMLName xml.Name
	} `xml:",any"`
	Text string `xml:"text"`
}

type features struct {
	XMLName    xml.Name  `xml:"features"`
	Mechanisms []string  `xml:"mechanisms>mechanism"`
	Bind       *struct{} `xml:"bind"`
}

type bindQuery struct {
	Resource string `xml:"resource,omitempty"`
	JID      string `xml:"jid,omitempty"`
}

type stanzaError struct {
	Type      string `xml:"type,attr"`
	Text      string `xml:"text,omitempty"`
	Condition struct {
		XMLName xml.Name
	} `xml:",any"`
}

func (e *stanzaError) condition() string {
	if e == nil {
		return ""
	}
	return e.Condition.XMLName.Local
}

type iqStanza struct {
	XMLName xml.Name     `xml:"iq"`
	ID      string       `xml:"id,attr"`
	Type    string       `xml:"type,attr"`
	To      string       `xml:"to,attr,omitempty"`
	From    string       `xml:"from,attr,omitempty"`
	Bind    *bindQuery   `xml:"urn:ietf:params:xml:ns:xmpp-bind bind,omitempty"`
	Ping    *struct{}    `xml:"urn:xmpp:ping ping,omitempty"`
	Error   *stanzaError `xml:"error,omitempty"`
}

type idElem struct {
	ID string `xml:"id,attr"`
}

type stanzaIDElem struct {
	ID string `xml:"id,attr"`
	By string `xml:"by,attr,omitempty"`
}

type mucHistory struct {
	MaxStanzas int `xml:"maxstanzas,attr"`
}

type mucJoin struct {
	History *mucHistory `xml:"history,omitempty"`
}

type mucStatus struct {
	Code string `xml:"code,attr"`
}

type mucUser struct {
	Statuses []mucStatus `xml:"status"`
}

func (m *mucUser) has(code string) bool {
	if m == nil {
		return false
	}
	for _, s := range m.Statuses {
		if s.Code == code {
			return true
		}
	}
	return false
}

type presenceStanza struct {
	XMLName    xml.Name     `xml:"presence"`
	ID         string       `xml:"id,attr,omitempty"`
	From       string       `xml:"from,attr,omitempty"`
	To         string       `xml:"to,attr,omitempty"`
	Type       string       `xml:"type,attr,omitempty"`
	Join       *mucJoin     `xml:"http://jabber.org/protocol/muc x,omitempty"`
	User       *mucUser     `xml:"http://jabber.org/protocol/muc#user x,omitempty"`
	OccupantID *idElem      `xml:"urn:xmpp:occupant-id:0 occupant-id,omitempty"`
	Error      *stanzaError `xml:"error,omitempty"`
}

type delayElem struct {
	Stamp string `xml:"stamp,attr"`
}

type retractElem struct {
	ID        string    `xml:"id,attr,omitempty"`
	Moderated *struct{} `xml:"moderated,omitempty"`
}

type applyToElem struct {
	ID        string    `xml:"id,attr"`
	Retract   *struct{} `xml:"urn:xmpp:message-retract:0 retract,omitempty"`
	Moderated *struct {
		Retract *struct{} `xml:"retract"`
	} `xml:"moderated,omitempty"`
}

type fallbackElem struct {
	For string `xml:"for,attr"`
}

type messageStanza struct {
	XMLName    xml.Name      `xml:"message"`
	ID         string        `xml:"id,attr,omitempty"`
	From       string        `xml:"from,attr,omitempty"`
	To         string        `xml:"to,attr,omitempty"`
	Type       string        `xml:"type,attr,omitempty"`
	Body       string        `xml:"body,omitempty"`
	OriginID   *idElem       `xml:"urn:xmpp:sid:0 origin-id,omitempty"`
	StanzaID   *stanzaIDElem `xml:"urn:xmpp:sid:0 stanza-id,omitempty"`
	OccupantID *idElem       `xml:"urn:xmpp:occupant-id:0 occupant-id,omitempty"`
	Delay      *delayElem    `xml:"urn:xmpp:delay delay,omitempty"`
	Retract    *retractElem  `xml:"urn:xmpp:message-retract:1 retract,omitempty"`
	ApplyTo    *applyToElem  `xml:"urn:xmpp:fasten:0 apply-to,omitempty"`
	Fallback   *fallbackElem `xml:"urn:xmpp:fallback:0 fallback,omitempty"`
	Store      *struct{}     `xml:"urn:xmpp:hints store,omitempty"`
	Error      *stanzaError  `xml:"error,omitempty"`
}

// retractedID returns the id of the message this stanza retracts, if any.
func (m *messageStanza) retractedID() (id string, moderated bool) {
	if m.Retract != nil && m.Retract.ID != "" {
		return m.Retract.ID, m.Retract.Moderated != nil
	}
	if a := m.ApplyTo; a != nil && a.ID != "" {
		if a.Moderated != nil {
			return a.ID, true
		}
		if a.Retract != nil {
			return a.ID, false
		}
	}
	return "", false
}

// rootName reports the local name of the frame's root element.
func rootName(frame []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(frame))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", errors.New("empty frame")
		}
		if err != nil {
			return "", errors.Wrap(err, "decode frame")
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

// encode writes v as a jabber:client stanza named local. Values whose type
// carries its own namespace (framing, SASL) are marshalled as-is.
func encode(local string, v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	var err error
	if local == "" {
		err = enc.Encode(v)
	} else {
		err = enc.EncodeElement(v, xml.StartElement{Name: xml.Name{Space: nsClient, Local: local}})
	}
	if err != nil {
		return nil, errors.Wrap(err, "encode stanza")
	}
	if err := enc.Flush(); err != nil {
		return nil, errors.Wrap(err, "encode stanza")
	}
	return buf.Bytes(), nil
}

// splitJID returns the bare part and the resource of jid.
func splitJID(jid string) (bare, resource string) {
	bare, resource, _ = strings.Cut(jid, "/")
	return bare, resource
}
