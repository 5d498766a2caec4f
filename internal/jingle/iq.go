// Package jingle models the XMPP stanzas exchanged during call negotiation:
// Jingle actions, their contents and transports, colibri conference
// requests and external service discovery.
package jingle

import (
	"encoding/xml"

	"github.com/google/uuid"
)

const (
	NSClient   = "jabber:client"
	NSJingle   = "urn:xmpp:jingle:1"
	NSRTP      = "urn:xmpp:jingle:apps:rtp:1"
	NSICEUDP   = "urn:xmpp:jingle:transports:ice-udp:1"
	NSRawUDP   = "urn:xmpp:jingle:transports:raw-udp:1"
	NSDTLS     = "urn:xmpp:jingle:apps:dtls:0"
	NSRTPInfo  = "urn:xmpp:jingle:apps:rtp:info:1"
	NSZRTP     = "urn:xmpp:jingle:apps:rtp:zrtp:1"
	NSTransfer = "urn:xmpp:jingle:transfer:0"
	NSColibri  = "http://jitsi.org/protocol/colibri"
	NSExtDisco = "urn:xmpp:extdisco:2"
	NSBind     = "urn:ietf:params:xml:ns:xmpp-bind"
	NSStanzas  = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

var iqName = xml.Name{Space: NSClient, Local: "iq"}

type IQType string

const (
	IQGet    IQType = "get"
	IQSet    IQType = "set"
	IQResult IQType = "result"
	IQError  IQType = "error"
)

// IQ is an info/query stanza. At most one payload field is set.
// XMLName is untagged; Marshal fills it in when empty.
type IQ struct {
	XMLName    xml.Name
	ID         string       `xml:"id,attr"`
	Type       IQType       `xml:"type,attr"`
	From       string       `xml:"from,attr,omitempty"`
	To         string       `xml:"to,attr,omitempty"`
	Jingle     *Jingle      `xml:"urn:xmpp:jingle:1 jingle,omitempty"`
	Conference *Conference  `xml:"http://jitsi.org/protocol/colibri conference,omitempty"`
	Services   *Services    `xml:"urn:xmpp:extdisco:2 services,omitempty"`
	Bind       *Bind        `xml:"urn:ietf:params:xml:ns:xmpp-bind bind,omitempty"`
	Error      *StanzaError `xml:"error,omitempty"`
}

// NewID returns a fresh stanza id.
func NewID() string { return uuid.NewString() }

// NewJingleIQ wraps j in a set request addressed to to.
func NewJingleIQ(to string, j *Jingle) *IQ {
	return &IQ{XMLName: iqName, ID: NewID(), Type: IQSet, To: to, Jingle: j}
}

// Result builds the empty acknowledgement for a get/set request.
func (iq *IQ) Result() *IQ {
	return &IQ{XMLName: iqName, ID: iq.ID, Type: IQResult, From: iq.To, To: iq.From}
}

// ErrorReply builds an error response for a request.
func (iq *IQ) ErrorReply(errType, condition string) *IQ {
	return &IQ{
		XMLName: iqName,
		ID:      iq.ID,
		Type:    IQError,
		From:    iq.To,
		To:      iq.From,
		Error:   &StanzaError{Type: errType, Condition: condition},
	}
}

func (iq *IQ) IsResponse() bool { return iq.Type == IQResult || iq.Type == IQError }

type Bind struct {
	Resource string `xml:"resource,omitempty"`
	JID      string `xml:"jid,omitempty"`
}

// StanzaError is the <error/> child of an error stanza.
type StanzaError struct {
	Type      string
	Condition string
	Text      string
}

func (e *StanzaError) Error() string {
	if e.Text != "" {
		return e.Condition + ": " + e.Text
	}
	return e.Condition
}

func (e StanzaError) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Attr = []xml.Attr{{Name: xml.Name{Local: "type"}, Value: e.Type}}
	cond := xml.StartElement{Name: xml.Name{Space: NSStanzas, Local: e.Condition}}
	return encodeCondition(enc, start, cond, e.Text, NSStanzas)
}

func (e *StanzaError) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		if a.Name.Local == "type" {
			e.Type = a.Value
		}
	}
	cond, text, err := decodeCondition(d)
	e.Condition, e.Text = cond, text
	return err
}

// encodeCondition writes <start><cond/>[<text>..</text>]</start>.
func encodeCondition(enc *xml.Encoder, start, cond xml.StartElement, text, textNS string) error {
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if cond.Name.Local != "" {
		if err := enc.EncodeToken(cond); err != nil {
			return err
		}
		if err := enc.EncodeToken(cond.End()); err != nil {
			return err
		}
	}
	if text != "" {
		t := xml.StartElement{Name: xml.Name{Space: textNS, Local: "text"}}
		if err := enc.EncodeElement(text, t); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// decodeCondition reads the children of a condition-bearing element
// until its end tag.
func decodeCondition(d *xml.Decoder) (cond, text string, err error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return cond, text, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" {
				if err := d.DecodeElement(&text, &t); err != nil {
					return cond, text, err
				}
				continue
			}
			cond = t.Name.Local
			if err := d.Skip(); err != nil {
				return cond, text, err
			}
		case xml.EndElement:
			return cond, text, nil
		}
	}
}
