package signal

import (
	"encoding/base64"
	"encoding/xml"
)

const (
	nsFraming = "urn:ietf:params:xml:ns:xmpp-framing"
	nsSASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsStreams = "http://etherx.jabber.org/streams"

	subprotocol = "xmpp"
)

// openFrame starts or restarts the stream (RFC 7395).
type openFrame struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing open"`
	To      string   `xml:"to,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Version string   `xml:"version,attr,omitempty"`
}

type streamFeatures struct {
	XMLName    xml.Name    `xml:"http://etherx.jabber.org/streams features"`
	Mechanisms *mechanisms `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
	Bind       *struct{}   `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
}

type mechanisms struct {
	Mechanism []string `xml:"mechanism"`
}

func (f *streamFeatures) offers(mechanism string) bool {
	if f.Mechanisms == nil {
		return false
	}
	for _, m := range f.Mechanisms.Mechanism {
		if m == mechanism {
			return true
		}
	}
	return false
}

type saslAuth struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
	Mechanism string   `xml:"mechanism,attr"`
	Value     string   `xml:",chardata"`
}

// plainAuth builds the SASL PLAIN initial response (RFC 4616) with an
// empty authorization identity.
func plainAuth(user, password string) saslAuth {
	raw := "\x00" + user + "\x00" + password
	return saslAuth{Mechanism: "PLAIN", Value: base64.StdEncoding.EncodeToString([]byte(raw))}
}

type saslFailure struct {
	XMLName   xml.Name   `xml:"urn:ietf:params:xml:ns:xmpp-sasl failure"`
	Condition []xml.Name `xml:",any"`
	Text      string     `xml:"text"`
}

func (f *saslFailure) condition() string {
	for _, n := range f.Condition {
		if n.Local != "text" {
			return n.Local
		}
	}
	return "not-authorized"
}

var (
	presence    = []byte(`<presence xmlns="jabber:client"/>`)
	closeStream = []byte(`<close xmlns="urn:ietf:params:xml:ns:xmpp-framing"/>`)
)
