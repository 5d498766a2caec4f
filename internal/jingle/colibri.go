package jingle

import "github.com/dkeye/jinglecall/internal/domain"

// Conference is a colibri conference-request or conference-response.
type Conference struct {
	ID       string              `xml:"id,attr,omitempty"`
	Contents []ConferenceContent `xml:"content"`
}

type ConferenceContent struct {
	Name     string    `xml:"name,attr"`
	Channels []Channel `xml:"channel"`
}

// Channel is one bridge-side media channel. Expire set to zero asks
// the bridge to tear it down.
type Channel struct {
	ID            string         `xml:"id,attr,omitempty"`
	Endpoint      string         `xml:"endpoint,attr,omitempty"`
	Initiator     string         `xml:"initiator,attr,omitempty"`
	Expire        *int           `xml:"expire,attr,omitempty"`
	Direction     domain.Senders `xml:"direction,attr,omitempty"`
	RTPLevelRelay string         `xml:"rtp-level-relay-type,attr,omitempty"`
	PayloadTypes  []PayloadType  `xml:"payload-type"`
	Transport     *Transport     `xml:"transport,omitempty"`
}

// Content returns the content named name.
func (c *Conference) Content(name string) (*ConferenceContent, bool) {
	for i := range c.Contents {
		if c.Contents[i].Name == name {
			return &c.Contents[i], true
		}
	}
	return nil, false
}

// Expired returns a channel reference that asks for immediate expiry.
func Expired(id string) Channel {
	zero := 0
	return Channel{ID: id, Expire: &zero}
}
