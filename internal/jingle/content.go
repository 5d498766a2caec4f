package jingle

import (
	"github.com/dkeye/jinglecall/internal/domain"
)

type Content struct {
	Creator     string         `xml:"creator,attr"`
	Name        string         `xml:"name,attr"`
	Senders     domain.Senders `xml:"senders,attr,omitempty"`
	Description *Description   `xml:"urn:xmpp:jingle:apps:rtp:1 description,omitempty"`
	Transport   *Transport     `xml:"transport,omitempty"`
}

// Media returns the media type of the content, falling back to its name.
func (c *Content) Media() domain.MediaType {
	if c.Description != nil && c.Description.Media != "" {
		return domain.MediaType(c.Description.Media)
	}
	return domain.MediaType(c.Name)
}

func (c *Content) AdvertisesEncryption() bool {
	if c.Transport != nil && len(c.Transport.Fingerprints) > 0 {
		return true
	}
	if d := c.Description; d != nil && d.Encryption != nil {
		return len(d.Encryption.Crypto) > 0 || d.Encryption.ZRTPHash != nil
	}
	return false
}

type Description struct {
	Media        string        `xml:"media,attr"`
	SSRC         string        `xml:"ssrc,attr,omitempty"`
	PayloadTypes []PayloadType `xml:"payload-type"`
	Encryption   *Encryption   `xml:"encryption,omitempty"`
}

type PayloadType struct {
	ID         int         `xml:"id,attr"`
	Name       string      `xml:"name,attr,omitempty"`
	ClockRate  int         `xml:"clockrate,attr,omitempty"`
	Channels   int         `xml:"channels,attr,omitempty"`
	Parameters []Parameter `xml:"parameter"`
}

type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type Encryption struct {
	Required string    `xml:"required,attr,omitempty"`
	Crypto   []Crypto  `xml:"crypto"`
	ZRTPHash *ZRTPHash `xml:"urn:xmpp:jingle:apps:rtp:zrtp:1 zrtp-hash,omitempty"`
}

type Crypto struct {
	Tag           int    `xml:"tag,attr"`
	CryptoSuite   string `xml:"crypto-suite,attr"`
	KeyParams     string `xml:"key-params,attr"`
	SessionParams string `xml:"session-params,attr,omitempty"`
}

type ZRTPHash struct {
	Version string `xml:"version,attr"`
	Value   string `xml:",chardata"`
}
