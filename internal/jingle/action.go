package jingle

import "encoding/xml"

type Action string

const (
	ActionSessionInitiate  Action = "session-initiate"
	ActionSessionAccept    Action = "session-accept"
	ActionSessionTerminate Action = "session-terminate"
	ActionSessionInfo      Action = "session-info"
	ActionTransportInfo    Action = "transport-info"
	ActionContentAdd       Action = "content-add"
	ActionContentAccept    Action = "content-accept"
	ActionContentModify    Action = "content-modify"
	ActionContentReject    Action = "content-reject"
	ActionContentRemove    Action = "content-remove"
)

// Jingle is the <jingle/> payload of a set IQ.
type Jingle struct {
	Action    Action    `xml:"action,attr"`
	Initiator string    `xml:"initiator,attr,omitempty"`
	Responder string    `xml:"responder,attr,omitempty"`
	SID       string    `xml:"sid,attr"`
	Contents  []Content `xml:"content"`
	Reason    *Reason   `xml:"reason,omitempty"`
	Transfer  *Transfer `xml:"urn:xmpp:jingle:transfer:0 transfer,omitempty"`

	Ringing *Empty `xml:"urn:xmpp:jingle:apps:rtp:info:1 ringing,omitempty"`
	Hold    *Empty `xml:"urn:xmpp:jingle:apps:rtp:info:1 hold,omitempty"`
	Unhold  *Empty `xml:"urn:xmpp:jingle:apps:rtp:info:1 unhold,omitempty"`
	Active  *Empty `xml:"urn:xmpp:jingle:apps:rtp:info:1 active,omitempty"`
	Mute    *Mute  `xml:"urn:xmpp:jingle:apps:rtp:info:1 mute,omitempty"`
	Unmute  *Mute  `xml:"urn:xmpp:jingle:apps:rtp:info:1 unmute,omitempty"`
}

type Empty struct{}

type Mute struct {
	Creator string `xml:"creator,attr,omitempty"`
	Name    string `xml:"name,attr,omitempty"`
}

// Transfer references the session being handed off (attended) or
// only the parties (unattended).
type Transfer struct {
	SID  string `xml:"sid,attr,omitempty"`
	From string `xml:"from,attr,omitempty"`
	To   string `xml:"to,attr,omitempty"`
}

// Content returns the content named name.
func (j *Jingle) Content(name string) (*Content, bool) {
	for i := range j.Contents {
		if j.Contents[i].Name == name {
			return &j.Contents[i], true
		}
	}
	return nil, false
}

// AdvertisesEncryption reports whether any content offers a way to
// secure media.
func (j *Jingle) AdvertisesEncryption() bool {
	for i := range j.Contents {
		if j.Contents[i].AdvertisesEncryption() {
			return true
		}
	}
	return false
}

type ReasonCondition string

const (
	ReasonSuccess                ReasonCondition = "success"
	ReasonBusy                   ReasonCondition = "busy"
	ReasonDecline                ReasonCondition = "decline"
	ReasonCancel                 ReasonCondition = "cancel"
	ReasonGone                   ReasonCondition = "gone"
	ReasonTimeout                ReasonCondition = "timeout"
	ReasonSecurityError          ReasonCondition = "security-error"
	ReasonFailedApplication      ReasonCondition = "failed-application"
	ReasonFailedTransport        ReasonCondition = "failed-transport"
	ReasonConnectivityError      ReasonCondition = "connectivity-error"
	ReasonIncompatibleParameters ReasonCondition = "incompatible-parameters"
	ReasonGeneralError           ReasonCondition = "general-error"
	ReasonMediaError             ReasonCondition = "media-error"
)

type Reason struct {
	Condition ReasonCondition
	Text      string
}

func (r *Reason) String() string {
	if r == nil {
		return ""
	}
	if r.Text != "" {
		return string(r.Condition) + " (" + r.Text + ")"
	}
	return string(r.Condition)
}

func (r Reason) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	cond := xml.StartElement{Name: xml.Name{Local: string(r.Condition)}}
	return encodeCondition(enc, start, cond, r.Text, "")
}

func (r *Reason) UnmarshalXML(d *xml.Decoder, _ xml.StartElement) error {
	cond, text, err := decodeCondition(d)
	r.Condition, r.Text = ReasonCondition(cond), text
	return err
}
