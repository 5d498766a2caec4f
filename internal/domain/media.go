package domain

import "fmt"

type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

func ParseMediaType(s string) (MediaType, error) {
	switch MediaType(s) {
	case MediaAudio, MediaVideo:
		return MediaType(s), nil
	}
	return "", fmt.Errorf("unknown media type %q", s)
}

// Component identifies an RTP or RTCP flow within one media stream.
type Component int

const (
	ComponentRTP  Component = 1
	ComponentRTCP Component = 2
)

// Senders is the content direction attribute.
type Senders string

const (
	SendersBoth      Senders = "both"
	SendersInitiator Senders = "initiator"
	SendersResponder Senders = "responder"
	SendersNone      Senders = "none"
)
