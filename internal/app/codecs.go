package app

import (
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
)

var defaultPayloadTypes = map[domain.MediaType][]jingle.PayloadType{
	domain.MediaAudio: {
		{ID: 111, Name: "opus", ClockRate: 48000, Channels: 2},
		{ID: 0, Name: "PCMU", ClockRate: 8000},
		{ID: 8, Name: "PCMA", ClockRate: 8000},
		{ID: 101, Name: "telephone-event", ClockRate: 8000},
	},
	domain.MediaVideo: {
		{ID: 100, Name: "VP8", ClockRate: 90000},
		{ID: 107, Name: "H264", ClockRate: 90000, Parameters: []jingle.Parameter{{Name: "packetization-mode", Value: "1"}}},
	},
}

func defaultDescription(media domain.MediaType) *jingle.Description {
	return &jingle.Description{Media: string(media), PayloadTypes: defaultPayloadTypes[media]}
}
