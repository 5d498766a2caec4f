package bridge

import (
	"sync/atomic"

	"github.com/dkeye/jinglecall/internal/jingle"
)

type ChannelState int32

const (
	ChannelActive ChannelState = iota
	ChannelExpiring
	ChannelExpired
)

// Channel is one bridge-side channel. Transport is the bridge's own
// description and is never mutated after allocation.
type Channel struct {
	ID        string
	Endpoint  string
	Transport *jingle.Transport
	state     atomic.Int32 // Zero by default (ChannelActive)
}

func newChannel(ch jingle.Channel) *Channel {
	return &Channel{ID: ch.ID, Endpoint: ch.Endpoint, Transport: ch.Transport.Clone()}
}

func (c *Channel) State() ChannelState {
	return ChannelState(c.state.Load())
}

func (c *Channel) markExpiring() {
	c.state.Store(int32(ChannelExpiring))
}

func (c *Channel) markExpired() {
	c.state.Store(int32(ChannelExpired))
}
