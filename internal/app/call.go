package app

import (
	"sync"
	"time"

	"github.com/dkeye/jinglecall/internal/app/bridge"
	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Call is a threadsafe set of peers. A conference-focus call also
// owns the bridge allocation and the transport shared by its peers.
type Call struct {
	ID      domain.CallID
	Created time.Time
	logger  zerolog.Logger

	mu         sync.RWMutex
	peers      map[domain.SessionID]*CallPeer
	conference *bridge.Conference
	shared     map[domain.MediaType]*MediaSession
	ended      bool
	onEmpty    func(*Call)

	trMu      sync.Mutex
	transport core.TransportStrategy
}

func newCall(conf *bridge.Conference, onEmpty func(*Call)) *Call {
	id := domain.CallID(uuid.NewString())
	return &Call{
		ID:         id,
		Created:    time.Now(),
		logger:     log.With().Str("module", "app.call").Str("call", string(id)).Logger(),
		peers:      make(map[domain.SessionID]*CallPeer),
		conference: conf,
		shared:     make(map[domain.MediaType]*MediaSession),
		onEmpty:    onEmpty,
	}
}

func (c *Call) IsFocus() bool { return c.conference != nil }

func (c *Call) Conference() *bridge.Conference { return c.conference }

func (c *Call) AddPeer(p *CallPeer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return ErrCallEnded
	}
	c.peers[p.SID()] = p
	c.logger.Info().Str("sid", string(p.SID())).Str("peer", p.Remote().String()).Msg("peer added")
	return nil
}

// RemovePeer drops p. The call ends with its last peer.
func (c *Call) RemovePeer(p *CallPeer) {
	c.mu.Lock()
	if cur, ok := c.peers[p.SID()]; !ok || cur != p {
		c.mu.Unlock()
		return
	}
	delete(c.peers, p.SID())
	c.logger.Info().Str("sid", string(p.SID())).Msg("peer removed")
	if len(c.peers) > 0 || c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	onEmpty := c.onEmpty
	c.mu.Unlock()

	c.trMu.Lock()
	tr := c.transport
	c.transport = nil
	c.trMu.Unlock()
	if tr != nil {
		if err := tr.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("close shared transport")
		}
	}
	c.logger.Info().Msg("call ended")
	if onEmpty != nil {
		onEmpty(c)
	}
}

func (c *Call) Ended() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ended
}

func (c *Call) PeerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers)
}

func (c *Call) Peers() []*CallPeer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*CallPeer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// SharedSession returns the call-wide session for media, creating it
// with mk on first use.
func (c *Call) SharedSession(media domain.MediaType, mk func() *MediaSession) *MediaSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms, ok := c.shared[media]; ok {
		return ms
	}
	ms := mk()
	c.shared[media] = ms
	return ms
}

// SharedTransport returns the strategy all peers of a bridged call use
// toward the bridge, creating it with mk on first use.
func (c *Call) SharedTransport(mk func() (core.TransportStrategy, error)) (core.TransportStrategy, error) {
	c.trMu.Lock()
	defer c.trMu.Unlock()
	if c.transport != nil {
		return c.transport, nil
	}
	if c.Ended() {
		return nil, ErrCallEnded
	}
	tr, err := mk()
	if err != nil {
		return nil, err
	}
	c.transport = tr
	return tr, nil
}

type CallInfo struct {
	ID         domain.CallID `json:"id"`
	Focus      bool          `json:"focus"`
	Conference string        `json:"conference,omitempty"`
	Created    time.Time     `json:"created"`
	Peers      []PeerInfo    `json:"peers"`
}

func (c *Call) Info() CallInfo {
	info := CallInfo{ID: c.ID, Focus: c.IsFocus(), Created: c.Created}
	if c.conference != nil {
		info.Conference = c.conference.ID()
	}
	for _, p := range c.Peers() {
		info.Peers = append(info.Peers, p.Info())
	}
	return info
}

// CallManager tracks live calls.
type CallManager struct {
	mu    sync.RWMutex
	calls map[domain.CallID]*Call
}

func NewCallManager() *CallManager {
	return &CallManager{calls: make(map[domain.CallID]*Call)}
}

// Create starts a call; conf is non-nil for a conference focus.
func (m *CallManager) Create(conf *bridge.Conference) *Call {
	c := newCall(conf, m.remove)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.ID] = c
	return c
}

func (m *CallManager) Get(id domain.CallID) (*Call, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	return c, ok
}

func (m *CallManager) List() []CallInfo {
	m.mu.RLock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.RUnlock()
	out := make([]CallInfo, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Info())
	}
	return out
}

func (m *CallManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Discard forgets a call that never got a peer.
func (m *CallManager) Discard(c *Call) {
	if c.PeerCount() > 0 {
		return
	}
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
	m.remove(c)
}

func (m *CallManager) remove(c *Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, c.ID)
}
