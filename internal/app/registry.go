package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Peer   *CallPeer
	Cancel func()
}

// Registry maps session ids to live peers and owns the transport-info
// buffer for sessions not yet known.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionEntry
	pending  *PendingTransportBuffer
}

func NewRegistry(pendingTTL time.Duration) *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]*sessionEntry),
		pending:  NewPendingTransportBuffer(pendingTTL),
	}
}

func (r *Registry) Pending() *PendingTransportBuffer { return r.pending }

// Bind registers peer under its sid. A sid maps to at most one live peer.
func (r *Registry) Bind(peer *CallPeer, cancel func()) error {
	sid := peer.SID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, sid)
	}
	r.sessions[sid] = &sessionEntry{Peer: peer, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("peer", peer.Remote().String()).Msg("bound session")
	return nil
}

func (r *Registry) Get(sid domain.SessionID) (*CallPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Peer, true
	}
	return nil, false
}

// Unbind removes sid only while it still maps to peer.
func (r *Registry) Unbind(sid domain.SessionID, peer *CallPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || e.Peer != peer {
		return
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Snapshot() []*CallPeer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CallPeer, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Peer)
	}
	return out
}

func (r *Registry) Cancel(sid domain.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
