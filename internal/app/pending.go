package app

import (
	"sync"
	"time"

	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/rs/zerolog/log"
)

type pendingEntry struct {
	transports map[string]*jingle.Transport
	expires    time.Time
}

// PendingTransportBuffer holds transport-info candidates that arrived
// before the initiate or accept they belong to was processed. Entries
// nobody claims are dropped after ttl.
type PendingTransportBuffer struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	bySID map[domain.SessionID]*pendingEntry
}

func NewPendingTransportBuffer(ttl time.Duration) *PendingTransportBuffer {
	return &PendingTransportBuffer{
		ttl:   ttl,
		now:   time.Now,
		bySID: make(map[domain.SessionID]*pendingEntry),
	}
}

// Buffer merges the transports of contents under sid, deduplicated by
// candidate identity.
func (b *PendingTransportBuffer) Buffer(sid domain.SessionID, contents []jingle.Content) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked()
	e, ok := b.bySID[sid]
	if !ok {
		e = &pendingEntry{transports: make(map[string]*jingle.Transport), expires: b.now().Add(b.ttl)}
		b.bySID[sid] = e
	}
	added := 0
	for _, c := range contents {
		if c.Transport == nil {
			continue
		}
		tr, ok := e.transports[c.Name]
		if !ok {
			tr = jingle.NewTransport(c.Transport.Namespace())
			e.transports[c.Name] = tr
		}
		added += len(tr.Merge(c.Transport))
	}
	log.Debug().Str("module", "app.pending").Str("sid", string(sid)).Int("added", added).Msg("buffered transport-info")
}

// Drain removes and returns everything buffered for sid, keyed by
// content name.
func (b *PendingTransportBuffer) Drain(sid domain.SessionID) map[string]*jingle.Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.bySID[sid]
	if !ok {
		return nil
	}
	delete(b.bySID, sid)
	if b.now().After(e.expires) {
		return nil
	}
	return e.transports
}

// Candidates reports how many candidates are buffered for one content.
func (b *PendingTransportBuffer) Candidates(sid domain.SessionID, content string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.bySID[sid]
	if !ok {
		return 0
	}
	if tr, ok := e.transports[content]; ok {
		return len(tr.Candidates)
	}
	return 0
}

func (b *PendingTransportBuffer) Discard(sid domain.SessionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bySID, sid)
}

// Sweep drops expired entries.
func (b *PendingTransportBuffer) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sweepLocked()
}

func (b *PendingTransportBuffer) sweepLocked() int {
	now := b.now()
	n := 0
	for sid, e := range b.bySID {
		if now.After(e.expires) {
			delete(b.bySID, sid)
			n++
			log.Debug().Str("module", "app.pending").Str("sid", string(sid)).Msg("discarded unclaimed transport-info")
		}
	}
	return n
}
