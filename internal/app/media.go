package app

import (
	"sync"

	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/rs/zerolog/log"
)

// MediaSession pairs the local and remote transport of one content.
// Peers of a bridged call share one MediaSession per media type; what
// each of them negotiated lives in the peer's peerMedia.
type MediaSession struct {
	Name    string
	Media   domain.MediaType
	Creator string

	mu        sync.Mutex
	local     *jingle.Transport
	remote    *jingle.Transport
	localDesc *jingle.Description
	harvested bool
}

func newMediaSession(name string, media domain.MediaType, creator string) *MediaSession {
	return &MediaSession{
		Name:      name,
		Media:     media,
		Creator:   creator,
		localDesc: defaultDescription(media),
	}
}

func (m *MediaSession) SetLocal(tr *jingle.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = tr.Clone()
	m.harvested = true
}

// AppendLocal adds a late local candidate to the advertised transport.
func (m *MediaSession) AppendLocal(c jingle.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return
	}
	m.local.Candidates = append(m.local.Candidates, c)
}

func (m *MediaSession) Local() *jingle.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local.Clone()
}

func (m *MediaSession) Remote() *jingle.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote.Clone()
}

// MergeRemote folds candidates of generation gen from tr into the
// remote transport and returns the ones that were new.
func (m *MediaSession) MergeRemote(tr *jingle.Transport, gen domain.Generation) []jingle.Candidate {
	if tr == nil {
		return nil
	}
	in := tr.Clone()
	in.Candidates = in.Candidates[:0]
	for _, c := range tr.Candidates {
		if c.Generation != gen {
			log.Debug().
				Str("module", "app.media").
				Str("media", string(m.Media)).
				Err(core.ErrStaleGeneration).
				Int("generation", int(c.Generation)).
				Msg("drop candidate")
			continue
		}
		in.Candidates = append(in.Candidates, c)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remote == nil {
		m.remote = jingle.NewTransport(tr.Namespace())
	}
	return m.remote.Merge(in)
}

func (m *MediaSession) Harvested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.harvested
}

// LocalDescription is the offer made before the remote side answered.
func (m *MediaSession) LocalDescription() *jingle.Description {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localDesc
}
