package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
)

const localAddress = "me@example.com/desk"

type fakeSender struct {
	mu         sync.Mutex
	sent       []*jingle.IQ
	requestErr error
	confSeq    int
}

func (s *fakeSender) LocalAddress() string { return localAddress }

func (s *fakeSender) Send(_ context.Context, iq *jingle.IQ) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, iq)
	return nil
}

func (s *fakeSender) Request(_ context.Context, iq *jingle.IQ) (*jingle.IQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, iq)
	if s.requestErr != nil {
		return nil, s.requestErr
	}
	resp := iq.Result()
	if iq.Conference != nil {
		resp.Conference = s.allocate(iq.Conference)
	}
	return resp, nil
}

// allocate answers a conference-request, giving ids to new channels.
func (s *fakeSender) allocate(req *jingle.Conference) *jingle.Conference {
	out := &jingle.Conference{ID: "conf-1"}
	for _, ct := range req.Contents {
		rc := jingle.ConferenceContent{Name: ct.Name}
		for _, ch := range ct.Channels {
			if ch.ID == "" {
				s.confSeq++
				ch.ID = fmt.Sprintf("ch-%d", s.confSeq)
				tr := jingle.NewTransport(jingle.NSICEUDP)
				tr.Ufrag = "bridge"
				tr.Pwd = "bridgepwd"
				tr.Candidates = []jingle.Candidate{{Component: 1, Foundation: "1", ID: ch.ID, IP: "198.51.100.7", Port: 10000 + s.confSeq, Protocol: "udp", Type: jingle.CandidateHost}}
				ch.Transport = tr
			}
			rc.Channels = append(rc.Channels, ch)
		}
		out.Contents = append(out.Contents, rc)
	}
	return out
}

func (s *fakeSender) jingles(action jingle.Action) []*jingle.Jingle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jingle.Jingle
	for _, iq := range s.sent {
		if iq.Jingle != nil && iq.Jingle.Action == action {
			out = append(out, iq.Jingle)
		}
	}
	return out
}

// allocations counts the new local and remote channels requested from
// the bridge. Remote channels carry an endpoint.
func (s *fakeSender) allocations() (local, remote int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, iq := range s.sent {
		if iq.Conference == nil {
			continue
		}
		for _, ct := range iq.Conference.Contents {
			for _, ch := range ct.Channels {
				switch {
				case ch.ID != "":
				case ch.Endpoint == "":
					local++
				default:
					remote++
				}
			}
		}
	}
	return local, remote
}

// logSink collects log output written from any goroutine.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(b)
}

func (s *logSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

var errFakeHarvest = fmt.Errorf("%w: fake bind failure", core.ErrTransport)

type fakeStrategy struct {
	mu         sync.Mutex
	harvestErr map[domain.MediaType]error
	block      chan struct{}
	outcome    core.EstablishState
	harvested  map[domain.MediaType]bool
	remote     map[domain.MediaType]int
	establish  int
	started    bool
	state      core.EstablishState
	closed     bool
	removed    []domain.MediaType
	done       chan struct{}
	changed    chan struct{}
}

func newFakeStrategy() *fakeStrategy {
	return &fakeStrategy{
		harvestErr: make(map[domain.MediaType]error),
		outcome:    core.EstablishSucceeded,
		harvested:  make(map[domain.MediaType]bool),
		remote:     make(map[domain.MediaType]int),
		done:       make(chan struct{}),
		changed:    make(chan struct{}, 1),
	}
}

func (s *fakeStrategy) Namespace() string { return jingle.NSICEUDP }

func (s *fakeStrategy) Harvest(ctx context.Context, media domain.MediaType) (*jingle.Transport, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", core.ErrCancelled, ctx.Err())
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrCancelled
	}
	if err := s.harvestErr[media]; err != nil {
		return nil, err
	}
	s.harvested[media] = true
	tr := jingle.NewTransport(jingle.NSICEUDP)
	tr.Ufrag = "lu"
	tr.Pwd = "lp"
	tr.Candidates = []jingle.Candidate{{Component: 1, Foundation: "1", ID: "l-" + string(media), IP: "192.0.2.1", Port: 5000, Protocol: "udp", Type: jingle.CandidateHost}}
	return tr, nil
}

func (s *fakeStrategy) Establish(media domain.MediaType, remote *jingle.Transport) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, core.ErrCancelled
	}
	if !s.harvested[media] {
		return false, errors.New("unknown stream")
	}
	s.establish++
	s.remote[media] = len(remote.Candidates)
	if s.started {
		return false, nil
	}
	for m := range s.harvested {
		if s.remote[m] == 0 {
			return false, nil
		}
	}
	s.started = true
	s.state = s.outcome
	s.kick()
	return true, nil
}

func (s *fakeStrategy) kick() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *fakeStrategy) Wrapup(ctx context.Context) error {
	ceiling := time.After(500 * time.Millisecond)
	for {
		s.mu.Lock()
		st := s.state
		s.mu.Unlock()
		switch st {
		case core.EstablishSucceeded:
			return nil
		case core.EstablishFailed:
			return core.ErrConnectivityFailed
		case core.EstablishClosed:
			return core.ErrCancelled
		}
		select {
		case <-ctx.Done():
			return core.ErrCancelled
		case <-s.done:
			return core.ErrCancelled
		case <-s.changed:
		case <-ceiling:
			if s.outcome == core.EstablishRunning {
				continue
			}
			return nil
		}
	}
}

func (s *fakeStrategy) State() core.EstablishState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeStrategy) Selected(media domain.MediaType) (core.Path, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != core.EstablishSucceeded {
		return core.Path{}, false
	}
	return core.Path{Media: media, Local: "192.0.2.1:5000", Remote: "203.0.113.5:6000"}, true
}

func (s *fakeStrategy) Generation() domain.Generation { return 0 }

func (s *fakeStrategy) OnLocalCandidate(func(domain.MediaType, jingle.Candidate)) {}

func (s *fakeStrategy) Remove(media domain.MediaType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.harvested, media)
	s.removed = append(s.removed, media)
}

func (s *fakeStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.state = core.EstablishClosed
	close(s.done)
	return nil
}

func (s *fakeStrategy) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStrategy) hasStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *fakeStrategy) remoteCount(media domain.MediaType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote[media]
}

type fakeFactory struct {
	mu         sync.Mutex
	strategies []*fakeStrategy
	prepare    func(*fakeStrategy)
}

func (f *fakeFactory) NewStrategy(context.Context, domain.SessionID, domain.Role) (core.TransportStrategy, error) {
	s := newFakeStrategy()
	if f.prepare != nil {
		f.prepare(s)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strategies = append(f.strategies, s)
	return s, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.strategies)
}

func (f *fakeFactory) last() *fakeStrategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.strategies) == 0 {
		return nil
	}
	return f.strategies[len(f.strategies)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []StateEvent
}

func (l *eventLog) record(ev StateEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) states() []domain.PeerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.PeerState, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.To)
	}
	return out
}
