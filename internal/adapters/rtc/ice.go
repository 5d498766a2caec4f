package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/pion/ice/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrUnknownStream = errors.New("no stream for media")

type Timeouts struct {
	Gather time.Duration
	Wrapup time.Duration
	Poll   time.Duration
}

// ICEStrategy runs one ICE agent per media stream with RTCP
// multiplexed on the RTP component. The local initiator is the
// controlling agent.
type ICEStrategy struct {
	sid      domain.SessionID
	role     domain.Role
	timeouts Timeouts
	cert     *Certificate
	newAgent func() (iceAgent, error)
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	prog   *progress

	mu      sync.Mutex
	streams map[domain.MediaType]*iceStream
	running bool
	closed  bool
	onLocal func(domain.MediaType, jingle.Candidate)
}

type iceStream struct {
	media       domain.MediaType
	agent       iceAgent
	ufrag, pwd  string
	remoteUfrag string
	remotePwd   string
	remote      map[string]struct{}
	local       []jingle.Candidate
	harvested   bool
	gathered    chan struct{}
	gatherOnce  sync.Once
	started     bool
	state       ice.ConnectionState
	selected    *core.Path
}

func newICEStrategy(sid domain.SessionID, role domain.Role, t Timeouts, cert *Certificate, newAgent func() (iceAgent, error)) *ICEStrategy {
	ctx, cancel := context.WithCancel(context.Background())
	return &ICEStrategy{
		sid:      sid,
		role:     role,
		timeouts: t,
		cert:     cert,
		newAgent: newAgent,
		logger:   log.With().Str("module", "rtc.ice").Str("sid", string(sid)).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		prog:     newProgress(),
		streams:  make(map[domain.MediaType]*iceStream),
	}
}

func (s *ICEStrategy) Namespace() string { return jingle.NSICEUDP }

func (s *ICEStrategy) Generation() domain.Generation { return generation }

func (s *ICEStrategy) State() core.EstablishState { return s.prog.get() }

func (s *ICEStrategy) OnLocalCandidate(fn func(domain.MediaType, jingle.Candidate)) {
	s.mu.Lock()
	s.onLocal = fn
	s.mu.Unlock()
}

func (s *ICEStrategy) Harvest(ctx context.Context, media domain.MediaType) (*jingle.Transport, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.ErrCancelled
	}
	if st, ok := s.streams[media]; ok && st.harvested {
		tr := s.localTransportLocked(st)
		s.mu.Unlock()
		return tr, nil
	}
	s.mu.Unlock()

	agent, err := s.newAgent()
	if err != nil {
		return nil, fmt.Errorf("%w: ice agent for %s: %w", core.ErrTransport, media, err)
	}
	ufrag, pwd, err := agent.GetLocalUserCredentials()
	if err != nil {
		_ = agent.Close()
		return nil, fmt.Errorf("%w: ice credentials: %w", core.ErrTransport, err)
	}
	st := &iceStream{
		media:    media,
		agent:    agent,
		ufrag:    ufrag,
		pwd:      pwd,
		remote:   make(map[string]struct{}),
		gathered: make(chan struct{}),
	}
	if err := s.register(st); err != nil {
		_ = agent.Close()
		return nil, err
	}
	if err := agent.GatherCandidates(); err != nil {
		s.Remove(media)
		return nil, fmt.Errorf("%w: gather %s: %w", core.ErrTransport, media, err)
	}

	timer := time.NewTimer(s.timeouts.Gather)
	defer timer.Stop()
	select {
	case <-st.gathered:
	case <-timer.C:
		s.logger.Debug().Str("media", string(media)).Msg("gather window elapsed, trickling the rest")
	case <-ctx.Done():
		s.Remove(media)
		return nil, fmt.Errorf("%w: %w", core.ErrCancelled, ctx.Err())
	case <-s.ctx.Done():
		return nil, core.ErrCancelled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.harvested = true
	s.logger.Info().Str("media", string(media)).Int("candidates", len(st.local)).Msg("harvested")
	return s.localTransportLocked(st), nil
}

func (s *ICEStrategy) register(st *iceStream) error {
	if err := st.agent.OnCandidate(func(c ice.Candidate) { s.onCandidate(st, c) }); err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransport, err)
	}
	if err := st.agent.OnConnectionStateChange(func(cs ice.ConnectionState) { s.onState(st, cs) }); err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransport, err)
	}
	if err := st.agent.OnSelectedCandidatePairChange(func(local, remote ice.Candidate) { s.onSelected(st, local, remote) }); err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransport, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrCancelled
	}
	if old, ok := s.streams[st.media]; ok {
		go func() { _ = old.agent.Close() }()
	}
	s.streams[st.media] = st
	return nil
}

func (s *ICEStrategy) localTransportLocked(st *iceStream) *jingle.Transport {
	tr := jingle.NewTransport(jingle.NSICEUDP)
	tr.Ufrag, tr.Pwd = st.ufrag, st.pwd
	tr.RTCPMux = &jingle.Empty{}
	tr.Fingerprints = s.cert.Fingerprints(s.role)
	tr.Candidates = append([]jingle.Candidate(nil), st.local...)
	return tr
}

func (s *ICEStrategy) onCandidate(st *iceStream, c ice.Candidate) {
	if c == nil {
		st.gatherOnce.Do(func() { close(st.gathered) })
		return
	}
	s.mu.Lock()
	jc := fromICECandidate(c, generation)
	st.local = append(st.local, jc)
	trickle := st.harvested
	fn := s.onLocal
	s.mu.Unlock()

	if trickle && fn != nil {
		fn(st.media, jc)
	}
}

func (s *ICEStrategy) onState(st *iceStream, cs ice.ConnectionState) {
	s.mu.Lock()
	st.state = cs
	s.mu.Unlock()
	s.logger.Info().Str("media", string(st.media)).Str("ice_state", cs.String()).Msg("ICE state")
	s.publish()
}

func (s *ICEStrategy) onSelected(st *iceStream, local, remote ice.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.selected = &core.Path{
		Media:  st.media,
		Local:  fmt.Sprintf("%s:%d", local.Address(), local.Port()),
		Remote: fmt.Sprintf("%s:%d", remote.Address(), remote.Port()),
	}
}

// Establish folds remote candidates into the stream for media. Before
// checks run, they start only once every stream has a remote RTP
// candidate and credentials. Afterwards candidates are added to the
// running agents.
func (s *ICEStrategy) Establish(media domain.MediaType, remote *jingle.Transport) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, core.ErrCancelled
	}
	st, ok := s.streams[media]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownStream, media)
	}
	if remote.Ufrag != "" {
		st.remoteUfrag, st.remotePwd = remote.Ufrag, remote.Pwd
	}

	var fresh []ice.Candidate
	for _, c := range remote.Candidates {
		if c.Generation != generation {
			s.logger.Debug().Str("media", string(media)).Int("generation", int(c.Generation)).Msg("drop stale candidate")
			continue
		}
		if c.IP == "" || c.Component != int(domain.ComponentRTP) {
			continue
		}
		if _, dup := st.remote[c.Key()]; dup {
			continue
		}
		ic, err := toICECandidate(c)
		if err != nil {
			s.logger.Warn().Err(err).Str("media", string(media)).Msg("bad remote candidate")
			continue
		}
		st.remote[c.Key()] = struct{}{}
		fresh = append(fresh, ic)
	}

	var toStart []*iceStream
	started := false
	if !s.running {
		if s.batchCompleteLocked() {
			s.running, started = true, true
			for _, x := range s.streams {
				toStart = append(toStart, x)
			}
		}
	} else if !st.started && len(st.remote) > 0 && st.remoteUfrag != "" {
		toStart = append(toStart, st)
	}
	for _, x := range toStart {
		x.started = true
	}
	s.mu.Unlock()

	for _, ic := range fresh {
		if err := st.agent.AddRemoteCandidate(ic); err != nil {
			s.logger.Warn().Err(err).Str("media", string(media)).Msg("add remote candidate")
		}
	}
	for _, x := range toStart {
		s.startChecks(x)
	}
	if started {
		s.logger.Info().Int("streams", len(toStart)).Msg("connectivity checks started")
	}
	s.publish()
	return started, nil
}

func (s *ICEStrategy) batchCompleteLocked() bool {
	if len(s.streams) == 0 {
		return false
	}
	for _, st := range s.streams {
		if len(st.remote) == 0 || st.remoteUfrag == "" {
			return false
		}
	}
	return true
}

func (s *ICEStrategy) startChecks(st *iceStream) {
	s.mu.Lock()
	ufrag, pwd := st.remoteUfrag, st.remotePwd
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.role == domain.RoleInitiator {
			_, err = st.agent.Dial(s.ctx, ufrag, pwd)
		} else {
			_, err = st.agent.Accept(s.ctx, ufrag, pwd)
		}
		if err == nil {
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Str("media", string(st.media)).Msg("connectivity checks failed")
		s.mu.Lock()
		st.state = ice.ConnectionStateFailed
		s.mu.Unlock()
		s.publish()
	}()
}

func (s *ICEStrategy) publish() {
	s.mu.Lock()
	agg := s.aggregateLocked()
	s.mu.Unlock()
	s.prog.set(agg)
}

func (s *ICEStrategy) aggregateLocked() core.EstablishState {
	if s.closed {
		return core.EstablishClosed
	}
	if !s.running {
		return core.EstablishPending
	}
	connected := 0
	for _, st := range s.streams {
		switch st.state {
		case ice.ConnectionStateFailed:
			return core.EstablishFailed
		case ice.ConnectionStateConnected, ice.ConnectionStateCompleted:
			connected++
		}
	}
	if connected > 0 && connected == len(s.streams) {
		return core.EstablishSucceeded
	}
	return core.EstablishRunning
}

func (s *ICEStrategy) Wrapup(ctx context.Context) error {
	st, err := s.prog.wait(ctx, s.timeouts.Wrapup, s.timeouts.Poll)
	if err == nil && !st.Terminal() {
		s.logger.Warn().Str("state", st.String()).Msg("wrapup timed out, checks continue")
	}
	return wrapupError(st, err)
}

func (s *ICEStrategy) Selected(media domain.MediaType) (core.Path, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[media]
	if !ok || st.selected == nil {
		return core.Path{}, false
	}
	return *st.selected, true
}

func (s *ICEStrategy) Remove(media domain.MediaType) {
	s.mu.Lock()
	st, ok := s.streams[media]
	delete(s.streams, media)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := st.agent.Close(); err != nil {
		s.logger.Warn().Err(err).Str("media", string(media)).Msg("close agent")
	}
	s.publish()
}

// Close stops every agent and waits for running checks to return.
func (s *ICEStrategy) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := s.streams
	s.streams = make(map[domain.MediaType]*iceStream)
	s.mu.Unlock()

	s.cancel()
	var errs []error
	for media, st := range streams {
		if err := st.agent.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s agent: %w", media, err))
		}
	}
	s.wg.Wait()
	s.prog.set(core.EstablishClosed)
	s.logger.Info().Msg("closed")
	return errors.Join(errs...)
}
