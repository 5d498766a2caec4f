package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/jinglecall/internal/app/bridge"
	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Deps are the collaborators shared by every peer.
type Deps struct {
	Sender     core.Sender
	Strategies core.StrategyFactory
	Bridge     *bridge.Client
	Registry   *Registry
	Policy     Policy
	// Namespace is the transport namespace offered and accepted.
	Namespace string
	// Events observes every state transition.
	Events func(StateEvent)
	// OnIncoming is told about an incoming call that passed validation.
	OnIncoming func(*CallPeer)
	// Redirect dials target on behalf of a transfer request.
	Redirect func(ctx context.Context, target domain.Address, media []domain.MediaType, t *jingle.Transfer)
}

type StateEvent struct {
	SID    domain.SessionID
	Peer   domain.Address
	From   domain.PeerState
	To     domain.PeerState
	Reason string
}

// CallPeer drives the negotiation with one remote party. Inbound
// actions arrive in order from one dispatcher goroutine; slow work runs
// on workers. mu guards all mutable state and is never held across
// network calls.
type CallPeer struct {
	deps   *Deps
	call   *Call
	sid    domain.SessionID
	remote domain.Address
	role   domain.Role
	logger zerolog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	releaseOnce sync.Once

	trMu sync.Mutex

	mu         sync.Mutex
	state      domain.PeerState
	reason     string
	err        error
	initiator  string
	sessions   map[string]*MediaSession
	media      map[string]*peerMedia
	transport  core.TransportStrategy
	offerSent  bool
	gate       *AcceptGate
	localHold  bool
	remoteHold bool
	muted      bool
	autoAnswer bool
	attendant  *CallPeer
	transfer   *jingle.Transfer
	backlog    map[string]*jingle.Transport
	held       map[string]*jingle.Transport
}

// NewCallPeer builds a peer in state None. It is not registered.
func NewCallPeer(deps *Deps, call *Call, sid domain.SessionID, remote domain.Address, role domain.Role) *CallPeer {
	ctx, cancel := context.WithCancel(context.Background())
	return &CallPeer{
		deps:   deps,
		call:   call,
		sid:    sid,
		remote: remote,
		role:   role,
		logger: log.With().
			Str("module", "app.peer").
			Str("sid", string(sid)).
			Str("peer", remote.String()).
			Logger(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*MediaSession),
		media:    make(map[string]*peerMedia),
	}
}

func (p *CallPeer) SID() domain.SessionID  { return p.sid }
func (p *CallPeer) Remote() domain.Address { return p.remote }
func (p *CallPeer) Role() domain.Role      { return p.role }
func (p *CallPeer) Call() *Call            { return p.call }

func (p *CallPeer) State() domain.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reason is the human-readable reason of the last terminal transition.
func (p *CallPeer) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Err returns the *PeerError of a Failed peer.
func (p *CallPeer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *CallPeer) OnHold() (local, remote bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localHold, p.remoteHold
}

func (p *CallPeer) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// Session returns the media session of the content carrying media.
func (p *CallPeer) Session(media domain.MediaType) (*MediaSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ms := range p.sessions {
		if ms.Media == media {
			return ms, true
		}
	}
	return nil, false
}

// Sessions lists the media sessions ordered by content name.
func (p *CallPeer) Sessions() []*MediaSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionsLocked()
}

func (p *CallPeer) sessionsLocked() []*MediaSession {
	out := make([]*MediaSession, 0, len(p.sessions))
	for _, ms := range p.sessions {
		out = append(out, ms)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Done is closed once the peer has been released.
func (p *CallPeer) Done() <-chan struct{} { return p.ctx.Done() }

// Wait blocks until every worker of the peer has returned.
func (p *CallPeer) Wait() { p.wg.Wait() }

type PeerInfo struct {
	SID        domain.SessionID `json:"sid"`
	Remote     string           `json:"remote"`
	Role       string           `json:"role"`
	State      string           `json:"state"`
	Reason     string           `json:"reason,omitempty"`
	LocalHold  bool             `json:"local_hold"`
	RemoteHold bool             `json:"remote_hold"`
	Media      []string         `json:"media"`
}

func (p *CallPeer) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := PeerInfo{
		SID:        p.sid,
		Remote:     p.remote.String(),
		Role:       p.role.String(),
		State:      p.state.String(),
		Reason:     p.reason,
		LocalHold:  p.localHold,
		RemoteHold: p.remoteHold,
	}
	for _, ms := range p.sessionsLocked() {
		info.Media = append(info.Media, string(ms.Media))
	}
	return info
}

// setStateLocked applies a transition allowed by the lifecycle and
// returns the event to publish once mu is released.
func (p *CallPeer) setStateLocked(to domain.PeerState, reason string) (StateEvent, bool) {
	from := p.state
	if !domain.CanTransition(from, to) {
		p.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("transition ignored")
		return StateEvent{}, false
	}
	p.state = to
	if to.Terminal() {
		p.reason = reason
	}
	return StateEvent{SID: p.sid, Peer: p.remote, From: from, To: to, Reason: reason}, true
}

func (p *CallPeer) emit(ev StateEvent) {
	l := p.logger.Info().Str("from", ev.From.String()).Str("to", ev.To.String())
	if ev.Reason != "" {
		l = l.Str("reason", ev.Reason)
	}
	l.Msg("state changed")
	if p.deps.Events != nil {
		p.deps.Events(ev)
	}
}

func (p *CallPeer) transition(to domain.PeerState, reason string) bool {
	p.mu.Lock()
	ev, ok := p.setStateLocked(to, reason)
	p.mu.Unlock()
	if ok {
		p.emit(ev)
	}
	return ok
}

// fail moves the peer to Failed, tells the remote side when notify is
// set and releases everything the peer holds.
func (p *CallPeer) fail(err error, notify bool) {
	pe := newPeerError(err)
	p.mu.Lock()
	ev, ok := p.setStateLocked(domain.PeerStateFailed, pe.Reason)
	if ok {
		p.err = pe
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.logger.Warn().Err(err).Str("condition", string(pe.Condition)).Msg("peer failed")
	p.emit(ev)
	if notify {
		p.terminate(pe.Condition, pe.Reason)
	}
	p.release()
}

// release frees transports and bridge channels and forgets the peer.
// It is idempotent and safe to call from any goroutine.
func (p *CallPeer) release() {
	p.releaseOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		tr := p.transport
		gate := p.gate
		var bridged []domain.MediaType
		for name, ms := range p.sessions {
			if pm, ok := p.media[name]; ok && pm.channel != nil {
				bridged = append(bridged, ms.Media)
			}
		}
		p.mu.Unlock()

		if gate != nil {
			gate.Stop()
		}
		if conf := p.call.Conference(); conf != nil && p.deps.Bridge != nil {
			ctx, cancel := context.WithTimeout(context.Background(), p.bridgeTimeout())
			for _, media := range bridged {
				p.deps.Bridge.Release(ctx, conf, media, string(p.sid))
			}
			cancel()
		} else if tr != nil {
			if err := tr.Close(); err != nil {
				p.logger.Warn().Err(err).Msg("close transport")
			}
		}
		p.deps.Registry.Unbind(p.sid, p)
		p.deps.Registry.Pending().Discard(p.sid)
		p.call.RemovePeer(p)
		p.logger.Info().Msg("released")
	})
}

// goWork runs fn on a worker bound to the peer's lifetime.
func (p *CallPeer) goWork(fn func(ctx context.Context)) {
	if p.ctx.Err() != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.ctx)
	}()
}

func (p *CallPeer) jingle(action jingle.Action) *jingle.Jingle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &jingle.Jingle{Action: action, SID: string(p.sid), Initiator: p.initiator}
}

// request sends j and waits for the acknowledgement.
func (p *CallPeer) request(ctx context.Context, j *jingle.Jingle) error {
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout())
	defer cancel()
	resp, err := p.deps.Sender.Request(ctx, jingle.NewJingleIQ(p.remote.String(), j))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s not acknowledged: %w", core.ErrTimeout, j.Action, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", core.ErrCancelled, err)
	case err != nil:
		return fmt.Errorf("%w: send %s: %w", core.ErrTransport, j.Action, err)
	case resp.Error != nil:
		return fmt.Errorf("%w: %s rejected: %w", core.ErrNegotiation, j.Action, resp.Error)
	}
	return nil
}

// notify sends j without waiting for the acknowledgement.
func (p *CallPeer) notify(j *jingle.Jingle) {
	ctx, cancel := context.WithTimeout(context.Background(), p.requestTimeout())
	defer cancel()
	if err := p.deps.Sender.Send(ctx, jingle.NewJingleIQ(p.remote.String(), j)); err != nil {
		p.logger.Warn().Err(err).Str("action", string(j.Action)).Msg("send failed")
	}
}

func (p *CallPeer) terminate(cond jingle.ReasonCondition, text string) {
	j := p.jingle(jingle.ActionSessionTerminate)
	j.Reason = &jingle.Reason{Condition: cond, Text: text}
	p.notify(j)
}

// addSessionLocked creates the media session for content name. Peers
// of a bridged call get the call-wide session for the media type.
func (p *CallPeer) addSessionLocked(name string, media domain.MediaType, creator string) *MediaSession {
	if ms, ok := p.sessions[name]; ok {
		return ms
	}
	var ms *MediaSession
	if p.call.IsFocus() {
		ms = p.call.SharedSession(media, func() *MediaSession {
			return newMediaSession(name, media, creator)
		})
	} else {
		ms = newMediaSession(name, media, creator)
	}
	p.sessions[name] = ms
	return ms
}

func (p *CallPeer) removeSessions(names []string) {
	p.mu.Lock()
	var removed []*MediaSession
	bridged := make(map[string]bool)
	for _, name := range names {
		if ms, ok := p.sessions[name]; ok {
			removed = append(removed, ms)
			delete(p.sessions, name)
		}
		if pm, ok := p.media[name]; ok {
			bridged[name] = pm.channel != nil
			delete(p.media, name)
		}
	}
	tr := p.transport
	p.mu.Unlock()

	for _, ms := range removed {
		p.logger.Info().Str("media", string(ms.Media)).Str("content", ms.Name).Msg("media removed")
		if conf := p.call.Conference(); conf != nil && bridged[ms.Name] {
			ctx, cancel := context.WithTimeout(context.Background(), p.bridgeTimeout())
			p.deps.Bridge.Release(ctx, conf, ms.Media, string(p.sid))
			cancel()
			continue
		}
		if tr != nil {
			tr.Remove(ms.Media)
		}
	}
}

func (p *CallPeer) generation() domain.Generation {
	p.mu.Lock()
	tr := p.transport
	p.mu.Unlock()
	if tr == nil {
		return 0
	}
	return tr.Generation()
}

func contentNames(contents []jingle.Content) []string {
	out := make([]string, 0, len(contents))
	for _, c := range contents {
		out = append(out, c.Name)
	}
	return out
}

func remoteEndedReason(r *jingle.Reason) string {
	const base = "Call ended by remote side."
	if r == nil || r.Condition == "" {
		return base
	}
	if r.Text != "" {
		return fmt.Sprintf("%s Reason: %s. %s", base, r.Condition, r.Text)
	}
	return fmt.Sprintf("%s Reason: %s.", base, r.Condition)
}

func (p *CallPeer) requestTimeout() time.Duration {
	return orDefault(p.deps.Policy.RequestTimeout, 10*time.Second)
}

const defaultBridgeTimeout = 5 * time.Second

func (p *CallPeer) bridgeTimeout() time.Duration {
	return orDefault(p.deps.Policy.BridgeTimeout, defaultBridgeTimeout)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
