package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
)

// Handle processes one inbound Jingle action for this peer. It is
// called from the session's dispatcher goroutine and never blocks on
// network work.
func (p *CallPeer) Handle(j *jingle.Jingle) {
	switch j.Action {
	case jingle.ActionSessionInitiate:
		p.processInitiate(j)
	case jingle.ActionSessionAccept:
		p.processAccept(j)
	case jingle.ActionTransportInfo:
		p.processTransportInfo(j)
	case jingle.ActionSessionTerminate:
		p.processTerminate(j)
	case jingle.ActionSessionInfo:
		p.processInfo(j)
	case jingle.ActionContentAdd:
		p.processContentAdd(j)
	case jingle.ActionContentAccept:
		p.processContentAccept(j)
	case jingle.ActionContentModify:
		p.processContentModify(j)
	case jingle.ActionContentReject:
		p.processContentReject(j)
	case jingle.ActionContentRemove:
		p.processContentRemove(j)
	default:
		p.logger.Debug().Str("action", string(j.Action)).Msg("unhandled action")
	}
}

// processInitiate validates an offer before the user ever sees it. An
// offer that fails validation or the encryption policy ends in Failed
// with a termination sent back.
func (p *CallPeer) processInitiate(j *jingle.Jingle) {
	if !p.transition(domain.PeerStateIncoming, "") {
		return
	}
	if err := j.ValidateOffer(p.deps.Namespace); err != nil {
		p.fail(fmt.Errorf("%w: %w", core.ErrNegotiation, err), true)
		return
	}
	if p.deps.Policy.EncryptionRequired && !j.AdvertisesEncryption() {
		p.fail(&PeerError{
			Kind:      ErrSecurity,
			Condition: jingle.ReasonSecurityError,
			Reason:    "Remote offer does not advertise any encryption method.",
		}, true)
		return
	}

	p.mu.Lock()
	p.initiator = j.Initiator
	if p.initiator == "" {
		p.initiator = p.remote.String()
	}
	p.transfer = j.Transfer
	for _, c := range j.Contents {
		ms := p.addSessionLocked(c.Name, c.Media(), c.Creator)
		p.negotiateLocked(ms, c.Description, c.Senders)
	}
	p.mu.Unlock()

	p.absorb(j.Contents)
	p.absorbPending()

	ringing := p.jingle(jingle.ActionSessionInfo)
	ringing.Ringing = &jingle.Empty{}
	p.notify(ringing)

	p.mu.Lock()
	auto := p.autoAnswer
	p.mu.Unlock()
	if auto {
		p.logger.Info().Msg("auto-answering transferred call")
		if err := p.Answer(); err != nil {
			p.logger.Warn().Err(err).Msg("auto-answer failed")
		}
		return
	}
	if p.deps.OnIncoming != nil {
		p.deps.OnIncoming(p)
	}
}

// processAccept parks the accept in the gate until every offered
// content has a remote candidate.
func (p *CallPeer) processAccept(j *jingle.Jingle) {
	p.mu.Lock()
	gate := p.gate
	st := p.state
	p.mu.Unlock()
	if p.role != domain.RoleInitiator || gate == nil {
		p.logger.Debug().Str("state", st.String()).Msg("unexpected session-accept")
		return
	}
	gate.Hold(j)
}

// onAcceptReleased runs when the gate opens.
func (p *CallPeer) onAcceptReleased(j *jingle.Jingle) {
	p.goWork(func(ctx context.Context) { p.completeAccept(ctx, j) })
}

func (p *CallPeer) completeAccept(ctx context.Context, j *jingle.Jingle) {
	st := p.State()
	if st != domain.PeerStateConnecting && st != domain.PeerStateRinging {
		return
	}
	accepted := make(map[string]bool, len(j.Contents))
	for _, c := range j.Contents {
		accepted[c.Name] = true
		p.mu.Lock()
		ms, ok := p.sessions[c.Name]
		p.mu.Unlock()
		if ok {
			p.negotiate(ms, c.Description, c.Senders)
		}
	}
	p.absorb(j.Contents)
	p.absorbPending()

	var missing []string
	for _, ms := range p.Sessions() {
		if !accepted[ms.Name] {
			missing = append(missing, ms.Name)
		}
	}
	if len(missing) > 0 {
		p.logger.Info().Strs("contents", missing).Msg("contents not accepted by remote")
		p.removeSessions(missing)
	}
	if len(p.Sessions()) == 0 {
		p.fail(fmt.Errorf("%w: remote accepted no content", core.ErrNegotiation), true)
		return
	}
	p.connect(ctx)
}

// processTransportInfo folds trailing candidates into the session. On
// the initiator side, candidates that precede the release of the accept
// are held by the peer and count toward the gate.
func (p *CallPeer) processTransportInfo(j *jingle.Jingle) {
	p.mu.Lock()
	gate := p.gate
	if p.role == domain.RoleInitiator && (gate == nil || !gate.Released()) {
		p.holdLocked(j.Contents)
		p.mu.Unlock()
		if gate != nil {
			gate.Observe(j.Contents)
		}
		return
	}
	p.mu.Unlock()

	touched := p.absorb(j.Contents)
	if len(touched) == 0 {
		return
	}
	if err := p.establish(touched); err != nil && !errors.Is(err, core.ErrCancelled) {
		p.logger.Warn().Err(err).Msg("incremental establish")
	}
}

// absorb merges remote transports into the matching sessions, or hands
// them to the bridge for a bridged peer, and returns the sessions that
// gained candidates.
func (p *CallPeer) absorb(contents []jingle.Content) []*MediaSession {
	gen := p.generation()
	var touched []*MediaSession
	for _, c := range contents {
		if c.Transport == nil {
			continue
		}
		p.mu.Lock()
		ms, ok := p.sessions[c.Name]
		p.mu.Unlock()
		if !ok {
			p.logger.Debug().Str("content", c.Name).Msg("candidates for unknown content")
			continue
		}
		if p.call.IsFocus() {
			p.absorbBridged(ms, c.Transport)
			continue
		}
		if added := ms.MergeRemote(c.Transport, gen); len(added) > 0 {
			touched = append(touched, ms)
		}
	}
	return touched
}

// holdLocked keeps transport-info that arrived while the accept is
// gated, for as long as the peer lives.
func (p *CallPeer) holdLocked(contents []jingle.Content) {
	if p.held == nil {
		p.held = make(map[string]*jingle.Transport)
	}
	for _, c := range contents {
		if c.Transport == nil {
			continue
		}
		tr, ok := p.held[c.Name]
		if !ok {
			tr = jingle.NewTransport(c.Transport.Namespace())
			p.held[c.Name] = tr
		}
		tr.Merge(c.Transport)
	}
}

// absorbPending folds in candidates buffered for the sid before the
// peer existed and the ones the peer held while gated.
func (p *CallPeer) absorbPending() {
	pending := p.deps.Registry.Pending().Drain(p.sid)
	p.mu.Lock()
	held := p.held
	p.held = nil
	p.mu.Unlock()
	if len(pending) == 0 && len(held) == 0 {
		return
	}
	contents := make([]jingle.Content, 0, len(pending)+len(held))
	for name, tr := range pending {
		contents = append(contents, jingle.Content{Name: name, Transport: tr})
	}
	for name, tr := range held {
		contents = append(contents, jingle.Content{Name: name, Transport: tr})
	}
	p.absorb(contents)
	p.logger.Debug().Int("contents", len(contents)).Msg("drained buffered transport-info")
}

// absorbBridged keeps a bridged peer's candidates out of the shared
// session. They go to the bridge once channels exist.
func (p *CallPeer) absorbBridged(ms *MediaSession, tr *jingle.Transport) {
	p.mu.Lock()
	backlog := p.bridgeBacklogLocked(ms.Name)
	backlog.Merge(tr)
	pm, ok := p.media[ms.Name]
	ready := ok && pm.channel != nil
	p.mu.Unlock()
	if ready {
		p.goWork(func(ctx context.Context) { p.flushBridgeBacklog(ctx) })
	}
}

func (p *CallPeer) bridgeBacklogLocked(name string) *jingle.Transport {
	if p.backlog == nil {
		p.backlog = make(map[string]*jingle.Transport)
	}
	tr, ok := p.backlog[name]
	if !ok {
		tr = &jingle.Transport{}
		p.backlog[name] = tr
	}
	return tr
}

func (p *CallPeer) flushBridgeBacklog(ctx context.Context) {
	p.mu.Lock()
	backlog := p.backlog
	p.backlog = nil
	sessions := p.sessions
	type item struct {
		ms *MediaSession
		tr *jingle.Transport
	}
	var items []item
	for name, tr := range backlog {
		if ms, ok := sessions[name]; ok {
			items = append(items, item{ms, tr})
		}
	}
	p.mu.Unlock()
	for _, it := range items {
		p.forwardToBridge(ctx, it.ms, it.tr)
	}
}

func (p *CallPeer) processTerminate(j *jingle.Jingle) {
	p.transition(domain.PeerStateDisconnected, remoteEndedReason(j.Reason))
	p.release()
}

func (p *CallPeer) processInfo(j *jingle.Jingle) {
	switch {
	case j.Ringing != nil:
		p.transition(domain.PeerStateRinging, "")
	case j.Hold != nil:
		p.setRemoteHold(true)
	case j.Unhold != nil, j.Active != nil:
		p.setRemoteHold(false)
	case j.Mute != nil:
		p.setMuted(true)
	case j.Unmute != nil:
		p.setMuted(false)
	case j.Transfer != nil:
		p.processTransfer(j.Transfer)
	}
}

func (p *CallPeer) setRemoteHold(on bool) {
	p.mu.Lock()
	p.remoteHold = on
	p.mu.Unlock()
	p.logger.Info().Bool("on", on).Msg("remote hold")
}

func (p *CallPeer) setMuted(on bool) {
	p.mu.Lock()
	p.muted = on
	p.mu.Unlock()
	p.logger.Info().Bool("on", on).Msg("remote mute")
}

// processTransfer dials the transfer target on behalf of the remote
// party, referencing the session it asked us to hand off.
func (p *CallPeer) processTransfer(t *jingle.Transfer) {
	target, err := domain.ParseAddress(t.To)
	if err != nil {
		p.logger.Warn().Err(err).Msg("transfer without valid target")
		return
	}
	if p.State() != domain.PeerStateConnected || p.deps.Redirect == nil {
		p.logger.Debug().Msg("transfer ignored")
		return
	}
	from := t.From
	if from == "" {
		from = p.remote.String()
	}
	ref := &jingle.Transfer{SID: t.SID, From: from, To: t.To}
	var media []domain.MediaType
	for _, ms := range p.Sessions() {
		media = append(media, ms.Media)
	}
	p.logger.Info().Str("target", target.String()).Str("attended_sid", t.SID).Msg("transfer requested")
	p.goWork(func(ctx context.Context) { p.deps.Redirect(ctx, target, media, ref) })
}

// processContentAdd answers a remote content-add with content-accept
// once the new streams are harvested, or content-reject.
func (p *CallPeer) processContentAdd(j *jingle.Jingle) {
	if p.State() != domain.PeerStateConnected {
		p.logger.Debug().Msg("content-add outside a connected session")
		return
	}
	if err := j.ValidateOffer(p.deps.Namespace); err != nil {
		p.logger.Warn().Err(err).Msg("reject content-add")
		p.rejectContents(j.Contents)
		return
	}
	var sessions []*MediaSession
	p.mu.Lock()
	for _, c := range j.Contents {
		ms := p.addSessionLocked(c.Name, c.Media(), c.Creator)
		p.negotiateLocked(ms, c.Description, c.Senders)
		sessions = append(sessions, ms)
	}
	p.mu.Unlock()
	p.absorb(j.Contents)

	p.goWork(func(ctx context.Context) {
		ok, err := p.harvest(ctx, sessions)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Err(err).Msg("content-add harvest failed")
			p.removeSessions(contentNames(j.Contents))
			p.rejectContents(j.Contents)
			return
		}
		accept := p.jingle(jingle.ActionContentAccept)
		for _, ms := range ok {
			accept.Contents = append(accept.Contents, p.content(ms))
		}
		if err := p.request(ctx, accept); err != nil {
			p.logger.Warn().Err(err).Msg("content-accept not acknowledged")
			return
		}
		p.flushBridgeBacklog(ctx)
		if err := p.establish(ok); err != nil {
			p.fail(err, true)
		}
	})
}

func (p *CallPeer) rejectContents(contents []jingle.Content) {
	reject := p.jingle(jingle.ActionContentReject)
	for _, c := range contents {
		reject.Contents = append(reject.Contents, jingle.Content{Creator: c.Creator, Name: c.Name})
	}
	p.notify(reject)
}

func (p *CallPeer) processContentAccept(j *jingle.Jingle) {
	for _, c := range j.Contents {
		p.mu.Lock()
		ms, ok := p.sessions[c.Name]
		p.mu.Unlock()
		if ok {
			p.negotiate(ms, c.Description, "")
		}
	}
	touched := p.absorb(j.Contents)
	if err := p.establish(touched); err != nil {
		p.fail(err, true)
	}
}

func (p *CallPeer) processContentModify(j *jingle.Jingle) {
	for _, c := range j.Contents {
		p.mu.Lock()
		ms, ok := p.sessions[c.Name]
		p.mu.Unlock()
		if !ok {
			p.fail(fmt.Errorf("%w: content-modify for unknown content %q", core.ErrNegotiation, c.Name), true)
			return
		}
		p.negotiate(ms, nil, c.Senders)
		p.logger.Info().Str("content", c.Name).Str("senders", string(c.Senders)).Msg("content modified")
	}
}

func (p *CallPeer) processContentReject(j *jingle.Jingle) {
	if len(j.Contents) == 0 {
		p.fail(fmt.Errorf("%w: content-reject without contents", core.ErrNegotiation), true)
		return
	}
	p.removeSessions(contentNames(j.Contents))
}

func (p *CallPeer) processContentRemove(j *jingle.Jingle) {
	p.removeSessions(contentNames(j.Contents))
	if len(p.Sessions()) == 0 {
		p.logger.Info().Msg("last content removed")
		p.Hangup()
	}
}
