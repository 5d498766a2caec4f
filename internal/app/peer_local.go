package app

import (
	"context"
	"fmt"

	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
)

// Dial runs the outgoing leg: harvest, then session-initiate. A
// hang-up before the offer leaves no trace at the remote side.
func (p *CallPeer) Dial(media []domain.MediaType, transfer *jingle.Transfer) {
	p.mu.Lock()
	p.initiator = p.deps.Sender.LocalAddress()
	p.transfer = transfer
	sessions := make([]*MediaSession, 0, len(media))
	for _, m := range media {
		sessions = append(sessions, p.addSessionLocked(string(m), m, domain.RoleInitiator.String()))
	}
	ev, ok := p.setStateLocked(domain.PeerStateInitiating, "")
	p.mu.Unlock()
	if ok {
		p.emit(ev)
	}
	p.goWork(func(ctx context.Context) { p.initiate(ctx, sessions) })
}

func (p *CallPeer) initiate(ctx context.Context, sessions []*MediaSession) {
	ok, err := p.harvest(ctx, sessions)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail(err, false)
		return
	}

	j := p.jingle(jingle.ActionSessionInitiate)
	for _, ms := range ok {
		j.Contents = append(j.Contents, p.content(ms))
	}

	p.mu.Lock()
	if p.state != domain.PeerStateInitiating {
		p.mu.Unlock()
		return
	}
	j.Transfer = p.transfer
	p.offerSent = true
	p.gate = NewAcceptGate(p.deps.Policy.Gate, contentNames(j.Contents), p.onAcceptReleased)
	ev, _ := p.setStateLocked(domain.PeerStateConnecting, "")
	p.mu.Unlock()
	p.emit(ev)

	if err := p.request(ctx, j); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail(err, true)
		return
	}
	if conf := p.call.Conference(); conf != nil {
		p.flushBridgeBacklog(ctx)
	}
}

// Answer accepts an incoming call.
func (p *CallPeer) Answer() error {
	if !p.transition(domain.PeerStateConnecting, "") {
		return fmt.Errorf("%w: answer in state %s", ErrInvalidState, p.State())
	}
	p.goWork(p.answer)
	return nil
}

func (p *CallPeer) answer(ctx context.Context) {
	ok, err := p.harvest(ctx, p.Sessions())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail(err, true)
		return
	}

	j := p.jingle(jingle.ActionSessionAccept)
	j.Responder = p.deps.Sender.LocalAddress()
	for _, ms := range ok {
		j.Contents = append(j.Contents, p.content(ms))
	}
	p.mu.Lock()
	p.offerSent = true
	p.mu.Unlock()

	if err := p.request(ctx, j); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail(err, true)
		return
	}
	if p.call.IsFocus() {
		p.flushBridgeBacklog(ctx)
	}
	p.connect(ctx)
}

// Hangup ends the session from the local side. The termination reason
// depends on how far the negotiation got.
func (p *CallPeer) Hangup() {
	p.mu.Lock()
	st := p.state
	if st == domain.PeerStateNone || st.Terminal() {
		p.mu.Unlock()
		return
	}
	var cond jingle.ReasonCondition
	switch {
	case st == domain.PeerStateConnected:
		cond = jingle.ReasonSuccess
	case st == domain.PeerStateIncoming && p.deps.Policy.DeclineOnHangup:
		cond = jingle.ReasonDecline
	case st == domain.PeerStateIncoming:
		cond = jingle.ReasonBusy
	case st == domain.PeerStateInitiating && !p.offerSent:
		// nothing on the wire yet
	default:
		cond = jingle.ReasonCancel
	}
	ev, ok := p.setStateLocked(domain.PeerStateDisconnected, "Call ended locally.")
	p.mu.Unlock()
	if ok {
		p.emit(ev)
	}
	if cond != "" {
		p.terminate(cond, "")
	} else {
		p.logger.Info().Msg("cancelled before the offer was sent")
	}
	p.release()
}

// Hold puts the session on hold or resumes it.
func (p *CallPeer) Hold(on bool) error {
	if p.State() != domain.PeerStateConnected {
		return fmt.Errorf("%w: hold in state %s", ErrInvalidState, p.State())
	}
	p.mu.Lock()
	p.localHold = on
	p.mu.Unlock()
	j := p.jingle(jingle.ActionSessionInfo)
	if on {
		j.Hold = &jingle.Empty{}
	} else {
		j.Active = &jingle.Empty{}
	}
	p.notify(j)
	p.logger.Info().Bool("on", on).Msg("local hold")
	return nil
}

// Transfer asks the remote party to call target. A non-empty attended
// sid names our session with target that the new call replaces.
func (p *CallPeer) Transfer(target domain.Address, attended domain.SessionID) error {
	if p.State() != domain.PeerStateConnected {
		return fmt.Errorf("%w: transfer in state %s", ErrInvalidState, p.State())
	}
	j := p.jingle(jingle.ActionSessionInfo)
	j.Transfer = &jingle.Transfer{SID: string(attended), From: p.deps.Sender.LocalAddress(), To: target.String()}
	p.notify(j)
	p.logger.Info().Str("target", target.String()).Str("attended_sid", string(attended)).Msg("transfer sent")
	return nil
}

// AddContent negotiates a new media stream in a connected session.
func (p *CallPeer) AddContent(media domain.MediaType) error {
	if p.State() != domain.PeerStateConnected {
		return fmt.Errorf("%w: content-add in state %s", ErrInvalidState, p.State())
	}
	if _, ok := p.Session(media); ok {
		return fmt.Errorf("%w: %s already present", ErrInvalidState, media)
	}
	p.mu.Lock()
	ms := p.addSessionLocked(string(media), media, p.role.String())
	p.mu.Unlock()

	p.goWork(func(ctx context.Context) {
		ok, err := p.harvest(ctx, []*MediaSession{ms})
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Str("media", string(media)).Msg("content-add harvest failed")
				p.removeSessions([]string{ms.Name})
			}
			return
		}
		j := p.jingle(jingle.ActionContentAdd)
		for _, s := range ok {
			j.Contents = append(j.Contents, p.content(s))
		}
		if err := p.request(ctx, j); err != nil {
			p.logger.Warn().Err(err).Msg("content-add not acknowledged")
			p.removeSessions([]string{ms.Name})
		}
	})
	return nil
}

// RemoveContent drops a media stream from a connected session.
func (p *CallPeer) RemoveContent(media domain.MediaType) error {
	ms, ok := p.Session(media)
	if !ok {
		return fmt.Errorf("%w: no %s content", ErrInvalidState, media)
	}
	if p.State() != domain.PeerStateConnected {
		return fmt.Errorf("%w: content-remove in state %s", ErrInvalidState, p.State())
	}
	j := p.jingle(jingle.ActionContentRemove)
	j.Contents = []jingle.Content{{Creator: ms.Creator, Name: ms.Name}}
	p.notify(j)
	p.removeSessions([]string{ms.Name})
	if len(p.Sessions()) == 0 {
		p.Hangup()
	}
	return nil
}

// Attend marks the peer as the replacement of attendant: it answers
// on its own and ends attendant once connected.
func (p *CallPeer) Attend(attendant *CallPeer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoAnswer = true
	p.attendant = attendant
}

func (p *CallPeer) completeTransfer() {
	p.mu.Lock()
	attendant := p.attendant
	p.attendant = nil
	p.mu.Unlock()
	if attendant == nil {
		return
	}
	p.logger.Info().Str("attendant", string(attendant.SID())).Msg("attended transfer complete")
	attendant.Hangup()
}
