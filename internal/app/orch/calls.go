package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/jinglecall/internal/app"
	"github.com/dkeye/jinglecall/internal/app/bridge"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/google/uuid"
)

type DialRequest struct {
	To    domain.Address
	Media []domain.MediaType
	// CallID joins an existing call instead of starting one.
	CallID domain.CallID
	// Conference makes the new call a bridge conference focus.
	Conference bool
	Transfer   *jingle.Transfer
}

// Dial starts an outgoing session.
func (o *Orchestrator) Dial(_ context.Context, req DialRequest) (*app.CallPeer, error) {
	media := req.Media
	if len(media) == 0 {
		media = []domain.MediaType{domain.MediaAudio}
	}

	var call *app.Call
	switch {
	case req.CallID != "":
		c, ok := o.calls.Get(req.CallID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", app.ErrUnknownCall, req.CallID)
		}
		call = c
	case req.Conference:
		if o.deps.Bridge == nil || o.bridgeJID == "" {
			return nil, ErrNoBridge
		}
		call = o.calls.Create(bridge.NewConference(o.bridgeJID))
	default:
		call = o.calls.Create(nil)
	}

	sid := domain.SessionID(uuid.NewString())
	peer := app.NewCallPeer(o.deps, call, sid, req.To, domain.RoleInitiator)
	if err := o.register(call, peer); err != nil {
		return nil, err
	}
	o.logger.Info().
		Str("sid", string(sid)).
		Str("to", req.To.String()).
		Str("call", string(call.ID)).
		Bool("focus", call.IsFocus()).
		Msg("dialing")
	peer.Dial(media, req.Transfer)
	return peer, nil
}

func (o *Orchestrator) redirect(ctx context.Context, target domain.Address, media []domain.MediaType, t *jingle.Transfer) {
	if _, err := o.Dial(ctx, DialRequest{To: target, Media: media, Transfer: t}); err != nil {
		o.logger.Warn().Err(err).Str("target", target.String()).Msg("transfer dial failed")
	}
}

func (o *Orchestrator) Peer(sid domain.SessionID) (*app.CallPeer, error) {
	p, ok := o.registry.Get(sid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", app.ErrUnknownSession, sid)
	}
	return p, nil
}

func (o *Orchestrator) Answer(sid domain.SessionID) error {
	p, err := o.Peer(sid)
	if err != nil {
		return err
	}
	return p.Answer()
}

func (o *Orchestrator) Hangup(sid domain.SessionID) error {
	if !o.registry.Cancel(sid) {
		return fmt.Errorf("%w: %s", app.ErrUnknownSession, sid)
	}
	return nil
}

func (o *Orchestrator) Hold(sid domain.SessionID, on bool) error {
	p, err := o.Peer(sid)
	if err != nil {
		return err
	}
	return p.Hold(on)
}

func (o *Orchestrator) Transfer(sid domain.SessionID, target domain.Address, attended domain.SessionID) error {
	p, err := o.Peer(sid)
	if err != nil {
		return err
	}
	if attended != "" {
		if _, err := o.Peer(attended); err != nil {
			return err
		}
	}
	return p.Transfer(target, attended)
}

func (o *Orchestrator) AddContent(sid domain.SessionID, media domain.MediaType) error {
	p, err := o.Peer(sid)
	if err != nil {
		return err
	}
	return p.AddContent(media)
}

func (o *Orchestrator) RemoveContent(sid domain.SessionID, media domain.MediaType) error {
	p, err := o.Peer(sid)
	if err != nil {
		return err
	}
	return p.RemoveContent(media)
}

func (o *Orchestrator) Calls() []app.CallInfo {
	return o.calls.List()
}
