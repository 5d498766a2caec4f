package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/jinglecall/internal/app/bridge"
	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"golang.org/x/sync/errgroup"
)

// strategy returns the peer's transport strategy, creating it on first
// use. Peers of a bridged call share the call's strategy.
func (p *CallPeer) strategy(ctx context.Context) (core.TransportStrategy, error) {
	p.trMu.Lock()
	defer p.trMu.Unlock()

	p.mu.Lock()
	tr := p.transport
	p.mu.Unlock()
	if tr != nil {
		return tr, nil
	}

	var err error
	bridged := p.call.IsFocus()
	if bridged {
		tr, err = p.call.SharedTransport(func() (core.TransportStrategy, error) {
			t, err := p.deps.Strategies.NewStrategy(ctx, domain.SessionID(p.call.ID), domain.RoleInitiator)
			if err != nil {
				return nil, err
			}
			t.OnLocalCandidate(bridgeTrickle(p.deps.Bridge, p.call, t.Namespace()))
			return t, nil
		})
	} else {
		tr, err = p.deps.Strategies.NewStrategy(ctx, p.sid, p.role)
	}
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		if !bridged {
			_ = tr.Close()
		}
		return nil, core.ErrCancelled
	}
	if !bridged {
		tr.OnLocalCandidate(p.trickle)
	}
	p.transport = tr
	return tr, nil
}

// harvest gathers local candidates for every session in parallel. A
// failed optional video stream is dropped; any other failure fails the
// whole harvest.
func (p *CallPeer) harvest(ctx context.Context, sessions []*MediaSession) ([]*MediaSession, error) {
	tr, err := p.strategy(ctx)
	if err != nil {
		return nil, err
	}

	dropped := make([]bool, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	for i, ms := range sessions {
		g.Go(func() error {
			err := p.harvestOne(gctx, tr, ms)
			if err == nil {
				return nil
			}
			if ms.Media == domain.MediaVideo && !p.deps.Policy.VideoMandatory && !errors.Is(err, core.ErrCancelled) && ctx.Err() == nil {
				p.logger.Warn().Err(err).Str("media", string(ms.Media)).Msg("optional media dropped")
				dropped[i] = true
				return nil
			}
			return fmt.Errorf("harvest %s: %w", ms.Media, err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrCancelled, err)
	}

	ok := make([]*MediaSession, 0, len(sessions))
	var names []string
	for i, ms := range sessions {
		if dropped[i] {
			names = append(names, ms.Name)
			continue
		}
		ok = append(ok, ms)
	}
	p.removeSessions(names)
	if len(ok) == 0 {
		return nil, fmt.Errorf("%w: no media stream could be harvested", core.ErrTransport)
	}
	return ok, nil
}

func (p *CallPeer) harvestOne(ctx context.Context, tr core.TransportStrategy, ms *MediaSession) error {
	conf := p.call.Conference()
	if conf == nil {
		local, err := tr.Harvest(ctx, ms.Media)
		if err != nil {
			return err
		}
		ms.SetLocal(local)
		p.logger.Debug().Str("media", string(ms.Media)).Int("candidates", len(local.Candidates)).Msg("harvested")
		return nil
	}

	alloc, created, err := p.deps.Bridge.Allocate(ctx, conf, bridge.AllocateRequest{
		Media:           ms.Media,
		Endpoint:        string(p.sid),
		PayloadTypes:    p.localDescription(ms).PayloadTypes,
		Direction:       p.Senders(ms.Name),
		RemoteInitiator: p.role == domain.RoleResponder,
	})
	if err != nil {
		return err
	}
	p.setBridgeChannel(ms.Name, alloc.Remote)
	if !created {
		return nil
	}
	local, err := tr.Harvest(ctx, ms.Media)
	if err != nil {
		return err
	}
	ms.SetLocal(local)
	if err := p.deps.Bridge.UpdateTransport(ctx, conf, ms.Media, alloc.Local, local); err != nil {
		return err
	}
	// The bridge's local channel replaces the remote peer as the
	// connectivity target for this media.
	if _, err := tr.Establish(ms.Media, alloc.Local.Transport.Clone()); err != nil {
		return err
	}
	return nil
}

// forwardToBridge hands remote candidates of a bridged peer to the
// peer's own bridge channel.
func (p *CallPeer) forwardToBridge(ctx context.Context, ms *MediaSession, tr *jingle.Transport) {
	ch := p.bridgeChannel(ms.Name)
	conf := p.call.Conference()
	if ch == nil || conf == nil || tr == nil || len(tr.Candidates) == 0 {
		return
	}
	if err := p.deps.Bridge.UpdateTransport(ctx, conf, ms.Media, ch, tr); err != nil {
		p.logger.Warn().Err(err).Str("media", string(ms.Media)).Msg("forward candidates to bridge")
	}
}

// establish feeds the remote transports known so far to the strategy.
func (p *CallPeer) establish(sessions []*MediaSession) error {
	p.mu.Lock()
	tr := p.transport
	p.mu.Unlock()
	if tr == nil || p.call.IsFocus() {
		return nil
	}
	for _, ms := range sessions {
		remote := ms.Remote()
		if remote == nil || !ms.Harvested() {
			continue
		}
		started, err := tr.Establish(ms.Media, remote)
		if err != nil {
			return err
		}
		if started {
			p.logger.Info().Str("media", string(ms.Media)).Msg("connectivity checks started")
		}
	}
	return nil
}

// connect establishes connectivity for every session and waits for the
// outcome. A timeout without a verdict leaves checks running and counts
// as connected.
func (p *CallPeer) connect(ctx context.Context) {
	if err := p.establish(p.Sessions()); err != nil {
		p.fail(err, true)
		return
	}
	p.mu.Lock()
	tr := p.transport
	p.mu.Unlock()
	if tr == nil {
		p.fail(fmt.Errorf("%w: no transport", core.ErrTransport), true)
		return
	}
	if err := tr.Wrapup(ctx); err != nil {
		if errors.Is(err, core.ErrCancelled) || ctx.Err() != nil {
			p.logger.Debug().Err(err).Msg("connectivity wrap-up cancelled")
			return
		}
		p.fail(err, true)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if tr.State() == core.EstablishPending {
		p.logger.Warn().Msg("wrap-up ended before connectivity checks started; no media path yet")
	}
	if !p.transition(domain.PeerStateConnected, "") {
		return
	}
	for _, ms := range p.Sessions() {
		if path, ok := tr.Selected(ms.Media); ok {
			p.logger.Info().Str("media", string(ms.Media)).Str("local", path.Local).Str("remote", path.Remote).Msg("selected path")
		}
	}
	p.completeTransfer()
}

// trickle sends a local candidate found after the description went out.
// Earlier candidates are folded into the description itself.
func (p *CallPeer) trickle(media domain.MediaType, c jingle.Candidate) {
	p.mu.Lock()
	var ms *MediaSession
	for _, s := range p.sessions {
		if s.Media == media {
			ms = s
			break
		}
	}
	sent := p.offerSent
	terminal := p.state.Terminal()
	p.mu.Unlock()
	if ms == nil || terminal {
		return
	}
	if !sent {
		ms.AppendLocal(c)
		return
	}
	local := ms.Local()
	if local == nil {
		return
	}
	tr := jingle.NewTransport(local.Namespace())
	tr.Ufrag = local.Ufrag
	tr.Pwd = local.Pwd
	tr.Candidates = []jingle.Candidate{c}
	j := p.jingle(jingle.ActionTransportInfo)
	j.Contents = []jingle.Content{{Creator: ms.Creator, Name: ms.Name, Transport: tr}}
	p.notify(j)
}

// bridgeTrickle forwards late local candidates of a bridged call's
// shared strategy to the bridge's local channel.
func bridgeTrickle(client *bridge.Client, call *Call, ns string) func(domain.MediaType, jingle.Candidate) {
	return func(media domain.MediaType, c jingle.Candidate) {
		conf := call.Conference()
		ct, ok := conf.Content(media)
		if !ok {
			return
		}
		tr := jingle.NewTransport(ns)
		tr.Candidates = []jingle.Candidate{c}
		ctx, cancel := context.WithTimeout(context.Background(), defaultBridgeTimeout)
		defer cancel()
		if err := client.UpdateTransport(ctx, conf, media, ct.Local, tr); err != nil {
			call.logger.Warn().Err(err).Str("media", string(media)).Msg("trickle to bridge")
		}
	}
}
