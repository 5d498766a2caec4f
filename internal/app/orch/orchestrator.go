package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/jinglecall/internal/app"
	"github.com/dkeye/jinglecall/internal/app/bridge"
	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoBridge = errors.New("no conference bridge configured")

type Options struct {
	Sender       core.Sender
	Strategies   core.StrategyFactory
	Bridge       *bridge.Client
	BridgeJID    string
	Registry     *app.Registry
	Calls        *app.CallManager
	Policy       app.Policy
	Backpressure app.BackpressurePolicy
	Namespace    string
	Limiter      *InitiateLimiter
	QueueSize    int
	Events       func(app.StateEvent)
	OnIncoming   func(*app.CallPeer)
}

// Orchestrator routes inbound Jingle requests to peers and exposes the
// telephony operations. Each session gets one dispatcher goroutine, so
// actions of a session are handled in arrival order while sessions run
// in parallel.
type Orchestrator struct {
	deps         *app.Deps
	registry     *app.Registry
	calls        *app.CallManager
	bridgeJID    string
	backpressure app.BackpressurePolicy
	limiter      *InitiateLimiter
	queueSize    int
	logger       zerolog.Logger

	mu          sync.Mutex
	dispatchers map[domain.SessionID]*dispatcher
	wg          sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		registry:     opts.Registry,
		calls:        opts.Calls,
		bridgeJID:    opts.BridgeJID,
		backpressure: opts.Backpressure,
		limiter:      opts.Limiter,
		queueSize:    opts.QueueSize,
		logger:       log.With().Str("module", "orch").Logger(),
		dispatchers:  make(map[domain.SessionID]*dispatcher),
	}
	if o.queueSize <= 0 {
		o.queueSize = 64
	}
	if o.backpressure == nil {
		o.backpressure = app.SimplePolicy{}
	}
	o.deps = &app.Deps{
		Sender:     opts.Sender,
		Strategies: opts.Strategies,
		Bridge:     opts.Bridge,
		Registry:   opts.Registry,
		Policy:     opts.Policy,
		Namespace:  opts.Namespace,
		Events:     opts.Events,
		OnIncoming: opts.OnIncoming,
		Redirect:   o.redirect,
	}
	return o
}

// HandleIQ acknowledges an inbound Jingle request and routes it to the
// session it belongs to.
func (o *Orchestrator) HandleIQ(ctx context.Context, iq *jingle.IQ) {
	if iq.Type != jingle.IQSet && iq.Type != jingle.IQGet {
		return
	}
	if iq.Jingle == nil {
		o.reply(ctx, iq.ErrorReply("cancel", "service-unavailable"))
		return
	}
	j := iq.Jingle
	from, err := domain.ParseAddress(iq.From)
	if err != nil || j.SID == "" {
		o.reply(ctx, iq.ErrorReply("modify", "bad-request"))
		return
	}
	sid := domain.SessionID(j.SID)

	if j.Action == jingle.ActionSessionInitiate {
		o.reply(ctx, iq.Result())
		o.incoming(ctx, from, j)
		return
	}

	peer, ok := o.registry.Get(sid)
	if !ok {
		o.reply(ctx, iq.Result())
		if j.Action == jingle.ActionTransportInfo {
			o.registry.Pending().Buffer(sid, j.Contents)
			return
		}
		o.logger.Debug().Str("sid", j.SID).Str("action", string(j.Action)).Msg("action for unknown session dropped")
		return
	}
	if !peer.Remote().SameBare(from) {
		o.reply(ctx, iq.ErrorReply("cancel", "item-not-found"))
		o.logger.Warn().Str("sid", j.SID).Str("from", from.String()).Msg("action from foreign address")
		return
	}
	o.reply(ctx, iq.Result())
	o.enqueue(peer, j)
}

func (o *Orchestrator) reply(ctx context.Context, iq *jingle.IQ) {
	if err := o.deps.Sender.Send(ctx, iq); err != nil {
		o.logger.Warn().Err(err).Str("id", iq.ID).Msg("reply failed")
	}
}

// incoming registers a peer for a session-initiate. A sid that is
// already live is ignored.
func (o *Orchestrator) incoming(ctx context.Context, from domain.Address, j *jingle.Jingle) {
	sid := domain.SessionID(j.SID)
	if o.limiter != nil && !o.limiter.Allow(from) {
		o.logger.Warn().Str("from", from.String()).Str("sid", j.SID).Msg("session-initiate rate limited")
		term := &jingle.Jingle{Action: jingle.ActionSessionTerminate, SID: j.SID, Reason: &jingle.Reason{Condition: jingle.ReasonBusy}}
		o.reply(ctx, jingle.NewJingleIQ(from.String(), term))
		return
	}
	if _, ok := o.registry.Get(sid); ok {
		o.logger.Debug().Str("sid", j.SID).Msg("duplicate session-initiate dropped")
		return
	}

	attendant := o.attendant(j.Transfer)
	var call *app.Call
	if attendant != nil {
		call = attendant.Call()
	} else {
		call = o.calls.Create(nil)
	}
	peer := app.NewCallPeer(o.deps, call, sid, from, domain.RoleResponder)
	if err := o.register(call, peer); err != nil {
		o.logger.Debug().Err(err).Str("sid", j.SID).Msg("session-initiate not registered")
		return
	}
	if attendant != nil {
		peer.Attend(attendant)
	}
	o.enqueue(peer, j)
}

// attendant resolves the session an attended transfer replaces. The
// transfer must name our peer of that session as sender and us as
// target.
func (o *Orchestrator) attendant(t *jingle.Transfer) *app.CallPeer {
	if t == nil || t.SID == "" {
		return nil
	}
	peer, ok := o.registry.Get(domain.SessionID(t.SID))
	if !ok {
		return nil
	}
	local := domain.Address(o.deps.Sender.LocalAddress())
	if !peer.Remote().SameBare(domain.Address(t.From)) || !local.SameBare(domain.Address(t.To)) {
		o.logger.Warn().Str("attended_sid", t.SID).Msg("transfer parties do not match")
		return nil
	}
	return peer
}

func (o *Orchestrator) register(call *app.Call, peer *app.CallPeer) error {
	if err := o.registry.Bind(peer, peer.Hangup); err != nil {
		o.calls.Discard(call)
		return err
	}
	if err := call.AddPeer(peer); err != nil {
		o.registry.Unbind(peer.SID(), peer)
		o.calls.Discard(call)
		return err
	}
	return nil
}

// Shutdown hangs up every live session and waits for the dispatchers.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, p := range o.registry.Snapshot() {
		p.Hangup()
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep drops buffered transport-info nobody claimed.
func (o *Orchestrator) Sweep(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := o.registry.Pending().Sweep(); n > 0 {
				o.logger.Debug().Int("sessions", n).Msg("discarded unclaimed transport-info")
			}
		}
	}
}
