package orch

import (
	"github.com/dkeye/jinglecall/internal/app"
	"github.com/dkeye/jinglecall/internal/jingle"
)

type dispatcher struct {
	peer  *app.CallPeer
	queue chan *jingle.Jingle
}

// enqueue hands j to the session's dispatcher, starting one on first
// use. A full queue is resolved by the backpressure policy.
func (o *Orchestrator) enqueue(peer *app.CallPeer, j *jingle.Jingle) {
	sid := peer.SID()
	o.mu.Lock()
	d, ok := o.dispatchers[sid]
	if !ok || d.peer != peer {
		d = &dispatcher{peer: peer, queue: make(chan *jingle.Jingle, o.queueSize)}
		o.dispatchers[sid] = d
		o.wg.Add(1)
		go o.run(d)
	}
	o.mu.Unlock()

	select {
	case d.queue <- j:
		return
	default:
	}
	switch o.backpressure.OnBackPressure(peer, j.Action) {
	case app.TerminateSession:
		o.logger.Warn().Str("sid", string(sid)).Str("action", string(j.Action)).Msg("inbound queue full, terminating session")
		go peer.Hangup()
	case app.DropMessage, app.NoAction:
		o.logger.Warn().Str("sid", string(sid)).Str("action", string(j.Action)).Msg("inbound queue full, message dropped")
	}
}

func (o *Orchestrator) run(d *dispatcher) {
	defer o.wg.Done()
	defer o.removeDispatcher(d)
	for {
		select {
		case j := <-d.queue:
			d.peer.Handle(j)
		case <-d.peer.Done():
			return
		}
	}
}

func (o *Orchestrator) removeDispatcher(d *dispatcher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.dispatchers[d.peer.SID()]; ok && cur == d {
		delete(o.dispatchers, d.peer.SID())
	}
}
