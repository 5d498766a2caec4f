package app

import (
	"time"

	"github.com/dkeye/jinglecall/internal/config"
	"github.com/dkeye/jinglecall/internal/jingle"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	TerminateSession
)

// BackpressurePolicy decides what happens when a session's inbound
// queue is full.
type BackpressurePolicy interface {
	OnBackPressure(peer *CallPeer, action jingle.Action) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ *CallPeer, _ jingle.Action) BackpressureAction {
	return TerminateSession
}

// Policy holds the per-account negotiation flags.
type Policy struct {
	EncryptionRequired bool
	VideoMandatory     bool
	DeclineOnHangup    bool
	Gate               GatePolicy
	RequestTimeout     time.Duration
	BridgeTimeout      time.Duration
}

func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		EncryptionRequired: cfg.Security.EncryptionRequired,
		VideoMandatory:     cfg.Media.VideoMandatory,
		DeclineOnHangup:    cfg.Security.DeclineOnHangup,
		Gate: GatePolicy{
			Mode:    GateMode(cfg.Reconciler.AcceptGate),
			Timeout: cfg.Reconciler.AcceptGateTimeout,
		},
		RequestTimeout: cfg.Signal.RequestTimeout,
		BridgeTimeout:  cfg.Bridge.RequestTimeout,
	}
}
