package core

import (
	"context"

	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
)

// EstablishState is the aggregate progress of connectivity checks.
type EstablishState int

const (
	EstablishPending EstablishState = iota
	EstablishRunning
	EstablishSucceeded
	EstablishFailed
	EstablishClosed
)

func (s EstablishState) String() string {
	switch s {
	case EstablishPending:
		return "pending"
	case EstablishRunning:
		return "running"
	case EstablishSucceeded:
		return "succeeded"
	case EstablishFailed:
		return "failed"
	case EstablishClosed:
		return "closed"
	}
	return "unknown"
}

func (s EstablishState) Terminal() bool {
	return s == EstablishSucceeded || s == EstablishFailed || s == EstablishClosed
}

// Path is the selected candidate pair of one media stream.
type Path struct {
	Media  domain.MediaType
	Local  string
	Remote string
}

// TransportStrategy harvests local candidates and establishes
// connectivity for the media streams of one session. One strategy
// instance serves one peer, or every peer of a bridged call.
type TransportStrategy interface {
	// Namespace is the Jingle transport namespace the strategy speaks.
	Namespace() string
	// Harvest gathers local candidates for media. It is safe to call
	// for several media concurrently.
	Harvest(ctx context.Context, media domain.MediaType) (*jingle.Transport, error)
	// Establish feeds remote candidates for media. It reports whether
	// this call started connectivity checks.
	Establish(media domain.MediaType, remote *jingle.Transport) (bool, error)
	// Wrapup blocks until checks reach a terminal state or a timeout.
	Wrapup(ctx context.Context) error
	State() EstablishState
	Selected(media domain.MediaType) (Path, bool)
	Generation() domain.Generation
	// OnLocalCandidate registers a callback for candidates gathered
	// after Harvest returned.
	OnLocalCandidate(fn func(media domain.MediaType, c jingle.Candidate))
	// Remove releases one media stream.
	Remove(media domain.MediaType)
	Close() error
}

// StrategyFactory builds a strategy for one session.
type StrategyFactory interface {
	NewStrategy(ctx context.Context, sid domain.SessionID, role domain.Role) (TransportStrategy, error)
}
