package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/jingle"
)

var (
	ErrDuplicateSession = errors.New("session already registered")
	ErrUnknownSession   = errors.New("unknown session")
	ErrInvalidState     = errors.New("operation not allowed in current state")
	ErrCallEnded        = errors.New("call ended")
	ErrUnknownCall      = errors.New("unknown call")
	ErrSecurity         = fmt.Errorf("%w: required encryption not offered", core.ErrNegotiation)
)

// PeerError is the reason a peer went to Failed. Kind is one of the
// core error kinds.
type PeerError struct {
	Kind      error
	Condition jingle.ReasonCondition
	Reason    string
}

func (e *PeerError) Error() string { return e.Reason }

func (e *PeerError) Unwrap() error { return e.Kind }

func newPeerError(err error) *PeerError {
	var pe *PeerError
	if errors.As(err, &pe) {
		return pe
	}
	return &PeerError{Kind: kindOf(err), Condition: conditionOf(err), Reason: err.Error()}
}

func kindOf(err error) error {
	switch {
	case errors.Is(err, core.ErrCancelled), errors.Is(err, context.Canceled):
		return core.ErrCancelled
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return core.ErrTimeout
	case errors.Is(err, core.ErrConnectivityFailed):
		return core.ErrConnectivityFailed
	case errors.Is(err, core.ErrTransport):
		return core.ErrTransport
	}
	return core.ErrNegotiation
}

func conditionOf(err error) jingle.ReasonCondition {
	switch {
	case errors.Is(err, ErrSecurity):
		return jingle.ReasonSecurityError
	case errors.Is(err, core.ErrConnectivityFailed):
		return jingle.ReasonConnectivityError
	case errors.Is(err, core.ErrTransport):
		return jingle.ReasonFailedTransport
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return jingle.ReasonTimeout
	case errors.Is(err, jingle.ErrMalformed), errors.Is(err, core.ErrNegotiation):
		return jingle.ReasonIncompatibleParameters
	}
	return jingle.ReasonGeneralError
}
