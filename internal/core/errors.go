package core

import (
	"errors"
	"fmt"
)

// Error kinds shared by the negotiation engine. Callers classify with
// errors.Is.
var (
	ErrNegotiation = errors.New("negotiation failure")
	ErrTransport   = errors.New("transport failure")
	ErrTimeout     = errors.New("timed out")
	ErrCancelled   = errors.New("cancelled")

	ErrConnectivityFailed = fmt.Errorf("%w: connectivity establishment failed", ErrTransport)
	ErrClosed             = errors.New("closed")
	ErrStaleGeneration    = errors.New("candidate from stale generation")
)
