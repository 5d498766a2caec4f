package bridge

import (
	"fmt"

	"github.com/dkeye/jinglecall/internal/core"
)

var (
	ErrAllocation = fmt.Errorf("%w: bridge channel allocation", core.ErrTransport)
	ErrProtocol   = fmt.Errorf("%w: unexpected bridge response", core.ErrNegotiation)
)

func errConferenceID(got, want string) error {
	return fmt.Errorf("%w: conference id %q, want %q", ErrProtocol, got, want)
}
