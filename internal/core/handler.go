package core

import (
	"context"

	"github.com/dkeye/jinglecall/internal/jingle"
)

// Handler consumes inbound requests pushed by the substrate.
type Handler interface {
	HandleIQ(ctx context.Context, iq *jingle.IQ)
}
