package core

import (
	"context"

	"github.com/dkeye/jinglecall/internal/jingle"
)

//go:generate mockgen -source=sender.go -destination=mocks/mock_sender.go -package=mocks

// Sender abstracts the message-delivery substrate.
type Sender interface {
	// Send delivers a stanza without waiting for a reply.
	Send(ctx context.Context, iq *jingle.IQ) error
	// Request delivers iq and waits for the correlated result or error
	// reply. The deadline of ctx bounds the wait.
	Request(ctx context.Context, iq *jingle.IQ) (*jingle.IQ, error)
	// LocalAddress is the full address bound for this connection.
	LocalAddress() string
}
