package domain

type (
	CallID    string
	SessionID string
)

// Generation is an ICE negotiation epoch. Candidates from another
// generation are stale.
type Generation int
