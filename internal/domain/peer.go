package domain

// Role is the local side's negotiation role for one session.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// PeerState is the lifecycle of a call peer.
type PeerState int

const (
	PeerStateNone PeerState = iota
	PeerStateInitiating
	PeerStateConnecting
	PeerStateIncoming
	PeerStateRinging
	PeerStateConnected
	PeerStateDisconnected
	PeerStateFailed
)

var peerStateNames = [...]string{
	PeerStateNone:         "none",
	PeerStateInitiating:   "initiating",
	PeerStateConnecting:   "connecting",
	PeerStateIncoming:     "incoming",
	PeerStateRinging:      "ringing",
	PeerStateConnected:    "connected",
	PeerStateDisconnected: "disconnected",
	PeerStateFailed:       "failed",
}

func (s PeerState) String() string {
	if s < 0 || int(s) >= len(peerStateNames) {
		return "unknown"
	}
	return peerStateNames[s]
}

func (s PeerState) Terminal() bool {
	return s == PeerStateDisconnected || s == PeerStateFailed
}

var peerTransitions = map[PeerState][]PeerState{
	PeerStateNone:       {PeerStateInitiating, PeerStateIncoming, PeerStateFailed},
	PeerStateInitiating: {PeerStateConnecting, PeerStateDisconnected, PeerStateFailed},
	PeerStateConnecting: {PeerStateRinging, PeerStateConnected, PeerStateDisconnected, PeerStateFailed},
	PeerStateIncoming:   {PeerStateConnecting, PeerStateDisconnected, PeerStateFailed},
	PeerStateRinging:    {PeerStateConnected, PeerStateDisconnected, PeerStateFailed},
	PeerStateConnected:  {PeerStateDisconnected, PeerStateFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// Terminal states have no outgoing edges.
func CanTransition(from, to PeerState) bool {
	for _, s := range peerTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
