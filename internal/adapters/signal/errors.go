package signal

import "errors"

var (
	ErrBackpressure  = errors.New("backpressure")
	ErrNotConnected  = errors.New("not connected")
	ErrDisconnected  = errors.New("connection lost before reply")
	ErrAuth          = errors.New("authentication failed")
	ErrStreamFeature = errors.New("server lacks required stream feature")
)
