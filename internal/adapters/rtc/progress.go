package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/jinglecall/internal/core"
)

// progress tracks the aggregate establishment state and wakes waiters
// on every change. Terminal states only give way to Closed.
type progress struct {
	mu    sync.Mutex
	state core.EstablishState
	wake  chan struct{}
}

func newProgress() *progress {
	return &progress{wake: make(chan struct{})}
}

func (p *progress) get() core.EstablishState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *progress) set(s core.EstablishState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == s || p.state == core.EstablishClosed {
		return false
	}
	if p.state.Terminal() && s != core.EstablishClosed {
		return false
	}
	p.state = s
	close(p.wake)
	p.wake = make(chan struct{})
	return true
}

func (p *progress) snapshot() (core.EstablishState, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.wake
}

// wait returns once the state is terminal, timeout elapses or ctx is
// done. It re-reads the state every poll interval in case a wake-up
// was missed.
func (p *progress) wait(ctx context.Context, timeout, poll time.Duration) (core.EstablishState, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		st, wake := p.snapshot()
		if st.Terminal() {
			return st, nil
		}
		select {
		case <-wake:
		case <-ticker.C:
		case <-deadline.C:
			return p.get(), nil
		case <-ctx.Done():
			return p.get(), ctx.Err()
		}
	}
}

// wrapupError maps the outcome of wait to the errors callers classify.
func wrapupError(st core.EstablishState, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrCancelled, err)
	}
	switch st {
	case core.EstablishFailed:
		return core.ErrConnectivityFailed
	case core.EstablishClosed:
		return core.ErrCancelled
	}
	return nil
}
