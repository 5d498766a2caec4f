package app

import (
	"sync"
	"time"

	"github.com/dkeye/jinglecall/internal/jingle"
)

type GateMode string

const (
	// GateFirstCandidate holds a session-accept until every offered
	// content has at least one remote candidate.
	GateFirstCandidate GateMode = "first-candidate"
	GateNone           GateMode = "none"
)

type GatePolicy struct {
	Mode    GateMode
	Timeout time.Duration
}

// AcceptGate defers processing of a session-accept. The release
// callback runs at most once, outside the gate lock.
type AcceptGate struct {
	mu       sync.Mutex
	policy   GatePolicy
	seen     map[string]bool
	held     *jingle.Jingle
	released bool
	stopped  bool
	timer    *time.Timer
	release  func(*jingle.Jingle)
}

func NewAcceptGate(policy GatePolicy, contents []string, release func(*jingle.Jingle)) *AcceptGate {
	seen := make(map[string]bool, len(contents))
	for _, name := range contents {
		seen[name] = false
	}
	return &AcceptGate{policy: policy, seen: seen, release: release}
}

// Observe records remote candidates that arrived in transport-info.
func (g *AcceptGate) Observe(contents []jingle.Content) {
	g.mu.Lock()
	g.markLocked(contents)
	j := g.takeLocked()
	g.mu.Unlock()
	if j != nil {
		g.release(j)
	}
}

// Hold parks accept until the gate opens. Candidates carried by the
// accept itself count.
func (g *AcceptGate) Hold(accept *jingle.Jingle) {
	g.mu.Lock()
	if g.held != nil || g.released || g.stopped {
		g.mu.Unlock()
		return
	}
	g.held = accept
	g.markLocked(accept.Contents)
	j := g.takeLocked()
	if j == nil && g.policy.Timeout > 0 {
		g.timer = time.AfterFunc(g.policy.Timeout, g.expire)
	}
	g.mu.Unlock()
	if j != nil {
		g.release(j)
	}
}

// Released reports whether the held accept has been handed off.
func (g *AcceptGate) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

func (g *AcceptGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	if g.timer != nil {
		g.timer.Stop()
	}
}

func (g *AcceptGate) expire() {
	g.mu.Lock()
	var j *jingle.Jingle
	if g.held != nil && !g.released && !g.stopped {
		g.released = true
		j = g.held
	}
	g.mu.Unlock()
	if j != nil {
		g.release(j)
	}
}

func (g *AcceptGate) markLocked(contents []jingle.Content) {
	for _, c := range contents {
		if c.Transport == nil || len(c.Transport.Candidates) == 0 {
			continue
		}
		if _, ok := g.seen[c.Name]; ok {
			g.seen[c.Name] = true
		}
	}
}

func (g *AcceptGate) takeLocked() *jingle.Jingle {
	if g.held == nil || g.released || g.stopped {
		return nil
	}
	if g.policy.Mode != GateNone {
		for _, ok := range g.seen {
			if !ok {
				return nil
			}
		}
	}
	g.released = true
	if g.timer != nil {
		g.timer.Stop()
	}
	return g.held
}
