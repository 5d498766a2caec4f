package signal

import (
	"strings"
	"sync"

	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
)

type waiter struct {
	ch   chan *jingle.IQ
	from []string
}

// collector correlates result and error replies with the request that
// is waiting for them, by stanza id and sender address.
type collector struct {
	mu      sync.Mutex
	waiting map[string]waiter
}

func newCollector() *collector {
	return &collector{waiting: make(map[string]waiter)}
}

// register waits for the reply to request id sent to to. self is the
// address the request went out from.
func (c *collector) register(id, to string, self domain.Address) <-chan *jingle.IQ {
	w := waiter{ch: make(chan *jingle.IQ, 1), from: replySenders(to, self)}
	c.mu.Lock()
	c.waiting[id] = w
	c.mu.Unlock()
	return w.ch
}

// replySenders lists who may answer a request sent to to. A request to
// the server or to our own account is answered by the server, which
// may stamp the reply with any of our addresses or none.
func replySenders(to string, self domain.Address) []string {
	if to != "" && !domain.Address(to).SameBare(self) {
		return []string{to}
	}
	return []string{to, "", self.String(), self.Bare().String(), self.Domain()}
}

// resolve delivers a reply and reports whether it matched a waiting
// request. A reply with the right id from the wrong sender is ignored
// and the request keeps waiting.
func (c *collector) resolve(iq *jingle.IQ) bool {
	c.mu.Lock()
	w, ok := c.waiting[iq.ID]
	if !ok || !w.accepts(iq.From) {
		c.mu.Unlock()
		return false
	}
	delete(c.waiting, iq.ID)
	c.mu.Unlock()
	w.ch <- iq
	return true
}

func (w waiter) accepts(from string) bool {
	for _, f := range w.from {
		if strings.EqualFold(f, from) {
			return true
		}
	}
	return false
}

func (c *collector) cancel(id string) {
	c.mu.Lock()
	delete(c.waiting, id)
	c.mu.Unlock()
}

// failAll wakes every waiter with a closed channel.
func (c *collector) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, w := range c.waiting {
		close(w.ch)
		delete(c.waiting, id)
	}
}
