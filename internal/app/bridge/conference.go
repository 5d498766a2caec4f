package bridge

import (
	"sort"
	"sync"

	"github.com/dkeye/jinglecall/internal/domain"
)

// Content is the allocation for one media type: the focus's own
// channel and one remote channel per attached endpoint.
type Content struct {
	Media   domain.MediaType
	Local   *Channel
	remotes map[string]*Channel
}

// Allocation is one endpoint's share of a Content.
type Allocation struct {
	Media  domain.MediaType
	Local  *Channel
	Remote *Channel
}

// Conference is the bridge allocation state of one conference-focus
// call. Allocation for a media type is serialized by a per-media lock.
type Conference struct {
	bridge string

	mu       sync.Mutex
	id       string
	contents map[domain.MediaType]*Content
	allocMu  map[domain.MediaType]*sync.Mutex
}

func NewConference(bridgeAddress string) *Conference {
	return &Conference{
		bridge:   bridgeAddress,
		contents: make(map[domain.MediaType]*Content),
		allocMu:  make(map[domain.MediaType]*sync.Mutex),
	}
}

func (c *Conference) Bridge() string { return c.bridge }

func (c *Conference) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Conference) Content(media domain.MediaType) (*Content, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contents[media]
	return ct, ok
}

// Remote returns the channel allocated for endpoint on media.
func (c *Conference) Remote(media domain.MediaType, endpoint string) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contents[media]
	if !ok {
		return nil, false
	}
	ch, ok := ct.remotes[endpoint]
	return ch, ok
}

// Endpoints lists the peers attached to media, sorted.
func (c *Conference) Endpoints(media domain.MediaType) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contents[media]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ct.remotes))
	for ep := range ct.remotes {
		out = append(out, ep)
	}
	sort.Strings(out)
	return out
}

// Media lists the allocated media types.
func (c *Conference) Media() []domain.MediaType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.MediaType, 0, len(c.contents))
	for m := range c.contents {
		out = append(out, m)
	}
	return out
}

func (c *Conference) mediaLock(media domain.MediaType) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.allocMu[media]
	if !ok {
		l = &sync.Mutex{}
		c.allocMu[media] = l
	}
	return l
}

// lookup returns the content for media and the endpoint's channel in
// it, either of which may be nil.
func (c *Conference) lookup(media domain.MediaType, endpoint string) (*Content, *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contents[media]
	if !ok {
		return nil, nil
	}
	return ct, ct.remotes[endpoint]
}

// checkID fails when the bridge answered for another conference.
func (c *Conference) checkID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" && c.id != id {
		return errConferenceID(id, c.id)
	}
	return nil
}

func (c *Conference) attach(ct *Content, endpoint string, ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct.remotes[endpoint] = ch
}

// detach removes endpoint's channel and returns it. When it was the
// last one the content is dropped and its local channel returned too.
func (c *Conference) detach(media domain.MediaType, endpoint string) (remote, local *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contents[media]
	if !ok {
		return nil, nil
	}
	remote, ok = ct.remotes[endpoint]
	if !ok {
		return nil, nil
	}
	delete(ct.remotes, endpoint)
	if len(ct.remotes) > 0 {
		return remote, nil
	}
	delete(c.contents, media)
	return remote, ct.Local
}
