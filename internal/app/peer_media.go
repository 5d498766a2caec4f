package app

import (
	"github.com/dkeye/jinglecall/internal/app/bridge"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
)

// peerMedia is what one peer negotiated for a content. A bridged
// call's MediaSession is call-wide; this part never is.
type peerMedia struct {
	localDesc  *jingle.Description
	remoteDesc *jingle.Description
	senders    domain.Senders
	channel    *bridge.Channel
}

func (p *CallPeer) mediaLocked(name string) *peerMedia {
	pm, ok := p.media[name]
	if !ok {
		pm = &peerMedia{senders: domain.SendersBoth}
		p.media[name] = pm
	}
	return pm
}

// negotiateLocked records the remote description and senders of a
// content. The local description answers with the same payload types.
// An empty senders value leaves the current one.
func (p *CallPeer) negotiateLocked(ms *MediaSession, d *jingle.Description, senders domain.Senders) {
	pm := p.mediaLocked(ms.Name)
	if d != nil {
		pm.remoteDesc = d
		if len(d.PayloadTypes) > 0 {
			pm.localDesc = &jingle.Description{Media: string(ms.Media), PayloadTypes: d.PayloadTypes}
		}
	}
	if senders != "" {
		pm.senders = senders
	}
}

func (p *CallPeer) negotiate(ms *MediaSession, d *jingle.Description, senders domain.Senders) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.negotiateLocked(ms, d, senders)
}

// Senders returns the negotiated direction of content name.
func (p *CallPeer) Senders(name string) domain.Senders {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mediaLocked(name).senders
}

func (p *CallPeer) RemoteDescription(name string) *jingle.Description {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mediaLocked(name).remoteDesc
}

func (p *CallPeer) localDescription(ms *MediaSession) *jingle.Description {
	p.mu.Lock()
	d := p.mediaLocked(ms.Name).localDesc
	p.mu.Unlock()
	if d == nil {
		return ms.LocalDescription()
	}
	return d
}

// bridgeChannel returns the bridge channel this peer talks to for
// content name, or nil when the content is not bridged.
func (p *CallPeer) bridgeChannel(name string) *bridge.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pm, ok := p.media[name]; ok {
		return pm.channel
	}
	return nil
}

func (p *CallPeer) setBridgeChannel(name string, ch *bridge.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mediaLocked(name).channel = ch
}

// content renders ms as this peer sees it. A bridged content
// advertises the peer's own bridge channel.
func (p *CallPeer) content(ms *MediaSession) jingle.Content {
	p.mu.Lock()
	pm := p.mediaLocked(ms.Name)
	senders, desc, ch := pm.senders, pm.localDesc, pm.channel
	p.mu.Unlock()
	if desc == nil {
		desc = ms.LocalDescription()
	}
	tr := ms.Local()
	if ch != nil {
		tr = ch.Transport.Clone()
	}
	return jingle.Content{
		Creator:     ms.Creator,
		Name:        ms.Name,
		Senders:     senders,
		Description: desc,
		Transport:   tr,
	}
}
