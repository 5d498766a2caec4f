package rtc

import (
	"context"
	"fmt"
	"strings"

	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/stun/v3"
)

// iceAgent is the subset of *ice.Agent the ICE strategy drives.
type iceAgent interface {
	OnCandidate(func(ice.Candidate)) error
	OnConnectionStateChange(func(ice.ConnectionState)) error
	OnSelectedCandidatePairChange(func(ice.Candidate, ice.Candidate)) error
	GatherCandidates() error
	GetLocalUserCredentials() (string, string, error)
	AddRemoteCandidate(ice.Candidate) error
	Dial(ctx context.Context, remoteUfrag, remotePwd string) (*ice.Conn, error)
	Accept(ctx context.Context, remoteUfrag, remotePwd string) (*ice.Conn, error)
	Close() error
}

// AgentOptions configures pion agents for one strategy.
type AgentOptions struct {
	Servers       []Server
	IPv6          bool
	PortMin       uint16
	PortMax       uint16
	LoggerFactory logging.LoggerFactory
}

func newPionAgent(opts AgentOptions) (iceAgent, error) {
	urls := make([]*stun.URI, 0, len(opts.Servers))
	for _, s := range opts.Servers {
		u := *s.URI
		urls = append(urls, &u)
	}
	networks := []ice.NetworkType{ice.NetworkTypeUDP4}
	if opts.IPv6 {
		networks = append(networks, ice.NetworkTypeUDP6)
	}
	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:             urls,
		NetworkTypes:     networks,
		PortMin:          opts.PortMin,
		PortMax:          opts.PortMax,
		MulticastDNSMode: ice.MulticastDNSModeDisabled,
		LoggerFactory:    opts.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func fromICECandidate(c ice.Candidate, gen domain.Generation) jingle.Candidate {
	out := jingle.Candidate{
		Component:  int(c.Component()),
		Foundation: c.Foundation(),
		Generation: gen,
		ID:         c.ID(),
		IP:         c.Address(),
		Port:       c.Port(),
		Priority:   c.Priority(),
		Protocol:   strings.ToLower(c.NetworkType().NetworkShort()),
		Type:       jingle.CandidateType(c.Type().String()),
	}
	if rel := c.RelatedAddress(); rel != nil {
		out.RelAddr, out.RelPort = rel.Address, rel.Port
	}
	return out
}

func toICECandidate(c jingle.Candidate) (ice.Candidate, error) {
	foundation := c.Foundation
	if foundation == "" {
		foundation = "1"
	}
	protocol := c.Protocol
	if protocol == "" {
		protocol = "udp"
	}
	typ := c.Type
	if typ == "" {
		typ = jingle.CandidateHost
	}
	priority := c.Priority
	if priority == 0 {
		priority = jingle.HostPriority(c.Component)
	}
	raw := fmt.Sprintf("%s %d %s %d %s %d typ %s", foundation, c.Component, protocol, priority, c.IP, c.Port, typ)
	if c.RelAddr != "" {
		raw += fmt.Sprintf(" raddr %s rport %d", c.RelAddr, c.RelPort)
	}
	return ice.UnmarshalCandidate(raw)
}
