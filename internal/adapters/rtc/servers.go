package rtc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/jinglecall/internal/config"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/pion/logging"
	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Source is where a STUN/TURN server came from. Lower values are
// preferred.
type Source int

const (
	SourceDiscovered Source = iota
	SourceConfigured
	SourceDefault
)

func (s Source) String() string {
	switch s {
	case SourceDiscovered:
		return "discovered"
	case SourceConfigured:
		return "configured"
	case SourceDefault:
		return "default"
	}
	return "unknown"
}

type Server struct {
	URI    *stun.URI
	Source Source
}

func (s Server) IsTURN() bool {
	return s.URI.Scheme == stun.SchemeTypeTURN || s.URI.Scheme == stun.SchemeTypeTURNS
}

func (s Server) addr() string {
	return net.JoinHostPort(s.URI.Host, strconv.Itoa(s.URI.Port))
}

// ParseServers converts configured entries, skipping malformed ones.
func ParseServers(entries []config.ServerConfig, src Source) []Server {
	out := make([]Server, 0, len(entries))
	for _, e := range entries {
		u, err := stun.ParseURI(e.URI)
		if err != nil {
			log.Warn().Err(err).Str("module", "rtc.servers").Str("uri", e.URI).Msg("skip malformed server uri")
			continue
		}
		u.Username, u.Password = e.Username, e.Password
		out = append(out, Server{URI: u, Source: src})
	}
	return out
}

// ServersFromServices converts an external service discovery reply.
func ServersFromServices(svcs *jingle.Services, withTURN bool) []Server {
	if svcs == nil {
		return nil
	}
	out := make([]Server, 0, len(svcs.Services))
	for _, s := range svcs.Services {
		if s.Type != "stun" && s.Type != "turn" && s.Type != "turns" {
			continue
		}
		if s.Type != "stun" && !withTURN {
			continue
		}
		port := s.Port
		if port == 0 {
			port = 3478
		}
		raw := fmt.Sprintf("%s:%s", s.Type, net.JoinHostPort(s.Host, strconv.Itoa(port)))
		if s.Type != "stun" && s.Transport != "" {
			raw += "?transport=" + s.Transport
		}
		out = append(out, ParseServers([]config.ServerConfig{{URI: raw, Username: s.Username, Password: s.Password}}, SourceDiscovered)...)
	}
	return out
}

// Prober checks that a server answers.
type Prober interface {
	Probe(ctx context.Context, s Server) error
}

// Select evaluates tiers in order and returns the reachable servers of
// the first tier that has any. Servers within a tier are probed in
// parallel.
func Select(ctx context.Context, p Prober, tiers ...[]Server) []Server {
	for _, tier := range tiers {
		if len(tier) == 0 {
			continue
		}
		ok := make([]bool, len(tier))
		g, gctx := errgroup.WithContext(ctx)
		for i, s := range tier {
			g.Go(func() error {
				if err := p.Probe(gctx, s); err != nil {
					log.Debug().Err(err).Str("module", "rtc.servers").Str("uri", s.URI.String()).Msg("server unreachable")
					return nil
				}
				ok[i] = true
				return nil
			})
		}
		_ = g.Wait()

		var reachable []Server
		for i, s := range tier {
			if ok[i] {
				reachable = append(reachable, s)
			}
		}
		if len(reachable) > 0 {
			log.Info().Str("module", "rtc.servers").Str("source", tier[0].Source.String()).Int("count", len(reachable)).Msg("servers selected")
			return reachable
		}
	}
	return nil
}

// NetProber sends a STUN binding request or a TURN allocation.
type NetProber struct {
	Timeout       time.Duration
	LoggerFactory logging.LoggerFactory
}

func (p NetProber) Probe(ctx context.Context, s Server) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	if s.URI.Proto == stun.ProtoTypeTCP {
		log.Debug().Str("module", "rtc.servers").Str("uri", s.URI.String()).Msg("tcp server accepted without probe")
		return nil
	}
	done := make(chan error, 1)
	go func() {
		if s.IsTURN() {
			done <- p.probeTURN(s)
		} else {
			done <- probeSTUN(s)
		}
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func probeSTUN(s Server) error {
	c, err := stun.Dial("udp4", s.addr())
	if err != nil {
		return fmt.Errorf("stun dial %s: %w", s.addr(), err)
	}
	defer c.Close()

	var result error
	err = c.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(ev stun.Event) {
		if ev.Error != nil {
			result = ev.Error
			return
		}
		var xor stun.XORMappedAddress
		result = xor.GetFrom(ev.Message)
	})
	if err != nil {
		return fmt.Errorf("stun binding %s: %w", s.addr(), err)
	}
	return result
}

func (p NetProber) probeTURN(s Server) error {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("turn probe socket: %w", err)
	}
	defer conn.Close()

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: s.addr(),
		TURNServerAddr: s.addr(),
		Conn:           conn,
		Username:       s.URI.Username,
		Password:       s.URI.Password,
		LoggerFactory:  p.LoggerFactory,
	})
	if err != nil {
		return fmt.Errorf("turn client %s: %w", s.addr(), err)
	}
	defer client.Close()

	if err := client.Listen(); err != nil {
		return fmt.Errorf("turn listen %s: %w", s.addr(), err)
	}
	relay, err := client.Allocate()
	if err != nil {
		return fmt.Errorf("turn allocate %s: %w", s.addr(), err)
	}
	return relay.Close()
}

// Discoverer fetches servers announced by the account's domain.
type Discoverer func(ctx context.Context) ([]Server, error)

// Resolver picks the STUN/TURN servers to hand to ICE agents and
// caches the result for ttl.
type Resolver struct {
	STUN     config.STUNConfig
	TURN     config.TURNConfig
	Discover Discoverer
	Prober   Prober
	TTL      time.Duration

	mu      sync.Mutex
	cached  []Server
	expires time.Time
}

func (r *Resolver) Servers(ctx context.Context) []Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil && time.Now().Before(r.expires) {
		return r.cached
	}

	var discovered []Server
	if r.STUN.Discovery && r.Discover != nil {
		found, err := r.Discover(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "rtc.servers").Msg("service discovery failed")
		}
		discovered = found
	}
	configured := ParseServers(r.STUN.Servers, SourceConfigured)
	if r.TURN.Enabled {
		configured = append(configured, ParseServers(r.TURN.Servers, SourceConfigured)...)
	}
	var defaults []Server
	if r.STUN.UseDefault {
		defaults = ParseServers(r.STUN.Defaults, SourceDefault)
	}

	selected := Select(ctx, r.Prober, discovered, configured, defaults)
	if selected == nil {
		selected = []Server{}
		log.Warn().Str("module", "rtc.servers").Msg("no reachable stun/turn server, host candidates only")
	}
	r.cached = selected
	r.expires = time.Now().Add(r.TTL)
	return selected
}
