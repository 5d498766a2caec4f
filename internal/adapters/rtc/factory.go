package rtc

import (
	"context"
	"fmt"

	"github.com/dkeye/jinglecall/internal/config"
	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
)

// generation tags every candidate a strategy gathers or accepts.
// Strategies never restart ICE, so it is fixed for their lifetime; a
// renegotiated session gets a new strategy.
const generation domain.Generation = 0

// Factory builds the transport strategy selected by configuration.
type Factory struct {
	cfg      config.TransportConfig
	cert     *Certificate
	resolver *Resolver
	loggers  LoggerFactory
}

func NewFactory(cfg config.TransportConfig, cert *Certificate, resolver *Resolver) *Factory {
	return &Factory{cfg: cfg, cert: cert, resolver: resolver}
}

func (f *Factory) timeouts() Timeouts {
	return Timeouts{Gather: f.cfg.GatherTimeout, Wrapup: f.cfg.WrapupTimeout, Poll: f.cfg.WrapupPoll}
}

func (f *Factory) NewStrategy(ctx context.Context, sid domain.SessionID, role domain.Role) (core.TransportStrategy, error) {
	switch f.cfg.Strategy {
	case "rawudp":
		return newRawUDPStrategy(sid, f.cfg.BindAddress, f.cfg.PortMin, f.cfg.PortMax, f.timeouts()), nil
	case "ice", "":
		var servers []Server
		if f.resolver != nil {
			servers = f.resolver.Servers(ctx)
		}
		opts := AgentOptions{
			Servers:       servers,
			IPv6:          f.cfg.IPv6,
			PortMin:       f.cfg.PortMin,
			PortMax:       f.cfg.PortMax,
			LoggerFactory: f.loggers,
		}
		return newICEStrategy(sid, role, f.timeouts(), f.cert, func() (iceAgent, error) {
			return newPionAgent(opts)
		}), nil
	}
	return nil, fmt.Errorf("unknown transport strategy %q", f.cfg.Strategy)
}
