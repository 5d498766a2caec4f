package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/jingle"
)

// ExtDiscoverer asks the account's domain for STUN/TURN services.
func ExtDiscoverer(sender core.Sender, domain string, withTURN bool, timeout time.Duration) Discoverer {
	return func(ctx context.Context) ([]Server, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req := &jingle.IQ{ID: jingle.NewID(), Type: jingle.IQGet, To: domain, Services: &jingle.Services{}}
		resp, err := sender.Request(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("extdisco %s: %w", domain, err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("extdisco %s: %w", domain, resp.Error)
		}
		return ServersFromServices(resp.Services, withTURN), nil
	}
}
