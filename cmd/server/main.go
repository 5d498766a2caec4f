package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/jinglecall/internal/adapters/http"
	"github.com/dkeye/jinglecall/internal/adapters/rtc"
	xmpp "github.com/dkeye/jinglecall/internal/adapters/signal"
	"github.com/dkeye/jinglecall/internal/app"
	"github.com/dkeye/jinglecall/internal/app/bridge"
	"github.com/dkeye/jinglecall/internal/app/orch"
	"github.com/dkeye/jinglecall/internal/config"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	account, err := domain.ParseAddress(cfg.Account.JID)
	if err != nil {
		return fmt.Errorf("account.jid: %w", err)
	}

	client := xmpp.NewClient(xmpp.Options{
		URL:        cfg.Account.WebsocketURL,
		JID:        account,
		Password:   cfg.Account.Password,
		Resource:   cfg.Account.Resource,
		SendQueue:  cfg.Signal.SendQueue,
		PingPeriod: cfg.Signal.PingPeriod,
	})

	cert, err := rtc.NewCertificate()
	if err != nil {
		return fmt.Errorf("dtls certificate: %w", err)
	}
	resolver := &rtc.Resolver{
		STUN:     cfg.STUN,
		TURN:     cfg.TURN,
		Discover: rtc.ExtDiscoverer(client, account.Domain(), cfg.TURN.Enabled, cfg.Signal.RequestTimeout),
		Prober:   rtc.NetProber{Timeout: cfg.Transport.ProbeTimeout, LoggerFactory: rtc.LoggerFactory{}},
		TTL:      10 * time.Minute,
	}
	namespace := jingle.NSICEUDP
	if cfg.Transport.Strategy == "rawudp" {
		namespace = jingle.NSRawUDP
	}

	registry := app.NewRegistry(cfg.Reconciler.PendingTTL)
	o := orch.New(orch.Options{
		Sender:       client,
		Strategies:   rtc.NewFactory(cfg.Transport, cert, resolver),
		Bridge:       bridge.NewClient(client, cfg.Bridge.RequestTimeout),
		BridgeJID:    cfg.Bridge.JID,
		Registry:     registry,
		Calls:        app.NewCallManager(),
		Policy:       app.PolicyFromConfig(cfg),
		Backpressure: app.SimplePolicy{},
		Namespace:    namespace,
		Limiter:      orch.NewInitiateLimiter(cfg.Signal.InitiateRate, cfg.Signal.InitiateBurst),
		QueueSize:    cfg.Signal.DispatchQueue,
		Events: func(ev app.StateEvent) {
			log.Info().
				Str("module", "main").
				Str("sid", string(ev.SID)).
				Str("peer", ev.Peer.String()).
				Str("from", ev.From.String()).
				Str("to", ev.To.String()).
				Str("reason", ev.Reason).
				Msg("call state")
		},
	})
	client.SetHandler(o)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router.SetupRouter(cfg, o, client),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := client.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		o.Sweep(gctx, cfg.Reconciler.PendingTTL)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("jid", account.String()).Msg("jinglecall started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := o.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("sessions still open at shutdown")
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
