package signal

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const handshakeTimeout = 10 * time.Second

type Options struct {
	URL        string
	JID        domain.Address
	Password   string
	Resource   string
	SendQueue  int
	PingPeriod time.Duration
	// RetryMin is the first reconnect delay.
	RetryMin time.Duration
	// RetryMax caps the reconnect delay.
	RetryMax time.Duration
	Dialer   *websocket.Dialer
}

// Client is the XMPP-over-WebSocket substrate. It keeps one stream
// open, reconnecting with exponential backoff, and implements
// core.Sender for the rest of the process.
type Client struct {
	opts      Options
	logger    zerolog.Logger
	collector *collector

	mu      sync.RWMutex
	conn    *Conn
	bound   string
	handler core.Handler
}

func NewClient(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	d := *opts.Dialer
	d.Subprotocols = []string{subprotocol}
	opts.Dialer = &d
	return &Client{
		opts:      opts,
		logger:    log.With().Str("module", "signal").Str("jid", opts.JID.String()).Logger(),
		collector: newCollector(),
	}
}

// SetHandler installs the consumer of inbound requests. Call it before
// Run.
func (c *Client) SetHandler(h core.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// LocalAddress returns the bound full address, or the configured one
// until the first bind.
func (c *Client) LocalAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bound != "" {
		return c.bound
	}
	if c.opts.Resource == "" {
		return c.opts.JID.Bare().String()
	}
	return c.opts.JID.Bare().String() + "/" + c.opts.Resource
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *Client) Send(_ context.Context, iq *jingle.IQ) error {
	data, err := jingle.Marshal(iq)
	if err != nil {
		return fmt.Errorf("encode iq: %w", err)
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.TrySend(data)
}

func (c *Client) Request(ctx context.Context, iq *jingle.IQ) (*jingle.IQ, error) {
	if iq.ID == "" {
		iq.ID = jingle.NewID()
	}
	ch := c.collector.register(iq.ID, iq.To, domain.Address(c.LocalAddress()))
	defer c.collector.cancel(iq.ID)
	if err := c.Send(ctx, iq); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", iq.ID, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return resp, nil
	}
}

// Run keeps the stream up until ctx ends. Authentication failures are
// not retried.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	if c.opts.RetryMin > 0 {
		bo.InitialInterval = c.opts.RetryMin
	}
	if c.opts.RetryMax > 0 {
		bo.MaxInterval = c.opts.RetryMax
	}
	bo.Reset()

	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && isPermanent(err) {
			c.logger.Error().Err(err).Msg("giving up")
			return err
		}
		if established {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("stream down")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// session runs one connection from dial to disconnect and reports
// whether the stream got as far as a bound resource.
func (c *Client) session(ctx context.Context) (bool, error) {
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn := newConn(ws, c.opts.SendQueue)
	jid, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return false, err
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.conn = conn
	c.bound = jid
	c.mu.Unlock()
	c.logger.Info().Str("bound", jid).Msg("stream established")

	go conn.writePump(sctx, c.opts.PingPeriod)
	go func() {
		<-sctx.Done()
		conn.Close()
	}()
	conn.readPump(sctx, func(data []byte) bool { return c.dispatch(sctx, data) })

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.collector.failAll()
	return true, ErrDisconnected
}

// dispatch routes one inbound frame. It returns false when the server
// closed the stream.
func (c *Client) dispatch(ctx context.Context, data []byte) bool {
	name, err := jingle.RootName(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("unparsable frame")
		return true
	}
	switch {
	case name.Space == nsFraming && name.Local == "close":
		c.logger.Info().Msg("server closed stream")
		return false
	case name.Space == nsStreams && name.Local == "error":
		c.logger.Error().Str("frame", string(data)).Msg("stream error")
		return false
	case name.Local != "iq":
		c.logger.Debug().Str("element", name.Local).Msg("ignored stanza")
		return true
	}

	iq, err := jingle.DecodeIQ(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("bad iq")
		return true
	}
	if iq.IsResponse() {
		if !c.collector.resolve(iq) {
			c.logger.Debug().Str("id", iq.ID).Str("from", iq.From).Msg("unmatched reply")
		}
		return true
	}
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		_ = c.Send(ctx, iq.ErrorReply("cancel", "service-unavailable"))
		return true
	}
	h.HandleIQ(ctx, iq)
	return true
}

// handshake opens the stream, authenticates with SASL PLAIN and binds
// a resource. It returns the bound full address.
func (c *Client) handshake(conn *Conn) (string, error) {
	if err := conn.ws.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", err
	}
	defer func() { _ = conn.ws.SetReadDeadline(time.Time{}) }()

	server := c.opts.JID.Domain()
	feats, err := c.openStream(conn, server)
	if err != nil {
		return "", err
	}
	if !feats.offers("PLAIN") {
		return "", backoff.Permanent(fmt.Errorf("%w: SASL PLAIN", ErrStreamFeature))
	}
	if err := c.write(conn, plainAuth(c.opts.JID.Local(), c.opts.Password)); err != nil {
		return "", err
	}
	name, data, err := c.read(conn)
	if err != nil {
		return "", err
	}
	if name.Space != nsSASL {
		return "", fmt.Errorf("unexpected %q during auth", name.Local)
	}
	switch name.Local {
	case "success":
	case "failure":
		var f saslFailure
		_ = xml.Unmarshal(data, &f)
		return "", backoff.Permanent(fmt.Errorf("%w: %s", ErrAuth, f.condition()))
	default:
		return "", fmt.Errorf("unexpected %q during auth", name.Local)
	}

	feats, err = c.openStream(conn, server)
	if err != nil {
		return "", err
	}
	if feats.Bind == nil {
		return "", backoff.Permanent(fmt.Errorf("%w: resource binding", ErrStreamFeature))
	}
	bind := &jingle.IQ{ID: jingle.NewID(), Type: jingle.IQSet, Bind: &jingle.Bind{Resource: c.opts.Resource}}
	if err := c.write(conn, bind); err != nil {
		return "", err
	}
	_, data, err = c.read(conn)
	if err != nil {
		return "", err
	}
	resp, err := jingle.DecodeIQ(data)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("bind: %w", resp.Error)
	}
	if resp.Bind == nil || resp.Bind.JID == "" {
		return "", fmt.Errorf("bind: no jid in reply")
	}
	if err := conn.writeNow(presence); err != nil {
		return "", err
	}
	return resp.Bind.JID, nil
}

func (c *Client) openStream(conn *Conn, server string) (*streamFeatures, error) {
	if err := c.write(conn, openFrame{To: server, Version: "1.0"}); err != nil {
		return nil, err
	}
	name, _, err := c.read(conn)
	if err != nil {
		return nil, err
	}
	if name.Local != "open" {
		return nil, fmt.Errorf("expected open, got %q", name.Local)
	}
	name, data, err := c.read(conn)
	if err != nil {
		return nil, err
	}
	if name.Local != "features" {
		return nil, fmt.Errorf("expected features, got %q", name.Local)
	}
	var feats streamFeatures
	if err := xml.Unmarshal(data, &feats); err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	return &feats, nil
}

func (c *Client) write(conn *Conn, v any) error {
	data, err := jingle.Marshal(v)
	if err != nil {
		return err
	}
	return conn.writeNow(data)
}

func (c *Client) read(conn *Conn) (xml.Name, []byte, error) {
	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		return xml.Name{}, nil, err
	}
	name, err := jingle.RootName(data)
	if err != nil {
		return xml.Name{}, nil, err
	}
	return name, data, nil
}
