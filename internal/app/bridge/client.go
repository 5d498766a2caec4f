package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client speaks colibri to a videobridge.
type Client struct {
	sender  core.Sender
	timeout time.Duration
	logger  zerolog.Logger
}

func NewClient(sender core.Sender, timeout time.Duration) *Client {
	return &Client{
		sender:  sender,
		timeout: timeout,
		logger:  log.With().Str("module", "bridge").Logger(),
	}
}

// AllocateRequest describes the channels wanted for one media type.
type AllocateRequest struct {
	Media           domain.MediaType
	Endpoint        string
	PayloadTypes    []jingle.PayloadType
	Direction       domain.Senders
	RemoteInitiator bool
}

// Allocate makes sure conf has a local channel for req.Media and a
// remote channel for req.Endpoint. The local channel is requested once
// per media type; a later endpoint only asks for its own remote
// channel. It reports whether this call created the local channel.
func (c *Client) Allocate(ctx context.Context, conf *Conference, req AllocateRequest) (*Allocation, bool, error) {
	lock := conf.mediaLock(req.Media)
	lock.Lock()
	defer lock.Unlock()

	ct, remote := conf.lookup(req.Media, req.Endpoint)
	if remote != nil {
		return &Allocation{Media: req.Media, Local: ct.Local, Remote: remote}, false, nil
	}

	remoteInitiator := "false"
	if req.RemoteInitiator {
		remoteInitiator = "true"
	}
	want := jingle.Channel{Initiator: remoteInitiator, Endpoint: req.Endpoint, Direction: req.Direction, PayloadTypes: req.PayloadTypes}

	if ct != nil {
		chans, _, err := c.allocate(ctx, conf, req.Media, []jingle.Channel{want})
		if err != nil {
			return nil, false, err
		}
		remote = newChannel(chans[0])
		conf.attach(ct, req.Endpoint, remote)
		c.logger.Info().
			Str("conference", conf.ID()).
			Str("media", string(req.Media)).
			Str("endpoint", req.Endpoint).
			Str("remote", remote.ID).
			Msg("remote channel allocated")
		return &Allocation{Media: req.Media, Local: ct.Local, Remote: remote}, false, nil
	}

	local := jingle.Channel{Initiator: "true", Direction: req.Direction, PayloadTypes: req.PayloadTypes}
	chans, id, err := c.allocate(ctx, conf, req.Media, []jingle.Channel{local, want})
	if err != nil {
		return nil, false, err
	}
	ct = &Content{
		Media:   req.Media,
		Local:   newChannel(chans[0]),
		remotes: map[string]*Channel{req.Endpoint: newChannel(chans[1])},
	}

	conf.mu.Lock()
	defer conf.mu.Unlock()
	if conf.id != "" && conf.id != id {
		return nil, false, errConferenceID(id, conf.id)
	}
	conf.id = id
	conf.contents[req.Media] = ct
	remote = ct.remotes[req.Endpoint]
	c.logger.Info().
		Str("conference", id).
		Str("media", string(req.Media)).
		Str("endpoint", req.Endpoint).
		Str("local", ct.Local.ID).
		Str("remote", remote.ID).
		Msg("channels allocated")
	return &Allocation{Media: req.Media, Local: ct.Local, Remote: remote}, true, nil
}

// allocate asks the bridge for channels and checks that every one of
// them came back with an id. It returns the channels in request order
// and the conference id.
func (c *Client) allocate(ctx context.Context, conf *Conference, media domain.MediaType, want []jingle.Channel) ([]jingle.Channel, string, error) {
	out := &jingle.Conference{
		ID:       conf.ID(),
		Contents: []jingle.ConferenceContent{{Name: string(media), Channels: want}},
	}
	resp, err := c.request(ctx, conf.bridge, out)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrAllocation, media, err)
	}
	if resp.ID == "" {
		return nil, "", fmt.Errorf("%w: missing conference id", ErrProtocol)
	}
	if err := conf.checkID(resp.ID); err != nil {
		return nil, "", err
	}
	rc, ok := resp.Content(string(media))
	if !ok || len(rc.Channels) < len(want) {
		return nil, "", fmt.Errorf("%w: no channels for %s", ErrProtocol, media)
	}
	for _, ch := range rc.Channels[:len(want)] {
		if ch.ID == "" {
			return nil, "", fmt.Errorf("%w: channel without id for %s", ErrProtocol, media)
		}
	}
	return rc.Channels[:len(want)], resp.ID, nil
}

// UpdateTransport sends transport candidates for ch to the bridge.
func (c *Client) UpdateTransport(ctx context.Context, conf *Conference, media domain.MediaType, ch *Channel, tr *jingle.Transport) error {
	if ch.State() != ChannelActive {
		return nil
	}
	out := &jingle.Conference{
		ID: conf.ID(),
		Contents: []jingle.ConferenceContent{{
			Name:     string(media),
			Channels: []jingle.Channel{{ID: ch.ID, Transport: tr}},
		}},
	}
	if _, err := c.request(ctx, conf.bridge, out); err != nil {
		return fmt.Errorf("update %s channel %s: %w", media, ch.ID, err)
	}
	return nil
}

// Release expires endpoint's remote channel on media. The local
// channel goes with it when no endpoint is left. Expiry failures are
// logged, never returned.
func (c *Client) Release(ctx context.Context, conf *Conference, media domain.MediaType, endpoint string) {
	lock := conf.mediaLock(media)
	lock.Lock()
	defer lock.Unlock()

	remote, local := conf.detach(media, endpoint)
	if remote == nil {
		return
	}
	chans := []*Channel{remote}
	if local != nil {
		chans = append(chans, local)
	}
	c.expire(ctx, conf, media, chans)
}

// ReleaseAll expires every content of conf.
func (c *Client) ReleaseAll(ctx context.Context, conf *Conference) {
	for _, media := range conf.Media() {
		for _, ep := range conf.Endpoints(media) {
			c.Release(ctx, conf, media, ep)
		}
	}
}

func (c *Client) expire(ctx context.Context, conf *Conference, media domain.MediaType, chans []*Channel) {
	out := &jingle.Conference{
		ID:       conf.ID(),
		Contents: []jingle.ConferenceContent{{Name: string(media)}},
	}
	for _, ch := range chans {
		ch.markExpiring()
		out.Contents[0].Channels = append(out.Contents[0].Channels, jingle.Expired(ch.ID))
	}
	if _, err := c.request(ctx, conf.bridge, out); err != nil {
		c.logger.Warn().Err(err).Str("media", string(media)).Msg("expire channels failed")
	} else {
		c.logger.Info().Str("media", string(media)).Str("conference", conf.ID()).Int("channels", len(chans)).Msg("channels expired")
	}
	for _, ch := range chans {
		ch.markExpired()
	}
}

func (c *Client) request(ctx context.Context, to string, conf *jingle.Conference) (*jingle.Conference, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	iq := &jingle.IQ{ID: jingle.NewID(), Type: jingle.IQSet, To: to, Conference: conf}
	resp, err := c.sender.Request(ctx, iq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", core.ErrTimeout, err)
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Conference == nil {
		return &jingle.Conference{}, nil
	}
	return resp.Conference, nil
}
