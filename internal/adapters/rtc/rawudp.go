package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrBind = errors.New("bind local port")

// RawUDPStrategy binds one RTP/RTCP socket pair per media and uses the
// first remote RTP candidate as the target without any checks.
type RawUDPStrategy struct {
	sid      domain.SessionID
	bindIP   string
	portMin  uint16
	portMax  uint16
	timeouts Timeouts
	logger   zerolog.Logger
	prog     *progress

	mu      sync.Mutex
	streams map[domain.MediaType]*rawStream
	closed  bool
}

type rawStream struct {
	rtp    *net.UDPConn
	rtcp   *net.UDPConn
	local  []jingle.Candidate
	target *core.Path
}

func newRawUDPStrategy(sid domain.SessionID, bindIP string, portMin, portMax uint16, t Timeouts) *RawUDPStrategy {
	return &RawUDPStrategy{
		sid:      sid,
		bindIP:   bindIP,
		portMin:  portMin,
		portMax:  portMax,
		timeouts: t,
		logger:   log.With().Str("module", "rtc.rawudp").Str("sid", string(sid)).Logger(),
		prog:     newProgress(),
		streams:  make(map[domain.MediaType]*rawStream),
	}
}

func (s *RawUDPStrategy) Namespace() string { return jingle.NSRawUDP }

func (s *RawUDPStrategy) Generation() domain.Generation { return generation }

func (s *RawUDPStrategy) State() core.EstablishState { return s.prog.get() }

// OnLocalCandidate is a no-op: all candidates are known after Harvest.
func (s *RawUDPStrategy) OnLocalCandidate(func(domain.MediaType, jingle.Candidate)) {}

func (s *RawUDPStrategy) Harvest(ctx context.Context, media domain.MediaType) (*jingle.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrCancelled, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.ErrCancelled
	}
	if st, ok := s.streams[media]; ok {
		tr := s.transportLocked(st)
		s.mu.Unlock()
		return tr, nil
	}
	s.mu.Unlock()

	rtp, rtcp, err := s.bindPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", core.ErrTransport, media, err)
	}
	ip := advertisedIP(s.bindIP)
	st := &rawStream{rtp: rtp, rtcp: rtcp}
	pairs := []struct {
		comp int
		conn *net.UDPConn
	}{{int(domain.ComponentRTP), rtp}, {int(domain.ComponentRTCP), rtcp}}
	for _, p := range pairs {
		comp := p.comp
		st.local = append(st.local, jingle.Candidate{
			Component:  comp,
			Foundation: "1",
			Generation: generation,
			ID:         jingle.NewID(),
			IP:         ip,
			Port:       p.conn.LocalAddr().(*net.UDPAddr).Port,
			Priority:   jingle.HostPriority(comp),
			Protocol:   "udp",
			Type:       jingle.CandidateHost,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = rtp.Close()
		_ = rtcp.Close()
		return nil, core.ErrCancelled
	}
	s.streams[media] = st
	s.logger.Info().Str("media", string(media)).Str("rtp", rtp.LocalAddr().String()).Msg("bound socket pair")
	return s.transportLocked(st), nil
}

func (s *RawUDPStrategy) transportLocked(st *rawStream) *jingle.Transport {
	tr := jingle.NewTransport(jingle.NSRawUDP)
	tr.Candidates = append([]jingle.Candidate(nil), st.local...)
	return tr
}

// bindPair binds an even RTP port and the next port for RTCP, scanning
// the configured range, or lets the kernel pick when no range is set.
func (s *RawUDPStrategy) bindPair() (*net.UDPConn, *net.UDPConn, error) {
	if s.portMin == 0 || s.portMax == 0 {
		rtp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.bindIP)})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrBind, err)
		}
		rtcp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.bindIP)})
		if err != nil {
			_ = rtp.Close()
			return nil, nil, fmt.Errorf("%w: %w", ErrBind, err)
		}
		return rtp, rtcp, nil
	}
	start := int(s.portMin)
	if start%2 != 0 {
		start++
	}
	for port := start; port+1 <= int(s.portMax); port += 2 {
		rtp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.bindIP), Port: port})
		if err != nil {
			continue
		}
		rtcp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.bindIP), Port: port + 1})
		if err != nil {
			_ = rtp.Close()
			continue
		}
		return rtp, rtcp, nil
	}
	return nil, nil, fmt.Errorf("%w: no free pair in %d-%d", ErrBind, s.portMin, s.portMax)
}

// Establish records the first current-generation RTP candidate as the
// media target.
func (s *RawUDPStrategy) Establish(media domain.MediaType, remote *jingle.Transport) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, core.ErrCancelled
	}
	st, ok := s.streams[media]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownStream, media)
	}
	if st.target == nil {
		for _, c := range remote.Candidates {
			if c.Generation != generation || c.IP == "" || c.Component != int(domain.ComponentRTP) {
				continue
			}
			st.target = &core.Path{
				Media:  media,
				Local:  st.rtp.LocalAddr().String(),
				Remote: net.JoinHostPort(c.IP, strconv.Itoa(c.Port)),
			}
			s.logger.Info().Str("media", string(media)).Str("target", st.target.Remote).Msg("stream target set")
			break
		}
	}
	before := s.prog.get()
	agg := s.aggregateLocked()
	s.mu.Unlock()

	s.prog.set(agg)
	return before != core.EstablishSucceeded && agg == core.EstablishSucceeded, nil
}

func (s *RawUDPStrategy) aggregateLocked() core.EstablishState {
	if s.closed {
		return core.EstablishClosed
	}
	if len(s.streams) == 0 {
		return core.EstablishPending
	}
	targets := 0
	for _, st := range s.streams {
		if st.target != nil {
			targets++
		}
	}
	switch {
	case targets == len(s.streams):
		return core.EstablishSucceeded
	case targets > 0:
		return core.EstablishRunning
	}
	return core.EstablishPending
}

func (s *RawUDPStrategy) Wrapup(ctx context.Context) error {
	st, err := s.prog.wait(ctx, s.timeouts.Wrapup, s.timeouts.Poll)
	return wrapupError(st, err)
}

func (s *RawUDPStrategy) Selected(media domain.MediaType) (core.Path, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[media]
	if !ok || st.target == nil {
		return core.Path{}, false
	}
	return *st.target, true
}

func (s *RawUDPStrategy) Remove(media domain.MediaType) {
	s.mu.Lock()
	st, ok := s.streams[media]
	delete(s.streams, media)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := st.close(); err != nil {
		s.logger.Warn().Err(err).Str("media", string(media)).Msg("close sockets")
	}
	s.mu.Lock()
	agg := s.aggregateLocked()
	s.mu.Unlock()
	s.prog.set(agg)
}

func (s *RawUDPStrategy) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := s.streams
	s.streams = make(map[domain.MediaType]*rawStream)
	s.mu.Unlock()

	var errs []error
	for _, st := range streams {
		errs = append(errs, st.close())
	}
	s.prog.set(core.EstablishClosed)
	s.logger.Info().Msg("closed")
	return errors.Join(errs...)
}

func (st *rawStream) close() error {
	return errors.Join(st.rtp.Close(), st.rtcp.Close())
}

// advertisedIP returns bind unless it is a wildcard, in which case the
// first non-loopback IPv4 interface address is used.
func advertisedIP(bind string) string {
	ip := net.ParseIP(bind)
	if ip != nil && !ip.IsUnspecified() {
		return bind
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok && !n.IP.IsLoopback() && n.IP.To4() != nil {
				return n.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
