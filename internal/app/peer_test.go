package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/jinglecall/internal/app/bridge"
	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	bob     = domain.Address("bob@example.com/phone")
)

type harness struct {
	deps     *Deps
	sender   *fakeSender
	factory  *fakeFactory
	events   *eventLog
	calls    *CallManager
	incoming []*CallPeer
	mu       sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sender:  &fakeSender{},
		factory: &fakeFactory{},
		events:  &eventLog{},
		calls:   NewCallManager(),
	}
	h.deps = &Deps{
		Sender:     h.sender,
		Strategies: h.factory,
		Bridge:     bridge.NewClient(h.sender, time.Second),
		Registry:   NewRegistry(time.Minute),
		Policy: Policy{
			Gate:           GatePolicy{Mode: GateFirstCandidate, Timeout: waitFor},
			RequestTimeout: time.Second,
			BridgeTimeout:  time.Second,
		},
		Namespace: jingle.NSICEUDP,
		Events:    h.events.record,
		OnIncoming: func(p *CallPeer) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.incoming = append(h.incoming, p)
		},
	}
	return h
}

func (h *harness) peer(t *testing.T, call *Call, sid string, role domain.Role) *CallPeer {
	t.Helper()
	p := NewCallPeer(h.deps, call, domain.SessionID(sid), bob, role)
	require.NoError(t, h.deps.Registry.Bind(p, p.Hangup))
	require.NoError(t, call.AddPeer(p))
	t.Cleanup(func() {
		p.Hangup()
		p.Wait()
	})
	return p
}

func (h *harness) incomingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.incoming)
}

func remoteTransport(candidates int) *jingle.Transport {
	tr := jingle.NewTransport(jingle.NSICEUDP)
	tr.Ufrag = "ru"
	tr.Pwd = "rp"
	for i := 0; i < candidates; i++ {
		tr.Candidates = append(tr.Candidates, jingle.Candidate{
			Component: 1, Foundation: "1", ID: "r" + string(rune('a'+i)), IP: "203.0.113.5", Port: 6000 + i, Protocol: "udp", Type: jingle.CandidateHost,
		})
	}
	return tr
}

func offer(sid string, encrypted bool, media ...domain.MediaType) *jingle.Jingle {
	j := &jingle.Jingle{Action: jingle.ActionSessionInitiate, SID: sid, Initiator: bob.String()}
	for _, m := range media {
		c := jingle.Content{
			Creator:     "initiator",
			Name:        string(m),
			Senders:     domain.SendersBoth,
			Description: &jingle.Description{Media: string(m), PayloadTypes: []jingle.PayloadType{{ID: 111, Name: "opus", ClockRate: 48000, Channels: 2}}},
			Transport:   remoteTransport(1),
		}
		if encrypted {
			c.Transport.Fingerprints = []jingle.Fingerprint{{Hash: "sha-256", Setup: "actpass", Value: "AB:CD"}}
		}
		j.Contents = append(j.Contents, c)
	}
	return j
}

func accept(sid string, contents ...jingle.Content) *jingle.Jingle {
	return &jingle.Jingle{Action: jingle.ActionSessionAccept, SID: sid, Responder: bob.String(), Contents: contents}
}

func acceptedContent(media domain.MediaType, candidates int) jingle.Content {
	return jingle.Content{
		Creator:     "initiator",
		Name:        string(media),
		Description: &jingle.Description{Media: string(media)},
		Transport:   remoteTransport(candidates),
	}
}

func stateIs(p *CallPeer, st domain.PeerState) func() bool {
	return func() bool { return p.State() == st }
}

// connectedResponder answers an incoming audio call and waits for it to
// connect.
func connectedResponder(t *testing.T, h *harness, sid string) *CallPeer {
	t.Helper()
	p := h.peer(t, h.calls.Create(nil), sid, domain.RoleResponder)
	p.Handle(offer(sid, true, domain.MediaAudio))
	require.Equal(t, domain.PeerStateIncoming, p.State())
	require.NoError(t, p.Answer())
	require.Eventually(t, stateIs(p, domain.PeerStateConnected), waitFor, tick)
	return p
}

func TestIncomingWithoutEncryptionFails(t *testing.T) {
	h := newHarness(t)
	h.deps.Policy.EncryptionRequired = true
	p := h.peer(t, h.calls.Create(nil), "s-a", domain.RoleResponder)

	p.Handle(offer("s-a", false, domain.MediaAudio))

	assert.Equal(t, domain.PeerStateFailed, p.State())
	assert.Equal(t, []domain.PeerState{domain.PeerStateIncoming, domain.PeerStateFailed}, h.events.states())
	assert.Zero(t, h.incomingCount())

	err := p.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecurity)
	assert.ErrorIs(t, err, core.ErrNegotiation)

	terms := h.sender.jingles(jingle.ActionSessionTerminate)
	require.Len(t, terms, 1)
	assert.Equal(t, jingle.ReasonSecurityError, terms[0].Reason.Condition)

	_, ok := h.deps.Registry.Get("s-a")
	assert.False(t, ok)
	assert.Zero(t, h.factory.created())
}

func TestIncomingWithEncryptionRings(t *testing.T) {
	h := newHarness(t)
	h.deps.Policy.EncryptionRequired = true
	p := h.peer(t, h.calls.Create(nil), "s-a2", domain.RoleResponder)

	p.Handle(offer("s-a2", true, domain.MediaAudio))

	assert.Equal(t, domain.PeerStateIncoming, p.State())
	assert.Equal(t, 1, h.incomingCount())
	require.Len(t, h.sender.jingles(jingle.ActionSessionInfo), 1)
}

func TestMalformedOfferFails(t *testing.T) {
	h := newHarness(t)
	p := h.peer(t, h.calls.Create(nil), "s-bad", domain.RoleResponder)
	j := offer("s-bad", true, domain.MediaAudio)
	j.Contents[0].Transport = jingle.NewTransport(jingle.NSRawUDP)

	p.Handle(j)

	assert.Equal(t, domain.PeerStateFailed, p.State())
	terms := h.sender.jingles(jingle.ActionSessionTerminate)
	require.Len(t, terms, 1)
	assert.Equal(t, jingle.ReasonIncompatibleParameters, terms[0].Reason.Condition)
}

func TestAcceptGateWaitsForTrailingCandidates(t *testing.T) {
	h := newHarness(t)
	p := h.peer(t, h.calls.Create(nil), "s-b", domain.RoleInitiator)

	p.Dial([]domain.MediaType{domain.MediaAudio, domain.MediaVideo}, nil)
	require.Eventually(t, func() bool { return len(h.sender.jingles(jingle.ActionSessionInitiate)) == 1 }, waitFor, tick)
	assert.Equal(t, domain.PeerStateConnecting, p.State())

	initiate := h.sender.jingles(jingle.ActionSessionInitiate)[0]
	require.Len(t, initiate.Contents, 2)
	assert.Equal(t, localAddress, initiate.Initiator)

	p.Handle(accept("s-b", acceptedContent(domain.MediaAudio, 1), acceptedContent(domain.MediaVideo, 0)))

	strat := h.factory.last()
	require.NotNil(t, strat)
	assert.Never(t, strat.hasStarted, 100*time.Millisecond, tick)
	assert.Equal(t, domain.PeerStateConnecting, p.State())

	p.Handle(&jingle.Jingle{
		Action:   jingle.ActionTransportInfo,
		SID:      "s-b",
		Contents: []jingle.Content{{Creator: "initiator", Name: "video", Transport: remoteTransport(1)}},
	})

	require.Eventually(t, stateIs(p, domain.PeerStateConnected), waitFor, tick)
	assert.Equal(t, 1, strat.remoteCount(domain.MediaAudio))
	assert.Equal(t, 1, strat.remoteCount(domain.MediaVideo))
	assert.Zero(t, h.deps.Registry.Pending().Candidates("s-b", "video"))
}

func TestGatedCandidatesSurviveUnclaimedExpiry(t *testing.T) {
	h := newHarness(t)
	h.deps.Registry = NewRegistry(time.Second)
	var clock atomic.Int64
	clock.Store(time.Unix(1000, 0).UnixNano())
	h.deps.Registry.Pending().now = func() time.Time { return time.Unix(0, clock.Load()) }
	p := h.peer(t, h.calls.Create(nil), "s-ttl", domain.RoleInitiator)

	p.Dial([]domain.MediaType{domain.MediaAudio}, nil)
	require.Eventually(t, func() bool { return len(h.sender.jingles(jingle.ActionSessionInitiate)) == 1 }, waitFor, tick)

	p.Handle(&jingle.Jingle{
		Action:   jingle.ActionTransportInfo,
		SID:      "s-ttl",
		Contents: []jingle.Content{{Creator: "initiator", Name: "audio", Transport: remoteTransport(1)}},
	})
	clock.Add(int64(5 * time.Second))
	assert.Zero(t, h.deps.Registry.Pending().Sweep())

	p.Handle(accept("s-ttl", acceptedContent(domain.MediaAudio, 0)))

	require.Eventually(t, stateIs(p, domain.PeerStateConnected), waitFor, tick)
	strat := h.factory.last()
	require.NotNil(t, strat)
	assert.True(t, strat.hasStarted())
	assert.Equal(t, 1, strat.remoteCount(domain.MediaAudio))
}

func TestAcceptGateTimeoutReleasesAccept(t *testing.T) {
	h := newHarness(t)
	h.deps.Policy.Gate.Timeout = 50 * time.Millisecond
	p := h.peer(t, h.calls.Create(nil), "s-bt", domain.RoleInitiator)
	logs := &logSink{}
	p.logger = zerolog.New(logs)

	p.Dial([]domain.MediaType{domain.MediaAudio, domain.MediaVideo}, nil)
	require.Eventually(t, stateIs(p, domain.PeerStateConnecting), waitFor, tick)
	p.Handle(accept("s-bt", acceptedContent(domain.MediaAudio, 1), acceptedContent(domain.MediaVideo, 0)))

	// Checks never start without video candidates; wrap-up gives up
	// without a verdict and the call counts as connected.
	require.Eventually(t, stateIs(p, domain.PeerStateConnected), waitFor, tick)
	assert.False(t, h.factory.last().hasStarted())
	assert.Contains(t, logs.String(), "wrap-up ended before connectivity checks started")
	assert.Contains(t, logs.String(), `"level":"warn"`)
}

func TestAcceptDropsUnacceptedContent(t *testing.T) {
	h := newHarness(t)
	h.deps.Policy.Gate.Mode = GateNone
	p := h.peer(t, h.calls.Create(nil), "s-partial", domain.RoleInitiator)

	p.Dial([]domain.MediaType{domain.MediaAudio, domain.MediaVideo}, nil)
	require.Eventually(t, stateIs(p, domain.PeerStateConnecting), waitFor, tick)
	p.Handle(accept("s-partial", acceptedContent(domain.MediaAudio, 1)))

	require.Eventually(t, stateIs(p, domain.PeerStateConnected), waitFor, tick)
	_, ok := p.Session(domain.MediaVideo)
	assert.False(t, ok)
	strat := h.factory.last()
	strat.mu.Lock()
	defer strat.mu.Unlock()
	assert.Equal(t, []domain.MediaType{domain.MediaVideo}, strat.removed)
}

func TestOptionalVideoDroppedOnHarvestFailure(t *testing.T) {
	h := newHarness(t)
	h.factory.prepare = func(s *fakeStrategy) { s.harvestErr[domain.MediaVideo] = errFakeHarvest }
	p := h.peer(t, h.calls.Create(nil), "s-nov", domain.RoleInitiator)

	p.Dial([]domain.MediaType{domain.MediaAudio, domain.MediaVideo}, nil)
	require.Eventually(t, func() bool { return len(h.sender.jingles(jingle.ActionSessionInitiate)) == 1 }, waitFor, tick)

	initiate := h.sender.jingles(jingle.ActionSessionInitiate)[0]
	require.Len(t, initiate.Contents, 1)
	assert.Equal(t, "audio", initiate.Contents[0].Name)
}

func TestMandatoryVideoHarvestFailureFails(t *testing.T) {
	h := newHarness(t)
	h.deps.Policy.VideoMandatory = true
	h.factory.prepare = func(s *fakeStrategy) { s.harvestErr[domain.MediaVideo] = errFakeHarvest }
	p := h.peer(t, h.calls.Create(nil), "s-vm", domain.RoleInitiator)

	p.Dial([]domain.MediaType{domain.MediaAudio, domain.MediaVideo}, nil)

	require.Eventually(t, stateIs(p, domain.PeerStateFailed), waitFor, tick)
	assert.ErrorIs(t, p.Err(), core.ErrTransport)
	assert.Empty(t, h.sender.jingles(jingle.ActionSessionInitiate))
	assert.Empty(t, h.sender.jingles(jingle.ActionSessionTerminate))
}

func TestConnectivityFailureTerminates(t *testing.T) {
	h := newHarness(t)
	h.factory.prepare = func(s *fakeStrategy) { s.outcome = core.EstablishFailed }
	p := h.peer(t, h.calls.Create(nil), "s-cf", domain.RoleResponder)

	p.Handle(offer("s-cf", true, domain.MediaAudio))
	require.NoError(t, p.Answer())

	require.Eventually(t, stateIs(p, domain.PeerStateFailed), waitFor, tick)
	assert.ErrorIs(t, p.Err(), core.ErrConnectivityFailed)
	terms := h.sender.jingles(jingle.ActionSessionTerminate)
	require.Len(t, terms, 1)
	assert.Equal(t, jingle.ReasonConnectivityError, terms[0].Reason.Condition)
	assert.True(t, h.factory.last().isClosed())
}

func TestHangupDuringConnectivityChecks(t *testing.T) {
	h := newHarness(t)
	h.factory.prepare = func(s *fakeStrategy) { s.outcome = core.EstablishRunning }
	p := h.peer(t, h.calls.Create(nil), "s-d", domain.RoleInitiator)

	p.Dial([]domain.MediaType{domain.MediaAudio}, nil)
	require.Eventually(t, stateIs(p, domain.PeerStateConnecting), waitFor, tick)
	p.Handle(accept("s-d", acceptedContent(domain.MediaAudio, 1)))
	strat := h.factory.last()
	require.Eventually(t, strat.hasStarted, waitFor, tick)

	p.Hangup()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("workers still running after hang-up")
	}
	assert.Equal(t, domain.PeerStateDisconnected, p.State())
	assert.True(t, strat.isClosed())
	terms := h.sender.jingles(jingle.ActionSessionTerminate)
	require.Len(t, terms, 1)
	assert.Equal(t, jingle.ReasonCancel, terms[0].Reason.Condition)
	_, ok := h.deps.Registry.Get("s-d")
	assert.False(t, ok)
}

func TestHangupReasons(t *testing.T) {
	t.Run("incoming busy", func(t *testing.T) {
		h := newHarness(t)
		p := h.peer(t, h.calls.Create(nil), "s-h1", domain.RoleResponder)
		p.Handle(offer("s-h1", true, domain.MediaAudio))
		p.Hangup()
		terms := h.sender.jingles(jingle.ActionSessionTerminate)
		require.Len(t, terms, 1)
		assert.Equal(t, jingle.ReasonBusy, terms[0].Reason.Condition)
	})

	t.Run("incoming decline", func(t *testing.T) {
		h := newHarness(t)
		h.deps.Policy.DeclineOnHangup = true
		p := h.peer(t, h.calls.Create(nil), "s-h2", domain.RoleResponder)
		p.Handle(offer("s-h2", true, domain.MediaAudio))
		p.Hangup()
		terms := h.sender.jingles(jingle.ActionSessionTerminate)
		require.Len(t, terms, 1)
		assert.Equal(t, jingle.ReasonDecline, terms[0].Reason.Condition)
	})

	t.Run("connected", func(t *testing.T) {
		h := newHarness(t)
		p := connectedResponder(t, h, "s-h3")
		p.Hangup()
		terms := h.sender.jingles(jingle.ActionSessionTerminate)
		require.Len(t, terms, 1)
		assert.Equal(t, jingle.ReasonSuccess, terms[0].Reason.Condition)
		assert.Equal(t, "Call ended locally.", p.Reason())
	})

	t.Run("before offer", func(t *testing.T) {
		h := newHarness(t)
		h.factory.prepare = func(s *fakeStrategy) { s.block = make(chan struct{}) }
		p := h.peer(t, h.calls.Create(nil), "s-h4", domain.RoleInitiator)
		p.Dial([]domain.MediaType{domain.MediaAudio}, nil)
		require.Eventually(t, func() bool { return h.factory.created() == 1 }, waitFor, tick)
		p.Hangup()
		p.Wait()
		assert.Equal(t, domain.PeerStateDisconnected, p.State())
		assert.Empty(t, h.sender.jingles(jingle.ActionSessionInitiate))
		assert.Empty(t, h.sender.jingles(jingle.ActionSessionTerminate))
	})

	t.Run("twice", func(t *testing.T) {
		h := newHarness(t)
		p := connectedResponder(t, h, "s-h5")
		p.Hangup()
		p.Hangup()
		assert.Len(t, h.sender.jingles(jingle.ActionSessionTerminate), 1)
	})
}

func TestRemoteTerminate(t *testing.T) {
	h := newHarness(t)
	p := connectedResponder(t, h, "s-rt")
	strat := h.factory.last()

	p.Handle(&jingle.Jingle{Action: jingle.ActionSessionTerminate, SID: "s-rt", Reason: &jingle.Reason{Condition: jingle.ReasonBusy, Text: "in a meeting"}})

	assert.Equal(t, domain.PeerStateDisconnected, p.State())
	assert.Equal(t, "Call ended by remote side. Reason: busy. in a meeting", p.Reason())
	assert.True(t, strat.isClosed())
	assert.Empty(t, h.sender.jingles(jingle.ActionSessionTerminate))
	_, ok := h.deps.Registry.Get("s-rt")
	assert.False(t, ok)
}

func TestTrailingCandidatesOnResponder(t *testing.T) {
	h := newHarness(t)
	p := h.peer(t, h.calls.Create(nil), "s-tr", domain.RoleResponder)
	j := offer("s-tr", true, domain.MediaAudio)
	j.Contents[0].Transport.Candidates = nil
	p.Handle(j)
	require.NoError(t, p.Answer())
	require.Eventually(t, func() bool { return len(h.sender.jingles(jingle.ActionSessionAccept)) == 1 }, waitFor, tick)

	strat := h.factory.last()
	assert.False(t, strat.hasStarted())

	p.Handle(&jingle.Jingle{
		Action:   jingle.ActionTransportInfo,
		SID:      "s-tr",
		Contents: []jingle.Content{{Creator: "initiator", Name: "audio", Transport: remoteTransport(2)}},
	})

	require.Eventually(t, stateIs(p, domain.PeerStateConnected), waitFor, tick)
	assert.Equal(t, 2, strat.remoteCount(domain.MediaAudio))
	accepted := h.sender.jingles(jingle.ActionSessionAccept)[0]
	assert.Equal(t, localAddress, accepted.Responder)
}

func TestStaleGenerationCandidatesIgnored(t *testing.T) {
	h := newHarness(t)
	p := connectedResponder(t, h, "s-gen")
	ms, ok := p.Session(domain.MediaAudio)
	require.True(t, ok)
	before := len(ms.Remote().Candidates)

	tr := remoteTransport(1)
	tr.Candidates[0].ID = "stale"
	tr.Candidates[0].Port = 7000
	tr.Candidates[0].Generation = 3
	p.Handle(&jingle.Jingle{
		Action:   jingle.ActionTransportInfo,
		SID:      "s-gen",
		Contents: []jingle.Content{{Creator: "initiator", Name: "audio", Transport: tr}},
	})

	assert.Len(t, ms.Remote().Candidates, before)
}

func TestSessionInfo(t *testing.T) {
	h := newHarness(t)
	p := connectedResponder(t, h, "s-info")

	p.Handle(&jingle.Jingle{Action: jingle.ActionSessionInfo, SID: "s-info", Hold: &jingle.Empty{}})
	_, remote := p.OnHold()
	assert.True(t, remote)

	p.Handle(&jingle.Jingle{Action: jingle.ActionSessionInfo, SID: "s-info", Active: &jingle.Empty{}})
	_, remote = p.OnHold()
	assert.False(t, remote)

	p.Handle(&jingle.Jingle{Action: jingle.ActionSessionInfo, SID: "s-info", Mute: &jingle.Mute{}})
	assert.True(t, p.Muted())

	require.NoError(t, p.Hold(true))
	local, _ := p.OnHold()
	assert.True(t, local)
	infos := h.sender.jingles(jingle.ActionSessionInfo)
	assert.NotNil(t, infos[len(infos)-1].Hold)
}

func TestLocalOperationsNeedConnectedState(t *testing.T) {
	h := newHarness(t)
	p := h.peer(t, h.calls.Create(nil), "s-ops", domain.RoleResponder)
	p.Handle(offer("s-ops", true, domain.MediaAudio))

	assert.ErrorIs(t, p.Hold(true), ErrInvalidState)
	assert.ErrorIs(t, p.Transfer("carol@example.com", ""), ErrInvalidState)
	assert.ErrorIs(t, p.AddContent(domain.MediaVideo), ErrInvalidState)

	p.Hangup()
	assert.ErrorIs(t, p.Answer(), ErrInvalidState)
}

func TestContentRemoveOfLastContentHangsUp(t *testing.T) {
	h := newHarness(t)
	p := connectedResponder(t, h, "s-cr")

	p.Handle(&jingle.Jingle{Action: jingle.ActionContentRemove, SID: "s-cr", Contents: []jingle.Content{{Creator: "initiator", Name: "audio"}}})

	assert.Equal(t, domain.PeerStateDisconnected, p.State())
	terms := h.sender.jingles(jingle.ActionSessionTerminate)
	require.Len(t, terms, 1)
	assert.Equal(t, jingle.ReasonSuccess, terms[0].Reason.Condition)
}

func TestContentModifyUnknownContentFails(t *testing.T) {
	h := newHarness(t)
	p := connectedResponder(t, h, "s-cm")

	p.Handle(&jingle.Jingle{Action: jingle.ActionContentModify, SID: "s-cm", Contents: []jingle.Content{{Creator: "initiator", Name: "video", Senders: domain.SendersNone}}})

	assert.Equal(t, domain.PeerStateFailed, p.State())
	assert.ErrorIs(t, p.Err(), core.ErrNegotiation)
}

func TestContentAddIsAccepted(t *testing.T) {
	h := newHarness(t)
	p := connectedResponder(t, h, "s-ca")

	add := offer("s-ca", true, domain.MediaVideo)
	add.Action = jingle.ActionContentAdd
	p.Handle(add)

	require.Eventually(t, func() bool { return len(h.sender.jingles(jingle.ActionContentAccept)) == 1 }, waitFor, tick)
	_, ok := p.Session(domain.MediaVideo)
	assert.True(t, ok)
	assert.Equal(t, 1, h.factory.last().remoteCount(domain.MediaVideo))
}

func TestContentAddHarvestFailureRejects(t *testing.T) {
	h := newHarness(t)
	p := connectedResponder(t, h, "s-cx")
	h.factory.last().mu.Lock()
	h.factory.last().harvestErr[domain.MediaVideo] = errFakeHarvest
	h.factory.last().mu.Unlock()

	add := offer("s-cx", true, domain.MediaVideo)
	add.Action = jingle.ActionContentAdd
	p.Handle(add)

	require.Eventually(t, func() bool { return len(h.sender.jingles(jingle.ActionContentReject)) == 1 }, waitFor, tick)
	_, ok := p.Session(domain.MediaVideo)
	assert.False(t, ok)
	assert.Equal(t, domain.PeerStateConnected, p.State())
}

func TestTransferRequestRedirects(t *testing.T) {
	h := newHarness(t)
	type redirect struct {
		target domain.Address
		media  []domain.MediaType
		ref    *jingle.Transfer
	}
	got := make(chan redirect, 1)
	h.deps.Redirect = func(_ context.Context, target domain.Address, media []domain.MediaType, ref *jingle.Transfer) {
		got <- redirect{target, media, ref}
	}
	p := connectedResponder(t, h, "s-xfer")

	p.Handle(&jingle.Jingle{Action: jingle.ActionSessionInfo, SID: "s-xfer", Transfer: &jingle.Transfer{To: "carol@example.com/desk"}})

	select {
	case r := <-got:
		assert.Equal(t, domain.Address("carol@example.com/desk"), r.target)
		assert.Equal(t, []domain.MediaType{domain.MediaAudio}, r.media)
		assert.Equal(t, bob.String(), r.ref.From)
	case <-time.After(waitFor):
		t.Fatal("transfer not redirected")
	}
}

func TestAttendedTransferHangsUpAttendant(t *testing.T) {
	h := newHarness(t)
	attendant := connectedResponder(t, h, "s-att")

	p := h.peer(t, attendant.Call(), "s-new", domain.RoleResponder)
	p.Attend(attendant)
	p.Handle(offer("s-new", true, domain.MediaAudio))

	require.Eventually(t, stateIs(p, domain.PeerStateConnected), waitFor, tick)
	require.Eventually(t, stateIs(attendant, domain.PeerStateDisconnected), waitFor, tick)
	assert.Equal(t, 1, h.incomingCount())
}

func TestFocusCallPeersGetOwnBridgeChannels(t *testing.T) {
	h := newHarness(t)
	call := h.calls.Create(bridge.NewConference("bridge.example.com"))
	p1 := h.peer(t, call, "s-c1", domain.RoleInitiator)
	p2 := NewCallPeer(h.deps, call, "s-c2", "carol@example.com/desk", domain.RoleInitiator)
	require.NoError(t, h.deps.Registry.Bind(p2, p2.Hangup))
	require.NoError(t, call.AddPeer(p2))
	t.Cleanup(func() {
		p2.Hangup()
		p2.Wait()
	})

	p1.Dial([]domain.MediaType{domain.MediaAudio}, nil)
	p2.Dial([]domain.MediaType{domain.MediaAudio}, nil)
	require.Eventually(t, func() bool { return len(h.sender.jingles(jingle.ActionSessionInitiate)) == 2 }, waitFor, tick)

	local, remote := h.sender.allocations()
	assert.Equal(t, 1, local)
	assert.Equal(t, 2, remote)
	assert.Equal(t, 1, h.factory.created())

	s1, ok := p1.Session(domain.MediaAudio)
	require.True(t, ok)
	s2, ok := p2.Session(domain.MediaAudio)
	require.True(t, ok)
	assert.Same(t, s1, s2)

	c1 := p1.bridgeChannel(s1.Name)
	c2 := p2.bridgeChannel(s2.Name)
	require.NotNil(t, c1)
	require.NotNil(t, c2)
	assert.NotEqual(t, c1.ID, c2.ID)
	assert.NotEqual(t, c1.Transport.Candidates, c2.Transport.Candidates)

	conf := call.Conference()
	ct, ok := conf.Content(domain.MediaAudio)
	require.True(t, ok)
	assert.Equal(t, []string{"s-c1", "s-c2"}, conf.Endpoints(domain.MediaAudio))

	for _, j := range h.sender.jingles(jingle.ActionSessionInitiate) {
		require.Len(t, j.Contents, 1)
		want := c1
		if j.SID == "s-c2" {
			want = c2
		}
		assert.Equal(t, want.Transport.Candidates, j.Contents[0].Transport.Candidates, j.SID)
	}

	p1.Hangup()
	assert.Equal(t, bridge.ChannelExpired, c1.State())
	assert.Equal(t, bridge.ChannelActive, c2.State())
	assert.Equal(t, bridge.ChannelActive, ct.Local.State())
	assert.Equal(t, []string{"s-c2"}, conf.Endpoints(domain.MediaAudio))

	p2.Hangup()
	assert.Equal(t, bridge.ChannelExpired, c2.State())
	assert.Equal(t, bridge.ChannelExpired, ct.Local.State())
	assert.True(t, call.Ended())
	assert.True(t, h.factory.last().isClosed())
}

func TestFocusPeerNegotiationStaysPerPeer(t *testing.T) {
	h := newHarness(t)
	call := h.calls.Create(bridge.NewConference("bridge.example.com"))
	p1 := h.peer(t, call, "s-n1", domain.RoleInitiator)
	p2 := NewCallPeer(h.deps, call, "s-n2", "carol@example.com/desk", domain.RoleInitiator)
	require.NoError(t, h.deps.Registry.Bind(p2, p2.Hangup))
	require.NoError(t, call.AddPeer(p2))
	t.Cleanup(func() {
		p2.Hangup()
		p2.Wait()
	})

	p1.Dial([]domain.MediaType{domain.MediaAudio}, nil)
	p2.Dial([]domain.MediaType{domain.MediaAudio}, nil)
	require.Eventually(t, stateIs(p1, domain.PeerStateConnecting), waitFor, tick)
	require.Eventually(t, stateIs(p2, domain.PeerStateConnecting), waitFor, tick)

	ms, ok := p1.Session(domain.MediaAudio)
	require.True(t, ok)
	p1.Handle(&jingle.Jingle{Action: jingle.ActionContentModify, SID: "s-n1", Contents: []jingle.Content{{Creator: "initiator", Name: ms.Name, Senders: domain.SendersInitiator}}})
	p2.Handle(accept("s-n2", jingle.Content{
		Creator:     "initiator",
		Name:        ms.Name,
		Description: &jingle.Description{Media: "audio", PayloadTypes: []jingle.PayloadType{{ID: 0, Name: "PCMU", ClockRate: 8000}}},
		Transport:   remoteTransport(1),
	}))
	require.Eventually(t, func() bool { return p2.RemoteDescription(ms.Name) != nil }, waitFor, tick)

	assert.Equal(t, domain.SendersInitiator, p1.Senders(ms.Name))
	assert.Equal(t, domain.SendersBoth, p2.Senders(ms.Name))
	assert.Equal(t, domain.SendersBoth, p2.content(ms).Senders)
	assert.Nil(t, p1.RemoteDescription(ms.Name))
	assert.Equal(t, "PCMU", p2.content(ms).Description.PayloadTypes[0].Name)
	assert.NotEqual(t, "PCMU", p1.content(ms).Description.PayloadTypes[0].Name)
}

func TestFocusPeerCandidatesGoToBridge(t *testing.T) {
	h := newHarness(t)
	call := h.calls.Create(bridge.NewConference("bridge.example.com"))
	p := h.peer(t, call, "s-cb", domain.RoleInitiator)

	p.Dial([]domain.MediaType{domain.MediaAudio}, nil)
	require.Eventually(t, stateIs(p, domain.PeerStateConnecting), waitFor, tick)
	p.Handle(accept("s-cb", acceptedContent(domain.MediaAudio, 1)))

	require.Eventually(t, stateIs(p, domain.PeerStateConnected), waitFor, tick)
	ms, _ := p.Session(domain.MediaAudio)
	assert.Nil(t, ms.Remote())

	ch := p.bridgeChannel(ms.Name)
	require.NotNil(t, ch)
	require.Eventually(t, func() bool { return forwarded(h.sender, ch.ID) }, waitFor, tick)
}

// forwarded reports whether a transport update for channel id was sent.
func forwarded(s *fakeSender, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, iq := range s.sent {
		if iq.Conference == nil {
			continue
		}
		for _, ct := range iq.Conference.Contents {
			for _, ch := range ct.Channels {
				if ch.ID == id && ch.Transport != nil && len(ch.Transport.Candidates) > 0 {
					return true
				}
			}
		}
	}
	return false
}

func TestRequestTimeoutIsTimeoutKind(t *testing.T) {
	h := newHarness(t)
	h.sender.requestErr = context.DeadlineExceeded
	p := h.peer(t, h.calls.Create(nil), "s-to", domain.RoleInitiator)

	p.Dial([]domain.MediaType{domain.MediaAudio}, nil)

	require.Eventually(t, stateIs(p, domain.PeerStateFailed), waitFor, tick)
	assert.True(t, errors.Is(p.Err(), core.ErrTimeout))
}
