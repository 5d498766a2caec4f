package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/jinglecall/internal/core"
	"github.com/dkeye/jinglecall/internal/core/mocks"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// reply answers a conference-request with one channel per id.
func reply(confID string, media domain.MediaType, ids ...string) *jingle.IQ {
	rc := jingle.ConferenceContent{Name: string(media)}
	for i, id := range ids {
		tr := jingle.NewTransport(jingle.NSICEUDP)
		tr.Ufrag = "br"
		tr.Pwd = "bridgepwd"
		tr.Candidates = []jingle.Candidate{{Component: 1, Foundation: "1", ID: "b" + id, IP: "10.0.0.9", Port: 10000 + i, Protocol: "udp", Type: jingle.CandidateHost}}
		rc.Channels = append(rc.Channels, jingle.Channel{ID: id, Transport: tr})
	}
	return &jingle.IQ{
		Type:       jingle.IQResult,
		Conference: &jingle.Conference{ID: confID, Contents: []jingle.ConferenceContent{rc}},
	}
}

func allocated(confID string, media domain.MediaType) *jingle.IQ {
	return reply(confID, media, "local-"+string(media), "remote-"+string(media))
}

func TestAllocateLocalChannelOncePerMedia(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	gomock.InOrder(
		sender.EXPECT().
			Request(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, iq *jingle.IQ) (*jingle.IQ, error) {
				require.NotNil(t, iq.Conference)
				assert.Equal(t, "bridge.example.com", iq.To)
				chans := iq.Conference.Contents[0].Channels
				require.Len(t, chans, 2)
				assert.Equal(t, "true", chans[0].Initiator)
				assert.Equal(t, "peer1", chans[1].Endpoint)
				return allocated("conf1", domain.MediaAudio), nil
			}),
		sender.EXPECT().
			Request(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, iq *jingle.IQ) (*jingle.IQ, error) {
				assert.Equal(t, "conf1", iq.Conference.ID)
				chans := iq.Conference.Contents[0].Channels
				require.Len(t, chans, 1)
				assert.Empty(t, chans[0].ID)
				assert.Equal(t, "peer2", chans[0].Endpoint)
				return reply("conf1", domain.MediaAudio, "remote-audio-2"), nil
			}),
	)

	c := NewClient(sender, time.Second)
	conf := NewConference("bridge.example.com")

	first, created, err := c.Allocate(context.Background(), conf, AllocateRequest{Media: domain.MediaAudio, Endpoint: "peer1"})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := c.Allocate(context.Background(), conf, AllocateRequest{Media: domain.MediaAudio, Endpoint: "peer2"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first.Local, second.Local)
	assert.Equal(t, "remote-audio", first.Remote.ID)
	assert.Equal(t, "remote-audio-2", second.Remote.ID)
	assert.NotEqual(t, first.Remote.Transport.Candidates, second.Remote.Transport.Candidates)

	again, created, err := c.Allocate(context.Background(), conf, AllocateRequest{Media: domain.MediaAudio, Endpoint: "peer1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first.Remote, again.Remote)

	ch, ok := conf.Remote(domain.MediaAudio, "peer2")
	require.True(t, ok)
	assert.Same(t, second.Remote, ch)
	assert.Equal(t, "conf1", conf.ID())
	assert.Equal(t, []string{"peer1", "peer2"}, conf.Endpoints(domain.MediaAudio))
}

func TestAllocateConcurrentPeersGetOwnChannels(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	var (
		mu     sync.Mutex
		locals int
		seq    int
	)
	sender.EXPECT().
		Request(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, iq *jingle.IQ) (*jingle.IQ, error) {
			mu.Lock()
			defer mu.Unlock()
			seq++
			if len(iq.Conference.Contents[0].Channels) == 2 {
				locals++
				return reply("conf1", domain.MediaAudio, "local", fmt.Sprintf("remote-%d", seq)), nil
			}
			return reply("conf1", domain.MediaAudio, fmt.Sprintf("remote-%d", seq)), nil
		}).
		Times(4)

	c := NewClient(sender, time.Second)
	conf := NewConference("bridge.example.com")

	var wg sync.WaitGroup
	allocs := make([]*Allocation, 4)
	for i := range allocs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, _, err := c.Allocate(context.Background(), conf, AllocateRequest{Media: domain.MediaAudio, Endpoint: string(rune('a' + i))})
			assert.NoError(t, err)
			allocs[i] = a
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, locals)
	ids := make(map[string]bool)
	for _, a := range allocs {
		require.NotNil(t, a)
		assert.Same(t, allocs[0].Local, a.Local)
		ids[a.Remote.ID] = true
	}
	assert.Len(t, ids, 4)
	assert.Equal(t, []string{"a", "b", "c", "d"}, conf.Endpoints(domain.MediaAudio))
}

func TestAllocateConferenceIDMismatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	gomock.InOrder(
		sender.EXPECT().Request(gomock.Any(), gomock.Any()).Return(allocated("conf1", domain.MediaAudio), nil),
		sender.EXPECT().Request(gomock.Any(), gomock.Any()).Return(allocated("conf2", domain.MediaVideo), nil),
	)

	c := NewClient(sender, time.Second)
	conf := NewConference("bridge.example.com")
	_, _, err := c.Allocate(context.Background(), conf, AllocateRequest{Media: domain.MediaAudio, Endpoint: "p"})
	require.NoError(t, err)
	_, _, err = c.Allocate(context.Background(), conf, AllocateRequest{Media: domain.MediaVideo, Endpoint: "p"})
	require.ErrorIs(t, err, ErrProtocol)
	_, ok := conf.Content(domain.MediaVideo)
	assert.False(t, ok)
}

func TestAllocateFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	sender.EXPECT().Request(gomock.Any(), gomock.Any()).Return(nil, errors.New("bridge down"))

	c := NewClient(sender, time.Second)
	_, _, err := c.Allocate(context.Background(), NewConference("bridge.example.com"), AllocateRequest{Media: domain.MediaAudio, Endpoint: "p"})
	require.ErrorIs(t, err, ErrAllocation)
	assert.ErrorIs(t, err, core.ErrTransport)
}

func TestReleaseExpiresOwnChannelThenLocal(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	gomock.InOrder(
		sender.EXPECT().Request(gomock.Any(), gomock.Any()).Return(allocated("conf1", domain.MediaAudio), nil),
		sender.EXPECT().Request(gomock.Any(), gomock.Any()).Return(reply("conf1", domain.MediaAudio, "remote-p2"), nil),
	)

	c := NewClient(sender, time.Second)
	conf := NewConference("bridge.example.com")
	a1, _, err := c.Allocate(context.Background(), conf, AllocateRequest{Media: domain.MediaAudio, Endpoint: "p1"})
	require.NoError(t, err)
	a2, _, err := c.Allocate(context.Background(), conf, AllocateRequest{Media: domain.MediaAudio, Endpoint: "p2"})
	require.NoError(t, err)

	sender.EXPECT().
		Request(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, iq *jingle.IQ) (*jingle.IQ, error) {
			chans := iq.Conference.Contents[0].Channels
			require.Len(t, chans, 1)
			assert.Equal(t, "remote-audio", chans[0].ID)
			require.NotNil(t, chans[0].Expire)
			assert.Equal(t, 0, *chans[0].Expire)
			return iq.Result(), nil
		})
	c.Release(context.Background(), conf, domain.MediaAudio, "p1")
	assert.Equal(t, ChannelExpired, a1.Remote.State())
	assert.Equal(t, ChannelActive, a2.Remote.State())
	assert.Equal(t, ChannelActive, a1.Local.State())
	assert.Equal(t, []string{"p2"}, conf.Endpoints(domain.MediaAudio))

	// Releasing p1 again is a no-op.
	c.Release(context.Background(), conf, domain.MediaAudio, "p1")

	sender.EXPECT().
		Request(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, iq *jingle.IQ) (*jingle.IQ, error) {
			chans := iq.Conference.Contents[0].Channels
			require.Len(t, chans, 2)
			assert.Equal(t, "remote-p2", chans[0].ID)
			assert.Equal(t, "local-audio", chans[1].ID)
			return nil, errors.New("ignored")
		})
	c.Release(context.Background(), conf, domain.MediaAudio, "p2")
	assert.Equal(t, ChannelExpired, a2.Remote.State())
	assert.Equal(t, ChannelExpired, a2.Local.State())
	_, ok := conf.Content(domain.MediaAudio)
	assert.False(t, ok)
}

func TestAllocateRemoteForeignConference(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	gomock.InOrder(
		sender.EXPECT().Request(gomock.Any(), gomock.Any()).Return(allocated("conf1", domain.MediaAudio), nil),
		sender.EXPECT().Request(gomock.Any(), gomock.Any()).Return(reply("conf2", domain.MediaAudio, "remote-p2"), nil),
	)

	c := NewClient(sender, time.Second)
	conf := NewConference("bridge.example.com")
	_, _, err := c.Allocate(context.Background(), conf, AllocateRequest{Media: domain.MediaAudio, Endpoint: "p1"})
	require.NoError(t, err)
	_, _, err = c.Allocate(context.Background(), conf, AllocateRequest{Media: domain.MediaAudio, Endpoint: "p2"})
	require.ErrorIs(t, err, ErrProtocol)
	_, ok := conf.Remote(domain.MediaAudio, "p2")
	assert.False(t, ok)
	assert.Equal(t, []string{"p1"}, conf.Endpoints(domain.MediaAudio))
}

func TestUpdateTransportSkipsExpiredChannel(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	c := NewClient(sender, time.Second)
	ch := &Channel{ID: "x"}
	ch.markExpired()
	require.NoError(t, c.UpdateTransport(context.Background(), NewConference("b"), domain.MediaAudio, ch, jingle.NewTransport(jingle.NSICEUDP)))
}
