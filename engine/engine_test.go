package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-reqresp/message"
	"mini-reqresp/protocol"
	"mini-reqresp/transport"
)

const (
	peerA = peer.ID("peer-a")
	peerB = peer.ID("peer-b")
)

type pair struct {
	network *transport.MemoryNetwork
	epA     *transport.MemoryEndpoint
	epB     *transport.MemoryEndpoint
	a       *Engine
	b       *Engine
}

func newPair(t *testing.T, cfg Config) *pair {
	t.Helper()
	network := transport.NewMemoryNetwork()
	p := &pair{network: network, epA: network.Endpoint(peerA), epB: network.Endpoint(peerB)}

	var err error
	p.a, err = New(p.epA, cfg)
	require.NoError(t, err)
	p.b, err = New(p.epB, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.a.Close()
		_ = p.b.Close()
	})
	return p
}

func nextEvent(t *testing.T, e *Engine) Event {
	t.Helper()
	select {
	case ev, ok := <-e.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func expectNoEvent(t *testing.T, e *Engine, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-e.Events():
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(wait):
	}
}

// echo answers every request on e with its own payload until e is closed.
func echo(e *Engine) {
	go func() {
		for ev := range e.Events() {
			if req, ok := ev.(RequestReceived); ok {
				_ = e.SendResponse(req.Channel, req.Request)
			}
		}
	}()
}

func TestRoundTrip(t *testing.T) {
	p := newPair(t, DefaultConfig())

	id, err := p.a.SendRequest(peerB, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, message.RequestID(1), id)
	assert.Equal(t, 1, p.a.PendingCount())

	req, ok := nextEvent(t, p.b).(RequestReceived)
	require.True(t, ok)
	assert.Equal(t, peerA, req.Peer)
	assert.Equal(t, []byte("ping"), req.Request)
	assert.True(t, req.Channel.IsOpen())
	assert.Equal(t, peerA, req.Channel.Peer())
	assert.Equal(t, req.RequestID, req.Channel.RequestID())

	require.NoError(t, p.b.SendResponse(req.Channel, []byte("pong")))
	assert.False(t, req.Channel.IsOpen())

	resp, ok := nextEvent(t, p.a).(ResponseReceived)
	require.True(t, ok)
	assert.Equal(t, id, resp.RequestID)
	assert.Equal(t, peerB, resp.Peer)
	assert.Equal(t, []byte("pong"), resp.Response)
	assert.Equal(t, 0, p.a.PendingCount())

	sent, ok := nextEvent(t, p.b).(ResponseSent)
	require.True(t, ok)
	assert.Equal(t, req.RequestID, sent.RequestID)
}

func TestEmptyPayloads(t *testing.T) {
	p := newPair(t, DefaultConfig())

	id, err := p.a.SendRequest(peerB, nil)
	require.NoError(t, err)

	req := nextEvent(t, p.b).(RequestReceived)
	assert.Empty(t, req.Request)
	require.NoError(t, p.b.SendResponse(req.Channel, nil))

	resp := nextEvent(t, p.a).(ResponseReceived)
	assert.Equal(t, id, resp.RequestID)
	assert.Empty(t, resp.Response)
}

func TestRequestIDsIncrease(t *testing.T) {
	p := newPair(t, DefaultConfig())
	echo(p.b)

	var last message.RequestID
	for i := 0; i < 5; i++ {
		id, err := p.a.SendRequest(peerB, []byte{byte(i)})
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestSendRequestTooLarge(t *testing.T) {
	p := newPair(t, Config{MaxFrameSize: 16})

	_, err := p.a.SendRequest(peerB, make([]byte, 17))
	require.Error(t, err)
	var fe *protocol.FrameTooLargeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, uint64(17), fe.Declared)
	assert.Equal(t, uint32(16), fe.Max)

	assert.Equal(t, 0, p.epA.StreamsOpened())
	assert.Equal(t, 0, p.a.PendingCount())
	expectNoEvent(t, p.a, 50*time.Millisecond)

	echo(p.b)
	id, err := p.a.SendRequest(peerB, make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, message.RequestID(1), id)
	resp := nextEvent(t, p.a).(ResponseReceived)
	assert.Len(t, resp.Response, 16)
}

func TestRequestTimeoutResolvesOnce(t *testing.T) {
	p := newPair(t, Config{RequestTimeout: 100 * time.Millisecond})

	start := time.Now()
	id, err := p.a.SendRequest(peerB, []byte("slow"))
	require.NoError(t, err)

	req := nextEvent(t, p.b).(RequestReceived)

	fail, ok := nextEvent(t, p.a).(OutboundFailure)
	require.True(t, ok)
	assert.Equal(t, id, fail.RequestID)
	assert.Equal(t, Timeout, fail.Kind)
	assert.ErrorIs(t, fail, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	expectNoEvent(t, p.a, 200*time.Millisecond)
	assert.Equal(t, 0, p.a.PendingCount())

	// The responder's channel expired as well.
	inbound, ok := nextEvent(t, p.b).(InboundFailure)
	require.True(t, ok)
	assert.Equal(t, Timeout, inbound.Kind)
	assert.False(t, req.Channel.IsOpen())
	assert.ErrorIs(t, p.b.SendResponse(req.Channel, []byte("late")), ErrChannelMisuse)
}

func TestResponseChannelSingleUse(t *testing.T) {
	p := newPair(t, DefaultConfig())

	_, err := p.a.SendRequest(peerB, []byte("x"))
	require.NoError(t, err)
	req := nextEvent(t, p.b).(RequestReceived)

	require.NoError(t, p.b.SendResponse(req.Channel, []byte("first")))
	assert.ErrorIs(t, p.b.SendResponse(req.Channel, []byte("second")), ErrChannelMisuse)
	req.Channel.Drop()

	resp := nextEvent(t, p.a).(ResponseReceived)
	assert.Equal(t, []byte("first"), resp.Response)
	_, ok := nextEvent(t, p.b).(ResponseSent)
	assert.True(t, ok)
	expectNoEvent(t, p.b, 50*time.Millisecond)
}

func TestOversizeResponseKeepsChannelOpen(t *testing.T) {
	p := newPair(t, Config{MaxFrameSize: 8})

	_, err := p.a.SendRequest(peerB, []byte("x"))
	require.NoError(t, err)
	req := nextEvent(t, p.b).(RequestReceived)

	err = p.b.SendResponse(req.Channel, make([]byte, 9))
	assert.True(t, protocol.IsFrameTooLarge(err))
	assert.True(t, req.Channel.IsOpen())

	require.NoError(t, p.b.SendResponse(req.Channel, []byte("ok")))
	resp := nextEvent(t, p.a).(ResponseReceived)
	assert.Equal(t, []byte("ok"), resp.Response)
}

func TestDropChannel(t *testing.T) {
	p := newPair(t, DefaultConfig())

	id, err := p.a.SendRequest(peerB, []byte("x"))
	require.NoError(t, err)
	req := nextEvent(t, p.b).(RequestReceived)

	req.Channel.Drop()
	assert.False(t, req.Channel.IsOpen())

	inbound := nextEvent(t, p.b).(InboundFailure)
	assert.Equal(t, ResponseOmitted, inbound.Kind)
	assert.ErrorIs(t, inbound, ErrResponseOmitted)

	fail := nextEvent(t, p.a).(OutboundFailure)
	assert.Equal(t, id, fail.RequestID)
	assert.Equal(t, TruncatedStream, fail.Kind)
}

func TestMalformedInboundFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		kind FailureKind
	}{
		{"oversize header", []byte{0xff, 0xff, 0xff, 0xff}, FrameTooLarge},
		{"short header", []byte{0x00, 0x00}, TruncatedStream},
		{"short payload", []byte{0x00, 0x00, 0x00, 0x08, 'a', 'b'}, TruncatedStream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPair(t, DefaultConfig())

			s, err := p.epA.NewStream(context.Background(), peerB, protocol.DefaultID)
			require.NoError(t, err)
			_, err = s.Write(tt.raw)
			require.NoError(t, err)
			_ = s.Close()

			fail, ok := nextEvent(t, p.b).(InboundFailure)
			require.True(t, ok)
			assert.Equal(t, peerA, fail.Peer)
			assert.Equal(t, tt.kind, fail.Kind)
		})
	}
}

func TestOutboundFailsFastWithoutStream(t *testing.T) {
	p := newPair(t, Config{RequestTimeout: 5 * time.Second})
	p.network.Endpoint("mute")

	start := time.Now()
	id, err := p.a.SendRequest("nobody", []byte("x"))
	require.NoError(t, err)
	fail := nextEvent(t, p.a).(OutboundFailure)
	assert.Equal(t, id, fail.RequestID)
	assert.Equal(t, DialFailure, fail.Kind)
	assert.ErrorIs(t, fail, transport.ErrPeerUnreachable)

	id, err = p.a.SendRequest("mute", []byte("x"))
	require.NoError(t, err)
	fail = nextEvent(t, p.a).(OutboundFailure)
	assert.Equal(t, id, fail.RequestID)
	assert.Equal(t, UnsupportedProtocols, fail.Kind)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, p.a.PendingCount())
}

func TestCloseCancelsPending(t *testing.T) {
	p := newPair(t, DefaultConfig())

	var ids []message.RequestID
	for i := 0; i < 3; i++ {
		id, err := p.a.SendRequest(peerB, []byte("wait"))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, p.a.Close())
	require.NoError(t, p.a.Close())

	var cancelled []message.RequestID
	for ev := range p.a.Events() {
		fail, ok := ev.(OutboundFailure)
		require.True(t, ok, "unexpected event %#v", ev)
		assert.Equal(t, Cancelled, fail.Kind)
		assert.ErrorIs(t, fail, ErrCancelled)
		cancelled = append(cancelled, fail.RequestID)
	}
	assert.Equal(t, ids, cancelled)

	_, err := p.a.SendRequest(peerB, []byte("late"))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestCloseAbandonsUnansweredChannels(t *testing.T) {
	p := newPair(t, DefaultConfig())

	_, err := p.a.SendRequest(peerB, []byte("x"))
	require.NoError(t, err)
	req := nextEvent(t, p.b).(RequestReceived)

	require.NoError(t, p.b.Close())
	assert.False(t, req.Channel.IsOpen())
	assert.ErrorIs(t, p.b.SendResponse(req.Channel, []byte("late")), ErrChannelMisuse)

	var kinds []FailureKind
	for ev := range p.b.Events() {
		if fail, ok := ev.(InboundFailure); ok {
			kinds = append(kinds, fail.Kind)
		}
	}
	assert.Equal(t, []FailureKind{Cancelled}, kinds)

	fail := nextEvent(t, p.a).(OutboundFailure)
	assert.NotEqual(t, Timeout, fail.Kind)
}

func TestConcurrentRequestsResolveExactlyOnce(t *testing.T) {
	p := newPair(t, DefaultConfig())
	echo(p.b)

	const n = 50
	var wg sync.WaitGroup
	ids := make(chan message.RequestID, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := p.a.SendRequest(peerB, []byte{byte(i)})
			if err == nil {
				ids <- id
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	want := make(map[message.RequestID]bool)
	for id := range ids {
		want[id] = true
	}
	require.Len(t, want, n)

	for i := 0; i < n; i++ {
		resp, ok := nextEvent(t, p.a).(ResponseReceived)
		require.True(t, ok)
		require.True(t, want[resp.RequestID], "duplicate or unknown id %s", resp.RequestID)
		delete(want, resp.RequestID)
	}
	expectNoEvent(t, p.a, 50*time.Millisecond)
}

// Deadline timers firing while Close runs must neither lose nor duplicate a
// terminal event, on either side of the exchange.
func TestCloseDuringTimeoutsResolvesEveryRequestOnce(t *testing.T) {
	const (
		rounds   = 20
		requests = 50
	)
	cfg := DefaultConfig()
	cfg.RequestTimeout = 5 * time.Millisecond

	for round := 0; round < rounds; round++ {
		p := newPair(t, cfg)

		// The server answers, drops or ignores requests depending on the payload.
		received := make(map[message.RequestID]bool)
		inbound := make(map[message.RequestID]int)
		served := make(chan struct{})
		go func() {
			defer close(served)
			for ev := range p.b.Events() {
				switch ev := ev.(type) {
				case RequestReceived:
					received[ev.RequestID] = true
					switch ev.Request[0] % 3 {
					case 0:
						_ = p.b.SendResponse(ev.Channel, ev.Request)
					case 1:
						ev.Channel.Drop()
					}
				case ResponseSent:
					inbound[ev.RequestID]++
				case InboundFailure:
					inbound[ev.RequestID]++
				}
			}
		}()

		for i := 0; i < requests; i++ {
			_, err := p.a.SendRequest(peerB, []byte{byte(i)})
			require.NoError(t, err)
		}
		time.Sleep(time.Duration(rand.IntN(7)) * time.Millisecond)
		require.NoError(t, p.a.Close())

		outbound := make(map[message.RequestID]int)
		for ev := range p.a.Events() {
			switch ev := ev.(type) {
			case ResponseReceived:
				outbound[ev.RequestID]++
			case OutboundFailure:
				outbound[ev.RequestID]++
			}
		}
		for id := message.RequestID(1); id <= requests; id++ {
			require.Equal(t, 1, outbound[id], "round %d: outbound request %s", round, id)
		}

		require.NoError(t, p.b.Close())
		<-served
		for id := range received {
			require.Equal(t, 1, inbound[id], "round %d: inbound request %s", round, id)
		}
		for id, n := range inbound {
			require.Equal(t, 1, n, "round %d: inbound request %s", round, id)
		}
	}
}

func TestNewRejectsInvalidProtocolID(t *testing.T) {
	network := transport.NewMemoryNetwork()
	_, err := New(network.Endpoint(peerA), Config{ProtocolID: "no-slash"})
	assert.Error(t, err)
}

func TestFailureKindString(t *testing.T) {
	assert.Equal(t, "timeout", Timeout.String())
	assert.Equal(t, "response_omitted", ResponseOmitted.String())
	assert.Equal(t, "unsupported_protocols", UnsupportedProtocols.String())
	assert.Equal(t, "unknown", FailureKind(0).String())
}

func BenchmarkRoundTrip(b *testing.B) {
	network := transport.NewMemoryNetwork()
	client, _ := New(network.Endpoint(peerA), DefaultConfig())
	server, _ := New(network.Endpoint(peerB), DefaultConfig())
	defer client.Close()
	defer server.Close()
	echo(server)

	payload := []byte("benchmark payload")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := client.SendRequest(peerB, payload); err != nil {
			b.Fatal(err)
		}
		if _, ok := (<-client.Events()).(ResponseReceived); !ok {
			b.Fatal("expected response")
		}
	}
}
