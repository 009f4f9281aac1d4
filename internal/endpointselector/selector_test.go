package endpointselector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kuuji/linkmesh/internal/peer"
	"github.com/kuuji/linkmesh/internal/transport"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

// loopbackSender feeds whatever it's given straight into a peer's
// StageInbound, parsed by message type — a stand-in for a real socket, built
// only from peer's exported surface (InboundPacket, StageInbound,
// UpdateEndpoint).
type loopbackSender struct {
	to   *peer.Peer
	ctx  context.Context
	from transport.Sender
}

func (s *loopbackSender) Send(ctx context.Context, b []byte) error {
	pkt := peer.InboundPacket{Reply: s.from}
	switch b[0] {
	case wgcrypto.MessageInitiationType:
		msg, err := wgcrypto.ParseMessageInitiation(b)
		if err != nil {
			return err
		}
		pkt.Initiation = msg
	case wgcrypto.MessageResponseType:
		msg, err := wgcrypto.ParseMessageResponse(b)
		if err != nil {
			return err
		}
		pkt.Response = msg
	default:
		pkt.Transport = b
	}
	s.to.StageInbound(s.ctx, pkt)
	return nil
}

func (s *loopbackSender) Dst() string      { return "loopback" }
func (s *loopbackSender) Protocol() string { return "loopback" }
func (s *loopbackSender) CloneBox() transport.Sender {
	return &loopbackSender{to: s.to, ctx: s.ctx, from: s.from}
}

type fakeTun struct{}

func (fakeTun) WritePacket(b []byte) error { return nil }

func sequentialIndexAllocator() func() (uint32, error) {
	var next uint32
	return func() (uint32, error) {
		next++
		return next, nil
	}
}

func fillKey(b byte) wgcrypto.Key {
	var k wgcrypto.Key
	for i := range k {
		k[i] = b
	}
	return k
}

// onlinePeerPair runs two real peers to a completed handshake over a
// loopback transport by driving their actual Run loops, then returns both
// with peerA's endpoint cleared — "online, no endpoint" being exactly the
// state the endpoint selector is meant to act on.
func onlinePeerPair(t *testing.T) (ctx context.Context, cancel context.CancelFunc, peerA, peerB *peer.Peer) {
	t.Helper()
	ctx, cancel = context.WithCancel(context.Background())

	localA := wgcrypto.NewLocalSecret(fillKey(0x01))
	localB := wgcrypto.NewLocalSecret(fillKey(0x02))
	psk := fillKey(0x03)

	peerB = peer.New(peer.Config{
		Local:               localB,
		Remote:              wgcrypto.PeerSecret{Public: localA.Public, PSK: psk},
		Tun:                 fakeTun{},
		LocalIndexAllocator: sequentialIndexAllocator(),
	})
	peerA = peer.New(peer.Config{
		Local:               localA,
		Remote:              wgcrypto.PeerSecret{Public: localB.Public, PSK: psk},
		Tun:                 fakeTun{},
		LocalIndexAllocator: sequentialIndexAllocator(),
	})

	senderToB := &loopbackSender{to: peerB, ctx: ctx}
	senderToA := &loopbackSender{to: peerA, ctx: ctx}
	senderToB.from = senderToA
	senderToA.from = senderToB

	peerA.UpdateEndpoint(senderToB)
	peerB.UpdateEndpoint(senderToA)

	go peerA.Run(ctx)
	go peerB.Run(ctx)

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if peerA.IsOnline() && peerB.IsOnline() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !peerA.IsOnline() || !peerB.IsOnline() {
		t.Fatal("peers never completed handshake over loopback")
	}

	peerA.UpdateEndpoint(nil)
	return ctx, cancel, peerA, peerB
}

type recordingSender struct{ proto string }

func (r recordingSender) Send(ctx context.Context, b []byte) error { return nil }
func (r recordingSender) Dst() string                              { return "recorded" }
func (r recordingSender) Protocol() string                         { return r.proto }
func (r recordingSender) CloneBox() transport.Sender               { return r }

type staticSource struct{ attempts []Attempt }

func (s staticSource) Attempts(wgcrypto.Key) []Attempt { return s.attempts }

func TestTickSkipsWhenEndpointAlreadySet(t *testing.T) {
	ctx, cancel, peerA, _ := onlinePeerPair(t)
	defer cancel()

	calls := 0
	source := staticSource{attempts: []Attempt{{
		Proto: "direct-udp",
		Dial: func(ctx context.Context) (transport.Sender, error) {
			calls++
			return recordingSender{proto: "direct-udp"}, nil
		},
	}}}

	peerA.UpdateEndpoint(recordingSender{proto: "already-set"})
	sel := New(peerA, peerA.PublicKey(), source, nil, nil)
	sel.tick(ctx)

	if calls != 0 {
		t.Fatalf("expected no dial attempts when an endpoint is already set, got %d", calls)
	}
}

func TestTickTriesAttemptsInOrderThenStops(t *testing.T) {
	ctx, cancel, peerA, _ := onlinePeerPair(t)
	defer cancel()

	var order []string
	source := staticSource{attempts: []Attempt{
		{Proto: "nat-udp", Dial: func(ctx context.Context) (transport.Sender, error) {
			order = append(order, "nat-udp")
			return nil, errors.New("unreachable")
		}},
		{Proto: "nat-tcp", Dial: func(ctx context.Context) (transport.Sender, error) {
			order = append(order, "nat-tcp")
			return recordingSender{proto: "nat-tcp"}, nil
		}},
		{Proto: "direct-udp", Dial: func(ctx context.Context) (transport.Sender, error) {
			order = append(order, "direct-udp")
			return recordingSender{proto: "direct-udp"}, nil
		}},
	}}

	sel := New(peerA, peerA.PublicKey(), source, nil, nil)
	sel.tick(ctx)

	if len(order) != 2 || order[0] != "nat-udp" || order[1] != "nat-tcp" {
		t.Fatalf("attempt order = %v, want [nat-udp nat-tcp] (stop at first success)", order)
	}
	endpoint, ok := peerA.Endpoint()
	if !ok || endpoint.Protocol() != "nat-tcp" {
		t.Fatalf("expected endpoint=nat-tcp, got ok=%v proto=%v", ok, endpoint)
	}
}

type fakeRelay struct {
	called bool
	err    error
}

func (r *fakeRelay) RequireReply(ctx context.Context, pubKey wgcrypto.Key) (transport.Sender, error) {
	r.called = true
	if r.err != nil {
		return nil, r.err
	}
	return recordingSender{proto: "relay"}, nil
}

func TestTickFallsBackToRelayWhenAllAttemptsFail(t *testing.T) {
	ctx, cancel, peerA, _ := onlinePeerPair(t)
	defer cancel()

	source := staticSource{attempts: []Attempt{{
		Proto: "nat-udp",
		Dial:  func(ctx context.Context) (transport.Sender, error) { return nil, errors.New("unreachable") },
	}}}
	relay := &fakeRelay{}

	sel := New(peerA, peerA.PublicKey(), source, relay, nil)
	sel.tick(ctx)

	if !relay.called {
		t.Fatal("expected relay fallback to be invoked")
	}
	endpoint, ok := peerA.Endpoint()
	if !ok || endpoint.Protocol() != "relay" {
		t.Fatalf("expected endpoint=relay, got ok=%v proto=%v", ok, endpoint)
	}
}

func TestManagerWatchIsIdempotentAndForgetCancels(t *testing.T) {
	ctx, cancel, peerA, _ := onlinePeerPair(t)
	defer cancel()

	m := NewManager(staticSource{}, nil, nil)
	m.Watch(ctx, peerA, peerA.PublicKey())
	m.Watch(ctx, peerA, peerA.PublicKey()) // no-op: already watching

	m.mu.Lock()
	n := len(m.cancels)
	m.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one tracked selector, got %d", n)
	}

	m.Forget(peerA.PublicKey())
	m.mu.Lock()
	n = len(m.cancels)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected Forget to remove the tracked selector, got %d remaining", n)
	}
}
