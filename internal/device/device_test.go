package device

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/linkmesh/internal/transport"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

// loopbackSender feeds Send calls straight into a Device's hub, the same
// shape as endpointselector's test-local sender but targeting a *Device
// instead of a *peer.Peer directly, since the dispatcher is what's under
// test here.
type loopbackSender struct {
	to   *Device
	ctx  context.Context
	addr string
	from transport.Sender
}

func (s *loopbackSender) Send(ctx context.Context, b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	return s.to.hub.Publish(s.ctx, transport.Inbound{Data: cp, Reply: s.from})
}

func (s *loopbackSender) Dst() string      { return s.addr }
func (s *loopbackSender) Protocol() string { return "loopback" }
func (s *loopbackSender) CloneBox() transport.Sender {
	return &loopbackSender{to: s.to, ctx: s.ctx, addr: s.addr, from: s.from}
}

type fakeTun struct {
	written chan []byte
}

func newFakeTun() *fakeTun { return &fakeTun{written: make(chan []byte, 16)} }

// ReadPacket errors immediately — every test here drives the inbound path
// directly by publishing to the hub or running inboundLoop on its own, never
// Device.Run, so outboundLoop is never exercised against this fake.
func (f *fakeTun) ReadPacket() ([]byte, error) { return nil, errNotImplemented }
func (f *fakeTun) WritePacket(b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.written <- cp
	return nil
}
func (f *fakeTun) Close() error { return nil }

type notImplementedErr struct{}

func (notImplementedErr) Error() string { return "fakeTun: ReadPacket not implemented" }

var errNotImplemented = notImplementedErr{}

func fillKey(b byte) wgcrypto.Key {
	var k wgcrypto.Key
	for i := range k {
		k[i] = b
	}
	return k
}

// twoDevices wires up two Devices, each with the other registered as its
// sole peer, and connects their transports with loopback senders so a real
// handshake can run dispatcher-to-dispatcher.
func twoDevices(t *testing.T) (ctx context.Context, cancel context.CancelFunc, a, b *Device) {
	t.Helper()
	ctx, cancel = context.WithCancel(context.Background())

	localA := wgcrypto.NewLocalSecret(fillKey(0x11))
	localB := wgcrypto.NewLocalSecret(fillKey(0x22))
	psk := fillKey(0x33)

	prefixA := netip.MustParsePrefix("10.10.0.1/32")
	prefixB := netip.MustParsePrefix("10.10.0.2/32")

	a = New(Config{
		Local: localA,
		Tun:   newFakeTun(),
		Self:  netip.MustParseAddr("10.10.0.1"),
		Peers: []PeerConfig{{Remote: wgcrypto.PeerSecret{Public: localB.Public, PSK: psk}, AllowedIPs: []netip.Prefix{prefixB}}},
	})
	b = New(Config{
		Local: localB,
		Tun:   newFakeTun(),
		Self:  netip.MustParseAddr("10.10.0.2"),
		Peers: []PeerConfig{{Remote: wgcrypto.PeerSecret{Public: localA.Public, PSK: psk}, AllowedIPs: []netip.Prefix{prefixA}}},
	})

	senderToB := &loopbackSender{to: b, ctx: ctx, addr: "peerA"}
	senderToA := &loopbackSender{to: a, ctx: ctx, addr: "peerB"}
	senderToB.from = senderToA
	senderToA.from = senderToB

	peerAOnA, _ := a.GetPeerByKey(localB.Public)
	peerBOnB, _ := b.GetPeerByKey(localA.Public)
	peerAOnA.UpdateEndpoint(senderToB)
	peerBOnB.UpdateEndpoint(senderToA)

	go a.inboundLoop(ctx)
	go b.inboundLoop(ctx)
	go peerAOnA.Run(ctx)
	go peerBOnB.Run(ctx)

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if peerAOnA.IsOnline() && peerBOnB.IsOnline() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !peerAOnA.IsOnline() || !peerBOnB.IsOnline() {
		t.Fatal("peers never completed handshake through the device dispatchers")
	}
	return ctx, cancel, a, b
}

func TestDispatchRoutesInitiationToCorrectPeerByStaticKey(t *testing.T) {
	_, cancel, a, b := twoDevices(t)
	defer cancel()

	if _, ok := a.GetPeerByKey(b.local.Public); !ok {
		t.Fatal("device a should have resolved its peer by static key during the handshake")
	}
}

func mustPeerKey(d *Device) wgcrypto.Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for k := range d.byKey {
		return k
	}
	return wgcrypto.Key{}
}

func TestGetPeerByIPPrefersLongestPrefixMatch(t *testing.T) {
	key := fillKey(0x44)
	d := New(Config{
		Local: wgcrypto.NewLocalSecret(fillKey(0x55)),
		Tun:   newFakeTun(),
		Self:  netip.MustParseAddr("10.0.0.1"),
		Peers: []PeerConfig{
			{
				Remote:     wgcrypto.PeerSecret{Public: fillKey(0x45)},
				AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
			},
			{
				Remote:     wgcrypto.PeerSecret{Public: key},
				AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.42/32")},
			},
		},
	})

	p, ok := d.GetPeerByIP(netip.MustParseAddr("10.0.0.42"))
	if !ok {
		t.Fatal("expected a matching peer")
	}
	want, _ := d.GetPeerByKey(key)
	if p != want {
		t.Fatal("GetPeerByIP did not return the registered peer")
	}
}

func TestGetPeerByIPNoMatch(t *testing.T) {
	d := New(Config{
		Local: wgcrypto.NewLocalSecret(fillKey(0x66)),
		Tun:   newFakeTun(),
		Self:  netip.MustParseAddr("10.0.0.1"),
	})
	if _, ok := d.GetPeerByIP(netip.MustParseAddr("192.168.1.1")); ok {
		t.Fatal("expected no match against an empty registry")
	}
}

func TestInsertPeerAllocatesIndicesThroughDeviceRegistry(t *testing.T) {
	d := New(Config{
		Local: wgcrypto.NewLocalSecret(fillKey(0x77)),
		Tun:   newFakeTun(),
		Self:  netip.MustParseAddr("10.0.0.1"),
	})
	p := d.InsertPeer(PeerConfig{Remote: wgcrypto.PeerSecret{Public: fillKey(0x88)}})

	idx, err := d.allocIndexFor(p)()
	if err != nil {
		t.Fatalf("allocIndexFor: %v", err)
	}
	got, ok := d.GetPeerBySessionIndex(idx)
	if !ok || got != p {
		t.Fatal("expected the allocated index to resolve back to the same peer")
	}
}

func TestResetPeersClearsPriorRegistrations(t *testing.T) {
	key := fillKey(0x99)
	d := New(Config{
		Local: wgcrypto.NewLocalSecret(fillKey(0xaa)),
		Tun:   newFakeTun(),
		Self:  netip.MustParseAddr("10.0.0.1"),
		Peers: []PeerConfig{{Remote: wgcrypto.PeerSecret{Public: key}}},
	})
	if _, ok := d.GetPeerByKey(key); !ok {
		t.Fatal("expected initial peer to be registered")
	}

	d.ResetPeers(nil)
	if _, ok := d.GetPeerByKey(key); ok {
		t.Fatal("expected ResetPeers to remove the prior registration")
	}
}
