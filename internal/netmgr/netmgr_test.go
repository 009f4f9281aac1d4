package netmgr

import (
	"context"
	"testing"

	"github.com/kuuji/linkmesh/internal/device"
	"github.com/kuuji/linkmesh/internal/relay"
	"github.com/kuuji/linkmesh/internal/transport"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
	"github.com/kuuji/linkmesh/internal/wireproto"
)

func fillKey(b byte) wgcrypto.Key {
	var k wgcrypto.Key
	for i := range k {
		k[i] = b
	}
	return k
}

func newTestManager(extras ...ExtraTransport) *Manager {
	return New(Config{
		Local:           wgcrypto.NewLocalSecret(fillKey(0x01)),
		ExtraTransports: extras,
	}, nil)
}

func TestAttemptsReturnsNilForUnknownPeer(t *testing.T) {
	m := newTestManager()
	if got := m.Attempts(fillKey(0x02)); got != nil {
		t.Fatalf("Attempts for unknown peer = %v, want nil", got)
	}
}

func TestAttemptsFiltersByAnnouncedProtocol(t *testing.T) {
	dialed := false
	et := ExtraTransport{
		Proto: "nat-tcp",
		Dial: func(ctx context.Context, hub *transport.Hub, remote string) (transport.Sender, error) {
			dialed = true
			if remote != "1.2.3.4:9000" {
				t.Fatalf("Dial got remote %q, want 1.2.3.4:9000", remote)
			}
			return nil, nil
		},
	}
	m := newTestManager(et, ExtraTransport{Proto: "nat-udp"})
	// Attempts' Dial closure calls m.dev.Hub(); a zero Device has a nil
	// hub, which this test's Dial ignores.
	m.dev = &device.Device{}

	key := fillKey(0x03)
	m.roster[key] = &peerRoster{extraEndpoints: map[string]string{"nat-tcp": "1.2.3.4:9000"}}

	attempts := m.Attempts(key)
	if len(attempts) != 1 {
		t.Fatalf("got %d attempts, want 1 (only nat-tcp was announced)", len(attempts))
	}
	if attempts[0].Proto != "nat-tcp" {
		t.Fatalf("attempt proto = %q, want nat-tcp", attempts[0].Proto)
	}
	if _, err := attempts[0].Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if !dialed {
		t.Fatal("expected underlying ExtraTransport.Dial to be invoked")
	}
}

func TestRequireReplyWithoutRelayConfiguredErrors(t *testing.T) {
	m := newTestManager()
	if _, err := m.RequireReply(context.Background(), fillKey(0x04)); err == nil {
		t.Fatal("expected error when no relay client is configured")
	}
}

func TestHandleUpdateExtraEndpointUpsertsRoster(t *testing.T) {
	m := newTestManager()
	key := fillKey(0x05)

	m.handleUpdateExtraEndpoint(wireproto.UpdateExtraEndpointBroadcast{
		PubKey:   wireproto.PubKey(key),
		Proto:    "nat-udp",
		Endpoint: "5.6.7.8:1234",
	})

	m.mu.RLock()
	r, ok := m.roster[key]
	m.mu.RUnlock()
	if !ok {
		t.Fatal("expected roster entry to be created")
	}
	if r.extraEndpoints["nat-udp"] != "5.6.7.8:1234" {
		t.Fatalf("extraEndpoints[nat-udp] = %q, want 5.6.7.8:1234", r.extraEndpoints["nat-udp"])
	}
}

func TestRelaySenderRoundTripsIdentity(t *testing.T) {
	client := relay.NewClient(relay.ClientConfig{
		ServerURL: "ws://127.0.0.1:0",
		Self:      wgcrypto.NewLocalSecret(fillKey(0x06)),
	})
	dst := fillKey(0x07)
	s := &relaySender{client: client, dst: dst}

	if s.Protocol() != "relay" {
		t.Fatalf("Protocol() = %q, want relay", s.Protocol())
	}
	if s.Dst() != dst.String() {
		t.Fatalf("Dst() = %q, want %q", s.Dst(), dst.String())
	}
	clone := s.CloneBox()
	if clone.Dst() != s.Dst() || clone.Protocol() != s.Protocol() {
		t.Fatal("CloneBox produced a sender with different identity")
	}
	// Not connected, so the underlying send must fail rather than panic.
	if err := s.Send(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected Send to fail on a disconnected relay client")
	}
}
