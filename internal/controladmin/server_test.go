package controladmin

import (
	"context"
	"testing"
)

func TestServerStartStopFetchStatus(t *testing.T) {
	t.Parallel()

	provider := func() Status {
		return Status{
			Hostname:      "test-node",
			Address:       "10.0.0.2/24",
			Server:        "headlink.example:9797",
			UptimeSeconds: 42.5,
			Peers: []PeerStatus{
				{
					PublicKey:      "abc123",
					IP:             "10.0.0.3",
					Online:         true,
					HandshakeAlive: true,
					Endpoint:       "203.0.113.5:51820",
					Protocol:       "udp4",
				},
			},
		}
	}

	srv := NewServer("127.0.0.1:0", provider, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop()

	addr := srv.listener.Addr().String()

	status, err := FetchStatus(context.Background(), addr)
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}

	if status.Hostname != "test-node" {
		t.Errorf("Hostname = %q, want test-node", status.Hostname)
	}
	if len(status.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(status.Peers))
	}
	if status.Peers[0].PublicKey != "abc123" {
		t.Errorf("Peers[0].PublicKey = %q, want abc123", status.Peers[0].PublicKey)
	}
	if !status.Peers[0].Online || !status.Peers[0].HandshakeAlive {
		t.Errorf("Peers[0] online/handshake = %v/%v, want true/true", status.Peers[0].Online, status.Peers[0].HandshakeAlive)
	}
}

func TestFetchStatusNoServer(t *testing.T) {
	t.Parallel()
	if _, err := FetchStatus(context.Background(), "127.0.0.1:1"); err == nil {
		t.Fatal("expected error when no server is listening")
	}
}
