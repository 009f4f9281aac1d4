package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(nil)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func newTestClient(t *testing.T, url string) (*Client, wgcrypto.LocalSecret) {
	t.Helper()
	priv, err := wgcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	self := wgcrypto.NewLocalSecret(priv)
	c := NewClient(ClientConfig{ServerURL: url, Self: self})
	return c, self
}

func receivePacket(t *testing.T, ch <-chan Packet, timeout time.Duration) Packet {
	t.Helper()
	select {
	case pkt, ok := <-ch:
		if !ok {
			t.Fatal("packet channel closed unexpectedly")
		}
		return pkt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for packet")
		return Packet{}
	}
}

func expectNoPacket(t *testing.T, ch <-chan Packet, d time.Duration) {
	t.Helper()
	select {
	case pkt := <-ch:
		t.Fatalf("unexpected packet: %+v", pkt)
	case <-time.After(d):
	}
}

func TestServer_ForwardsPacketByDestinationKey(t *testing.T) {
	t.Parallel()

	_, url := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientA, secretA := newTestClient(t, url)
	if err := clientA.Connect(ctx); err != nil {
		t.Fatalf("clientA.Connect() error: %v", err)
	}
	defer clientA.Close()

	clientB, secretB := newTestClient(t, url)
	if err := clientB.Connect(ctx); err != nil {
		t.Fatalf("clientB.Connect() error: %v", err)
	}
	defer clientB.Close()

	// Give both connections a moment to register with the server.
	time.Sleep(100 * time.Millisecond)

	payload := []byte("hello from A")
	if err := clientA.SendPacket(ctx, secretB.Public, payload); err != nil {
		t.Fatalf("SendPacket() error: %v", err)
	}

	pkt := receivePacket(t, clientB.Messages(), 2*time.Second)
	if pkt.From != secretA.Public {
		t.Errorf("expected From %v, got %v", secretA.Public, pkt.From)
	}
	if string(pkt.Data) != string(payload) {
		t.Errorf("expected payload %q, got %q", payload, pkt.Data)
	}
}

func TestServer_DropsPacketForUnknownDestination(t *testing.T) {
	t.Parallel()

	_, url := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientA, _ := newTestClient(t, url)
	if err := clientA.Connect(ctx); err != nil {
		t.Fatalf("clientA.Connect() error: %v", err)
	}
	defer clientA.Close()

	time.Sleep(100 * time.Millisecond)

	unknownPriv, err := wgcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	unknown := wgcrypto.NewLocalSecret(unknownPriv)

	// Sending to a key nobody has connected with should not error (the
	// server just drops it), and clientA itself receives nothing back.
	if err := clientA.SendPacket(ctx, unknown.Public, []byte("nobody home")); err != nil {
		t.Fatalf("SendPacket() error: %v", err)
	}
	expectNoPacket(t, clientA.Messages(), 200*time.Millisecond)
}

func TestParseBearerKey(t *testing.T) {
	t.Parallel()

	priv, err := wgcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	key := wgcrypto.NewLocalSecret(priv).Public

	c := &Client{cfg: ClientConfig{Self: wgcrypto.NewLocalSecret(priv)}}
	got, ok := parseBearerKey("Bearer " + c.authToken())
	if !ok {
		t.Fatal("expected a valid bearer header to parse")
	}
	if got != key {
		t.Errorf("expected key %v, got %v", key, got)
	}

	for _, header := range []string{"", "Bearer", "Basic abcd", "Bearer not-base64!!"} {
		if _, ok := parseBearerKey(header); ok {
			t.Errorf("expected header %q to be rejected", header)
		}
	}
}

func TestClient_Reconnect(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil)
	hs := httptest.NewServer(srv)
	url := "ws" + strings.TrimPrefix(hs.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, _ := newTestClient(t, url)
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	time.Sleep(100 * time.Millisecond)

	// Force-close every peer connection; the client's receive loop should
	// notice the read error and start reconnecting rather than exiting.
	srv.Close()
	hs.Close()

	select {
	case <-client.done:
		t.Fatal("receive loop exited instead of reconnecting")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClient_SendWithoutConnect(t *testing.T) {
	t.Parallel()

	priv, err := wgcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	dst := wgcrypto.NewLocalSecret(priv).Public

	c := NewClient(ClientConfig{ServerURL: "ws://127.0.0.1:1/bogus"})
	if err := c.SendPacket(context.Background(), dst, []byte("x")); err == nil {
		t.Fatal("expected error sending without connection, got nil")
	}
}

func TestBuildAndParseFrame(t *testing.T) {
	t.Parallel()

	priv, err := wgcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	key := wgcrypto.NewLocalSecret(priv).Public

	frame := buildFrame(key, []byte("payload"))
	pkt, err := parseFrame(frame)
	if err != nil {
		t.Fatalf("parseFrame() error: %v", err)
	}
	if pkt.From != key {
		t.Errorf("expected From %v, got %v", key, pkt.From)
	}
	if string(pkt.Data) != "payload" {
		t.Errorf("expected payload %q, got %q", "payload", pkt.Data)
	}
}

func TestParseFrame_TooShort(t *testing.T) {
	t.Parallel()

	if _, err := parseFrame([]byte("short")); err == nil {
		t.Fatal("expected error parsing a frame shorter than the header, got nil")
	}
}
