package controlclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
	"github.com/kuuji/linkmesh/internal/wireproto"
)

// fakeServer accepts exactly one connection, runs the handshake sequence,
// then replies to a ReqConfig with a RespConfig carrying the same id.
func fakeServer(t *testing.T, ln net.Listener, serverSecret wgcrypto.LocalSecret) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	info := &wireproto.ToClient{ID: 0, Data: wireproto.RespServerInfo{PubKey: wireproto.PubKey(serverSecret.Public), Version: 1}}
	raw, err := wireproto.MarshalToClient(info)
	if err != nil {
		t.Errorf("marshal server info: %v", err)
		return
	}
	if err := wireproto.WriteFrame(conn, raw); err != nil {
		t.Errorf("write server info: %v", err)
		return
	}

	hsFrame, err := wireproto.ReadFrame(conn)
	if err != nil {
		t.Errorf("read handshake: %v", err)
		return
	}
	hsMsg, err := wireproto.UnmarshalToServer(hsFrame)
	if err != nil {
		t.Errorf("unmarshal handshake: %v", err)
		return
	}
	if _, ok := hsMsg.Data.(wireproto.Handshake); !ok {
		t.Errorf("expected Handshake, got %T", hsMsg.Data)
		return
	}

	resp := &wireproto.ToClient{ID: 0, Data: wireproto.RespHandshake{Success: true}}
	respRaw, err := wireproto.MarshalToClient(resp)
	if err != nil {
		t.Errorf("marshal handshake response: %v", err)
		return
	}
	if err := wireproto.WriteFrame(conn, respRaw); err != nil {
		t.Errorf("write handshake response: %v", err)
		return
	}

	reqFrame, err := wireproto.ReadFrame(conn)
	if err != nil {
		t.Errorf("read req config: %v", err)
		return
	}
	reqMsg, err := wireproto.UnmarshalToServer(reqFrame)
	if err != nil {
		t.Errorf("unmarshal req config: %v", err)
		return
	}

	cfgResp := &wireproto.ToClient{
		ID:   reqMsg.ID,
		Data: wireproto.RespConfig{NetworkID: 5, IP: "10.0.0.2", Netmask: 24},
	}
	cfgRaw, err := wireproto.MarshalToClient(cfgResp)
	if err != nil {
		t.Errorf("marshal resp config: %v", err)
		return
	}
	_ = wireproto.WriteFrame(conn, cfgRaw)
}

func TestClientHandshakeAndRequest(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverSecret := wgcrypto.NewLocalSecret(fillKey(0x09))
	go fakeServer(t, ln, serverSecret)

	clientSecret := wgcrypto.NewLocalSecret(fillKey(0x07))
	c := NewClient(Config{
		ServerAddr: ln.Addr().String(),
		Local:      clientSecret,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	respData, err := c.Request(ctx, wireproto.ReqConfig{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	cfg, ok := respData.(wireproto.RespConfig)
	if !ok {
		t.Fatalf("response type = %T, want RespConfig", respData)
	}
	if cfg.NetworkID != 5 || cfg.IP != "10.0.0.2" {
		t.Fatalf("RespConfig = %+v", cfg)
	}
}

func fillKey(b byte) wgcrypto.Key {
	var k wgcrypto.Key
	for i := range k {
		k[i] = b
	}
	return k
}
