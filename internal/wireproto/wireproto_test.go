package wireproto

import (
	"bytes"
	"testing"
)

func fillPubKey(b byte) PubKey {
	var k PubKey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestToServerHandshakeRoundTrip(t *testing.T) {
	want := &ToServer{
		ID: 7,
		Data: Handshake{
			Version: 1,
			PubKey:  fillPubKey(0x11),
			Token:   "",
			Sign:    []byte("deadbeef"),
		},
	}

	raw, err := MarshalToServer(want)
	if err != nil {
		t.Fatalf("MarshalToServer: %v", err)
	}
	got, err := UnmarshalToServer(raw)
	if err != nil {
		t.Fatalf("UnmarshalToServer: %v", err)
	}

	if got.ID != want.ID {
		t.Fatalf("ID = %d, want %d", got.ID, want.ID)
	}
	hs, ok := got.Data.(Handshake)
	if !ok {
		t.Fatalf("Data type = %T, want Handshake", got.Data)
	}
	if hs.Version != 1 || hs.PubKey != want.Data.(Handshake).PubKey || !bytes.Equal(hs.Sign, []byte("deadbeef")) {
		t.Fatalf("Handshake round-trip mismatch: %+v", hs)
	}
}

func TestToServerPeerEnterRoundTrip(t *testing.T) {
	want := &ToServer{
		ID: 42,
		Data: PeerEnterReq{
			IP:           "10.10.0.5",
			EndpointAddr: "203.0.113.1:51820",
			Port:         51820,
			ExtraEndpoints: []ExtraEndpoint{
				{Proto: "nat-tcp", Endpoint: "203.0.113.1:9000"},
				{Proto: "relay", Endpoint: "relay.example.com"},
			},
		},
	}

	raw, err := MarshalToServer(want)
	if err != nil {
		t.Fatalf("MarshalToServer: %v", err)
	}
	got, err := UnmarshalToServer(raw)
	if err != nil {
		t.Fatalf("UnmarshalToServer: %v", err)
	}

	pe, ok := got.Data.(PeerEnterReq)
	if !ok {
		t.Fatalf("Data type = %T, want PeerEnterReq", got.Data)
	}
	if pe.IP != "10.10.0.5" || pe.Port != 51820 || len(pe.ExtraEndpoints) != 2 {
		t.Fatalf("PeerEnterReq round-trip mismatch: %+v", pe)
	}
	if pe.ExtraEndpoints[1].Proto != "relay" {
		t.Fatalf("ExtraEndpoints[1] = %+v, want proto relay", pe.ExtraEndpoints[1])
	}
}

func TestToClientRespConfigRoundTrip(t *testing.T) {
	want := &ToClient{
		ID: 42,
		Data: RespConfig{
			NetworkID:   9,
			IP:          "10.10.0.5",
			Netmask:     24,
			NetworkBase: "10.10.0.0",
			UDPPort:     51820,
			Peers: []PeerInfo{
				{PubKey: fillPubKey(0x22), IP: "10.10.0.6", IsOnline: true, Mode: ModeBidirectional},
			},
		},
	}

	raw, err := MarshalToClient(want)
	if err != nil {
		t.Fatalf("MarshalToClient: %v", err)
	}
	got, err := UnmarshalToClient(raw)
	if err != nil {
		t.Fatalf("UnmarshalToClient: %v", err)
	}

	rc, ok := got.Data.(RespConfig)
	if !ok {
		t.Fatalf("Data type = %T, want RespConfig", got.Data)
	}
	if rc.NetworkID != 9 || rc.IP != "10.10.0.5" || len(rc.Peers) != 1 {
		t.Fatalf("RespConfig round-trip mismatch: %+v", rc)
	}
	if rc.Peers[0].Mode != ModeBidirectional || !rc.Peers[0].IsOnline {
		t.Fatalf("RespConfig.Peers[0] = %+v", rc.Peers[0])
	}
}

func TestFrameRoundTrip(t *testing.T) {
	msg := &ToServer{ID: 1, Data: ReqConfig{}}
	raw, err := MarshalToServer(msg)
	if err != nil {
		t.Fatalf("MarshalToServer: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, raw); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("frame payload mismatch")
	}

	parsed, err := UnmarshalToServer(got)
	if err != nil {
		t.Fatalf("UnmarshalToServer: %v", err)
	}
	if _, ok := parsed.Data.(ReqConfig); !ok {
		t.Fatalf("Data type = %T, want ReqConfig", parsed.Data)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[0] = 0xFF // encodes a length far beyond MaxFrameSize
	buf.Write(lenBuf[:])

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}
