package wgcrypto

import "testing"

func fillKey(b byte) Key {
	var k Key
	for i := range k {
		k[i] = b
	}
	return k
}

// TestHandshakeRoundTrip runs the literal scenario: two peers with fixed
// static keys (all-0x01 and all-0x02), PSK all-0x03. Peer1 initiates with
// sender_index=42; Peer2 responds with sender_index=88; Peer1 consumes the
// response. The two sides' session keys must be crosswise equal.
func TestHandshakeRoundTrip(t *testing.T) {
	staticA := fillKey(0x01)
	staticB := fillKey(0x02)
	psk := fillKey(0x03)

	localA := NewLocalSecret(staticA)
	localB := NewLocalSecret(staticB)

	peerBAsSeenByA := PeerSecret{Public: localB.Public, PSK: psk}
	peerAAsSeenByB := PeerSecret{Public: localA.Public, PSK: psk}

	hsA := NewInitiatorHandshake(localA, peerBAsSeenByA, 42)
	initiation, err := hsA.CreateInitiation()
	if err != nil {
		t.Fatalf("CreateInitiation: %v", err)
	}
	wire := initiation.Marshal()
	if len(wire) != MessageInitiationSize {
		t.Fatalf("initiation size = %d, want %d", len(wire), MessageInitiationSize)
	}

	parsed, err := ParseMessageInitiation(wire)
	if err != nil {
		t.Fatalf("ParseMessageInitiation: %v", err)
	}
	if !VerifyMAC1(wire, localB.Public) {
		t.Fatal("MAC1 failed to verify against responder's static key")
	}

	hsB := NewResponderHandshake(localB, 88)
	remoteStatic, err := hsB.ConsumeInitiation(parsed)
	if err != nil {
		t.Fatalf("ConsumeInitiation: %v", err)
	}
	if remoteStatic != localA.Public {
		t.Fatalf("responder recovered wrong initiator static key")
	}

	response, err := hsB.CreateResponse(peerAAsSeenByB)
	if err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	responseWire := response.Marshal()
	if len(responseWire) != MessageResponseSize {
		t.Fatalf("response size = %d, want %d", len(responseWire), MessageResponseSize)
	}

	parsedResponse, err := ParseMessageResponse(responseWire)
	if err != nil {
		t.Fatalf("ParseMessageResponse: %v", err)
	}
	if err := hsA.ConsumeResponse(parsedResponse); err != nil {
		t.Fatalf("ConsumeResponse: %v", err)
	}

	sendA, recvA := hsA.DeriveSessionKeys(true)
	sendB, recvB := hsB.DeriveSessionKeys(false)

	if sendA != recvB {
		t.Fatal("initiator send key != responder recv key")
	}
	if recvA != sendB {
		t.Fatal("initiator recv key != responder send key")
	}

	sessionA := NewSession(hsA.LocalIndex, hsA.RemoteIndex, sendA, recvA)
	sessionB := NewSession(hsB.LocalIndex, hsB.RemoteIndex, sendB, recvB)
	if sessionA.RemoteIndex != 88 {
		t.Fatalf("session A remote index = %d, want 88", sessionA.RemoteIndex)
	}
	if sessionB.RemoteIndex != 42 {
		t.Fatalf("session B remote index = %d, want 42", sessionB.RemoteIndex)
	}

	plaintext := []byte("hello over the tunnel")
	ciphertext, err := sessionA.EncryptData(plaintext)
	if err != nil {
		t.Fatalf("EncryptData: %v", err)
	}
	got, err := sessionB.DecryptData(ciphertext)
	if err != nil {
		t.Fatalf("DecryptData: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round-tripped plaintext = %q, want %q", got, plaintext)
	}
}

func TestHandshakeRejectsWrongStaticKey(t *testing.T) {
	staticA := fillKey(0x01)
	staticB := fillKey(0x02)
	staticC := fillKey(0x04)

	localA := NewLocalSecret(staticA)
	localB := NewLocalSecret(staticB)
	localC := NewLocalSecret(staticC)

	hsA := NewInitiatorHandshake(localA, PeerSecret{Public: localB.Public}, 1)
	initiation, err := hsA.CreateInitiation()
	if err != nil {
		t.Fatalf("CreateInitiation: %v", err)
	}

	if VerifyMAC1(initiation.Marshal(), localC.Public) {
		t.Fatal("MAC1 verified against the wrong recipient static key")
	}

	hsC := NewResponderHandshake(localC, 2)
	if _, err := hsC.ConsumeInitiation(initiation); err == nil {
		t.Fatal("expected ConsumeInitiation to fail when addressed to the wrong static key")
	}
}

func TestSessionReplayRejected(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	sender := NewSession(1, 2, key, key)
	recipient := NewSession(2, 1, key, key)

	ciphertext, err := sender.EncryptData([]byte("packet one"))
	if err != nil {
		t.Fatalf("EncryptData: %v", err)
	}
	if _, err := recipient.DecryptData(ciphertext); err != nil {
		t.Fatalf("first DecryptData: %v", err)
	}
	if _, err := recipient.DecryptData(ciphertext); err == nil {
		t.Fatal("expected replayed packet to be rejected")
	}
}
