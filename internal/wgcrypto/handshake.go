package wgcrypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"
)

// RekeyAttemptTime bounds how long an initiator retries a handshake before
// giving up, per spec §4.4.
const RekeyAttemptTime = 90 * time.Second

// RekeyTimeout is the minimum idle period before a new handshake may be
// initiated for an existing session.
const RekeyTimeout = 5 * time.Second

// State tracks where a Handshake is in the Noise_IKpsk2 exchange.
type State int

const (
	StateZero State = iota
	StateInitiationCreated
	StateInitiationConsumed
	StateResponseCreated
	StateResponseConsumed
)

// Handshake holds the mutable transcript state for one in-progress
// Noise_IKpsk2 exchange between this peer and one remote. A Handshake is
// discarded once it reaches StateResponseConsumed (initiator) or
// StateResponseCreated (responder) and session keys are derived — it is not
// reused across handshakes.
type Handshake struct {
	State State

	LocalIndex  uint32
	RemoteIndex uint32

	localEphemeralPriv Key
	localEphemeralPub  Key
	remoteEphemeralPub Key

	chainKey chainKey
	hash     hashValue

	local  LocalSecret
	remote PeerSecret

	lastReceivedTimestamp [12]byte

	presharedKey Key
}

// NewInitiatorHandshake begins a handshake this side will initiate, against
// a known remote peer.
func NewInitiatorHandshake(local LocalSecret, remote PeerSecret, localIndex uint32) *Handshake {
	return &Handshake{
		local:      local,
		remote:     remote,
		LocalIndex: localIndex,
	}
}

// CreateInitiation produces the 148-byte first handshake message. h must be
// fresh (State == StateZero).
func (h *Handshake) CreateInitiation() (*MessageInitiation, error) {
	if h.State != StateZero {
		return nil, fmt.Errorf("wgcrypto: CreateInitiation called on handshake in state %d", h.State)
	}

	ephPriv, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	h.localEphemeralPriv = ephPriv
	h.localEphemeralPub = PublicKey(ephPriv)

	ck, hv := initialChainKeyAndHash(h.remote.Public)
	hv = mixHash(hv, h.localEphemeralPub[:])
	ck = mixKey(ck, h.localEphemeralPub[:])

	dhEphStatic, err := dh(h.localEphemeralPriv, h.remote.Public)
	if err != nil {
		return nil, fmt.Errorf("dh(e_priv, s_pub_r): %w", err)
	}
	var k1 [32]byte
	ck, k1 = splitKDF2(ck, dhEphStatic[:])

	staticCipher, err := aeadSeal(k1, h.local.Public[:], hv[:])
	if err != nil {
		return nil, fmt.Errorf("encrypting static key: %w", err)
	}
	hv = mixHash(hv, staticCipher)

	dhStaticStatic, err := dh(h.local.Private, h.remote.Public)
	if err != nil {
		return nil, fmt.Errorf("dh(s_priv_i, s_pub_r): %w", err)
	}
	var k2 [32]byte
	ck, k2 = splitKDF2(ck, dhStaticStatic[:])

	ts := tai64nNow()
	tsCipher, err := aeadSeal(k2, ts[:], hv[:])
	if err != nil {
		return nil, fmt.Errorf("encrypting timestamp: %w", err)
	}
	hv = mixHash(hv, tsCipher)

	h.chainKey = ck
	h.hash = hv
	h.State = StateInitiationCreated

	msg := &MessageInitiation{
		Sender:    h.LocalIndex,
		Ephemeral: h.localEphemeralPub,
	}
	copy(msg.Static[:], staticCipher)
	copy(msg.Timestamp[:], tsCipher)
	setMAC1(msg, h.remote.Public)
	// MAC2 left zero unless the caller attaches a cookie (see cookie.go).

	return msg, nil
}

// NewResponderHandshake allocates an empty responder-side handshake, ready
// to ConsumeInitiation into.
func NewResponderHandshake(local LocalSecret, localIndex uint32) *Handshake {
	return &Handshake{local: local, LocalIndex: localIndex}
}

// ConsumeInitiation processes an initiation message addressed to local,
// returning the initiator's static public key so the caller can look up (or
// reject) that peer before producing a response.
func (h *Handshake) ConsumeInitiation(msg *MessageInitiation) (remoteStatic Key, err error) {
	if h.State != StateZero {
		return Key{}, fmt.Errorf("wgcrypto: ConsumeInitiation called on handshake in state %d", h.State)
	}

	ck, hv := initialChainKeyAndHash(h.local.Public)
	hv = mixHash(hv, msg.Ephemeral[:])
	ck = mixKey(ck, msg.Ephemeral[:])

	dhEphStatic, err := dh(h.local.Private, msg.Ephemeral)
	if err != nil {
		return Key{}, fmt.Errorf("dh(s_priv_r, e_pub_i): %w", err)
	}
	var k1 [32]byte
	ck, k1 = splitKDF2(ck, dhEphStatic[:])

	staticPlain, err := aeadOpen(k1, msg.Static[:], hv[:])
	if err != nil {
		return Key{}, errDecryptStatic
	}
	hv = mixHash(hv, msg.Static[:])
	copy(remoteStatic[:], staticPlain)

	dhStaticStatic, err := dh(h.local.Private, remoteStatic)
	if err != nil {
		return Key{}, fmt.Errorf("dh(s_priv_r, s_pub_i): %w", err)
	}
	var k2 [32]byte
	ck, k2 = splitKDF2(ck, dhStaticStatic[:])

	tsPlain, err := aeadOpen(k2, msg.Timestamp[:], hv[:])
	if err != nil {
		return Key{}, errDecryptTimestamp
	}
	hv = mixHash(hv, msg.Timestamp[:])

	var ts [12]byte
	copy(ts[:], tsPlain)
	if !tai64nAfter(ts, h.lastReceivedTimestamp) {
		return Key{}, errStaleHandshake
	}

	h.chainKey = ck
	h.hash = hv
	h.remoteEphemeralPub = msg.Ephemeral
	h.RemoteIndex = msg.Sender
	h.lastReceivedTimestamp = ts
	h.State = StateInitiationConsumed

	return remoteStatic, nil
}

// CreateResponse produces the 92-byte second handshake message. remote must
// be set (the caller looks up the peer by the static key ConsumeInitiation
// returned and assigns it here) before calling.
func (h *Handshake) CreateResponse(remote PeerSecret) (*MessageResponse, error) {
	if h.State != StateInitiationConsumed {
		return nil, fmt.Errorf("wgcrypto: CreateResponse called on handshake in state %d", h.State)
	}
	h.remote = remote

	ephPriv, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	h.localEphemeralPriv = ephPriv
	h.localEphemeralPub = PublicKey(ephPriv)

	ck := mixKey(h.chainKey, h.localEphemeralPub[:])
	hv := mixHash(h.hash, h.localEphemeralPub[:])

	dhEE, err := dh(h.localEphemeralPriv, h.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("dh(e_priv_r, e_pub_i): %w", err)
	}
	ck = mixKey(ck, dhEE[:])

	dhES, err := dh(h.localEphemeralPriv, remote.Public)
	if err != nil {
		return nil, fmt.Errorf("dh(e_priv_r, s_pub_i): %w", err)
	}
	ck = mixKey(ck, dhES[:])

	ck, hv, key := mixPSK(ck, hv, remote.PSK)

	emptyCipher, err := aeadSeal(key, nil, hv[:])
	if err != nil {
		return nil, fmt.Errorf("encrypting empty payload: %w", err)
	}
	hv = mixHash(hv, emptyCipher)

	h.chainKey = ck
	h.hash = hv
	h.State = StateResponseCreated

	msg := &MessageResponse{
		Sender:    h.LocalIndex,
		Receiver:  h.RemoteIndex,
		Ephemeral: h.localEphemeralPub,
	}
	copy(msg.Empty[:], emptyCipher)
	setResponseMAC1(msg, h.remote.Public)

	return msg, nil
}

// ConsumeResponse processes the responder's message on the initiator side.
func (h *Handshake) ConsumeResponse(msg *MessageResponse) error {
	if h.State != StateInitiationCreated {
		return fmt.Errorf("wgcrypto: ConsumeResponse called on handshake in state %d", h.State)
	}

	ck := mixKey(h.chainKey, msg.Ephemeral[:])
	hv := mixHash(h.hash, msg.Ephemeral[:])

	dhEE, err := dh(h.localEphemeralPriv, msg.Ephemeral)
	if err != nil {
		return fmt.Errorf("dh(e_priv_i, e_pub_r): %w", err)
	}
	ck = mixKey(ck, dhEE[:])

	dhSE, err := dh(h.local.Private, msg.Ephemeral)
	if err != nil {
		return fmt.Errorf("dh(s_priv_i, e_pub_r): %w", err)
	}
	ck = mixKey(ck, dhSE[:])

	ck, hv, key := mixPSK(ck, hv, h.remote.PSK)

	if _, err := aeadOpen(key, msg.Empty[:], hv[:]); err != nil {
		return errDecryptEmpty
	}
	hv = mixHash(hv, msg.Empty[:])

	h.chainKey = ck
	h.hash = hv
	h.remoteEphemeralPub = msg.Ephemeral
	h.RemoteIndex = msg.Sender
	h.State = StateResponseConsumed

	return nil
}

// DeriveSessionKeys produces the pair of transport keys from a completed
// handshake (State == StateResponseCreated or StateResponseConsumed).
// isInitiator determines which of the two derived keys is used for sending
// versus receiving, so that the initiator's send key equals the responder's
// receive key and vice versa.
func (h *Handshake) DeriveSessionKeys(isInitiator bool) (sendKey, recvKey [32]byte) {
	t1, t2 := kdf2(h.chainKey, nil)
	if isInitiator {
		return t2, t1
	}
	return t1, t2
}

// splitKDF2 runs kdf2 and returns (new chain key, derived key) — the shape
// every handshake step but the PSK mix needs.
func splitKDF2(ck chainKey, input []byte) (chainKey, [32]byte) {
	t1, t2 := kdf2(ck, input)
	return chainKey(t1), t2
}

func setMAC1(msg *MessageInitiation, remoteStatic Key) {
	key := macKey(remoteStatic)
	msg.MAC1 = blake2sMAC(key[:], msg.bytesBeforeMAC1())
}

func setResponseMAC1(msg *MessageResponse, remoteStatic Key) {
	key := macKey(remoteStatic)
	msg.MAC1 = blake2sMAC(key[:], msg.bytesBeforeMAC1())
}

// macKey derives the MAC1 key: HASH(LABEL_MAC1 || recipient_static_pubkey).
func macKey(recipientStatic Key) [32]byte {
	return blake2sHash(labelMAC1, recipientStatic[:])
}

// VerifyMAC1 validates the MAC1 field of a raw initiation or response
// packet against the local static public key. Caller must do this before
// any decryption work — it's the first DoS-mitigation gate (spec §4.3).
func VerifyMAC1(raw []byte, localStatic Key) bool {
	if len(raw) < 32 {
		return false
	}
	var beforeMAC1, mac1 []byte
	switch raw[0] {
	case MessageInitiationType:
		beforeMAC1 = raw[:MessageInitiationSize-32]
		mac1 = raw[MessageInitiationSize-32 : MessageInitiationSize-16]
	case MessageResponseType:
		beforeMAC1 = raw[:MessageResponseSize-32]
		mac1 = raw[MessageResponseSize-32 : MessageResponseSize-16]
	default:
		return false
	}
	key := macKey(localStatic)
	want := blake2sMAC(key[:], beforeMAC1)
	return subtle.ConstantTimeCompare(want[:], mac1) == 1
}

// RandomIndex generates a random 32-bit local session index. Callers (the
// peer registry) are responsible for retrying on collision with an index
// already in use.
func RandomIndex() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}
