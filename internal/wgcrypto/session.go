package wgcrypto

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kuuji/linkmesh/internal/replay"
)

// RejectAfterMessages is the hard cap on transport messages in one
// direction of a session (2^60, per the Noise/WireGuard handshake spec);
// the session must be rekeyed before this would be reached.
const RejectAfterMessages = 1 << 60

// RejectAfterTime bounds how long a session may carry traffic without a
// fresh handshake, independent of message count.
const RejectAfterTime = 180 * time.Second

// Session is one direction-paired set of transport keys produced by a
// completed handshake, plus the send counter and receive replay filter
// needed to use them safely.
type Session struct {
	LocalIndex  uint32
	RemoteIndex uint32

	sendKey [32]byte
	recvKey [32]byte

	sendCounter atomic.Uint64
	recvFilter  replay.Filter
}

// NewSession wraps the keys derived from Handshake.DeriveSessionKeys into a
// ready-to-use Session.
func NewSession(localIndex, remoteIndex uint32, sendKey, recvKey [32]byte) *Session {
	return &Session{
		LocalIndex:  localIndex,
		RemoteIndex: remoteIndex,
		sendKey:     sendKey,
		recvKey:     recvKey,
	}
}

// EncryptData seals plaintext (an IP packet read from the TUN device) into
// a transport-data wire message. It returns errSessionExpired once the send
// counter reaches RejectAfterMessages, signaling the caller to rekey.
func (s *Session) EncryptData(plaintext []byte) ([]byte, error) {
	counter := s.sendCounter.Add(1) - 1
	if counter >= RejectAfterMessages {
		return nil, errSessionExpired
	}

	header := TransportHeader{Receiver: s.RemoteIndex, Counter: counter}
	headerBytes := header.Marshal()

	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	aead, err := chacha20poly1305.New(s.sendKey[:])
	if err != nil {
		return nil, fmt.Errorf("building AEAD cipher: %w", err)
	}
	out := aead.Seal(headerBytes, nonce[:], plaintext, nil)
	return out, nil
}

// DecryptData opens a transport-data wire message, rejecting replayed or
// out-of-window counters via the session's replay filter.
func (s *Session) DecryptData(packet []byte) ([]byte, error) {
	header, err := ParseTransportHeader(packet)
	if err != nil {
		return nil, err
	}
	ciphertext := packet[MessageTransportHeaderSize:]

	if !s.recvFilter.CheckCounter(header.Counter) {
		return nil, errReplay
	}

	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], header.Counter)

	aead, err := chacha20poly1305.New(s.recvKey[:])
	if err != nil {
		return nil, fmt.Errorf("building AEAD cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting transport data: %w", err)
	}

	// Only mark the counter once the AEAD tag has verified: marking first
	// would let a forged packet with a valid future counter burn the slot
	// and cause the real packet to be dropped as a replay.
	s.recvFilter.MarkCounter(header.Counter)
	return plaintext, nil
}
