// Package wgcrypto implements the Noise_IKpsk2 handshake, per-session AEAD
// transport encryption, and cookie-based DoS mitigation that together make
// up linkmesh's WireGuard-compatible data plane (see spec §4.1–§4.3).
package wgcrypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length in bytes of a Curve25519 key or a pre-shared key.
const KeySize = 32

// Key is a 32-byte Curve25519 key (private, public, or pre-shared). Its
// string form is base64, matching WireGuard's `wg genkey`/`wg pubkey` output.
type Key [KeySize]byte

// GenerateKey generates a new random private key, clamped per RFC 7748 §5
// for use as a Curve25519 scalar.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generating random key: %w", err)
	}
	clampPrivateKey(&k)
	return k, nil
}

// GeneratePresharedKey generates a new random pre-shared key. Unlike a
// private key, a PSK is not clamped — it is used directly as IKM in the
// handshake's KDF, not as a Curve25519 scalar.
func GeneratePresharedKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generating random preshared key: %w", err)
	}
	return k, nil
}

// PublicKey derives the Curve25519 public key for a clamped private key.
func PublicKey(private Key) Key {
	var pub Key
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&private))
	return pub
}

// ParseKey decodes a base64-encoded key.
func ParseKey(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decoding base64 key: %w", err)
	}
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("invalid key length: got %d, want %d", len(b), KeySize)
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// String returns the base64 representation of the key.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// IsZero reports whether k is the zero value.
func (k Key) IsZero() bool {
	var zero Key
	return k == zero
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// clampPrivateKey applies the Curve25519 clamping from RFC 7748 §5.
func clampPrivateKey(k *Key) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// dh performs an X25519 Diffie-Hellman exchange.
func dh(priv, pub Key) (Key, error) {
	var out Key
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return Key{}, fmt.Errorf("x25519: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// LocalSecret holds this peer's long-term identity.
type LocalSecret struct {
	Private Key
	Public  Key
}

// NewLocalSecret derives the public key and wraps a private key.
func NewLocalSecret(private Key) LocalSecret {
	return LocalSecret{Private: private, Public: PublicKey(private)}
}

// PeerSecret holds what's needed to run a handshake with one remote peer:
// its static public key and an optional pre-shared key.
type PeerSecret struct {
	Public Key
	PSK    Key // zero value means "no PSK"
}
