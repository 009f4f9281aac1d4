package wgcrypto

import (
	"crypto/hmac"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// Protocol constants, fixed by spec §4.1.
var (
	construction = []byte("Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s")
	identifier   = []byte("WireGuard v1 zx2c4 Jason@zx2c4.com")
	labelMAC1    = []byte("mac1----")
	labelCookie  = []byte("cookie--")
)

// chainKey and hashValue are 32-byte BLAKE2s outputs used throughout the
// handshake to accumulate transcript state.
type chainKey [32]byte
type hashValue [32]byte

func newHMACBlake2s(key []byte) hash.Hash {
	h, err := blake2s.New256(key)
	if err != nil {
		// blake2s.New256 only errors on an oversized key, which never
		// happens here since callers always pass 0 or 32-byte keys.
		panic(err)
	}
	return h
}

func hmacBlake2s(key, input []byte) [32]byte {
	mac := hmac.New(func() hash.Hash { return newHMACBlake2s(nil) }, key)
	mac.Write(input)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// kdf1 implements the Noise KDF with one output, per the WireGuard paper's
// HKDF-like construction over HMAC-BLAKE2s.
func kdf1(key chainKey, input []byte) (t1 [32]byte) {
	t0 := hmacBlake2s(key[:], input)
	return hmacBlake2s(t0[:], []byte{0x1})
}

func kdf2(key chainKey, input []byte) (t1, t2 [32]byte) {
	t0 := hmacBlake2s(key[:], input)
	t1 = hmacBlake2s(t0[:], []byte{0x1})
	t2 = hmacBlake2s(t0[:], append(append([]byte{}, t1[:]...), 0x2))
	return
}

func kdf3(key chainKey, input []byte) (t1, t2, t3 [32]byte) {
	t0 := hmacBlake2s(key[:], input)
	t1 = hmacBlake2s(t0[:], []byte{0x1})
	t2 = hmacBlake2s(t0[:], append(append([]byte{}, t1[:]...), 0x2))
	t3 = hmacBlake2s(t0[:], append(append([]byte{}, t2[:]...), 0x3))
	return
}

func mixHash(h hashValue, data []byte) hashValue {
	sum := blake2s.Sum256(append(append([]byte{}, h[:]...), data...))
	return hashValue(sum)
}

func mixKey(ck chainKey, input []byte) chainKey {
	return chainKey(kdf1(ck, input))
}

// mixPSK folds a pre-shared key into the chaining key and hash, returning
// the AEAD key for the next encrypted field.
func mixPSK(ck chainKey, h hashValue, psk Key) (chainKey, hashValue, [32]byte) {
	t1, t2, t3 := kdf3(ck, psk[:])
	newCK := chainKey(t1)
	newH := mixHash(h, t2[:])
	return newCK, newH, t3
}

func initialChainKeyAndHash(remoteStatic Key) (chainKey, hashValue) {
	ck := chainKey(blake2s.Sum256(construction))
	h := mixHash(hashValue(ck), identifier)
	h = mixHash(h, remoteStatic[:])
	return ck, h
}

// aeadSeal performs the handshake's ChaCha20-Poly1305 AEAD encrypt, with a
// nonce of all zero bytes (each handshake key is used exactly once).
func aeadSeal(key [32]byte, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Seal(nil, nonce[:], plaintext, ad), nil
}

func aeadOpen(key [32]byte, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Open(nil, nonce[:], ciphertext, ad)
}
