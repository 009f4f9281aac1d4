package wgcrypto

import "golang.org/x/crypto/blake2s"

// blake2sHash is an unkeyed BLAKE2s hash of label||data, used to derive the
// MAC1/cookie keys from a peer's static public key.
func blake2sHash(label, data []byte) [32]byte {
	return blake2s.Sum256(append(append([]byte{}, label...), data...))
}

// blake2sMAC computes a 16-byte keyed BLAKE2s MAC, the primitive WireGuard
// uses for MAC1/MAC2 rather than HMAC.
func blake2sMAC(key, data []byte) [16]byte {
	h, err := blake2s.New(16, key)
	if err != nil {
		// only errors if key is longer than 32 bytes or size is out of
		// range; both are fixed constants here.
		panic(err)
	}
	h.Write(data)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}
