package wgcrypto

import "errors"

var (
	errInvalidMessage   = errors.New("wgcrypto: malformed handshake message")
	errMAC1Mismatch     = errors.New("wgcrypto: mac1 verification failed")
	errMAC2Required     = errors.New("wgcrypto: mac2 required under load")
	errMAC2Mismatch     = errors.New("wgcrypto: mac2 verification failed")
	errDecryptStatic    = errors.New("wgcrypto: failed to decrypt static key")
	errDecryptTimestamp = errors.New("wgcrypto: failed to decrypt timestamp")
	errDecryptEmpty     = errors.New("wgcrypto: failed to decrypt handshake payload")
	errUnknownPeer      = errors.New("wgcrypto: initiation static key not recognized")
	errStaleHandshake   = errors.New("wgcrypto: handshake out of order")
	errSessionExpired   = errors.New("wgcrypto: session counter exhausted")
	errReplay           = errors.New("wgcrypto: replayed or out-of-window counter")
)
