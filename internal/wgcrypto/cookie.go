package wgcrypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// cookieSecretLifetime is how long a rotating cookie secret remains the
// primary signing key before a fresh one replaces it.
const cookieSecretLifetime = 120 * time.Second

// cookieGracePeriod is how long the previous secret is still accepted for
// MAC2 verification after rotation, smoothing over the rotation boundary.
const cookieGracePeriod = 5 * time.Second

// CookieChecker guards a local static identity against handshake-initiation
// floods: MAC1 is checked separately by VerifyMAC1, and once a source
// exceeds its rate budget the checker demands a valid MAC2 (keyed by a cookie only that source
// has been handed) before any expensive DH/AEAD work happens.
//
// Grounded on the same "rotating secret + keyed MAC2" design WireGuard
// itself uses; built directly from spec §4.3.
type CookieChecker struct {
	localStatic Key

	mu             sync.Mutex
	secret         [32]byte
	prevSecret     [32]byte
	secretSetAt    time.Time
	havePrevSecret bool

	limiter *rateLimiter
}

func NewCookieChecker(localStatic Key) *CookieChecker {
	c := &CookieChecker{
		localStatic: localStatic,
		limiter:     newRateLimiter(),
	}
	c.rotate()
	return c
}

func (c *CookieChecker) rotate() {
	var s [32]byte
	if _, err := rand.Read(s[:]); err != nil {
		panic(fmt.Sprintf("wgcrypto: reading random cookie secret: %v", err))
	}
	c.mu.Lock()
	c.prevSecret = c.secret
	c.havePrevSecret = !c.secretSetAt.IsZero()
	c.secret = s
	c.secretSetAt = time.Now()
	c.mu.Unlock()
}

func (c *CookieChecker) maybeRotate() {
	c.mu.Lock()
	stale := time.Since(c.secretSetAt) > cookieSecretLifetime
	c.mu.Unlock()
	if stale {
		c.rotate()
	}
}

// cookieFor derives the per-source cookie: MAC(secret, source_addr). The
// source address is the caller-supplied opaque endpoint bytes (IP:port).
func cookieFor(secret [32]byte, sourceAddr []byte) [16]byte {
	return blake2sMAC(secret[:], sourceAddr)
}

// UnderLoad reports whether initiations from sourceAddr should be required
// to carry a valid MAC2, consulting and ticking the token-bucket limiter.
func (c *CookieChecker) UnderLoad(sourceAddr []byte) bool {
	return c.limiter.shouldRateLimit(sourceAddr)
}

// ValidateMAC2 checks a raw initiation or response packet's MAC2 field
// against the cookie owed to sourceAddr, trying the current secret and
// (within the grace period) the previous one.
func (c *CookieChecker) ValidateMAC2(raw []byte, sourceAddr []byte) bool {
	c.maybeRotate()

	var beforeMAC2, mac2 []byte
	switch raw[0] {
	case MessageInitiationType:
		if len(raw) != MessageInitiationSize {
			return false
		}
		beforeMAC2 = raw[:MessageInitiationSize-16]
		mac2 = raw[MessageInitiationSize-16:]
	case MessageResponseType:
		if len(raw) != MessageResponseSize {
			return false
		}
		beforeMAC2 = raw[:MessageResponseSize-16]
		mac2 = raw[MessageResponseSize-16:]
	default:
		return false
	}

	c.mu.Lock()
	secret := c.secret
	prevSecret := c.prevSecret
	havePrev := c.havePrevSecret && time.Since(c.secretSetAt) < cookieGracePeriod
	c.mu.Unlock()

	cookie := cookieFor(secret, sourceAddr)
	want := blake2sMAC(cookie[:], beforeMAC2)
	if subtle.ConstantTimeCompare(want[:], mac2) == 1 {
		return true
	}
	if havePrev {
		cookie = cookieFor(prevSecret, sourceAddr)
		want = blake2sMAC(cookie[:], beforeMAC2)
		return subtle.ConstantTimeCompare(want[:], mac2) == 1
	}
	return false
}

// CreateReply builds the 64-byte cookie-reply packet telling an overloaded
// responder's caller to retry with MAC2 attached. receiverIndex is the
// sender index from the initiation/response that triggered the reply;
// initiatorMAC1 is that same message's MAC1 field, used as associated data
// so a forged reply can't be replayed against a different handshake.
func (c *CookieChecker) CreateReply(receiverIndex uint32, initiatorMAC1 [16]byte, sourceAddr []byte) (*MessageCookieReply, error) {
	c.maybeRotate()

	c.mu.Lock()
	secret := c.secret
	c.mu.Unlock()
	cookie := cookieFor(secret, sourceAddr)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating cookie-reply nonce: %w", err)
	}

	key := blake2sHash(labelCookie, c.localStatic[:])
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("building xchacha20poly1305 cipher: %w", err)
	}
	sealed := aead.Seal(nil, nonce[:], cookie[:], initiatorMAC1[:])

	msg := &MessageCookieReply{Receiver: receiverIndex, Nonce: nonce}
	copy(msg.Cookie[:], sealed)
	return msg, nil
}

// OpenReply recovers the cookie from a received cookie-reply packet, to be
// attached as MAC2 on subsequent handshake messages to the peer that sent
// it. localStatic must be the static public key of the peer that created
// the reply: CreateReply keys it by its own CookieChecker's static key, so
// a reply sent by a remote peer opens only with that remote's public key.
func OpenReply(msg *MessageCookieReply, localStatic Key, initiatorMAC1 [16]byte) ([16]byte, error) {
	key := blake2sHash(labelCookie, localStatic[:])
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return [16]byte{}, fmt.Errorf("building xchacha20poly1305 cipher: %w", err)
	}
	plain, err := aead.Open(nil, msg.Nonce[:], msg.Cookie[:], initiatorMAC1[:])
	if err != nil {
		return [16]byte{}, fmt.Errorf("opening cookie reply: %w", err)
	}
	var cookie [16]byte
	copy(cookie[:], plain)
	return cookie, nil
}

// AttachMAC2ToInitiation sets an initiation's MAC2 field using a cookie obtained from a
// prior cookie-reply.
func AttachMAC2ToInitiation(msg *MessageInitiation, cookie [16]byte) {
	msg.MAC2 = blake2sMAC(cookie[:], msg.bytesBeforeMAC2())
}

func AttachMAC2ToResponse(msg *MessageResponse, cookie [16]byte) {
	msg.MAC2 = blake2sMAC(cookie[:], msg.bytesBeforeMAC2())
}
