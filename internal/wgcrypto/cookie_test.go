package wgcrypto

import "testing"

func TestCookieReplyRoundTrip(t *testing.T) {
	local := NewLocalSecret(fillKey(0x05))
	checker := NewCookieChecker(local.Public)

	mac1 := [16]byte{1, 2, 3}
	sourceAddr := []byte("203.0.113.7:51820")

	reply, err := checker.CreateReply(7, mac1, sourceAddr)
	if err != nil {
		t.Fatalf("CreateReply: %v", err)
	}

	cookie, err := OpenReply(reply, local.Public, mac1)
	if err != nil {
		t.Fatalf("OpenReply: %v", err)
	}

	msg := &MessageInitiation{Sender: 42}
	AttachMAC2ToInitiation(msg, cookie)

	if !checker.ValidateMAC2(msg.Marshal(), sourceAddr) {
		t.Fatal("MAC2 failed to validate with the cookie we were handed")
	}
}

func TestCookieReplyWrongSourceRejected(t *testing.T) {
	local := NewLocalSecret(fillKey(0x05))
	checker := NewCookieChecker(local.Public)

	mac1 := [16]byte{1, 2, 3}
	reply, err := checker.CreateReply(7, mac1, []byte("203.0.113.7:51820"))
	if err != nil {
		t.Fatalf("CreateReply: %v", err)
	}
	cookie, err := OpenReply(reply, local.Public, mac1)
	if err != nil {
		t.Fatalf("OpenReply: %v", err)
	}

	msg := &MessageInitiation{Sender: 42}
	AttachMAC2ToInitiation(msg, cookie)

	if checker.ValidateMAC2(msg.Marshal(), []byte("198.51.100.9:51820")) {
		t.Fatal("MAC2 validated against the wrong source address")
	}
}

func TestRateLimiterChallengesAfterBudget(t *testing.T) {
	rl := newRateLimiter()
	source := []byte("198.51.100.1:1")

	limited := false
	for i := 0; i < rateLimiterBucketCap+1; i++ {
		if rl.shouldRateLimit(source) {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected rate limiter to eventually challenge a source that exceeds its bucket")
	}
}
