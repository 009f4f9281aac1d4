package registry

import (
	"net/netip"
	"testing"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

type fakePeer struct {
	key wgcrypto.Key
}

func (p *fakePeer) PublicKey() wgcrypto.Key { return p.key }

func key(b byte) wgcrypto.Key {
	var k wgcrypto.Key
	k[0] = b
	return k
}

func TestInsertAndByKey(t *testing.T) {
	r := New()
	p := &fakePeer{key: key(1)}
	r.Insert(p)

	got, ok := r.ByKey(key(1))
	if !ok || got != Entry(p) {
		t.Fatal("expected to find inserted peer by key")
	}
	if _, ok := r.ByKey(key(2)); ok {
		t.Fatal("expected no match for unregistered key")
	}
}

func TestBindIndexCollision(t *testing.T) {
	r := New()
	a := &fakePeer{key: key(1)}
	b := &fakePeer{key: key(2)}
	r.Insert(a)
	r.Insert(b)

	if err := r.BindIndex(42, a); err != nil {
		t.Fatalf("BindIndex: %v", err)
	}
	if err := r.BindIndex(42, b); err == nil {
		t.Fatal("expected collision error binding the same index to a different peer")
	}
	if err := r.BindIndex(42, a); err != nil {
		t.Fatalf("rebinding the same index to the same peer should succeed: %v", err)
	}
}

func TestRemoveClearsAllIndices(t *testing.T) {
	r := New()
	p := &fakePeer{key: key(1)}
	r.Insert(p)
	if err := r.BindIndex(7, p); err != nil {
		t.Fatalf("BindIndex: %v", err)
	}
	r.SetAllowedIPs(p, []netip.Prefix{netip.MustParsePrefix("10.0.0.1/32")})

	r.Remove(key(1))

	if _, ok := r.ByKey(key(1)); ok {
		t.Fatal("expected peer removed from key index")
	}
	if _, ok := r.ByIndex(7); ok {
		t.Fatal("expected peer removed from session-index table")
	}
	if _, ok := r.ByIP(netip.MustParseAddr("10.0.0.1")); ok {
		t.Fatal("expected peer removed from allowed-IP table")
	}
}

func TestByIPLongestPrefixMatch(t *testing.T) {
	r := New()
	broad := &fakePeer{key: key(1)}
	narrow := &fakePeer{key: key(2)}
	r.Insert(broad)
	r.Insert(narrow)

	r.SetAllowedIPs(broad, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})
	r.SetAllowedIPs(narrow, []netip.Prefix{netip.MustParsePrefix("10.0.0.5/32")})

	got, ok := r.ByIP(netip.MustParseAddr("10.0.0.5"))
	if !ok || got != Entry(narrow) {
		t.Fatal("expected the /32 route to win over the /8 route")
	}

	got, ok = r.ByIP(netip.MustParseAddr("10.0.0.6"))
	if !ok || got != Entry(broad) {
		t.Fatal("expected the /8 route to match an address outside the /32")
	}
}
