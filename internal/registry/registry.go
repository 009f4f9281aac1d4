// Package registry indexes the peers of one local WireGuard-style device:
// by static public key, by session index (for fast inbound packet
// dispatch), and by allowed IP (for routing outbound TUN traffic to the
// right peer). Grounded on internal/agent/agent.go's `peers
// map[string]*peerState` + mutex pattern, generalized to the dual-index
// arena design spec.md §9 calls for.
package registry

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

// Entry is whatever the registry indexes — in practice a *peer.Peer, kept
// as an opaque interface here so registry has no import-cycle dependency
// on the peer package.
type Entry interface {
	PublicKey() wgcrypto.Key
}

// Registry holds every peer of one local device plus the session-index and
// allowed-IP lookup tables needed to route inbound and outbound traffic.
type Registry struct {
	mu sync.RWMutex

	byKey     map[wgcrypto.Key]Entry
	byIndex   map[uint32]Entry
	allowedIP []allowedIPEntry // sorted by descending prefix length for longest-prefix-match
}

type allowedIPEntry struct {
	prefix netip.Prefix
	peer   Entry
}

func New() *Registry {
	return &Registry{
		byKey:   make(map[wgcrypto.Key]Entry),
		byIndex: make(map[uint32]Entry),
	}
}

// Insert adds or replaces a peer, indexed by its static public key.
func (r *Registry) Insert(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[e.PublicKey()] = e
}

// Remove drops a peer from every index: key, session indices pointing to
// it, and allowed-IP routes.
func (r *Registry) Remove(key wgcrypto.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey[key]
	if !ok {
		return
	}
	delete(r.byKey, key)

	for idx, ent := range r.byIndex {
		if ent == e {
			delete(r.byIndex, idx)
		}
	}

	kept := r.allowedIP[:0]
	for _, a := range r.allowedIP {
		if a.peer != e {
			kept = append(kept, a)
		}
	}
	r.allowedIP = kept
}

// ByKey looks up a peer by its static public key.
func (r *Registry) ByKey(key wgcrypto.Key) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[key]
	return e, ok
}

// BindIndex associates a locally-assigned session index with a peer, so
// inbound transport-data and handshake-response packets can be routed
// without re-parsing a public key. Returns an error if the index is
// already bound to a different peer — callers should retry with a fresh
// wgcrypto.RandomIndex().
func (r *Registry) BindIndex(index uint32, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byIndex[index]; ok && existing != e {
		return fmt.Errorf("registry: session index %d already bound", index)
	}
	r.byIndex[index] = e
	return nil
}

// UnbindIndex releases a session index, e.g. once a session is replaced by
// a rekey.
func (r *Registry) UnbindIndex(index uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byIndex, index)
}

// ByIndex looks up the peer owning a local session index.
func (r *Registry) ByIndex(index uint32) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byIndex[index]
	return e, ok
}

// SetAllowedIPs replaces the allowed-IP routes owned by one peer.
func (r *Registry) SetAllowedIPs(e Entry, prefixes []netip.Prefix) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.allowedIP[:0]
	for _, a := range r.allowedIP {
		if a.peer != e {
			kept = append(kept, a)
		}
	}
	for _, p := range prefixes {
		kept = append(kept, allowedIPEntry{prefix: p, peer: e})
	}
	r.allowedIP = kept
	sortAllowedIPsByPrefixLenDesc(r.allowedIP)
}

// ByIP returns the peer whose allowed-IP set contains addr, preferring the
// most specific (longest-prefix) match.
func (r *Registry) ByIP(addr netip.Addr) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.allowedIP {
		if a.prefix.Contains(addr) {
			return a.peer, true
		}
	}
	return nil, false
}

// Len reports the number of peers currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// All returns a snapshot slice of every registered peer, safe to range over
// without holding the registry's lock.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.byKey))
	for _, e := range r.byKey {
		out = append(out, e)
	}
	return out
}

func sortAllowedIPsByPrefixLenDesc(entries []allowedIPEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].prefix.Bits() > entries[j].prefix.Bits()
	})
}
