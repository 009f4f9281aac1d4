package headlink

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/kuuji/linkmesh/internal/wireproto"
)

// Network is one virtual subnet: its peer set, IP allocator, and the
// connects map recording completed data-plane handshakes between pairs of
// its peers.
type Network struct {
	ID   uint64
	CIDR netip.Prefix

	mu       sync.RWMutex
	peers    map[wireproto.PubKey]*PeerRecord
	connects map[string]PeerConnect
}

func NewNetwork(id uint64, cidr netip.Prefix, initial []PeerRecord) *Network {
	n := &Network{
		ID:       id,
		CIDR:     cidr,
		peers:    make(map[wireproto.PubKey]*PeerRecord),
		connects: make(map[string]PeerConnect),
	}
	for i := range initial {
		rec := initial[i]
		n.peers[rec.PubKey] = &rec
	}
	return n
}

// Peer returns a copy of a peer record if it's registered.
func (n *Network) Peer(pubKey wireproto.PubKey) (PeerRecord, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rec, ok := n.peers[pubKey]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Peers returns a snapshot of every registered peer.
func (n *Network) Peers() []PeerRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]PeerRecord, 0, len(n.peers))
	for _, rec := range n.peers {
		out = append(out, *rec)
	}
	return out
}

// EnsureRegistered inserts a bare peer record if one doesn't already exist
// for pubKey (used when a token-authenticated handshake arrives from a
// previously unseen key).
func (n *Network) EnsureRegistered(pubKey wireproto.PubKey) *PeerRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rec, ok := n.peers[pubKey]; ok {
		return rec
	}
	rec := &PeerRecord{PubKey: pubKey, Enabled: true}
	n.peers[pubKey] = rec
	return rec
}

// IsOnline reports whether pubKey currently has a live control session in
// this network.
func (n *Network) IsOnline(pubKey wireproto.PubKey) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rec, ok := n.peers[pubKey]
	return ok && rec.Online != nil
}

// SetOnline installs online info for a peer, overwriting any prior state.
func (n *Network) SetOnline(pubKey wireproto.PubKey, info OnlineInfo) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.peers[pubKey]
	if !ok {
		return fmt.Errorf("headlink: peer %s not registered", pubKey)
	}
	rec.Online = &info
	return nil
}

// SetOffline clears a peer's online info.
func (n *Network) SetOffline(pubKey wireproto.PubKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rec, ok := n.peers[pubKey]; ok {
		rec.Online = nil
	}
}

// AssignIP allocates and stores an IP for pubKey if it doesn't already
// have one, iterating the CIDR and skipping the network address and the
// first host address, so the first address handed out in a /24 is .2.
func (n *Network) AssignIP(ctx context.Context, pubKey wireproto.PubKey, repo Repository) (netip.Addr, error) {
	n.mu.Lock()
	rec, ok := n.peers[pubKey]
	if !ok {
		n.mu.Unlock()
		return netip.Addr{}, fmt.Errorf("headlink: peer %s not registered", pubKey)
	}
	if rec.IP.IsValid() {
		ip := rec.IP
		n.mu.Unlock()
		return ip, nil
	}

	used := make(map[netip.Addr]bool, len(n.peers))
	for _, r := range n.peers {
		if r.IP.IsValid() {
			used[r.IP] = true
		}
	}
	n.mu.Unlock()

	ip, err := firstFreeAddr(n.CIDR, used)
	if err != nil {
		return netip.Addr{}, err
	}

	if repo != nil {
		if err := repo.PersistIP(ctx, n.ID, pubKey, ip); err != nil {
			return netip.Addr{}, fmt.Errorf("persisting assigned ip: %w", err)
		}
	}

	n.mu.Lock()
	rec.IP = ip
	n.mu.Unlock()
	return ip, nil
}

// firstFreeAddr iterates cidr skipping the network address and the first
// host address, returning the first address not in used. The broadcast
// address (all host bits set) is reserved and never handed out, matching
// spec.md §8's 253-assignable-address ceiling for a /24.
func firstFreeAddr(cidr netip.Prefix, used map[netip.Addr]bool) (netip.Addr, error) {
	broadcast := broadcastAddr(cidr)
	addr := cidr.Masked().Addr()
	skip := 2
	for i := 0; i < skip; i++ {
		addr = addr.Next()
	}
	for cidr.Contains(addr) {
		if addr != broadcast && !used[addr] {
			return addr, nil
		}
		addr = addr.Next()
	}
	return netip.Addr{}, fmt.Errorf("headlink: address space exhausted for network %s", cidr)
}

// broadcastAddr returns the last address in cidr (all host bits set).
func broadcastAddr(cidr netip.Prefix) netip.Addr {
	base := cidr.Masked().Addr().As4()
	bits := cidr.Bits()
	var mask [4]byte
	for i := 0; i < bits; i++ {
		mask[i/8] |= 1 << (7 - uint(i%8))
	}
	var out [4]byte
	for i := range out {
		out[i] = base[i] | ^mask[i]
	}
	return netip.AddrFrom4(out)
}

// UpdateExtraEndpoint records a proto->endpoint mapping for an online
// peer.
func (n *Network) UpdateExtraEndpoint(pubKey wireproto.PubKey, proto, endpoint string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.peers[pubKey]
	if !ok || rec.Online == nil {
		return fmt.Errorf("headlink: peer %s not online", pubKey)
	}
	if rec.Online.ExtraEndpoints == nil {
		rec.Online.ExtraEndpoints = make(map[string]string)
	}
	rec.Online.ExtraEndpoints[proto] = endpoint
	return nil
}

// RecordHandshakeComplete stores a completed data-plane handshake between
// a and b under their unordered pair key (original_source
// union_pub_key/DevHandshakeComplete).
func (n *Network) RecordHandshakeComplete(a, b wireproto.PubKey, proto string) {
	key, direction := unionPubKey(a, b)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connects[key] = PeerConnect{Direction: direction, Proto: proto}
}

func unionPubKey(a, b wireproto.PubKey) (string, bool) {
	as, bs := string(a[:]), string(b[:])
	if as < bs {
		return as + bs, true
	}
	return bs + as, false
}

// Broadcast sends data to every online peer in the network except those
// in exclude, concurrently; per-recipient delivery order is preserved by
// each recipient's own outbound queue, but there's no ordering guarantee
// across recipients (spec.md §5).
func (n *Network) Broadcast(ctx context.Context, data wireproto.ClientData, exclude ...wireproto.PubKey) {
	excluded := make(map[wireproto.PubKey]bool, len(exclude))
	for _, k := range exclude {
		excluded[k] = true
	}
	n.broadcastFiltered(ctx, data, func(pubKey wireproto.PubKey, rec *PeerRecord) bool {
		return !excluded[pubKey]
	})
}

// BroadcastTo sends data only to the named targets, regardless of other
// online state, matching PeerForward/RequireReply's single-target relay.
func (n *Network) BroadcastTo(ctx context.Context, data wireproto.ClientData, targets ...wireproto.PubKey) {
	want := make(map[wireproto.PubKey]bool, len(targets))
	for _, k := range targets {
		want[k] = true
	}
	n.broadcastFiltered(ctx, data, func(pubKey wireproto.PubKey, rec *PeerRecord) bool {
		return want[pubKey]
	})
}

func (n *Network) broadcastFiltered(ctx context.Context, data wireproto.ClientData, include func(wireproto.PubKey, *PeerRecord) bool) {
	n.mu.RLock()
	var handles []ClientHandle
	for pubKey, rec := range n.peers {
		if rec.Online == nil || rec.Online.Conn == nil {
			continue
		}
		if !include(pubKey, rec) {
			continue
		}
		handles = append(handles, rec.Online.Conn)
	}
	n.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h ClientHandle) {
			defer wg.Done()
			_ = h.Send(ctx, nil, data)
		}(h)
	}
	wg.Wait()
}
