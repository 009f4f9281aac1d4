package headlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/kuuji/linkmesh/internal/wireproto"
)

// Registry caches live Network objects over a Repository, lazily loading
// a network's peer set on first touch and keeping it in memory for the
// life of the process (online state isn't durable, so it can't simply be
// reloaded from the repository on every access).
type Registry struct {
	repo Repository

	mu       sync.Mutex
	networks map[uint64]*Network
}

func NewRegistry(repo Repository) *Registry {
	return &Registry{repo: repo, networks: make(map[uint64]*Network)}
}

// Network returns the cached Network for id, loading it from the
// repository on first access.
func (r *Registry) Network(ctx context.Context, id uint64) (*Network, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.networks[id]; ok {
		return n, nil
	}

	cidr, peers, ok, err := r.repo.Network(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading network %d: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("headlink: unknown network %d", id)
	}

	n := NewNetwork(id, cidr, peers)
	r.networks[id] = n
	return n, nil
}

// ResolveByToken maps a handshake token to its network, per spec.md §4.7.
func (r *Registry) ResolveByToken(ctx context.Context, token string) (*Network, error) {
	networkID, ok, err := r.repo.LookupToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("looking up token: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("headlink: token rejected")
	}
	return r.Network(ctx, networkID)
}

// ResolveByPubKey maps a registered peer's public key to its network, for
// the no-token handshake path.
func (r *Registry) ResolveByPubKey(ctx context.Context, pubKey wireproto.PubKey) (*Network, error) {
	_, networkID, ok, err := r.repo.LookupPeer(ctx, pubKey)
	if err != nil {
		return nil, fmt.Errorf("looking up peer: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("headlink: unknown peer")
	}
	return r.Network(ctx, networkID)
}
