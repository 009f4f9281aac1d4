// Package endpointselector runs the per-peer background task from spec.md
// §4.5: watch peer liveness, try extra transports in configured order, and
// fall back to a relay rendezvous when none succeed. Grounded on
// internal/agent/agent.go's onDataChannelOpen/OnConnectionStateChange
// lifecycle (a mutex-guarded map of per-peer cancel funcs, spawned and torn
// down as peers come and go), generalized from "one WebRTC connection" to
// "an ordered cycle of transport dial attempts."
package endpointselector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/linkmesh/internal/peer"
	"github.com/kuuji/linkmesh/internal/transport"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

// tickInterval is the wake period spec.md §4.5 mandates.
const tickInterval = 10 * time.Second

// Attempt is one ordered extra-transport dial option for a peer.
type Attempt struct {
	Proto string
	Dial  func(ctx context.Context) (transport.Sender, error)
}

// Source supplies the live, possibly-changing set of attempts for one peer.
// Extra endpoints arrive over time via UpdateExtraEndpoint broadcasts, so
// this is queried fresh on every tick rather than captured once.
type Source interface {
	Attempts(pubKey wgcrypto.Key) []Attempt
}

// RelayFallback issues the require-reply rendezvous spec.md §4.5 describes
// for when no extra transport succeeds, returning a Sender that routes
// through the relay once both ends have converged on the same server.
type RelayFallback interface {
	RequireReply(ctx context.Context, pubKey wgcrypto.Key) (transport.Sender, error)
}

// Selector drives one peer's endpoint selection loop.
type Selector struct {
	log    *slog.Logger
	peer   *peer.Peer
	pubKey wgcrypto.Key
	source Source
	relay  RelayFallback
}

func New(p *peer.Peer, pubKey wgcrypto.Key, source Source, relay RelayFallback, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		log:    logger.With("component", "endpointselector", "peer", pubKey.String()),
		peer:   p,
		pubKey: pubKey,
		source: source,
		relay:  relay,
	}
}

// Run ticks every tickInterval until ctx is cancelled.
func (s *Selector) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick implements spec.md §4.5: skip if the peer already has an endpoint or
// is offline; otherwise try each configured extra transport in order, and
// fall back to the relay require-reply rendezvous if none succeed.
func (s *Selector) tick(ctx context.Context) {
	if _, ok := s.peer.Endpoint(); ok {
		return
	}
	if !s.peer.IsOnline() {
		return
	}

	for _, attempt := range s.source.Attempts(s.pubKey) {
		sender, err := attempt.Dial(ctx)
		if err != nil {
			s.log.Debug("transport attempt failed", "proto", attempt.Proto, "error", err)
			continue
		}
		s.log.Info("endpoint selected", "proto", attempt.Proto)
		s.peer.UpdateEndpoint(sender)
		return
	}

	if s.relay == nil {
		return
	}
	sender, err := s.relay.RequireReply(ctx, s.pubKey)
	if err != nil {
		s.log.Debug("relay rendezvous failed", "error", err)
		return
	}
	s.log.Info("endpoint selected", "proto", "relay")
	s.peer.UpdateEndpoint(sender)
}

// Manager owns one Selector per peer, started when a peer is registered and
// stopped when it's removed — the same shape as agent.go's peers map plus
// removePeer, generalized from WebRTC peer connections to selector
// goroutines.
type Manager struct {
	log    *slog.Logger
	source Source
	relay  RelayFallback

	mu      sync.Mutex
	cancels map[wgcrypto.Key]context.CancelFunc
}

func NewManager(source Source, relay RelayFallback, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		log:     logger.With("component", "endpointselector"),
		source:  source,
		relay:   relay,
		cancels: make(map[wgcrypto.Key]context.CancelFunc),
	}
}

// Watch starts a Selector for p unless one is already running for pubKey.
func (m *Manager) Watch(ctx context.Context, p *peer.Peer, pubKey wgcrypto.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cancels[pubKey]; ok {
		return
	}
	selCtx, cancel := context.WithCancel(ctx)
	m.cancels[pubKey] = cancel

	sel := New(p, pubKey, m.source, m.relay, m.log)
	go func() {
		if err := sel.Run(selCtx); err != nil {
			m.log.Debug("selector stopped", "peer", pubKey.String(), "error", err)
		}
	}()
}

// Forget stops and removes the Selector for pubKey, if one is running.
func (m *Manager) Forget(pubKey wgcrypto.Key) {
	m.mu.Lock()
	cancel, ok := m.cancels[pubKey]
	delete(m.cancels, pubKey)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops every running Selector.
func (m *Manager) Close() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = make(map[wgcrypto.Key]context.CancelFunc)
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
