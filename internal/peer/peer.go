// Package peer runs the per-remote WireGuard-style session lifecycle: the
// handshake state machine, session rekeying, and the inbound/outbound data
// loops. Grounded on internal/agent/agent.go's per-peer goroutine lifecycle
// and vlink-tun/src/device/peer/mod.rs (original_source) for the field
// layout (is_online, handshake, sessions, endpoint, inbound/outbound
// channels).
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kuuji/linkmesh/internal/transport"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

const (
	// keepaliveInterval is how often an idle peer gets a zero-length
	// transport-data packet to keep NAT mappings alive.
	keepaliveInterval = 25 * time.Second

	// handshakeRetryInterval is how long to wait before re-initiating when
	// no response arrives.
	handshakeRetryInterval = 5 * time.Second

	// handshakeMaxAttempts bounds retries within RekeyAttemptTime (90s at
	// 5s spacing is 18; round up to 20 per spec §4.4's "hard limit").
	handshakeMaxAttempts = 20

	inboundQueueSize  = 256
	outboundQueueSize = 256

	// eventQueueSize bounds the peer's lifecycle-event bus; a slow consumer
	// drops events rather than stalling the handshake/data loops.
	eventQueueSize = 32
)

// EventKind identifies a notification published on a Peer's event bus
// (spec.md §4.4, §4.6, §5, §7).
type EventKind int

const (
	// EventSessionFailed fires when outbound data has nowhere to go (no
	// current session) or a handshake gives up after handshakeMaxAttempts.
	EventSessionFailed EventKind = iota
	// EventHandshakeComplete fires once a session is confirmed live in both
	// directions: immediately for the initiator (on a valid response), and
	// on the first successful transport-data decrypt for the responder
	// (promoting the provisional `next` session to `current`).
	EventHandshakeComplete
	// EventPeerEndpointFailed fires when a peer's endpoint slot is cleared
	// after repeated handshake failures, forcing endpoint reselection.
	EventPeerEndpointFailed
)

// Event is one notification from a Peer's event bus.
type Event struct {
	Kind   EventKind
	PubKey wgcrypto.Key
	Proto  string // transport protocol in use, when known; empty otherwise
}

// InboundPacket is a decrypted payload or a handshake event handed to the
// peer's processing loop.
type InboundPacket struct {
	Reply transport.Sender

	Initiation  *wgcrypto.MessageInitiation
	Response    *wgcrypto.MessageResponse
	CookieReply *wgcrypto.MessageCookieReply
	Transport   []byte // raw transport-data wire bytes, header included
}

// TunWriter is the narrow interface peer needs from the TUN device to
// deliver decrypted packets to the kernel.
type TunWriter interface {
	WritePacket(b []byte) error
}

// Peer owns one remote's handshake/session state and the three cooperative
// tasks that drive it: handshake, inbound, outbound.
type Peer struct {
	log *slog.Logger

	local  wgcrypto.LocalSecret
	secret wgcrypto.PeerSecret

	localIndexAllocator func() (uint32, error)

	tun TunWriter

	mu        sync.RWMutex
	handshake *wgcrypto.Handshake
	current   *wgcrypto.Session
	previous  *wgcrypto.Session
	next      *wgcrypto.Session

	endpointMu sync.RWMutex
	endpoint   transport.Sender

	online atomic.Bool

	inbound  chan InboundPacket
	outbound chan []byte
	events   chan Event

	lastHandshakeAttempt atomic.Int64 // unix nanos
	handshakeAttempts    atomic.Int32

	lastTrafficSent atomic.Int64
	lastTrafficRecv atomic.Int64
}

// Config bundles what New needs without a distinct builder type.
type Config struct {
	Local               wgcrypto.LocalSecret
	Remote              wgcrypto.PeerSecret
	Tun                 TunWriter
	LocalIndexAllocator func() (uint32, error)
	Logger              *slog.Logger
}

func New(cfg Config) *Peer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{
		log:                 logger.With("peer", cfg.Remote.Public.String()),
		local:               cfg.Local,
		secret:              cfg.Remote,
		tun:                 cfg.Tun,
		localIndexAllocator: cfg.LocalIndexAllocator,
		inbound:             make(chan InboundPacket, inboundQueueSize),
		outbound:            make(chan []byte, outboundQueueSize),
		events:              make(chan Event, eventQueueSize),
	}
}

// Events returns the peer's lifecycle-event stream. Consumed by netmgr to
// report completed handshakes upstream and react to session/endpoint
// failures (spec.md §4.8, §4.9).
func (p *Peer) Events() <-chan Event { return p.events }

// emit publishes ev without blocking; a full queue drops the event rather
// than stalling whichever loop observed it.
func (p *Peer) emit(ev Event) {
	ev.PubKey = p.secret.Public
	select {
	case p.events <- ev:
	default:
		p.log.Debug("dropping peer event, queue full", "kind", ev.Kind)
	}
}

func (p *Peer) PublicKey() wgcrypto.Key { return p.secret.Public }

func (p *Peer) IsOnline() bool { return p.online.Load() }

// Endpoint returns the current outbound sender, if any traffic has been
// authenticated from this peer or one has been configured statically.
func (p *Peer) Endpoint() (transport.Sender, bool) {
	p.endpointMu.RLock()
	defer p.endpointMu.RUnlock()
	if p.endpoint == nil {
		return nil, false
	}
	return p.endpoint.CloneBox(), true
}

// UpdateEndpoint replaces the active outbound sender, e.g. after the
// endpoint selector picks a new transport or authenticated traffic arrives
// from a different address.
func (p *Peer) UpdateEndpoint(s transport.Sender) {
	p.endpointMu.Lock()
	p.endpoint = s
	p.endpointMu.Unlock()
}

// StageInbound hands a received packet to the peer's inbound loop. It never
// blocks indefinitely — a full queue drops the packet, mirroring how UDP
// itself would behave under loss.
func (p *Peer) StageInbound(ctx context.Context, pkt InboundPacket) {
	select {
	case p.inbound <- pkt:
	case <-ctx.Done():
	default:
		p.log.Debug("dropping inbound packet, queue full")
	}
}

// StageOutbound hands a plaintext packet read from the TUN device to the
// peer's outbound loop for encryption and transmission.
func (p *Peer) StageOutbound(ctx context.Context, plaintext []byte) {
	select {
	case p.outbound <- plaintext:
	case <-ctx.Done():
	default:
		p.log.Debug("dropping outbound packet, queue full")
	}
}

// Run drives the peer's handshake/inbound/outbound tasks until ctx is
// cancelled, then waits for all three to exit.
func (p *Peer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.handshakeLoop(ctx) })
	g.Go(func() error { return p.inboundLoop(ctx) })
	g.Go(func() error { return p.outboundLoop(ctx) })
	return g.Wait()
}

// handshakeLoop re-initiates a handshake whenever the peer has no current
// session, subject to the retry backoff and attempt cap from spec §4.4.
func (p *Peer) handshakeLoop(ctx context.Context) error {
	ticker := time.NewTicker(handshakeRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.maybeInitiate(ctx)
		}
	}
}

func (p *Peer) maybeInitiate(ctx context.Context) {
	p.mu.RLock()
	hasCurrent := p.current != nil
	p.mu.RUnlock()
	if hasCurrent {
		p.handshakeAttempts.Store(0)
		return
	}

	last := p.lastHandshakeAttempt.Load()
	if time.Since(time.Unix(0, last)) < handshakeRetryInterval {
		return
	}
	if p.handshakeAttempts.Load() >= handshakeMaxAttempts {
		// Give up on the current endpoint: publish SessionFailed, clear the
		// endpoint slot so the selector re-runs (spec §4.9's endpoint swap),
		// and reset the counter so the next endpoint gets its own attempt
		// budget.
		p.handshakeAttempts.Store(0)
		p.emit(Event{Kind: EventSessionFailed})
		if _, ok := p.Endpoint(); ok {
			p.UpdateEndpoint(nil)
			p.emit(Event{Kind: EventPeerEndpointFailed})
		}
		return
	}

	index, err := p.localIndexAllocator()
	if err != nil {
		p.log.Warn("allocating local session index failed", "error", err)
		return
	}

	hs := wgcrypto.NewInitiatorHandshake(p.local, p.secret, index)
	msg, err := hs.CreateInitiation()
	if err != nil {
		p.log.Warn("creating handshake initiation failed", "error", err)
		return
	}

	p.mu.Lock()
	p.handshake = hs
	p.mu.Unlock()

	p.lastHandshakeAttempt.Store(time.Now().UnixNano())
	p.handshakeAttempts.Add(1)

	sender, ok := p.Endpoint()
	if !ok {
		p.log.Debug("no endpoint to send initiation to")
		return
	}
	if err := sender.Send(ctx, msg.Marshal()); err != nil {
		p.log.Warn("sending handshake initiation failed", "error", err)
	}
}

func (p *Peer) inboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-p.inbound:
			p.handleInbound(ctx, pkt)
		}
	}
}

func (p *Peer) handleInbound(ctx context.Context, pkt InboundPacket) {
	switch {
	case pkt.Initiation != nil:
		p.handleInitiation(ctx, pkt)
	case pkt.Response != nil:
		p.handleResponse(ctx, pkt)
	case pkt.Transport != nil:
		p.handleTransportData(pkt)
	case pkt.CookieReply != nil:
		p.log.Debug("received cookie reply")
	}
	if pkt.Reply != nil {
		p.UpdateEndpoint(pkt.Reply)
	}
	p.lastTrafficRecv.Store(time.Now().UnixNano())
}

// handleInitiation responds to an initiation already matched to this peer
// by the device dispatcher (which decrypts the static key and looks up the
// owning Peer via the registry before routing here — this method never
// does that lookup itself).
func (p *Peer) handleInitiation(ctx context.Context, pkt InboundPacket) {
	index, err := p.localIndexAllocator()
	if err != nil {
		p.log.Warn("allocating local session index failed", "error", err)
		return
	}

	hs := wgcrypto.NewResponderHandshake(p.local, index)
	if _, err := hs.ConsumeInitiation(pkt.Initiation); err != nil {
		p.log.Debug("rejecting initiation", "error", err)
		return
	}

	response, err := hs.CreateResponse(p.secret)
	if err != nil {
		p.log.Warn("creating handshake response failed", "error", err)
		return
	}

	sendKey, recvKey := hs.DeriveSessionKeys(false)
	session := wgcrypto.NewSession(hs.LocalIndex, hs.RemoteIndex, sendKey, recvKey)

	// Install as `next`, not `current`: per spec.md §3/§4.4 a responder's
	// session stays provisional until the first successful transport-data
	// exchange promotes it (handleTransportData), which is when the
	// initiator's zero-byte confirmation packet arrives.
	p.mu.Lock()
	p.next = session
	p.mu.Unlock()

	p.online.Store(true)
	p.handshakeAttempts.Store(0)

	sender := pkt.Reply
	if sender == nil {
		sender, _ = p.Endpoint()
	}
	if sender == nil {
		p.log.Debug("no endpoint to send handshake response to")
		return
	}
	if err := sender.Send(ctx, response.Marshal()); err != nil {
		p.log.Warn("sending handshake response failed", "error", err)
		return
	}
	p.log.Info("handshake response sent (responder)", "local_index", hs.LocalIndex, "remote_index", hs.RemoteIndex)
}

func (p *Peer) handleResponse(ctx context.Context, pkt InboundPacket) {
	p.mu.Lock()
	hs := p.handshake
	p.mu.Unlock()
	if hs == nil {
		p.log.Debug("received response with no pending handshake")
		return
	}

	if err := hs.ConsumeResponse(pkt.Response); err != nil {
		p.log.Warn("consuming handshake response failed", "error", err)
		return
	}

	sendKey, recvKey := hs.DeriveSessionKeys(true)
	session := wgcrypto.NewSession(hs.LocalIndex, hs.RemoteIndex, sendKey, recvKey)

	p.mu.Lock()
	p.previous = p.current
	p.current = session
	p.handshake = nil
	p.mu.Unlock()

	p.handshakeAttempts.Store(0)
	p.online.Store(true)
	p.log.Info("handshake complete", "local_index", hs.LocalIndex, "remote_index", hs.RemoteIndex)

	proto := ""
	if sender, ok := p.Endpoint(); ok {
		proto = sender.Protocol()
	}
	p.emit(Event{Kind: EventHandshakeComplete, Proto: proto})

	// Spec.md §4.4: the initiator confirms the response by sending a
	// zero-byte transport-data packet under the new session immediately.
	p.sendData(ctx, nil)
}

func (p *Peer) handleTransportData(pkt InboundPacket) {
	session, wasNext := p.sessionForTransportData(pkt.Transport)
	if session == nil {
		p.log.Debug("no session for inbound transport data")
		return
	}
	plaintext, err := session.DecryptData(pkt.Transport)
	if err != nil {
		p.log.Debug("dropping undecryptable transport data", "error", err)
		return
	}

	if wasNext {
		p.promoteNext(session)
	}

	if len(plaintext) == 0 {
		return // keepalive or handshake confirmation: no payload to deliver
	}
	if err := p.tun.WritePacket(plaintext); err != nil {
		p.log.Warn("writing decrypted packet to tun failed", "error", err)
	}
}

// sessionForTransportData looks up the session matching the transport
// header's receiver index, reporting whether it was the provisional `next`
// slot so the caller can promote it on successful decrypt.
func (p *Peer) sessionForTransportData(raw []byte) (session *wgcrypto.Session, wasNext bool) {
	header, err := wgcrypto.ParseTransportHeader(raw)
	if err != nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current != nil && p.current.LocalIndex == header.Receiver {
		return p.current, false
	}
	if p.next != nil && p.next.LocalIndex == header.Receiver {
		return p.next, true
	}
	if p.previous != nil && p.previous.LocalIndex == header.Receiver {
		return p.previous, false
	}
	return nil, false
}

// promoteNext confirms a responder's provisional session once the first
// transport-data packet under it has decrypted successfully (spec.md §3's
// uninit→next→current lifecycle), retiring the old current to previous and
// publishing HandshakeComplete now that both directions are confirmed.
func (p *Peer) promoteNext(session *wgcrypto.Session) {
	p.mu.Lock()
	if p.next != session {
		// Already promoted by a concurrent/duplicate packet.
		p.mu.Unlock()
		return
	}
	p.previous = p.current
	p.current = session
	p.next = nil
	p.mu.Unlock()

	proto := ""
	if sender, ok := p.Endpoint(); ok {
		proto = sender.Protocol()
	}
	p.log.Info("session confirmed (responder)", "local_index", session.LocalIndex, "remote_index", session.RemoteIndex)
	p.emit(Event{Kind: EventHandshakeComplete, Proto: proto})
}

func (p *Peer) outboundLoop(ctx context.Context) error {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case plaintext := <-p.outbound:
			p.sendData(ctx, plaintext)
		case <-ticker.C:
			p.maybeKeepalive(ctx)
		}
	}
}

func (p *Peer) maybeKeepalive(ctx context.Context) {
	if time.Since(time.Unix(0, p.lastTrafficSent.Load())) < keepaliveInterval {
		return
	}
	p.sendData(ctx, nil)
}

func (p *Peer) sendData(ctx context.Context, plaintext []byte) {
	p.mu.RLock()
	session := p.current
	p.mu.RUnlock()
	if session == nil {
		p.emit(Event{Kind: EventSessionFailed})
		return // handshakeLoop will initiate; drop until a session exists
	}

	ciphertext, err := session.EncryptData(plaintext)
	if err != nil {
		p.log.Warn("encrypting outbound packet failed", "error", err)
		return
	}

	sender, ok := p.Endpoint()
	if !ok {
		p.log.Debug("no endpoint to send outbound data to")
		return
	}
	if err := sender.Send(ctx, ciphertext); err != nil {
		p.log.Warn("sending outbound data failed", "error", err)
		return
	}
	p.lastTrafficSent.Store(time.Now().UnixNano())
}

// String satisfies fmt.Stringer for logging, matching the teacher's
// Peer(addr) convention.
func (p *Peer) String() string {
	return fmt.Sprintf("Peer(%s)", p.secret.Public.String())
}
