// Package device owns the local TUN interface and the peer registry,
// wiring the two together: packets read from the kernel are routed to the
// right peer by destination IP, and datagrams arriving from any transport
// are routed to the right peer by session index (or, for initiations, by
// decrypting the sender's static key). Grounded on internal/agent/agent.go's
// device-level dispatch plus internal/tunnel for the interface itself;
// the cookie/rate-limit gate is spec §4.3 built on internal/wgcrypto, which
// the teacher has no analog for.
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kuuji/linkmesh/internal/peer"
	"github.com/kuuji/linkmesh/internal/transport"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

// Tun is the packet-at-a-time surface internal/tundev provides.
type Tun interface {
	ReadPacket() ([]byte, error)
	WritePacket(b []byte) error
	Close() error
}

// PeerConfig describes one mesh peer to register with the device.
type PeerConfig struct {
	Remote     wgcrypto.PeerSecret
	AllowedIPs []netip.Prefix
}

// Config bundles what New needs to bring up a device.
type Config struct {
	Local wgcrypto.LocalSecret
	Tun   Tun
	Self  netip.Addr
	Peers []PeerConfig

	Logger *slog.Logger
}

// Device is the per-node dispatcher: one TUN interface, one inbound hub fed
// by every active transport, and the registry of peers those two surfaces
// route through.
type Device struct {
	log   *slog.Logger
	local wgcrypto.LocalSecret
	self  netip.Addr

	tun    Tun
	hub    *transport.Hub
	cookie *wgcrypto.CookieChecker

	mu         sync.RWMutex
	byKey      map[wgcrypto.Key]*peer.Peer
	allowedIPs map[wgcrypto.Key][]netip.Prefix

	indexMu sync.Mutex
	byIndex map[uint32]*peer.Peer
	nextIdx uint32
}

func New(cfg Config) *Device {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		log:        logger.With("component", "device"),
		local:      cfg.Local,
		self:       cfg.Self,
		tun:        cfg.Tun,
		hub:        transport.NewHub(),
		cookie:     wgcrypto.NewCookieChecker(cfg.Local.Public),
		byKey:      make(map[wgcrypto.Key]*peer.Peer),
		allowedIPs: make(map[wgcrypto.Key][]netip.Prefix),
		byIndex:    make(map[uint32]*peer.Peer),
	}
	for _, pc := range cfg.Peers {
		d.InsertPeer(pc)
	}
	return d
}

// Hub returns the inbound fan-in point every transport publishes to.
func (d *Device) Hub() *transport.Hub { return d.hub }

// allocIndexFor returns an index allocator scoped to p: every index it
// hands out is also registered in the device-global byIndex map, so the
// inbound dispatcher can route transport-data/response/cookie-reply packets
// to p by receiver index without p needing to know about the registry.
func (d *Device) allocIndexFor(p *peer.Peer) func() (uint32, error) {
	return func() (uint32, error) {
		d.indexMu.Lock()
		defer d.indexMu.Unlock()
		for {
			d.nextIdx++
			idx := d.nextIdx
			if idx == 0 {
				continue // never hand out index 0
			}
			if _, taken := d.byIndex[idx]; taken {
				continue
			}
			d.byIndex[idx] = p
			return idx, nil
		}
	}
}

// InsertPeer registers a new peer (or replaces the existing one for the
// same public key) and returns the live *peer.Peer, ready for Run.
func (d *Device) InsertPeer(pc PeerConfig) *peer.Peer {
	// allocIndexFor needs the *peer.Peer it's registering indices against,
	// but the allocator has to be supplied at construction time; close over
	// a pointer that's filled in immediately after New returns.
	var p *peer.Peer
	p = peer.New(peer.Config{
		Local:  d.local,
		Remote: pc.Remote,
		Tun:    d.tun,
		LocalIndexAllocator: func() (uint32, error) {
			return d.allocIndexFor(p)()
		},
		Logger: d.log,
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byKey[pc.Remote.Public] = p
	d.allowedIPs[pc.Remote.Public] = pc.AllowedIPs
	return p
}

// ResetPeers replaces the entire peer set, e.g. after a fresh ReqConfig
// snapshot arrives from the headlink server.
func (d *Device) ResetPeers(peers []PeerConfig) []*peer.Peer {
	d.mu.Lock()
	d.byKey = make(map[wgcrypto.Key]*peer.Peer)
	d.allowedIPs = make(map[wgcrypto.Key][]netip.Prefix)
	d.mu.Unlock()

	d.indexMu.Lock()
	d.byIndex = make(map[uint32]*peer.Peer)
	d.indexMu.Unlock()

	out := make([]*peer.Peer, 0, len(peers))
	for _, pc := range peers {
		out = append(out, d.InsertPeer(pc))
	}
	return out
}

func (d *Device) GetPeerByKey(key wgcrypto.Key) (*peer.Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byKey[key]
	return p, ok
}

// Peers returns a snapshot of every currently registered peer, e.g. so a
// caller can start each one's Run loop after InsertPeer/ResetPeers.
func (d *Device) Peers() []*peer.Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(d.byKey))
	for _, p := range d.byKey {
		out = append(out, p)
	}
	return out
}

func (d *Device) GetPeerBySessionIndex(idx uint32) (*peer.Peer, bool) {
	d.indexMu.Lock()
	defer d.indexMu.Unlock()
	p, ok := d.byIndex[idx]
	return p, ok
}

// GetPeerByIP returns the peer whose AllowedIPs contains ip under the
// longest matching prefix, per spec §4.6.
func (d *Device) GetPeerByIP(ip netip.Addr) (*peer.Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var best *peer.Peer
	bestBits := -1
	for key, prefixes := range d.allowedIPs {
		for _, prefix := range prefixes {
			if !prefix.Contains(ip) {
				continue
			}
			if prefix.Bits() > bestBits {
				bestBits = prefix.Bits()
				best = d.byKey[key]
			}
		}
	}
	return best, best != nil
}

// Run drives the outbound (TUN -> peers) and inbound (hub -> peers) device
// tasks until ctx is cancelled.
func (d *Device) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.outboundLoop(ctx) })
	g.Go(func() error { return d.inboundLoop(ctx) })
	return g.Wait()
}

// outboundLoop reads packets from the kernel and routes each by destination
// IP to the owning peer's StageOutbound, or loops it straight back to the
// TUN if it's addressed to this node itself.
func (d *Device) outboundLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := d.tun.ReadPacket()
		if err != nil {
			return fmt.Errorf("reading from tun: %w", err)
		}
		if len(raw) == 0 {
			continue
		}
		dst, ok := destAddr(raw)
		if !ok {
			d.log.Debug("dropping outbound packet with unrecognized header")
			continue
		}
		if dst == d.self {
			if err := d.tun.WritePacket(raw); err != nil {
				d.log.Warn("looping packet back to self failed", "error", err)
			}
			continue
		}
		p, ok := d.GetPeerByIP(dst)
		if !ok {
			d.log.Debug("dropping outbound packet with no matching peer", "dst", dst)
			continue
		}
		p.StageOutbound(ctx, raw)
	}
}

// destAddr extracts the destination address from a raw IPv4 or IPv6 packet
// read off the TUN device.
func destAddr(raw []byte) (netip.Addr, bool) {
	if len(raw) < 1 {
		return netip.Addr{}, false
	}
	switch raw[0] >> 4 {
	case 4:
		if len(raw) < 20 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(raw[16:20])), true
	case 6:
		if len(raw) < 40 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(raw[24:40])), true
	default:
		return netip.Addr{}, false
	}
}

// inboundLoop drains the transport hub and routes every datagram to its
// peer, applying the mac1/mac2 DoS-mitigation gate from spec §4.3 to
// handshake messages before any expensive crypto runs.
func (d *Device) inboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-d.hub.Receive():
			if !ok {
				return nil
			}
			d.dispatch(ctx, in)
		}
	}
}

func (d *Device) dispatch(ctx context.Context, in transport.Inbound) {
	raw := in.Data
	if len(raw) < 1 {
		return
	}

	switch raw[0] {
	case wgcrypto.MessageInitiationType, wgcrypto.MessageResponseType:
		d.dispatchHandshake(ctx, raw, in.Reply)
	case wgcrypto.MessageCookieReplyType:
		msg, err := wgcrypto.ParseMessageCookieReply(raw)
		if err != nil {
			return
		}
		if p, ok := d.GetPeerBySessionIndex(msg.Receiver); ok {
			p.StageInbound(ctx, peer.InboundPacket{Reply: in.Reply, CookieReply: msg})
		}
	case wgcrypto.MessageTransportType:
		header, err := wgcrypto.ParseTransportHeader(raw)
		if err != nil {
			return
		}
		if p, ok := d.GetPeerBySessionIndex(header.Receiver); ok {
			p.StageInbound(ctx, peer.InboundPacket{Reply: in.Reply, Transport: raw})
		}
	default:
		d.log.Debug("dropping inbound datagram with unknown type", "type", raw[0])
	}
}

// dispatchHandshake applies the mac1/mac2 gate and, for initiations, peeks
// the sender's static key to find the owning peer before handing the
// packet to that peer's own (independent) handshake state machine.
func (d *Device) dispatchHandshake(ctx context.Context, raw []byte, reply transport.Sender) {
	if !wgcrypto.VerifyMAC1(raw, d.local.Public) {
		d.log.Debug("dropping handshake message with bad mac1")
		return
	}

	sourceAddr := []byte(reply.Dst())
	if d.cookie.UnderLoad(sourceAddr) {
		if !d.cookie.ValidateMAC2(raw, sourceAddr) {
			d.sendCookieReply(ctx, raw, sourceAddr, reply)
			return
		}
	}

	if raw[0] == wgcrypto.MessageResponseType {
		msg, err := wgcrypto.ParseMessageResponse(raw)
		if err != nil {
			return
		}
		if p, ok := d.GetPeerBySessionIndex(msg.Receiver); ok {
			p.StageInbound(ctx, peer.InboundPacket{Reply: reply, Response: msg})
		}
		return
	}

	msg, err := wgcrypto.ParseMessageInitiation(raw)
	if err != nil {
		return
	}

	// Peek the initiator's static key with a throwaway handshake; side
	// effects are confined to that instance, so this never disturbs the
	// real per-peer handshake state consumed just below.
	peek := wgcrypto.NewResponderHandshake(d.local, 0)
	remoteStatic, err := peek.ConsumeInitiation(msg)
	if err != nil {
		d.log.Debug("rejecting initiation, failed to identify sender", "error", err)
		return
	}

	p, ok := d.GetPeerByKey(remoteStatic)
	if !ok {
		d.log.Debug("dropping initiation from unknown peer")
		return
	}
	p.StageInbound(ctx, peer.InboundPacket{Reply: reply, Initiation: msg})
}

func (d *Device) sendCookieReply(ctx context.Context, raw []byte, sourceAddr []byte, reply transport.Sender) {
	var receiver uint32
	var mac1 [16]byte
	switch raw[0] {
	case wgcrypto.MessageInitiationType:
		receiver = binary.LittleEndian.Uint32(raw[4:8])
		copy(mac1[:], raw[wgcrypto.MessageInitiationSize-32:wgcrypto.MessageInitiationSize-16])
	case wgcrypto.MessageResponseType:
		receiver = binary.LittleEndian.Uint32(raw[4:8])
		copy(mac1[:], raw[wgcrypto.MessageResponseSize-32:wgcrypto.MessageResponseSize-16])
	default:
		return
	}

	msg, err := d.cookie.CreateReply(receiver, mac1, sourceAddr)
	if err != nil {
		d.log.Warn("creating cookie reply failed", "error", err)
		return
	}
	if err := reply.Send(ctx, msg.Marshal()); err != nil {
		d.log.Debug("sending cookie reply failed", "error", err)
	}
}
