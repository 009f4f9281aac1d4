// Package netmgr implements the peer-side network manager from spec.md
// §4.9: the glue between a control-plane session, the local data-plane
// device, the extra-transport set, and the endpoint selector. Grounded on
// internal/agent/agent.go's top-level orchestrator (the same role: own one
// control connection, react to its events and broadcasts, keep a dynamic
// peer registry in sync with them) generalized from signaling+WebRTC to
// linkmesh's control client + WireGuard device + pluggable transports.
package netmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kuuji/linkmesh/internal/controlclient"
	"github.com/kuuji/linkmesh/internal/device"
	"github.com/kuuji/linkmesh/internal/endpointselector"
	"github.com/kuuji/linkmesh/internal/peer"
	"github.com/kuuji/linkmesh/internal/relay"
	"github.com/kuuji/linkmesh/internal/transport"
	"github.com/kuuji/linkmesh/internal/transport/nattcp"
	"github.com/kuuji/linkmesh/internal/transport/natudp"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
	"github.com/kuuji/linkmesh/internal/wireproto"
)

// ExtraTransport is one optional transport the manager brings up eagerly
// alongside the control connection (spec.md §4.9, "starts extra transports
// eagerly in parallel").
type ExtraTransport struct {
	Proto string
	// Start brings the transport up, publishing into hub, and returns the
	// local endpoint string to announce via UpdateExtraEndpoint.
	Start func(ctx context.Context, hub *transport.Hub) (endpoint string, err error)
	// Dial opens an outbound sender to a remote peer's announced endpoint
	// for this protocol, used by the endpoint selector.
	Dial func(ctx context.Context, hub *transport.Hub, remoteEndpoint string) (transport.Sender, error)
}

// TunFactory creates the local kernel TUN device once the manager has
// learned this peer's assigned address and subnet from ReqConfig — the
// address isn't known upfront, so the interface can't be brought up before
// the first successful control-plane round trip.
type TunFactory func(self netip.Addr, subnet netip.Prefix) (device.Tun, error)

// Config bundles what New needs to build a Manager.
type Config struct {
	Local        wgcrypto.LocalSecret
	Tun          TunFactory
	Hostname     string
	Port         uint32
	EndpointAddr string

	ExtraTransports []ExtraTransport
	RelayServerURL  string // empty disables the relay fallback

	// Persist is called once with the server's RespConfig after the first
	// successful ReqConfig, so the caller can write it to its own config
	// store; netmgr itself is agnostic to persistence format.
	Persist func(wireproto.RespConfig) error

	Logger *slog.Logger
}

// peerRoster tracks what the control plane has told us about one remote
// peer, independent of the data-plane Peer's own online/handshake state.
type peerRoster struct {
	ip             netip.Addr
	online         bool
	extraEndpoints map[string]string // proto -> endpoint
}

// Manager owns one peer's control connection, device, and transport set
// for the lifetime of a running agent.
type Manager struct {
	cfg Config
	log *slog.Logger

	client *controlclient.Client
	dev    *device.Device
	sel    *endpointselector.Manager
	relayC *relay.Client

	networkID uint64
	netmask   uint32
	netBase   netip.Addr

	mu     sync.RWMutex
	roster map[wgcrypto.Key]*peerRoster

	localMu    sync.RWMutex
	localExtra map[string]string // proto -> our own announced endpoint
}

// New constructs a Manager around a control client already configured to
// dial a headlink server; Run performs the connect/ReqConfig/device-start
// sequence.
func New(cfg Config, client *controlclient.Client) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		log:        log.With("component", "netmgr"),
		client:     client,
		roster:     make(map[wgcrypto.Key]*peerRoster),
		localExtra: make(map[string]string),
	}
}

// Run drives the manager until ctx is cancelled: connects, requests
// config, starts the device and extra transports, and dispatches inbound
// control messages for the rest of its life.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.client.Connect(ctx); err != nil {
		return fmt.Errorf("netmgr: initial connect: %w", err)
	}

	resp, err := m.requestConfig(ctx)
	if err != nil {
		return fmt.Errorf("netmgr: ReqConfig: %w", err)
	}

	if m.cfg.Persist != nil {
		if err := m.cfg.Persist(resp); err != nil {
			m.log.Warn("persisting server config failed", "error", err)
		}
	}

	if err := m.startDevice(resp); err != nil {
		return fmt.Errorf("netmgr: starting device: %w", err)
	}

	if m.cfg.RelayServerURL != "" {
		m.relayC = relay.NewClient(relay.ClientConfig{
			ServerURL: m.cfg.RelayServerURL,
			Self:      m.cfg.Local,
			Logger:    m.log,
		})
		if err := m.relayC.Connect(ctx); err != nil {
			m.log.Warn("relay connect failed, continuing without it", "error", err)
			m.relayC = nil
		}
	}

	m.sel = endpointselector.NewManager(m, m, m.log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.dev.Run(ctx) })
	g.Go(func() error { m.startExtraTransports(ctx); return nil })
	if m.relayC != nil {
		g.Go(func() error { return m.relayDispatchLoop(ctx) })
	}
	g.Go(func() error { return m.dispatchLoop(ctx) })
	g.Go(func() error { return m.eventLoop(ctx) })

	for _, p := range m.dev.Peers() {
		p := p
		g.Go(func() error { return p.Run(ctx) })
		g.Go(func() error { m.watchPeerEvents(ctx, p); return nil })
		m.sel.Watch(ctx, p, p.PublicKey())
	}

	return g.Wait()
}

// watchPeerEvents drains one peer's lifecycle-event bus for the manager's
// lifetime, reporting confirmed handshakes to the server (spec.md §4.8's
// dev_handshake_complete) and logging session/endpoint failures.
func (m *Manager) watchPeerEvents(ctx context.Context, p *peer.Peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case peer.EventHandshakeComplete:
				if _, err := m.client.Send(ctx, wireproto.DevHandshakeCompleteReq{
					TargetPubKey: wireproto.PubKey(ev.PubKey),
					Proto:        ev.Proto,
				}); err != nil {
					m.log.Warn("reporting completed handshake failed", "peer", ev.PubKey.String(), "error", err)
				}
			case peer.EventSessionFailed:
				m.log.Debug("peer session failed", "peer", ev.PubKey.String())
			case peer.EventPeerEndpointFailed:
				m.log.Info("peer endpoint cleared after repeated handshake failures", "peer", ev.PubKey.String())
			}
		}
	}
}

func (m *Manager) requestConfig(ctx context.Context) (wireproto.RespConfig, error) {
	data, err := m.client.Request(ctx, wireproto.ReqConfig{})
	if err != nil {
		return wireproto.RespConfig{}, err
	}
	resp, ok := data.(wireproto.RespConfig)
	if !ok {
		return wireproto.RespConfig{}, fmt.Errorf("expected RespConfig, got %T", data)
	}
	return resp, nil
}

// startDevice builds and starts the local device.Device from a RespConfig
// snapshot, and seeds the roster with the network's current peer states.
func (m *Manager) startDevice(resp wireproto.RespConfig) error {
	self, err := netip.ParseAddr(resp.IP)
	if err != nil {
		return fmt.Errorf("parsing assigned IP %q: %w", resp.IP, err)
	}
	base, err := netip.ParseAddr(resp.NetworkBase)
	if err != nil {
		return fmt.Errorf("parsing network base %q: %w", resp.NetworkBase, err)
	}

	m.networkID = resp.NetworkID
	m.netmask = resp.Netmask
	m.netBase = base

	extraByPeer := make(map[wireproto.PubKey][]wireproto.ExtraEndpoint, len(resp.PeerExtraTransports))
	for _, pe := range resp.PeerExtraTransports {
		extraByPeer[pe.PubKey] = pe.Endpoints
	}

	peerCfgs := make([]device.PeerConfig, 0, len(resp.Peers))
	m.mu.Lock()
	for _, info := range resp.Peers {
		pubKey := wgcrypto.Key(info.PubKey)
		ip, err := netip.ParseAddr(info.IP)
		prefixes := []netip.Prefix(nil)
		if err == nil {
			prefixes = []netip.Prefix{netip.PrefixFrom(ip, ip.BitLen())}
		}
		peerCfgs = append(peerCfgs, device.PeerConfig{
			Remote:     wgcrypto.PeerSecret{Public: pubKey},
			AllowedIPs: prefixes,
		})

		extra := make(map[string]string)
		for _, ep := range extraByPeer[info.PubKey] {
			extra[ep.Proto] = ep.Endpoint
		}
		m.roster[pubKey] = &peerRoster{ip: ip, online: info.IsOnline, extraEndpoints: extra}
	}
	m.mu.Unlock()

	subnet := netip.PrefixFrom(base, int(resp.Netmask))
	tun, err := m.cfg.Tun(self, subnet)
	if err != nil {
		return fmt.Errorf("creating TUN device: %w", err)
	}

	m.dev = device.New(device.Config{
		Local:  m.cfg.Local,
		Tun:    tun,
		Self:   self,
		Peers:  peerCfgs,
		Logger: m.log,
	})
	return nil
}

// startExtraTransports brings up every configured ExtraTransport eagerly
// and in parallel (spec.md §4.9). On success it records the local endpoint
// and announces it via UpdateExtraEndpoint; on failure it logs and leaves
// that protocol unannounced so the selector simply never offers it.
func (m *Manager) startExtraTransports(ctx context.Context) {
	var wg sync.WaitGroup
	for _, et := range m.cfg.ExtraTransports {
		et := et
		wg.Add(1)
		go func() {
			defer wg.Done()
			endpoint, err := et.Start(ctx, m.dev.Hub())
			if err != nil {
				m.log.Warn("extra transport failed to start", "proto", et.Proto, "error", err)
				m.clearLocalExtra(et.Proto)
				return
			}
			m.setLocalExtra(et.Proto, endpoint)
			if _, err := m.client.Send(ctx, wireproto.UpdateExtraEndpointReq{
				Proto:    et.Proto,
				Endpoint: endpoint,
			}); err != nil {
				m.log.Warn("announcing extra endpoint failed", "proto", et.Proto, "error", err)
			}
		}()
	}
	wg.Wait()
}

func (m *Manager) setLocalExtra(proto, endpoint string) {
	m.localMu.Lock()
	m.localExtra[proto] = endpoint
	m.localMu.Unlock()
}

func (m *Manager) clearLocalExtra(proto string) {
	m.localMu.Lock()
	delete(m.localExtra, proto)
	m.localMu.Unlock()
}

// eventLoop watches the control client's connection-lifecycle events and
// re-announces this peer's current state after every reconnect
// (EventConnected), per spec.md §4.9 ("on subsequent reconnects, re-sends
// PeerEnter"). The first connection (EventFirstConnected) is not announced.
func (m *Manager) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-m.client.Events():
			if !ok {
				return nil
			}
			if ev == controlclient.EventConnected {
				m.announcePeerEnter(ctx)
			}
		}
	}
}

func (m *Manager) announcePeerEnter(ctx context.Context) {
	m.localMu.RLock()
	extras := make([]wireproto.ExtraEndpoint, 0, len(m.localExtra))
	for proto, ep := range m.localExtra {
		extras = append(extras, wireproto.ExtraEndpoint{Proto: proto, Endpoint: ep})
	}
	m.localMu.RUnlock()

	req := wireproto.PeerEnterReq{
		EndpointAddr:   m.cfg.EndpointAddr,
		Port:           m.cfg.Port,
		ExtraEndpoints: extras,
	}
	if _, err := m.client.Send(ctx, req); err != nil {
		m.log.Warn("re-announcing PeerEnter failed", "error", err)
	}
}

// dispatchLoop drains broadcast ToClient frames and applies spec.md §4.9's
// dispatch table.
func (m *Manager) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-m.client.Messages():
			if !ok {
				return nil
			}
			m.handle(ctx, msg)
		}
	}
}

func (m *Manager) handle(ctx context.Context, msg *wireproto.ToClient) {
	switch d := msg.Data.(type) {
	case wireproto.PeerEnterBroadcast:
		m.handlePeerEnter(ctx, d)
	case wireproto.PeerLeaveBroadcast:
		m.handlePeerLeave(d)
	case wireproto.UpdateExtraEndpointBroadcast:
		m.handleUpdateExtraEndpoint(d)
	case wireproto.RequireReply:
		m.handleRequireReply(ctx, d)
	default:
		m.log.Debug("ignoring control message", "type", fmt.Sprintf("%T", d))
	}
}

// handlePeerEnter marks a peer online, upserting it into the device's
// registry if this is the first time it's been seen (spec.md §4.9).
func (m *Manager) handlePeerEnter(ctx context.Context, d wireproto.PeerEnterBroadcast) {
	pubKey := wgcrypto.Key(d.PubKey)
	ip, _ := netip.ParseAddr(d.IP)

	m.mu.Lock()
	r, known := m.roster[pubKey]
	if !known {
		r = &peerRoster{extraEndpoints: make(map[string]string)}
		m.roster[pubKey] = r
	}
	r.online = d.IsOnline
	if ip.IsValid() {
		r.ip = ip
	}
	m.mu.Unlock()

	if _, ok := m.dev.GetPeerByKey(pubKey); !ok && ip.IsValid() {
		p := m.dev.InsertPeer(device.PeerConfig{
			Remote:     wgcrypto.PeerSecret{Public: pubKey},
			AllowedIPs: []netip.Prefix{netip.PrefixFrom(ip, ip.BitLen())},
		})
		go func() {
			if err := p.Run(ctx); err != nil {
				m.log.Debug("peer loop stopped", "peer", pubKey.String(), "error", err)
			}
		}()
		go m.watchPeerEvents(ctx, p)
	}

	if p, ok := m.dev.GetPeerByKey(pubKey); ok && m.sel != nil {
		m.sel.Watch(ctx, p, pubKey)
	}
}

func (m *Manager) handlePeerLeave(d wireproto.PeerLeaveBroadcast) {
	pubKey := wgcrypto.Key(d.PubKey)
	m.mu.Lock()
	if r, ok := m.roster[pubKey]; ok {
		r.online = false
	}
	m.mu.Unlock()
	if m.sel != nil {
		m.sel.Forget(pubKey)
	}
	if p, ok := m.dev.GetPeerByKey(pubKey); ok {
		p.UpdateEndpoint(nil)
	}
}

func (m *Manager) handleUpdateExtraEndpoint(d wireproto.UpdateExtraEndpointBroadcast) {
	pubKey := wgcrypto.Key(d.PubKey)
	m.mu.Lock()
	r, ok := m.roster[pubKey]
	if !ok {
		r = &peerRoster{extraEndpoints: make(map[string]string)}
		m.roster[pubKey] = r
	}
	r.extraEndpoints[d.Proto] = d.Endpoint
	m.mu.Unlock()
}

// handleRequireReply attaches a relay endpoint for the named source peer,
// routing any inbound relay traffic from that source straight into this
// peer's handshake/session machinery (spec.md §4.9).
func (m *Manager) handleRequireReply(ctx context.Context, d wireproto.RequireReply) {
	if m.relayC == nil {
		m.log.Warn("RequireReply received but no relay client configured", "src", wgcrypto.Key(d.Src).String())
		return
	}
	pubKey := wgcrypto.Key(d.Src)
	p, ok := m.dev.GetPeerByKey(pubKey)
	if !ok {
		return
	}
	p.UpdateEndpoint(&relaySender{client: m.relayC, dst: pubKey})
}

// relayDispatchLoop feeds inbound relay packets into the device's hub so
// they're routed just like any other transport's inbound datagrams.
func (m *Manager) relayDispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-m.relayC.Messages():
			if !ok {
				return nil
			}
			sender := &relaySender{client: m.relayC, dst: pkt.From}
			if err := m.dev.Hub().Publish(ctx, transport.Inbound{Data: pkt.Data, Reply: sender}); err != nil {
				return err
			}
		}
	}
}

// --- endpointselector.Source / RelayFallback implementations --------------

// Attempts implements endpointselector.Source: one dial attempt per extra
// endpoint the remote peer has announced for a protocol this manager also
// runs.
func (m *Manager) Attempts(pubKey wgcrypto.Key) []endpointselector.Attempt {
	m.mu.RLock()
	r, ok := m.roster[pubKey]
	var extras map[string]string
	if ok {
		extras = make(map[string]string, len(r.extraEndpoints))
		for k, v := range r.extraEndpoints {
			extras[k] = v
		}
	}
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	attempts := make([]endpointselector.Attempt, 0, len(m.cfg.ExtraTransports))
	for _, et := range m.cfg.ExtraTransports {
		endpoint, has := extras[et.Proto]
		if !has {
			continue
		}
		et := et
		attempts = append(attempts, endpointselector.Attempt{
			Proto: et.Proto,
			Dial: func(ctx context.Context) (transport.Sender, error) {
				return et.Dial(ctx, m.dev.Hub(), endpoint)
			},
		})
	}
	return attempts
}

// RequireReply implements endpointselector.RelayFallback by asking headlink
// to instruct pubKey's peer to attach a relay endpoint for us, then
// returning our own sender to that peer over the relay.
func (m *Manager) RequireReply(ctx context.Context, pubKey wgcrypto.Key) (transport.Sender, error) {
	if m.relayC == nil {
		return nil, fmt.Errorf("netmgr: no relay configured")
	}
	// handlePeerForward on the server only broadcasts RequireReply to the
	// target; it never correlates a response to this request's id, so this
	// is fire-and-forget like any other Send, not a Request.
	_, err := m.client.Send(ctx, wireproto.PeerForward{
		TargetPubKey: wireproto.PubKey(pubKey),
		RequireReply: &wireproto.ForwardRequireReply{
			Src:    wireproto.PubKey(m.cfg.Local.Public),
			Proto:  "relay",
			Server: m.cfg.RelayServerURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("requesting relay rendezvous: %w", err)
	}
	return &relaySender{client: m.relayC, dst: pubKey}, nil
}

// relaySender adapts relay.Client to transport.Sender for one destination
// public key.
type relaySender struct {
	client *relay.Client
	dst    wgcrypto.Key
}

func (s *relaySender) Send(ctx context.Context, b []byte) error {
	return s.client.SendPacket(ctx, s.dst, b)
}

func (s *relaySender) Dst() string { return s.dst.String() }

func (s *relaySender) Protocol() string { return "relay" }

func (s *relaySender) CloneBox() transport.Sender {
	return &relaySender{client: s.client, dst: s.dst}
}

var _ transport.Sender = (*relaySender)(nil)

// NATUDPExtraTransport builds an ExtraTransport that brings up a STUN/UPnP
// NAT-UDP socket, announcing its STUN-discovered public endpoint.
func NATUDPExtraTransport(port int, stunServer string, logger *slog.Logger) ExtraTransport {
	var t *natudp.Transport
	return ExtraTransport{
		Proto: "nat-udp",
		Start: func(ctx context.Context, hub *transport.Hub) (string, error) {
			started, err := natudp.New(ctx, port, stunServer, hub, logger)
			if err != nil {
				return "", err
			}
			t = started
			addr, ok := t.PublicEndpoint()
			if !ok {
				return "", fmt.Errorf("nat-udp: no public endpoint discovered")
			}
			return addr.String(), nil
		},
		Dial: func(ctx context.Context, hub *transport.Hub, remote string) (transport.Sender, error) {
			if t == nil {
				return nil, fmt.Errorf("nat-udp: transport not started")
			}
			addr, err := net.ResolveUDPAddr("udp4", remote)
			if err != nil {
				return nil, err
			}
			return t.Sender(addr), nil
		},
	}
}

// NATTCPExtraTransport builds an ExtraTransport around a NAT-TCP listener,
// announcing the listener's bound address.
func NATTCPExtraTransport(listenAddr string, logger *slog.Logger) ExtraTransport {
	return ExtraTransport{
		Proto: "nat-tcp",
		Start: func(ctx context.Context, hub *transport.Hub) (string, error) {
			if _, err := nattcp.Listen(ctx, listenAddr, hub, logger); err != nil {
				return "", err
			}
			return listenAddr, nil
		},
		Dial: func(ctx context.Context, hub *transport.Hub, remote string) (transport.Sender, error) {
			return nattcp.Dial(ctx, remote, hub, logger)
		},
	}
}
