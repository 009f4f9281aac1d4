// Package natudp implements the NAT-UDP transport variant: a direct UDP
// socket whose public endpoint is learned via STUN and, where available,
// advertised via a UPnP IGD port mapping so unsolicited inbound packets can
// reach it. Grounded on internal/turn/dialer.go's dial-wrapping style.
// UPnP itself has no analog in the teacher; github.com/huin/goupnp is an
// out-of-pack dependency (see DESIGN.md).
package natudp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/kuuji/linkmesh/internal/transport"
	"github.com/kuuji/linkmesh/internal/transport/stun"
	"github.com/kuuji/linkmesh/internal/transport/udp"
)

const (
	leaseDuration  = 140 * time.Second
	leaseRefresh   = leaseDuration - 10*time.Second
	stunTimeout    = 3 * time.Second
	mappingService = "linkmesh"
)

// Transport wraps a udp.Listener with STUN-discovered public endpoint
// tracking and an optional UPnP IGD lease, kept alive for as long as the
// Transport runs.
type Transport struct {
	listener *udp.Listener
	conn     *net.UDPConn
	stunAddr string
	log      *slog.Logger

	mu          sync.RWMutex
	publicAddr  *net.UDPAddr
	haveMapping bool

	port int
}

// New opens a UDP listener on port, starts forwarding into hub, and begins
// the STUN refresh / UPnP lease-maintenance loop against stunAddr (a
// "host:port" STUN server).
func New(ctx context.Context, port int, stunAddr string, hub *transport.Hub, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	listener, err := udp.Listen(ctx, "udp4", port, hub, logger)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		listener: listener,
		stunAddr: stunAddr,
		log:      logger.With("component", "transport.natudp"),
		port:     listener.LocalPort(),
	}

	go t.maintainLoop(ctx)
	return t, nil
}

// PublicEndpoint returns the last STUN-observed public address, if any.
func (t *Transport) PublicEndpoint() (*net.UDPAddr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.publicAddr == nil {
		return nil, false
	}
	addr := *t.publicAddr
	return &addr, true
}

// Sender builds a transport.Sender to addr over this Transport's own
// socket, so outbound datagrams leave from the same hole-punched mapping a
// remote peer's NAT has seen.
func (t *Transport) Sender(addr *net.UDPAddr) transport.Sender {
	return udp.NewSender(t.listener.Conn(), addr, "nat-udp")
}

func (t *Transport) maintainLoop(ctx context.Context) {
	t.refresh(ctx)
	ticker := time.NewTicker(leaseRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.releaseMapping(context.Background())
			return
		case <-ticker.C:
			t.refresh(ctx)
		}
	}
}

func (t *Transport) refresh(ctx context.Context) {
	if addr, err := t.discoverViaSTUN(ctx); err != nil {
		t.log.Debug("stun discovery failed", "error", err)
	} else {
		t.mu.Lock()
		t.publicAddr = addr
		t.mu.Unlock()
	}
	t.maintainUPnPMapping(ctx)
}

func (t *Transport) discoverViaSTUN(ctx context.Context) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", t.stunAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving stun server: %w", err)
	}

	req, txID, err := stun.BuildBindingRequest()
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp4", nil, serverAddr)
	if err != nil {
		return nil, fmt.Errorf("dialing stun server: %w", err)
	}
	defer conn.Close()

	timeoutCtx, cancel := context.WithTimeout(ctx, stunTimeout)
	defer cancel()
	if dl, ok := timeoutCtx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("sending stun request: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("reading stun response: %w", err)
	}

	return stun.ParseBindingResponse(buf[:n], txID)
}

// maintainUPnPMapping attempts to add or refresh a port mapping on the
// first IGD device found on the LAN. Failure is non-fatal — many networks
// have no UPnP gateway, or it's disabled — the transport still works via
// the STUN-discovered endpoint plus hole punching.
func (t *Transport) maintainUPnPMapping(ctx context.Context) {
	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil || len(clients) == 0 {
		return
	}
	client := clients[0]

	localIP, err := firstNonLoopbackIPv4()
	if err != nil {
		t.log.Debug("no local IPv4 address for UPnP mapping", "error", err)
		return
	}

	err = client.AddPortMapping(
		"", uint16(t.port), "UDP", uint16(t.port), localIP.String(),
		true, mappingService, uint32(leaseDuration.Seconds()),
	)
	if err != nil {
		t.log.Debug("upnp AddPortMapping failed", "error", err)
		return
	}

	t.mu.Lock()
	t.haveMapping = true
	t.mu.Unlock()
}

func (t *Transport) releaseMapping(ctx context.Context) {
	t.mu.RLock()
	have := t.haveMapping
	t.mu.RUnlock()
	if !have {
		return
	}
	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil || len(clients) == 0 {
		return
	}
	_ = clients[0].DeletePortMapping("", uint16(t.port), "UDP")
}

func firstNonLoopbackIPv4() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no non-loopback IPv4 address found")
}

// Close shuts down the underlying UDP listener.
func (t *Transport) Close() error {
	return t.listener.Close()
}
