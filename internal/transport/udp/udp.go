// Package udp implements the direct UDP transport variant: one shared v4
// and v6 socket, dual-stack, with a Sender per remote address. Grounded on
// golang.zx2c4.com/wireguard/conn's socket lifecycle and
// internal/bridge/bridge.go's Bind shape, adapted from a WebRTC data
// channel to a real kernel socket.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/kuuji/linkmesh/internal/transport"
)

const maxDatagramSize = 2048

// Listener owns one bound UDP socket (v4 or v6) and feeds every received
// datagram into the shared transport.Hub.
type Listener struct {
	conn *net.UDPConn
	hub  *transport.Hub
	log  *slog.Logger

	protocol string // "udp4" or "udp6"

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen opens a UDP socket on the given network ("udp4" or "udp6") and
// port, and starts forwarding received datagrams into hub.
func Listen(ctx context.Context, network string, port int, hub *transport.Hub, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s:%d: %w", network, port, err)
	}

	l := &Listener{
		conn:     conn,
		hub:      hub,
		log:      logger.With("component", "transport.udp", "network", network),
		protocol: network,
		closed:   make(chan struct{}),
	}
	go l.readLoop(ctx)
	return l, nil
}

// LocalPort reports the port the socket is bound to, useful when Listen
// was called with port 0 to let the kernel choose.
func (l *Listener) LocalPort() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// Conn exposes the underlying socket so a caller can build Senders to
// addresses not yet seen inbound, reusing the same hole-punched mapping.
func (l *Listener) Conn() *net.UDPConn {
	return l.conn
}

func (l *Listener) readLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closed:
				return
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("udp read failed", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		sender := &Sender{conn: l.conn, addr: raddr, protocol: l.protocol}
		if err := l.hub.Publish(ctx, transport.Inbound{Data: data, Reply: sender}); err != nil {
			return
		}
	}
}

// Close shuts down the listener's socket.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return l.conn.Close()
}

// Sender writes datagrams to one remote UDP address over a shared socket.
type Sender struct {
	conn     *net.UDPConn
	addr     *net.UDPAddr
	protocol string
}

// NewSender builds a Sender for an address not yet seen inbound — used
// when dialing a peer's configured endpoint rather than replying to one.
func NewSender(conn *net.UDPConn, addr *net.UDPAddr, protocol string) *Sender {
	return &Sender{conn: conn, addr: addr, protocol: protocol}
}

func (s *Sender) Send(ctx context.Context, b []byte) error {
	_, err := s.conn.WriteToUDP(b, s.addr)
	return err
}

func (s *Sender) Dst() string { return s.addr.String() }

func (s *Sender) Protocol() string { return s.protocol }

func (s *Sender) CloneBox() transport.Sender {
	addr := *s.addr
	return &Sender{conn: s.conn, addr: &addr, protocol: s.protocol}
}

var _ transport.Sender = (*Sender)(nil)
