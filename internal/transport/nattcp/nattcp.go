// Package nattcp implements the NAT-TCP transport variant: a reused TCP
// listener and connected streams carrying raw WireGuard datagrams, framed
// only by the sender's read boundary (a 2KB buffer), per spec.md §4.5.
// Grounded on internal/turn/dialer.go's net.Conn dial/wrap pattern.
package nattcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/kuuji/linkmesh/internal/transport"
)

const readBufferSize = 2048

// Listener accepts inbound TCP connections and forwards whatever bytes
// arrive on each into the shared transport.Hub, one datagram per Read.
type Listener struct {
	ln  net.Listener
	hub *transport.Hub
	log *slog.Logger

	mu    sync.Mutex
	conns map[string]net.Conn
}

func Listen(ctx context.Context, addr string, hub *transport.Hub, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	l := &Listener{
		ln:    ln,
		hub:   hub,
		log:   logger.With("component", "transport.nattcp"),
		conns: make(map[string]net.Conn),
	}
	go l.acceptLoop(ctx)
	return l, nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			l.log.Warn("accept failed", "error", err)
			return
		}
		l.mu.Lock()
		l.conns[conn.RemoteAddr().String()] = conn
		l.mu.Unlock()
		go l.readLoop(ctx, conn)
	}
}

func (l *Listener) readLoop(ctx context.Context, conn net.Conn) {
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn.RemoteAddr().String())
		l.mu.Unlock()
		conn.Close()
	}()

	buf := make([]byte, readBufferSize)
	sender := &Sender{conn: conn}
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if err := l.hub.Publish(ctx, transport.Inbound{Data: data, Reply: sender}); err != nil {
			return
		}
	}
}

// Close shuts down the listener and every connection it accepted.
func (l *Listener) Close() error {
	l.mu.Lock()
	for _, c := range l.conns {
		c.Close()
	}
	l.mu.Unlock()
	return l.ln.Close()
}

// Dial opens an outbound connection to a peer's NAT-TCP listener and starts
// forwarding its inbound bytes into hub, returning a Sender for the
// connection.
func Dial(ctx context.Context, addr string, hub *transport.Hub, logger *slog.Logger) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	sender := &Sender{conn: conn}
	go func() {
		defer conn.Close()
		buf := make([]byte, readBufferSize)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			if err := hub.Publish(ctx, transport.Inbound{Data: data, Reply: sender}); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

// Sender writes WireGuard datagrams directly onto one TCP stream.
type Sender struct {
	conn net.Conn
}

func (s *Sender) Send(ctx context.Context, b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

func (s *Sender) Dst() string { return s.conn.RemoteAddr().String() }

func (s *Sender) Protocol() string { return "nat-tcp" }

func (s *Sender) CloneBox() transport.Sender {
	return &Sender{conn: s.conn}
}

var _ transport.Sender = (*Sender)(nil)
