package headlink

import (
	"context"
	"log/slog"
	"net"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

const protocolVersion = 1

// Server accepts peer control-plane connections and runs each through its
// own Connection triad. Grounded on internal/signaling/hub.go's accept
// loop, generalized from one http.Handler upgrade to a raw TCP listener.
type Server struct {
	local    wgcrypto.LocalSecret
	version  uint32
	repo     Repository
	registry *Registry
	log      *slog.Logger

	ln net.Listener
}

// NewServer constructs a Server; call Serve to start accepting
// connections.
func NewServer(local wgcrypto.LocalSecret, repo Repository, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		local:    local,
		version:  protocolVersion,
		repo:     repo,
		registry: NewRegistry(repo),
		log:      logger.With("component", "headlink"),
	}
}

// Serve listens on addr and accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	c := newConnection(conn, s, s.log.With("remote", conn.RemoteAddr().String()))
	if err := c.run(ctx); err != nil {
		s.log.Debug("connection ended", "error", err, "remote", conn.RemoteAddr().String())
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}
