package relay

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

// Server is a relay server: it accepts WebSocket connections from peers,
// authenticates each by the public key carried in its bearer token, and
// forwards frames between them by destination public key. Grounded on
// internal/signaling/hub.go's accept-loop/peer-map/forward shape,
// generalized from JSON-addressed-by-peer-ID to binary-addressed-by-key.
//
// Server implements http.Handler and can be mounted on any HTTP server.
type Server struct {
	mu    sync.Mutex
	peers map[wgcrypto.Key]*serverPeer

	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

type serverPeer struct {
	key  wgcrypto.Key
	conn *websocket.Conn
}

func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		peers:  make(map[wgcrypto.Key]*serverPeer),
		log:    logger.With("component", "relay.server"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close forcefully disconnects every connected peer and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		_ = p.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.cancel()
}

// ServeHTTP implements http.Handler. Every connection must present a
// bearer token carrying its base64-encoded public key as the Authorization
// header; see Client.authToken.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, ok := parseBearerKey(r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "missing or malformed bearer token", http.StatusUnauthorized)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	peer := &serverPeer{key: key, conn: c}
	s.mu.Lock()
	s.peers[key] = peer
	s.mu.Unlock()
	s.log.Info("relay peer connected", "public_key", base64.StdEncoding.EncodeToString(key[:]))

	defer func() {
		s.mu.Lock()
		if s.peers[key] == peer {
			delete(s.peers, key)
		}
		s.mu.Unlock()
		s.log.Info("relay peer disconnected", "public_key", base64.StdEncoding.EncodeToString(key[:]))
	}()

	ctx := s.ctx
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		pkt, err := parseFrame(data)
		if err != nil {
			s.log.Debug("dropping malformed relay frame", "error", err)
			continue
		}

		// The dest key travels in the same header position as the source
		// key on the wire (frameHeaderLen prefix); on the server side we
		// reinterpret it as the routing destination and rewrite it to the
		// sender's key before forwarding, so the recipient sees who it's
		// from.
		dst := pkt.From
		s.mu.Lock()
		target, ok := s.peers[dst]
		s.mu.Unlock()
		if !ok {
			s.log.Debug("relay target not connected", "public_key", base64.StdEncoding.EncodeToString(dst[:]))
			continue
		}

		outFrame := buildFrame(key, pkt.Data)
		if err := target.conn.Write(ctx, websocket.MessageBinary, outFrame); err != nil {
			s.log.Debug("relay forward failed", "error", err)
		}
	}
}

func parseBearerKey(header string) (wgcrypto.Key, bool) {
	const prefix = "Bearer "
	var zero wgcrypto.Key
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return zero, false
	}
	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil || len(raw) != len(zero) {
		return zero, false
	}
	var key wgcrypto.Key
	copy(key[:], raw)
	return key, true
}
