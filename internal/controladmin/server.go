// Package controladmin implements the peer-local HTTP admin surface from
// spec.md §6: "Listens on 0.0.0.0:5514 by default; exposes an /api/...
// namespace over a network-control state handle." Payloads are left
// unspecified there, so this package defines a minimal, practical shape:
// a plain TCP server (not a Unix socket) since spec.md fixes a TCP
// listen address explicitly.
package controladmin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DefaultAddr is the listen address spec.md §6 mandates.
const DefaultAddr = "0.0.0.0:5514"

// PeerStatus describes one mesh peer's current state, as observed by the
// local data plane and control-plane roster.
type PeerStatus struct {
	PublicKey      string `json:"public_key"`
	IP             string `json:"ip,omitempty"`
	Online         bool   `json:"online"`
	HandshakeAlive bool   `json:"handshake_alive"`
	Endpoint       string `json:"endpoint,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
}

// Status is the overall snapshot served at GET /api/status.
type Status struct {
	Hostname      string       `json:"hostname"`
	Address       string       `json:"address"`
	Server        string       `json:"server"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Peers         []PeerStatus `json:"peers"`
}

// StatusProvider returns the current agent status; supplied by whatever
// owns the netmgr.Manager and device.Device instances so this package
// stays decoupled from their concrete types.
type StatusProvider func() Status

// Server serves the admin HTTP API over a plain TCP listener.
type Server struct {
	addr     string
	provider StatusProvider
	log      *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds a Server bound to addr (DefaultAddr if empty).
func NewServer(addr string, provider StatusProvider, logger *slog.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		provider: provider,
		log:      logger.With("component", "controladmin"),
	}
}

// Start begins listening and serving in the background; it returns once
// the listener is bound so the caller learns immediately of a bind
// failure (e.g. the port already in use).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/peers", s.handlePeers)

	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin server error", "error", err)
		}
	}()

	s.log.Info("admin server started", "addr", s.addr)
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.provider()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Error("encoding status response", "error", err)
	}
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	status := s.provider()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status.Peers); err != nil {
		s.log.Error("encoding peers response", "error", err)
	}
}

// FetchStatus queries a running admin server's GET /api/status, used by an
// operator CLI that wants to inspect a peer from outside its process.
func FetchStatus(ctx context.Context, addr string) (*Status, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to admin server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return &status, nil
}
