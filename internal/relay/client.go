// Package relay implements the "leave unspecified" fallback transport from
// spec.md §4.5/§9: a persistent authenticated session to a relay server
// that forwards opaque packets between peers keyed by destination public
// key, for when no direct or NAT-traversed path exists. Grounded on
// internal/signaling/client.go's dial/reconnect/backoff loop, generalized
// from JSON signaling messages to raw length-prefixed relay frames.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

const (
	dialTimeout        = 10 * time.Second
	reconnectInitial   = 1 * time.Second
	reconnectMax       = 30 * time.Second
	drainTimeout       = 2 * time.Second // how long Close waits for the receive loop to exit
	frameHeaderLen     = 32              // destination public key prefix on every frame
	clientRecvBufSize  = 256
)

// ClientConfig configures a relay Client.
type ClientConfig struct {
	ServerURL string
	Self      wgcrypto.LocalSecret
	Logger    *slog.Logger
}

// Packet is one relayed datagram, addressed to or from a peer identified by
// public key.
type Packet struct {
	From wgcrypto.Key
	Data []byte
}

// Client maintains one persistent connection to a relay server, sending and
// receiving packets addressed by destination/source public key.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	recvCh chan Packet
	done   chan struct{}
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		log:    logger.With("component", "relay.client"),
		recvCh: make(chan Packet, clientRecvBufSize),
		done:   make(chan struct{}),
	}
}

// Messages returns the channel of packets relayed to this client.
func (c *Client) Messages() <-chan Packet {
	return c.recvCh
}

// Connect dials the relay server and starts the reconnecting receive loop.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.dial(ctx); err != nil {
		cancel()
		return fmt.Errorf("connecting to relay server: %w", err)
	}
	go c.receiveLoop(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.authToken()},
		},
	}
	conn, _, err := websocket.Dial(dialCtx, c.cfg.ServerURL, opts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// authToken is the base64 encoding of this client's public key, sent as
// the bearer token; Server.ServeHTTP reads the client's key from it. It
// carries no signature, so the server does not check that the client
// holds the matching private key.
func (c *Client) authToken() string {
	return base64.StdEncoding.EncodeToString(c.cfg.Self.Public[:])
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	delay := reconnectInitial
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := c.dial(ctx); err != nil {
				c.log.Warn("relay reconnect failed", "error", err, "retry_in", delay)
				delay = backoff(delay)
				continue
			}
			delay = reconnectInitial
			continue
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.log.Debug("relay connection lost", "error", err)
			c.closeConn()
			continue
		}

		pkt, err := parseFrame(data)
		if err != nil {
			c.log.Debug("dropping malformed relay frame", "error", err)
			continue
		}

		select {
		case c.recvCh <- pkt:
		case <-ctx.Done():
			return
		default:
			c.log.Debug("dropping relayed packet, receive buffer full")
		}
	}
}

// SendPacket relays data to dst via the server.
func (c *Client) SendPacket(ctx context.Context, dst wgcrypto.Key, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay: not connected")
	}
	frame := buildFrame(dst, data)
	return conn.Write(ctx, websocket.MessageBinary, frame)
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}
}

// Close cancels the receive loop, waits up to drainTimeout for it to exit,
// then closes the underlying connection. SendPacket writes synchronously,
// so there is no queue of outstanding sends to drain, and Close does not
// wait for sends still in progress on other goroutines.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.done:
	case <-time.After(drainTimeout):
	}
	c.closeConn()
	return nil
}

func backoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		d = reconnectMax
	}
	return d
}

func buildFrame(dst wgcrypto.Key, payload []byte) []byte {
	frame := make([]byte, frameHeaderLen+len(payload))
	copy(frame[:frameHeaderLen], dst[:])
	copy(frame[frameHeaderLen:], payload)
	return frame
}

func parseFrame(data []byte) (Packet, error) {
	if len(data) < frameHeaderLen {
		return Packet{}, fmt.Errorf("relay: frame shorter than header (%d bytes)", len(data))
	}
	var from wgcrypto.Key
	copy(from[:], data[:frameHeaderLen])
	payload := make([]byte, len(data)-frameHeaderLen)
	copy(payload, data[frameHeaderLen:])
	return Packet{From: from, Data: payload}, nil
}

// encodeLength returns n as a 4-byte big-endian length. Nothing in this
// package calls it: coder/websocket messages are already length-delimited
// at the transport level.
func encodeLength(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}
