// Package controlclient implements the peer-side control-plane session:
// a reconnecting framed-protobuf connection to the headlink server with
// request/response correlation by id and broadcast fan-out of inbound
// frames (spec.md §4.7). Grounded on internal/signaling/client.go, whose
// dial/reconnect/backoff/Messages() shape generalizes almost directly from
// "WebSocket to signaling server" to "raw TCP to headlink" — the swap is
// the wire codec (wireproto instead of pkg/protocol) and id-correlated
// Request, which the signaling client has no analog for.
package controlclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
	"github.com/kuuji/linkmesh/internal/wireproto"
)

// Event describes a connection-lifecycle transition delivered alongside
// the message stream.
type Event int

const (
	EventConnected Event = iota
	EventFirstConnected
	EventDisconnected
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
	handshakeTimeout      = 10 * time.Second
	reconnectDelay        = 3 * time.Second // spec.md §4.7: constant backoff
	broadcastBufferSize   = 256
)

// Config configures a Client.
type Config struct {
	ServerAddr     string
	Local          wgcrypto.LocalSecret
	Token          string
	Logger         *slog.Logger
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// Client owns one logical control-plane session to headlink, transparently
// reconnecting on failure.
type Client struct {
	cfg Config
	log *slog.Logger

	reqTimeout time.Duration

	msgCh  chan *wireproto.ToClient
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        net.Conn
	nextID      uint64
	pending     map[uint64]chan *wireproto.ToClient
	everyOnline bool
}

func NewClient(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "controlclient")

	reqTimeout := cfg.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = defaultRequestTimeout
	}

	return &Client{
		cfg:        cfg,
		log:        log,
		reqTimeout: reqTimeout,
		msgCh:      make(chan *wireproto.ToClient, broadcastBufferSize),
		events:     make(chan Event, 4),
		done:       make(chan struct{}),
		pending:    make(map[uint64]chan *wireproto.ToClient),
	}
}

// Messages returns the broadcast fan-out of every inbound ToClient frame.
func (c *Client) Messages() <-chan *wireproto.ToClient { return c.msgCh }

// Events returns connection-lifecycle transitions (first-connect vs.
// reconnect vs. disconnect).
func (c *Client) Events() <-chan Event { return c.events }

// Connect performs the initial dial/handshake synchronously so the caller
// learns immediately whether the server is reachable, then starts the
// reconnecting receive loop in the background.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	conn, err := c.dialAndHandshake(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("connecting to headlink: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.emitEvent(EventFirstConnected)
	c.everyOnline = true

	go c.receiveLoop(ctx)
	return nil
}

// dialAndHandshake opens a TCP connection and runs the handshake sequence
// from spec.md §4.7: dial, await RespServerInfo, send Handshake, await
// RespHandshake{success=true}.
func (c *Client) dialAndHandshake(ctx context.Context) (net.Conn, error) {
	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", c.cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.cfg.ServerAddr, err)
	}

	if err := c.runHandshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) runHandshake(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	infoFrame, err := wireproto.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("reading server info: %w", err)
	}
	infoMsg, err := wireproto.UnmarshalToClient(infoFrame)
	if err != nil {
		return fmt.Errorf("decoding server info: %w", err)
	}
	info, ok := infoMsg.Data.(wireproto.RespServerInfo)
	if !ok {
		return fmt.Errorf("expected RespServerInfo, got %T", infoMsg.Data)
	}

	sign, err := signHello(c.cfg.Local.Private, info.PubKey)
	if err != nil {
		return fmt.Errorf("signing hello: %w", err)
	}

	hs := &wireproto.ToServer{
		ID: 1,
		Data: wireproto.Handshake{
			Version: 1,
			PubKey:  wireproto.PubKey(c.cfg.Local.Public),
			Token:   c.cfg.Token,
			Sign:    sign,
		},
	}
	hsRaw, err := wireproto.MarshalToServer(hs)
	if err != nil {
		return fmt.Errorf("encoding handshake: %w", err)
	}
	if err := wireproto.WriteFrame(conn, hsRaw); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}

	respFrame, err := wireproto.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}
	respMsg, err := wireproto.UnmarshalToClient(respFrame)
	if err != nil {
		return fmt.Errorf("decoding handshake response: %w", err)
	}
	resp, ok := respMsg.Data.(wireproto.RespHandshake)
	if !ok {
		return fmt.Errorf("expected RespHandshake, got %T", respMsg.Data)
	}
	if !resp.Success {
		if resp.Msg != "" {
			return fmt.Errorf("headlink rejected handshake: %s", resp.Msg)
		}
		return errors.New("headlink rejected handshake")
	}
	return nil
}

// signHello computes the XSalsa20-Poly1305 sealed "hello" under a
// SalsaBox(server_pub, self_priv) keypair, nonce = the first 24 bytes of
// server_pub, per spec.md §4.7. It returns the raw sealed bytes; they are
// not base-64 encoded, and the server's verifyHello opens them as raw bytes.
func signHello(selfPrivate wgcrypto.Key, serverPub wireproto.PubKey) ([]byte, error) {
	var nonce [24]byte
	copy(nonce[:], serverPub[:24])

	serverPubArr := [32]byte(serverPub)
	selfPrivArr := [32]byte(selfPrivate)
	return box.Seal(nil, []byte("hello"), &nonce, &serverPubArr, &selfPrivArr), nil
}

// send assigns the next id (unless id is non-nil) and writes data as a
// ToServer frame.
func (c *Client) send(ctx context.Context, id *uint64, data wireproto.ServerData) (uint64, error) {
	c.mu.Lock()
	conn := c.conn
	var assigned uint64
	if id != nil {
		assigned = *id
	} else {
		c.nextID++
		assigned = c.nextID
	}
	c.mu.Unlock()

	if conn == nil {
		return 0, errors.New("controlclient: not connected")
	}

	raw, err := wireproto.MarshalToServer(&wireproto.ToServer{ID: assigned, Data: data})
	if err != nil {
		return 0, fmt.Errorf("encoding message: %w", err)
	}
	if err := wireproto.WriteFrame(conn, raw); err != nil {
		return 0, fmt.Errorf("writing frame: %w", err)
	}
	return assigned, nil
}

// Send writes data to the wire under the next id and returns that id.
func (c *Client) Send(ctx context.Context, data wireproto.ServerData) (uint64, error) {
	return c.send(ctx, nil, data)
}

// Request sends data and awaits the correlated response, bounded by the
// client's request timeout (default 30s).
func (c *Client) Request(ctx context.Context, data wireproto.ServerData) (wireproto.ClientData, error) {
	ch := make(chan *wireproto.ToClient, 1)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if _, err := c.send(ctx, &id, data); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if errResp, ok := resp.Data.(wireproto.Error); ok {
			return nil, fmt.Errorf("headlink error %d: %s", errResp.Code, errResp.Msg)
		}
		return resp.Data, nil
	case <-reqCtx.Done():
		return nil, fmt.Errorf("controlclient: request %d timed out", id)
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) emitEvent(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// Close tears down the client and its background reconnect loop.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	return nil
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)

	for {
		err := c.readFrames(ctx)
		if ctx.Err() != nil {
			c.closeConn()
			return
		}
		c.log.Warn("control connection lost", "error", err)
		c.closeConn()
		c.emitEvent(EventDisconnected)

		if !c.reconnect(ctx) {
			return
		}
	}
}

func (c *Client) readFrames(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return errors.New("no connection")
		}

		frame, err := wireproto.ReadFrame(conn)
		if err != nil {
			return err
		}
		msg, err := wireproto.UnmarshalToClient(frame)
		if err != nil {
			c.log.Warn("ignoring malformed frame", "error", err)
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
				continue
			}
		}

		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reconnect retries at a constant interval (spec.md §4.7) until it
// succeeds or ctx is cancelled.
func (c *Client) reconnect(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(reconnectDelay):
		}

		conn, err := c.dialAndHandshake(ctx)
		if err != nil {
			c.log.Warn("reconnect failed", "error", err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.emitEvent(EventConnected)
		return true
	}
}
