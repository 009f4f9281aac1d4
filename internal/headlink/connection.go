package headlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"golang.org/x/crypto/nacl/box"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
	"github.com/kuuji/linkmesh/internal/wireproto"
)

const (
	handshakeTimeout  = 10 * time.Second
	outboundQueueSize = 128
	inboundQueueSize  = 128
)

type outboundFrame struct {
	id   *uint64
	data wireproto.ClientData
}

// Connection is one accepted peer session: spawns three cooperative tasks
// per spec.md §4.7 — (a) drain an outbound queue into the framed writer,
// (b) decode inbound frames into a channel, (c) run the per-client
// processor that handshakes within handshakeTimeout then dispatches.
// Grounded on internal/signaling/hub.go's per-connection handling,
// generalized from one synchronous read loop to the spec's three-task
// split.
type Connection struct {
	conn   net.Conn
	log    *slog.Logger
	server *Server

	outbound chan outboundFrame
	inbound  chan *wireproto.ToServer

	pubKey    wireproto.PubKey
	networkID uint64
	network   *Network

	nextID uint64
}

func newConnection(conn net.Conn, server *Server, logger *slog.Logger) *Connection {
	return &Connection{
		conn:     conn,
		log:      logger,
		server:   server,
		outbound: make(chan outboundFrame, outboundQueueSize),
		inbound:  make(chan *wireproto.ToServer, inboundQueueSize),
	}
}

// PubKey implements ClientHandle.
func (c *Connection) PubKey() wireproto.PubKey { return c.pubKey }

// Send implements ClientHandle: enqueues data for the writer task.
func (c *Connection) Send(ctx context.Context, id *uint64, data wireproto.ClientData) error {
	select {
	case c.outbound <- outboundFrame{id: id, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendError is a convenience wrapper correlating an Error to requestID.
func (c *Connection) sendError(ctx context.Context, requestID uint64, code uint32, msg string) {
	id := requestID
	_ = c.Send(ctx, &id, wireproto.Error{Code: code, Msg: msg})
}

// run drives the connection until it disconnects or ctx is cancelled.
func (c *Connection) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.writerLoop(ctx) })
	g.Go(func() error { return c.readerLoop(ctx) })
	g.Go(func() error { return c.processorLoop(ctx) })

	err := g.Wait()
	c.conn.Close()
	return err
}

func (c *Connection) writerLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.outbound:
			id := frame.id
			var useID uint64
			if id != nil {
				useID = *id
			} else {
				c.nextID++
				useID = c.nextID
			}
			raw, err := wireproto.MarshalToClient(&wireproto.ToClient{ID: useID, Data: frame.data})
			if err != nil {
				c.log.Warn("encoding outbound frame failed", "error", err)
				continue
			}
			if err := wireproto.WriteFrame(c.conn, raw); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) readerLoop(ctx context.Context) error {
	for {
		raw, err := wireproto.ReadFrame(c.conn)
		if err != nil {
			return err
		}
		msg, err := wireproto.UnmarshalToServer(raw)
		if err != nil {
			c.log.Warn("ignoring malformed inbound frame", "error", err)
			continue
		}
		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) processorLoop(ctx context.Context) error {
	if err := c.awaitHandshake(ctx); err != nil {
		return err
	}

	defer func() {
		if c.network != nil {
			c.network.SetOffline(c.pubKey)
			// Announce the leave to the rest of the network; an explicit
			// PeerLeave request does not broadcast (handlePeerLeave).
			bctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
			c.network.Broadcast(bctx, wireproto.PeerLeaveBroadcast{PubKey: c.pubKey}, c.pubKey)
			cancel()
		}
	}()

	for {
		select {
		case msg := <-c.inbound:
			Dispatch(ctx, c, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// awaitHandshake sends RespServerInfo, then waits up to handshakeTimeout
// for a Handshake frame, resolving the network by token or public key and
// rejecting a second live connection for the same key (spec.md §4.7).
func (c *Connection) awaitHandshake(ctx context.Context) error {
	info := wireproto.RespServerInfo{PubKey: wireproto.PubKey(c.server.local.Public), Version: c.server.version}
	if err := c.Send(ctx, nil, info); err != nil {
		return err
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var hsMsg *wireproto.ToServer
	for {
		select {
		case msg := <-c.inbound:
			if _, ok := msg.Data.(wireproto.Handshake); ok {
				hsMsg = msg
			}
		case <-hsCtx.Done():
			return errors.New("headlink: handshake timed out")
		}
		if hsMsg != nil {
			break
		}
	}

	hs := hsMsg.Data.(wireproto.Handshake)

	if !verifyHello(c.server.local, hs.PubKey, hs.Sign) {
		c.sendError(ctx, hsMsg.ID, 401, "invalid handshake signature")
		return errors.New("headlink: handshake signature verification failed")
	}

	var network *Network
	var err error
	if hs.Token != "" {
		network, err = c.server.registry.ResolveByToken(ctx, hs.Token)
	} else {
		network, err = c.server.registry.ResolveByPubKey(ctx, hs.PubKey)
	}
	if err != nil {
		c.sendError(ctx, hsMsg.ID, 401, err.Error())
		return err
	}

	if network.IsOnline(hs.PubKey) {
		id := hsMsg.ID
		msg := fmt.Sprintf("peer已连接,%s", hs.PubKey)
		_ = c.Send(ctx, &id, wireproto.RespHandshake{Success: false, Msg: msg})
		return fmt.Errorf("headlink: peer %s already online", hs.PubKey)
	}

	network.EnsureRegistered(hs.PubKey)
	if err := network.SetOnline(hs.PubKey, OnlineInfo{Conn: c}); err != nil {
		c.sendError(ctx, hsMsg.ID, 500, err.Error())
		return err
	}

	c.pubKey = hs.PubKey
	c.networkID = network.ID
	c.network = network

	id := hsMsg.ID
	if err := c.Send(ctx, &id, wireproto.RespHandshake{Success: true}); err != nil {
		return err
	}
	c.log.Info("peer handshake complete", "public_key", hs.PubKey, "network_id", network.ID)
	return nil
}

// verifyHello opens the SalsaBox-sealed "hello" a peer's Handshake carries,
// proving possession of the private key behind peerPub (spec.md §4.7).
func verifyHello(local wgcrypto.LocalSecret, peerPub wireproto.PubKey, sign []byte) bool {
	var nonce [24]byte
	copy(nonce[:], local.Public[:24])

	peerPubArr := [32]byte(peerPub)
	localPrivArr := [32]byte(local.Private)
	opened, ok := box.Open(nil, sign, &nonce, &peerPubArr, &localPrivArr)
	return ok && string(opened) == "hello"
}
