// Package transport defines the polymorphic outbound sender capability
// shared by every concrete transport (direct UDP, NAT-UDP, NAT-TCP, relay)
// and the bounded inbound hub they all feed. Grounded on
// internal/bridge/bridge.go's conn.Bind/Endpoint implementation — breaking
// the Peer<->endpoint reference cycle at the endpoint boundary, per
// spec.md §9 ("Cyclic references").
package transport

import "context"

// Sender is a capability handle for writing datagrams to one remote
// endpoint. It never holds a back-pointer to the peer or device that owns
// it — only the destination and a clone of the underlying transport's
// outbound handle (socket or channel sender). The reverse direction
// (transport -> device -> peer) is discovered by parsing the packet
// header on the inbound path, not by a reference held here.
type Sender interface {
	// Send writes one datagram. Implementations must be safe to call
	// concurrently with CloneBox and with themselves from other goroutines
	// producing for the same destination.
	Send(ctx context.Context, b []byte) error

	// Dst is the destination address/identifier this sender writes to,
	// formatted for logging and diagnostics.
	Dst() string

	// Protocol names the concrete transport ("udp4", "udp6", "nat-udp",
	// "nat-tcp", "relay").
	Protocol() string

	// CloneBox returns an independent handle to the same destination,
	// safe to store outside whatever lock protected the original.
	CloneBox() Sender
}

// Inbound is one datagram arriving on any transport, paired with a Sender
// that replies to whoever sent it — the shape the dispatcher needs to
// route a reply without re-resolving an address.
type Inbound struct {
	Data  []byte
	Reply Sender
}

// InboundHubSize bounds the fan-in queue so a burst on one transport can't
// starve memory; a full hub applies backpressure by blocking Publish.
const InboundHubSize = 1024

// Hub is the single fan-in point every transport feeds. The WireGuard
// dispatcher drains it and routes each datagram to the right peer by
// parsing the packet's type byte and index fields.
type Hub struct {
	ch chan Inbound
}

func NewHub() *Hub {
	return &Hub{ch: make(chan Inbound, InboundHubSize)}
}

// Publish enqueues one inbound datagram, blocking if the hub is full until
// ctx is done.
func (h *Hub) Publish(ctx context.Context, in Inbound) error {
	select {
	case h.ch <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the channel the dispatcher drains.
func (h *Hub) Receive() <-chan Inbound {
	return h.ch
}
