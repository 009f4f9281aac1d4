// Package headlink implements the server role: per-connection client
// service, dispatcher, handlers, and per-network peer registry described
// in spec.md §4.7–§4.9. Grounded on internal/signaling/hub.go's
// accept-loop/peer-map/broadcast shape for the connection plumbing, and
// headlink/src/network.rs + headlink/src/client/handler/*.rs
// (original_source) for exact handler semantics: concurrent broadcast
// excluding the sender, IP allocation skipping the network address and the
// first host address, and rejecting a second live handshake for an already-online
// public key.
package headlink

import (
	"context"
	"net/netip"

	"github.com/kuuji/linkmesh/internal/wireproto"
)

// ClientID identifies one live control-plane session.
type ClientID struct {
	PubKey    wireproto.PubKey
	NetworkID uint64
}

// ClientHandle is what a handler uses to talk back to one connected peer.
// A nil id means "assign the next outbound id", matching spec.md §4.7's
// send(id?, data) semantics.
type ClientHandle interface {
	Send(ctx context.Context, id *uint64, data wireproto.ClientData) error
	PubKey() wireproto.PubKey
}

// ExtraTransportParam is one enabled-but-not-necessarily-active extra
// transport configured for a peer (e.g. a relay server URL), persisted
// independent of whether the peer currently announces a live endpoint.
type ExtraTransportParam struct {
	Proto  string
	Params []byte
}

// OnlineInfo holds what's known about a peer while its control-plane
// session is live (spec.md §3 "Online presence").
type OnlineInfo struct {
	Conn           ClientHandle
	Port           uint32
	EndpointAddr   string
	ExtraEndpoints map[string]string // proto -> endpoint
}

// PeerRecord is one peer's durable registration in a network.
type PeerRecord struct {
	PubKey          wireproto.PubKey
	IP              netip.Addr // zero value (!IsValid()) means unassigned
	Port            uint32
	Enabled         bool
	DefaultProto    string
	ExtraTransports []ExtraTransportParam
	Online          *OnlineInfo
}

// PeerConnect records one completed data-plane handshake between two
// peers, keyed by the unordered pair of their public keys (spec.md §4.8
// DevHandshakeComplete).
type PeerConnect struct {
	// Direction is true if the peer that reported the handshake (the first
	// argument to RecordHandshakeComplete) has the smaller key, so the pair
	// key was built as (reporter, target); false otherwise. Both ends of a
	// handshake report it, so the stored value is the last reporter's.
	Direction bool
	Proto     string
}

// Repository is the abstract peer/network/token persistence interface the
// core consumes (spec.md §1 "OUT OF SCOPE": the database ORM). Concrete
// implementations live in internal/config.
type Repository interface {
	// LookupToken resolves a network token to its network id. ok is false
	// if the token doesn't exist or is disabled.
	LookupToken(ctx context.Context, token string) (networkID uint64, ok bool, err error)

	// LookupPeer resolves a registered peer by public key, regardless of
	// network — used during handshake when no token is presented.
	LookupPeer(ctx context.Context, pubKey wireproto.PubKey) (rec PeerRecord, networkID uint64, ok bool, err error)

	// Network returns the CIDR and current peer set for a network id.
	Network(ctx context.Context, networkID uint64) (cidr netip.Prefix, peers []PeerRecord, ok bool, err error)

	// PersistIP durably assigns ip to pubKey within networkID.
	PersistIP(ctx context.Context, networkID uint64, pubKey wireproto.PubKey, ip netip.Addr) error
}
