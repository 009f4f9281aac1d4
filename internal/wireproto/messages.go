// Package wireproto implements the control-plane wire format: length-
// delimited protobuf-encoded ToServer/ToClient envelopes exchanged between
// a peer's control client and the headlink server (spec.md §4.7, §6).
//
// Encoding is hand-rolled on top of google.golang.org/protobuf/encoding/
// protowire rather than protoc-generated stubs, matching this package's
// role as a small closed set of message shapes whose wire tags must stay
// exactly the ones spec.md §6 fixes for compatibility; generalized from
// pkg/protocol/protocol.go's Message-interface-plus-type-discriminator
// pattern, swapping its JSON "type" field for a protobuf oneof tag number.
package wireproto

// ConnectionMode mirrors the wire enum from spec.md §6.
type ConnectionMode int32

const (
	ModeActive        ConnectionMode = 0
	ModePassive       ConnectionMode = 1
	ModeBidirectional ConnectionMode = 2
	ModeNone          ConnectionMode = 3
)

// PubKey is the 32-byte X25519 public key used as wire identity throughout
// the control plane.
type PubKey [32]byte

// ExtraEndpoint pairs an extra-transport protocol tag with the address a
// peer announced for it.
type ExtraEndpoint struct {
	Proto    string
	Endpoint string
}

// --- ToServer payloads -----------------------------------------------------

// ServerData is implemented by every ToServer oneof variant. serverDataTag
// returns the wire tag number fixed by spec.md §6.
type ServerData interface {
	serverDataTag() uint32
}

// Handshake is a peer's initial control-plane identification.
type Handshake struct {
	Version uint32
	PubKey  PubKey
	Token   string // empty means "no token; look up by PubKey"
	Sign    []byte
}

func (Handshake) serverDataTag() uint32 { return 2 }

// ReqConfig asks the server for this peer's network assignment.
type ReqConfig struct{}

func (ReqConfig) serverDataTag() uint32 { return 3 }

// ForwardRequireReply is the only data variant spec.md §4.8 currently
// defines for PeerForward: a request that the target peer attach a relay
// endpoint for Src.
type ForwardRequireReply struct {
	Src    PubKey
	Proto  string
	Server string
}

// PeerForward relays data to exactly one other peer in the same network,
// identified by target_pub_key; server-to-target delivery is unmodified
// relay, not interpretation.
type PeerForward struct {
	TargetPubKey PubKey
	RequireReply *ForwardRequireReply // nil if this forward carries no known variant
}

func (PeerForward) serverDataTag() uint32 { return 4 }

// PeerEnterReq announces this peer's current reachable state.
type PeerEnterReq struct {
	IP             string
	EndpointAddr   string // empty means "no observed public endpoint"
	Port           uint32
	ExtraEndpoints []ExtraEndpoint
}

func (PeerEnterReq) serverDataTag() uint32 { return 10 }

// PeerLeaveReq tells the server this peer is going offline.
type PeerLeaveReq struct{}

func (PeerLeaveReq) serverDataTag() uint32 { return 11 }

// PeerChange carries an administrative field update. Its shape is left
// minimal: the core dispatcher does not implement a handler for it, but
// the wire tag is reserved for compatibility (spec.md §6).
type PeerChange struct {
	Field string
	Value string
}

func (PeerChange) serverDataTag() uint32 { return 12 }

// PeerMessage carries an opaque application-level message to another peer.
// Like PeerChange, no core handler is implemented for it.
type PeerMessage struct {
	TargetPubKey PubKey
	Data         []byte
}

func (PeerMessage) serverDataTag() uint32 { return 13 }

// PeerReport carries a free-form diagnostic report. No core handler is
// implemented for it.
type PeerReport struct {
	Message string
}

func (PeerReport) serverDataTag() uint32 { return 14 }

// UpdateExtraEndpointReq announces a newly observed extra-transport
// endpoint.
type UpdateExtraEndpointReq struct {
	Proto    string
	Endpoint string
}

func (UpdateExtraEndpointReq) serverDataTag() uint32 { return 16 }

// DevHandshakeCompleteReq tells the server that a direct data-plane
// handshake with another peer finished over the named transport.
type DevHandshakeCompleteReq struct {
	TargetPubKey PubKey
	Proto        string
}

func (DevHandshakeCompleteReq) serverDataTag() uint32 { return 20 }

// ToServer is the envelope every peer→server frame carries.
type ToServer struct {
	ID   uint64
	Data ServerData
}

// --- ToClient payloads -----------------------------------------------------

// ClientData is implemented by every ToClient oneof variant.
type ClientData interface {
	clientDataTag() uint32
}

// Error correlates a failure to the request that caused it.
type Error struct {
	Code uint32
	Msg  string
}

func (Error) clientDataTag() uint32 { return 2 }

// RespServerInfo is sent immediately on connect, before handshake.
type RespServerInfo struct {
	PubKey  PubKey
	Version uint32
}

func (RespServerInfo) clientDataTag() uint32 { return 3 }

// RespHandshake answers a Handshake request. Msg carries a human-readable
// reason when Success is false (e.g. a duplicate-connection rejection).
type RespHandshake struct {
	Success bool
	Msg     string
}

func (RespHandshake) clientDataTag() uint32 { return 4 }

// PeerInfo describes one peer in a RespConfig snapshot.
type PeerInfo struct {
	PubKey       PubKey
	IP           string
	EndpointAddr string
	IsOnline     bool
	Mode         ConnectionMode
}

// PeerExtraTransports lists the extra-transport endpoints a peer has
// announced.
type PeerExtraTransports struct {
	PubKey    PubKey
	Endpoints []ExtraEndpoint
}

// RespConfig answers a ReqConfig request with the peer's network
// assignment and a snapshot of the network.
type RespConfig struct {
	NetworkID           uint64
	IP                  string
	Netmask             uint32
	NetworkBase         string
	UDPPort             uint32
	ExtraTransports     []string
	Peers               []PeerInfo
	PeerExtraTransports []PeerExtraTransports
}

func (RespConfig) clientDataTag() uint32 { return 5 }

// PeerEnterBroadcast is BcPeerEnter: announces a peer coming online.
type PeerEnterBroadcast struct {
	PubKey       PubKey
	IP           string
	EndpointAddr string
	IsOnline     bool
	Mode         ConnectionMode
}

func (PeerEnterBroadcast) clientDataTag() uint32 { return 6 }

// PeerLeaveBroadcast announces a peer going offline.
type PeerLeaveBroadcast struct {
	PubKey PubKey
}

func (PeerLeaveBroadcast) clientDataTag() uint32 { return 7 }

// RequireReply asks the receiving peer to attach a relay endpoint for src.
type RequireReply struct {
	Src    PubKey
	Proto  string
	Server string
}

func (RequireReply) clientDataTag() uint32 { return 8 }

// UpdateExtraEndpointBroadcast announces another peer's newly observed
// extra-transport endpoint.
type UpdateExtraEndpointBroadcast struct {
	PubKey   PubKey
	Proto    string
	Endpoint string
}

func (UpdateExtraEndpointBroadcast) clientDataTag() uint32 { return 10 }

// ToClient is the envelope every server→peer frame carries.
type ToClient struct {
	ID   uint64
	Data ClientData
}
