package wgcrypto

import "encoding/binary"

// Message type octets, the first byte of every handshake/transport packet.
const (
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4
)

const (
	MessageInitiationSize  = 148
	MessageResponseSize    = 92
	MessageCookieReplySize = 64
	MessageTransportHeaderSize = 16 // type(4, padded) + receiver(4) + counter(8)
)

// MessageInitiation is the 148-byte first handshake packet, sent by the
// initiator.
type MessageInitiation struct {
	Sender    uint32
	Ephemeral Key
	Static    [KeySize + 16]byte // AEAD(static pubkey)
	Timestamp [12 + 16]byte      // AEAD(TAI64N timestamp)
	MAC1      [16]byte
	MAC2      [16]byte
}

func (m *MessageInitiation) Marshal() []byte {
	b := make([]byte, MessageInitiationSize)
	b[0] = MessageInitiationType
	binary.LittleEndian.PutUint32(b[4:8], m.Sender)
	off := 8
	copy(b[off:off+KeySize], m.Ephemeral[:])
	off += KeySize
	copy(b[off:off+len(m.Static)], m.Static[:])
	off += len(m.Static)
	copy(b[off:off+len(m.Timestamp)], m.Timestamp[:])
	off += len(m.Timestamp)
	copy(b[off:off+16], m.MAC1[:])
	off += 16
	copy(b[off:off+16], m.MAC2[:])
	return b
}

func ParseMessageInitiation(b []byte) (*MessageInitiation, error) {
	if len(b) != MessageInitiationSize || b[0] != MessageInitiationType {
		return nil, errInvalidMessage
	}
	m := &MessageInitiation{Sender: binary.LittleEndian.Uint32(b[4:8])}
	off := 8
	copy(m.Ephemeral[:], b[off:off+KeySize])
	off += KeySize
	copy(m.Static[:], b[off:off+len(m.Static)])
	off += len(m.Static)
	copy(m.Timestamp[:], b[off:off+len(m.Timestamp)])
	off += len(m.Timestamp)
	copy(m.MAC1[:], b[off:off+16])
	off += 16
	copy(m.MAC2[:], b[off:off+16])
	return m, nil
}

// bytesBeforeMAC1 and bytesBeforeMAC2 return the portion of a marshaled
// initiation that MAC1 and MAC2 are computed over (everything before the
// field itself).
func (m *MessageInitiation) bytesBeforeMAC1() []byte {
	return m.Marshal()[:MessageInitiationSize-32]
}

func (m *MessageInitiation) bytesBeforeMAC2() []byte {
	return m.Marshal()[:MessageInitiationSize-16]
}

// MessageResponse is the 92-byte second handshake packet, sent by the
// responder.
type MessageResponse struct {
	Sender    uint32
	Receiver  uint32
	Ephemeral Key
	Empty     [16]byte // AEAD(empty payload), folds in the PSK
	MAC1      [16]byte
	MAC2      [16]byte
}

func (m *MessageResponse) Marshal() []byte {
	b := make([]byte, MessageResponseSize)
	b[0] = MessageResponseType
	binary.LittleEndian.PutUint32(b[4:8], m.Sender)
	binary.LittleEndian.PutUint32(b[8:12], m.Receiver)
	off := 12
	copy(b[off:off+KeySize], m.Ephemeral[:])
	off += KeySize
	copy(b[off:off+16], m.Empty[:])
	off += 16
	copy(b[off:off+16], m.MAC1[:])
	off += 16
	copy(b[off:off+16], m.MAC2[:])
	return b
}

func ParseMessageResponse(b []byte) (*MessageResponse, error) {
	if len(b) != MessageResponseSize || b[0] != MessageResponseType {
		return nil, errInvalidMessage
	}
	m := &MessageResponse{
		Sender:   binary.LittleEndian.Uint32(b[4:8]),
		Receiver: binary.LittleEndian.Uint32(b[8:12]),
	}
	off := 12
	copy(m.Ephemeral[:], b[off:off+KeySize])
	off += KeySize
	copy(m.Empty[:], b[off:off+16])
	off += 16
	copy(m.MAC1[:], b[off:off+16])
	off += 16
	copy(m.MAC2[:], b[off:off+16])
	return m, nil
}

func (m *MessageResponse) bytesBeforeMAC1() []byte {
	return m.Marshal()[:MessageResponseSize-32]
}

func (m *MessageResponse) bytesBeforeMAC2() []byte {
	return m.Marshal()[:MessageResponseSize-16]
}

// MessageCookieReply is the 64-byte packet a peer under load sends instead
// of processing a handshake message, per spec §4.3.
type MessageCookieReply struct {
	Receiver uint32
	Nonce    [24]byte
	Cookie   [16 + 16]byte // XChaCha20-Poly1305(16-byte cookie), with its 16-byte tag
}

func (m *MessageCookieReply) Marshal() []byte {
	b := make([]byte, MessageCookieReplySize)
	b[0] = MessageCookieReplyType
	binary.LittleEndian.PutUint32(b[4:8], m.Receiver)
	off := 8
	copy(b[off:off+24], m.Nonce[:])
	off += 24
	copy(b[off:off+len(m.Cookie)], m.Cookie[:])
	return b
}

func ParseMessageCookieReply(b []byte) (*MessageCookieReply, error) {
	if len(b) != MessageCookieReplySize || b[0] != MessageCookieReplyType {
		return nil, errInvalidMessage
	}
	m := &MessageCookieReply{Receiver: binary.LittleEndian.Uint32(b[4:8])}
	off := 8
	copy(m.Nonce[:], b[off:off+24])
	off += 24
	copy(m.Cookie[:], b[off:off+len(m.Cookie)])
	return m, nil
}

// TransportHeader is the fixed prefix of every transport-data packet; the
// AEAD ciphertext (encrypted IP packet + 16-byte tag) follows immediately.
type TransportHeader struct {
	Receiver uint32
	Counter  uint64
}

func (h TransportHeader) Marshal() []byte {
	b := make([]byte, MessageTransportHeaderSize)
	b[0] = MessageTransportType
	binary.LittleEndian.PutUint32(b[4:8], h.Receiver)
	binary.LittleEndian.PutUint64(b[8:16], h.Counter)
	return b
}

func ParseTransportHeader(b []byte) (TransportHeader, error) {
	if len(b) < MessageTransportHeaderSize || b[0] != MessageTransportType {
		return TransportHeader{}, errInvalidMessage
	}
	return TransportHeader{
		Receiver: binary.LittleEndian.Uint32(b[4:8]),
		Counter:  binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}
