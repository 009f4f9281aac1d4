// Package stun implements a client-side subset of RFC 5389 STUN: building
// a Binding request and decoding a Binding success response's
// XOR-MAPPED-ADDRESS. Adapted from worker/stun/stun.go's message
// type/attribute codec (itself written for a TURN server) down to just the
// request/response shape the NAT-UDP transport needs to learn its public
// endpoint.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
)

const (
	headerSize      = 20
	magicCookie     = 0x2112A442
	fingerprintXOR  = 0x5354554E
	methodBinding   = 0x001
	classRequest    = 0x00
	classSuccess    = 0x02
	attrXORMapped   = 0x0020
	attrFingerprint = 0x8028
	familyIPv4      = 0x01
	familyIPv6      = 0x02
)

func messageType(method, class int) uint16 {
	m := uint16(method)
	c := uint16(class)
	return (m & 0x0F) | ((c & 0x01) << 4) | ((m & 0x70) << 1) | ((c & 0x02) << 7) | ((m & 0xF80) << 2)
}

func parseType(t uint16) (method, class int) {
	method = int((t & 0x0F) | ((t >> 1) & 0x70) | ((t >> 2) & 0xF80))
	class = int(((t >> 4) & 0x01) | ((t >> 7) & 0x02))
	return method, class
}

// BuildBindingRequest constructs a Binding request with a random
// transaction ID and a trailing FINGERPRINT attribute, returning the wire
// bytes and the transaction ID so the caller can match the response.
func BuildBindingRequest() (req []byte, txID [12]byte, err error) {
	if _, err = rand.Read(txID[:]); err != nil {
		return nil, txID, fmt.Errorf("generating stun transaction id: %w", err)
	}

	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint16(buf[0:2], messageType(methodBinding, classRequest))
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], txID[:])

	// FINGERPRINT's length field covers itself: 8 bytes.
	binary.BigEndian.PutUint16(buf[2:4], 8)
	crc := crc32.ChecksumIEEE(buf) ^ fingerprintXOR
	var fp [8]byte
	binary.BigEndian.PutUint16(fp[0:2], attrFingerprint)
	binary.BigEndian.PutUint16(fp[2:4], 4)
	binary.BigEndian.PutUint32(fp[4:8], crc)
	buf = append(buf, fp[:]...)

	return buf, txID, nil
}

// ParseBindingResponse decodes a Binding success response, verifying its
// magic cookie and transaction ID match the request, and returns the
// server-observed public address from XOR-MAPPED-ADDRESS.
func ParseBindingResponse(data []byte, wantTxID [12]byte) (*net.UDPAddr, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("stun: response too short: %d bytes", len(data))
	}

	msgType := binary.BigEndian.Uint16(data[0:2])
	msgLen := int(binary.BigEndian.Uint16(data[2:4]))
	cookie := binary.BigEndian.Uint32(data[4:8])
	if cookie != magicCookie {
		return nil, fmt.Errorf("stun: bad magic cookie: %#x", cookie)
	}

	var txID [12]byte
	copy(txID[:], data[8:20])
	if txID != wantTxID {
		return nil, fmt.Errorf("stun: transaction id mismatch")
	}

	method, class := parseType(msgType)
	if method != methodBinding || class != classSuccess {
		return nil, fmt.Errorf("stun: unexpected response method=%d class=%d", method, class)
	}

	end := headerSize + msgLen
	if end > len(data) {
		end = len(data)
	}

	offset := headerSize
	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if offset+4+attrLen > end {
			return nil, fmt.Errorf("stun: attribute %#x length %d exceeds message", attrType, attrLen)
		}
		value := data[offset+4 : offset+4+attrLen]
		if attrType == attrXORMapped {
			return decodeXORMappedAddress(value, txID)
		}
		offset += 4 + ((attrLen + 3) &^ 3)
	}

	return nil, fmt.Errorf("stun: no XOR-MAPPED-ADDRESS attribute in response")
}

func decodeXORMappedAddress(value []byte, txID [12]byte) (*net.UDPAddr, error) {
	if len(value) < 4 {
		return nil, fmt.Errorf("stun: XOR-MAPPED-ADDRESS too short")
	}
	family := value[1]
	xorPort := binary.BigEndian.Uint16(value[2:4])
	port := int(xorPort ^ uint16(magicCookie>>16))

	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)

	switch family {
	case familyIPv4:
		if len(value) < 8 {
			return nil, fmt.Errorf("stun: truncated IPv4 XOR-MAPPED-ADDRESS")
		}
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cookieBytes[i]
		}
		return &net.UDPAddr{IP: ip, Port: port}, nil
	case familyIPv6:
		if len(value) < 20 {
			return nil, fmt.Errorf("stun: truncated IPv6 XOR-MAPPED-ADDRESS")
		}
		ip := make(net.IP, 16)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cookieBytes[i]
		}
		for i := 0; i < 12; i++ {
			ip[4+i] = value[8+i] ^ txID[i]
		}
		return &net.UDPAddr{IP: ip, Port: port}, nil
	default:
		return nil, fmt.Errorf("stun: unknown address family %#x", family)
	}
}
