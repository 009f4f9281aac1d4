package stun

import (
	"encoding/binary"
	"hash/crc32"
	"net"
	"testing"
)

// buildSuccessResponse hand-assembles a minimal Binding success response
// carrying one XOR-MAPPED-ADDRESS attribute, mirroring what a real STUN
// server would send back.
func buildSuccessResponse(txID [12]byte, ip net.IP, port int) []byte {
	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)

	ip4 := ip.To4()
	value := make([]byte, 8)
	value[1] = familyIPv4
	binary.BigEndian.PutUint16(value[2:4], uint16(port)^uint16(magicCookie>>16))
	for i := 0; i < 4; i++ {
		value[4+i] = ip4[i] ^ cookieBytes[i]
	}

	attrsLen := 4 + len(value)
	buf := make([]byte, headerSize+attrsLen)
	binary.BigEndian.PutUint16(buf[0:2], messageType(methodBinding, classSuccess))
	binary.BigEndian.PutUint16(buf[2:4], uint16(attrsLen))
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], txID[:])
	binary.BigEndian.PutUint16(buf[20:22], attrXORMapped)
	binary.BigEndian.PutUint16(buf[22:24], uint16(len(value)))
	copy(buf[24:], value)
	return buf
}

func TestBindingRequestFingerprint(t *testing.T) {
	req, _, err := BuildBindingRequest()
	if err != nil {
		t.Fatalf("BuildBindingRequest: %v", err)
	}
	fpOffset := len(req) - 8
	expected := crc32.ChecksumIEEE(req[:fpOffset]) ^ fingerprintXOR
	actual := binary.BigEndian.Uint32(req[fpOffset+4 : fpOffset+8])
	if expected != actual {
		t.Fatalf("fingerprint mismatch: want %#x got %#x", expected, actual)
	}
}

func TestParseBindingResponseRoundTrip(t *testing.T) {
	_, txID, err := BuildBindingRequest()
	if err != nil {
		t.Fatalf("BuildBindingRequest: %v", err)
	}

	want := net.ParseIP("203.0.113.42").To4()
	resp := buildSuccessResponse(txID, want, 51820)

	addr, err := ParseBindingResponse(resp, txID)
	if err != nil {
		t.Fatalf("ParseBindingResponse: %v", err)
	}
	if !addr.IP.Equal(want) {
		t.Fatalf("IP = %v, want %v", addr.IP, want)
	}
	if addr.Port != 51820 {
		t.Fatalf("Port = %d, want 51820", addr.Port)
	}
}

func TestParseBindingResponseRejectsWrongTransaction(t *testing.T) {
	_, txID, err := BuildBindingRequest()
	if err != nil {
		t.Fatalf("BuildBindingRequest: %v", err)
	}
	resp := buildSuccessResponse(txID, net.ParseIP("203.0.113.42"), 1)

	var otherTxID [12]byte
	otherTxID[0] = 0xFF
	if _, err := ParseBindingResponse(resp, otherTxID); err == nil {
		t.Fatal("expected transaction id mismatch to be rejected")
	}
}
