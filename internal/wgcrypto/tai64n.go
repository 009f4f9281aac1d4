package wgcrypto

import (
	"encoding/binary"
	"time"
)

// tai64nBase is the TAI64 epoch offset (seconds between the TAI64 label
// origin and the Unix epoch), per the TAI64N spec.
const tai64nBase = 0x400000000000000a

// tai64nNow encodes the current time as a 12-byte TAI64N label: 8 bytes of
// seconds since the TAI64 epoch, then 4 bytes of nanoseconds, both
// big-endian.
func tai64nNow() [12]byte {
	now := time.Now()
	var out [12]byte
	binary.BigEndian.PutUint64(out[0:8], tai64nBase+uint64(now.Unix()))
	binary.BigEndian.PutUint32(out[8:12], uint32(now.Nanosecond()))
	return out
}

// tai64nAfter reports whether a is strictly later than b, used to reject
// initiations that don't advance the handshake's replay-protection clock.
func tai64nAfter(a, b [12]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}
