package wireproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	envelopeIDTag = protowire.Number(1)
)

// MarshalToServer encodes a ToServer envelope.
func MarshalToServer(msg *ToServer) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, envelopeIDTag, protowire.VarintType)
	b = protowire.AppendVarint(b, msg.ID)

	if msg.Data != nil {
		tag := protowire.Number(msg.Data.serverDataTag())
		payload, err := marshalServerData(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("marshaling %T: %w", msg.Data, err)
		}
		b = protowire.AppendTag(b, tag, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b, nil
}

// UnmarshalToServer decodes a ToServer envelope.
func UnmarshalToServer(b []byte) (*ToServer, error) {
	msg := &ToServer{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("consuming tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case envelopeIDTag:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("consuming id: %w", protowire.ParseError(n))
			}
			msg.ID = v
			b = b[n:]
		default:
			payload, n := protowire.ConsumeBytes(b)
			if typ != protowire.BytesType || n < 0 {
				return nil, fmt.Errorf("consuming field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			data, err := unmarshalServerData(uint32(num), payload)
			if err != nil {
				return nil, err
			}
			msg.Data = data
		}
	}
	return msg, nil
}

// MarshalToClient encodes a ToClient envelope.
func MarshalToClient(msg *ToClient) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, envelopeIDTag, protowire.VarintType)
	b = protowire.AppendVarint(b, msg.ID)

	if msg.Data != nil {
		tag := protowire.Number(msg.Data.clientDataTag())
		payload, err := marshalClientData(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("marshaling %T: %w", msg.Data, err)
		}
		b = protowire.AppendTag(b, tag, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b, nil
}

// UnmarshalToClient decodes a ToClient envelope.
func UnmarshalToClient(b []byte) (*ToClient, error) {
	msg := &ToClient{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("consuming tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case envelopeIDTag:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("consuming id: %w", protowire.ParseError(n))
			}
			msg.ID = v
			b = b[n:]
		default:
			payload, n := protowire.ConsumeBytes(b)
			if typ != protowire.BytesType || n < 0 {
				return nil, fmt.Errorf("consuming field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			data, err := unmarshalClientData(uint32(num), payload)
			if err != nil {
				return nil, err
			}
			msg.Data = data
		}
	}
	return msg, nil
}

// --- field helpers ----------------------------------------------------------

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	return appendBytesField(b, num, []byte(v))
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendPubKeyField(b []byte, num protowire.Number, k PubKey) []byte {
	return appendBytesField(b, num, k[:])
}

func appendSubmessageField(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// forEachField walks every (tag, value) pair in a submessage, handing the
// field number, its varint value (for VarintType) or raw bytes (for
// BytesType) to fn. Unknown wire types are skipped, matching protobuf's
// forward-compatibility rule of ignoring fields a reader doesn't know.
func forEachField(b []byte, fn func(num protowire.Number, varint uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("consuming tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("consuming varint field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, v, nil); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("consuming bytes field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, 0, v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("consuming field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func pubKeyFromBytes(raw []byte) PubKey {
	var k PubKey
	copy(k[:], raw)
	return k
}
