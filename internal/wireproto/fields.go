package wireproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

func marshalServerData(data ServerData) ([]byte, error) {
	switch m := data.(type) {
	case Handshake:
		var b []byte
		b = appendVarintField(b, 1, uint64(m.Version))
		b = appendPubKeyField(b, 2, m.PubKey)
		b = appendStringField(b, 3, m.Token)
		b = appendBytesField(b, 4, m.Sign)
		return b, nil
	case ReqConfig:
		return nil, nil
	case PeerForward:
		var b []byte
		b = appendPubKeyField(b, 1, m.TargetPubKey)
		if m.RequireReply != nil {
			b = appendSubmessageField(b, 2, marshalForwardRequireReply(*m.RequireReply))
		}
		return b, nil
	case PeerEnterReq:
		var b []byte
		b = appendStringField(b, 1, m.IP)
		b = appendStringField(b, 2, m.EndpointAddr)
		b = appendVarintField(b, 3, uint64(m.Port))
		for _, e := range m.ExtraEndpoints {
			b = appendSubmessageField(b, 4, marshalExtraEndpoint(e))
		}
		return b, nil
	case PeerLeaveReq:
		return nil, nil
	case PeerChange:
		var b []byte
		b = appendStringField(b, 1, m.Field)
		b = appendStringField(b, 2, m.Value)
		return b, nil
	case PeerMessage:
		var b []byte
		b = appendPubKeyField(b, 1, m.TargetPubKey)
		b = appendBytesField(b, 2, m.Data)
		return b, nil
	case PeerReport:
		var b []byte
		b = appendStringField(b, 1, m.Message)
		return b, nil
	case UpdateExtraEndpointReq:
		var b []byte
		b = appendStringField(b, 1, m.Proto)
		b = appendStringField(b, 2, m.Endpoint)
		return b, nil
	case DevHandshakeCompleteReq:
		var b []byte
		b = appendPubKeyField(b, 1, m.TargetPubKey)
		b = appendStringField(b, 2, m.Proto)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown ServerData type %T", data)
	}
}

func unmarshalServerData(tag uint32, b []byte) (ServerData, error) {
	switch tag {
	case 2:
		m := Handshake{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.Version = uint32(v)
			case 2:
				m.PubKey = pubKeyFromBytes(raw)
			case 3:
				m.Token = string(raw)
			case 4:
				m.Sign = append([]byte(nil), raw...)
			}
			return nil
		})
		return m, err
	case 3:
		return ReqConfig{}, nil
	case 4:
		m := PeerForward{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.TargetPubKey = pubKeyFromBytes(raw)
			case 2:
				rr, err := unmarshalForwardRequireReply(raw)
				if err != nil {
					return err
				}
				m.RequireReply = &rr
			}
			return nil
		})
		return m, err
	case 10:
		m := PeerEnterReq{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.IP = string(raw)
			case 2:
				m.EndpointAddr = string(raw)
			case 3:
				m.Port = uint32(v)
			case 4:
				e, err := unmarshalExtraEndpoint(raw)
				if err != nil {
					return err
				}
				m.ExtraEndpoints = append(m.ExtraEndpoints, e)
			}
			return nil
		})
		return m, err
	case 11:
		return PeerLeaveReq{}, nil
	case 12:
		m := PeerChange{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.Field = string(raw)
			case 2:
				m.Value = string(raw)
			}
			return nil
		})
		return m, err
	case 13:
		m := PeerMessage{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.TargetPubKey = pubKeyFromBytes(raw)
			case 2:
				m.Data = append([]byte(nil), raw...)
			}
			return nil
		})
		return m, err
	case 14:
		m := PeerReport{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			if num == 1 {
				m.Message = string(raw)
			}
			return nil
		})
		return m, err
	case 16:
		m := UpdateExtraEndpointReq{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.Proto = string(raw)
			case 2:
				m.Endpoint = string(raw)
			}
			return nil
		})
		return m, err
	case 20:
		m := DevHandshakeCompleteReq{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.TargetPubKey = pubKeyFromBytes(raw)
			case 2:
				m.Proto = string(raw)
			}
			return nil
		})
		return m, err
	default:
		return nil, fmt.Errorf("unknown ToServer data tag %d", tag)
	}
}

func marshalClientData(data ClientData) ([]byte, error) {
	switch m := data.(type) {
	case Error:
		var b []byte
		b = appendVarintField(b, 1, uint64(m.Code))
		b = appendStringField(b, 2, m.Msg)
		return b, nil
	case RespServerInfo:
		var b []byte
		b = appendPubKeyField(b, 1, m.PubKey)
		b = appendVarintField(b, 2, uint64(m.Version))
		return b, nil
	case RespHandshake:
		var b []byte
		b = appendBoolField(b, 1, m.Success)
		b = appendStringField(b, 2, m.Msg)
		return b, nil
	case RespConfig:
		var b []byte
		b = appendVarintField(b, 1, m.NetworkID)
		b = appendStringField(b, 2, m.IP)
		b = appendVarintField(b, 3, uint64(m.Netmask))
		b = appendStringField(b, 4, m.NetworkBase)
		b = appendVarintField(b, 5, uint64(m.UDPPort))
		for _, t := range m.ExtraTransports {
			b = appendStringField(b, 6, t)
		}
		for _, p := range m.Peers {
			b = appendSubmessageField(b, 7, marshalPeerInfo(p))
		}
		for _, pe := range m.PeerExtraTransports {
			b = appendSubmessageField(b, 8, marshalPeerExtraTransports(pe))
		}
		return b, nil
	case PeerEnterBroadcast:
		var b []byte
		b = appendPubKeyField(b, 1, m.PubKey)
		b = appendStringField(b, 2, m.IP)
		b = appendStringField(b, 3, m.EndpointAddr)
		b = appendBoolField(b, 4, m.IsOnline)
		b = appendVarintField(b, 5, uint64(m.Mode))
		return b, nil
	case PeerLeaveBroadcast:
		var b []byte
		b = appendPubKeyField(b, 1, m.PubKey)
		return b, nil
	case RequireReply:
		var b []byte
		b = appendPubKeyField(b, 1, m.Src)
		b = appendStringField(b, 2, m.Proto)
		b = appendStringField(b, 3, m.Server)
		return b, nil
	case UpdateExtraEndpointBroadcast:
		var b []byte
		b = appendPubKeyField(b, 1, m.PubKey)
		b = appendStringField(b, 2, m.Proto)
		b = appendStringField(b, 3, m.Endpoint)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown ClientData type %T", data)
	}
}

func unmarshalClientData(tag uint32, b []byte) (ClientData, error) {
	switch tag {
	case 2:
		m := Error{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.Code = uint32(v)
			case 2:
				m.Msg = string(raw)
			}
			return nil
		})
		return m, err
	case 3:
		m := RespServerInfo{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.PubKey = pubKeyFromBytes(raw)
			case 2:
				m.Version = uint32(v)
			}
			return nil
		})
		return m, err
	case 4:
		m := RespHandshake{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.Success = v != 0
			case 2:
				m.Msg = string(raw)
			}
			return nil
		})
		return m, err
	case 5:
		m := RespConfig{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.NetworkID = v
			case 2:
				m.IP = string(raw)
			case 3:
				m.Netmask = uint32(v)
			case 4:
				m.NetworkBase = string(raw)
			case 5:
				m.UDPPort = uint32(v)
			case 6:
				m.ExtraTransports = append(m.ExtraTransports, string(raw))
			case 7:
				p, err := unmarshalPeerInfo(raw)
				if err != nil {
					return err
				}
				m.Peers = append(m.Peers, p)
			case 8:
				pe, err := unmarshalPeerExtraTransports(raw)
				if err != nil {
					return err
				}
				m.PeerExtraTransports = append(m.PeerExtraTransports, pe)
			}
			return nil
		})
		return m, err
	case 6:
		m := PeerEnterBroadcast{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.PubKey = pubKeyFromBytes(raw)
			case 2:
				m.IP = string(raw)
			case 3:
				m.EndpointAddr = string(raw)
			case 4:
				m.IsOnline = v != 0
			case 5:
				m.Mode = ConnectionMode(v)
			}
			return nil
		})
		return m, err
	case 7:
		m := PeerLeaveBroadcast{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			if num == 1 {
				m.PubKey = pubKeyFromBytes(raw)
			}
			return nil
		})
		return m, err
	case 8:
		m := RequireReply{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.Src = pubKeyFromBytes(raw)
			case 2:
				m.Proto = string(raw)
			case 3:
				m.Server = string(raw)
			}
			return nil
		})
		return m, err
	case 10:
		m := UpdateExtraEndpointBroadcast{}
		err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				m.PubKey = pubKeyFromBytes(raw)
			case 2:
				m.Proto = string(raw)
			case 3:
				m.Endpoint = string(raw)
			}
			return nil
		})
		return m, err
	default:
		return nil, fmt.Errorf("unknown ToClient data tag %d", tag)
	}
}

func marshalForwardRequireReply(r ForwardRequireReply) []byte {
	var b []byte
	b = appendPubKeyField(b, 1, r.Src)
	b = appendStringField(b, 2, r.Proto)
	b = appendStringField(b, 3, r.Server)
	return b
}

func unmarshalForwardRequireReply(b []byte) (ForwardRequireReply, error) {
	r := ForwardRequireReply{}
	err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			r.Src = pubKeyFromBytes(raw)
		case 2:
			r.Proto = string(raw)
		case 3:
			r.Server = string(raw)
		}
		return nil
	})
	return r, err
}

func marshalExtraEndpoint(e ExtraEndpoint) []byte {
	var b []byte
	b = appendStringField(b, 1, e.Proto)
	b = appendStringField(b, 2, e.Endpoint)
	return b
}

func unmarshalExtraEndpoint(b []byte) (ExtraEndpoint, error) {
	e := ExtraEndpoint{}
	err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			e.Proto = string(raw)
		case 2:
			e.Endpoint = string(raw)
		}
		return nil
	})
	return e, err
}

func marshalPeerInfo(p PeerInfo) []byte {
	var b []byte
	b = appendPubKeyField(b, 1, p.PubKey)
	b = appendStringField(b, 2, p.IP)
	b = appendStringField(b, 3, p.EndpointAddr)
	b = appendBoolField(b, 4, p.IsOnline)
	b = appendVarintField(b, 5, uint64(p.Mode))
	return b
}

func unmarshalPeerInfo(b []byte) (PeerInfo, error) {
	p := PeerInfo{}
	err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			p.PubKey = pubKeyFromBytes(raw)
		case 2:
			p.IP = string(raw)
		case 3:
			p.EndpointAddr = string(raw)
		case 4:
			p.IsOnline = v != 0
		case 5:
			p.Mode = ConnectionMode(v)
		}
		return nil
	})
	return p, err
}

func marshalPeerExtraTransports(pe PeerExtraTransports) []byte {
	var b []byte
	b = appendPubKeyField(b, 1, pe.PubKey)
	for _, e := range pe.Endpoints {
		b = appendSubmessageField(b, 2, marshalExtraEndpoint(e))
	}
	return b
}

func unmarshalPeerExtraTransports(b []byte) (PeerExtraTransports, error) {
	pe := PeerExtraTransports{}
	err := forEachField(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			pe.PubKey = pubKeyFromBytes(raw)
		case 2:
			e, err := unmarshalExtraEndpoint(raw)
			if err != nil {
				return err
			}
			pe.Endpoints = append(pe.Endpoints, e)
		}
		return nil
	})
	return pe, err
}
