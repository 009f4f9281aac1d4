package headlink

import (
	"context"

	"github.com/kuuji/linkmesh/internal/wireproto"
)

// handleReqConfig produces a RespConfig for the requesting peer, per
// spec.md §4.8: network id, assigned (allocating if needed) IPv4,
// netmask, network base, UDP port, extra-transports, a peer snapshot, and
// every other online peer's announced extra endpoints. Grounded on
// req_config.rs almost line for line.
func handleReqConfig(ctx context.Context, c *Connection, requestID uint64, _ wireproto.ReqConfig) {
	network := c.network
	self, ok := network.Peer(c.pubKey)
	if !ok {
		c.sendError(ctx, requestID, 404, "peer not found")
		return
	}

	ip, err := network.AssignIP(ctx, c.pubKey, c.server.repo)
	if err != nil {
		c.sendError(ctx, requestID, 507, err.Error())
		return
	}

	peers := network.Peers()
	peerInfos := make([]wireproto.PeerInfo, 0, len(peers))
	var peerExtra []wireproto.PeerExtraTransports
	for _, p := range peers {
		if !p.IP.IsValid() {
			continue
		}
		endpointAddr := ""
		isOnline := p.Online != nil
		if isOnline {
			endpointAddr = p.Online.EndpointAddr
		}
		peerInfos = append(peerInfos, wireproto.PeerInfo{
			PubKey:       p.PubKey,
			IP:           p.IP.String(),
			EndpointAddr: endpointAddr,
			IsOnline:     isOnline,
			Mode:         wireproto.ModeBidirectional,
		})

		if isOnline && p.PubKey != c.pubKey {
			var eps []wireproto.ExtraEndpoint
			for proto, endpoint := range p.Online.ExtraEndpoints {
				eps = append(eps, wireproto.ExtraEndpoint{Proto: proto, Endpoint: endpoint})
			}
			if len(eps) > 0 {
				peerExtra = append(peerExtra, wireproto.PeerExtraTransports{PubKey: p.PubKey, Endpoints: eps})
			}
		}
	}

	extraTransports := make([]string, 0, len(self.ExtraTransports))
	for _, t := range self.ExtraTransports {
		extraTransports = append(extraTransports, t.Proto)
	}

	resp := wireproto.RespConfig{
		NetworkID:           network.ID,
		IP:                  ip.String(),
		Netmask:             uint32(network.CIDR.Bits()),
		NetworkBase:         network.CIDR.Masked().Addr().String(),
		UDPPort:             self.Port,
		ExtraTransports:     extraTransports,
		Peers:               peerInfos,
		PeerExtraTransports: peerExtra,
	}
	id := requestID
	_ = c.Send(ctx, &id, resp)
}

// handlePeerEnter verifies the claimed IP matches the stored record,
// updates online info, and broadcasts BcPeerEnter to the rest of the
// network. Grounded on peer_enter.rs.
func handlePeerEnter(ctx context.Context, c *Connection, requestID uint64, req wireproto.PeerEnterReq) {
	network := c.network
	rec, ok := network.Peer(c.pubKey)
	if !ok {
		c.sendError(ctx, requestID, 404, "peer not found")
		return
	}
	if rec.IP.IsValid() && rec.IP.String() != req.IP {
		c.sendError(ctx, requestID, 400, "claimed ip does not match assignment")
		return
	}

	extraEndpoints := make(map[string]string, len(req.ExtraEndpoints))
	for _, e := range req.ExtraEndpoints {
		extraEndpoints[e.Proto] = e.Endpoint
	}
	if err := network.SetOnline(c.pubKey, OnlineInfo{
		Conn:           c,
		Port:           req.Port,
		EndpointAddr:   req.EndpointAddr,
		ExtraEndpoints: extraEndpoints,
	}); err != nil {
		c.sendError(ctx, requestID, 500, err.Error())
		return
	}

	network.Broadcast(ctx, wireproto.PeerEnterBroadcast{
		PubKey:       c.pubKey,
		IP:           req.IP,
		EndpointAddr: req.EndpointAddr,
		IsOnline:     true,
		Mode:         wireproto.ModeBidirectional,
	}, c.pubKey)
}

// handlePeerLeave marks the peer offline without broadcasting — leaves
// are announced on physical disconnect instead (spec.md §4.8).
func handlePeerLeave(ctx context.Context, c *Connection, requestID uint64, _ wireproto.PeerLeaveReq) {
	c.network.SetOffline(c.pubKey)
}

// handleUpdateExtraEndpoint stores an announced extra-transport endpoint
// and broadcasts it if it's the peer's default protocol; otherwise it's
// sent only to online peers that have no recorded handshake with this one
// in the connects map (spec.md §4.8; update_extra_endpoint.rs).
func handleUpdateExtraEndpoint(ctx context.Context, c *Connection, requestID uint64, req wireproto.UpdateExtraEndpointReq) {
	if err := c.network.UpdateExtraEndpoint(c.pubKey, req.Proto, req.Endpoint); err != nil {
		c.sendError(ctx, requestID, 404, err.Error())
		return
	}

	self, ok := c.network.Peer(c.pubKey)
	if !ok {
		return
	}

	bc := wireproto.UpdateExtraEndpointBroadcast{PubKey: c.pubKey, Proto: req.Proto, Endpoint: req.Endpoint}
	if self.DefaultProto == req.Proto {
		c.network.Broadcast(ctx, bc, c.pubKey)
		return
	}

	var notYetConnected []wireproto.PubKey
	for _, p := range c.network.Peers() {
		if p.PubKey == c.pubKey || p.Online == nil {
			continue
		}
		pairKey, _ := unionPubKey(c.pubKey, p.PubKey)
		c.network.mu.RLock()
		_, connected := c.network.connects[pairKey]
		c.network.mu.RUnlock()
		if connected {
			continue
		}
		notYetConnected = append(notYetConnected, p.PubKey)
	}
	if len(notYetConnected) > 0 {
		c.network.BroadcastTo(ctx, bc, notYetConnected...)
	}
}

// handleDevHandshakeComplete records the completed data-plane handshake
// under the unordered pair key (spec.md §4.8; dev_handshake_complete.rs).
func handleDevHandshakeComplete(ctx context.Context, c *Connection, requestID uint64, req wireproto.DevHandshakeCompleteReq) {
	c.network.RecordHandshakeComplete(c.pubKey, req.TargetPubKey, req.Proto)
}

// handlePeerForward relays a payload to exactly the named target; only
// RequireReply is currently defined as forwardable data (spec.md §4.8;
// peer_forward.rs).
func handlePeerForward(ctx context.Context, c *Connection, requestID uint64, req wireproto.PeerForward) {
	if req.RequireReply == nil {
		return
	}
	c.network.BroadcastTo(ctx, wireproto.RequireReply{
		Src:    req.RequireReply.Src,
		Proto:  req.RequireReply.Proto,
		Server: req.RequireReply.Server,
	}, req.TargetPubKey)
}
