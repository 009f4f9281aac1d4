package headlink

import (
	"context"

	"github.com/kuuji/linkmesh/internal/wireproto"
)

// Dispatch routes one inbound ToServer frame to its handler, per spec.md
// §4.8. Handlers with no core implementation (PeerChange, PeerMessage,
// PeerReport) are accepted on the wire but silently ignored, matching the
// core's documented handler set.
func Dispatch(ctx context.Context, c *Connection, msg *wireproto.ToServer) {
	switch data := msg.Data.(type) {
	case wireproto.ReqConfig:
		handleReqConfig(ctx, c, msg.ID, data)
	case wireproto.PeerEnterReq:
		handlePeerEnter(ctx, c, msg.ID, data)
	case wireproto.PeerLeaveReq:
		handlePeerLeave(ctx, c, msg.ID, data)
	case wireproto.UpdateExtraEndpointReq:
		handleUpdateExtraEndpoint(ctx, c, msg.ID, data)
	case wireproto.DevHandshakeCompleteReq:
		handleDevHandshakeComplete(ctx, c, msg.ID, data)
	case wireproto.PeerForward:
		handlePeerForward(ctx, c, msg.ID, data)
	case wireproto.Handshake:
		c.sendError(ctx, msg.ID, 400, "already handshaked")
	default:
		// PeerChange, PeerMessage, PeerReport: no handler; accepted silently.
	}
}
