package ws

import (
	"context"

	"github.com/dkeye/sketchsync/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleJoin replies only on failure: the room queues joined and the
// reconciliation batches itself.
func (ctl *Controller) handleJoin(ctx context.Context, c *WsConn, req protocol.JoinRequest) {
	res, err := ctl.gw.Join(ctx, c.id, req.RoomID, req.Since)
	if err != nil {
		ctl.sendError(c, err, "")
		return
	}
	log.Info().Str("module", "ws").Str("conn", string(c.id)).Str("room", string(res.RoomID)).Uint64("through", res.Through).Msg("join")
}

func (ctl *Controller) handleSubmit(ctx context.Context, c *WsConn, req protocol.SubmitRequest) {
	if _, err := ctl.gw.Submit(ctx, c.id, req.Payload, req.ClientTS, req.Ref); err != nil {
		ctl.sendError(c, err, req.Ref)
	}
}

func (ctl *Controller) handleLeave(c *WsConn) {
	room, _ := ctl.gw.Leave(c.id)
	ctl.sendJSON(c, protocol.Left{Type: protocol.TypeLeft, RoomID: room})
}

func (ctl *Controller) handlePing(c *WsConn) {
	ctl.sendJSON(c, protocol.Pong{Type: protocol.TypePong})
}

func (ctl *Controller) handleWhoAmI(c *WsConn) {
	user, room, ok := ctl.gw.WhoAmI(c.id)
	if !ok {
		return
	}
	ctl.sendJSON(c, protocol.WhoAmI{Type: protocol.TypeWhoAmI, User: user, RoomID: room})
}
