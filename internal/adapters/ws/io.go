package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/dkeye/sketchsync/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var errFrameTooLarge = errors.New("frame exceeds read limit")

func (ctl *Controller) writePump(ctx context.Context, c *WsConn) {
	ticker := time.NewTicker(ctl.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "ws").Str("conn", string(c.id)).Msg("writePump ctx done")
			ctl.gw.Close(c.id, ctx.Err())
			return
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "ws").Str("conn", string(c.id)).Msg("writePump set deadline")
				ctl.gw.Close(c.id, err)
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "ws").Str("conn", string(c.id)).Msg("writePump write error")
				ctl.gw.Close(c.id, err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				ctl.gw.Close(c.id, err)
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, c *WsConn) {
	var reason error
	defer func() {
		log.Debug().Str("module", "ws").Str("conn", string(c.id)).Msg("readPump closing")
		ctl.gw.Close(c.id, reason)
	}()

	if ctl.cfg.DiscardLimit > 0 {
		c.conn.SetReadLimit(max(ctl.cfg.DiscardLimit, ctl.cfg.ReadLimit))
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		ctl.gw.Touch(c.id)
		return c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	})

	for {
		data, err := ctl.readFrame(c)
		if errors.Is(err, errFrameTooLarge) {
			log.Debug().Str("module", "ws").Str("conn", string(c.id)).Int64("limit", ctl.cfg.ReadLimit).Msg("oversized frame dropped")
			ctl.gw.Touch(c.id)
			_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
			ctl.sendError(c, domain.ErrPayloadTooLarge, "")
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "ws").Str("conn", string(c.id)).Msg("readPump read error")
			}
			reason = err
			return
		}
		ctl.gw.Touch(c.id)
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
		ctl.handleFrame(ctx, c, data)
	}
}

// readFrame reads one message of at most ReadLimit bytes. A longer message is
// consumed without being buffered so the connection stays usable.
func (ctl *Controller) readFrame(c *WsConn) ([]byte, error) {
	_, r, err := c.conn.NextReader()
	if err != nil {
		return nil, err
	}
	if ctl.cfg.ReadLimit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, ctl.cfg.ReadLimit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > ctl.cfg.ReadLimit {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, err
		}
		return nil, errFrameTooLarge
	}
	return data, nil
}

func (ctl *Controller) handleFrame(ctx context.Context, c *WsConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ctl.protocolError(c, "", err)
		return
	}

	switch env.Type {
	case protocol.TypeJoin:
		var req protocol.JoinRequest
		if err := json.Unmarshal(data, &req); err != nil {
			ctl.protocolError(c, "", err)
			return
		}
		ctl.handleJoin(ctx, c, req)
	case protocol.TypeSubmit:
		var req protocol.SubmitRequest
		if err := json.Unmarshal(data, &req); err != nil {
			ctl.protocolError(c, "", err)
			return
		}
		ctl.handleSubmit(ctx, c, req)
	case protocol.TypeLeave:
		ctl.handleLeave(c)
	case protocol.TypePing:
		ctl.handlePing(c)
	case protocol.TypeWhoAmI:
		ctl.handleWhoAmI(c)
	default:
		ctl.protocolError(c, "", errors.New("unknown message type "+env.Type))
	}
}

func (ctl *Controller) protocolError(c *WsConn, ref string, err error) {
	log.Debug().Err(err).Str("module", "ws").Str("conn", string(c.id)).Msg("bad message")
	ctl.sendError(c, domain.ErrBadMessage, ref)
	ctl.gw.ProtocolError(c.id)
}

func (ctl *Controller) sendError(c *WsConn, err error, ref string) {
	b, encErr := protocol.ErrorFrame(err, ref)
	if encErr != nil {
		log.Error().Err(encErr).Str("module", "ws").Msg("encode error frame")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) sendJSON(c *WsConn, v any) {
	b, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
