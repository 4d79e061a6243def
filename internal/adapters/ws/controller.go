// Package ws serves the whiteboard client protocol over WebSocket.
package ws

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/sketchsync/internal/adapters/auth"
	"github.com/dkeye/sketchsync/internal/app"
	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/dkeye/sketchsync/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// ReadLimit bounds an accepted frame. Larger frames are drained and
	// answered with payload_too_large, up to DiscardLimit, past which the
	// socket is closed with 1009.
	ReadLimit    int64
	DiscardLimit int64
	SendBuffer   int
	WriteWait    time.Duration
	PingInterval time.Duration
	// PongWait is how long a silent socket stays open.
	PongWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReadLimit:    128 << 10,
		DiscardLimit: 4 << 20,
		SendBuffer:   256,
		WriteWait:    5 * time.Second,
		PingInterval: 25 * time.Second,
		PongWait:     60 * time.Second,
	}
}

type Controller struct {
	gw       *app.Gateway
	cfg      Config
	upgrader websocket.Upgrader
}

func NewController(gw *app.Gateway, cfg Config) *Controller {
	return &Controller{
		gw:  gw,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Credential picks the bearer token from the Authorization header or the
// token query parameter; browsers cannot set headers on WebSocket requests.
// Without either, the session's client token becomes a guest credential.
// Guest credentials are only ever built here, never taken from the request.
func Credential(r *http.Request, clientToken string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok && presented(token) {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); presented(token) {
		return token
	}
	if clientToken != "" {
		return auth.GuestCredential(clientToken)
	}
	return ""
}

func presented(token string) bool {
	token = strings.TrimSpace(token)
	return token != "" && !strings.HasPrefix(token, auth.GuestPrefix)
}

// HandleWS authenticates before upgrading, so rejected clients get a plain
// 401. With ?room= the connection joins right away, optionally from ?since=.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	user, err := ctl.gw.Authenticate(c.Request.Context(), Credential(c.Request, c.GetString("client_token")))
	if err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("remote", c.ClientIP()).Msg("rejected connection")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": domain.CodeAuthFailed, "message": domain.ErrUnauthorized.Message})
		return
	}

	var since *uint64
	if raw := c.Query("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": domain.CodeBadMessage, "message": "since must be a sequence number"})
			return
		}
		since = &n
	}
	room := c.Query("room")

	// The upgrade response is written on the hijacked connection, so cookies
	// set by middleware must be passed along explicitly.
	var header http.Header
	if cookies := c.Writer.Header().Values("Set-Cookie"); len(cookies) > 0 {
		header = http.Header{"Set-Cookie": cookies}
	}
	socket, err := ctl.upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("ws upgrade")
		return
	}

	out := newWsConn(socket, ctl.cfg.SendBuffer)
	conn := ctl.gw.Attach(user, out)
	out.id = conn.ID

	go ctl.writePump(ctx, out)
	if room != "" {
		ctl.handleJoin(ctx, out, protocol.JoinRequest{Type: protocol.TypeJoin, RoomID: room, Since: since})
	}
	go ctl.readPump(ctx, out)
}
