package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/sketchsync/internal/adapters/memstore"
	"github.com/dkeye/sketchsync/internal/app"
	"github.com/dkeye/sketchsync/internal/core"
	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, credential string) (domain.User, error) {
	name, ok := strings.CutPrefix(credential, "tok-")
	if !ok {
		return domain.User{}, errors.New("bad token")
	}
	return domain.User{ID: domain.UserID(name), DisplayName: name}, nil
}

type message struct {
	Type       string             `json:"type"`
	Seq        uint64             `json:"sequenceNumber"`
	AuthorID   string             `json:"authorId"`
	Ref        string             `json:"ref"`
	Code       string             `json:"code"`
	Presence   string             `json:"presence"`
	User       domain.User        `json:"user"`
	RoomID     string             `json:"roomId"`
	Final      bool               `json:"final"`
	Operations []domain.Operation `json:"operations"`
}

func newServer(t *testing.T) string {
	t.Helper()
	return newServerWith(t, DefaultConfig())
}

func newServerWith(t *testing.T, cfg Config) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	reg := core.NewRegistry(memstore.New(), core.DefaultRoomConfig())
	gw := app.NewGateway(tokenVerifier{}, reg, app.GatewayConfig{})
	ctl := NewController(gw, cfg)

	r := gin.New()
	r.GET("/api/ws", func(c *gin.Context) { ctl.HandleWS(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		reg.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var m message
		require.NoError(t, conn.ReadJSON(&m))
		if m.Type == typ {
			return m
		}
	}
}

func TestRejectsUnauthenticated(t *testing.T) {
	url := newServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEndToEnd(t *testing.T) {
	url := newServer(t)

	alice := dial(t, url+"?token=tok-alice&room=abc", nil)
	joined := readUntil(t, alice, "joined")
	assert.Equal(t, "abc", joined.RoomID)
	batch := readUntil(t, alice, "reconciliationBatch")
	assert.True(t, batch.Final)
	assert.Empty(t, batch.Operations)

	bob := dial(t, url, http.Header{"Authorization": {"Bearer tok-bob"}})
	require.NoError(t, bob.WriteJSON(map[string]any{"type": "join", "roomId": "abc"}))
	readUntil(t, bob, "joined")
	readUntil(t, bob, "reconciliationBatch")

	hello := readUntil(t, alice, "presence")
	assert.Equal(t, "joined", hello.Presence)
	assert.Equal(t, domain.UserID("bob"), hello.User.ID)

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "submit", "payload": map[string]int{"x": 1}, "ref": "r1"}))
	ack := readUntil(t, alice, "ack")
	assert.Equal(t, uint64(1), ack.Seq)
	assert.Equal(t, "r1", ack.Ref)
	op := readUntil(t, bob, "operation")
	assert.Equal(t, uint64(1), op.Seq)
	assert.Equal(t, "alice", op.AuthorID)

	require.NoError(t, bob.WriteJSON(map[string]any{"type": "ping"}))
	readUntil(t, bob, "pong")
	require.NoError(t, bob.WriteJSON(map[string]any{"type": "whoami"}))
	who := readUntil(t, bob, "whoami")
	assert.Equal(t, domain.UserID("bob"), who.User.ID)
	assert.Equal(t, "abc", who.RoomID)

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("{nope")))
	bad := readUntil(t, bob, "error")
	assert.Equal(t, domain.CodeBadMessage, bad.Code)

	require.NoError(t, bob.Close())
	gone := readUntil(t, alice, "presence")
	assert.Equal(t, "left", gone.Presence)
	assert.Equal(t, domain.UserID("bob"), gone.User.ID)

	// Late joiner catches up from sequence 0.
	carol := dial(t, url+"?token=tok-carol&room=abc&since=0", nil)
	catchUp := readUntil(t, carol, "reconciliationBatch")
	require.Len(t, catchUp.Operations, 1)
	assert.Equal(t, uint64(1), catchUp.Operations[0].Seq)
}

func TestSubmitBeforeJoin(t *testing.T) {
	url := newServer(t)
	conn := dial(t, url+"?token=tok-dave", nil)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "submit", "payload": map[string]int{"x": 1}, "ref": "q"}))
	m := readUntil(t, conn, "error")
	assert.Equal(t, domain.CodeNotJoined, m.Code)
	assert.Equal(t, "q", m.Ref)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "leave"}))
	readUntil(t, conn, "left")
}

func TestCredential(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		client string
		want   string
	}{
		{"bearer header", "/ws", "Bearer abc", "", "abc"},
		{"query token", "/ws?token=q", "", "ct", "q"},
		{"guest fallback", "/ws", "", "ct", "guest:ct"},
		{"guest query ignored", "/ws?token=guest:victim", "", "ct", "guest:ct"},
		{"guest bearer ignored", "/ws", "Bearer guest:victim", "ct", "guest:ct"},
		{"guest query without session", "/ws?token=guest:victim", "", "", ""},
		{"nothing", "/ws", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, Credential(r, tt.client))
		})
	}
}

func TestOversizedFrameKeepsConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadLimit = 8 << 10
	url := newServerWith(t, cfg)

	conn := dial(t, url+"?token=tok-erin&room=abc", nil)
	readUntil(t, conn, "reconciliationBatch")

	big := strings.Repeat("x", 200<<10)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "submit", "payload": big, "ref": "big"}))
	m := readUntil(t, conn, "error")
	assert.Equal(t, domain.CodePayloadTooLarge, m.Code)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "submit", "payload": map[string]int{"x": 1}, "ref": "small"}))
	ack := readUntil(t, conn, "ack")
	assert.Equal(t, uint64(1), ack.Seq)
	assert.Equal(t, "small", ack.Ref)
}
