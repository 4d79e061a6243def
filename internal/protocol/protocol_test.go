package protocol_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/dkeye/sketchsync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationFrameKeepsPayloadVerbatim(t *testing.T) {
	op := domain.Operation{
		RoomID:   "abc",
		Seq:      7,
		AuthorID: "u1",
		Payload:  json.RawMessage(`{"shape":"rect","x":1}`),
		ServerTS: time.UnixMilli(1700000000000),
	}
	b, err := protocol.OperationFrame(op)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "operation", got["type"])
	assert.EqualValues(t, 7, got["sequenceNumber"])
	assert.Equal(t, "u1", got["authorId"])
	assert.Equal(t, map[string]any{"shape": "rect", "x": float64(1)}, got["payload"])
	assert.EqualValues(t, 1700000000000, got["serverTs"])
}

func TestErrorFrameHidesCause(t *testing.T) {
	err := fmt.Errorf("submit: %w", domain.Wrap(domain.ErrStorage, errors.New("pq: connection refused")))
	b, ferr := protocol.ErrorFrame(err, "r1")
	require.NoError(t, ferr)

	var got protocol.Error
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, domain.CodeStorage, got.Code)
	assert.Equal(t, "r1", got.Ref)
	assert.NotContains(t, got.Message, "pq")
}

func TestJoinRequestSinceIsOptional(t *testing.T) {
	var req protocol.JoinRequest
	require.NoError(t, json.Unmarshal([]byte(`{"type":"join","roomId":"abc"}`), &req))
	assert.Nil(t, req.Since)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"join","roomId":"abc","since":0}`), &req))
	require.NotNil(t, req.Since)
	assert.Zero(t, *req.Since)
}
