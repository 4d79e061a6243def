// Package protocol defines the JSON messages exchanged with whiteboard
// clients over a persistent connection. Every frame is an object with a
// "type" discriminator.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/sketchsync/internal/domain"
)

// Client -> server message types.
const (
	TypeJoin   = "join"
	TypeSubmit = "submit"
	TypeLeave  = "leave"
	TypePing   = "ping"
	TypeWhoAmI = "whoami"
)

// Server -> client message types.
const (
	TypeJoined              = "joined"
	TypeReconciliationBatch = "reconciliationBatch"
	TypeAck                 = "ack"
	TypeOperation           = "operation"
	TypePresence            = "presence"
	TypeLeft                = "left"
	TypeError               = "error"
	TypePong                = "pong"
)

// EnvelopeMargin is the room a submit frame needs around a maximum size
// payload for its type, ref and clientTs fields.
const EnvelopeMargin = 4 << 10

type Envelope struct {
	Type string `json:"type"`
}

type JoinRequest struct {
	Type   string  `json:"type"`
	RoomID string  `json:"roomId"`
	Since  *uint64 `json:"since,omitempty"`
}

type SubmitRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	ClientTS int64           `json:"clientTs,omitempty"`
	Ref      string          `json:"ref,omitempty"`
}

type Reconciliation struct {
	Baseline        json.RawMessage `json:"baseline,omitempty"`
	BaselineThrough uint64          `json:"baselineThrough"`
	Through         uint64          `json:"through"`
	Reset           bool            `json:"reset,omitempty"`
}

type Joined struct {
	Type           string          `json:"type"`
	RoomID         domain.RoomID   `json:"roomId"`
	Members        []domain.Member `json:"members"`
	Reconciliation Reconciliation  `json:"reconciliation"`
}

type ReconciliationBatch struct {
	Type       string             `json:"type"`
	Operations []domain.Operation `json:"operations"`
	Final      bool               `json:"final"`
}

type Ack struct {
	Type string `json:"type"`
	Seq  uint64 `json:"sequenceNumber"`
	Ref  string `json:"ref,omitempty"`
}

type OperationEvent struct {
	Type     string          `json:"type"`
	Seq      uint64          `json:"sequenceNumber"`
	AuthorID domain.UserID   `json:"authorId"`
	Payload  json.RawMessage `json:"payload"`
	ClientTS int64           `json:"clientTs,omitempty"`
	ServerTS int64           `json:"serverTs"`
}

type PresenceEvent struct {
	Type   string                     `json:"type"`
	Kind   domain.MembershipEventType `json:"presence"`
	User   domain.User                `json:"user"`
	ConnID domain.ConnID              `json:"connectionId"`
}

type Left struct {
	Type   string        `json:"type"`
	RoomID domain.RoomID `json:"roomId"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

type Pong struct {
	Type string `json:"type"`
}

type WhoAmI struct {
	Type   string        `json:"type"`
	User   domain.User   `json:"user"`
	RoomID domain.RoomID `json:"roomId,omitempty"`
}
