package domain

import (
	"encoding/json"
	"time"
)

// Operation is one sequenced unit of change. Payload is opaque to the server.
type Operation struct {
	RoomID   RoomID          `json:"roomId"`
	Seq      uint64          `json:"sequenceNumber"`
	AuthorID UserID          `json:"authorId"`
	Payload  json.RawMessage `json:"payload"`
	ClientTS int64           `json:"clientTs,omitempty"`
	ServerTS time.Time       `json:"serverTs"`
}

// SameContent reports whether two records describe the same append, which is
// what makes retried appends under one sequence number idempotent.
func (o Operation) SameContent(other Operation) bool {
	return o.RoomID == other.RoomID &&
		o.Seq == other.Seq &&
		o.AuthorID == other.AuthorID &&
		string(o.Payload) == string(other.Payload)
}

// Snapshot is a compacted point-in-time materialization of a room.
// State is a JSON array of every Operation with Seq <= Through.
type Snapshot struct {
	RoomID    RoomID    `json:"roomId"`
	Through   uint64    `json:"throughSequenceNumber"`
	State     []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}
