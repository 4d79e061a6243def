package domain

import "time"

// ConnID identifies one transport connection for its whole lifetime.
type ConnID string

// Member represents user's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	ConnID   ConnID    `json:"connectionId"`
	User     User      `json:"user"`
	JoinedAt time.Time `json:"joinedAt"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(conn ConnID, user User, at time.Time) Member {
	return Member{ConnID: conn, User: user, JoinedAt: at}
}

type MembershipEventType string

const (
	MemberJoined MembershipEventType = "joined"
	MemberLeft   MembershipEventType = "left"
)

// MembershipEvent is the durable trace of a join or leave.
type MembershipEvent struct {
	RoomID RoomID              `json:"roomId"`
	UserID UserID              `json:"userId"`
	Type   MembershipEventType `json:"type"`
	At     time.Time           `json:"at"`
}
