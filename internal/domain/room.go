package domain

import (
	"errors"
	"regexp"
)

const MaxRoomIDLen = 64

var ErrRoomIDInvalid = errors.New("room id must be 1-64 chars of [A-Za-z0-9_.-]")

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,64}$`)

type RoomID string

// ParseRoomID validates ids coming off the wire.
func ParseRoomID(raw string) (RoomID, error) {
	if !roomIDPattern.MatchString(raw) {
		return "", ErrRoomIDInvalid
	}
	return RoomID(raw), nil
}

// RoomInfo is a read-only view of an active room.
type RoomInfo struct {
	ID        RoomID `json:"id"`
	Members   int    `json:"members"`
	LastSeq   uint64 `json:"lastSeq"`
	CreatedAt int64  `json:"createdAt"`
}
