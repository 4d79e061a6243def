package domain

import (
	"errors"
	"fmt"
)

// Stable codes sent to clients in error frames.
const (
	CodeAuthFailed       = "auth_failed"
	CodeRoomFull         = "room_full"
	CodeRateLimited      = "rate_limited"
	CodeInvalidRoom      = "invalid_room"
	CodeNotJoined        = "not_joined"
	CodePayloadTooLarge  = "payload_too_large"
	CodeStorage          = "storage_error"
	CodeSlowConsumer     = "slow_consumer"
	CodeRoomReset        = "room_reset"
	CodeBadMessage       = "bad_message"
	CodeConnectionClosed = "connection_closed"
	CodeInternal         = "internal_error"
)

// Error carries a wire code. Two Errors match under errors.Is when their codes do.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Wrap attaches a cause to a taxonomy error while keeping its code.
func Wrap(base *Error, err error) *Error {
	return &Error{Code: base.Code, Message: base.Message, Err: err}
}

var (
	// ErrUnauthorized rejects a connection before it can join anything.
	ErrUnauthorized = &Error{Code: CodeAuthFailed, Message: "invalid or expired credential"}

	// Room join errors; the connection stays open and may retry.
	ErrRoomFull    = &Error{Code: CodeRoomFull, Message: "room is at capacity"}
	ErrRateLimited = &Error{Code: CodeRateLimited, Message: "too many join attempts"}
	ErrInvalidRoom = &Error{Code: CodeInvalidRoom, Message: "invalid room id"}

	ErrNotJoined       = &Error{Code: CodeNotJoined, Message: "connection has not joined a room"}
	ErrPayloadTooLarge = &Error{Code: CodePayloadTooLarge, Message: "payload exceeds limit"}
	ErrStorage         = &Error{Code: CodeStorage, Message: "operation could not be persisted"}
	ErrSlowConsumer    = &Error{Code: CodeSlowConsumer, Message: "outbound queue overflow"}
	ErrRoomReset       = &Error{Code: CodeRoomReset, Message: "room was reset, rejoin to reconcile"}
	ErrBadMessage      = &Error{Code: CodeBadMessage, Message: "malformed message"}
	ErrConnClosed      = &Error{Code: CodeConnectionClosed, Message: "connection closed"}

	// ErrSequenceConflict means a different operation already owns a sequence
	// number. It is a per-room invariant violation.
	ErrSequenceConflict = errors.New("sequence number already holds a different operation")
)

// CodeOf maps any error to a wire code.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
