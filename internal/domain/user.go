// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 36
	guestPrefix       = "guest-"
)

var (
	ErrUserIDEmpty        = errors.New("user id empty")
	ErrUserIDTooLong      = errors.New("user id too long")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

type UserID string

// User is the verified identity attached to a connection.
// It is a value: once a connection is accepted the identity never changes.
type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
	IsGuest     bool   `json:"isGuest"`
}

// NewUser builds a registered identity as produced by a credential verifier.
func NewUser(id, displayName string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return User{}, ErrUserIDTooLong
	}
	if len(displayName) > MaxDisplayNameLen {
		return User{}, ErrDisplayNameTooLong
	}
	if displayName == "" {
		displayName = id
	}
	return User{ID: UserID(id), DisplayName: displayName}, nil
}

// NewGuest returns an ephemeral identity. token is the client token carried by
// the guest's cookie; an empty or oversized token gets a fresh uuid.
func NewGuest(token string) User {
	if token == "" || len(guestPrefix)+len(token) > MaxUserIDLen {
		token = uuid.NewString()
	}
	short := token
	if len(short) > 4 {
		short = short[:4]
	}
	return User{
		ID:          UserID(guestPrefix + token),
		DisplayName: guestPrefix + short,
		IsGuest:     true,
	}
}
