package domain_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		display string
		wantErr error
		want    domain.User
	}{
		{name: "named", id: "42", display: "alice", want: domain.User{ID: "42", DisplayName: "alice"}},
		{name: "display defaults to id", id: "42", want: domain.User{ID: "42", DisplayName: "42"}},
		{name: "empty id", id: "  ", wantErr: domain.ErrUserIDEmpty},
		{name: "long id", id: strings.Repeat("x", domain.MaxUserIDLen+1), wantErr: domain.ErrUserIDTooLong},
		{name: "long name", id: "1", display: strings.Repeat("n", domain.MaxDisplayNameLen+1), wantErr: domain.ErrDisplayNameTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := domain.NewUser(tt.id, tt.display)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u)
		})
	}
}

func TestNewGuest(t *testing.T) {
	g := domain.NewGuest("abcdef")
	assert.True(t, g.IsGuest)
	assert.Equal(t, domain.UserID("guest-abcdef"), g.ID)
	assert.Equal(t, "guest-abcd", g.DisplayName)

	fresh := domain.NewGuest("")
	assert.True(t, strings.HasPrefix(string(fresh.ID), "guest-"))
	assert.NotEqual(t, fresh.ID, domain.NewGuest("").ID)
}

func TestParseRoomID(t *testing.T) {
	for _, ok := range []string{"abc", "room_1", "a.b-c", strings.Repeat("r", 64)} {
		_, err := domain.ParseRoomID(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "has space", "slash/room", strings.Repeat("r", 65)} {
		_, err := domain.ParseRoomID(bad)
		assert.ErrorIs(t, err, domain.ErrRoomIDInvalid, bad)
	}
}

func TestErrorCodes(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", domain.Wrap(domain.ErrStorage, errors.New("disk full")))

	assert.ErrorIs(t, wrapped, domain.ErrStorage)
	assert.NotErrorIs(t, wrapped, domain.ErrNotJoined)
	assert.Equal(t, domain.CodeStorage, domain.CodeOf(wrapped))
	assert.Equal(t, domain.CodeInternal, domain.CodeOf(errors.New("boom")))
	assert.Contains(t, wrapped.Error(), "disk full")
}

func TestOperationSameContent(t *testing.T) {
	a := domain.Operation{RoomID: "r", Seq: 1, AuthorID: "u", Payload: []byte(`{"x":1}`)}
	b := a
	b.ClientTS = 99
	assert.True(t, a.SameContent(b))

	b.Payload = []byte(`{"x":2}`)
	assert.False(t, a.SameContent(b))
}
