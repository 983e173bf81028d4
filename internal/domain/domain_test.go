package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoomRef(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    RoomRef
		wantErr bool
	}{
		{name: "direct", id: "direct:alice:bob", want: Direct("alice", "bob")},
		{name: "group", id: "group:team1", want: Group("team1")},
		{name: "group with colon in id", id: "group:eu:team1", want: Group("eu:team1")},
		{name: "missing kind", id: "team1", wantErr: true},
		{name: "unknown kind", id: "channel:x", wantErr: true},
		{name: "direct with one party", id: "direct:alice", wantErr: true},
		{name: "direct with three parties", id: "direct:a:b:c", wantErr: true},
		{name: "direct with self", id: "direct:alice:alice", wantErr: true},
		{name: "empty group", id: "group:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRoomRef(tt.id)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.id, got.ID())
		})
	}
}

func TestDirect_PartyOrderIsCanonical(t *testing.T) {
	ref, err := ParseRoomRef("direct:bob:alice")
	require.NoError(t, err)
	assert.Equal(t, Direct("alice", "bob"), ref)
	assert.Equal(t, "direct:alice:bob", ref.ID())

	assert.Equal(t, "direct:alice:bob", CanonicalRoomID("direct:bob:alice"))
	assert.Equal(t, "group:team1", CanonicalRoomID("group:team1"))
	assert.Equal(t, "lobby", CanonicalRoomID("lobby"), "unparsable ids are left alone")
}

func TestRoomRef_Parties(t *testing.T) {
	ref := Direct("alice", "bob")
	assert.True(t, ref.HasParty("alice"))
	assert.True(t, ref.HasParty("bob"))
	assert.False(t, ref.HasParty("carol"))
	assert.Equal(t, []string{"alice", "bob"}, ref.Parties())

	assert.Nil(t, Group("team1").Parties())
	assert.False(t, Group("team1").HasParty("alice"))
}

func TestError_Classification(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("send: %w", Wrap(CodePersistFailed, "message.send", cause))

	assert.ErrorIs(t, err, ErrPersistFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, CodePersistFailed, CodeOf(err))
	assert.Equal(t, ErrPersistFailed.Error(), MessageOf(err))

	limited := &Error{Code: CodeRateLimited, Op: "message.send", RetryAfter: time.Second}
	assert.Equal(t, "message.send: rate limit exceeded", limited.Error())

	assert.Equal(t, CodeNotFound, CodeOf(fmt.Errorf("wrapped: %w", ErrNotFound)))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, "internal error", MessageOf(errors.New("boom")))
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, StatusAway.Valid())
	assert.False(t, Status("invisible").Valid())
}
