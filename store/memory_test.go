package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageInsertDeduplicatesOnClientKey(t *testing.T) {
	s := NewMemoryMessageStore()

	first := &Message{ID: "m1", ClientKey: "ck1", SenderID: "alice", RecipientID: "bob", Body: "hi"}
	inserted, err := s.Insert(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, inserted)

	// A retry carries the same client key under a fresh server id.
	retry := &Message{ID: "m2", ClientKey: "ck1", SenderID: "alice", RecipientID: "bob", Body: "hi"}
	inserted, err = s.Insert(context.Background(), retry)
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = s.Get(context.Background(), "m2")
	assert.ErrorIs(t, err, ErrNotFound, "the duplicate row must not exist")

	msg, err := s.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Body)
}

func TestSessionStoreReturnsCopies(t *testing.T) {
	s := NewMemoryLiveSessionStore()

	sess := &LiveSession{
		ID:           "s1",
		HostID:       "host",
		Status:       StatusScheduled,
		Participants: []string{"host"},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.Save(context.Background(), sess))

	// Mutating the caller's copy after save must not reach the store.
	sess.Participants = append(sess.Participants, "intruder")
	sess.Buffer = "tampered"

	got, err := s.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"host"}, got.Participants)
	assert.Empty(t, got.Buffer)

	// And mutating a Get result must not either.
	got.Status = StatusEnded
	again, err := s.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, again.Status)
}

func TestSessionStoreGetUnknown(t *testing.T) {
	s := NewMemoryLiveSessionStore()
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRosterHelpers(t *testing.T) {
	sess := &LiveSession{ID: "s1", HostID: "host", Participants: []string{"host"}}

	assert.True(t, sess.AddParticipant("guest"))
	assert.False(t, sess.AddParticipant("guest"))
	assert.True(t, sess.HasParticipant("guest"))

	assert.True(t, sess.RemoveParticipant("guest"))
	assert.False(t, sess.RemoveParticipant("guest"))
	assert.False(t, sess.HasParticipant("guest"))
	assert.Equal(t, []string{"host"}, sess.Participants)
}
