package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectPairKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, DirectPairKey("alice", "bob"), DirectPairKey("bob", "alice"))
	assert.NotEqual(t, DirectPairKey("alice", "bob"), DirectPairKey("alice", "carol"))
}

func TestDirectPairKeyNoSeparatorAmbiguity(t *testing.T) {
	// 不带长度前缀时两者都会变成 "a:b:c"
	assert.NotEqual(t, DirectPairKey("a:b", "c"), DirectPairKey("a", "b:c"))
}

func TestApplyLastMessageIsMonotonic(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := &Conversation{}

	newer := &Message{ID: "m2", Content: "newer", SenderID: "bob", CreatedAt: base.Add(time.Second)}
	older := &Message{ID: "m1", Content: "older", SenderID: "alice", CreatedAt: base}

	require.True(t, c.ApplyLastMessage(newer))
	assert.False(t, c.ApplyLastMessage(older))

	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "newer", c.LastMessage.Content)
	assert.Equal(t, "bob", c.LastMessage.SenderID)
	assert.Equal(t, newer.CreatedAt, c.LastMessage.Timestamp)
	assert.Equal(t, newer.CreatedAt, c.UpdatedAt)

	same := &Message{ID: "m3", Content: "same instant", SenderID: "alice", CreatedAt: newer.CreatedAt}
	assert.True(t, c.ApplyLastMessage(same))
	assert.Equal(t, "same instant", c.LastMessage.Content)
}

func TestParticipantHelpers(t *testing.T) {
	c := &Conversation{Participants: []ConversationParticipant{{UserID: "alice"}, {UserID: "bob", Position: 1}}}

	assert.True(t, c.HasParticipant("bob"))
	assert.False(t, c.HasParticipant("carol"))
	assert.Equal(t, []string{"alice", "bob"}, c.ParticipantIDs())

	c.Participant("bob").IsPinned = true
	assert.True(t, c.Participants[1].IsPinned)
}

func TestSyncLastMessage(t *testing.T) {
	c := &Conversation{}
	c.SyncLastMessage()
	assert.Nil(t, c.LastMessage)

	at := time.Now()
	content, sender := "hi", "alice"
	c.LastMessageAt, c.LastMessageContent, c.LastMessageSenderID = &at, &content, &sender
	c.SyncLastMessage()
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, LastMessage{Content: "hi", SenderID: "alice", Timestamp: at}, *c.LastMessage)
}

func TestMessageTypeValid(t *testing.T) {
	assert.True(t, TextMessage.Valid())
	assert.True(t, SystemMessage.Valid())
	assert.False(t, MessageType("video").Valid())
}
