package fanout

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gufta-im/internal/imtypes"
	"gufta-im/internal/models"
)

type emitted struct {
	userID string
	event  string
	data   interface{}
}

// fakeEmitter 代替真实的 Hub 记录投递顺序。
type fakeEmitter struct {
	mu      sync.Mutex
	events  []emitted
	offline map[string]bool
}

func (f *fakeEmitter) EmitToUser(userID, event string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[userID] {
		return errors.New("offline")
	}
	f.events = append(f.events, emitted{userID: userID, event: event, data: data})
	return nil
}

func (f *fakeEmitter) eventsFor(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, e := range f.events {
		if e.userID == userID {
			names = append(names, e.event)
		}
	}
	return names
}

func directConversation() *models.Conversation {
	c := &models.Conversation{
		Kind: models.DirectConversation,
		Participants: []models.ConversationParticipant{
			{UserID: "alice"},
			{UserID: "bob"},
		},
	}
	c.ID = "conv-1"
	return c
}

func TestDeliverNewConversationPrecedesMessage(t *testing.T) {
	em := &fakeEmitter{}
	r := NewRouter(em, nil)
	msg := &models.Message{ID: "m1", ConversationID: "conv-1", SenderID: "alice", Content: "hi", CreatedAt: time.Now()}

	r.Deliver(directConversation(), msg, true)

	for _, user := range []string{"alice", "bob"} {
		assert.Equal(t, []string{imtypes.EventNewConversation, imtypes.EventReceiveMessage}, em.eventsFor(user), user)
	}
}

func TestDeliverExistingConversationOnlyMessage(t *testing.T) {
	em := &fakeEmitter{}
	r := NewRouter(em, nil)
	msg := &models.Message{ID: "m2", ConversationID: "conv-1", SenderID: "bob", Content: "yo"}

	r.Deliver(directConversation(), msg, false)

	assert.Equal(t, []string{imtypes.EventReceiveMessage}, em.eventsFor("alice"))
	assert.Equal(t, []string{imtypes.EventReceiveMessage}, em.eventsFor("bob"))

	em.mu.Lock()
	defer em.mu.Unlock()
	require.Len(t, em.events, 2)
	got, ok := em.events[0].data.(*models.Message)
	require.True(t, ok)
	assert.Equal(t, "conv-1", got.ConversationID)
}

func TestDeliverContinuesPastFailedParticipant(t *testing.T) {
	em := &fakeEmitter{offline: map[string]bool{"alice": true}}
	r := NewRouter(em, nil)

	r.Deliver(directConversation(), &models.Message{ID: "m3", ConversationID: "conv-1", SenderID: "alice"}, false)

	assert.Empty(t, em.eventsFor("alice"))
	assert.Equal(t, []string{imtypes.EventReceiveMessage}, em.eventsFor("bob"))
}
