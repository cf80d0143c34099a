package kafkahandlers

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gufta-im/internal/models"
	"gufta-im/internal/services"
)

func TestMessageEventPrinterWritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	h := NewMessageEventPrinter(&buf, nil)

	payload, err := json.Marshal(services.MessagePersistedEvent{
		MessageID:         "m1",
		ConversationID:    "c1",
		SenderID:          "alice",
		ParticipantIDs:    []string{"alice", "bob"},
		Type:              models.TextMessage,
		CreatedAt:         time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		IsNewConversation: true,
	})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), &kafka.Message{Key: []byte("c1"), Value: payload}))
	assert.Equal(t,
		"2024-01-02T03:04:05Z conversation=c1 message=m1 sender=alice participants=alice,bob type=text new=true\n",
		buf.String())
}

func TestMessageEventPrinterSkipsBadRecord(t *testing.T) {
	var buf bytes.Buffer
	h := NewMessageEventPrinter(&buf, nil)

	err := h.Handle(context.Background(), &kafka.Message{Value: []byte("{not json")})
	assert.NoError(t, err)
	assert.Empty(t, buf.String())
}
