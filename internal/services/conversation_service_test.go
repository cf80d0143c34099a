package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gufta-im/internal/models"
	"gufta-im/internal/storage"
)

// mockConversationRepository 用于注入存储层错误和并发冲突。
type mockConversationRepository struct {
	mock.Mock
}

func (m *mockConversationRepository) GetConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*models.Conversation)
	return c, args.Error(1)
}

func (m *mockConversationRepository) FindDirectConversation(ctx context.Context, pairKey string) (*models.Conversation, error) {
	args := m.Called(ctx, pairKey)
	c, _ := args.Get(0).(*models.Conversation)
	return c, args.Error(1)
}

func (m *mockConversationRepository) CreateDirectConversation(ctx context.Context, conversation *models.Conversation) error {
	return m.Called(ctx, conversation).Error(0)
}

func (m *mockConversationRepository) UpdateLastMessage(ctx context.Context, conversationID string, msg *models.Message) (bool, error) {
	args := m.Called(ctx, conversationID, msg)
	return args.Bool(0), args.Error(1)
}

func (m *mockConversationRepository) IncrementUnread(ctx context.Context, conversationID string, exceptUserID string) error {
	return m.Called(ctx, conversationID, exceptUserID).Error(0)
}

func (m *mockConversationRepository) ClearUnread(ctx context.Context, conversationID string, userID string) error {
	return m.Called(ctx, conversationID, userID).Error(0)
}

func (m *mockConversationRepository) TogglePin(ctx context.Context, conversationID string, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *mockConversationRepository) GetUserConversations(ctx context.Context, userID string, limit int, offset int) ([]*models.Conversation, error) {
	args := m.Called(ctx, userID, limit, offset)
	list, _ := args.Get(0).([]*models.Conversation)
	return list, args.Error(1)
}

func (m *mockConversationRepository) FindDuplicateDirectPairs(ctx context.Context) ([]storage.DuplicatePair, error) {
	args := m.Called(ctx)
	pairs, _ := args.Get(0).([]storage.DuplicatePair)
	return pairs, args.Error(1)
}

func TestGetOrCreateDirectConversationCreatesOnce(t *testing.T) {
	ctx := context.Background()
	svc := NewConversationService(storage.NewMemoryStore(), nil)

	first, isNew, err := svc.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, models.DirectConversation, first.Kind)
	assert.Equal(t, []string{"alice", "bob"}, first.ParticipantIDs(), "sender comes first")

	second, isNew, err := svc.GetOrCreateDirectConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateDirectConversationConcurrent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := NewConversationService(store, nil)

	const workers = 32
	var wg sync.WaitGroup
	ids := make([]string, workers)
	created := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			c, isNew, err := svc.GetOrCreateDirectConversation(ctx, a, b)
			errs[i] = err
			if c != nil {
				ids[i] = c.ID
			}
			created[i] = isNew
		}(i)
	}
	wg.Wait()

	newCount := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			newCount++
		}
	}
	assert.Equal(t, 1, newCount)

	pairs, err := store.FindDuplicateDirectPairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestGetOrCreateDirectConversationRetriesAfterConflict(t *testing.T) {
	ctx := context.Background()
	repo := new(mockConversationRepository)
	key := models.DirectPairKey("alice", "bob")
	winner := &models.Conversation{Kind: models.DirectConversation}
	winner.ID = "winner"

	repo.On("FindDirectConversation", ctx, key).Return(nil, nil).Once()
	repo.On("CreateDirectConversation", ctx, mock.AnythingOfType("*models.Conversation")).Return(storage.ErrDuplicateConversation).Once()
	repo.On("FindDirectConversation", ctx, key).Return(winner, nil).Once()

	svc := NewConversationService(repo, nil)
	c, isNew, err := svc.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "winner", c.ID)
	repo.AssertExpectations(t)
}

func TestGetOrCreateDirectConversationGivesUp(t *testing.T) {
	ctx := context.Background()
	repo := new(mockConversationRepository)
	repo.On("FindDirectConversation", ctx, mock.Anything).Return(nil, nil)
	repo.On("CreateDirectConversation", ctx, mock.Anything).Return(storage.ErrDuplicateConversation)

	_, _, err := NewConversationService(repo, nil).GetOrCreateDirectConversation(ctx, "alice", "bob")
	assert.ErrorIs(t, err, ErrInternal)
	repo.AssertNumberOfCalls(t, "CreateDirectConversation", maxCreateAttempts)
}

func TestGetOrCreateDirectConversationStorageFailure(t *testing.T) {
	ctx := context.Background()
	repo := new(mockConversationRepository)
	repo.On("FindDirectConversation", ctx, mock.Anything).Return(nil, errors.New("connection refused"))

	_, _, err := NewConversationService(repo, nil).GetOrCreateDirectConversation(ctx, "alice", "bob")
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, "Internal", ErrorCode(err))
}

func TestResolveValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewConversationService(storage.NewMemoryStore(), nil)

	_, _, err := svc.Resolve(ctx, "alice", Target{})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, _, err = svc.Resolve(ctx, "alice", Target{ConversationID: "c1", ReceiverID: "bob"})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, _, err = svc.Resolve(ctx, "alice", Target{ReceiverID: "alice"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestResolveExistingConversation(t *testing.T) {
	ctx := context.Background()
	svc := NewConversationService(storage.NewMemoryStore(), nil)
	c, _, err := svc.Resolve(ctx, "alice", Target{ReceiverID: "bob"})
	require.NoError(t, err)

	got, isNew, err := svc.Resolve(ctx, "bob", Target{ConversationID: c.ID})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, c.ID, got.ID)

	_, _, err = svc.Resolve(ctx, "carol", Target{ConversationID: c.ID})
	assert.ErrorIs(t, err, ErrForbidden)

	_, _, err = svc.Resolve(ctx, "alice", Target{ConversationID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTogglePinAndMarkReadRequireMembership(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := NewConversationService(store, nil)
	c, _, err := svc.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	pinned, err := svc.TogglePin(ctx, c.ID, "alice")
	require.NoError(t, err)
	assert.True(t, pinned)

	_, err = svc.TogglePin(ctx, c.ID, "carol")
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, store.IncrementUnread(ctx, c.ID, "alice"))
	require.NoError(t, svc.MarkRead(ctx, c.ID, "bob"))
	got, err := store.GetConversationByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Participant("bob").UnreadCount)

	assert.ErrorIs(t, svc.MarkRead(ctx, "missing", "bob"), ErrNotFound)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "BadRequest", ErrorCode(badRequest("x %d", 1)))
	assert.Equal(t, "Internal", ErrorCode(errors.New("boom")))
	cause := errors.New("disk full")
	err := internal("保存", cause)
	assert.Equal(t, "Internal", ErrorCode(err))
	assert.ErrorIs(t, err, cause)
}
