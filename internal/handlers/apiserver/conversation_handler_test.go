package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gufta-im/internal/auth"
	"gufta-im/internal/config"
	"gufta-im/internal/imtypes"
	"gufta-im/internal/middleware"
	"gufta-im/internal/models"
	"gufta-im/internal/services"
	"gufta-im/internal/storage"
)

var testAuth = config.AuthConfig{JWTSecretKey: "secret", JWTExpiry: time.Hour, JWTIssuer: "gufta-im", CookieName: "token"}

type apiFixture struct {
	router *mux.Router
	msgs   services.MessageService
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	convo := services.NewConversationService(store, nil)
	msgs := services.NewMessageService(store, store, convo, nil, config.MessageConfig{}, nil)

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(auth.NewJWTVerifier(testAuth, nil), testAuth.CookieName))
	NewConversationHandler(convo, msgs, 0, nil).RegisterRoutes(api)
	return &apiFixture{router: r, msgs: msgs}
}

func (f *apiFixture) do(t *testing.T, method, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		token, err := auth.GenerateToken(auth.Identity{UserID: userID}, testAuth)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: testAuth.CookieName, Value: token})
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) send(t *testing.T, from string, payload imtypes.SendMessagePayload) *services.SendResult {
	t.Helper()
	payload.SenderID = from
	res, err := f.msgs.Send(context.Background(), auth.Identity{UserID: from}, payload)
	require.NoError(t, err)
	return res
}

func TestConversationRoutesRequireAuth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/conversations", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Unauthenticated", body["error"])
	assert.Equal(t, "missing credential", body["reason"])
}

func TestListConversations(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/conversations", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	res := f.send(t, "alice", imtypes.SendMessagePayload{Content: "hi", ReceiverID: "bob"})

	rec = f.do(t, http.MethodGet, "/api/v1/conversations", "bob")
	require.Equal(t, http.StatusOK, rec.Code)
	var convs []models.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, res.Conversation.ID, convs[0].ID)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "hi", convs[0].LastMessage.Content)
	assert.Equal(t, 1, convs[0].Participant("bob").UnreadCount)
}

func TestConversationMessages(t *testing.T) {
	f := newAPIFixture(t)
	res := f.send(t, "alice", imtypes.SendMessagePayload{Content: "one", ReceiverID: "bob"})
	f.send(t, "bob", imtypes.SendMessagePayload{Content: "two", ConversationID: res.Conversation.ID})

	path := "/api/v1/conversations/" + res.Conversation.ID + "/messages"
	rec := f.do(t, http.MethodGet, path, "bob")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)

	rec = f.do(t, http.MethodGet, path+"?limit=1&offset=1", "bob")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Content)

	rec = f.do(t, http.MethodGet, path, "carol")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"Forbidden"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/conversations/missing/messages", "bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPinAndRead(t *testing.T) {
	f := newAPIFixture(t)
	res := f.send(t, "alice", imtypes.SendMessagePayload{Content: "hi", ReceiverID: "bob"})
	base := "/api/v1/conversations/" + res.Conversation.ID

	rec := f.do(t, http.MethodPost, base+"/pin", "bob")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversationId":"`+res.Conversation.ID+`","isPinned":true}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, base+"/read", "bob")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/conversations", "bob")
	var convs []models.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, 0, convs[0].Participant("bob").UnreadCount)
	assert.True(t, convs[0].Participant("bob").IsPinned)

	rec = f.do(t, http.MethodPost, base+"/pin", "carol")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForError(services.ErrBadRequest))
	assert.Equal(t, http.StatusUnauthorized, statusForError(services.ErrUnauthenticated))
	assert.Equal(t, http.StatusForbidden, statusForError(services.ErrUnauthorized))
	assert.Equal(t, http.StatusNotFound, statusForError(services.ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusForError(assert.AnError))
}
