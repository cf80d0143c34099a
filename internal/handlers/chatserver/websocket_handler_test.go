package chatserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gufta-im/internal/auth"
	"gufta-im/internal/chatclient"
	"gufta-im/internal/config"
	"gufta-im/internal/fanout"
	"gufta-im/internal/imtypes"
	"gufta-im/internal/models"
	"gufta-im/internal/services"
	"gufta-im/internal/storage"
	ws "gufta-im/internal/websocket"
)

type testServer struct {
	cfg   config.Config
	hub   *ws.Hub
	store *storage.MemoryStore
	srv *httptest.Server
	url string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Config{
		Auth:      config.AuthConfig{JWTSecretKey: "secret", JWTExpiry: time.Hour, JWTIssuer: "gufta-im", CookieName: "token"},
		WebSocket: config.WebSocketConfig{SendBufferSize: 64, MaxMessageSizeBytes: 32 * 1024},
		Message:   config.MessageConfig{MaxContentLength: 100, PersistTimeout: 5 * time.Second, AckTimeout: 3 * time.Second},
	}

	store := storage.NewMemoryStore()
	convo := services.NewConversationService(store, nil)
	msgs := services.NewMessageService(store, store, convo, nil, cfg.Message, nil)

	hub := ws.NewHub(nil)
	go hub.Run()
	router := fanout.NewRouter(hub, nil)
	h := NewWebSocketHandler(hub, auth.NewJWTVerifier(cfg.Auth, nil), msgs, router, cfg, nil)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return &testServer{cfg: cfg, hub: hub, store: store, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

// peer 是一个已连接的测试用户，收到的频道事件按顺序进入 events。
type peer struct {
	userID string
	socket *chatclient.Socket
	sender *chatclient.Sender
	events chan imtypes.Envelope
}

func (ts *testServer) connect(t *testing.T, userID string) *peer {
	t.Helper()
	token, err := auth.GenerateToken(auth.Identity{UserID: userID, UserName: userID}, ts.cfg.Auth)
	require.NoError(t, err)

	p := &peer{userID: userID, events: make(chan imtypes.Envelope, 32)}
	socket, _, err := chatclient.Dial(context.Background(), ts.url, ts.cfg.Auth.CookieName, token, func(env imtypes.Envelope) {
		p.events <- env
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = socket.Close() })

	p.socket = socket
	p.sender = chatclient.NewSender(socket, 2*time.Second)
	require.Eventually(t, func() bool { return ts.hub.ConnectionCount(userID) > 0 }, time.Second, 10*time.Millisecond)
	return p
}

func (p *peer) next(t *testing.T) imtypes.Envelope {
	t.Helper()
	select {
	case env := <-p.events:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("%s received no event", p.userID)
		return imtypes.Envelope{}
	}
}

func (p *peer) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case env := <-p.events:
		t.Fatalf("%s received unexpected %s", p.userID, env.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func decode[T any](t *testing.T, env imtypes.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestHandshakeRejectedWithoutCredential(t *testing.T) {
	ts := newTestServer(t)

	_, resp, err := chatclient.Dial(context.Background(), ts.url, "token", "", nil, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "missing credential")
}

func TestHandshakeRejectedWithBadToken(t *testing.T) {
	ts := newTestServer(t)

	_, resp, err := chatclient.Dial(context.Background(), ts.url, "token", "garbage", nil, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "malformed credential")
}

func TestFirstMessageCreatesConversationAndFansOut(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "alice")
	bob := ts.connect(t, "bob")
	ctx := context.Background()

	ack, err := alice.sender.SendMessage(ctx, imtypes.SendMessagePayload{Content: "hello bob", SenderID: "alice", ReceiverID: "bob"})
	require.NoError(t, err)
	require.True(t, ack.OK)
	require.NotNil(t, ack.Message)
	require.NotNil(t, ack.Conversation, "ack carries the conversation when addressed by receiverId")
	assert.Equal(t, "hello bob", ack.Message.Content)
	convID := ack.Conversation.ID

	// 每个参与者 (包括发送者) 先收到 new_conversation，再收到 receive_message
	for _, p := range []*peer{bob, alice} {
		env := p.next(t)
		require.Equal(t, imtypes.EventNewConversation, env.Event, p.userID)
		conv := decode[models.Conversation](t, env)
		assert.Equal(t, convID, conv.ID)
		assert.ElementsMatch(t, []string{"alice", "bob"}, conv.ParticipantIDs())

		env = p.next(t)
		require.Equal(t, imtypes.EventReceiveMessage, env.Event, p.userID)
		msg := decode[models.Message](t, env)
		assert.Equal(t, ack.Message.ID, msg.ID)
	}

	// 用 conversationId 发送第二条：没有 new_conversation，ack 不带会话
	ack, err = bob.sender.SendMessage(ctx, imtypes.SendMessagePayload{Content: "hi alice", SenderID: "bob", ConversationID: convID})
	require.NoError(t, err)
	assert.Nil(t, ack.Conversation)
	for _, p := range []*peer{alice, bob} {
		env := p.next(t)
		require.Equal(t, imtypes.EventReceiveMessage, env.Event, p.userID)
		assert.Equal(t, "hi alice", decode[models.Message](t, env).Content)
	}
}

func TestOutsiderIsForbidden(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "alice")
	bob := ts.connect(t, "bob")
	carol := ts.connect(t, "carol")
	ctx := context.Background()

	ack, err := alice.sender.SendMessage(ctx, imtypes.SendMessagePayload{Content: "hello", SenderID: "alice", ReceiverID: "bob"})
	require.NoError(t, err)
	alice.next(t)
	alice.next(t)
	bob.next(t)
	bob.next(t)

	_, err = carol.sender.SendMessage(ctx, imtypes.SendMessagePayload{Content: "intrude", SenderID: "carol", ConversationID: ack.Conversation.ID})
	var rejected *chatclient.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Forbidden", rejected.Code)

	alice.expectSilence(t)
	bob.expectSilence(t)
	carol.expectSilence(t)
}

func TestSenderSpoofingIsUnauthorized(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "alice")

	_, err := alice.sender.SendMessage(context.Background(), imtypes.SendMessagePayload{Content: "x", SenderID: "bob", ReceiverID: "carol"})
	var rejected *chatclient.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Unauthorized", rejected.Code)
}

func TestUnknownEventGetsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "alice")

	raw, err := alice.socket.Request(context.Background(), "delete_everything", map[string]string{})
	require.NoError(t, err)
	var ack imtypes.AckResponse
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.False(t, ack.OK)
	assert.Equal(t, "BadRequest", ack.Error)
}

func TestMultipleTabsReceiveEvents(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "alice")
	bobTab1 := ts.connect(t, "bob")
	bobTab2 := ts.connect(t, "bob")
	require.Eventually(t, func() bool { return ts.hub.ConnectionCount("bob") == 2 }, time.Second, 10*time.Millisecond)

	_, err := alice.sender.SendMessage(context.Background(), imtypes.SendMessagePayload{Content: "hey", SenderID: "alice", ReceiverID: "bob"})
	require.NoError(t, err)

	for _, tab := range []*peer{bobTab1, bobTab2} {
		assert.Equal(t, imtypes.EventNewConversation, tab.next(t).Event)
		assert.Equal(t, imtypes.EventReceiveMessage, tab.next(t).Event)
	}
}

func TestStoreReconcilesThroughSocket(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "alice")

	token, err := auth.GenerateToken(auth.Identity{UserID: "bob"}, ts.cfg.Auth)
	require.NoError(t, err)
	var notes []chatclient.Notification
	notified := make(chan struct{}, 1)
	bobStore := chatclient.NewStore("bob", func(n chatclient.Notification) {
		notes = append(notes, n)
		notified <- struct{}{}
	})
	socket, _, err := chatclient.Dial(context.Background(), ts.url, "token", token, func(env imtypes.Envelope) {
		_ = bobStore.HandleEnvelope(env)
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = socket.Close() })
	require.Eventually(t, func() bool { return ts.hub.ConnectionCount("bob") > 0 }, time.Second, 10*time.Millisecond)

	_, err = alice.sender.SendMessage(context.Background(), imtypes.SendMessagePayload{Content: "ping", SenderID: "alice", ReceiverID: "bob"})
	require.NoError(t, err)

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("bob was not notified")
	}
	convs := bobStore.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].Participant("bob").UnreadCount)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "ping", convs[0].LastMessage.Content)
	assert.Equal(t, "alice", notes[0].SenderID)
}

func TestSenderDisconnectDoesNotLoseAcceptedMessage(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "alice")
	bob := ts.connect(t, "bob")

	require.NoError(t, alice.socket.Emit(imtypes.EventSendMessage,
		imtypes.SendMessagePayload{Content: "bye", SenderID: "alice", ReceiverID: "bob"}))
	require.NoError(t, alice.socket.Close())

	env := bob.next(t)
	require.Equal(t, imtypes.EventNewConversation, env.Event)
	conv := decode[models.Conversation](t, env)

	env = bob.next(t)
	require.Equal(t, imtypes.EventReceiveMessage, env.Event)
	msg := decode[models.Message](t, env)
	assert.Equal(t, "bye", msg.Content)
	assert.Equal(t, conv.ID, msg.ConversationID)

	stored, err := ts.store.GetByConversationID(context.Background(), conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, msg.ID, stored[0].ID)
}

func TestSessionSendsWithConfiguredAckTimeout(t *testing.T) {
	ts := newTestServer(t)
	bob := ts.connect(t, "bob")

	token, err := auth.GenerateToken(auth.Identity{UserID: "alice", UserName: "alice"}, ts.cfg.Auth)
	require.NoError(t, err)
	sess, err := chatclient.Connect(context.Background(), ts.cfg, ts.url, "alice", token, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	assert.Equal(t, 3*time.Second, sess.Sender.AckTimeout())

	sess.Composer.SetDraft("from a session")
	ack, err := sess.Composer.Submit(context.Background(), chatclient.Target{ReceiverID: "bob"})
	require.NoError(t, err)
	require.NotNil(t, ack.Conversation)
	assert.Empty(t, sess.Composer.Draft())

	require.Eventually(t, func() bool {
		conv, ok := sess.Store.Conversation(ack.Conversation.ID)
		return ok && conv.LastMessage != nil && conv.LastMessage.Content == "from a session"
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, imtypes.EventNewConversation, bob.next(t).Event)
	require.Equal(t, imtypes.EventReceiveMessage, bob.next(t).Event)
}

func TestSessionConnectRejected(t *testing.T) {
	ts := newTestServer(t)
	_, err := chatclient.Connect(context.Background(), ts.cfg, ts.url, "alice", "garbage", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}
