package realtime

import (
	"chatline/chatline/controllers"
	"chatline/chatline/services/auth"
	"chatline/chatline/services/llm"
	"chatline/chatline/sources/psql/dao"
	"chatline/chatline/sources/psql/models"
	"chatline/chatline/sources/psql/sqlitetest"
	"chatline/chatline/utils/metrics"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoGenerator struct {
	err error
}

func (g *echoGenerator) Generate(ctx context.Context, history []models.Message, prompt string) (llm.Reply, error) {
	if g.err != nil {
		return llm.Reply{}, g.err
	}
	return llm.Reply{Content: "reply to " + prompt, Metadata: models.MessageMetadata{Model: "echo"}}, nil
}

func (g *echoGenerator) Model() string { return "echo" }

// gatedGenerator holds every generation until release is closed.
type gatedGenerator struct {
	started chan struct{}
	release chan struct{}
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedGenerator) Generate(ctx context.Context, history []models.Message, prompt string) (llm.Reply, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return llm.Reply{}, ctx.Err()
	}
	return llm.Reply{Content: "late reply to " + prompt, Metadata: models.MessageMetadata{Model: "gated"}}, nil
}

func (g *gatedGenerator) Model() string { return "gated" }

func (g *gatedGenerator) awaitStart(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation never started")
	}
}

type failingProcessor struct{}

func (failingProcessor) ProcessUserMessage(ctx context.Context, roomID, userID, content string) (*models.Message, *models.Message, error) {
	return nil, nil, controllers.ErrPersistence
}

type harness struct {
	srv      *httptest.Server
	handler  *Handler
	registry *Registry
	chats    *dao.ChatDAO
	verifier *auth.Verifier
	rooms    map[string]*models.ChatRoom
}

func newHarness(t *testing.T, gen controllers.ReplyGenerator, processor Processor) *harness {
	t.Helper()
	db := sqlitetest.Open(t)
	users := dao.NewUserDAO(db)
	chats := dao.NewChatDAO(db)
	ctx := context.Background()
	require.NoError(t, users.CreateUser(ctx, &models.User{UID: "alice", Email: "alice@example.com"}))
	require.NoError(t, users.CreateUser(ctx, &models.User{UID: "bob", Email: "bob@example.com"}))

	rooms := map[string]*models.ChatRoom{}
	for _, rs := range [][2]string{{"r1", "alice"}, {"r2", "alice"}, {"bobs", "bob"}} {
		room, err := chats.CreateRoom(ctx, rs[1], rs[0])
		require.NoError(t, err)
		rooms[rs[0]] = room
	}

	verifier, err := auth.NewVerifier("test-secret", time.Hour)
	require.NoError(t, err)
	if processor == nil {
		processor = controllers.NewChatController(chats, gen, nil)
	}

	registry := NewRegistry()
	handler := NewHandler(registry, verifier, chats, processor, SessionConfig{
		MaxMessageBytes: 4096,
		MessageBurst:    4,
		ProcessTimeout:  5 * time.Second,
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	}))
	t.Cleanup(srv.Close)

	return &harness{srv: srv, handler: handler, registry: registry, chats: chats, verifier: verifier, rooms: rooms}
}

func (h *harness) token(t *testing.T, uid string) string {
	tok, err := h.verifier.Issue(uid, uid+"@example.com")
	require.NoError(t, err)
	return tok
}

func (h *harness) dial(t *testing.T, room, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/" + h.rooms[room].ID.String()
	if token != "" {
		url += "?token=" + token
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func (h *harness) waitForRoom(t *testing.T, room string, n int) {
	t.Helper()
	id := h.rooms[room].ID.String()
	require.Eventually(t, func() bool { return h.registry.RoomSize(id) == n },
		2*time.Second, 10*time.Millisecond)
}

// session returns the live session attached to room.
func (h *harness) session(t *testing.T, room string) *session {
	t.Helper()
	h.registry.mu.RLock()
	defer h.registry.mu.RUnlock()
	for _, c := range h.registry.rooms[h.rooms[room].ID.String()] {
		return c.(*session)
	}
	t.Fatalf("no session in room %s", room)
	return nil
}

func (h *harness) messageCount(t *testing.T, room string) int64 {
	t.Helper()
	r, err := h.chats.GetRoom(context.Background(), h.rooms[room].ID.String(), "alice")
	require.NoError(t, err)
	return r.MessageCount
}

func readRecord(t *testing.T, conn *websocket.Conn) models.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var m models.Message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(text)))
}

func closeStatus(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	return websocket.CloseStatus(err)
}

func TestSession_FanOutToRoomOnly(t *testing.T) {
	h := newHarness(t, &echoGenerator{}, nil)
	tok := h.token(t, "alice")

	a := h.dial(t, "r1", tok)
	b := h.dial(t, "r1", tok)
	c := h.dial(t, "r2", tok)
	h.waitForRoom(t, "r1", 2)
	h.waitForRoom(t, "r2", 1)

	send(t, a, "hello")

	for _, conn := range []*websocket.Conn{a, b} {
		first := readRecord(t, conn)
		second := readRecord(t, conn)
		assert.Equal(t, models.RoleUser, first.Role)
		assert.Equal(t, "hello", first.Content)
		assert.Equal(t, "alice", first.UserID)
		assert.Equal(t, h.rooms["r1"].ID, first.ChatID)
		assert.Equal(t, models.RoleAssistant, second.Role)
		assert.Equal(t, "reply to hello", second.Content)
		require.NotNil(t, second.Metadata)
		assert.Equal(t, "echo", second.Metadata.Model)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := c.Read(ctx)
	assert.Error(t, err, "a connection in another room must receive nothing")

	room, err := h.chats.GetRoom(context.Background(), h.rooms["r1"].ID.String(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, room.MessageCount)
}

func TestSession_SequentialMessagesStayOrdered(t *testing.T) {
	h := newHarness(t, &echoGenerator{}, nil)
	a := h.dial(t, "r1", h.token(t, "alice"))
	h.waitForRoom(t, "r1", 1)

	const n = 4
	for i := 0; i < n; i++ {
		send(t, a, "msg")
	}

	var prev time.Time
	for i := 0; i < 2*n; i++ {
		m := readRecord(t, a)
		if i%2 == 0 {
			assert.Equal(t, models.RoleUser, m.Role)
		} else {
			assert.Equal(t, models.RoleAssistant, m.Role)
		}
		assert.True(t, m.Timestamp.After(prev))
		prev = m.Timestamp
	}

	room, err := h.chats.GetRoom(context.Background(), h.rooms["r1"].ID.String(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2*n, room.MessageCount)
}

func TestSession_GenerationFailureBroadcastsFallback(t *testing.T) {
	h := newHarness(t, &echoGenerator{err: errors.New("model offline")}, nil)
	a := h.dial(t, "r1", h.token(t, "alice"))
	h.waitForRoom(t, "r1", 1)

	send(t, a, "anyone there?")
	assert.Equal(t, "anyone there?", readRecord(t, a).Content)
	reply := readRecord(t, a)
	assert.Equal(t, controllers.FallbackReply, reply.Content)
	require.NotNil(t, reply.Metadata)
	assert.Contains(t, reply.Metadata.Error, "model offline")
}

func TestSession_BlankFrameStillYieldsTwoRecords(t *testing.T) {
	h := newHarness(t, &echoGenerator{}, nil)
	a := h.dial(t, "r1", h.token(t, "alice"))
	h.waitForRoom(t, "r1", 1)

	for _, text := range []string{"   ", ""} {
		send(t, a, text)
		user := readRecord(t, a)
		assert.Equal(t, models.RoleUser, user.Role)
		assert.Equal(t, text, user.Content)
		reply := readRecord(t, a)
		assert.Equal(t, models.RoleAssistant, reply.Role)
		assert.Equal(t, "reply to "+text, reply.Content)
	}
	assert.EqualValues(t, 4, h.messageCount(t, "r1"))
}

func TestSession_DisconnectMidPipelineStillPersistsBothTurns(t *testing.T) {
	gen := newGatedGenerator()
	h := newHarness(t, gen, nil)
	a := h.dial(t, "r1", h.token(t, "alice"))
	h.waitForRoom(t, "r1", 1)
	s := h.session(t, "r1")
	dropped := testutil.ToFloat64(metrics.DroppedRecipients)

	send(t, a, "hello")
	gen.awaitStart(t)
	require.NoError(t, a.CloseNow())
	require.Eventually(t, func() bool { return s.State() >= StateClosing },
		2*time.Second, 10*time.Millisecond)

	close(gen.release)
	h.waitForRoom(t, "r1", 0)
	require.Eventually(t, func() bool { return h.messageCount(t, "r1") == 2 },
		2*time.Second, 10*time.Millisecond)

	msgs, err := h.chats.ListMessages(context.Background(), h.rooms["r1"].ID.String(), "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "late reply to hello", msgs[1].Content)
	// the sender was already gone, which is not a slow-recipient drop
	assert.Equal(t, dropped, testutil.ToFloat64(metrics.DroppedRecipients))
}

func TestHandler_DrainWaitsForInFlightMessage(t *testing.T) {
	gen := newGatedGenerator()
	h := newHarness(t, gen, nil)
	tok := h.token(t, "alice")
	a := h.dial(t, "r1", tok)
	h.waitForRoom(t, "r1", 1)

	send(t, a, "hello")
	gen.awaitStart(t)
	h.handler.Drain()
	assert.Equal(t, websocket.StatusGoingAway, closeStatus(t, a))

	short, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.handler.Wait(short), context.DeadlineExceeded)

	late := h.dial(t, "r1", tok)
	assert.Equal(t, websocket.StatusGoingAway, closeStatus(t, late))

	close(gen.release)
	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	require.NoError(t, h.handler.Wait(ctx))
	assert.EqualValues(t, 2, h.messageCount(t, "r1"))
	assert.Equal(t, 0, h.registry.Connections())
}

func TestSession_RejectsBeforeRegistering(t *testing.T) {
	h := newHarness(t, &echoGenerator{}, nil)

	cases := map[string]struct {
		room  string
		token string
	}{
		"missing token": {room: "r1"},
		"invalid token": {room: "r1", token: "garbage"},
		"foreign room":  {room: "bobs", token: h.token(t, "alice")},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			conn := h.dial(t, tc.room, tc.token)
			assert.Equal(t, websocket.StatusPolicyViolation, closeStatus(t, conn))
			assert.Equal(t, 0, h.registry.Connections())
		})
	}
}

func TestSession_PipelineErrorClosesWithInternalError(t *testing.T) {
	h := newHarness(t, nil, failingProcessor{})
	a := h.dial(t, "r1", h.token(t, "alice"))
	b := h.dial(t, "r1", h.token(t, "alice"))
	h.waitForRoom(t, "r1", 2)

	send(t, a, "hello")
	assert.Equal(t, websocket.StatusInternalError, closeStatus(t, a))
	h.waitForRoom(t, "r1", 1)

	// nothing partial reaches the other participant
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := b.Read(ctx)
	assert.Error(t, err)
}

func TestSession_BinaryFramesAreRejected(t *testing.T) {
	h := newHarness(t, &echoGenerator{}, nil)
	a := h.dial(t, "r1", h.token(t, "alice"))
	h.waitForRoom(t, "r1", 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Write(ctx, websocket.MessageBinary, []byte{0x01}))
	assert.Equal(t, websocket.StatusUnsupportedData, closeStatus(t, a))
	h.waitForRoom(t, "r1", 0)
}

func TestSession_DisconnectDeregisters(t *testing.T) {
	h := newHarness(t, &echoGenerator{}, nil)
	a := h.dial(t, "r1", h.token(t, "alice"))
	h.waitForRoom(t, "r1", 1)

	require.NoError(t, a.Close(websocket.StatusNormalClosure, "bye"))
	h.waitForRoom(t, "r1", 0)
	assert.Equal(t, 0, h.registry.Rooms())
}

func TestSession_ReleaseIsIdempotent(t *testing.T) {
	r := NewRegistry()
	s := &session{id: "s1", roomID: "r1", registry: r}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	// mark closed so release does not touch the nil connection
	s.closeOnce.Do(func() {})

	r.Register("r1", s)
	s.release()
	s.release()
	assert.Equal(t, 0, r.Connections())
	assert.False(t, r.Deregister("r1", s))

	s.cancel()
	assert.ErrorIs(t, s.Deliver([]byte("x")), errSessionClosed)
}

func TestSession_DeliverDoesNotBlock(t *testing.T) {
	s := &session{id: "s1", outbound: make(chan []byte, 1)}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	require.NoError(t, s.Deliver([]byte("a")))
	assert.ErrorIs(t, s.Deliver([]byte("b")), errQueueFull)
}
