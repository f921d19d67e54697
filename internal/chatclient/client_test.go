package chatclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomsync/internal/database"
	"github.com/npezzotti/roomsync/internal/server"
	"github.com/npezzotti/roomsync/internal/session"
	"github.com/npezzotti/roomsync/internal/stats"
	"github.com/npezzotti/roomsync/internal/testutil"
	"github.com/npezzotti/roomsync/internal/transport"
	"github.com/npezzotti/roomsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var alice = types.User{Id: 1, Username: "alice"}

// testServer runs a real ChatServer behind a websocket endpoint that
// resolves bearer tokens issued by its own sign in.
type testServer struct {
	cs  *server.ChatServer
	db  *database.MockRepository
	srv *httptest.Server

	mu       sync.Mutex
	users    map[string]types.User
	conns    []*websocket.Conn
	tokens   []string
	accepted int
}

func (ts *testServer) IssueToken(user types.User) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	token := "tok-" + user.Username
	ts.users[token] = user
	return token, nil
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		db:    &database.MockRepository{},
		users: make(map[string]types.User),
	}
	cs, err := server.NewChatServer(testutil.TestLogger(t), ts.db, stats.NewMockStatsUpdater(), ts)
	require.NoError(t, err)
	go cs.Run()
	t.Cleanup(func() { cs.Shutdown(context.Background()) })
	ts.cs = cs

	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		ts.mu.Lock()
		var user *types.User
		if u, ok := ts.users[token]; ok {
			user = &u
		}
		ts.conns = append(ts.conns, conn)
		ts.tokens = append(ts.tokens, token)
		ts.accepted++
		ts.mu.Unlock()

		cs.Serve(conn, user)
	}))
	t.Cleanup(ts.srv.Close)

	return ts
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		c.Close()
	}
	ts.conns = nil
}

func (ts *testServer) acceptedCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.accepted
}

// newTestClient opens a client against ts, signed in as user when one is
// given.
func newTestClient(t *testing.T, ts *testServer, user *types.User) (*Client, *session.Session) {
	t.Helper()

	sess := session.New()
	if user != nil {
		token, err := ts.IssueToken(*user)
		require.NoError(t, err)
		sess.Set(*user, token)
	}

	c := New(Config{
		Transport: transport.Config{
			URL:         "ws" + strings.TrimPrefix(ts.srv.URL, "http"),
			CallTimeout: 2 * time.Second,
			RetryDelay:  20 * time.Millisecond,
		},
		PageSize: 2,
	}, sess, testutil.TestLogger(t))
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Open(ctx))
	return c, sess
}

func dbMessage(id int64, room string) database.Message {
	return database.Message{Id: id, RoomId: room, UserId: 1, Username: "alice", Content: "hi"}
}

func messageIds(msgs []types.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Id
	}
	return out
}

func waitEvent(t *testing.T, c *Client, kind types.TopicKind) types.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Topic.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestClient_SignIn(t *testing.T) {
	ts := newTestServer(t)
	ts.db.On("UpsertUser", "alice").Return(database.User{Id: 1, Username: "alice"}, nil).Once()
	ts.db.On("GetUser", 1).Return(database.User{Id: 1, Username: "alice"}, nil).Once()
	defer ts.db.AssertExpectations(t)

	c, sess := newTestClient(t, ts, nil)

	_, err := c.Me(context.Background())
	assert.True(t, types.IsKind(err, types.KindUnauthenticated), "expected anonymous me to fail, got %v", err)

	user, err := c.SignIn(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.Id, user.Id)
	assert.Equal(t, "tok-alice", sess.Token())
	assert.Equal(t, transport.StateOpen, c.State())
	assert.Equal(t, 2, ts.acceptedCount(), "expected a redial after sign in")

	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", me.Username)

	_, err = c.SignIn(context.Background(), "  ")
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestClient_SignOut(t *testing.T) {
	ts := newTestServer(t)
	c, sess := newTestClient(t, ts, &alice)

	require.NoError(t, c.SignOut(context.Background()))
	assert.Equal(t, "", sess.Token())
	assert.Equal(t, 2, ts.acceptedCount())

	_, err := c.LoadRooms(context.Background())
	assert.True(t, types.IsKind(err, types.KindUnauthenticated))
}

func TestClient_OpenRoomAndLoadMore(t *testing.T) {
	ts := newTestServer(t)
	ts.db.On("GetRoom", "room1").Return(database.Room{Id: "room1"}, nil)
	ts.db.On("ListMessages", "room1", int64(0), 3).
		Return([]database.Message{dbMessage(3, "room1"), dbMessage(2, "room1"), dbMessage(1, "room1")}, nil).Once()
	ts.db.On("ListMessages", "room1", int64(1), 3).
		Return([]database.Message{dbMessage(1, "room1")}, nil).Once()
	defer ts.db.AssertExpectations(t)

	c, _ := newTestClient(t, ts, &alice)

	require.NoError(t, c.OpenRoom(context.Background(), "room1"))
	assert.Equal(t, []int64{2, 3}, messageIds(c.Messages("room1")))
	for _, topic := range types.RoomTopics("room1") {
		assert.Equal(t, 1, ts.cs.Broker().Subscribers(topic), "expected a subscription to %s", topic)
	}

	more, err := c.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []int64{1, 2, 3}, messageIds(c.Messages("room1")))

	more, err = c.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, more, "expected no further request once history is exhausted")

	ts.cs.Broker().Publish(types.NewMessageEvent(types.Message{Id: 4, RoomId: "room1", Content: "new"}))
	ev := waitEvent(t, c, types.TopicNewMessage)
	assert.Equal(t, int64(4), ev.Message.Id)
	assert.Equal(t, []int64{1, 2, 3, 4}, messageIds(c.Messages("room1")))
}

func TestClient_LoadMoreWithoutRoom(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestClient(t, ts, &alice)

	_, err := c.LoadMore(context.Background())
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestClient_switchingRoomsDiscardsStaleHistory(t *testing.T) {
	ts := newTestServer(t)

	started := make(chan struct{})
	release := make(chan struct{})
	ts.db.On("GetRoom", mock.Anything).Return(database.Room{}, nil)
	ts.db.On("ListMessages", "room1", int64(0), 3).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return([]database.Message{dbMessage(1, "room1")}, nil).Once()
	ts.db.On("ListMessages", "room2", int64(0), 3).
		Return([]database.Message{dbMessage(5, "room2")}, nil).Once()

	c, _ := newTestClient(t, ts, &alice)

	first := make(chan error, 1)
	go func() { first <- c.OpenRoom(context.Background(), "room1") }()
	<-started

	second := make(chan error, 1)
	go func() { second <- c.OpenRoom(context.Background(), "room2") }()

	select {
	case err := <-first:
		assert.Error(t, err, "expected the abandoned load to be cancelled")
	case <-time.After(2 * time.Second):
		t.Fatal("expected the first load to be cancelled by the room switch")
	}
	close(release)

	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the second room to open")
	}

	assert.Empty(t, c.Messages("room1"), "expected the stale page to be discarded")
	assert.Equal(t, []int64{5}, messageIds(c.Messages("room2")))
	for _, topic := range types.RoomTopics("room1") {
		assert.Equal(t, 0, ts.cs.Broker().Subscribers(topic))
	}
}

func TestClient_SendMessageDedupesPush(t *testing.T) {
	ts := newTestServer(t)
	ts.db.On("GetRoom", "room1").Return(database.Room{Id: "room1"}, nil)
	ts.db.On("ListMessages", "room1", int64(0), 3).Return([]database.Message{}, nil).Once()
	ts.db.On("CreateMessage", database.CreateMessageParams{RoomId: "room1", UserId: 1, Content: "hello"}).
		Return(database.Message{Id: 10, RoomId: "room1", UserId: 1, Username: "alice", Content: "hello"}, nil).Once()
	defer ts.db.AssertExpectations(t)

	c, _ := newTestClient(t, ts, &alice)
	require.NoError(t, c.OpenRoom(context.Background(), "room1"))

	msg, err := c.SendMessage(context.Background(), "room1", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(10), msg.Id)

	ev := waitEvent(t, c, types.TopicNewMessage)
	assert.Equal(t, msg.ClientId, ev.Message.ClientId)

	msgs := c.Messages("room1")
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(10), msgs[0].Id)
	assert.Empty(t, c.Pending())
}

func TestClient_JoinAndLeave(t *testing.T) {
	ts := newTestServer(t)
	ts.db.On("ListRooms", 1).Return([]database.Room{{Id: "room1", Name: "general", MemberCount: 1}}, nil).Once()
	ts.db.On("CreateMembership", 1, "room1").Return(database.Membership{}, database.ErrConflict).Once()
	ts.db.On("DeleteMembership", 1, "room1").Return(database.Membership{}, database.ErrNotFound).Once()
	defer ts.db.AssertExpectations(t)

	c, _ := newTestClient(t, ts, &alice)

	rooms, err := c.LoadRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.False(t, rooms[0].IsJoined)

	require.NoError(t, c.JoinRoom(context.Background(), "room1"), "expected a conflict to converge")
	assert.True(t, c.Rooms()[0].IsJoined)

	require.NoError(t, c.LeaveRoom(context.Background(), "room1"), "expected a missing membership to converge")
	assert.False(t, c.Rooms()[0].IsJoined)
}

func TestClient_resubscribesAfterReconnect(t *testing.T) {
	ts := newTestServer(t)
	ts.db.On("GetRoom", "room1").Return(database.Room{Id: "room1"}, nil)
	ts.db.On("ListMessages", "room1", int64(0), 3).Return([]database.Message{}, nil).Once()

	c, _ := newTestClient(t, ts, &alice)
	require.NoError(t, c.OpenRoom(context.Background(), "room1"))

	ts.dropAll()

	assert.Eventually(t, func() bool {
		if ts.acceptedCount() < 2 || c.State() != transport.StateOpen {
			return false
		}
		for _, topic := range types.RoomTopics("room1") {
			if ts.cs.Broker().Subscribers(topic) != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "expected every desired topic to be subscribed once after reconnect")

	ts.cs.Broker().Publish(types.UserJoinedEvent("room1", 2))
	ev := waitEvent(t, c, types.TopicUserJoined)
	assert.Equal(t, 2, ev.Member.UserId)
}

func TestClient_rejectedCredentialSignsOut(t *testing.T) {
	ts := newTestServer(t)

	sess := session.New()
	// a token the server does not recognize connects anonymously
	sess.Set(alice, "tok-expired")

	c := New(Config{Transport: transport.Config{
		URL:         "ws" + strings.TrimPrefix(ts.srv.URL, "http"),
		CallTimeout: 2 * time.Second,
		RetryDelay:  20 * time.Millisecond,
	}}, sess, testutil.TestLogger(t))
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Open(ctx))

	err := c.JoinRoom(context.Background(), "room1")
	assert.True(t, types.IsKind(err, types.KindUnauthenticated))
	assert.Equal(t, "", sess.Token(), "expected the session to be cleared")
	assert.Empty(t, c.Pending())
}

func newStaleClient(t *testing.T, ts *testServer) (*Client, *session.Session) {
	t.Helper()

	sess := session.New()
	sess.Set(alice, "tok-expired")

	c := New(Config{Transport: transport.Config{
		URL:         "ws" + strings.TrimPrefix(ts.srv.URL, "http"),
		CallTimeout: 2 * time.Second,
		RetryDelay:  20 * time.Millisecond,
	}}, sess, testutil.TestLogger(t))
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Open(ctx))
	return c, sess
}

func TestClient_rejectedQuerySignsOut(t *testing.T) {
	ts := newTestServer(t)
	c, sess := newStaleClient(t, ts)

	_, err := c.LoadRooms(context.Background())
	assert.True(t, types.IsKind(err, types.KindUnauthenticated), "expected unauthenticated, got %v", err)
	assert.Equal(t, "", sess.Token(), "expected the session to be cleared")

	assert.Eventually(t, func() bool {
		return ts.acceptedCount() == 2 && c.State() == transport.StateOpen
	}, 2*time.Second, 10*time.Millisecond, "expected an anonymous redial")
	ts.db.AssertNotCalled(t, "ListRooms", mock.Anything)
}

func TestClient_rejectedSubscribeSignsOut(t *testing.T) {
	ts := newTestServer(t)
	c, sess := newStaleClient(t, ts)

	err := c.OpenRoom(context.Background(), "room1")
	assert.True(t, types.IsKind(err, types.KindUnauthenticated), "expected unauthenticated, got %v", err)
	assert.Equal(t, "", sess.Token(), "expected the session to be cleared")
	for _, topic := range types.RoomTopics("room1") {
		assert.Equal(t, 0, ts.cs.Broker().Subscribers(topic))
	}
}

func TestClient_rejectionOfOldCredentialKeepsNewOne(t *testing.T) {
	ts := newTestServer(t)
	c, sess := newStaleClient(t, ts)

	// the user signs in elsewhere before the stale connection's rejection
	// is seen
	sess.Set(alice, "tok-alice")
	assert.Error(t, c.checkAuth("tok-expired", types.NewError(types.KindUnauthenticated, "authentication required")))
	assert.Equal(t, "tok-alice", sess.Token())
}
