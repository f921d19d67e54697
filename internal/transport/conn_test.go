package transport

import (
	"context"
	"fmt"
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
	"github.com/npezzotti/roomsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeIssuer struct{}

func (fakeIssuer) IssueToken(user types.User) (string, error) {
	return user.Username, nil
}

var testUsers = map[string]*types.User{
	"alice": {Id: 1, Username: "alice"},
	"bob":   {Id: 2, Username: "bob"},
}

type testServer struct {
	cs  *server.ChatServer
	db  *database.MockRepository
	srv *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	tokens []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{db: &database.MockRepository{}}
	cs, err := server.NewChatServer(testutil.TestLogger(t), ts.db, stats.NewMockStatsUpdater(), fakeIssuer{})
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
		ts.conns = append(ts.conns, conn)
		ts.tokens = append(ts.tokens, token)
		ts.mu.Unlock()

		cs.Serve(conn, testUsers[token])
	}))
	t.Cleanup(ts.srv.Close)

	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

// dropAll closes every accepted connection from the server side.
func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		c.Close()
	}
	ts.conns = nil
}

func (ts *testServer) seenTokens() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.tokens...)
}

func newTestConn(t *testing.T, ts *testServer, token string) (*Conn, *session.Session) {
	t.Helper()

	sess := session.New()
	if token != "" {
		sess.Set(*testUsers[token], token)
	}

	c := New(Config{
		URL:         ts.url(),
		CallTimeout: 2 * time.Second,
		RetryDelay:  20 * time.Millisecond,
	}, sess, testutil.TestLogger(t))
	t.Cleanup(func() { c.Close() })
	return c, sess
}

func openConn(t *testing.T, c *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Open(ctx))
}

func TestConn_OpenAndClose(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestConn(t, ts, "alice")

	assert.Equal(t, StateIdle, c.State())
	openConn(t, c)
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, uint64(1), c.Epoch())

	assert.Error(t, c.Open(context.Background()), "expected a second Open to fail")

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	err := c.Mutate(context.Background(), types.MethodJoinRoom, types.RoomParams{RoomId: "room1"}, nil)
	assert.True(t, types.IsKind(err, types.KindTransport), "expected transport error after close, got %v", err)
}

func TestConn_failFastUnlessOpen(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestConn(t, ts, "alice")

	err := c.Mutate(context.Background(), types.MethodJoinRoom, types.RoomParams{RoomId: "room1"}, nil)
	assert.True(t, types.IsKind(err, types.KindTransport), "expected transport error while idle, got %v", err)

	err = c.Query(context.Background(), types.MethodListRooms, nil, nil)
	assert.True(t, types.IsKind(err, types.KindTransport), "expected transport error while idle, got %v", err)

	_, err = c.Subscribe(context.Background(), types.Topic{Kind: types.TopicNewMessage, RoomId: "room1"}, func(types.Event) {})
	assert.True(t, types.IsKind(err, types.KindTransport), "expected transport error while idle, got %v", err)

	ts.db.AssertNotCalled(t, "CreateMembership", mock.Anything, mock.Anything)
}

func TestConn_MutateReturnsServerErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.db.On("CreateMembership", 1, "room1").Return(database.Membership{}, database.ErrConflict).Once()

	c, _ := newTestConn(t, ts, "alice")
	openConn(t, c)

	err := c.Mutate(context.Background(), types.MethodJoinRoom, types.RoomParams{RoomId: "room1"}, nil)
	assert.True(t, types.IsKind(err, types.KindConflict), "expected conflict error, got %v", err)
}

func TestConn_QueryCache(t *testing.T) {
	ts := newTestServer(t)
	ts.db.On("ListRooms", 1).Return([]database.Room{{Id: "room1", Name: "general"}}, nil).Twice()
	ts.db.On("CreateMembership", 1, "room1").Return(database.Membership{UserId: 1, RoomId: "room1"}, nil).Once()
	defer ts.db.AssertExpectations(t)

	c, _ := newTestConn(t, ts, "alice")
	openConn(t, c)

	for i := 0; i < 3; i++ {
		var rooms []types.Room
		require.NoError(t, c.Query(context.Background(), types.MethodListRooms, nil, &rooms))
		require.Len(t, rooms, 1)
		assert.Equal(t, "general", rooms[0].Name)
	}

	var membership types.Membership
	require.NoError(t, c.Mutate(context.Background(), types.MethodJoinRoom, types.RoomParams{RoomId: "room1"}, &membership))
	assert.Equal(t, "room1", membership.RoomId)

	var rooms []types.Room
	require.NoError(t, c.Query(context.Background(), types.MethodListRooms, nil, &rooms), "expected the mutation to invalidate the cached query")
}

func TestConn_SubscribeDeliversInOrder(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestConn(t, ts, "alice")
	openConn(t, c)

	topic := types.Topic{Kind: types.TopicNewMessage, RoomId: "room1"}
	var (
		mu  sync.Mutex
		got []int64
	)
	id, err := c.Subscribe(context.Background(), topic, func(ev types.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Message.Id)
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]types.Topic{id: topic}, c.Streams())

	const n = 50
	for i := 1; i <= n; i++ {
		ts.cs.Broker().Publish(types.NewMessageEvent(types.Message{Id: int64(i), RoomId: "room1"}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		assert.Equal(t, int64(i+1), id, "expected events in publish order")
	}
}

func TestConn_slowStreamDoesNotBlockOthers(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestConn(t, ts, "alice")
	openConn(t, c)

	release := make(chan struct{})
	defer close(release)

	slow := types.Topic{Kind: types.TopicNewMessage, RoomId: "slow"}
	fast := types.Topic{Kind: types.TopicNewMessage, RoomId: "fast"}

	_, err := c.Subscribe(context.Background(), slow, func(types.Event) { <-release })
	require.NoError(t, err)

	delivered := make(chan struct{}, 1)
	_, err = c.Subscribe(context.Background(), fast, func(types.Event) { delivered <- struct{}{} })
	require.NoError(t, err)

	ts.cs.Broker().Publish(types.NewMessageEvent(types.Message{Id: 1, RoomId: "slow"}))
	ts.cs.Broker().Publish(types.NewMessageEvent(types.Message{Id: 2, RoomId: "slow"}))
	ts.cs.Broker().Publish(types.NewMessageEvent(types.Message{Id: 3, RoomId: "fast"}))

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the fast topic to be delivered while the slow handler blocks")
	}
}

func TestConn_Unsubscribe(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestConn(t, ts, "alice")
	openConn(t, c)

	topic := types.Topic{Kind: types.TopicUserJoined, RoomId: "room1"}
	id, err := c.Subscribe(context.Background(), topic, func(types.Event) {})
	require.NoError(t, err)
	require.Equal(t, 1, ts.cs.Broker().Subscribers(topic))

	require.NoError(t, c.Unsubscribe(context.Background(), id))
	assert.Empty(t, c.Streams())
	assert.Equal(t, 0, ts.cs.Broker().Subscribers(topic))

	assert.NoError(t, c.Unsubscribe(context.Background(), id), "expected unsubscribing twice to be a no-op")
}

func TestConn_connectionLoss(t *testing.T) {
	ts := newTestServer(t)

	release := make(chan struct{})
	started := make(chan struct{})
	ts.db.On("ListRooms", 1).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return([]database.Room{}, nil).Once()
	defer close(release)

	c, _ := newTestConn(t, ts, "alice")

	var (
		mu          sync.Mutex
		hookStates  []State
		streamsSeen []int
	)
	c.OnReconnected(func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		hookStates = append(hookStates, c.State())
		streamsSeen = append(streamsSeen, len(c.Streams()))
		return nil
	})

	openConn(t, c)
	_, err := c.Subscribe(context.Background(), types.Topic{Kind: types.TopicNewMessage, RoomId: "room1"}, func(types.Event) {})
	require.NoError(t, err)

	callErr := make(chan error, 1)
	go func() {
		callErr <- c.Query(context.Background(), types.MethodListRooms, nil, nil)
	}()
	<-started

	epoch := c.Epoch()
	ts.dropAll()

	select {
	case err := <-callErr:
		assert.True(t, types.IsKind(err, types.KindTransport), "expected in-flight call to fail with a transport error, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected in-flight call to fail on connection loss")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReopened(ctx, epoch))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hookStates, 2, "expected the hook to run on the first connect and on reconnect")
	for _, s := range hookStates {
		assert.Equal(t, StateSyncing, s, "expected hooks to run before the connection is open")
	}
	assert.Equal(t, 0, streamsSeen[1], "expected streams to be dropped on connection loss")
}

func TestConn_methodKindIsChecked(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestConn(t, ts, "alice")
	openConn(t, c)

	err := c.Query(context.Background(), types.MethodJoinRoom, types.RoomParams{RoomId: "room1"}, nil)
	assert.True(t, types.IsKind(err, types.KindValidation), "expected a mutation sent as a query to be rejected, got %v", err)

	err = c.Mutate(context.Background(), types.MethodListRooms, nil, nil)
	assert.True(t, types.IsKind(err, types.KindValidation), "expected a query sent as a mutation to be rejected, got %v", err)

	err = c.Query(context.Background(), "dropTables", nil, nil)
	assert.True(t, types.IsKind(err, types.KindValidation), "expected an unknown method to be rejected, got %v", err)

	ts.db.AssertNotCalled(t, "CreateMembership", mock.Anything, mock.Anything)
	ts.db.AssertNotCalled(t, "ListRooms", mock.Anything)
}

func TestConn_failedResyncRedials(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestConn(t, ts, "alice")

	topic := types.Topic{Kind: types.TopicNewMessage, RoomId: "room1"}
	delivered := make(chan int64, 1)

	var attempts int
	c.OnReconnected(func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return types.WrapError(types.KindTransport, "call timed out", context.DeadlineExceeded)
		}
		_, err := c.Subscribe(ctx, topic, func(ev types.Event) { delivered <- ev.Message.Id })
		return err
	})

	openConn(t, c)
	assert.Equal(t, 2, attempts, "expected the failed resync to be retried")
	assert.Len(t, ts.seenTokens(), 2, "expected a redial after the failed resync")
	assert.Equal(t, uint64(1), c.Epoch(), "expected the failed attempt never to be reported open")
	assert.Equal(t, 1, ts.cs.Broker().Subscribers(topic), "expected the topic to be live on the server")

	ts.cs.Broker().Publish(types.NewMessageEvent(types.Message{Id: 9, RoomId: "room1"}))
	select {
	case id := <-delivered:
		assert.Equal(t, int64(9), id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the resubscribed stream to receive events")
	}
}

func TestConn_rejectedResyncStillOpens(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestConn(t, ts, "alice")

	c.OnReconnected(func(ctx context.Context) error {
		return types.NewError(types.KindNotFound, "room not found")
	})

	openConn(t, c)
	assert.Len(t, ts.seenTokens(), 1, "expected a non-transport hook error not to force a redial")
}

func TestConn_credentialChangeRedials(t *testing.T) {
	ts := newTestServer(t)
	c, sess := newTestConn(t, ts, "")
	openConn(t, c)

	epoch := c.Epoch()
	sess.Set(*testUsers["bob"], "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReopened(ctx, epoch))

	assert.Equal(t, []string{"", "bob"}, ts.seenTokens(), "expected a redial presenting the new credential")
}

func TestConn_retryDelay(t *testing.T) {
	tcases := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{name: "fixed delay", base: 5 * time.Second, attempt: 3, want: 5 * time.Second},
		{name: "first backoff", base: time.Second, max: 30 * time.Second, attempt: 0, want: time.Second},
		{name: "doubles", base: time.Second, max: 30 * time.Second, attempt: 3, want: 8 * time.Second},
		{name: "capped", base: time.Second, max: 30 * time.Second, attempt: 10, want: 30 * time.Second},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(Config{RetryDelay: tc.base, MaxRetryDelay: tc.max}, session.New(), testutil.TestLogger(t))
			assert.Equal(t, tc.want, c.retryDelay(tc.attempt))
		})
	}
}

func TestConn_retriesUntilServerIsUp(t *testing.T) {
	ts := newTestServer(t)
	url := ts.url()
	ts.srv.Close()

	c := New(Config{URL: url, RetryDelay: 10 * time.Millisecond}, session.New(), testutil.TestLogger(t))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.Open(ctx)
	assert.True(t, types.IsKind(err, types.KindTransport), "expected open to give up with a transport error, got %v", err)
	assert.Contains(t, []State{StateReconnecting, StateConnecting}, c.State())
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:         "idle",
		StateConnecting:   "connecting",
		StateSyncing:      "syncing",
		StateOpen:         "open",
		StateReconnecting: "reconnecting",
		StateClosed:       "closed",
		State(42):         "unknown",
	} {
		assert.Equal(t, want, s.String(), fmt.Sprintf("state %d", s))
	}
}
