// Package chatclient is the root of one client session. It owns the
// transport and wires the subscription manager, the local cache and the
// optimistic coordinator around it.
package chatclient

import (
	"context"
	"log"
	"sync"

	"github.com/npezzotti/roomsync/internal/cache"
	"github.com/npezzotti/roomsync/internal/optimistic"
	"github.com/npezzotti/roomsync/internal/session"
	"github.com/npezzotti/roomsync/internal/subscription"
	"github.com/npezzotti/roomsync/internal/transport"
	"github.com/npezzotti/roomsync/internal/types"
)

const eventBufferSize = 256

type Config struct {
	Transport transport.Config
	// PageSize is the number of messages requested per history page. Zero
	// uses the server default.
	PageSize int
}

type Client struct {
	log   *log.Logger
	sess  *session.Session
	conn  *transport.Conn
	subs  *subscription.Manager
	cache *cache.Cache
	co    *optimistic.Coordinator

	events   chan types.Event
	pageSize int

	mu         sync.Mutex
	historyCtx context.Context
	stopLoad   context.CancelFunc
}

func New(cfg Config, sess *session.Session, logger *log.Logger) *Client {
	c := &Client{
		log:      logger,
		sess:     sess,
		cache:    cache.New(),
		events:   make(chan types.Event, eventBufferSize),
		pageSize: cfg.PageSize,
	}

	c.conn = transport.New(cfg.Transport, sess, logger)
	c.subs = subscription.New(c.conn, c.route, logger)
	c.conn.OnReconnected(c.resync)
	c.co = optimistic.New(c.conn, c.cache, sess, logger)
	c.co.OnUnauthenticated(c.onUnauthenticated)

	return c
}

func (c *Client) Open(ctx context.Context) error {
	return c.conn.Open(ctx)
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.stopLoad != nil {
		c.stopLoad()
	}
	c.mu.Unlock()

	return c.conn.Close()
}

func (c *Client) State() transport.State {
	return c.conn.State()
}

// Events delivers every routed event after it has been applied to the
// cache. Events are dropped when the reader falls behind.
func (c *Client) Events() <-chan types.Event {
	return c.events
}

func (c *Client) route(ev types.Event) {
	selfId := 0
	if user, ok := c.sess.User(); ok {
		selfId = user.Id
	}
	c.cache.ApplyEvent(ev, selfId)

	select {
	case c.events <- ev:
	default:
		c.log.Printf("event buffer full, dropping %s", ev.Topic)
	}
}

func (c *Client) onUnauthenticated() {
	c.revoke(c.conn.Token())
}

func (c *Client) revoke(token string) {
	if c.sess.Revoke(token) {
		c.log.Println("credential rejected, signing out")
	}
}

// checkAuth signs out when the server rejected the credential the call was
// made with.
func (c *Client) checkAuth(token string, err error) error {
	if types.HasKind(err, types.KindUnauthenticated) {
		c.revoke(token)
	}
	return err
}

func (c *Client) resync(ctx context.Context) error {
	token := c.conn.Token()
	return c.checkAuth(token, c.subs.Resubscribe(ctx))
}

// reidentify swaps the session credential and waits until the transport has
// redialed with it. The open room is closed since its view belonged to the
// previous identity.
func (c *Client) reidentify(ctx context.Context, apply func()) error {
	if room, _ := c.cache.ActiveRoom(); room != "" {
		if err := c.subs.UnwantRoom(ctx, room); err != nil {
			c.log.Printf("unsubscribe from room %s: %v", room, err)
		}
	}
	c.resetHistory()

	before := c.sess.Token()
	epoch := c.conn.Epoch()

	apply()
	c.cache.Reset()

	if c.sess.Token() == before {
		return nil
	}
	return c.conn.WaitReopened(ctx, epoch)
}

// SignIn signs in as username and reconnects under the new identity.
func (c *Client) SignIn(ctx context.Context, username string) (types.User, error) {
	if err := types.ValidateUsername(username); err != nil {
		return types.User{}, err
	}

	var res types.SignInResult
	if err := c.conn.Mutate(ctx, types.MethodSignIn, types.SignInParams{Username: username}, &res); err != nil {
		return types.User{}, err
	}

	err := c.reidentify(ctx, func() { c.sess.Set(res.User, res.Token) })
	return res.User, err
}

func (c *Client) SignOut(ctx context.Context) error {
	return c.reidentify(ctx, c.sess.Clear)
}

func (c *Client) Me(ctx context.Context) (types.User, error) {
	token := c.conn.Token()
	var user types.User
	err := c.conn.Query(ctx, types.MethodMe, nil, &user)
	return user, c.checkAuth(token, err)
}

// LoadRooms refreshes the room list from the server.
func (c *Client) LoadRooms(ctx context.Context) ([]types.Room, error) {
	token := c.conn.Token()
	var rooms []types.Room
	if err := c.conn.Query(ctx, types.MethodListRooms, nil, &rooms); err != nil {
		return nil, c.checkAuth(token, err)
	}
	c.cache.SetRooms(rooms)
	return c.cache.Rooms(), nil
}

func (c *Client) Rooms() []types.Room {
	return c.cache.Rooms()
}

func (c *Client) Messages(roomId string) []types.Message {
	return c.cache.Messages(roomId)
}

func (c *Client) Pending() []optimistic.PendingMutation {
	return c.co.Pending()
}

// OpenRoom makes roomId the room being viewed. A history load still running
// for the previous room is cancelled and its result discarded.
func (c *Client) OpenRoom(ctx context.Context, roomId string) error {
	if roomId == "" {
		return types.NewError(types.KindValidation, "room id is required")
	}

	token := c.conn.Token()
	prev, _ := c.cache.ActiveRoom()
	gen := c.cache.SetActiveRoom(roomId)
	historyCtx := c.resetHistory()

	if prev != "" && prev != roomId {
		if err := c.subs.UnwantRoom(ctx, prev); err != nil {
			c.log.Printf("unsubscribe from room %s: %v", prev, err)
		}
	}
	if err := c.subs.WantRoom(ctx, roomId); err != nil {
		return c.checkAuth(token, err)
	}

	return c.checkAuth(token, c.loadPage(ctx, historyCtx, roomId, gen, ""))
}

func (c *Client) resetHistory() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopLoad != nil {
		c.stopLoad()
	}
	c.historyCtx, c.stopLoad = context.WithCancel(context.Background())
	return c.historyCtx
}

// LoadMore fetches the next older page of the open room and reports whether
// more history remains.
func (c *Client) LoadMore(ctx context.Context) (bool, error) {
	roomId, gen := c.cache.ActiveRoom()
	if roomId == "" {
		return false, types.NewError(types.KindValidation, "no room is open")
	}
	if !c.cache.HasMore(roomId) {
		return false, nil
	}

	c.mu.Lock()
	historyCtx := c.historyCtx
	c.mu.Unlock()

	token := c.conn.Token()
	if err := c.loadPage(ctx, historyCtx, roomId, gen, c.cache.NextCursor(roomId)); err != nil {
		return false, c.checkAuth(token, err)
	}
	return c.cache.HasMore(roomId), nil
}

func (c *Client) loadPage(ctx, historyCtx context.Context, roomId string, gen uint64, cursor string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(historyCtx, cancel)
	defer stop()

	var page types.MessagePage
	err := c.conn.Query(ctx, types.MethodListMessages, types.ListMessagesParams{
		RoomId: roomId,
		Limit:  c.pageSize,
		Cursor: cursor,
	}, &page)
	if err != nil {
		return err
	}

	if !c.cache.MergePage(roomId, gen, page) {
		c.log.Printf("discarding stale history page for room %s", roomId)
	}
	return nil
}

func (c *Client) JoinRoom(ctx context.Context, roomId string) error {
	return c.co.Join(ctx, roomId)
}

func (c *Client) LeaveRoom(ctx context.Context, roomId string) error {
	return c.co.Leave(ctx, roomId)
}

func (c *Client) SendMessage(ctx context.Context, roomId, content string) (types.Message, error) {
	return c.co.Send(ctx, roomId, content)
}

func (c *Client) ToggleReaction(ctx context.Context, messageId int64, kind types.ReactionKind) (types.Message, error) {
	return c.co.React(ctx, messageId, kind)
}
