// Package transport multiplexes calls and event streams over one websocket
// connection to the chat server, reconnecting when the connection drops.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomsync/internal/types"
	cache "github.com/patrickmn/go-cache"
)

const (
	DefaultCallTimeout   = 10 * time.Second
	DefaultRetryDelay    = 5 * time.Second
	DefaultQueryCacheTTL = 5 * time.Second

	writeWait = 10 * time.Second
)

var (
	ErrClosed = types.NewError(types.KindTransport, "transport closed")
	// ErrNotConnected is wrapped by the transport error returned for a call
	// made while no connection is up.
	ErrNotConnected = errors.New("not connected")
)

type Config struct {
	// URL of the server's websocket endpoint, e.g. ws://localhost:8000/ws.
	URL         string
	CallTimeout time.Duration
	// RetryDelay is the wait before redialing after a dropped connection.
	// When MaxRetryDelay is larger, consecutive failures double the wait up
	// to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	QueryCacheTTL time.Duration
	Dialer        *websocket.Dialer
}

func (cfg Config) withDefaults() Config {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.QueryCacheTTL <= 0 {
		cfg.QueryCacheTTL = DefaultQueryCacheTTL
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return cfg
}

// Credentials supplies the bearer token presented on dial and announces
// when it changes.
type Credentials interface {
	Token() string
	Changes() (<-chan struct{}, func())
}

type Handler func(types.Event)

// ReconnectHook runs after every successful dial, before the connection is
// reported open. A transport error from a hook fails the connection attempt
// and the connection is redialed; any other error is logged.
type ReconnectHook func(ctx context.Context) error

type callResult struct {
	resp *types.Response
	err  error
}

type Conn struct {
	cfg     Config
	creds   Credentials
	log     *log.Logger
	queries *cache.Cache

	mu      sync.Mutex
	state   State
	epoch   uint64
	ws      *websocket.Conn
	token   string
	pending map[string]chan callResult
	streams map[string]*stream
	hooks   []ReconnectHook
	changed chan struct{}

	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, creds Credentials, logger *log.Logger) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		cfg:     cfg,
		creds:   creds,
		log:     logger,
		queries: cache.New(cfg.QueryCacheTTL, 2*cfg.QueryCacheTTL),
		pending: make(map[string]chan callResult),
		streams: make(map[string]*stream),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch counts how many times the connection has become open.
func (c *Conn) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Token returns the credential presented by the most recent connection.
func (c *Conn) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Conn) OnReconnected(hook ReconnectHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

func (c *Conn) setStateLocked(s State) {
	if s == StateOpen {
		c.epoch++
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.setStateLocked(s)
	}
}

func (c *Conn) wait(ctx context.Context, cond func(State, uint64) bool) error {
	for {
		c.mu.Lock()
		if cond(c.state, c.epoch) {
			c.mu.Unlock()
			return nil
		}
		if c.state == StateClosed {
			c.mu.Unlock()
			return ErrClosed
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return types.WrapError(types.KindTransport, "waiting for connection", ctx.Err())
		}
	}
}

// WaitOpen blocks until the connection is open.
func (c *Conn) WaitOpen(ctx context.Context) error {
	return c.wait(ctx, func(s State, _ uint64) bool { return s == StateOpen })
}

// WaitReopened blocks until the connection is open with an epoch later than
// after.
func (c *Conn) WaitReopened(ctx context.Context, after uint64) error {
	return c.wait(ctx, func(s State, epoch uint64) bool { return s == StateOpen && epoch > after })
}

// Open starts the connection loop and waits for the first successful
// connection. The loop keeps retrying in the background when ctx ends
// first.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("transport already opened")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	go c.run(runCtx)

	return c.WaitOpen(ctx)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	if cancel == nil {
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	cancel()
	<-c.done
	return nil
}

func (c *Conn) retryDelay(attempt int) time.Duration {
	d := c.cfg.RetryDelay
	if c.cfg.MaxRetryDelay <= d {
		return d
	}
	for i := 0; i < attempt && d < c.cfg.MaxRetryDelay; i++ {
		d *= 2
	}
	return min(d, c.cfg.MaxRetryDelay)
}

// sleep waits for d, returning early with true on a credential change and
// false when ctx ends.
func (c *Conn) sleep(ctx context.Context, changes <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-changes:
		c.queries.Flush()
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	changes, stopChanges := c.creds.Changes()
	defer stopChanges()

	attempt := 0
	for {
		ws, token, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.shutdown()
				return
			}
			c.log.Printf("dial %s: %v", c.cfg.URL, err)
			c.setState(StateReconnecting)
			if !c.sleep(ctx, changes, c.retryDelay(attempt)) {
				c.shutdown()
				return
			}
			attempt++
			continue
		}

		readDone := make(chan error, 1)
		c.mu.Lock()
		c.ws = ws
		c.token = token
		c.setStateLocked(StateSyncing)
		c.mu.Unlock()
		go c.readLoop(ws, readDone)

		if err := c.runHooks(ctx); err != nil {
			ws.Close()
			<-readDone
			if ctx.Err() != nil {
				c.shutdown()
				return
			}
			c.log.Printf("resync failed, reconnecting: %v", err)
			c.setState(StateReconnecting)
			if !c.sleep(ctx, changes, c.retryDelay(attempt)) {
				c.shutdown()
				return
			}
			attempt++
			continue
		}
		attempt = 0

		c.mu.Lock()
		if c.ws == ws {
			c.setStateLocked(StateOpen)
		}
		c.mu.Unlock()

		redialNow := false
		select {
		case <-ctx.Done():
			ws.Close()
			<-readDone
			c.shutdown()
			return
		case err := <-readDone:
			c.log.Printf("connection lost: %v", err)
		case <-changes:
			c.log.Println("credential changed, reconnecting")
			c.queries.Flush()
			ws.Close()
			<-readDone
			redialNow = true
		}

		c.setState(StateReconnecting)
		if !redialNow {
			if !c.sleep(ctx, changes, c.retryDelay(0)) {
				c.shutdown()
				return
			}
			attempt = 1
		}
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, string, error) {
	header := http.Header{}
	token := c.creds.Token()
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	ws, _, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		return nil, "", err
	}
	return ws, token, nil
}

// runHooks runs every reconnect hook and returns the first transport error
// among their results.
func (c *Conn) runHooks(ctx context.Context) error {
	c.mu.Lock()
	hooks := append([]ReconnectHook(nil), c.hooks...)
	c.mu.Unlock()

	for _, hook := range hooks {
		err := hook(ctx)
		if err == nil {
			continue
		}
		if types.HasKind(err, types.KindTransport) {
			return err
		}
		c.log.Printf("reconnect hook: %v", err)
	}
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn, done chan<- error) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.teardown(ws, err)
			done <- err
			return
		}

		var msg types.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Printf("decode server message: %v", err)
			continue
		}

		switch {
		case msg.Event != nil:
			c.mu.Lock()
			s := c.streams[msg.Event.SubscriptionId]
			c.mu.Unlock()
			if s != nil {
				s.push(msg.Event.Event)
			}
		case msg.Response != nil:
			c.mu.Lock()
			ch, ok := c.pending[msg.Id]
			delete(c.pending, msg.Id)
			c.mu.Unlock()
			if ok {
				ch <- callResult{resp: msg.Response}
			}
		}
	}
}

// teardown fails in-flight calls and drops every stream of ws. Streams are
// restored by the reconnect hooks.
func (c *Conn) teardown(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws != ws {
		return
	}
	c.ws = nil
	c.failAllLocked(types.WrapError(types.KindTransport, "connection lost", cause))
	if c.state != StateClosed {
		c.setStateLocked(StateReconnecting)
	}
}

func (c *Conn) failAllLocked(err error) {
	for id, ch := range c.pending {
		ch <- callResult{err: err}
		delete(c.pending, id)
	}
	for id, s := range c.streams {
		s.close()
		delete(c.streams, id)
	}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ws = nil
	c.failAllLocked(ErrClosed)
	c.setStateLocked(StateClosed)
}

func (c *Conn) write(ws *websocket.Conn, msg types.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(msg)
}

func notReady(s State) error {
	return types.WrapError(types.KindTransport, fmt.Sprintf("transport is %s", s), ErrNotConnected)
}

func isOpen(s State) bool {
	return s == StateOpen
}

func isConnected(s State) bool {
	return s.connected()
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Conn) roundTrip(ctx context.Context, msg types.ClientMessage, allow func(State) bool) (*types.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	c.mu.Lock()
	if !allow(c.state) || c.ws == nil {
		s := c.state
		c.mu.Unlock()
		return nil, notReady(s)
	}
	ws := c.ws
	ch := make(chan callResult, 1)
	c.pending[msg.Id] = ch
	c.mu.Unlock()

	if err := c.write(ws, msg); err != nil {
		c.dropPending(msg.Id)
		return nil, types.WrapError(types.KindTransport, "write frame", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		c.dropPending(msg.Id)
		return nil, types.WrapError(types.KindTransport, "call timed out", ctx.Err())
	}
}

func (c *Conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, types.WrapError(types.KindValidation, "encode params", err)
		}
		raw = b
	}

	resp, err := c.roundTrip(ctx, types.ClientMessage{
		Id:   uuid.NewString(),
		Call: &types.Call{Method: method, Params: raw},
	}, isOpen)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// checkMethod keeps mutations out of the query cache and queries from
// flushing it.
func checkMethod(method string, want types.CallKind) error {
	if got := types.KindOfMethod(method); got != want {
		return types.NewError(types.KindValidation, fmt.Sprintf("%s is a %s, not a %s", method, got, want))
	}
	return nil
}

func decode(data json.RawMessage, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return types.WrapError(types.KindInternal, "decode response", err)
	}
	return nil
}

// Mutate runs a mutation and decodes its result into out. It fails fast
// with a transport error unless the connection is open. A successful
// mutation invalidates every cached query result.
func (c *Conn) Mutate(ctx context.Context, method string, params any, out any) error {
	if err := checkMethod(method, types.CallMutation); err != nil {
		return err
	}
	data, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	c.queries.Flush()
	return decode(data, out)
}

// Query runs a query, serving repeated identical queries from a short-lived
// cache.
func (c *Conn) Query(ctx context.Context, method string, params any, out any) error {
	if err := checkMethod(method, types.CallQuery); err != nil {
		return err
	}
	key := method
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return types.WrapError(types.KindValidation, "encode params", err)
		}
		key += ":" + string(b)
	}

	if cached, ok := c.queries.Get(key); ok {
		return decode(cached.(json.RawMessage), out)
	}

	data, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	c.queries.SetDefault(key, data)
	return decode(data, out)
}

// Subscribe opens a stream for topic and returns its id. It is allowed while
// syncing so reconnect hooks can restore streams.
func (c *Conn) Subscribe(ctx context.Context, topic types.Topic, handler Handler) (string, error) {
	if !topic.Valid() {
		return "", types.NewError(types.KindValidation, "invalid topic")
	}

	id := uuid.NewString()
	s := newStream(id, topic, handler, c.log)

	c.mu.Lock()
	if !c.state.connected() || c.ws == nil {
		st := c.state
		c.mu.Unlock()
		s.close()
		return "", notReady(st)
	}
	c.streams[id] = s
	c.mu.Unlock()

	resp, err := c.roundTrip(ctx, types.ClientMessage{
		Id:        id,
		Subscribe: &types.Subscribe{Topic: topic},
	}, isConnected)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		c.removeStream(id)
		return "", err
	}

	return id, nil
}

func (c *Conn) removeStream(id string) (*stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
		s.close()
	}
	return s, ok
}

// Unsubscribe closes the stream id. The server is told only when the stream
// is live on the current connection; while disconnected it is a local
// removal and never fails.
func (c *Conn) Unsubscribe(ctx context.Context, id string) error {
	if _, ok := c.removeStream(id); !ok {
		return nil
	}

	_, err := c.roundTrip(ctx, types.ClientMessage{
		Id:          uuid.NewString(),
		Unsubscribe: &types.Unsubscribe{SubscriptionId: id},
	}, isConnected)
	if err != nil && !types.IsKind(err, types.KindTransport) {
		return err
	}
	return nil
}

// Streams returns the topic of every live stream keyed by stream id.
func (c *Conn) Streams() map[string]types.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]types.Topic, len(c.streams))
	for id, s := range c.streams {
		out[id] = s.topic
	}
	return out
}
