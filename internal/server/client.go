package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomsync/internal/broker"
	"github.com/npezzotti/roomsync/internal/stats"
	"github.com/npezzotti/roomsync/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendQueueSize  = 256
)

type subscription struct {
	id     string
	handle *broker.Handle
}

type Client struct {
	id       string
	conn     *websocket.Conn
	cs       *ChatServer
	log      *log.Logger
	user     *types.User
	send     chan *types.ServerMessage
	subs     map[types.Topic]*subscription
	subsLock sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user *types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		cs:   cs,
		log:  l,
		user: user,
		send: make(chan *types.ServerMessage, sendQueueSize),
		subs: make(map[types.Topic]*subscription),
		stop: make(chan struct{}),
	}
}

func (c *Client) username() string {
	if c.user == nil {
		return "anonymous"
	}
	return c.user.Username
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var msg types.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(""))
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *types.ClientMessage) {
	if msg.Id == "" {
		c.queueMessage(ErrInvalidMessage(""))
		return
	}

	switch {
	case msg.Call != nil:
		data, err := c.cs.Call(c.user, msg.Call.Method, msg.Call.Params)
		if err != nil {
			if types.KindOf(err) == types.KindInternal {
				c.log.Printf("call %s from %q failed: %v", msg.Call.Method, c.username(), err)
			}
			c.queueMessage(ErrResponse(msg.Id, err))
			return
		}
		c.queueMessage(NoErrOK(msg.Id, data))
	case msg.Subscribe != nil:
		if c.user == nil {
			c.queueMessage(ErrUnauthenticated(msg.Id))
			return
		}
		if !msg.Subscribe.Topic.Valid() {
			c.queueMessage(ErrResponse(msg.Id, types.NewError(types.KindValidation, "invalid topic")))
			return
		}
		c.subscribe(msg.Id, msg.Subscribe.Topic)
		c.queueMessage(NoErrOK(msg.Id, map[string]string{"subscription_id": msg.Id}))
	case msg.Unsubscribe != nil:
		c.unsubscribe(msg.Unsubscribe.SubscriptionId)
		c.queueMessage(NoErrOK(msg.Id, nil))
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// subscribe registers id for topic. A previous registration of the same
// topic on this connection is released first.
func (c *Client) subscribe(id string, topic types.Topic) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	if prev, ok := c.subs[topic]; ok {
		prev.handle.Unsubscribe()
		c.cs.stats.Decr(stats.MetricSubscriptions)
	}

	handle := c.cs.broker.Subscribe(topic, func(ev types.Event) {
		c.queueMessage(EventMessage(id, ev))
	})
	c.subs[topic] = &subscription{id: id, handle: handle}
	c.cs.stats.Incr(stats.MetricSubscriptions)
}

func (c *Client) unsubscribe(id string) bool {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	for topic, sub := range c.subs {
		if sub.id == id {
			sub.handle.Unsubscribe()
			delete(c.subs, topic)
			c.cs.stats.Decr(stats.MetricSubscriptions)
			return true
		}
	}
	return false
}

func (c *Client) releaseSubscriptions() {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	for topic, sub := range c.subs {
		sub.handle.Unsubscribe()
		delete(c.subs, topic)
		c.cs.stats.Decr(stats.MetricSubscriptions)
	}
}

func (c *Client) subscriptions() map[types.Topic]string {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	out := make(map[types.Topic]string, len(c.subs))
	for topic, sub := range c.subs {
		out[topic] = sub.id
	}
	return out
}

// queueMessage never blocks. A full queue drops msg for this connection only.
func (c *Client) queueMessage(msg *types.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send queue full for connection %s, dropping message", c.id)
		return false
	}

	return true
}

func serializeMessage(msg *types.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.releaseSubscriptions()
	c.cs.deRegisterClient(c)
	c.stopClient()
}
