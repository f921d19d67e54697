package server

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomsync/internal/broker"
	"github.com/npezzotti/roomsync/internal/database"
	"github.com/npezzotti/roomsync/internal/stats"
	"github.com/npezzotti/roomsync/internal/types"
)

// TokenIssuer signs the credential returned by signIn.
type TokenIssuer interface {
	IssueToken(user types.User) (string, error)
}

type ChatServer struct {
	log            *log.Logger
	db             database.Repository
	broker         *broker.Broker
	stats          stats.StatsProvider
	tokens         TokenIssuer
	clients        map[*Client]struct{}
	clientsLock    sync.RWMutex
	registerChan   chan *Client
	deRegisterChan chan *Client
	stop           chan stopReq
	done           chan struct{}
}

type stopReq struct {
	done chan struct{}
}

func NewChatServer(logger *log.Logger, db database.Repository, su stats.StatsProvider, tokens TokenIssuer) (*ChatServer, error) {
	if db == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}

	cs := &ChatServer{
		log:            logger,
		db:             db,
		broker:         broker.New(logger),
		stats:          su,
		tokens:         tokens,
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	su.RegisterMetric(stats.MetricConnections)
	su.RegisterMetric(stats.MetricSubscriptions)
	su.RegisterMetric(stats.MetricEventsPublished)
	su.RegisterMetric(stats.MetricCalls)

	return cs, nil
}

func (cs *ChatServer) Broker() *broker.Broker {
	return cs.broker
}

func (cs *ChatServer) Run() {
	defer close(cs.done)

	for {
		select {
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection %s from %q", client.id, client.username())
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Printf("removing connection %s from %q", client.id, client.username())
			cs.removeClient(client)
		case req := <-cs.stop:
			cs.log.Println("stopping clients")
			for _, c := range cs.getAllClients() {
				c.stopClient()
				cs.removeClient(c)
			}

			close(req.done)
			return
		}
	}
}

// Serve registers a connection for user and starts its pumps. user is nil
// for connections that presented no valid credential.
func (cs *ChatServer) Serve(conn *websocket.Conn, user *types.User) *Client {
	c := NewClient(user, conn, cs, cs.log)
	if !cs.registerClient(c) {
		conn.Close()
		return c
	}

	go c.Write()
	go c.Read()

	return c
}

func (cs *ChatServer) registerClient(c *Client) bool {
	select {
	case cs.registerChan <- c:
		return true
	case <-cs.done:
		return false
	}
}

func (cs *ChatServer) deRegisterClient(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.done:
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		return
	}
	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.MetricConnections)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.stats.Decr(stats.MetricConnections)
}

func (cs *ChatServer) getAllClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
