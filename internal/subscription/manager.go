// Package subscription keeps the client's set of desired topics and makes
// the transport's live streams match it, including after a reconnect.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/npezzotti/roomsync/internal/transport"
	"github.com/npezzotti/roomsync/internal/types"
)

type Transport interface {
	Subscribe(ctx context.Context, topic types.Topic, handler transport.Handler) (string, error)
	Unsubscribe(ctx context.Context, id string) error
}

// Router receives the events of every active stream.
type Router func(types.Event)

type Manager struct {
	t     Transport
	route Router
	log   *log.Logger

	// op serializes Want, Unwant and Resubscribe, so a reconnect never
	// interleaves with a caller's subscribe.
	op sync.Mutex

	mu      sync.Mutex
	desired map[types.Topic]struct{}
	active  map[types.Topic]string
}

func New(t Transport, route Router, logger *log.Logger) *Manager {
	return &Manager{
		t:       t,
		route:   route,
		log:     logger,
		desired: make(map[types.Topic]struct{}),
		active:  make(map[types.Topic]string),
	}
}

// Want adds topic to the desired set and subscribes right away when
// connected. While disconnected the topic stays desired and is subscribed
// by the next Resubscribe. Any other failure, a timeout on a live
// connection included, is returned and leaves topic undesired. Wanting a
// desired topic is a no-op.
func (m *Manager) Want(ctx context.Context, topic types.Topic) error {
	if !topic.Valid() {
		return types.NewError(types.KindValidation, fmt.Sprintf("invalid topic %s", topic))
	}

	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	if _, ok := m.desired[topic]; ok {
		m.mu.Unlock()
		return nil
	}
	m.desired[topic] = struct{}{}
	m.mu.Unlock()

	id, err := m.t.Subscribe(ctx, topic, m.handler())
	if err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			m.log.Printf("deferring subscribe to %s: %v", topic, err)
			return nil
		}
		m.mu.Lock()
		delete(m.desired, topic)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.active[topic] = id
	m.mu.Unlock()
	return nil
}

// Unwant removes topic from the desired set and closes its stream. It never
// fails because of a lost connection.
func (m *Manager) Unwant(ctx context.Context, topic types.Topic) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	if _, ok := m.desired[topic]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.desired, topic)
	id, ok := m.active[topic]
	delete(m.active, topic)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.t.Unsubscribe(ctx, id)
}

func (m *Manager) WantRoom(ctx context.Context, roomId string) error {
	var errs []error
	for _, topic := range types.RoomTopics(roomId) {
		if err := m.Want(ctx, topic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) UnwantRoom(ctx context.Context, roomId string) error {
	var errs []error
	for _, topic := range types.RoomTopics(roomId) {
		if err := m.Unwant(ctx, topic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resubscribe discards every stream id from the previous connection and
// subscribes each desired topic again. It is the transport's reconnect
// hook. A topic that fails with a transport error stays desired and the
// error is returned so the transport redials; a topic the server rejects
// is dropped from the desired set.
func (m *Manager) Resubscribe(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	stale := m.active
	m.active = make(map[types.Topic]string, len(m.desired))
	topics := m.desiredLocked()
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.t.Unsubscribe(ctx, id); err != nil {
			m.log.Printf("release stale stream %s: %v", id, err)
		}
	}

	var errs []error
	for _, topic := range topics {
		id, err := m.t.Subscribe(ctx, topic, m.handler())
		if err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", topic, err))
			if !types.HasKind(err, types.KindTransport) {
				m.log.Printf("dropping rejected topic %s: %v", topic, err)
				m.mu.Lock()
				delete(m.desired, topic)
				m.mu.Unlock()
			}
			continue
		}
		m.mu.Lock()
		m.active[topic] = id
		m.mu.Unlock()
	}

	return errors.Join(errs...)
}

// Desired returns the desired topics sorted by name.
func (m *Manager) Desired() []types.Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desiredLocked()
}

func (m *Manager) desiredLocked() []types.Topic {
	topics := make([]types.Topic, 0, len(m.desired))
	for topic := range m.desired {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool {
		return topics[i].String() < topics[j].String()
	})
	return topics
}

// Active returns the stream id of every subscribed topic.
func (m *Manager) Active() map[types.Topic]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[types.Topic]string, len(m.active))
	for topic, id := range m.active {
		out[topic] = id
	}
	return out
}

func (m *Manager) handler() transport.Handler {
	return func(ev types.Event) {
		if m.route != nil {
			m.route(ev)
		}
	}
}
