// Package broker is an in-process publish/subscribe hub keyed by room topic.
//
// Publish delivers synchronously to the subscribers registered at the time of
// the call. Deliveries on one topic happen in publish call order; different
// topics are independent of each other.
package broker

import (
	"fmt"
	"log"
	"sync"

	"github.com/npezzotti/roomsync/internal/types"
)

type Handler func(types.Event)

type topicEntry struct {
	// deliverLock serializes publishes on the topic
	deliverLock sync.Mutex
	subs        map[uint64]Handler
}

type Broker struct {
	log    *log.Logger
	mu     sync.RWMutex
	topics map[types.Topic]*topicEntry
	nextId uint64
}

func New(logger *log.Logger) *Broker {
	return &Broker{
		log:    logger,
		topics: make(map[types.Topic]*topicEntry),
	}
}

// Handle is a registration returned by Subscribe.
type Handle struct {
	b     *Broker
	topic types.Topic
	id    uint64
	once  sync.Once
}

func (h *Handle) Topic() types.Topic {
	return h.topic
}

// Unsubscribe removes the registration. Calling it more than once is a no-op.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.b.remove(h.topic, h.id)
	})
}

func (b *Broker) Subscribe(topic types.Topic, handler Handler) *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextId++
	entry, ok := b.topics[topic]
	if !ok {
		entry = &topicEntry{subs: make(map[uint64]Handler)}
		b.topics[topic] = entry
	}
	entry.subs[b.nextId] = handler

	return &Handle{b: b, topic: topic, id: b.nextId}
}

func (b *Broker) remove(topic types.Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.topics[topic]
	if !ok {
		return
	}

	// empty entries stay registered: a publish may still hold deliverLock
	delete(entry.subs, id)
}

// Publish delivers ev to every subscriber of its topic and returns the number
// of handlers that received it without panicking.
func (b *Broker) Publish(ev types.Event) int {
	b.mu.RLock()
	entry, ok := b.topics[ev.Topic]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	entry.deliverLock.Lock()
	defer entry.deliverLock.Unlock()

	b.mu.RLock()
	handlers := make([]Handler, 0, len(entry.subs))
	for _, h := range entry.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, h := range handlers {
		if err := b.deliver(h, ev); err != nil {
			b.log.Printf("broker: subscriber of %s failed: %v", ev.Topic, err)
			continue
		}
		delivered++
	}

	return delivered
}

func (b *Broker) deliver(h Handler, ev types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	h(ev)
	return nil
}

// Subscribers returns the number of handlers registered on topic.
func (b *Broker) Subscribers(topic types.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if entry, ok := b.topics[topic]; ok {
		return len(entry.subs)
	}
	return 0
}
