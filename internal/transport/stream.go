package transport

import (
	"log"
	"sync"

	"github.com/npezzotti/roomsync/internal/types"
)

// stream delivers the events of one subscription in arrival order on its own
// goroutine, so a slow handler only delays its own topic.
type stream struct {
	id      string
	topic   types.Topic
	handler Handler
	log     *log.Logger

	mu     sync.Mutex
	queue  []types.Event
	wake   chan struct{}
	stop   chan struct{}
	once   sync.Once
	closed bool
}

func newStream(id string, topic types.Topic, handler Handler, logger *log.Logger) *stream {
	s := &stream{
		id:      id,
		topic:   topic,
		handler: handler,
		log:     logger,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go s.dispatch()
	return s
}

func (s *stream) push(ev types.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.stop)
	})
}

func (s *stream) dispatch() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.deliver(ev)
		}
	}
}

func (s *stream) deliver(ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("handler for %s panicked: %v", s.topic, r)
		}
	}()
	s.handler(ev)
}
