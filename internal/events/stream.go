package events

import (
	"sync"

	"github.com/fentz26/swarm/internal/models"
)

// Stream fans lifecycle events out to subscribers. A slow subscriber
// misses events rather than blocking publishers.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan models.Event
	next    int
	dropped int
	closed  bool
}

// NewStream creates a stream with no subscribers.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan models.Event)}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (s *Stream) Publish(ev models.Event) {
	s.mu.RLock()
	full := 0
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			full++
		}
	}
	s.mu.RUnlock()

	if full > 0 {
		s.mu.Lock()
		s.dropped += full
		s.mu.Unlock()
	}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (s *Stream) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.Event, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.next
	s.next++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped returns the number of deliveries skipped for full buffers.
func (s *Stream) Dropped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// Close closes every subscription.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
