package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"media-harbor/internal/domain"
)

const defaultBufferSize = 100

// Bus fans events out to any number of subscribers. Publish never blocks:
// each subscriber owns a bounded queue and a subscriber that falls behind
// loses its oldest buffered events, counted in Lagged.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	bufferSize  int
	closed      bool
	logger      *logrus.Logger
}

// Subscription is one independent receive handle.
type Subscription struct {
	id  string
	bus *Bus

	mu     sync.Mutex
	queue  []domain.Event
	lagged int64
	ready  chan struct{} // 1-buffered wakeup signal
	done   chan struct{}
}

func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		subscribers: make(map[string]*Subscription),
		bufferSize:  defaultBufferSize,
		logger:      logger,
	}
}

// Publish delivers e to every current subscriber and returns immediately.
func (b *Bus) Publish(e domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		sub.push(e)
	}
}

// Subscribe returns a new subscription that sees events published after
// this call.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		id:    uuid.NewString(),
		bus:   b,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		close(sub.done)
	} else {
		b.subscribers[sub.id] = sub
	}
	b.mu.Unlock()
	return sub
}

// Close unsubscribes everyone; pending events are still drainable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.done)
		delete(b.subscribers, id)
	}
}

func (s *Subscription) push(e domain.Event) {
	s.mu.Lock()
	if len(s.queue) >= s.bus.bufferSize {
		// drop-oldest keeps the producer non-blocking
		drop := len(s.queue) - s.bus.bufferSize + 1
		s.queue = append(s.queue[:0], s.queue[drop:]...)
		s.lagged += int64(drop)
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or the subscription is closed.
// The second return is false once the subscription is closed and drained.
func (s *Subscription) Next(cancel <-chan struct{}) (domain.Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, true
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
			// closed: drain whatever arrived before the close
			s.mu.Lock()
			if len(s.queue) > 0 {
				e := s.queue[0]
				s.queue = s.queue[1:]
				s.mu.Unlock()
				return e, true
			}
			s.mu.Unlock()
			return domain.Event{}, false
		case <-cancel:
			return domain.Event{}, false
		}
	}
}

// TryNext returns the next buffered event without blocking.
func (s *Subscription) TryNext() (domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.Event{}, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

// Lagged reports how many events this subscriber has lost to overflow.
func (s *Subscription) Lagged() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Unsubscribe detaches the subscription from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subscribers[s.id]; ok {
		delete(s.bus.subscribers, s.id)
		close(s.done)
	}
}
