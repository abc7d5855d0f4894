package bus

import (
	"context"
	"errors"
	"sync"
)

const DefaultBacklog = 64

// ErrClosed is returned by Next once the subscriber is closed and drained.
var ErrClosed = errors.New("bus: subscriber closed")

// Subscriber is a bounded FIFO mailbox. When full, the oldest queued event is
// dropped to make room for the newest.
type Subscriber struct {
	id       string
	capacity int

	mu      sync.Mutex
	queue   []Event
	dropped int
	closed  bool
	ready   chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewSubscriber(id string, capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = DefaultBacklog
	}
	return &Subscriber{
		id:       id,
		capacity: capacity,
		queue:    make([]Event, 0, capacity),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *Subscriber) ID() string {
	return s.id
}

// deliver enqueues ev and reports how many events were dropped to fit it.
func (s *Subscriber) deliver(ev Event) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	dropped := 0
	if len(s.queue) >= s.capacity {
		dropped = len(s.queue) - s.capacity + 1
		s.queue = append(s.queue[:0], s.queue[dropped:]...)
		s.dropped += dropped
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Ready fires when events may be waiting. Call Drain after each signal.
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed by Close.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Drain removes and returns every queued event in delivery order.
func (s *Subscriber) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := make([]Event, len(s.queue))
	copy(out, s.queue)
	s.queue = s.queue[:0]
	return out
}

// Next blocks for the next event.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = append(s.queue[:0], s.queue[1:]...)
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
		case <-s.ready:
		}
	}
}

// Dropped is the total number of events discarded so far.
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops further deliveries. Queued events stay drainable.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}
