package conntrack

import "sync"

// subscribers is the destroy event fan-out shared by the backends.
type subscribers struct {
	mu     sync.Mutex
	m      map[uint64]subscription
	next   uint64
	closed bool
}

type subscription struct {
	proto uint8
	h     Handler
}

func newSubscribers() *subscribers {
	return &subscribers{m: make(map[uint64]subscription)}
}

func (s *subscribers) add(proto uint8, h Handler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	s.next++
	id := s.next
	s.m[id] = subscription{proto: proto, h: h}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.m, id)
			s.mu.Unlock()
		})
	}, nil
}

// publish delivers events outside the subscriber lock so handlers may
// cancel their own subscription.
func (s *subscribers) publish(events ...Event) {
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	subs := make([]subscription, 0, len(s.m))
	for _, sub := range s.m {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, sub := range subs {
			if sub.proto == ev.Original.Proto {
				sub.h(ev)
			}
		}
	}
}

func (s *subscribers) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *subscribers) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	clear(s.m)
}
