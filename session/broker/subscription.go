package broker

import "sync"

// Subscription receives a session's events on Events until exit is delivered or Close is called.
type Subscription struct {
	broker *Broker
	events chan Event

	m      sync.Mutex
	queue  []Event
	notify chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func newSubscription(b *Broker) *Subscription {
	return &Subscription{
		broker: b,
		events: make(chan Event),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Events is closed after the exit event, or after Close.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.broker.remove(s)
		close(s.closed)
	})
}

func (s *Subscription) enqueue(ev Event) {
	s.m.Lock()
	s.queue = append(s.queue, ev)
	s.m.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (Event, bool) {
	s.m.Lock()
	defer s.m.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Subscription) pump() {
	defer close(s.events)
	for {
		ev, ok := s.next()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.closed:
				return
			}
		}
		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
		if ev.Kind == Exit {
			return
		}
	}
}
