package auth

import "sync"

const defaultSubscriberCapacity = 16

// EventType names an auth state change.
type EventType string

const (
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
)

// Event is an auth state change, either reported by the provider callback or
// produced by the store itself.
type Event struct {
	Type    EventType
	Session *Session
}

// Subscription is an active listener on the store.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

type subscriber struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func newSubscriber(capacity int) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{ch: make(chan Event, capacity)}
}

// deliver never blocks. When the buffer is full the queued events are folded
// with the new one into the shortest sequence that leaves the subscriber in
// the same final state, keeping their order. See compact.
func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	queued := make([]Event, 0, cap(s.ch)+1)
	for drained := false; !drained; {
		select {
		case e := <-s.ch:
			queued = append(queued, e)
		default:
			drained = true
		}
	}
	folded := compact(append(queued, event))
	if extra := len(folded) - cap(s.ch); extra > 0 {
		folded = folded[extra:]
	}
	for _, e := range folded {
		s.ch <- e
	}
}

// compact folds a run of events into at most two: an optional sign-out
// followed by the latest identity. A token refresh after a sign-in is merged
// into it; one after a sign-out is dropped.
func compact(events []Event) []Event {
	var out []Event
	for _, e := range events {
		switch e.Type {
		case EventSignedOut:
			out = []Event{e}
		case EventSignedIn:
			if len(out) > 0 && out[0].Type == EventSignedOut {
				out = []Event{out[0], e}
			} else {
				out = []Event{e}
			}
		default:
			n := len(out)
			switch {
			case n == 0:
				out = []Event{e}
			case out[n-1].Type == EventSignedOut:
			case out[n-1].Type == EventSignedIn:
				out[n-1] = Event{Type: EventSignedIn, Session: e.Session}
			default:
				out[n-1] = e
			}
		}
	}
	return out
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
