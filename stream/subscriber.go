package stream

import "sync/atomic"

// Subscriber receives state events from the broker. Delivery is
// best-effort: a subscriber that cannot keep up drops events rather
// than stalling the broadcast, which is safe because every state event
// carries the full snapshot.
type Subscriber struct {
	// id uniquely identifies this subscriber.
	id string

	// ch is the buffered channel events are sent on.
	ch chan *Event

	// closed prevents double-close of the channel.
	closed atomic.Bool
}

func newSubscriber(id string, bufferSize int) *Subscriber {
	return &Subscriber{
		id: id,
		ch: make(chan *Event, bufferSize),
	}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only event channel. It is closed when the
// subscriber is removed or the broker shuts down.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// send attempts to deliver an event. Returns false if the event was
// dropped (closed subscriber or full buffer).
func (s *Subscriber) send(evt *Event) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
