package synckv

import "github.com/synckv/synckv/internal/notify"

// EventKind identifies which lifecycle or change event occurred
// (spec.md §4.9).
type EventKind = notify.EventKind

const (
	DidLoad     = notify.DidLoad
	DidTearDown = notify.DidTearDown
	DidDelete   = notify.DidDelete
	DidChange   = notify.DidChange
	DidSync     = notify.DidSync
)

// Event is one notification delivered to a Store subscriber. Values and
// Timestamps are populated only for DidChange and DidSync.
type Event struct {
	Kind       EventKind
	Values     map[string]any
	Timestamps map[string]int64
}

func fromNotify(ev notify.Event) Event {
	return Event{Kind: ev.Kind, Values: ev.Values, Timestamps: ev.Timestamps}
}

// Subscriber receives posted events in FIFO order, one at a time.
type Subscriber func(Event)

// Subscribe registers fn to receive every future event and returns a
// token for Unsubscribe.
func (s *Store) Subscribe(fn Subscriber) int {
	return s.bus.Subscribe(func(ev notify.Event) { fn(fromNotify(ev)) })
}

// Unsubscribe removes a previously registered subscriber.
func (s *Store) Unsubscribe(token int) {
	s.bus.Unsubscribe(token)
}
