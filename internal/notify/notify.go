// Package notify implements the NotificationBus: a dedicated serial queue
// that delivers lifecycle and change events to subscribers in the order
// they were posted, asynchronously relative to the posting queue.
package notify

import (
	"context"
	"sync"

	"github.com/synckv/synckv/internal/executor"
)

// EventKind identifies which of the five lifecycle/change events occurred.
type EventKind int

const (
	DidLoad EventKind = iota
	DidTearDown
	DidDelete
	DidChange
	DidSync
)

func (k EventKind) String() string {
	switch k {
	case DidLoad:
		return "DidLoad"
	case DidTearDown:
		return "DidTearDown"
	case DidDelete:
		return "DidDelete"
	case DidChange:
		return "DidChange"
	case DidSync:
		return "DidSync"
	default:
		return "Unknown"
	}
}

// Event is one posted notification. Values/Timestamps are populated only
// for DidChange and DidSync.
type Event struct {
	Kind       EventKind
	Values     map[string]any
	Timestamps map[string]int64
}

// Subscriber receives posted events in FIFO order, one at a time.
type Subscriber func(Event)

// Bus is a single dedicated delivery queue shared by every subscriber of
// one Store. Grounded on internal/engine/queue.go's FIFO queue shape,
// reused here as a pure fan-out delivery mechanism rather than an event
// processing loop.
type Bus struct {
	queue *executor.Queue

	mu   sync.Mutex
	subs map[int]Subscriber
	next int
}

// New creates a Bus backed by its own serial queue.
func New(mgr *executor.Manager, queueName string) *Bus {
	return &Bus{
		queue: mgr.Queue(queueName, executor.ExecuteInline),
		subs:  make(map[int]Subscriber),
	}
}

// Subscribe registers a subscriber and returns a token for Unsubscribe.
func (b *Bus) Subscribe(fn Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return id
}

// Unsubscribe removes a previously registered subscriber.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Post enqueues delivery of ev to every currently registered subscriber.
// Delivery happens asynchronously, on the bus's own queue, in the order
// Post was called — posting order from any number of callers is preserved
// because all of them funnel through this one serial queue.
func (b *Bus) Post(ev Event) {
	b.queue.SubmitAsync(context.Background(), func(ctx context.Context) {
		b.mu.Lock()
		subs := make([]Subscriber, 0, len(b.subs))
		for _, fn := range b.subs {
			subs = append(subs, fn)
		}
		b.mu.Unlock()
		for _, fn := range subs {
			fn(ev)
		}
	})
}

// Drain blocks until every event posted before this call has been
// delivered to every subscriber. Used by Store.WaitUntilFinished.
func (b *Bus) Drain(ctx context.Context) error {
	return b.queue.SubmitSync(ctx, func(ctx context.Context) error { return nil })
}

// Close stops the bus's delivery queue.
func (b *Bus) Close() {
	b.queue.Close()
}
