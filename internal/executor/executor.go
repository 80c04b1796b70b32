// Package executor implements labelled, strictly serial task queues with
// deadlock-safe re-entrant synchronous dispatch, plus named coalescing,
// delay, and throttle timers.
//
// Each Queue is an actor: one goroutine drains a private task mailbox.
// SubmitAsync posts a task and returns immediately; SubmitSync blocks the
// caller until the task has run — unless the caller is already executing
// inside that same queue's call stack, in which case the queue's configured
// ReentrantPolicy decides what happens instead of deadlocking.
//
// Grounded on internal/engine/queue.go's eventQueue (mutex + slice + a
// buffered signal channel for context-aware waiting), generalized from one
// fixed queue into a Manager of many labelled queues.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ReentrantPolicy controls what SubmitSync does when the calling goroutine
// is already executing inside the target queue's call stack.
type ReentrantPolicy int

const (
	// ExecuteInline runs the task synchronously on the caller's own stack,
	// bypassing the queue. This is the default: it is always deadlock-safe
	// because it never waits on the queue's single goroutine to become free.
	ExecuteInline ReentrantPolicy = iota
	// Skip silently drops the task and returns nil.
	Skip
	// LogAndSkip logs a warning and drops the task, returning nil.
	LogAndSkip
	// Assert panics; use only where reentrancy indicates a programming
	// error that must fail loudly in tests and development builds.
	Assert
	// EnqueueAnyway enqueues and waits like the non-reentrant path. This
	// deadlocks if the outer (currently-running) task on this queue is the
	// very thing waiting for the result, so it is correct only when the
	// caller knows the outer task does not itself wait on this submission.
	EnqueueAnyway
)

// contextKey is the context.Context key used to track, per call chain, the
// stack of queue names the current goroutine has synchronously entered.
// This is the Go-idiomatic substitute for the per-OS-thread stack the
// original design keeps: Go has no stable thread-local storage, so the
// "current stack" travels explicitly through the context a caller plumbs
// into nested SubmitSync calls. Callers that do not thread the augmented
// context through their own nested calls simply cannot benefit from
// reentrant-inline detection for those calls — they fall back to the
// non-reentrant (enqueue-and-wait) path, which is always safe as long as
// the outer task is not itself the one blocking on it.
type contextKey struct{}

func stackFrom(ctx context.Context) []string {
	s, _ := ctx.Value(contextKey{}).([]string)
	return s
}

func inStack(ctx context.Context, name string) bool {
	for _, n := range stackFrom(ctx) {
		if n == name {
			return true
		}
	}
	return false
}

func pushStack(ctx context.Context, name string) context.Context {
	prev := stackFrom(ctx)
	next := make([]string, len(prev)+1)
	copy(next, prev)
	next[len(prev)] = name
	return context.WithValue(ctx, contextKey{}, next)
}

// Manager owns a set of named serial queues.
type Manager struct {
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, queues: make(map[string]*Queue)}
}

// Queue returns the named queue, creating (and starting) it on first use.
func (m *Manager) Queue(name string, policy ReentrantPolicy) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q
	}
	q := newQueue(name, policy, m.logger)
	m.queues[name] = q
	return q
}

// CloseAll stops every queue's goroutine and cancels every pending timer.
// Used by tear-down.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	qs := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	m.mu.Unlock()
	for _, q := range qs {
		q.Close()
	}
}

// Queue is one labelled serial task queue.
type Queue struct {
	name   string
	policy ReentrantPolicy
	logger *slog.Logger

	mu     sync.Mutex
	tasks  []func()
	signal chan struct{}
	closed bool

	timersMu sync.Mutex
	timers   map[string]*timerEntry
}

type timerEntry struct {
	timer    *time.Timer
	fireAt   time.Time
	lastFire time.Time
	pending  bool
}

func newQueue(name string, policy ReentrantPolicy, logger *slog.Logger) *Queue {
	q := &Queue{
		name:   name,
		policy: policy,
		logger: logger,
		tasks:  make([]func(), 0, 16),
		signal: make(chan struct{}, 1),
		timers: make(map[string]*timerEntry),
	}
	go q.run()
	return q
}

// Name returns the queue's label.
func (q *Queue) Name() string { return q.name }

func (q *Queue) run() {
	for {
		task, ok := q.dequeue()
		if !ok {
			return
		}
		task()
	}
}

func (q *Queue) enqueue(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, task)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) tryDequeue() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

func (q *Queue) dequeue() (func(), bool) {
	for {
		if t, ok := q.tryDequeue(); ok {
			return t, true
		}
		q.mu.Lock()
		closed := q.closed && len(q.tasks) == 0
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		<-q.signal
	}
}

// SubmitAsync posts task to the queue and returns immediately. task runs
// with a context marking this queue as entered, so nested synchronous
// submissions into the same queue are detected as reentrant.
func (q *Queue) SubmitAsync(ctx context.Context, task func(ctx context.Context)) {
	augmented := pushStack(ctx, q.name)
	q.enqueue(func() { task(augmented) })
}

// SubmitSync runs task on the queue and blocks until it completes, applying
// the queue's ReentrantPolicy if the caller is already executing inside
// this queue's stack (per ctx). Returns ctx.Err() if ctx is cancelled
// before the task runs or completes.
func (q *Queue) SubmitSync(ctx context.Context, task func(ctx context.Context) error) error {
	if inStack(ctx, q.name) {
		return q.runReentrant(ctx, task)
	}
	return q.runNonReentrant(ctx, task)
}

func (q *Queue) runNonReentrant(ctx context.Context, task func(ctx context.Context) error) error {
	augmented := pushStack(ctx, q.name)
	done := make(chan error, 1)
	if !q.enqueue(func() { done <- task(augmented) }) {
		return fmt.Errorf("executor: queue %q is closed", q.name)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) runReentrant(ctx context.Context, task func(ctx context.Context) error) error {
	switch q.policy {
	case ExecuteInline:
		return task(pushStack(ctx, q.name))
	case Skip:
		return nil
	case LogAndSkip:
		q.logger.Warn("executor: reentrant submit_sync skipped", slog.String("queue", q.name))
		return nil
	case Assert:
		panic(fmt.Sprintf("executor: reentrant submit_sync into queue %q", q.name))
	case EnqueueAnyway:
		return q.runNonReentrant(ctx, task)
	default:
		return task(pushStack(ctx, q.name))
	}
}

// InCurrentStack reports whether ctx's call chain has already entered this
// queue, i.e. whether a SubmitSync(ctx, ...) would be treated as reentrant.
func (q *Queue) InCurrentStack(ctx context.Context) bool {
	return inStack(ctx, q.name)
}

// ScheduleTimer (re)schedules a named timer with the given behavior. See
// the TimerBehavior constants for how repeated scheduling under the same
// name interacts with a pending fire.
func (q *Queue) ScheduleTimer(name string, delay time.Duration, behavior TimerBehavior, task func(ctx context.Context)) {
	q.timersMu.Lock()
	defer q.timersMu.Unlock()

	now := time.Now()
	entry, exists := q.timers[name]

	fire := func() {
		q.timersMu.Lock()
		e, ok := q.timers[name]
		if ok {
			e.lastFire = time.Now()
		}
		q.timersMu.Unlock()
		q.SubmitAsync(context.Background(), task)
	}

	switch behavior {
	case Delay:
		if exists {
			entry.timer.Stop()
		} else {
			entry = &timerEntry{}
			q.timers[name] = entry
		}
		entry.fireAt = now.Add(delay)
		entry.timer = time.AfterFunc(delay, fire)

	case Coalesce:
		newFireAt := now.Add(delay)
		if !exists {
			entry = &timerEntry{fireAt: newFireAt}
			entry.timer = time.AfterFunc(delay, fire)
			q.timers[name] = entry
			return
		}
		if newFireAt.Before(entry.fireAt) {
			entry.timer.Stop()
			entry.fireAt = newFireAt
			entry.timer = time.AfterFunc(time.Until(newFireAt), fire)
		}

	case Throttle:
		if !exists {
			entry = &timerEntry{fireAt: now, lastFire: now}
			q.timers[name] = entry
			q.SubmitAsync(context.Background(), task)
			return
		}
		if entry.pending {
			return
		}
		sinceLast := now.Sub(entry.lastFire)
		if sinceLast >= delay {
			entry.lastFire = now
			q.SubmitAsync(context.Background(), task)
			return
		}
		entry.pending = true
		wait := delay - sinceLast
		entry.timer = time.AfterFunc(wait, func() {
			q.timersMu.Lock()
			e, ok := q.timers[name]
			if ok {
				e.pending = false
				e.lastFire = time.Now()
			}
			q.timersMu.Unlock()
			q.SubmitAsync(context.Background(), task)
		})
	}
}

// CancelTimer stops the named timer if pending.
func (q *Queue) CancelTimer(name string) {
	q.timersMu.Lock()
	defer q.timersMu.Unlock()
	if e, ok := q.timers[name]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(q.timers, name)
	}
}

// TimerBehavior selects how repeated ScheduleTimer calls under the same
// name combine.
type TimerBehavior int

const (
	// Delay: (re)scheduling resets the fire time to now+delay.
	Delay TimerBehavior = iota
	// Coalesce: scheduling leaves the existing fire time unchanged unless
	// the new now+delay is earlier, in which case it advances.
	Coalesce
	// Throttle: the first call fires immediately; subsequent calls within
	// delay of the previous fire collapse into at most one deferred fire
	// at previous_fire+delay.
	Throttle
)

// Close stops the queue's goroutine (after draining remaining tasks) and
// cancels all of its pending timers.
func (q *Queue) Close() {
	q.timersMu.Lock()
	for name, e := range q.timers {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(q.timers, name)
	}
	q.timersMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.signal)
	q.mu.Unlock()
}
