package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitAsyncFIFOOrder(t *testing.T) {
	m := NewManager(nil)
	q := m.Queue("memory", ExecuteInline)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		q.SubmitAsync(context.Background(), func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSubmitSyncBlocksUntilDone(t *testing.T) {
	m := NewManager(nil)
	q := m.Queue("db", ExecuteInline)

	ran := false
	err := q.SubmitSync(context.Background(), func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestSubmitSyncPropagatesError(t *testing.T) {
	m := NewManager(nil)
	q := m.Queue("db", ExecuteInline)
	sentinel := errTestSentinel{}
	err := q.SubmitSync(context.Background(), func(ctx context.Context) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

type errTestSentinel struct{}

func (errTestSentinel) Error() string { return "sentinel" }

func TestReentrantExecuteInlineDoesNotDeadlock(t *testing.T) {
	m := NewManager(nil)
	q := m.Queue("db", ExecuteInline)

	var innerRan bool
	err := q.SubmitSync(context.Background(), func(ctx context.Context) error {
		require.True(t, q.InCurrentStack(ctx))
		return q.SubmitSync(ctx, func(ctx context.Context) error {
			innerRan = true
			return nil
		})
	})
	require.NoError(t, err)
	require.True(t, innerRan)
}

func TestReentrantSkip(t *testing.T) {
	m := NewManager(nil)
	q := m.Queue("db", Skip)

	var innerRan bool
	err := q.SubmitSync(context.Background(), func(ctx context.Context) error {
		return q.SubmitSync(ctx, func(ctx context.Context) error {
			innerRan = true
			return nil
		})
	})
	require.NoError(t, err)
	require.False(t, innerRan)
}

func TestReentrantAssertPanics(t *testing.T) {
	m := NewManager(nil)
	q := m.Queue("db", Assert)

	require.Panics(t, func() {
		_ = q.SubmitSync(context.Background(), func(ctx context.Context) error {
			return q.SubmitSync(ctx, func(ctx context.Context) error { return nil })
		})
	})
}

func TestNonReentrantFromDifferentQueueIsNotFlagged(t *testing.T) {
	m := NewManager(nil)
	mem := m.Queue("memory", ExecuteInline)
	db := m.Queue("db", ExecuteInline)

	var dbRan bool
	err := mem.SubmitSync(context.Background(), func(ctx context.Context) error {
		require.False(t, db.InCurrentStack(ctx))
		return db.SubmitSync(ctx, func(ctx context.Context) error {
			dbRan = true
			return nil
		})
	})
	require.NoError(t, err)
	require.True(t, dbRan)
}

func TestTimerDelayResetsFireTime(t *testing.T) {
	m := NewManager(nil)
	q := m.Queue("db", ExecuteInline)

	fired := make(chan struct{}, 1)
	q.ScheduleTimer("save", 30*time.Millisecond, Delay, func(ctx context.Context) {
		fired <- struct{}{}
	})
	time.Sleep(15 * time.Millisecond)
	// Reschedule before it fires: should push the fire time out further.
	q.ScheduleTimer("save", 30*time.Millisecond, Delay, func(ctx context.Context) {
		fired <- struct{}{}
	})

	select {
	case <-fired:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timer never fired")
	}
}

func TestTimerCoalesceKeepsEarlierFireTime(t *testing.T) {
	m := NewManager(nil)
	q := m.Queue("db", ExecuteInline)

	var mu sync.Mutex
	var fires int
	q.ScheduleTimer("commit", 20*time.Millisecond, Coalesce, func(ctx context.Context) {
		mu.Lock()
		fires++
		mu.Unlock()
	})
	// A later, longer delay should NOT push the fire time out.
	q.ScheduleTimer("commit", 200*time.Millisecond, Coalesce, func(ctx context.Context) {
		mu.Lock()
		fires++
		mu.Unlock()
	})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, fires)
}

func TestTimerThrottleFirstCallFiresImmediately(t *testing.T) {
	m := NewManager(nil)
	q := m.Queue("db", ExecuteInline)

	var mu sync.Mutex
	var fires int
	q.ScheduleTimer("burst", 50*time.Millisecond, Throttle, func(ctx context.Context) {
		mu.Lock()
		fires++
		mu.Unlock()
	})

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	got := fires
	mu.Unlock()
	require.Equal(t, 1, got)
}

func TestTimerThrottleCollapsesBurst(t *testing.T) {
	m := NewManager(nil)
	q := m.Queue("db", ExecuteInline)

	var mu sync.Mutex
	var fires int
	task := func(ctx context.Context) {
		mu.Lock()
		fires++
		mu.Unlock()
	}
	for i := 0; i < 20; i++ {
		q.ScheduleTimer("burst", 40*time.Millisecond, Throttle, task)
		time.Sleep(time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	got := fires
	mu.Unlock()
	require.LessOrEqual(t, got, 3)
	require.GreaterOrEqual(t, got, 1)
}

func TestCancelTimer(t *testing.T) {
	m := NewManager(nil)
	q := m.Queue("db", ExecuteInline)

	fired := make(chan struct{}, 1)
	q.ScheduleTimer("save", 20*time.Millisecond, Delay, func(ctx context.Context) {
		fired <- struct{}{}
	})
	q.CancelTimer("save")

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseCancelsTimersAndStopsQueue(t *testing.T) {
	m := NewManager(nil)
	q := m.Queue("db", ExecuteInline)
	q.ScheduleTimer("save", 20*time.Millisecond, Delay, func(ctx context.Context) {})
	q.Close()

	err := q.SubmitSync(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
}
