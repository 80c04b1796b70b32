package merge

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synckv/synckv/internal/clock"
	"github.com/synckv/synckv/internal/executor"
	"github.com/synckv/synckv/internal/filepkg"
	"github.com/synckv/synckv/internal/notify"
	"github.com/synckv/synckv/internal/synctest"
	"github.com/synckv/synckv/internal/watch"
)

type harness struct {
	engine *Engine
	bus    *notify.Bus
	mgr    *executor.Manager
	events *eventLog
}

type eventLog struct {
	mu   sync.Mutex
	evts []notify.Event
}

func (l *eventLog) record(ev notify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evts = append(l.evts, ev)
}

func (l *eventLog) countKind(k notify.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.evts {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T, root, deviceID string, clk Clock) *harness {
	t.Helper()
	pkg := filepkg.Open(root, deviceID)
	mgr := executor.NewManager(nil)
	bus := notify.New(mgr, "notify-"+deviceID)
	ws, err := watch.New(pkg.DeviceLogDir(deviceID), nil)
	require.NoError(t, err)

	eng := New(pkg, deviceID, clk, mgr, bus, ws, Config{}, nil)

	evts := &eventLog{}
	bus.Subscribe(evts.record)

	t.Cleanup(func() {
		_ = eng.TearDownNow(context.Background())
		bus.Close()
		mgr.CloseAll()
	})

	return &harness{engine: eng, bus: bus, mgr: mgr, events: evts}
}

func TestSingleDevicePersistence(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	h1 := newHarness(t, root, "A", synctest.NewClock(1))
	require.NoError(t, h1.engine.LoadNow(ctx))
	require.NoError(t, h1.engine.Set(ctx, "title", "T"))
	require.NoError(t, h1.engine.TearDownNow(ctx))

	h2 := newHarness(t, root, "A", synctest.NewClock(100))
	require.NoError(t, h2.engine.LoadNow(ctx))
	val, ok, err := h2.engine.Get(ctx, "title")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "T", val)
}

func TestTwoDeviceSyncNewKey(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	a := newHarness(t, root, "A", synctest.NewClock(1))
	b := newHarness(t, root, "B", synctest.NewClock(1))
	require.NoError(t, a.engine.LoadNow(ctx))
	require.NoError(t, b.engine.LoadNow(ctx))

	require.NoError(t, a.engine.Set(ctx, "title", "T"))
	require.NoError(t, a.engine.SaveNow(ctx))

	require.NoError(t, b.engine.SyncNow(ctx))
	require.NoError(t, b.engine.WaitUntilFinished(ctx))

	val, ok, err := b.engine.Get(ctx, "title")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "T", val)
	require.Equal(t, 1, b.events.countKind(notify.DidSync))
}

func TestLastWriterWinsOnConflict(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	clkA := synctest.NewClock(100)
	clkB := synctest.NewClock(200)
	a := newHarness(t, root, "A", clkA)
	b := newHarness(t, root, "B", clkB)
	require.NoError(t, a.engine.LoadNow(ctx))
	require.NoError(t, b.engine.LoadNow(ctx))

	require.NoError(t, a.engine.Set(ctx, "title", "T_A"))
	require.NoError(t, a.engine.SaveNow(ctx))
	require.NoError(t, b.engine.Set(ctx, "title", "T_B"))
	require.NoError(t, b.engine.SaveNow(ctx))

	require.NoError(t, a.engine.SyncNow(ctx))
	require.NoError(t, a.engine.WaitUntilFinished(ctx))
	require.NoError(t, b.engine.SyncNow(ctx))
	require.NoError(t, b.engine.WaitUntilFinished(ctx))

	valA, _, err := a.engine.Get(ctx, "title")
	require.NoError(t, err)
	valB, _, err := b.engine.Get(ctx, "title")
	require.NoError(t, err)
	require.Equal(t, "T_B", valA)
	require.Equal(t, "T_B", valB)

	ts, err := a.engine.MostRecentTimestamps(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(200), ts["B"])
}

func TestReverseChronologicalImport(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	h := newHarness(t, root, "A", synctest.NewClock(1))
	require.NoError(t, h.engine.LoadNow(ctx))

	changes := []Change{
		{Timestamp: 100, ParentTimestamp: clock.DistantPast, Key: "first", Value: "Alice"},
		{Timestamp: 200, ParentTimestamp: 100, Key: "first", Value: "Bob"},
		{Timestamp: 50, ParentTimestamp: clock.DistantPast, Key: "first", Value: "Carol"},
	}
	require.NoError(t, h.engine.InsertChanges(ctx, changes, "A", false))
	require.NoError(t, h.engine.TearDownNow(ctx))

	fresh := newHarness(t, root, "A", synctest.NewClock(1000))
	require.NoError(t, fresh.engine.LoadNow(ctx))
	val, ok, err := fresh.engine.Get(ctx, "first")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Bob", val)
}

func TestPeerAppearsLate(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	a := newHarness(t, root, "A", synctest.NewClock(1))
	require.NoError(t, a.engine.LoadNow(ctx))
	require.NoError(t, a.engine.Set(ctx, "x", "initial"))
	require.NoError(t, a.engine.SaveNow(ctx))

	c := newHarness(t, root, "C", synctest.NewClock(1))
	require.NoError(t, c.engine.LoadNow(ctx))
	require.NoError(t, c.engine.InsertChanges(ctx, []Change{
		{Timestamp: 5, ParentTimestamp: clock.DistantPast, Key: "x", Value: "ancient"},
		{Timestamp: 60, ParentTimestamp: clock.DistantPast, Key: "x", Value: "recent"},
	}, "C", false))
	require.NoError(t, c.engine.TearDownNow(ctx))

	require.NoError(t, a.engine.SyncNow(ctx))
	require.NoError(t, a.engine.WaitUntilFinished(ctx))

	val, ok, err := a.engine.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "recent", val)

	ts, err := a.engine.MostRecentTimestamps(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(60), ts["C"])
}

func TestBurstWritesCoalesceBeforeSave(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	h := newHarness(t, root, "A", synctest.NewClock(1))
	require.NoError(t, h.engine.LoadNow(ctx))

	for i := 0; i < 50; i++ {
		require.NoError(t, h.engine.Set(ctx, "k", i))
	}
	require.NoError(t, h.engine.WaitUntilFinished(ctx))

	var pending int
	require.NoError(t, h.mgr.Queue("database", executor.ExecuteInline).SubmitSync(ctx, func(ctx context.Context) error {
		pending = len(h.engine.pendingBatch)
		return nil
	}))
	require.Equal(t, 50, pending, "writes should accumulate in the pending batch, not commit one at a time")

	require.NoError(t, h.engine.SaveNow(ctx))
	require.NoError(t, h.mgr.Queue("database", executor.ExecuteInline).SubmitSync(ctx, func(ctx context.Context) error {
		pending = len(h.engine.pendingBatch)
		return nil
	}))
	require.Zero(t, pending)

	changes, err := h.engine.FetchChanges(ctx, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, changes, 50)
}

func TestTombstoneRemovesKey(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	h := newHarness(t, root, "A", synctest.NewClock(1))
	require.NoError(t, h.engine.LoadNow(ctx))

	require.NoError(t, h.engine.Set(ctx, "k", "v"))
	_, ok, err := h.engine.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.engine.Set(ctx, "k", nil))
	_, ok, err = h.engine.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNoOpSyncEmitsNoDidSync(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	a := newHarness(t, root, "A", synctest.NewClock(1))
	b := newHarness(t, root, "B", synctest.NewClock(1))
	require.NoError(t, a.engine.LoadNow(ctx))
	require.NoError(t, b.engine.LoadNow(ctx))

	require.NoError(t, a.engine.Set(ctx, "title", "T"))
	require.NoError(t, a.engine.SaveNow(ctx))
	require.NoError(t, b.engine.SyncNow(ctx))
	require.NoError(t, b.engine.WaitUntilFinished(ctx))
	require.Equal(t, 1, b.events.countKind(notify.DidSync))

	require.NoError(t, b.engine.SyncNow(ctx))
	require.NoError(t, b.engine.WaitUntilFinished(ctx))
	require.Equal(t, 1, b.events.countKind(notify.DidSync), "a second sync with no new foreign writes must not emit DidSync")
}

func TestSetBeforeLoadSurvivesLoadSnapshot(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	h := newHarness(t, root, "A", synctest.NewClock(1))

	require.NoError(t, h.engine.Set(ctx, "early", "value"))
	require.NoError(t, h.engine.LoadNow(ctx))
	require.NoError(t, h.engine.WaitUntilFinished(ctx))

	val, ok, err := h.engine.Get(ctx, "early")
	require.NoError(t, err)
	require.True(t, ok, "a Set applied before Load's snapshot is installed must not be discarded")
	require.Equal(t, "value", val)
}

func TestPreloadTombstoneSurvivesLoadSnapshot(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	h1 := newHarness(t, root, "A", synctest.NewClock(1))
	require.NoError(t, h1.engine.LoadNow(ctx))
	require.NoError(t, h1.engine.Set(ctx, "k", "old"))
	require.NoError(t, h1.engine.TearDownNow(ctx))

	h2 := newHarness(t, root, "A", synctest.NewClock(100))
	require.NoError(t, h2.engine.Set(ctx, "k", nil))
	require.NoError(t, h2.engine.LoadNow(ctx))
	require.NoError(t, h2.engine.WaitUntilFinished(ctx))

	_, ok, err := h2.engine.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok, "a tombstone applied before Load completes must not be resurrected by the database scan")
}

func TestReentrantSyncNowFromMemoryQueueIsRejected(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	h := newHarness(t, root, "A", synctest.NewClock(1))
	require.NoError(t, h.engine.LoadNow(ctx))

	err := h.engine.RunTransaction(ctx, func(tx *Tx) error {
		return h.engine.SyncNow(tx.ctx)
	})
	require.Error(t, err)
}
