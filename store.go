// Package synckv implements an embedded, multi-device, file-synced
// key-value store. Mutations become immutable, timestamped rows in a
// per-device append-only log; devices discover each other through a
// shared, file-synced package directory; every Store instance merges all
// peers' logs into one in-memory current-value view under
// last-writer-wins conflict resolution.
//
// Grounded on the teacher's internal/engine.Engine public method
// contracts (Enqueue, NewFlow): which queue a call routes to and which
// preconditions it enforces, here delegated almost entirely to
// internal/merge.Engine.
package synckv

import (
	"context"
	"log/slog"

	"github.com/synckv/synckv/internal/clock"
	"github.com/synckv/synckv/internal/executor"
	"github.com/synckv/synckv/internal/filepkg"
	"github.com/synckv/synckv/internal/merge"
	"github.com/synckv/synckv/internal/notify"
	"github.com/synckv/synckv/internal/watch"
	"github.com/synckv/synckv/plist"
)

// Store is the StoreFacade: the public entry point for one device's view
// of a package directory (spec.md §4.8).
type Store struct {
	root     string
	deviceID string
	logger   *slog.Logger

	engine *merge.Engine
	mgr    *executor.Manager
	bus    *notify.Bus
	watch  *watch.Source
}

// Open constructs a Store for the package at root, writing as deviceID.
// Open touches no disk; call Load or LoadNow to materialize the on-disk
// layout and perform the initial scan.
func Open(root, deviceID string, opts ...Option) (*Store, error) {
	cfg := newConfig(opts)

	pkg := filepkg.Open(root, deviceID)
	pkg.Logger = cfg.logger
	if cfg.coordinationTimeout > 0 {
		pkg.CoordinationTimeout = cfg.coordinationTimeout
	}

	mgr := executor.NewManager(cfg.logger)
	bus := notify.New(mgr, "notify")

	ws, err := watch.New(pkg.DeviceLogDir(deviceID), cfg.logger)
	if err != nil {
		mgr.CloseAll()
		return nil, classify(err)
	}

	eng := merge.New(pkg, deviceID, clock.New(), mgr, bus, ws, cfg.mergeConfig(), cfg.logger)

	return &Store{
		root:     root,
		deviceID: deviceID,
		logger:   cfg.logger,
		engine:   eng,
		mgr:      mgr,
		bus:      bus,
		watch:    ws,
	}, nil
}

// Load asynchronously opens every device's database and performs the
// initial full scan, emitting DidLoad on success.
func (s *Store) Load(ctx context.Context) {
	s.engine.Load(ctx)
}

// LoadNow runs Load synchronously. Fails with ReentrantMisuse if called
// from within a memory-queue task (e.g. inside RunTransaction).
func (s *Store) LoadNow(ctx context.Context) error {
	return classify(s.engine.LoadNow(ctx))
}

// Set applies a single write. A nil value tombstones the key. Before the
// store has finished loading, the write is buffered and applied once
// Load completes — Set never itself fails with NotLoaded.
func (s *Store) Set(ctx context.Context, key string, val plist.Value) error {
	return classify(s.engine.Set(ctx, key, val))
}

// SetMany applies a batch of writes under one shared timestamp.
func (s *Store) SetMany(ctx context.Context, values map[string]plist.Value) error {
	return classify(s.engine.SetMany(ctx, values))
}

// Get returns the current value for key and whether it is present.
func (s *Store) Get(ctx context.Context, key string) (plist.Value, bool, error) {
	v, ok, err := s.engine.Get(ctx, key)
	return v, ok, classify(err)
}

// AllEntries returns a snapshot copy of the current view.
func (s *Store) AllEntries(ctx context.Context) (map[string]plist.Value, error) {
	m, err := s.engine.AllEntries(ctx)
	return m, classify(err)
}

// Tx is the handle RunTransaction's callback receives.
type Tx struct{ tx *merge.Tx }

// Get reads key without resubmitting to the memory queue.
func (t *Tx) Get(key string) (plist.Value, bool) { return t.tx.Get(key) }

// Set writes key without resubmitting to the memory queue.
func (t *Tx) Set(key string, val plist.Value) error { return classify(t.tx.Set(key, val)) }

// AllEntries returns a snapshot copy of the current view.
func (t *Tx) AllEntries() map[string]plist.Value { return t.tx.AllEntries() }

// RunTransaction runs fn synchronously on the memory queue, giving it
// direct access to the current view without resubmitting.
func (s *Store) RunTransaction(ctx context.Context, fn func(*Tx) error) error {
	return classify(s.engine.RunTransaction(ctx, func(mtx *merge.Tx) error {
		return fn(&Tx{tx: mtx})
	}))
}

// Sync schedules an incremental sync on the debounce timer, the same
// path a WatchSource event takes.
func (s *Store) Sync(ctx context.Context) {
	s.engine.Sync(ctx)
}

// SyncNow runs an incremental sync synchronously. Fails with
// ReentrantMisuse if called from within a memory-queue task.
func (s *Store) SyncNow(ctx context.Context) error {
	return classify(s.engine.SyncNow(ctx))
}

// SaveNow flushes any pending coalesced writes synchronously.
func (s *Store) SaveNow(ctx context.Context) error {
	return classify(s.engine.SaveNow(ctx))
}

// CloseDatabaseNow closes every open database handle synchronously; they
// reopen lazily on next use.
func (s *Store) CloseDatabaseNow(ctx context.Context) error {
	return classify(s.engine.CloseDatabaseNow(ctx))
}

// TearDown asynchronously flushes, closes databases, stops watching, and
// clears in-memory state, emitting DidTearDown.
func (s *Store) TearDown(ctx context.Context) {
	s.engine.TearDown(ctx)
}

// TearDownNow runs TearDown synchronously.
func (s *Store) TearDownNow(ctx context.Context) error {
	return classify(s.engine.TearDownNow(ctx))
}

// Change describes one historical log row (spec.md §4.7.7/§4.7.8).
type Change struct {
	Timestamp       int64
	ParentTimestamp int64
	Device          string
	Key             string
	Value           plist.Value
}

func fromMergeChange(c merge.Change) Change {
	return Change{Timestamp: c.Timestamp, ParentTimestamp: c.ParentTimestamp, Device: c.Device, Key: c.Key, Value: c.Value}
}

func toMergeChange(c Change) merge.Change {
	return merge.Change{Timestamp: c.Timestamp, ParentTimestamp: c.ParentTimestamp, Device: c.Device, Key: c.Key, Value: c.Value}
}

// FetchChanges returns every matching log row, oldest first. since, until,
// and device are optional filters; nil means unbounded/all-devices.
func (s *Store) FetchChanges(ctx context.Context, since, until *int64, device *string) ([]Change, error) {
	changes, err := s.engine.FetchChanges(ctx, since, until, device)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[i] = fromMergeChange(c)
	}
	return out, nil
}

// FetchPredecessors returns, for each change, the nearest older row
// sharing its key within the same device's log.
func (s *Store) FetchPredecessors(ctx context.Context, changes []Change) ([]Change, error) {
	in := make([]merge.Change, len(changes))
	for i, c := range changes {
		in[i] = toMergeChange(c)
	}
	res, err := s.engine.FetchPredecessors(ctx, in)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Change, len(res))
	for i, c := range res {
		out[i] = fromMergeChange(c)
	}
	return out, nil
}

// FetchSuccessors returns, for each change, the nearest newer row sharing
// its key within the same device's log.
func (s *Store) FetchSuccessors(ctx context.Context, changes []Change) ([]Change, error) {
	in := make([]merge.Change, len(changes))
	for i, c := range changes {
		in[i] = toMergeChange(c)
	}
	res, err := s.engine.FetchSuccessors(ctx, in)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Change, len(res))
	for i, c := range res {
		out[i] = fromMergeChange(c)
	}
	return out, nil
}

// InsertChanges imports changes into device's database. In append-only
// mode, rows at or before device's current cursor are skipped and
// Conflict is returned only if the entire non-empty batch was filtered
// out; in overwrite mode nothing is rejected outright.
func (s *Store) InsertChanges(ctx context.Context, changes []Change, device string, appendOnly bool) error {
	in := make([]merge.Change, len(changes))
	for i, c := range changes {
		in[i] = toMergeChange(c)
	}
	return classify(s.engine.InsertChanges(ctx, in, device, appendOnly))
}

// MostRecentTimestamps returns a snapshot copy of every device's cursor.
func (s *Store) MostRecentTimestamps(ctx context.Context) (map[string]int64, error) {
	m, err := s.engine.MostRecentTimestamps(ctx)
	return m, classify(err)
}

// MostRecentTimestampForDevice returns a single device's cursor.
func (s *Store) MostRecentTimestampForDevice(ctx context.Context, device string) (int64, bool, error) {
	ts, ok, err := s.engine.MostRecentTimestampForDevice(ctx, device)
	return ts, ok, classify(err)
}

// Loaded reports whether the store has published a full initial snapshot.
func (s *Store) Loaded(ctx context.Context) bool {
	return s.engine.Loaded(ctx)
}

// Deleted reports whether the store has observed its package directory
// disappear from disk.
func (s *Store) Deleted(ctx context.Context) bool {
	return s.engine.Deleted(ctx)
}

// WaitUntilFinished drains the memory queue, then the database queue,
// then the notification bus, so a caller can observe a quiescent state.
func (s *Store) WaitUntilFinished(ctx context.Context) error {
	return classify(s.engine.WaitUntilFinished(ctx))
}

// Close releases this Store's executor queues, including the
// notification bus's own delivery queue. Call after TearDownNow; a
// Store is not reusable afterward.
func (s *Store) Close() {
	s.mgr.CloseAll()
}
