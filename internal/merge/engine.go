// Package merge implements the MergeEngine: the in-memory current-value
// view, the two-queue concurrency discipline that keeps it consistent with
// the on-disk per-device log databases, and the incremental sync algorithm
// that merges concurrent peer writes under last-writer-wins.
//
// Grounded on internal/engine/engine.go's queue-owned-state shape, split
// here into two labelled executor.Queue instances ("memory" and
// "database") instead of the teacher's one. The invariant that makes the
// design deadlock-safe: the memory queue never synchronously enters the
// database queue; the database queue may only ever reach into the memory
// queue asynchronously.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synckv/synckv/internal/clock"
	"github.com/synckv/synckv/internal/executor"
	"github.com/synckv/synckv/internal/filepkg"
	"github.com/synckv/synckv/internal/logdb"
	"github.com/synckv/synckv/internal/notify"
	"github.com/synckv/synckv/internal/watch"
	"github.com/synckv/synckv/plist"
)

// Clock supplies the monotonic microsecond timestamps log rows are stamped
// with. *clock.Source satisfies it in production; tests substitute
// internal/synctest.Clock for exact, repeatable timestamps.
type Clock interface {
	Now() int64
}

// Engine owns a store's memory-queue and database-queue state and
// implements every MergeEngine operation against them.
type Engine struct {
	logger *slog.Logger
	clock  Clock
	bus    *notify.Bus
	pkg    *filepkg.Package
	watch  *watch.Source

	localID    string
	projection map[string]struct{}

	autoCloseDelay time.Duration
	saveDelay      time.Duration
	saveFloor      time.Duration
	syncDebounce   time.Duration

	memQ *executor.Queue
	dbQ  *executor.Queue

	// memory-queue-owned; touched only from tasks running on memQ.
	current    map[string]plist.Value
	keyTS      map[string]int64
	loadedFlag bool
	deletedFlag bool

	// preloadBuffer/preloadBufferTS hold every Set/SetMany write applied
	// while loadedFlag is false, keyed the same as current/keyTS (a nil
	// value buffers a tombstone). The first snapshot install (loadTask, or
	// syncTask's first-load path) replays this buffer on top of the
	// database-derived snapshot instead of overwriting it, per spec.md's
	// "set... loaded (else value is buffered and written post-load)".
	// memory-queue-owned; cleared once replayed or on tear-down.
	preloadBuffer   map[string]plist.Value
	preloadBufferTS map[string]int64

	// database-queue-owned; touched only from tasks running on dbQ.
	localDB            *logdb.DB
	foreignDBs         map[string]*logdb.DB
	cursors            map[string]int64
	keyTSDB            map[string]int64
	foreignCountBefore int
	pendingBatch       []logdb.Entry
	dbLoaded           bool
	dbDeleted          bool
	watchStarted       bool
}

// New creates an Engine. localID identifies the local (writable) device;
// pkg must already resolve read-write/read-only database paths for it.
func New(pkg *filepkg.Package, localID string, clockSrc Clock, mgr *executor.Manager, bus *notify.Bus, watchSrc *watch.Source, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:         logger,
		clock:          clockSrc,
		bus:            bus,
		pkg:            pkg,
		watch:          watchSrc,
		localID:        localID,
		projection:     cfg.Projection,
		autoCloseDelay: withDefault(cfg.AutoCloseDelay, defaultAutoCloseDelay),
		saveDelay:      withDefault(cfg.SaveDelay, defaultSaveDelay),
		saveFloor:      withDefault(cfg.SaveFloor, defaultSaveFloor),
		syncDebounce:   withDefault(cfg.SyncDebounce, defaultSyncDebounce),
		memQ:           mgr.Queue("memory", executor.ExecuteInline),
		dbQ:            mgr.Queue("database", executor.ExecuteInline),
		current:         make(map[string]plist.Value),
		keyTS:           make(map[string]int64),
		preloadBuffer:   make(map[string]plist.Value),
		preloadBufferTS: make(map[string]int64),
		foreignDBs:      make(map[string]*logdb.DB),
		cursors:        make(map[string]int64),
		keyTSDB:        make(map[string]int64),
	}
}

func reentrantErr(ctx context.Context) error {
	return errors.Join(ErrReentrant, fmt.Errorf("merge: context %v", ctx))
}

// Load asynchronously opens every database and performs the initial full
// scan (SPEC_FULL.md §4.7.1).
func (e *Engine) Load(ctx context.Context) {
	e.dbQ.SubmitAsync(ctx, func(ctx context.Context) {
		if err := e.loadTask(ctx); err != nil {
			e.logger.Warn("merge: load failed", slog.Any("error", err))
		}
	})
}

// LoadNow runs Load synchronously.
func (e *Engine) LoadNow(ctx context.Context) error {
	if e.memQ.InCurrentStack(ctx) {
		return reentrantErr(ctx)
	}
	return e.dbQ.SubmitSync(ctx, e.loadTask)
}

func (e *Engine) loadTask(ctx context.Context) error {
	if err := e.pkg.Prepare(); err != nil {
		if errors.Is(err, filepkg.ErrCorruptPackage) {
			return errors.Join(ErrCorruption, err)
		}
		return errors.Join(ErrIO, err)
	}

	localDB, err := logdb.Open(e.pkg.ResolveReadWrite(), false, e.logger)
	if err != nil {
		return errors.Join(ErrIO, err)
	}

	foreignIDs, err := e.pkg.EnumerateForeignDevices()
	if err != nil {
		localDB.Close()
		return errors.Join(ErrIO, err)
	}

	foreignDBs := make(map[string]*logdb.DB, len(foreignIDs))
	for _, id := range foreignIDs {
		db, openErr := logdb.Open(e.pkg.ResolveReadonly(id), true, e.logger)
		if openErr != nil {
			e.logger.Warn("merge: skipping unreadable foreign database", slog.String("device", id), slog.Any("error", openErr))
			continue
		}
		foreignDBs[id] = db
	}

	e.localDB = localDB
	e.foreignDBs = foreignDBs
	e.foreignCountBefore = len(foreignDBs)

	scans, err := e.scanAll(ctx, clock.DistantPast)
	if err != nil {
		return errors.Join(ErrIO, err)
	}

	values, keyTS, _, _ := mergeScans(scans)
	e.cursors = mergeCursors(make(map[string]int64), scans)
	e.keyTSDB = make(map[string]int64, len(keyTS))
	for k, v := range keyTS {
		e.keyTSDB[k] = v
	}
	e.dbLoaded = true

	current, ts := splitTombstones(values, keyTS)
	e.memQ.SubmitAsync(ctx, func(ctx context.Context) {
		e.replayPreloadBufferLocked(current, ts)
		e.current = current
		e.keyTS = ts
		e.loadedFlag = true
		e.bus.Post(notify.Event{Kind: notify.DidLoad})
	})

	e.startWatching()
	e.touchAutoClose(ctx)
	return nil
}

func (e *Engine) startWatching() {
	if e.watch == nil || e.watchStarted {
		return
	}
	e.watchStarted = true
	e.watch.Start(e.scheduleSync, func(string) { e.scheduleSync() })
	if err := e.watch.WatchDevicesRoot(e.pkg.DevicesPath()); err != nil {
		e.logger.Warn("merge: watch devices root failed", slog.Any("error", err))
	}
	for id := range e.foreignDBs {
		if err := e.watch.WatchForeignDir(e.pkg.DeviceLogDir(id)); err != nil {
			e.logger.Warn("merge: watch foreign dir failed", slog.String("device", id), slog.Any("error", err))
		}
	}
}

func (e *Engine) scheduleSync() {
	e.dbQ.ScheduleTimer("incremental_sync", e.syncDebounce, executor.Coalesce, func(ctx context.Context) {
		if err := e.syncTask(ctx); err != nil {
			e.logger.Warn("merge: incremental sync failed", slog.Any("error", err))
		}
	})
}

// splitTombstones removes tombstoned keys (a decoded nil value) from the
// view the memory queue publishes, per the resolved tombstone semantics in
// SPEC_FULL.md §9.
func splitTombstones(values map[string]plist.Value, keyTS map[string]int64) (map[string]plist.Value, map[string]int64) {
	current := make(map[string]plist.Value, len(values))
	ts := make(map[string]int64, len(keyTS))
	for k, v := range values {
		if v == nil {
			continue
		}
		current[k] = v
		ts[k] = keyTS[k]
	}
	return current, ts
}

// replayPreloadBufferLocked overlays buffered pre-load writes onto a
// database-derived snapshot (current/ts, both owned by the caller) and
// clears the buffer. Must only run on the memory queue. A buffered write
// wins ties against the snapshot's timestamp for the same key: it reflects
// client intent the scan could not have observed, since it was still
// waiting to be appended to the log when the scan ran.
func (e *Engine) replayPreloadBufferLocked(current map[string]plist.Value, ts map[string]int64) {
	for key, val := range e.preloadBuffer {
		newTS := e.preloadBufferTS[key]
		if existing, ok := ts[key]; ok && existing > newTS {
			continue
		}
		if val == nil {
			delete(current, key)
			delete(ts, key)
		} else {
			current[key] = val
			ts[key] = newTS
		}
	}
	e.preloadBuffer = make(map[string]plist.Value)
	e.preloadBufferTS = make(map[string]int64)
}

type dbTarget struct {
	id      string
	foreign bool
	db      *logdb.DB
}

func (e *Engine) targets() []dbTarget {
	out := make([]dbTarget, 0, 1+len(e.foreignDBs))
	out = append(out, dbTarget{id: e.localID, foreign: false, db: e.localDB})
	for id, db := range e.foreignDBs {
		out = append(out, dbTarget{id: id, foreign: true, db: db})
	}
	return out
}

func (e *Engine) dbFor(id string) *logdb.DB {
	if id == e.localID {
		return e.localDB
	}
	return e.foreignDBs[id]
}

func (e *Engine) scanAll(ctx context.Context, after int64) ([]scanResult, error) {
	targets := e.targets()
	results := make([]scanResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			r, err := scanDatabase(gctx, t.id, t.foreign, t.db, after, e.projection, e.logger)
			if err != nil {
				return fmt.Errorf("scan %s: %w", t.id, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// refreshForeignDatabases re-enumerates devices/, opening newly discovered
// foreign databases and closing ones that vanished. Returns whether the
// foreign count grew since the previous refresh (SPEC_FULL.md §4.7.3 step 2).
func (e *Engine) refreshForeignDatabases(ctx context.Context) (bool, error) {
	ids, err := e.pkg.EnumerateForeignDevices()
	if err != nil {
		return false, err
	}
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	for _, id := range ids {
		if _, exists := e.foreignDBs[id]; exists {
			continue
		}
		db, openErr := logdb.Open(e.pkg.ResolveReadonly(id), true, e.logger)
		if openErr != nil {
			e.logger.Warn("merge: skipping unreadable foreign database", slog.String("device", id), slog.Any("error", openErr))
			continue
		}
		e.foreignDBs[id] = db
		e.cursors[id] = clock.DistantPast
		if e.watch != nil {
			if err := e.watch.WatchForeignDir(e.pkg.DeviceLogDir(id)); err != nil {
				e.logger.Warn("merge: watch new foreign dir failed", slog.String("device", id), slog.Any("error", err))
			}
		}
	}
	for id, db := range e.foreignDBs {
		if _, stillPresent := idSet[id]; stillPresent {
			continue
		}
		db.Close()
		delete(e.foreignDBs, id)
		delete(e.cursors, id)
		if e.watch != nil {
			e.watch.UnwatchForeignDir(e.pkg.DeviceLogDir(id))
		}
	}

	newPeerAdded := len(idSet) > e.foreignCountBefore
	e.foreignCountBefore = len(idSet)
	return newPeerAdded, nil
}

// Sync schedules an incremental sync on the database queue's debounce timer.
func (e *Engine) Sync(ctx context.Context) {
	e.scheduleSync()
}

// SyncNow runs an incremental sync synchronously.
func (e *Engine) SyncNow(ctx context.Context) error {
	if e.memQ.InCurrentStack(ctx) {
		return reentrantErr(ctx)
	}
	return e.dbQ.SubmitSync(ctx, e.syncTask)
}

func (e *Engine) syncTask(ctx context.Context) error {
	if e.dbDeleted {
		return ErrDeleted
	}
	if e.dbLoaded && !e.pkg.Exists() {
		e.dbDeleted = true
		e.memQ.SubmitAsync(ctx, func(ctx context.Context) {
			e.deletedFlag = true
			e.bus.Post(notify.Event{Kind: notify.DidDelete})
		})
		return ErrDeleted
	}

	newPeerAdded, err := e.refreshForeignDatabases(ctx)
	if err != nil {
		return errors.Join(ErrIO, err)
	}

	var limit int64
	if newPeerAdded {
		limit = minTimestamp(e.keyTSDB)
	} else {
		limit = minTimestamp(e.cursors)
	}

	scans, err := e.scanAll(ctx, limit)
	if err != nil {
		return errors.Join(ErrIO, err)
	}

	values, keyTS, _, hasForeign := mergeScans(scans)
	e.cursors = mergeCursors(e.cursors, scans)
	for k, v := range keyTS {
		e.keyTSDB[k] = v
	}

	if !e.dbLoaded {
		e.dbLoaded = true
		current, ts := splitTombstones(values, keyTS)
		e.memQ.SubmitAsync(ctx, func(ctx context.Context) {
			e.replayPreloadBufferLocked(current, ts)
			e.current = current
			e.keyTS = ts
			e.loadedFlag = true
			e.bus.Post(notify.Event{Kind: notify.DidLoad})
		})
	} else if hasForeign && len(keyTS) > 0 {
		e.memQ.SubmitAsync(ctx, func(ctx context.Context) {
			applied := e.applyConflictAwareMergeLocked(values, keyTS)
			if len(applied.Values) > 0 {
				e.bus.Post(notify.Event{Kind: notify.DidSync, Values: applied.Values, Timestamps: applied.Timestamps})
			}
		})
	}

	e.touchAutoClose(ctx)
	return nil
}

// applyConflictAwareMergeLocked must only be called from a task already
// running on the memory queue.
func (e *Engine) applyConflictAwareMergeLocked(values map[string]plist.Value, keyTS map[string]int64) SyncSnapshot {
	applied := SyncSnapshot{Values: make(map[string]plist.Value), Timestamps: make(map[string]int64)}
	for key, newTS := range keyTS {
		if existing, ok := e.keyTS[key]; ok && existing >= newTS {
			continue
		}
		val := values[key]
		if val == nil {
			delete(e.current, key)
			delete(e.keyTS, key)
		} else {
			e.current[key] = val
			e.keyTS[key] = newTS
		}
		applied.Values[key] = val
		applied.Timestamps[key] = newTS
	}
	return applied
}
