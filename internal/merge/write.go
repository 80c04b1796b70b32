package merge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/synckv/synckv/internal/clock"
	"github.com/synckv/synckv/internal/executor"
	"github.com/synckv/synckv/internal/logdb"
	"github.com/synckv/synckv/internal/notify"
	"github.com/synckv/synckv/plist"
)

// Set applies a single client write (SPEC_FULL.md §4.7.2). A nil value is
// an explicit delete: it tombstones the key.
func (e *Engine) Set(ctx context.Context, key string, val plist.Value) error {
	return e.memQ.SubmitSync(ctx, func(ctx context.Context) error {
		return e.setLocked(ctx, key, val)
	})
}

func (e *Engine) setLocked(ctx context.Context, key string, val plist.Value) error {
	var blob []byte
	if val != nil {
		b, err := plist.Encode(val)
		if err != nil {
			return errors.Join(ErrEncoding, err)
		}
		blob = b
	}

	newTS := e.clock.Now()
	oldTS, hadOld := e.keyTS[key]
	parent := clock.DistantPast
	if hadOld {
		parent = oldTS
	}

	if val == nil {
		delete(e.current, key)
		delete(e.keyTS, key)
	} else {
		e.current[key] = val
		e.keyTS[key] = newTS
	}
	if !e.loadedFlag {
		e.preloadBuffer[key] = val
		e.preloadBufferTS[key] = newTS
	}

	e.bus.Post(notify.Event{
		Kind:       notify.DidChange,
		Values:     map[string]any{key: val},
		Timestamps: map[string]int64{key: newTS},
	})

	entry := logdb.Entry{Timestamp: newTS, ParentTimestamp: parent, Key: key, Blob: blob}
	e.dbQ.SubmitAsync(ctx, func(ctx context.Context) {
		e.enqueueAppend(ctx, entry)
	})
	return nil
}

// SetMany applies a batch of writes under one shared timestamp. Keys whose
// value fails to encode are skipped and logged; the rest still apply.
func (e *Engine) SetMany(ctx context.Context, values map[string]plist.Value) error {
	return e.memQ.SubmitSync(ctx, func(ctx context.Context) error {
		return e.setManyLocked(ctx, values)
	})
}

func (e *Engine) setManyLocked(ctx context.Context, values map[string]plist.Value) error {
	newTS := e.clock.Now()
	changedValues := make(map[string]any, len(values))
	changedTS := make(map[string]int64, len(values))
	entries := make([]logdb.Entry, 0, len(values))

	for key, val := range values {
		var blob []byte
		if val != nil {
			b, err := plist.Encode(val)
			if err != nil {
				e.logger.Warn("merge: skipping key with unencodable value", slog.String("key", key), slog.Any("error", err))
				continue
			}
			blob = b
		}

		oldTS, hadOld := e.keyTS[key]
		parent := clock.DistantPast
		if hadOld {
			parent = oldTS
		}

		if val == nil {
			delete(e.current, key)
			delete(e.keyTS, key)
		} else {
			e.current[key] = val
			e.keyTS[key] = newTS
		}
		if !e.loadedFlag {
			e.preloadBuffer[key] = val
			e.preloadBufferTS[key] = newTS
		}

		changedValues[key] = val
		changedTS[key] = newTS
		entries = append(entries, logdb.Entry{Timestamp: newTS, ParentTimestamp: parent, Key: key, Blob: blob})
	}

	if len(entries) == 0 {
		return nil
	}

	e.bus.Post(notify.Event{Kind: notify.DidChange, Values: changedValues, Timestamps: changedTS})
	e.dbQ.SubmitAsync(ctx, func(ctx context.Context) {
		for _, entry := range entries {
			e.enqueueAppend(ctx, entry)
		}
	})
	return nil
}

// Get returns the current value for key and whether it is present.
func (e *Engine) Get(ctx context.Context, key string) (plist.Value, bool, error) {
	var val plist.Value
	var ok bool
	err := e.memQ.SubmitSync(ctx, func(ctx context.Context) error {
		val, ok = e.current[key]
		return nil
	})
	return val, ok, err
}

// AllEntries returns a snapshot copy of the current view.
func (e *Engine) AllEntries(ctx context.Context) (map[string]plist.Value, error) {
	out := make(map[string]plist.Value)
	err := e.memQ.SubmitSync(ctx, func(ctx context.Context) error {
		for k, v := range e.current {
			out[k] = v
		}
		return nil
	})
	return out, err
}

// Tx is the handle RunTransaction gives its callback: Get/Set run directly
// against engine state, already inside the memory queue's task.
type Tx struct {
	engine *Engine
	ctx    context.Context
}

// Get reads key without resubmitting to the memory queue.
func (t *Tx) Get(key string) (plist.Value, bool) {
	v, ok := t.engine.current[key]
	return v, ok
}

// Set writes key without resubmitting to the memory queue.
func (t *Tx) Set(key string, val plist.Value) error {
	return t.engine.setLocked(t.ctx, key, val)
}

// AllEntries returns a snapshot copy of the current view.
func (t *Tx) AllEntries() map[string]plist.Value {
	out := make(map[string]plist.Value, len(t.engine.current))
	for k, v := range t.engine.current {
		out[k] = v
	}
	return out
}

// RunTransaction runs fn synchronously on the memory queue, giving it
// direct (non-reentrant-submitting) access to current state.
func (e *Engine) RunTransaction(ctx context.Context, fn func(*Tx) error) error {
	return e.memQ.SubmitSync(ctx, func(ctx context.Context) error {
		return fn(&Tx{engine: e, ctx: ctx})
	})
}

// enqueueAppend buffers entry for the next coalesced save and (re)schedules
// the save-delay/save-floor timer pair (SPEC_FULL.md §4.7.5). Must run on
// the database queue.
func (e *Engine) enqueueAppend(ctx context.Context, entry logdb.Entry) {
	e.pendingBatch = append(e.pendingBatch, entry)
	if cur, ok := e.cursors[e.localID]; !ok || entry.Timestamp > cur {
		e.cursors[e.localID] = entry.Timestamp
	}
	e.keyTSDB[entry.Key] = entry.Timestamp

	e.dbQ.ScheduleTimer("save-delay", e.saveDelay, executor.Delay, func(ctx context.Context) {
		if err := e.saveTask(ctx); err != nil {
			e.logger.Warn("merge: coalesced save failed", slog.Any("error", err))
		}
	})
	e.dbQ.ScheduleTimer("save-floor", e.saveFloor, executor.Coalesce, func(ctx context.Context) {
		if err := e.saveTask(ctx); err != nil {
			e.logger.Warn("merge: floor save failed", slog.Any("error", err))
		}
	})
	e.touchAutoClose(ctx)
}

func (e *Engine) saveTask(ctx context.Context) error {
	if len(e.pendingBatch) == 0 {
		return nil
	}
	batch := e.pendingBatch
	e.pendingBatch = nil
	if err := e.localDB.AppendBatch(ctx, batch); err != nil {
		e.pendingBatch = append(batch, e.pendingBatch...)
		return errors.Join(ErrIO, err)
	}
	e.localDB.Blink()
	e.dbQ.CancelTimer("save-delay")
	e.dbQ.CancelTimer("save-floor")
	e.touchAutoClose(ctx)
	return nil
}

// SaveNow flushes any pending coalesced writes synchronously.
func (e *Engine) SaveNow(ctx context.Context) error {
	if e.memQ.InCurrentStack(ctx) {
		return reentrantErr(ctx)
	}
	return e.dbQ.SubmitSync(ctx, e.saveTask)
}

func (e *Engine) touchAutoClose(ctx context.Context) {
	e.dbQ.ScheduleTimer("close_database", e.autoCloseDelay, executor.Delay, func(ctx context.Context) {
		if err := e.closeDatabasesTask(ctx); err != nil {
			e.logger.Warn("merge: auto-close failed", slog.Any("error", err))
		}
	})
}

func (e *Engine) closeDatabasesTask(ctx context.Context) error {
	if err := e.saveTask(ctx); err != nil {
		e.logger.Warn("merge: flush before close failed", slog.Any("error", err))
	}
	if e.localDB != nil {
		_ = e.localDB.Close()
	}
	for _, db := range e.foreignDBs {
		_ = db.Close()
	}
	return nil
}

// CloseDatabaseNow closes every open database handle synchronously; they
// reopen lazily on next use.
func (e *Engine) CloseDatabaseNow(ctx context.Context) error {
	if e.memQ.InCurrentStack(ctx) {
		return reentrantErr(ctx)
	}
	return e.dbQ.SubmitSync(ctx, e.closeDatabasesTask)
}

// TearDown asynchronously flushes, closes databases, stops watching, and
// clears in-memory state.
func (e *Engine) TearDown(ctx context.Context) {
	e.dbQ.SubmitAsync(ctx, func(ctx context.Context) {
		if err := e.tearDownTask(ctx); err != nil {
			e.logger.Warn("merge: tear down failed", slog.Any("error", err))
		}
	})
}

// TearDownNow runs TearDown synchronously.
func (e *Engine) TearDownNow(ctx context.Context) error {
	if e.memQ.InCurrentStack(ctx) {
		return reentrantErr(ctx)
	}
	return e.dbQ.SubmitSync(ctx, e.tearDownTask)
}

func (e *Engine) tearDownTask(ctx context.Context) error {
	e.dbQ.CancelTimer("close_database")
	e.dbQ.CancelTimer("save-delay")
	e.dbQ.CancelTimer("save-floor")
	e.dbQ.CancelTimer("incremental_sync")

	saveErr := e.saveTask(ctx)

	if e.localDB != nil {
		_ = e.localDB.Close()
	}
	for _, db := range e.foreignDBs {
		_ = db.Close()
	}
	if e.watch != nil {
		_ = e.watch.Close()
	}
	e.dbLoaded = false
	e.watchStarted = false

	e.memQ.SubmitAsync(ctx, func(ctx context.Context) {
		e.current = make(map[string]plist.Value)
		e.keyTS = make(map[string]int64)
		e.preloadBuffer = make(map[string]plist.Value)
		e.preloadBufferTS = make(map[string]int64)
		e.loadedFlag = false
		e.bus.Post(notify.Event{Kind: notify.DidTearDown})
	})

	if saveErr != nil {
		return saveErr
	}
	return nil
}

// Loaded reports whether the memory queue has published a full snapshot.
func (e *Engine) Loaded(ctx context.Context) bool {
	var loaded bool
	_ = e.memQ.SubmitSync(ctx, func(ctx context.Context) error {
		loaded = e.loadedFlag
		return nil
	})
	return loaded
}

// Deleted reports whether the store has observed its package disappear.
func (e *Engine) Deleted(ctx context.Context) bool {
	var deleted bool
	_ = e.memQ.SubmitSync(ctx, func(ctx context.Context) error {
		deleted = e.deletedFlag
		return nil
	})
	return deleted
}

// WaitUntilFinished drains the memory queue, then the database queue, then
// the notification bus, so a caller can observe a quiescent state.
func (e *Engine) WaitUntilFinished(ctx context.Context) error {
	if e.memQ.InCurrentStack(ctx) {
		return reentrantErr(ctx)
	}
	if err := e.memQ.SubmitSync(ctx, func(ctx context.Context) error { return nil }); err != nil {
		return err
	}
	if err := e.dbQ.SubmitSync(ctx, func(ctx context.Context) error { return nil }); err != nil {
		return err
	}
	return e.bus.Drain(ctx)
}
