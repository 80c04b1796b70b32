package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/synckv/synckv/internal/clock"
	"github.com/synckv/synckv/internal/logdb"
	"github.com/synckv/synckv/plist"
)

// FetchChanges flushes pending writes, then queries every in-scope database
// in ascending timestamp order (SPEC_FULL.md §4.7.7). since/until/device
// nil means unbounded/all-devices.
func (e *Engine) FetchChanges(ctx context.Context, since, until *int64, device *string) ([]Change, error) {
	if e.memQ.InCurrentStack(ctx) {
		return nil, reentrantErr(ctx)
	}
	var out []Change
	err := e.dbQ.SubmitSync(ctx, func(ctx context.Context) error {
		if err := e.saveTask(ctx); err != nil {
			return err
		}

		from := clock.DistantPast
		if since != nil {
			from = *since
		}
		to := clock.DistantFuture
		if until != nil {
			to = *until
		}

		for _, t := range e.scopedTargets(device) {
			entries, err := t.db.FetchRange(ctx, from, to)
			if err != nil {
				return errors.Join(ErrIO, err)
			}
			for _, en := range entries {
				val, decErr := plist.Decode(en.Blob)
				if decErr != nil {
					e.logger.Warn("merge: skipping undecodable history row",
						slog.String("device", t.id), slog.String("key", en.Key), slog.Any("error", decErr))
					continue
				}
				out = append(out, Change{
					Timestamp:       en.Timestamp,
					ParentTimestamp: en.ParentTimestamp,
					Device:          t.id,
					Key:             en.Key,
					Value:           val,
				})
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Timestamp != out[j].Timestamp {
				return out[i].Timestamp < out[j].Timestamp
			}
			return out[i].Key < out[j].Key
		})
		e.touchAutoClose(ctx)
		return nil
	})
	return out, err
}

// scopedTargets returns every database target, or only the one matching
// device if non-nil.
func (e *Engine) scopedTargets(device *string) []dbTarget {
	all := e.targets()
	if device == nil {
		return all
	}
	for _, t := range all {
		if t.id == *device {
			return []dbTarget{t}
		}
	}
	return nil
}

// FetchPredecessors returns, for each change, the nearest older row sharing
// its key within the same device's log.
func (e *Engine) FetchPredecessors(ctx context.Context, changes []Change) ([]Change, error) {
	return e.fetchNeighbors(ctx, changes, false)
}

// FetchSuccessors returns, for each change, the nearest newer row sharing
// its key within the same device's log.
func (e *Engine) FetchSuccessors(ctx context.Context, changes []Change) ([]Change, error) {
	return e.fetchNeighbors(ctx, changes, true)
}

func (e *Engine) fetchNeighbors(ctx context.Context, changes []Change, after bool) ([]Change, error) {
	if e.memQ.InCurrentStack(ctx) {
		return nil, reentrantErr(ctx)
	}
	var out []Change
	err := e.dbQ.SubmitSync(ctx, func(ctx context.Context) error {
		for _, c := range changes {
			db := e.dbFor(c.Device)
			if db == nil {
				continue
			}
			var (
				neighbor logdb.Entry
				ok       bool
				err      error
			)
			if after {
				neighbor, ok, err = db.NeighborAfter(ctx, c.Key, c.Timestamp)
			} else {
				neighbor, ok, err = db.NeighborBefore(ctx, c.Key, c.Timestamp)
			}
			if err != nil {
				return errors.Join(ErrIO, err)
			}
			if !ok {
				continue
			}
			val, decErr := plist.Decode(neighbor.Blob)
			if decErr != nil {
				e.logger.Warn("merge: skipping undecodable neighbor row",
					slog.String("device", c.Device), slog.String("key", neighbor.Key), slog.Any("error", decErr))
				continue
			}
			out = append(out, Change{
				Timestamp:       neighbor.Timestamp,
				ParentTimestamp: neighbor.ParentTimestamp,
				Device:          c.Device,
				Key:             neighbor.Key,
				Value:           val,
			})
		}
		e.touchAutoClose(ctx)
		return nil
	})
	return out, err
}

// InsertChanges imports changes into device's database (SPEC_FULL.md
// §4.7.8). In append-only mode, changes at or before the device's current
// cursor are skipped; ErrConflict is returned only when every change in a
// non-empty batch was filtered out. In overwrite mode, rows already present
// at (timestamp, key) are skipped but nothing is rejected outright.
func (e *Engine) InsertChanges(ctx context.Context, changes []Change, device string, appendOnly bool) error {
	if e.memQ.InCurrentStack(ctx) {
		return reentrantErr(ctx)
	}
	return e.dbQ.SubmitSync(ctx, func(ctx context.Context) error {
		db := e.dbFor(device)
		if db == nil {
			return fmt.Errorf("merge: insert changes: unknown device %q", device)
		}

		writable := db
		if db.ReadOnly() {
			wdb, err := logdb.Open(db.Path(), false, e.logger)
			if err != nil {
				return errors.Join(ErrIO, err)
			}
			defer wdb.Close()
			writable = wdb
		}

		cursor := e.cursors[device]
		toInsert := make([]logdb.Entry, 0, len(changes))
		for _, c := range changes {
			if appendOnly && c.Timestamp <= cursor {
				continue
			}
			has, err := writable.HasRow(ctx, c.Timestamp, c.Key)
			if err != nil {
				return errors.Join(ErrIO, err)
			}
			if has {
				continue
			}
			var blob []byte
			if c.Value != nil {
				b, err := plist.Encode(c.Value)
				if err != nil {
					return errors.Join(ErrEncoding, err)
				}
				blob = b
			}
			toInsert = append(toInsert, logdb.Entry{
				Timestamp:       c.Timestamp,
				ParentTimestamp: c.ParentTimestamp,
				Key:             c.Key,
				Blob:            blob,
			})
		}

		if appendOnly && len(changes) > 0 && len(toInsert) == 0 {
			return ErrConflict
		}
		if len(toInsert) == 0 {
			return nil
		}
		if err := writable.AppendBatch(ctx, toInsert); err != nil {
			return errors.Join(ErrIO, err)
		}
		writable.Blink()

		if maxTS, ok, err := writable.MaxTimestamp(ctx); err == nil && ok {
			if cur, exists := e.cursors[device]; !exists || maxTS > cur {
				e.cursors[device] = maxTS
			}
		}
		e.touchAutoClose(ctx)
		return nil
	})
}

// MostRecentTimestamps returns a snapshot copy of the cursor table.
func (e *Engine) MostRecentTimestamps(ctx context.Context) (map[string]int64, error) {
	if e.memQ.InCurrentStack(ctx) {
		return nil, reentrantErr(ctx)
	}
	out := make(map[string]int64)
	err := e.dbQ.SubmitSync(ctx, func(ctx context.Context) error {
		for k, v := range e.cursors {
			out[k] = v
		}
		return nil
	})
	return out, err
}

// MostRecentTimestampForDevice returns a single device's cursor.
func (e *Engine) MostRecentTimestampForDevice(ctx context.Context, device string) (int64, bool, error) {
	if e.memQ.InCurrentStack(ctx) {
		return 0, false, reentrantErr(ctx)
	}
	var ts int64
	var ok bool
	err := e.dbQ.SubmitSync(ctx, func(ctx context.Context) error {
		ts, ok = e.cursors[device]
		return nil
	})
	return ts, ok, err
}
