package merge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/synckv/synckv/internal/clock"
	"github.com/synckv/synckv/internal/logdb"
	"github.com/synckv/synckv/plist"
)

// errStopScan is a private sentinel FetchAfter's callback returns once a
// KeySet projection has resolved every key of interest in a database,
// letting that database's scan stop early (SPEC_FULL.md §3.1).
var errStopScan = errors.New("merge: stop scan")

// scanResult is one database's contribution to a Load or incremental-sync
// pass.
type scanResult struct {
	deviceID   string
	foreign    bool
	values     map[string]plist.Value
	keyTS      map[string]int64
	newestSeen int64
	sawAny     bool
}

// scanDatabase streams db in descending timestamp order, decoding each row
// not yet seen in this pass. after is exclusive: only rows with
// timestamp > after are considered (pass clock.DistantPast for a full
// scan). projection, if non-nil, bounds which keys are materialized and
// lets the scan stop once every key of interest has been resolved.
func scanDatabase(ctx context.Context, deviceID string, foreign bool, db *logdb.DB, after int64, projection map[string]struct{}, logger *slog.Logger) (scanResult, error) {
	res := scanResult{deviceID: deviceID, foreign: foreign, values: make(map[string]plist.Value), keyTS: make(map[string]int64)}
	seen := make(map[string]struct{})

	remaining := map[string]struct{}(nil)
	if projection != nil {
		remaining = make(map[string]struct{}, len(projection))
		for k := range projection {
			remaining[k] = struct{}{}
		}
	}

	err := db.FetchAfter(ctx, after, logdb.Descending, 1000, func(e logdb.Entry) error {
		if !res.sawAny {
			res.sawAny = true
			res.newestSeen = e.Timestamp
		}

		if projection != nil {
			if _, wanted := projection[e.Key]; !wanted {
				return nil
			}
		}

		if _, dup := seen[e.Key]; dup {
			return nil
		}

		val, decErr := plist.Decode(e.Blob)
		if decErr != nil {
			logger.Warn("merge: skipping undecodable log row",
				slog.String("device", deviceID), slog.String("key", e.Key), slog.Int64("timestamp", e.Timestamp), slog.Any("error", decErr))
			return nil
		}

		seen[e.Key] = struct{}{}
		res.values[e.Key] = val
		res.keyTS[e.Key] = e.Timestamp

		if remaining != nil {
			delete(remaining, e.Key)
			if len(remaining) == 0 {
				return errStopScan
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return scanResult{}, err
	}
	return res, nil
}

// mergeScans combines per-database scan results into one logical view:
// for each key the entry with the greatest timestamp wins; ties are broken
// by the lexicographically greatest device identifier (an arbitrary but
// deterministic choice — see DESIGN.md). Returns whether any database
// flagged as foreign contributed at least one row.
func mergeScans(scans []scanResult) (values map[string]plist.Value, keyTS map[string]int64, winner map[string]string, hasForeign bool) {
	values = make(map[string]plist.Value)
	keyTS = make(map[string]int64)
	winner = make(map[string]string)

	for _, s := range scans {
		if s.foreign && len(s.values) > 0 {
			hasForeign = true
		}
		for key, val := range s.values {
			ts := s.keyTS[key]
			curTS, exists := keyTS[key]
			if !exists || ts > curTS || (ts == curTS && s.deviceID > winner[key]) {
				keyTS[key] = ts
				values[key] = val
				winner[key] = s.deviceID
			}
		}
	}
	return values, keyTS, winner, hasForeign
}

// mergeCursors folds per-database newestSeen results into an existing
// cursor table: a database that contributed no rows in this pass keeps its
// previous cursor value (or clock.DistantPast if it has none yet).
func mergeCursors(existing map[string]int64, scans []scanResult) map[string]int64 {
	out := make(map[string]int64, len(existing))
	for k, v := range existing {
		out[k] = v
	}
	for _, s := range scans {
		if s.sawAny {
			out[s.deviceID] = s.newestSeen
		} else if _, ok := out[s.deviceID]; !ok {
			out[s.deviceID] = clock.DistantPast
		}
	}
	return out
}

// minTimestamp returns the smallest value across a cursor-like table, or
// clock.DistantPast if the table is empty.
func minTimestamp(m map[string]int64) int64 {
	min := clock.DistantFuture
	any := false
	for _, v := range m {
		any = true
		if v < min {
			min = v
		}
	}
	if !any {
		return clock.DistantPast
	}
	return min
}
