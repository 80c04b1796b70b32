package merge

import "github.com/synckv/synckv/plist"

// Change is one entry returned by a history query, with its blob already
// decoded.
type Change struct {
	Timestamp       int64
	ParentTimestamp int64 // clock.DistantPast sentinel means "none"
	Device          string
	Key             string
	Value           plist.Value
}

// SyncSnapshot is the applied subset of an incremental sync, used to build
// the DidSync notification payload.
type SyncSnapshot struct {
	Values     map[string]plist.Value
	Timestamps map[string]int64
}
