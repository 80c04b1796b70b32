package merge

import "errors"

// Sentinel errors the root synckv package classifies into the seven
// StoreError kinds from SPEC_FULL.md §7. Each is joined (errors.Join) with
// the underlying cause so both errors.Is(err, merge.ErrIO) and the original
// message survive.
var (
	ErrNotLoaded  = errors.New("merge: store is not loaded")
	ErrDeleted    = errors.New("merge: package no longer exists on disk")
	ErrConflict   = errors.New("merge: insert_changes rejected a stale batch")
	ErrReentrant  = errors.New("merge: synchronous call attempted from within the memory queue's own stack")
	ErrIO         = errors.New("merge: io failure")
	ErrEncoding   = errors.New("merge: encoding failure")
	ErrCorruption = errors.New("merge: corrupt package")
)
