package synckv

import (
	"errors"
	"fmt"

	"github.com/synckv/synckv/internal/merge"
)

// Code identifies the seven kinds of StoreError (spec.md §7).
type Code int

const (
	CorruptPackage Code = iota
	IoFailure
	Encoding
	ReentrantMisuse
	NotLoaded
	Conflict
	Deleted
)

func (c Code) String() string {
	switch c {
	case CorruptPackage:
		return "CorruptPackage"
	case IoFailure:
		return "IoFailure"
	case Encoding:
		return "Encoding"
	case ReentrantMisuse:
		return "ReentrantMisuse"
	case NotLoaded:
		return "NotLoaded"
	case Conflict:
		return "Conflict"
	case Deleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// StoreError is the coded error type every Store operation returns,
// modeled on the teacher's engine.RuntimeError: a Code enum plus the
// wrapped cause.
type StoreError struct {
	Code Code
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("synckv: %s: %v", e.Code, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// classify wraps err (as returned by internal/merge) into a StoreError,
// matching its sentinel kind against the seven public codes. Returns nil
// for a nil err.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, merge.ErrCorruption):
		return &StoreError{Code: CorruptPackage, Err: err}
	case errors.Is(err, merge.ErrIO):
		return &StoreError{Code: IoFailure, Err: err}
	case errors.Is(err, merge.ErrEncoding):
		return &StoreError{Code: Encoding, Err: err}
	case errors.Is(err, merge.ErrReentrant):
		return &StoreError{Code: ReentrantMisuse, Err: err}
	case errors.Is(err, merge.ErrNotLoaded):
		return &StoreError{Code: NotLoaded, Err: err}
	case errors.Is(err, merge.ErrConflict):
		return &StoreError{Code: Conflict, Err: err}
	case errors.Is(err, merge.ErrDeleted):
		return &StoreError{Code: Deleted, Err: err}
	default:
		return &StoreError{Code: IoFailure, Err: err}
	}
}

// IsCorruptPackage reports whether err (or a wrapped cause) is CorruptPackage.
func IsCorruptPackage(err error) bool { return hasCode(err, CorruptPackage) }

// IsIoFailure reports whether err (or a wrapped cause) is IoFailure.
func IsIoFailure(err error) bool { return hasCode(err, IoFailure) }

// IsEncoding reports whether err (or a wrapped cause) is Encoding.
func IsEncoding(err error) bool { return hasCode(err, Encoding) }

// IsReentrantMisuse reports whether err (or a wrapped cause) is ReentrantMisuse.
func IsReentrantMisuse(err error) bool { return hasCode(err, ReentrantMisuse) }

// IsNotLoaded reports whether err (or a wrapped cause) is NotLoaded.
func IsNotLoaded(err error) bool { return hasCode(err, NotLoaded) }

// IsConflict reports whether err (or a wrapped cause) is Conflict.
func IsConflict(err error) bool { return hasCode(err, Conflict) }

// IsDeleted reports whether err (or a wrapped cause) is Deleted.
func IsDeleted(err error) bool { return hasCode(err, Deleted) }

func hasCode(err error, code Code) bool {
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == code
}
