package synckv

import (
	"context"
	"fmt"
	"reflect"

	"github.com/synckv/synckv/plist"
)

// TypedKey is a thin, hand-written typed facade over Store.Get/Store.Set
// (SPEC_FULL.md §4.12, replacing the out-of-scope runtime accessor
// generator spec.md §9 describes): a string key plus a (de)serializer
// pair, with no new concurrency or storage semantics of its own.
type TypedKey[T any] struct {
	Key       string
	ToValue   func(T) (plist.Value, error)
	FromValue func(plist.Value) (T, error)
}

// NewTypedKey builds a TypedKey for a type whose Go value already is a
// valid plist.Value (string, bool, any integer/float width, []byte, and
// composites of these) — ToValue is an identity conversion; FromValue
// coerces numeric kinds (the CBOR codec round-trips a positive int64 as
// uint64) via reflect before falling back to a direct type assertion.
func NewTypedKey[T any](key string) TypedKey[T] {
	return TypedKey[T]{
		Key: key,
		ToValue: func(v T) (plist.Value, error) {
			return plist.Value(v), nil
		},
		FromValue: func(v plist.Value) (T, error) {
			return coerce[T](v)
		},
	}
}

func coerce[T any](v plist.Value) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	rv := reflect.ValueOf(v)
	rt := reflect.TypeOf(zero)
	if rt != nil && rv.CanConvert(rt) {
		return rv.Convert(rt).Interface().(T), nil
	}
	return zero, fmt.Errorf("synckv: value of type %T is not assignable to %T", v, zero)
}

// Get reads and decodes the key's current value. ok is false if the key
// is absent.
func (k TypedKey[T]) Get(ctx context.Context, s *Store) (T, bool, error) {
	var zero T
	raw, ok, err := s.Get(ctx, k.Key)
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := k.FromValue(raw)
	if err != nil {
		return zero, false, &StoreError{Code: Encoding, Err: err}
	}
	return v, true, nil
}

// Set encodes and writes val under the key.
func (k TypedKey[T]) Set(ctx context.Context, s *Store, val T) error {
	raw, err := k.ToValue(val)
	if err != nil {
		return &StoreError{Code: Encoding, Err: err}
	}
	return s.Set(ctx, k.Key, raw)
}
