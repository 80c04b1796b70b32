// Package plist implements the canonical binary property-list dialect used
// to serialize values stored in the log: scalars, byte strings, ordered
// sequences, and string-keyed mappings.
//
// Encoding uses canonical CBOR (RFC 8949 §4.2.1): map keys are sorted and
// integers use minimal-length encoding, so two encoders given the same
// logical value always produce the same bytes — required for interop
// between devices running different store implementations.
package plist

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Value is a decoded property-list value. Supported shapes are the Go zero
// values naturally produced by cbor.Unmarshal into an `any`: nil, bool,
// int64, uint64, float64, string, []byte, []Value, map[string]Value.
type Value = any

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeNone
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Errorf("plist: build canonical encoder: %w", err))
	}
	encMode = mode

	dopts := cbor.DecOptions{
		MapKeyByteString: cbor.MapKeyByteStringForbidden,
	}
	dmode, err := dopts.DecMode()
	if err != nil {
		panic(fmt.Errorf("plist: build decoder: %w", err))
	}
	decMode = dmode
}

// Encode serializes a property-list value to its canonical binary form.
// Returns an Encoding error (wrapped) if v is not representable as a
// property list — e.g. it contains a channel, func, or unsupported numeric
// width.
func Encode(v Value) ([]byte, error) {
	if err := validate(v); err != nil {
		return nil, fmt.Errorf("plist: encode: %w", err)
	}
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("plist: encode: %w", err)
	}
	return b, nil
}

// Decode deserializes bytes previously produced by Encode back into a
// property-list value. A nil or empty blob decodes to (nil, nil) — the
// tombstone representation (see the DeviceLog/Tombstone semantics in
// SPEC_FULL.md §9).
func Decode(b []byte) (Value, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v Value
	if err := decMode.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("plist: decode: %w", err)
	}
	return normalize(v), nil
}

// normalize rewrites the decoder's default map[any]any / []any shapes (the
// cbor library decodes CBOR maps into map[any]any unless keys are strings,
// and nested structures recursively) into the plist shapes: map[string]Value
// and []Value, matching what Encode accepts.
func normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]Value, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				ks = fmt.Sprintf("%v", k)
			}
			out[ks] = normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]Value, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return t
	}
}

// validate rejects shapes that are not representable as a property list.
func validate(v any) error {
	switch t := v.(type) {
	case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, string, []byte:
		return nil
	case []Value:
		for _, e := range t {
			if err := validate(e); err != nil {
				return err
			}
		}
		return nil
	case map[string]Value:
		for _, e := range t {
			if err := validate(e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported property-list shape %T", v)
	}
}

// Equal reports whether two property-list values are deeply equal after
// round-tripping through the canonical encoding. Used by tests; the merge
// engine compares timestamps, never values.
func Equal(a, b Value) (bool, error) {
	ab, err := Encode(a)
	if err != nil {
		return false, err
	}
	bb, err := Encode(b)
	if err != nil {
		return false, err
	}
	return string(ab) == string(bb), nil
}
