// Package canonical produces a deterministic, key-order-independent
// serialization of JSON-like values. It is used only for fingerprinting,
// never for wire transport.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"
)

// Sentinel replaces the entire serialization when the input contains a
// cycle, so malformed payloads still yield a stable fingerprint.
const Sentinel = `"[CIRCULAR]"`

var errCircular = errors.New("circular reference in payload")

// Marshal serializes v with object keys sorted lexicographically at every
// depth. Array element order is preserved: it is semantically significant
// for arrays, irrelevant for object keys.
func Marshal(v any) string {
	var sb strings.Builder
	seen := make(map[uintptr]bool)
	if err := write(&sb, v, seen); err != nil {
		return Sentinel
	}
	return sb.String()
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) string {
	sum := sha256.Sum256([]byte(Marshal(v)))
	return hex.EncodeToString(sum[:])
}

func write(sb *strings.Builder, v any, seen map[uintptr]bool) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
		return nil
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return errCircular
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			if err := write(sb, val[k], seen); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil
	case []any:
		if len(val) > 0 {
			ptr := reflect.ValueOf(val).Pointer()
			if seen[ptr] {
				return errCircular
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		sb.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := write(sb, elem, seen); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil
	default:
		// Scalars: strings, numbers, bools. json.Marshal cannot fail here
		// for values decoded from JSON; anything exotic falls back to the
		// sentinel via the error path.
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		sb.Write(b)
		return nil
	}
}
