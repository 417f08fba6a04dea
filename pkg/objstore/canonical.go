package objstore

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// Hash is a content hash: SHA-256 of an object's canonical serialization.
type Hash [32]byte

// String renders the hash as lowercase hex, the form used in logs and in
// the wire protocol's JSON fields.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// IsZero reports whether h is the zero hash (unset).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashOf returns the content hash of already-canonicalized bytes.
func HashOf(canonical []byte) Hash {
	return sha256.Sum256(canonical)
}

// Canonicalize renders obj into the strict, sorted-key textual form that
// every replica must agree on byte-for-byte, or hashes diverge.
//
// obj must carry its recipe's "$type$" discriminator as a field — the
// canonical form always places $type$ first, then every other key in
// lexicographic order. Keys are sorted here at every nesting level and
// keys holding a default value are omitted; only leaf values are rendered
// through encoding/json. No canonical-JSON library is used.
func Canonicalize(obj map[string]interface{}) ([]byte, error) {
	typ, ok := obj["$type$"]
	if !ok {
		return nil, fmt.Errorf("onecore/objstore: object missing $type$ discriminator")
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		if k == "$type$" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')

	typField, err := json.Marshal(typ)
	if err != nil {
		return nil, fmt.Errorf("onecore/objstore: marshal $type$: %w", err)
	}
	ordered = append(ordered, `"$type$":`...)
	ordered = append(ordered, typField...)

	for _, k := range keys {
		v := obj[k]
		if isDefaultValue(v) {
			continue
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("onecore/objstore: marshal key %q: %w", k, err)
		}
		valJSON, err := canonicalValue(v)
		if err != nil {
			return nil, fmt.Errorf("onecore/objstore: marshal value for %q: %w", k, err)
		}
		ordered = append(ordered, ',')
		ordered = append(ordered, keyJSON...)
		ordered = append(ordered, ':')
		ordered = append(ordered, valJSON...)
	}
	ordered = append(ordered, '}')
	return ordered, nil
}

// canonicalValue recurses into nested maps/slices so that every level of
// the structure is rendered in sorted-key form, not just the top level.
func canonicalValue(v interface{}) ([]byte, error) {
	switch vv := v.(type) {
	case map[string]interface{}:
		return Canonicalize(withSyntheticType(vv))
	case []interface{}:
		parts := make([][]byte, len(vv))
		for i, item := range vv {
			b, err := canonicalValue(item)
			if err != nil {
				return nil, err
			}
			parts[i] = b
		}
		out := []byte{'['}
		for i, p := range parts {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, p...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(vv)
	}
}

// withSyntheticType lets nested plain maps (which have no $type$ of their
// own, e.g. a descriptor map) go through the same sorted-key path without
// requiring every nested value to be a typed recipe object.
func withSyntheticType(m map[string]interface{}) map[string]interface{} {
	if _, ok := m["$type$"]; ok {
		return m
	}
	clone := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		clone[k] = v
	}
	clone["$type$"] = "$nested$"
	return clone
}

// DecodeCanonical parses previously-canonicalized bytes back into a
// generic map. Canonical form is valid JSON, so plain json.Unmarshal
// round-trips it; only the byte-level key ORDER is special, and nothing
// downstream needs to observe that order once the value is decoded.
func DecodeCanonical(data []byte) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// isDefaultValue reports whether v is the recipe default for its type
// (empty string, zero number, false, nil, empty slice/map) — defaults are
// omitted from the canonical form per spec.
func isDefaultValue(v interface{}) bool {
	switch vv := v.(type) {
	case nil:
		return true
	case string:
		return vv == ""
	case bool:
		return !vv
	case float64:
		return vv == 0
	case int:
		return vv == 0
	case int64:
		return vv == 0
	case []interface{}:
		return len(vv) == 0
	case map[string]interface{}:
		return len(vv) == 0
	default:
		return false
	}
}
