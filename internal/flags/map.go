// Package flags holds the per-engine flag schemas, the ordered flag map used
// by service definitions and benchmark parameters, and the validators applied
// at the boundary before anything is persisted.
package flags

import (
	"bytes"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Map is an insertion-ordered flag-name → value map. Rendering and argv
// assembly iterate it in insertion order, so output is deterministic as long
// as the order survives persistence (it does for JSON).
//
// A nil *Map behaves as an empty map for all read methods. encoding/json
// writes a nil *Map as null without calling MarshalJSON, so fields that must
// persist as an object go through OrEmpty first.
type Map struct {
	om *orderedmap.OrderedMap[string, string]
}

// New returns an empty Map.
func New() *Map {
	return &Map{om: orderedmap.New[string, string]()}
}

// OrEmpty returns m, or an empty Map when m is nil.
func OrEmpty(m *Map) *Map {
	if m == nil {
		return New()
	}
	return m
}

// FromPairs builds a Map from alternating name/value arguments.
func FromPairs(kv ...string) *Map {
	if len(kv)%2 != 0 {
		panic("flags: FromPairs needs an even number of arguments")
	}
	m := New()
	for i := 0; i < len(kv); i += 2 {
		m.Set(kv[i], kv[i+1])
	}
	return m
}

func (m *Map) init() {
	if m.om == nil {
		m.om = orderedmap.New[string, string]()
	}
}

// Set stores value under name. Re-setting an existing name keeps its position.
func (m *Map) Set(name, value string) {
	m.init()
	m.om.Set(name, value)
}

// Get returns the value stored under name.
func (m *Map) Get(name string) (string, bool) {
	if m == nil || m.om == nil {
		return "", false
	}
	return m.om.Get(name)
}

// Delete removes name and reports whether it was present.
func (m *Map) Delete(name string) bool {
	if m == nil || m.om == nil {
		return false
	}
	_, ok := m.om.Delete(name)
	return ok
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil || m.om == nil {
		return 0
	}
	return m.om.Len()
}

// Each calls fn for every entry in insertion order.
func (m *Map) Each(fn func(name, value string)) {
	if m == nil || m.om == nil {
		return
	}
	for pair := m.om.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Keys returns the names in insertion order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, m.Len())
	m.Each(func(name, _ string) { keys = append(keys, name) })
	return keys
}

// Clone returns an independent copy. Cloning nil yields an empty Map.
func (m *Map) Clone() *Map {
	out := New()
	m.Each(out.Set)
	return out
}

// MarshalJSON encodes the map as a JSON object in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil || m.om == nil || m.om.Len() == 0 {
		return []byte("{}"), nil
	}
	return m.om.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object, keeping the document's key order.
// Non-string values are rejected.
func (m *Map) UnmarshalJSON(data []byte) error {
	m.om = orderedmap.New[string, string]()
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := m.om.UnmarshalJSON(trimmed); err != nil {
		return fmt.Errorf("flags: decode map: %w", err)
	}
	return nil
}
