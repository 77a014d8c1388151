// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/google/uuid"
)

// Registry is a bidirectional map between local values and stable reference
// ids. Entries are created on first serialization or deserialization of a
// reference-bearing value and are only removed by an explicit Release.
type Registry struct {
	mu     sync.Mutex
	newID  func() string
	ids    map[any]string
	values map[string]any
}

// bytesKey identifies a byte slice by its backing array, the same way a
// pointer table tracks references.
type bytesKey struct {
	data unsafe.Pointer
	n    int
}

// NewRegistry returns an empty registry. newID defaults to random UUIDs.
func NewRegistry(newID func() string) *Registry {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Registry{
		newID:  newID,
		ids:    make(map[any]string),
		values: make(map[string]any),
	}
}

// registryKey returns the map key for v. A nil key with ok set means v has
// identity but cannot be looked up by value, so every ID call mints a new id.
func registryKey(v any) (any, bool) {
	if b, ok := v.([]byte); ok {
		// Zero-capacity slices all share one base address.
		if cap(b) == 0 {
			return nil, true
		}
		return bytesKey{data: unsafe.Pointer(unsafe.SliceData(b)), n: len(b)}, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || !rv.Comparable() {
		return nil, false
	}
	return v, true
}

// ID returns the reference id for v, minting one on first use.
func (r *Registry) ID(v any) (string, error) {
	key, ok := registryKey(v)
	if !ok {
		return "", unsupportedValue("registry", v, "%T has no stable identity", v)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if key != nil {
		if id, ok := r.ids[key]; ok {
			return id, nil
		}
	}
	id := r.newID()
	if key != nil {
		r.ids[key] = id
	}
	r.values[id] = v
	return id, nil
}

// Bind associates id with a value reconstructed on the receiving side, so
// that later records carrying the same id resolve to the same value and
// re-sending the value reuses the id.
func (r *Registry) Bind(id string, v any) {
	key, ok := registryKey(v)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[id] = v
	if ok && key != nil {
		r.ids[key] = id
	}
}

// Lookup returns the value registered under id.
func (r *Registry) Lookup(id string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[id]
	return v, ok
}

// Release forgets id and its value. Nothing calls it automatically.
func (r *Registry) Release(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[id]
	if !ok {
		return false
	}
	delete(r.values, id)
	if key, ok := registryKey(v); ok && key != nil {
		delete(r.ids, key)
	}
	return true
}

// Len returns the number of registered values.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}
