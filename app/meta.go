package app

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
)

// Meta holds process wide values resolved at startup, such as flags.
type Meta struct {
	mu     sync.RWMutex
	values map[string]any
}

var MetaRegistry = NewMeta()

type ErrMetaAlreadyRegistered struct {
	Key string
}

func (e ErrMetaAlreadyRegistered) Error() string {
	return fmt.Sprintf("meta key already registered: %q", e.Key)
}

type ErrMetaNotRegistered struct {
	Key string
}

func (e ErrMetaNotRegistered) Error() string {
	return fmt.Sprintf("meta key not registered: %q", e.Key)
}

// Register returns an error if the key is already registered.
func (m *Meta) Register(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return ErrMetaAlreadyRegistered{Key: key}
	}
	m.values[key] = value
	return nil
}

// Set returns an error if the key is not registered.
func (m *Meta) Set(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		return ErrMetaNotRegistered{Key: key}
	}
	m.values[key] = value
	return nil
}

func (m *Meta) Lookup(key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrMetaNotRegistered{Key: key}
	}
	return v, nil
}

func (m *Meta) MustLookup(key string) any {
	v, err := m.Lookup(key)
	if err != nil {
		panic(err)
	}
	return v
}

// All iterates over a snapshot of the registry in key order.
func (m *Meta) All() iter.Seq2[string, any] {
	m.mu.RLock()
	snapshot := maps.Clone(m.values)
	m.mu.RUnlock()

	return func(yield func(string, any) bool) {
		for _, k := range slices.Sorted(maps.Keys(snapshot)) {
			if !yield(k, snapshot[k]) {
				return
			}
		}
	}
}

func NewMeta() *Meta {
	return &Meta{values: map[string]any{}}
}

func MetaRegister(key string, value any) error {
	return MetaRegistry.Register(key, value)
}

func MetaSet(key string, value any) error {
	return MetaRegistry.Set(key, value)
}

func MetaLookup(key string) (any, error) {
	return MetaRegistry.Lookup(key)
}

func MetaAll() iter.Seq2[string, any] {
	return MetaRegistry.All()
}
