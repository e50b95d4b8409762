package controller

import (
	"sync"
	"time"
)

// Value is the cached state of one field. For write-only fields it is the
// last successfully dispatched value, not a verified device state.
type Value struct {
	Value     any       `json:"value"`
	Valid     bool      `json:"valid"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	Error     string    `json:"error,omitempty"`
	ErrorAt   time.Time `json:"error_at,omitzero"`
}

// AttributeStore holds the last known value of every field. Each value is
// replaced as a whole under the lock; readers never wait on device I/O.
type AttributeStore struct {
	mu     sync.RWMutex
	values map[string]Value
}

func NewAttributeStore() *AttributeStore {
	return &AttributeStore{values: make(map[string]Value)}
}

// Get returns the cached value of a field and whether it has ever been set.
func (s *AttributeStore) Get(name string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok && v.Valid
}

// Snapshot returns a copy of every cached value.
func (s *AttributeStore) Snapshot() map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// set publishes a new value and clears the last error. It reports whether the
// value differs from the previous one. Values must be comparable.
func (s *AttributeStore) set(name string, value any, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.values[name]
	s.values[name] = Value{Value: value, Valid: true, UpdatedAt: at}
	return !old.Valid || old.Value != value
}

// setError records a failed refresh without touching the cached value.
func (s *AttributeStore) setError(name string, err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[name]
	v.Error = err.Error()
	v.ErrorAt = at
	s.values[name] = v
}
