package config

import "sync/atomic"

// Store holds the process-wide configuration snapshot with atomic get/set.
// Runtime mutation (e.g. a /config style command) goes through Update; the
// snapshot is never persisted across restarts.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore creates a store seeded with the given configuration.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Get returns the current snapshot. Callers must treat it as read-only.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// Set replaces the current snapshot.
func (s *Store) Set(cfg *Config) {
	s.current.Store(cfg)
}

// Update applies fn to a copy of the current snapshot and installs the
// result. fn must not retain the copy after returning.
func (s *Store) Update(fn func(cfg Config) Config) {
	for {
		old := s.current.Load()
		next := fn(*old)
		if s.current.CompareAndSwap(old, &next) {
			return
		}
	}
}
