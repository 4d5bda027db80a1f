// Package memory provides a process local mutex.Store, mainly for tests and
// single process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

// Store is a mutex.Store backed by a map.
type Store struct {
	mu    sync.Mutex
	items map[string]mutex.Record
}

// New returns a new empty Store.
func New() *Store {
	return &Store{items: make(map[string]mutex.Record)}
}

// Update implements mutex.Store.Update.
func (s *Store) Update(ctx context.Context, key string, cond mutex.Condition, next mutex.Record) (mutex.Record, error) {
	if err := ctx.Err(); err != nil {
		return mutex.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.items[key]
	if !cond.Eval(prior) {
		return mutex.Record{}, mutex.ErrConditionFailed
	}
	s.items[key] = next
	return prior, nil
}

// Provision implements mutex.Store.Provision. It is a no-op.
func (s *Store) Provision(ctx context.Context) error {
	return nil
}

// Get returns the current record of key.
func (s *Store) Get(key string) (mutex.Record, bool) {
	s.mu.Lock()
	r, ok := s.items[key]
	s.mu.Unlock()
	return r, ok
}

// Keys returns the keys that have ever been locked.
func (s *Store) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	return keys
}
