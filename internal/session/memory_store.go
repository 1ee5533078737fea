package session

import (
	"context"
	"sync"
)

// MemoryKeyValueStore is an in-memory store intended for tests and throwaway sessions.
type MemoryKeyValueStore struct {
	mutex   sync.Mutex
	entries map[string]string
	commits int
}

// NewMemoryKeyValueStore creates an empty in-memory store.
func NewMemoryKeyValueStore() *MemoryKeyValueStore {
	return &MemoryKeyValueStore{entries: make(map[string]string)}
}

// Load returns the values present for the requested keys.
func (store *MemoryKeyValueStore) Load(ctx context.Context, keys []string) (map[string]string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	found := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := store.entries[key]; ok {
			found[key] = value
		}
	}
	return found, nil
}

// Commit applies the mutation under a single lock.
func (store *MemoryKeyValueStore) Commit(ctx context.Context, mutation Mutation) error {
	if err := mutation.validate(); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	for _, key := range mutation.Removals {
		delete(store.entries, key)
	}
	for key, value := range mutation.Writes {
		store.entries[key] = value
	}
	store.commits++
	return nil
}

// Snapshot returns a copy of all stored entries.
func (store *MemoryKeyValueStore) Snapshot() map[string]string {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	clone := make(map[string]string, len(store.entries))
	for key, value := range store.entries {
		clone[key] = value
	}
	return clone
}

// Commits returns how many mutations were applied.
func (store *MemoryKeyValueStore) Commits() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.commits
}
