package session

import (
	"context"
	"errors"
)

// Keys under which the session is mirrored in persistent storage.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUserData     = "userData"
)

// SessionKeys lists every persisted key. They are written and removed as one group.
var SessionKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUserData}

var (
	// ErrUnsupportedStoreURL indicates that no key-value backend matches the URL scheme.
	ErrUnsupportedStoreURL = errors.New("session_store.unsupported_url")
	// ErrEmptyKey indicates a mutation carrying an empty key.
	ErrEmptyKey = errors.New("session_store.empty_key")
)

// Mutation is a group of writes and removals applied atomically.
type Mutation struct {
	Writes   map[string]string
	Removals []string
}

// Empty reports whether the mutation changes nothing.
func (mutation Mutation) Empty() bool {
	return len(mutation.Writes) == 0 && len(mutation.Removals) == 0
}

func (mutation Mutation) validate() error {
	for key := range mutation.Writes {
		if key == "" {
			return ErrEmptyKey
		}
	}
	for _, key := range mutation.Removals {
		if key == "" {
			return ErrEmptyKey
		}
	}
	return nil
}

// KeyValueStore is the persistent storage that survives process restarts.
type KeyValueStore interface {
	// Load returns the values present for the requested keys. Missing keys are omitted.
	Load(ctx context.Context, keys []string) (map[string]string, error)
	// Commit applies every write and removal of the mutation, or none of them.
	Commit(ctx context.Context, mutation Mutation) error
}
