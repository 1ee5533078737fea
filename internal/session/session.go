package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tyemirov/qadash/pkg/identity"
	"go.uber.org/zap"
)

var (
	// ErrMissingUser indicates an access token without a user record.
	ErrMissingUser = errors.New("session.missing_user")
	// ErrOrphanRefreshToken indicates a refresh token without an access token.
	ErrOrphanRefreshToken = errors.New("session.orphan_refresh_token")
)

// Session is the authenticated state of the client.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *identity.UserRecord
}

// IsAuthenticated reports whether an access token is held.
func (current Session) IsAuthenticated() bool {
	return current.AccessToken != ""
}

// Clone returns a deep copy.
func (current Session) Clone() Session {
	if current.User != nil {
		userCopy := *current.User
		current.User = &userCopy
	}
	return current
}

// Validate checks the session invariants.
func (current Session) Validate() error {
	if current.AccessToken != "" && current.User == nil {
		return ErrMissingUser
	}
	if current.AccessToken == "" && current.RefreshToken != "" {
		return ErrOrphanRefreshToken
	}
	return nil
}

// Validator checks a rehydrated session and may complete it, e.g. by filling the user
// from token claims. Returning an error discards the stored session.
type Validator func(candidate Session) (Session, error)

// Store holds the current session in memory and mirrors it to persistent storage.
// It is the only component that touches persistent storage.
type Store struct {
	mutex      sync.RWMutex
	writeMutex sync.Mutex
	current    Session
	persistent KeyValueStore
	logger     *zap.Logger
}

// NewStore constructs a Store over the persistent backend. A nil backend keeps the
// session in memory only.
func NewStore(persistent KeyValueStore, logger *zap.Logger) *Store {
	if persistent == nil {
		persistent = NewMemoryKeyValueStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{persistent: persistent, logger: logger}
}

// Get returns a copy of the current session.
func (store *Store) Get() Session {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.current.Clone()
}

// Set validates the session, mirrors it to storage as one group, then publishes it in
// memory. Storage failures leave the in-memory session unchanged.
func (store *Store) Set(ctx context.Context, next Session) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("session.set: %w", err)
	}
	if !next.IsAuthenticated() {
		return store.Clear(ctx)
	}
	mutation, buildErr := buildMutation(next)
	if buildErr != nil {
		return fmt.Errorf("session.set: %w", buildErr)
	}

	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()
	if commitErr := store.persistent.Commit(ctx, mutation); commitErr != nil {
		store.logger.Error("session persist failed",
			zap.String("code", "session.persist_failed"),
			zap.Error(commitErr))
		return fmt.Errorf("session.set: %w", commitErr)
	}
	store.mutex.Lock()
	store.current = next.Clone()
	store.mutex.Unlock()
	return nil
}

// Clear empties the in-memory session and removes every persisted key. The memory
// copy is cleared even when storage removal fails.
func (store *Store) Clear(ctx context.Context) error {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	store.mutex.Lock()
	store.current = Session{}
	store.mutex.Unlock()

	if err := store.persistent.Commit(ctx, Mutation{Removals: SessionKeys}); err != nil {
		store.logger.Error("session clear failed",
			zap.String("code", "session.clear_failed"),
			zap.Error(err))
		return fmt.Errorf("session.clear: %w", err)
	}
	return nil
}

// Rehydrate restores the persisted session. The validator decides whether it can be
// trusted; rejected, unreadable, or partial state is removed from storage.
func (store *Store) Rehydrate(ctx context.Context, validate Validator) Session {
	stored, loadErr := store.persistent.Load(ctx, SessionKeys)
	if loadErr != nil {
		store.logger.Warn("session load failed",
			zap.String("code", "session.rehydrate.load_failed"),
			zap.Error(loadErr))
		_ = store.Clear(ctx)
		return Session{}
	}

	candidate := Session{
		AccessToken:  strings.TrimSpace(stored[KeyAccessToken]),
		RefreshToken: strings.TrimSpace(stored[KeyRefreshToken]),
	}
	if candidate.AccessToken == "" {
		if len(stored) > 0 {
			store.logger.Info("discarding partial session",
				zap.String("code", "session.rehydrate.partial"))
			_ = store.Clear(ctx)
		}
		return Session{}
	}
	if userData := stored[KeyUserData]; userData != "" {
		var user identity.UserRecord
		if parseErr := json.Unmarshal([]byte(userData), &user); parseErr != nil {
			store.logger.Warn("stored user data unreadable",
				zap.String("code", "session.rehydrate.user_unreadable"),
				zap.Error(parseErr))
		} else {
			normalized := user.Normalized()
			candidate.User = &normalized
		}
	}

	if validate != nil {
		validated, validateErr := validate(candidate)
		if validateErr != nil {
			store.logger.Info("stored session rejected",
				zap.String("code", "session.rehydrate.rejected"),
				zap.Error(validateErr))
			_ = store.Clear(ctx)
			return Session{}
		}
		candidate = validated
	}
	if setErr := store.Set(ctx, candidate); setErr != nil {
		_ = store.Clear(ctx)
		return Session{}
	}
	return store.Get()
}

func buildMutation(next Session) (Mutation, error) {
	userData, marshalErr := json.Marshal(next.User)
	if marshalErr != nil {
		return Mutation{}, marshalErr
	}
	mutation := Mutation{
		Writes: map[string]string{
			KeyAccessToken: next.AccessToken,
			KeyUserData:    string(userData),
		},
	}
	if next.RefreshToken != "" {
		mutation.Writes[KeyRefreshToken] = next.RefreshToken
	} else {
		mutation.Removals = []string{KeyRefreshToken}
	}
	return mutation, nil
}
