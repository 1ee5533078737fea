package sessionpg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/qadash/internal/session"
)

// Store persists session entries in PostgreSQL through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Postgres-backed session key-value store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open builds a pool for the URL, ensures the schema, and returns the store.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := BuildPool(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("session_store.pgx.open: %w", err)
	}
	if schemaErr := EnsureSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		return nil, fmt.Errorf("session_store.pgx.schema: %w", schemaErr)
	}
	return NewStore(pool), nil
}

// Close releases the pool.
func (store *Store) Close() {
	store.pool.Close()
}

// Load returns the stored values for the requested keys.
func (store *Store) Load(ctx context.Context, keys []string) (map[string]string, error) {
	found := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return found, nil
	}
	rows, err := store.pool.Query(ctx, `
SELECT entry_key, entry_value
FROM session_entries
WHERE entry_key = ANY($1)
`, keys)
	if err != nil {
		return nil, fmt.Errorf("session_store.pgx.load: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entryKey string
		var entryValue string
		if scanErr := rows.Scan(&entryKey, &entryValue); scanErr != nil {
			return nil, fmt.Errorf("session_store.pgx.load: %w", scanErr)
		}
		found[entryKey] = entryValue
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("session_store.pgx.load: %w", rowsErr)
	}
	return found, nil
}

// Commit applies the mutation inside one transaction.
func (store *Store) Commit(ctx context.Context, mutation session.Mutation) error {
	if mutation.Empty() {
		return nil
	}
	nowUnix := time.Now().UTC().Unix()
	err := pgx.BeginFunc(ctx, store.pool, func(transaction pgx.Tx) error {
		if len(mutation.Removals) > 0 {
			if _, execErr := transaction.Exec(ctx, `
DELETE FROM session_entries
WHERE entry_key = ANY($1)
`, mutation.Removals); execErr != nil {
				return execErr
			}
		}
		for entryKey, entryValue := range mutation.Writes {
			if entryKey == "" {
				return session.ErrEmptyKey
			}
			if _, execErr := transaction.Exec(ctx, `
INSERT INTO session_entries (entry_key, entry_value, updated_at_unix)
VALUES ($1, $2, $3)
ON CONFLICT (entry_key) DO UPDATE
SET entry_value = EXCLUDED.entry_value, updated_at_unix = EXCLUDED.updated_at_unix
`, entryKey, entryValue, nowUnix); execErr != nil {
				return execErr
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session_store.pgx.commit: %w", err)
	}
	return nil
}
