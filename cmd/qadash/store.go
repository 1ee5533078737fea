package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/tyemirov/qadash/internal/session"
	"github.com/tyemirov/qadash/internal/sessionpg"
)

// openKeyValueStore resolves the persistent session backend from its URL scheme.
func openKeyValueStore(ctx context.Context, storeURL string) (session.KeyValueStore, string, func(), error) {
	parsed, parseErr := url.Parse(storeURL)
	if parseErr != nil {
		return nil, "", nil, configError(configCodeUnsupportedStoreURL, fmt.Sprintf("cannot parse store_url: %v", parseErr))
	}
	noop := func() {}
	switch strings.ToLower(parsed.Scheme) {
	case "", "memory":
		return session.NewMemoryKeyValueStore(), "memory", noop, nil
	case "sqlite", "sqlite3":
		if directory := filepath.Dir(strings.TrimPrefix(storeURL, parsed.Scheme+"://")); directory != "" && directory != "." && !strings.HasPrefix(directory, "file:") {
			if mkdirErr := os.MkdirAll(directory, 0o700); mkdirErr != nil {
				return nil, "", nil, fmt.Errorf("session_store.sqlite.directory: %w", mkdirErr)
			}
		}
		fallthrough
	case "postgres", "postgresql":
		databaseStore, storeErr := session.NewDatabaseKeyValueStore(ctx, storeURL)
		if storeErr != nil {
			return nil, "", nil, storeErr
		}
		return databaseStore, databaseStore.Driver(), noop, nil
	case "pgx":
		pgStore, storeErr := sessionpg.Open(ctx, storeURL)
		if storeErr != nil {
			return nil, "", nil, storeErr
		}
		return pgStore, "pgx", pgStore.Close, nil
	default:
		return nil, "", nil, configError(configCodeUnsupportedStoreURL, fmt.Sprintf("unsupported store_url scheme %q", parsed.Scheme))
	}
}
