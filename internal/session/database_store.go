package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("session_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("session_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("session_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("session_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("session_store.unsupported_no_scheme")
)

// DatabaseKeyValueStore persists session entries using GORM.
type DatabaseKeyValueStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseKeyValueStore) Driver() string {
	return store.driverLabel
}

type sessionEntryRecord struct {
	EntryKey      string `gorm:"column:entry_key;primaryKey"`
	EntryValue    string `gorm:"column:entry_value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (sessionEntryRecord) TableName() string {
	return "session_entries"
}

// NewDatabaseKeyValueStore constructs a GORM-backed store for sqlite:// or postgres:// URLs.
func NewDatabaseKeyValueStore(ctx context.Context, databaseURL string) (*DatabaseKeyValueStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("session_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("session_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionEntryRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("session_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseKeyValueStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Load returns the stored values for the requested keys.
func (store *DatabaseKeyValueStore) Load(ctx context.Context, keys []string) (map[string]string, error) {
	found := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return found, nil
	}
	var records []sessionEntryRecord
	if err := store.db.WithContext(ctx).Where("entry_key IN ?", keys).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("session_store.load.%s: %w", store.driverLabel, err)
	}
	for _, record := range records {
		found[record.EntryKey] = record.EntryValue
	}
	return found, nil
}

// Commit applies the mutation inside one transaction.
func (store *DatabaseKeyValueStore) Commit(ctx context.Context, mutation Mutation) error {
	if err := mutation.validate(); err != nil {
		return fmt.Errorf("session_store.commit.%s: %w", store.driverLabel, err)
	}
	if mutation.Empty() {
		return nil
	}
	nowUnix := time.Now().UTC().Unix()
	transactionErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if len(mutation.Removals) > 0 {
			if err := transaction.Where("entry_key IN ?", mutation.Removals).Delete(&sessionEntryRecord{}).Error; err != nil {
				return err
			}
		}
		for key, value := range mutation.Writes {
			record := sessionEntryRecord{EntryKey: key, EntryValue: value, UpdatedAtUnix: nowUnix}
			upsertErr := transaction.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "entry_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at_unix"}),
			}).Create(&record).Error
			if upsertErr != nil {
				return upsertErr
			}
		}
		return nil
	})
	if transactionErr != nil {
		return fmt.Errorf("session_store.commit.%s: %w", store.driverLabel, transactionErr)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("session_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("session_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("session_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("session_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
