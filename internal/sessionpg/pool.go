package sessionpg

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BuildPool creates a small pgx pool suited to a single-user client. The "pgx"
// scheme is accepted as an alias of "postgres".
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(normalizeScheme(databaseURL))
	if err != nil {
		return nil, err
	}
	config.MinConns = 0
	config.MaxConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute
	return pgxpool.NewWithConfig(ctx, config)
}

func normalizeScheme(databaseURL string) string {
	if strings.HasPrefix(databaseURL, "pgx://") {
		return "postgres://" + strings.TrimPrefix(databaseURL, "pgx://")
	}
	return databaseURL
}
