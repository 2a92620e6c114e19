package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value connection strings
// and "sqlite" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite"
}

// Open picks a backend for dsn: in-memory when empty, otherwise by DetectDSNType.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "":
		slog.Debug("store.Open: no DSN provided, using in-memory store")
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		slog.Debug("store.Open: detected PostgreSQL DSN", "dsn_type", "postgresql")
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		slog.Debug("store.Open: detected SQLite DSN", "dsn_type", "sqlite", "db_path", dsn)
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	}
}
