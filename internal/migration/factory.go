package migration

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// ConfigFromTarget derives a migrator config from a store target URL.
// sqlite targets return ErrAutoMigrated.
func ConfigFromTarget(target string) (Config, error) {
	scheme, rest, ok := strings.Cut(target, "://")
	if !ok {
		return Config{}, fmt.Errorf("target %q has no scheme", target)
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return Config{DatabaseType: DatabaseTypePostgres, DSN: "postgres://" + rest}, nil
	case "mysql":
		return Config{DatabaseType: DatabaseTypeMySQL, DSN: withMultiStatements(rest)}, nil
	case "sqlite", "sqlite3":
		return Config{}, fmt.Errorf("%s: %w", scheme, ErrAutoMigrated)
	default:
		return Config{}, fmt.Errorf("unsupported database scheme: %s", scheme)
	}
}

// withMultiStatements lets one migration file hold several statements.
func withMultiStatements(dsn string) string {
	base, query, _ := strings.Cut(dsn, "?")
	values, err := url.ParseQuery(query)
	if err != nil {
		values = url.Values{}
	}
	values.Set("multiStatements", "true")
	if values.Get("parseTime") == "" {
		values.Set("parseTime", "true")
	}
	return base + "?" + values.Encode()
}

// NewMigratorFromTarget opens a migrator for a store target URL.
func NewMigratorFromTarget(ctx context.Context, target string) (*DefaultMigrator, error) {
	cfg, err := ConfigFromTarget(target)
	if err != nil {
		return nil, err
	}
	return NewMigrator(ctx, cfg)
}
