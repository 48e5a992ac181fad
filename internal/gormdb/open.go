// Package gormdb opens the SQL databases behind the persistent stores from a
// single URL, so operators pick SQLite or Postgres with one setting.
package gormdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrUnsupportedDialect = errors.New("gormdb.unsupported_dialect")
	ErrEmptyDatabaseURL   = errors.New("gormdb.empty_database_url")

	errMissingScheme   = errors.New("gormdb.missing_scheme")
	errSQLiteEmptyPath = errors.New("gormdb.sqlite.empty_path")
)

const (
	sqliteBusyPragma      = "_pragma=busy_timeout(5000)"
	postgresMaxOpenConns  = 10
	postgresConnLifetime  = 30 * time.Minute
	postgresConnIdleLimit = 5 * time.Minute
)

type driver struct {
	label     string
	dialector func(databaseURL string, location string) (gorm.Dialector, error)
	tune      func(database *gorm.DB) error
}

var drivers = map[string]driver{
	"postgres":   postgresDriver,
	"postgresql": postgresDriver,
	"sqlite":     sqliteDriver,
	"sqlite3":    sqliteDriver,
}

var postgresDriver = driver{
	label: "postgres",
	dialector: func(databaseURL string, _ string) (gorm.Dialector, error) {
		return postgres.Open(databaseURL), nil
	},
	tune: func(database *gorm.DB) error {
		pool, poolErr := database.DB()
		if poolErr != nil {
			return poolErr
		}
		pool.SetMaxOpenConns(postgresMaxOpenConns)
		pool.SetConnMaxLifetime(postgresConnLifetime)
		pool.SetConnMaxIdleTime(postgresConnIdleLimit)
		return nil
	},
}

// sqlite://relative.db, sqlite:///absolute/path.db and sqlite://file::memory:?cache=shared
// all name the DSN after the scheme separator. Without a query the busy
// timeout pragma is added so concurrent writers wait instead of failing.
var sqliteDriver = driver{
	label: "sqlite",
	dialector: func(_ string, location string) (gorm.Dialector, error) {
		path, query, _ := strings.Cut(location, "?")
		if path == "" {
			return nil, errSQLiteEmptyPath
		}
		if query == "" {
			query = sqliteBusyPragma
		}
		return sqlite.Open(path + "?" + query), nil
	},
}

// Open connects to databaseURL and migrates models. It returns the handle with
// the driver label, "postgres" or "sqlite".
func Open(ctx context.Context, databaseURL string, models ...any) (*gorm.DB, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, "", fmt.Errorf("gormdb.open: %w", ErrEmptyDatabaseURL)
	}
	dialector, selected, resolveErr := resolve(databaseURL)
	if resolveErr != nil {
		return nil, "", resolveErr
	}
	database, openErr := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if openErr != nil {
		return nil, "", fmt.Errorf("gormdb.open.%s: %w", selected.label, openErr)
	}
	if selected.tune != nil {
		if tuneErr := selected.tune(database); tuneErr != nil {
			return nil, "", fmt.Errorf("gormdb.pool.%s: %w", selected.label, tuneErr)
		}
	}
	if len(models) > 0 {
		if migrateErr := database.WithContext(ctx).AutoMigrate(models...); migrateErr != nil {
			return nil, "", fmt.Errorf("gormdb.migrate.%s: %w", selected.label, migrateErr)
		}
	}
	return database, selected.label, nil
}

// ResolveDialector maps a postgres:// or sqlite:// URL to a GORM dialector and driver label.
func ResolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	dialector, selected, err := resolve(databaseURL)
	if err != nil {
		return nil, "", err
	}
	return dialector, selected.label, nil
}

func resolve(databaseURL string) (gorm.Dialector, driver, error) {
	scheme, location, found := strings.Cut(strings.TrimSpace(databaseURL), "://")
	if !found || scheme == "" {
		return nil, driver{}, fmt.Errorf("gormdb.dialect: %w", errMissingScheme)
	}
	scheme = strings.ToLower(scheme)
	selected, known := drivers[scheme]
	if !known {
		return nil, driver{}, fmt.Errorf("gormdb.dialect.%s: %w", scheme, ErrUnsupportedDialect)
	}
	dialector, dialectorErr := selected.dialector(strings.TrimSpace(databaseURL), location)
	if dialectorErr != nil {
		return nil, driver{}, fmt.Errorf("gormdb.dialect.%s: %w", selected.label, dialectorErr)
	}
	return dialector, selected, nil
}
