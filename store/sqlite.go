package store

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenSQLite opens a SQLite-backed store. Used for local development and by
// tests ("file::memory:?cache=shared" gives an in-memory database). The
// unique-constraint semantics the pipeline relies on are identical to the
// Postgres deployment because TranslateError is enabled on both.
func OpenSQLite(path string, opts ...Option) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite allows one writer at a time. A single pooled connection plus a
	// busy timeout keeps concurrent callers queueing instead of erroring.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access sqlite connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		return nil, fmt.Errorf("set sqlite busy timeout: %w", err)
	}

	return New(db, opts...), nil
}
