// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver) and schema migrations.
package repo

import (
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tbourn/go-casedesk/internal/domain"
)

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// PRAGMAs. busy_timeout matters here: the email consumer, the chat
	// consumer, and the sweeper all write concurrently.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// AutoMigrate creates or updates the schema for all persisted entities,
// including the composite unique index backing the dedup ledger and the
// partial unique index that holds the one-open-case-per-customer guarantee.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.Case{},
		&domain.Message{},
		&domain.ProcessedMessage{},
	); err != nil {
		return err
	}
	// GORM struct tags cannot express a partial index, so the open-case
	// uniqueness guard is created directly. SQLite forbids bound parameters
	// in DDL; the status literal must match domain.StatusOpen.
	return db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_cases_open_customer " +
			"ON cases(customer_identifier) WHERE status = 'open'",
	).Error
}
