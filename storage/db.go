package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the kernel's relational store. A DSN beginning with
// "postgres://" selects the Postgres driver; anything else is treated as a
// sqlite path (":memory:" included), which keeps local development and tests
// self-contained.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		// Uniqueness violations must surface as gorm.ErrDuplicatedKey on both
		// drivers; the idempotency paths branch on it.
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", dsn, err)
	}
	return db, nil
}

// OpenForTest opens an isolated in-memory database with the full schema, for
// use in package tests.
func OpenForTest() (*gorm.DB, error) {
	db, err := Open(":memory:")
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
