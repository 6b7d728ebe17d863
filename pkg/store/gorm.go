// Package store implements the repository layer on GORM. It supports
// PostgreSQL for deployments and SQLite for tests and single-user
// installs through the same codebase.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fogsync/fogsync/pkg/models"
)

// GORMStore is the concrete repository.
type GORMStore struct {
	db *gorm.DB
}

// New opens a database connection from a URL and migrates the schema.
// URLs starting with "postgres://" (or "postgresql://") use the Postgres
// driver; "sqlite://<path>" (":memory:" allowed) uses SQLite.
func New(databaseURL string) (*GORMStore, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		dialector = postgres.Open(databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if path != ":memory:" {
			path += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unsupported database url %q", databaseURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}

	return &GORMStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *GORMStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB returns the underlying GORM handle, useful for tests.
func (s *GORMStore) DB() *gorm.DB {
	return s.db
}

// WithTx runs fn inside a transaction. The store passed to fn shares the
// transaction, so all repository methods participate in it.
func (s *GORMStore) WithTx(ctx context.Context, fn func(tx *GORMStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GORMStore{db: tx})
	})
}

// lockExclusive adds a FOR UPDATE row lock on dialects that support it.
// SQLite serializes writers at the connection level, so the clause is
// skipped there.
func (s *GORMStore) lockExclusive(q *gorm.DB) *gorm.DB {
	if s.db.Dialector.Name() == "sqlite" {
		return q
	}
	return q.Clauses(clause.Locking{Strength: "UPDATE"})
}

// convertNotFoundError converts gorm.ErrRecordNotFound to a domain error.
func convertNotFoundError(err error, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}

// isUniqueConstraintError checks for a unique constraint violation on
// either backend.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
