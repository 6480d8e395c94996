package gormstore

import (
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	postgresDialectName   = "postgres"
)

type sqlSum struct {
	Total int64
}

type sqlCount struct {
	Total int64
}

// isUniqueViolation maps driver-specific duplicate-key failures across the
// postgres and sqlite backends.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// rowLock returns the FOR UPDATE clause on postgres. SQLite has no row
// locking syntax; its single-writer transactions serialize mutation anyway.
func rowLock(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == postgresDialectName {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}
