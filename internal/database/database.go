// Package database opens the backing SQL store and hides the few places
// where PostgreSQL, MySQL and SQLite disagree.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL flavour behind a connection.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite3"
)

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx so repositories can run
// the same statements inside or outside a transaction.
type Queryer interface {
	sqlx.ExtContext
}

// DialectOf maps a driver name to its dialect; unknown names fall back to
// PostgreSQL, matching sqlx's own bind type default for "$N" drivers.
func DialectOf(q interface{ DriverName() string }) Dialect {
	switch strings.ToLower(q.DriverName()) {
	case "mysql", "mariadb":
		return MySQL
	case "sqlite3", "sqlite":
		return SQLite
	default:
		return Postgres
	}
}

// Options configure the connection pool.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects and pings the database.
func Open(ctx context.Context, opts Options) (*sqlx.DB, error) {
	driver := strings.ToLower(opts.Driver)
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	if driver == "mariadb" {
		driver = "mysql"
	}
	db, err := sqlx.Open(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if DialectOf(db) == SQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// InsertID runs an INSERT written with "?" placeholders and returns the new
// row id. PostgreSQL has no LastInsertId, so the statement gets a RETURNING
// clause there instead.
func InsertID(ctx context.Context, q Queryer, query string, args ...interface{}) (int64, error) {
	if DialectOf(q) == Postgres {
		var id int64
		if err := q.QueryRowxContext(ctx, q.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func WithTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ForUpdate returns the row-locking suffix for SELECT statements. SQLite locks
// the whole database for writers and has no such clause.
func ForUpdate(q Queryer) string {
	if DialectOf(q) == SQLite {
		return ""
	}
	return " FOR UPDATE"
}

// Get scans a single row written with "?" placeholders into dest.
func Get(ctx context.Context, q Queryer, dest interface{}, query string, args ...interface{}) error {
	return sqlx.GetContext(ctx, q, dest, q.Rebind(query), args...)
}

// Select scans all rows written with "?" placeholders into dest.
func Select(ctx context.Context, q Queryer, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, q, dest, q.Rebind(query), args...)
}

// Exec runs a statement written with "?" placeholders.
func Exec(ctx context.Context, q Queryer, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, q.Rebind(query), args...)
}

// In expands slice arguments for IN clauses and rebinds the result.
// Example: In(q, "SELECT * FROM tickets WHERE status IN (?)", []string{"active"}).
func In(q Queryer, query string, args ...interface{}) (string, []interface{}, error) {
	expanded, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return q.Rebind(expanded), a, nil
}
