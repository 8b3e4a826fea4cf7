// Package ticketnumber hands out per-mailbox ticket numbers and renders them
// for display.
package ticketnumber

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gotrs-io/mailroom/internal/database"
)

// ErrUnknownMailbox is returned when the counter row does not exist.
var ErrUnknownMailbox = errors.New("ticketnumber: unknown mailbox")

// Allocator reserves the next number for a mailbox. Implementations must run
// on the caller's transaction so the increment commits or rolls back together
// with the ticket insert.
type Allocator interface {
	Next(ctx context.Context, q database.Queryer, mailboxID int64) (int, error)
}

// DBStore increments mailboxes.ticket_counter atomically with a single
// statement per dialect:
//
//	Postgres/SQLite: UPDATE ... SET ticket_counter = ticket_counter + 1 ... RETURNING ticket_counter
//	MySQL: UPDATE ... SET ticket_counter = LAST_INSERT_ID(ticket_counter + 1); read via Result.LastInsertId
//
// The row lock taken by the UPDATE is held until the surrounding transaction
// ends, which serializes concurrent allocators for the same mailbox.
type DBStore struct{}

// NewDBStore returns the SQL backed allocator.
func NewDBStore() *DBStore { return &DBStore{} }

// Next implements Allocator.
func (s *DBStore) Next(ctx context.Context, q database.Queryer, mailboxID int64) (int, error) {
	if database.DialectOf(q) == database.MySQL {
		// LAST_INSERT_ID(expr) is per connection; reading it from the Exec
		// result keeps us on the same session.
		res, err := q.ExecContext(ctx,
			`UPDATE mailboxes SET ticket_counter = LAST_INSERT_ID(ticket_counter + 1) WHERE id = ?`, mailboxID)
		if err != nil {
			return 0, fmt.Errorf("ticketnumber: increment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, ErrUnknownMailbox
		}
		c, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("ticketnumber: read counter: %w", err)
		}
		return int(c), nil
	}

	var c int
	err := q.QueryRowxContext(ctx,
		q.Rebind(`UPDATE mailboxes SET ticket_counter = ticket_counter + 1 WHERE id = ? RETURNING ticket_counter`),
		mailboxID).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownMailbox
	}
	if err != nil {
		return 0, fmt.Errorf("ticketnumber: increment: %w", err)
	}
	return c, nil
}
