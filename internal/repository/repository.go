// Package repository holds the SQL access for customers, mailboxes, folders,
// tickets and threads. Queries are written with "?" placeholders and rebound
// for the active driver; every repository can be re-bound to a transaction
// with WithTx.
package repository

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrEmailTaken is returned when an address is already owned by a customer.
var ErrEmailTaken = errors.New("email already assigned to a customer")

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
