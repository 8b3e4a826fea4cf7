// Package mailqueue stores outbound mail (auto-replies and agent replies)
// for a delivery worker to pick up, and builds the RFC 5322 messages.
package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/mailroom/internal/database"
)

// Kind tells why a message was queued.
type Kind string

const (
	KindAutoReply Kind = "auto_reply"
	KindReply     Kind = "reply"
)

// ErrAlreadyQueued is returned when the Message-ID is already in the queue.
var ErrAlreadyQueued = errors.New("email already queued")

// Item is one queued outbound message.
type Item struct {
	ID         int64      `db:"id"`
	MailboxID  int64      `db:"mailbox_id"`
	TicketID   *int64     `db:"ticket_id"`
	ThreadID   *int64     `db:"thread_id"`
	Kind       Kind       `db:"kind"`
	Sender     string     `db:"sender"`
	Recipient  string     `db:"recipient"`
	MessageID  string     `db:"message_id"`
	RawMessage []byte     `db:"raw_message"`
	Attempts   int        `db:"attempts"`
	LastError  *string    `db:"last_error"`
	DueAt      *time.Time `db:"due_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

const itemColumns = `id, mailbox_id, ticket_id, thread_id, kind, sender, recipient, message_id, raw_message,
	attempts, last_error, due_at, created_at`

// Repository handles database operations for the mail queue
type Repository struct {
	q database.Queryer
}

func NewRepository(q database.Queryer) *Repository {
	return &Repository{q: q}
}

func (r *Repository) WithTx(tx *sqlx.Tx) *Repository {
	return &Repository{q: tx}
}

// Insert adds a new email to the queue
func (r *Repository) Insert(ctx context.Context, item *Item) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.MessageID == "" {
		item.MessageID = ExtractMessageID(item.RawMessage)
	}
	if item.DueAt != nil {
		due := item.DueAt.UTC()
		item.DueAt = &due
	}
	id, err := database.InsertID(ctx, r.q, `
		INSERT INTO mail_queue (mailbox_id, ticket_id, thread_id, kind, sender, recipient, message_id, raw_message,
			attempts, due_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.MailboxID, item.TicketID, item.ThreadID, item.Kind, item.Sender, item.Recipient, item.MessageID,
		item.RawMessage, item.Attempts, item.DueAt, item.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyQueued, item.MessageID)
		}
		return fmt.Errorf("failed to insert mail queue item: %w", err)
	}
	item.ID = id
	return nil
}

// GetPending retrieves emails that are ready to be sent (due_at is null or past)
func (r *Repository) GetPending(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	var items []Item
	err := database.Select(ctx, r.q, &items, `
		SELECT `+itemColumns+` FROM mail_queue
		WHERE (due_at IS NULL OR due_at <= ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending emails: %w", err)
	}
	return items, nil
}

// ListByTicket returns what was queued for a ticket, oldest first.
func (r *Repository) ListByTicket(ctx context.Context, ticketID int64) ([]Item, error) {
	var items []Item
	err := database.Select(ctx, r.q, &items,
		`SELECT `+itemColumns+` FROM mail_queue WHERE ticket_id = ? ORDER BY id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued emails: %w", err)
	}
	return items, nil
}

// Delete removes an item, once delivered or given up on.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	if _, err := database.Exec(ctx, r.q, `DELETE FROM mail_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete mail queue item: %w", err)
	}
	return nil
}

// GetFailed retrieves emails that have exceeded max attempts
func (r *Repository) GetFailed(ctx context.Context, maxAttempts, limit int) ([]Item, error) {
	var items []Item
	err := database.Select(ctx, r.q, &items, `
		SELECT `+itemColumns+` FROM mail_queue
		WHERE attempts >= ?
		ORDER BY created_at ASC
		LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed emails: %w", err)
	}
	return items, nil
}
