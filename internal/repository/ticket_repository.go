package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/models"
)

const ticketColumns = `id, number, mailbox_id, customer_id, customer_email, assignee_id, folder_id, subject, status, state,
	last_reply_at, last_reply_from, threads_count, starred, open_key, closed_at, created_by_user_id, created_at, updated_at`

// TicketRepository stores conversations.
type TicketRepository struct {
	q database.Queryer
}

func NewTicketRepository(q database.Queryer) *TicketRepository {
	return &TicketRepository{q: q}
}

func (r *TicketRepository) WithTx(tx *sqlx.Tx) *TicketRepository {
	return &TicketRepository{q: tx}
}

// Create inserts t and sets its ID. A unique violation is returned unwrapped
// enough for database.IsUniqueViolation so callers can detect a concurrent
// opener holding the same open key.
func (r *TicketRepository) Create(ctx context.Context, t *models.Ticket) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	id, err := database.InsertID(ctx, r.q, `
		INSERT INTO tickets (number, mailbox_id, customer_id, customer_email, assignee_id, folder_id, subject, status, state,
			last_reply_at, last_reply_from, threads_count, starred, open_key, closed_at, created_by_user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Number, t.MailboxID, t.CustomerID, t.CustomerEmail, t.AssigneeID, t.FolderID, t.Subject, t.Status, t.State,
		t.LastReplyAt, t.LastReplyFrom, t.ThreadsCount, t.Starred, t.OpenKey, t.ClosedAt, t.CreatedByUserID,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	t.ID = id
	return nil
}

func (r *TicketRepository) GetByID(ctx context.Context, id int64) (*models.Ticket, error) {
	var t models.Ticket
	if err := database.Get(ctx, r.q, &t, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// GetForUpdate loads the ticket and row-locks it for the transaction.
func (r *TicketRepository) GetForUpdate(ctx context.Context, id int64) (*models.Ticket, error) {
	var t models.Ticket
	err := database.Get(ctx, r.q, &t, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`+database.ForUpdate(r.q), id)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// FindByMessageIDs returns the ticket holding the newest thread whose
// external id is one of refs, falling back to outbound mail sent without a
// thread of its own. Deleted tickets are ignored.
func (r *TicketRepository) FindByMessageIDs(ctx context.Context, mailboxID int64, refs []string) (*models.Ticket, error) {
	if len(refs) == 0 {
		return nil, ErrNotFound
	}
	query, args, err := database.In(r.q, `
		SELECT t.id FROM threads th
		JOIN tickets t ON t.id = th.ticket_id
		WHERE th.mailbox_id = ? AND th.external_id IN (?) AND t.state <> ?
		ORDER BY th.id DESC LIMIT 1`, mailboxID, refs, models.StateDeleted)
	if err != nil {
		return nil, err
	}
	var id int64
	err = sqlx.GetContext(ctx, r.q, &id, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		query, args, err = database.In(r.q, `
			SELECT t.id FROM outbound_ids o
			JOIN tickets t ON t.id = o.ticket_id
			WHERE o.mailbox_id = ? AND o.message_id IN (?) AND t.state <> ?
			ORDER BY o.id DESC LIMIT 1`, mailboxID, refs, models.StateDeleted)
		if err != nil {
			return nil, err
		}
		err = sqlx.GetContext(ctx, r.q, &id, query, args...)
	}
	if err != nil {
		return nil, notFound(err)
	}
	return r.GetForUpdate(ctx, id)
}

// AddOutboundID records the Message-ID of mail sent for a ticket that has
// no thread row, so replies to it thread back.
func (r *TicketRepository) AddOutboundID(ctx context.Context, mailboxID, ticketID int64, messageID string) error {
	_, err := database.Exec(ctx, r.q, `INSERT INTO outbound_ids (mailbox_id, ticket_id, message_id, created_at) VALUES (?, ?, ?, ?)`,
		mailboxID, ticketID, messageID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record outbound id %s: %w", messageID, err)
	}
	return nil
}

// FindOpenForCustomer returns the most recently active published ticket of a
// customer in a mailbox whose status is in statuses. A non-zero since
// excludes tickets whose last reply is older.
func (r *TicketRepository) FindOpenForCustomer(ctx context.Context, mailboxID, customerID int64, statuses []models.TicketStatus, since time.Time) (*models.Ticket, error) {
	if len(statuses) == 0 {
		return nil, ErrNotFound
	}
	base := `SELECT id FROM tickets WHERE mailbox_id = ? AND customer_id = ? AND state = ? AND status IN (?)`
	args := []interface{}{mailboxID, customerID, models.StatePublished, statuses}
	if !since.IsZero() {
		base += ` AND last_reply_at >= ?`
		args = append(args, since.UTC())
	}
	query, qargs, err := database.In(r.q, base+` ORDER BY last_reply_at DESC, id DESC LIMIT 1`, args...)
	if err != nil {
		return nil, err
	}
	var id int64
	if err := sqlx.GetContext(ctx, r.q, &id, query, qargs...); err != nil {
		return nil, notFound(err)
	}
	return r.GetForUpdate(ctx, id)
}

// ReleaseOpenKey clears key from a ticket that no longer qualifies as the
// open conversation: its status is outside statuses, it is not published, or
// its last reply predates since.
func (r *TicketRepository) ReleaseOpenKey(ctx context.Context, key string, statuses []models.TicketStatus, since time.Time) (int64, error) {
	cond := `state <> ? OR status NOT IN (?)`
	args := []interface{}{key, models.StatePublished, statuses}
	if len(statuses) == 0 {
		cond = `1 = 1`
		args = []interface{}{key}
	}
	if !since.IsZero() {
		cond += ` OR last_reply_at < ?`
		args = append(args, since.UTC())
	}
	query, qargs, err := database.In(r.q, `UPDATE tickets SET open_key = NULL WHERE open_key = ? AND (`+cond+`)`, args...)
	if err != nil {
		return 0, err
	}
	res, err := r.q.ExecContext(ctx, query, qargs...)
	if err != nil {
		return 0, fmt.Errorf("failed to release open key: %w", err)
	}
	return res.RowsAffected()
}

// Update writes every mutable column of t.
func (r *TicketRepository) Update(ctx context.Context, t *models.Ticket) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := database.Exec(ctx, r.q, `
		UPDATE tickets SET customer_id = ?, customer_email = ?, assignee_id = ?, folder_id = ?, subject = ?, status = ?, state = ?,
			last_reply_at = ?, last_reply_from = ?, threads_count = ?, starred = ?, open_key = ?, closed_at = ?, updated_at = ?
		WHERE id = ?`,
		t.CustomerID, t.CustomerEmail, t.AssigneeID, t.FolderID, t.Subject, t.Status, t.State,
		t.LastReplyAt, t.LastReplyFrom, t.ThreadsCount, t.Starred, t.OpenKey, t.ClosedAt, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReassignCustomer moves every ticket of from to to. Open keys are rewritten
// only where the target does not already hold one; the rest are cleared.
func (r *TicketRepository) ReassignCustomer(ctx context.Context, from, to int64) (int64, error) {
	if _, err := database.Exec(ctx, r.q, `UPDATE tickets SET open_key = NULL WHERE customer_id = ?`, from); err != nil {
		return 0, fmt.Errorf("failed to clear open keys: %w", err)
	}
	res, err := database.Exec(ctx, r.q,
		`UPDATE tickets SET customer_id = ?, updated_at = ? WHERE customer_id = ?`, to, time.Now().UTC(), from)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign tickets: %w", err)
	}
	return res.RowsAffected()
}

// ListFilter narrows ListByMailbox.
type ListFilter struct {
	FolderID   int64
	Status     models.TicketStatus
	AssigneeID *int64
	Limit      int
	Offset     int
}

// ListByMailbox returns non-deleted tickets, most recent reply first.
func (r *TicketRepository) ListByMailbox(ctx context.Context, mailboxID int64, f ListFilter) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE mailbox_id = ? AND state <> ?`
	args := []interface{}{mailboxID, models.StateDeleted}
	if f.FolderID != 0 {
		query += ` AND folder_id = ?`
		args = append(args, f.FolderID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.AssigneeID != nil {
		query += ` AND assignee_id = ?`
		args = append(args, *f.AssigneeID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(` ORDER BY last_reply_at DESC, id DESC LIMIT %d OFFSET %d`, limit, max(f.Offset, 0))

	var out []models.Ticket
	if err := database.Select(ctx, r.q, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return out, nil
}
