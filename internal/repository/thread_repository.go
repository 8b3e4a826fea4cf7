package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/models"
)

const threadColumns = `id, ticket_id, mailbox_id, type, customer_id, user_id, from_address, to_addresses, cc_addresses,
	bcc_addresses, subject, body, original_body, external_id, in_reply_to, state, edited_at, edited_by_user_id, created_at`

// ThreadRepository stores the messages of a ticket and their attachments.
type ThreadRepository struct {
	q database.Queryer
}

func NewThreadRepository(q database.Queryer) *ThreadRepository {
	return &ThreadRepository{q: q}
}

func (r *ThreadRepository) WithTx(tx *sqlx.Tx) *ThreadRepository {
	return &ThreadRepository{q: tx}
}

// ExternalIDExists reports whether a message with this Message-ID was already
// stored for the mailbox.
func (r *ThreadRepository) ExternalIDExists(ctx context.Context, mailboxID int64, externalID string) (bool, error) {
	var n int
	err := database.Get(ctx, r.q, &n,
		`SELECT COUNT(*) FROM threads WHERE mailbox_id = ? AND external_id = ?`, mailboxID, externalID)
	if err != nil {
		return false, fmt.Errorf("failed to check message id: %w", err)
	}
	return n > 0, nil
}

// Create inserts the message and its attachments. Unique violations on the
// external id are left detectable with database.IsUniqueViolation.
func (r *ThreadRepository) Create(ctx context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	id, err := database.InsertID(ctx, r.q, `
		INSERT INTO threads (ticket_id, mailbox_id, type, customer_id, user_id, from_address, to_addresses, cc_addresses,
			bcc_addresses, subject, body, external_id, in_reply_to, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.TicketID, m.MailboxID, m.Type, m.CustomerID, m.UserID, m.FromAddress, m.ToAddresses, m.CcAddresses,
		m.BccAddresses, m.Subject, m.Body, m.ExternalID, m.InReplyTo, m.State, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	m.ID = id
	for i := range m.Attachments {
		a := &m.Attachments[i]
		a.ThreadID = id
		if a.Size == 0 {
			a.Size = int64(len(a.Content))
		}
		aid, err := database.InsertID(ctx, r.q,
			`INSERT INTO attachments (thread_id, filename, mime_type, size, inline, content) VALUES (?, ?, ?, ?, ?, ?)`,
			a.ThreadID, a.Filename, a.MimeType, a.Size, a.Inline, a.Content)
		if err != nil {
			return fmt.Errorf("failed to store attachment %q: %w", a.Filename, err)
		}
		a.ID = aid
	}
	return nil
}

func (r *ThreadRepository) GetByID(ctx context.Context, id int64) (*models.Message, error) {
	var m models.Message
	if err := database.Get(ctx, r.q, &m, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ListByTicket returns the messages of a ticket in creation order, without
// attachment content.
func (r *ThreadRepository) ListByTicket(ctx context.Context, ticketID int64) ([]models.Message, error) {
	var out []models.Message
	if err := database.Select(ctx, r.q, &out, `SELECT `+threadColumns+` FROM threads WHERE ticket_id = ? ORDER BY id`, ticketID); err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}
	ids := make([]int64, len(out))
	byID := make(map[int64]*models.Message, len(out))
	for i := range out {
		ids[i] = out[i].ID
		byID[out[i].ID] = &out[i]
	}
	query, args, err := database.In(r.q,
		`SELECT id, thread_id, filename, mime_type, size, inline FROM attachments WHERE thread_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	var atts []models.Attachment
	if err := sqlx.SelectContext(ctx, r.q, &atts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	for _, a := range atts {
		if m := byID[a.ThreadID]; m != nil {
			m.Attachments = append(m.Attachments, a)
		}
	}
	return out, nil
}

// MirrorState copies the ticket state onto all of its messages.
func (r *ThreadRepository) MirrorState(ctx context.Context, ticketID int64, state models.TicketState) error {
	if _, err := database.Exec(ctx, r.q, `UPDATE threads SET state = ? WHERE ticket_id = ?`, state, ticketID); err != nil {
		return fmt.Errorf("failed to mirror thread state: %w", err)
	}
	return nil
}

// ReassignCustomer rewrites customer authorship from one customer to another.
func (r *ThreadRepository) ReassignCustomer(ctx context.Context, from, to int64) (int64, error) {
	res, err := database.Exec(ctx, r.q, `UPDATE threads SET customer_id = ? WHERE customer_id = ?`, to, from)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign threads: %w", err)
	}
	return res.RowsAffected()
}

// Edit replaces the body and stamps the editor. The first edit preserves the
// original body.
func (r *ThreadRepository) Edit(ctx context.Context, id int64, body string, userID int64, at time.Time) error {
	res, err := database.Exec(ctx, r.q, `
		UPDATE threads SET original_body = COALESCE(original_body, body), body = ?, edited_at = ?, edited_by_user_id = ?
		WHERE id = ?`, body, at, userID, id)
	if err != nil {
		return fmt.Errorf("failed to edit thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
