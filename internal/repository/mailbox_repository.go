package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/models"
)

const mailboxColumns = `id, name, email, in_protocol, in_host, in_port, in_username, in_password, in_folder,
	auto_reply_enabled, auto_reply_subject, auto_reply_body, auto_bcc, ticket_counter, active, created_at, updated_at`

// MailboxRepository reads mailbox configuration. Mailboxes are administered
// elsewhere; Create exists for provisioning tools.
type MailboxRepository struct {
	q database.Queryer
}

func NewMailboxRepository(q database.Queryer) *MailboxRepository {
	return &MailboxRepository{q: q}
}

func (r *MailboxRepository) WithTx(tx *sqlx.Tx) *MailboxRepository {
	return &MailboxRepository{q: tx}
}

func (r *MailboxRepository) GetByID(ctx context.Context, id int64) (*models.Mailbox, error) {
	var mb models.Mailbox
	if err := database.Get(ctx, r.q, &mb, `SELECT `+mailboxColumns+` FROM mailboxes WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &mb, nil
}

// ListActive returns the mailboxes that should be polled.
func (r *MailboxRepository) ListActive(ctx context.Context) ([]models.Mailbox, error) {
	var out []models.Mailbox
	err := database.Select(ctx, r.q, &out, `SELECT `+mailboxColumns+` FROM mailboxes WHERE active = ? ORDER BY id`, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	return out, nil
}

// Create inserts a mailbox and sets its ID.
func (r *MailboxRepository) Create(ctx context.Context, mb *models.Mailbox) error {
	now := time.Now().UTC()
	mb.CreatedAt, mb.UpdatedAt = now, now
	id, err := database.InsertID(ctx, r.q, `
		INSERT INTO mailboxes (name, email, in_protocol, in_host, in_port, in_username, in_password, in_folder,
			auto_reply_enabled, auto_reply_subject, auto_reply_body, auto_bcc, ticket_counter, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mb.Name, mb.Email, mb.InProtocol, mb.InHost, mb.InPort, mb.InUsername, mb.InPassword, mb.InFolder,
		mb.AutoReplyEnabled, mb.AutoReplySubject, mb.AutoReplyBody, mb.AutoBCC, mb.TicketCounter, mb.Active,
		mb.CreatedAt, mb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create mailbox: %w", err)
	}
	mb.ID = id
	return nil
}
