package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/emailaddr"
	"github.com/gotrs-io/mailroom/internal/mailqueue"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/notifications"
	"github.com/gotrs-io/mailroom/internal/repository"
)

// CreateTicketRequest is an agent-composed conversation.
type CreateTicketRequest struct {
	MailboxID     int64  `json:"-"`
	CustomerID    int64  `json:"customer_id"`
	CustomerEmail string `json:"customer_email"`
	Subject       string `json:"subject" binding:"required"`
	Body          string `json:"body" binding:"required"`
	To            string `json:"to"`
	Cc            string `json:"cc"`
	Bcc           string `json:"bcc"`
	// Note opens the ticket with an internal note instead of an outgoing reply.
	Note       bool   `json:"note"`
	UserID     int64  `json:"user_id" binding:"required"`
	AssigneeID *int64 `json:"assignee_id"`
}

// ReplyRequest appends an agent entry to a ticket.
type ReplyRequest struct {
	TicketID int64              `json:"-"`
	Body     string             `json:"body" binding:"required"`
	Type     models.MessageType `json:"type"`
	UserID   int64              `json:"user_id" binding:"required"`
	To       string             `json:"to"`
	Cc       string             `json:"cc"`
	Bcc      string             `json:"bcc"`
}

// CreateTicket opens a ticket on behalf of an agent. The customer is taken
// as given; no profile inference and no auto-reply happen on this path.
func (s *TicketService) CreateTicket(ctx context.Context, req *CreateTicketRequest) (*models.Ticket, *models.Message, error) {
	if strings.TrimSpace(req.Body) == "" {
		return nil, nil, fmt.Errorf("%w: body is required", ErrInvalidMessage)
	}
	mb, err := repository.NewMailboxRepository(s.db).GetByID(ctx, req.MailboxID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrMailboxNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	var customer *models.Customer
	if req.CustomerID != 0 {
		customer, err = s.customers.Get(ctx, req.CustomerID)
	} else {
		customer, err = s.customers.Resolve(ctx, req.CustomerEmail, models.ProfileHints{})
	}
	if err != nil {
		return nil, nil, err
	}
	customerEmail := customer.PrimaryEmail()
	if req.CustomerEmail != "" {
		if e, err := emailaddr.Sanitize(req.CustomerEmail); err == nil {
			customerEmail = e
		}
	}

	typ := models.MessageReply
	if req.Note {
		typ = models.MessageNote
	}
	to := req.To
	if typ == models.MessageReply && strings.TrimSpace(to) == "" {
		to = customerEmail
	}

	var (
		ticket *models.Ticket
		msg    *models.Message
	)
	for attempt := 1; ; attempt++ {
		ticket, msg, err = s.openAgentTicket(ctx, mb, customer, customerEmail, typ, to, req)
		if !errors.Is(err, errCustomerGone) || attempt >= maxIngestAttempts {
			break
		}
		s.logger.Printf("tickets: mailbox %d customer %d merged away, resolving %s again", mb.ID, customer.ID, customerEmail)
		if customer, err = s.customers.Resolve(ctx, customerEmail, models.ProfileHints{}); err != nil {
			return nil, nil, err
		}
	}
	if errors.Is(err, errCustomerGone) {
		return nil, nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	created := ticketEvent(notifications.EventTicketCreated, ticket)
	appended := ticketEvent(notifications.EventMessageAppended, ticket)
	appended.ThreadID = msg.ID
	s.publish(ctx, created, appended)
	return ticket, msg, nil
}

// openAgentTicket inserts the ticket and its first agent message for a
// locked customer.
func (s *TicketService) openAgentTicket(ctx context.Context, mb *models.Mailbox, customer *models.Customer, customerEmail string, typ models.MessageType, to string, req *CreateTicketRequest) (ticket *models.Ticket, msg *models.Message, err error) {
	err = database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := lockCustomer(ctx, tx, customer.ID); err != nil {
			return err
		}
		inbox, err := repository.NewFolderRepository(tx).GetByType(ctx, mb.ID, models.FolderInbox)
		if err != nil {
			return fmt.Errorf("mailbox %d inbox: %w", mb.ID, err)
		}
		number, err := s.numbers.Next(ctx, tx, mb.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		userID := req.UserID
		ticket = &models.Ticket{
			Number:          number,
			MailboxID:       mb.ID,
			CustomerID:      customer.ID,
			CustomerEmail:   customerEmail,
			AssigneeID:      req.AssigneeID,
			FolderID:        inbox.ID,
			Subject:         normalizeSubject(req.Subject),
			Status:          models.StatusActive,
			State:           models.StatePublished,
			CreatedByUserID: &userID,
			CreatedAt:       now,
		}
		if err := repository.NewTicketRepository(tx).Create(ctx, ticket); err != nil {
			return err
		}
		if err := s.folders.OnTicketCreated(ctx, tx, ticket); err != nil {
			return err
		}
		msg, err = s.appendAgentMessage(ctx, tx, mb, ticket, typ, req.UserID, req.Body, to, req.Cc, req.Bcc, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return ticket, msg, nil
}

// Reply appends an agent reply or internal note. Replies are queued as
// outbound mail and update the last-reply fields; notes change neither.
func (s *TicketService) Reply(ctx context.Context, req *ReplyRequest) (*models.Message, error) {
	typ := req.Type
	if typ == "" {
		typ = models.MessageReply
	}
	if typ != models.MessageReply && typ != models.MessageNote {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidMessage, req.Type)
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, fmt.Errorf("%w: body is required", ErrInvalidMessage)
	}

	var (
		ticket *models.Ticket
		msg    *models.Message
	)
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		ticket, err = s.lockVisible(ctx, tx, req.TicketID)
		if err != nil {
			return err
		}
		mb, err := repository.NewMailboxRepository(tx).GetByID(ctx, ticket.MailboxID)
		if err != nil {
			return err
		}
		to := req.To
		if typ == models.MessageReply && strings.TrimSpace(to) == "" {
			to = ticket.CustomerEmail
		}
		msg, err = s.appendAgentMessage(ctx, tx, mb, ticket, typ, req.UserID, req.Body, to, req.Cc, req.Bcc, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}

	evt := ticketEvent(notifications.EventMessageAppended, ticket)
	evt.ThreadID = msg.ID
	evt.Field = string(typ)
	s.publish(ctx, evt)
	return msg, nil
}

// appendAgentMessage writes an agent entry, bumps the ticket aggregates and
// queues the outgoing mail for replies.
func (s *TicketService) appendAgentMessage(ctx context.Context, tx *sqlx.Tx, mb *models.Mailbox, ticket *models.Ticket, typ models.MessageType, userID int64, body, to, cc, bcc string, now time.Time) (*models.Message, error) {
	threads := repository.NewThreadRepository(tx)
	var references []string
	if typ == models.MessageReply {
		prior, err := threads.ListByTicket(ctx, ticket.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range prior {
			if m.ExternalID != nil && m.Type != models.MessageNote {
				references = append(references, *m.ExternalID)
			}
		}
	}

	uid := userID
	msg := &models.Message{
		TicketID:     ticket.ID,
		MailboxID:    mb.ID,
		Type:         typ,
		UserID:       &uid,
		FromAddress:  mb.Email,
		ToAddresses:  strings.Join(emailaddr.SanitizeList(to), ","),
		CcAddresses:  strings.Join(emailaddr.SanitizeList(cc), ","),
		BccAddresses: strings.Join(emailaddr.SanitizeList(bcc), ","),
		Subject:      ticket.Subject,
		Body:         body,
		State:        ticket.State,
		CreatedAt:    now,
	}
	if typ == models.MessageReply {
		// Customer replies quoting this id thread back onto the ticket.
		id := mailqueue.GenerateMessageID(mailqueue.DomainOf(mb.Email))
		msg.ExternalID = &id
		if n := len(references); n > 0 {
			msg.InReplyTo = references[n-1]
		}
	}
	if err := threads.Create(ctx, msg); err != nil {
		return nil, err
	}

	ticket.ThreadsCount++
	if typ == models.MessageReply {
		ticket.LastReplyAt = &now
		ticket.LastReplyFrom = models.ReplyFromUser
	}
	if err := repository.NewTicketRepository(tx).Update(ctx, ticket); err != nil {
		return nil, err
	}
	if typ == models.MessageReply {
		if _, err := s.outbox.QueueReply(ctx, tx, mb, ticket, msg, references); err != nil {
			return nil, fmt.Errorf("queue reply: %w", err)
		}
	}
	return msg, nil
}

// lockVisible row-locks a ticket that is not soft-deleted.
func (s *TicketService) lockVisible(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Ticket, error) {
	t, err := repository.NewTicketRepository(tx).GetForUpdate(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	if !t.Visible() {
		return nil, ErrTicketDeleted
	}
	return t, nil
}

// mutate runs fn on a locked visible ticket, persists it and publishes a
// ticket.updated event for field. fn returns false when nothing changed.
func (s *TicketService) mutate(ctx context.Context, id int64, field string, fn func(tx *sqlx.Tx, t *models.Ticket) (bool, error)) (*models.Ticket, error) {
	var (
		ticket  *models.Ticket
		changed bool
	)
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		if ticket, err = s.lockVisible(ctx, tx, id); err != nil {
			return err
		}
		if changed, err = fn(tx, ticket); err != nil || !changed {
			return err
		}
		return repository.NewTicketRepository(tx).Update(ctx, ticket)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		evt := ticketEvent(notifications.EventTicketUpdated, ticket)
		evt.Field = field
		s.publish(ctx, evt)
	}
	return ticket, nil
}

// ChangeStatus sets the triage status. The ticket stays in its folder;
// closing or marking spam releases its open-conversation key.
func (s *TicketService) ChangeStatus(ctx context.Context, id int64, status models.TicketStatus) (*models.Ticket, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	return s.mutate(ctx, id, "status", func(tx *sqlx.Tx, t *models.Ticket) (bool, error) {
		if t.Status == status {
			return false, nil
		}
		old := t.Status
		t.Status = status
		switch status {
		case models.StatusClosed:
			now := time.Now().UTC()
			t.ClosedAt = &now
			t.OpenKey = nil
		case models.StatusSpam:
			t.ClosedAt = nil
			t.OpenKey = nil
		default:
			t.ClosedAt = nil
		}
		return true, s.folders.OnTicketStatusChanged(ctx, tx, t, old, status)
	})
}

// ChangeAssignee assigns the ticket to a user, or unassigns it with nil.
// Assignment only feeds virtual folders, so no counters move.
func (s *TicketService) ChangeAssignee(ctx context.Context, id int64, assigneeID *int64) (*models.Ticket, error) {
	return s.mutate(ctx, id, "assignee", func(_ *sqlx.Tx, t *models.Ticket) (bool, error) {
		if sameID(t.AssigneeID, assigneeID) {
			return false, nil
		}
		t.AssigneeID = assigneeID
		return true, nil
	})
}

// ChangeFolder moves the ticket to another real folder of its mailbox.
func (s *TicketService) ChangeFolder(ctx context.Context, id int64, folder models.FolderType) (*models.Ticket, error) {
	if !folder.Valid() || folder.Virtual() {
		return nil, fmt.Errorf("%w: cannot move into folder %q", ErrInvalidTransition, folder)
	}
	return s.mutate(ctx, id, "folder", func(tx *sqlx.Tx, t *models.Ticket) (bool, error) {
		dest, err := repository.NewFolderRepository(tx).GetByType(ctx, t.MailboxID, folder)
		if err != nil {
			return false, fmt.Errorf("mailbox %d folder %s: %w", t.MailboxID, folder, err)
		}
		if dest.ID == t.FolderID {
			return false, nil
		}
		from := t.FolderID
		t.FolderID = dest.ID
		return true, s.folders.OnTicketMoved(ctx, tx, t, from, dest.ID)
	})
}

// SoftDelete hides the ticket and its messages from every listing and count.
// Deleting an already deleted ticket is a no-op.
func (s *TicketService) SoftDelete(ctx context.Context, id int64) error {
	var ticket *models.Ticket
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		tickets := repository.NewTicketRepository(tx)
		t, err := tickets.GetForUpdate(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTicketNotFound
		}
		if err != nil || !t.Visible() {
			return err
		}
		old := t.State
		t.State = models.StateDeleted
		t.OpenKey = nil
		if err := s.folders.OnTicketStateChanged(ctx, tx, t, old, t.State); err != nil {
			return err
		}
		if err := tickets.Update(ctx, t); err != nil {
			return err
		}
		if err := repository.NewThreadRepository(tx).MirrorState(ctx, t.ID, t.State); err != nil {
			return err
		}
		ticket = t
		return nil
	})
	if err != nil {
		return err
	}
	if ticket != nil {
		evt := ticketEvent(notifications.EventTicketUpdated, ticket)
		evt.Field = "state"
		s.publish(ctx, evt)
	}
	return nil
}

// EditMessage replaces a message body, stamping the editor and keeping the
// first original body.
func (s *TicketService) EditMessage(ctx context.Context, messageID int64, body string, userID int64) (*models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: body is required", ErrInvalidMessage)
	}
	var msg *models.Message
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		threads := repository.NewThreadRepository(tx)
		m, err := threads.GetByID(ctx, messageID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		if _, err := s.lockVisible(ctx, tx, m.TicketID); err != nil {
			return err
		}
		if err := threads.Edit(ctx, messageID, body, userID, time.Now().UTC()); err != nil {
			return err
		}
		msg, err = threads.GetByID(ctx, messageID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
