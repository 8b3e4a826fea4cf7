package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/emailaddr"
	"github.com/gotrs-io/mailroom/internal/folders"
	"github.com/gotrs-io/mailroom/internal/mailqueue"
	"github.com/gotrs-io/mailroom/internal/metrics"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/notifications"
	"github.com/gotrs-io/mailroom/internal/repository"
	"github.com/gotrs-io/mailroom/internal/ticketnumber"
	"github.com/gotrs-io/mailroom/internal/utils"
)

// maxIngestAttempts bounds the retries after losing an open-ticket race.
const maxIngestAttempts = 3

// TicketService handles business logic for tickets
type TicketService struct {
	db        *sqlx.DB
	customers *CustomerService
	numbers   ticketnumber.Allocator
	formatter ticketnumber.Formatter
	folders   *folders.Maintainer
	outbox    *mailqueue.Outbox
	hub       notifications.Hub
	policy    ContinuationPolicy
	logger    *log.Logger
}

// TicketOption customizes a TicketService.
type TicketOption func(*TicketService)

// WithAllocator overrides the ticket number allocator.
func WithAllocator(a ticketnumber.Allocator) TicketOption {
	return func(s *TicketService) {
		if a != nil {
			s.numbers = a
		}
	}
}

// WithFormatter sets how ticket numbers are shown in outbound mail.
func WithFormatter(f ticketnumber.Formatter) TicketOption {
	return func(s *TicketService) {
		if f != nil {
			s.formatter = f
		}
	}
}

// WithHub publishes events to h instead of the shared notifications hub.
func WithHub(h notifications.Hub) TicketOption {
	return func(s *TicketService) { s.hub = h }
}

// WithContinuationPolicy overrides DefaultContinuationPolicy.
func WithContinuationPolicy(p ContinuationPolicy) TicketOption {
	return func(s *TicketService) { s.policy = p }
}

// WithTicketLogger overrides the default logger.
func WithTicketLogger(l *log.Logger) TicketOption {
	return func(s *TicketService) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewTicketService creates a new ticket service
func NewTicketService(db *sqlx.DB, opts ...TicketOption) *TicketService {
	s := &TicketService{
		db:        db,
		numbers:   ticketnumber.NewDBStore(),
		formatter: ticketnumber.Plain{},
		policy:    DefaultContinuationPolicy(),
		logger:    log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.customers = NewCustomerService(db, s.logger)
	s.folders = folders.NewMaintainer(folders.WithLogger(s.logger))
	s.outbox = mailqueue.NewOutbox(s.formatter)
	return s
}

// Customers exposes the resolver the service ingests with.
func (s *TicketService) Customers() *CustomerService { return s.customers }

func (s *TicketService) publish(ctx context.Context, events ...notifications.Event) {
	hub := s.hub
	if hub == nil {
		hub = notifications.GetHub()
	}
	for _, evt := range events {
		if evt.OccurredAt.IsZero() {
			evt.OccurredAt = time.Now().UTC()
		}
		if err := hub.Publish(ctx, evt); err != nil {
			s.logger.Printf("tickets: publish %s for ticket %d: %v", evt.Type, evt.TicketID, err)
			continue
		}
		metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
	}
}

// InboundMessage is a parsed inbound email ready for ingestion.
type InboundMessage struct {
	MessageID  string
	InReplyTo  string
	References []string
	From       string
	Hints      models.ProfileHints
	To         string
	Cc         string
	Subject    string
	Body       string
	Date       time.Time
	// SuppressAutoReply is set for auto-submitted, bulk and bounce mail.
	SuppressAutoReply bool
	Attachments       []models.Attachment
}

// refs returns the thread references, most specific first.
func (m *InboundMessage) refs() []string {
	out := make([]string, 0, len(m.References)+1)
	seen := map[string]bool{}
	add := func(id string) {
		id = strings.Trim(strings.TrimSpace(id), "<>")
		if id != "" && !seen[id] && id != m.MessageID {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(m.InReplyTo)
	for i := len(m.References) - 1; i >= 0; i-- {
		add(m.References[i])
	}
	return out
}

// Outcome tells how an inbound message was threaded.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeAppended Outcome = "appended"
)

// IngestResult is the outcome of one successful ingestion.
type IngestResult struct {
	Outcome   Outcome
	Ticket    *models.Ticket
	Message   *models.Message
	Customer  *models.Customer
	AutoReply *mailqueue.Item
}

// Ingest stores an inbound message, threading it onto an existing ticket or
// opening a new one. ErrInvalidAddress means the sender cannot be resolved
// and nothing was written; ErrDuplicateMessage means the Message-ID was
// already ingested for the mailbox.
func (s *TicketService) Ingest(ctx context.Context, mb *models.Mailbox, in *InboundMessage) (*IngestResult, error) {
	customer, err := s.customers.Resolve(ctx, in.From, in.Hints)
	if err != nil {
		if errors.Is(err, emailaddr.ErrInvalidAddress) {
			metrics.MessagesIngested.WithLabelValues("invalid_address").Inc()
		}
		return nil, err
	}
	res, err := s.ingestAs(ctx, mb, customer, in)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateMessage):
			metrics.MessagesIngested.WithLabelValues("duplicate").Inc()
		default:
			metrics.MessagesIngested.WithLabelValues("failed").Inc()
		}
		return nil, err
	}

	metrics.MessagesIngested.WithLabelValues(string(res.Outcome)).Inc()
	if res.AutoReply != nil {
		metrics.AutoRepliesQueued.Inc()
	}
	var events []notifications.Event
	if res.Outcome == OutcomeCreated {
		events = append(events, ticketEvent(notifications.EventTicketCreated, res.Ticket))
	}
	appended := ticketEvent(notifications.EventMessageAppended, res.Ticket)
	appended.ThreadID = res.Message.ID
	appended.CustomerID = res.Customer.ID
	appended.Summary = fmt.Sprintf("New message on ticket %s", s.formatter.Format(res.Ticket.Number, res.Ticket.CreatedAt))
	appended.Preview = preview(res.Message.Body)
	events = append(events, appended)
	s.publish(ctx, events...)
	return res, nil
}

// ingestAs stores in for customer, retrying a lost open-ticket race and
// re-resolving the sender when a merge deleted customer in the meantime.
func (s *TicketService) ingestAs(ctx context.Context, mb *models.Mailbox, customer *models.Customer, in *InboundMessage) (*IngestResult, error) {
	for attempt := 1; ; attempt++ {
		res, err := s.ingestOnce(ctx, mb, customer, in)
		if err == nil || attempt >= maxIngestAttempts {
			return res, err
		}
		switch {
		case errors.Is(err, errOpenKeyTaken):
			s.logger.Printf("tickets: mailbox %d customer %d: concurrent ticket open, retrying", mb.ID, customer.ID)
		case errors.Is(err, errCustomerGone):
			s.logger.Printf("tickets: mailbox %d customer %d merged away, resolving %s again", mb.ID, customer.ID, in.From)
			if customer, err = s.customers.Resolve(ctx, in.From, in.Hints); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

func (s *TicketService) ingestOnce(ctx context.Context, mb *models.Mailbox, customer *models.Customer, in *InboundMessage) (*IngestResult, error) {
	res := &IngestResult{Customer: customer, Outcome: OutcomeAppended}
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		tickets := repository.NewTicketRepository(tx)
		threads := repository.NewThreadRepository(tx)

		// Held until commit so a merge cannot delete the customer under us.
		if err := lockCustomer(ctx, tx, customer.ID); err != nil {
			return err
		}

		if in.MessageID != "" {
			dup, err := threads.ExternalIDExists(ctx, mb.ID, in.MessageID)
			if err != nil {
				return err
			}
			if dup {
				return ErrDuplicateMessage
			}
		}

		now := time.Now().UTC()
		at := now
		if !in.Date.IsZero() && in.Date.Before(now) {
			at = in.Date.UTC()
		}
		email, _ := emailaddr.Sanitize(in.From)

		ticket, err := tickets.FindByMessageIDs(ctx, mb.ID, in.refs())
		if errors.Is(err, repository.ErrNotFound) {
			ticket, err = tickets.FindOpenForCustomer(ctx, mb.ID, customer.ID, s.policy.Statuses, s.policy.since(now))
		}
		if errors.Is(err, repository.ErrNotFound) {
			ticket, err = s.openTicket(ctx, tx, mb, customer, email, in.Subject, now)
			res.Outcome = OutcomeCreated
		}
		if err != nil {
			return err
		}

		msg := &models.Message{
			TicketID:    ticket.ID,
			MailboxID:   mb.ID,
			Type:        models.MessageCustomer,
			CustomerID:  &customer.ID,
			FromAddress: email,
			ToAddresses: in.To,
			CcAddresses: in.Cc,
			Subject:     in.Subject,
			Body:        in.Body,
			InReplyTo:   strings.Trim(in.InReplyTo, "<>"),
			State:       ticket.State,
			CreatedAt:   at,
			Attachments: in.Attachments,
		}
		if in.MessageID != "" {
			id := in.MessageID
			msg.ExternalID = &id
		}
		if err := threads.Create(ctx, msg); err != nil {
			if database.IsUniqueViolation(err) {
				return ErrDuplicateMessage
			}
			return err
		}

		// A customer writing back reopens the conversation.
		if ticket.Status == models.StatusPending || ticket.Status == models.StatusClosed {
			old := ticket.Status
			ticket.Status = models.StatusActive
			ticket.ClosedAt = nil
			if err := s.folders.OnTicketStatusChanged(ctx, tx, ticket, old, ticket.Status); err != nil {
				return err
			}
		}
		ticket.ThreadsCount++
		ticket.LastReplyAt = &at
		ticket.LastReplyFrom = models.ReplyFromCustomer
		if err := tickets.Update(ctx, ticket); err != nil {
			return err
		}

		if res.Outcome == OutcomeCreated && mb.AutoReplyEnabled && !in.SuppressAutoReply && !strings.EqualFold(email, mb.Email) {
			item, err := s.outbox.QueueAutoReply(ctx, tx, mb, ticket, customer, in.MessageID)
			switch {
			case errors.Is(err, mailqueue.ErrTemplate):
				s.logger.Printf("tickets: mailbox %d auto-reply skipped: %v", mb.ID, err)
			case err != nil:
				return err
			default:
				if err := tickets.AddOutboundID(ctx, mb.ID, ticket.ID, item.MessageID); err != nil {
					return err
				}
				res.AutoReply = item
			}
		}
		res.Ticket, res.Message = ticket, msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// openTicket numbers and inserts a new ingestion ticket in the Inbox. The
// open key makes a concurrent opener for the same customer fail with
// errOpenKeyTaken instead of creating a second conversation.
func (s *TicketService) openTicket(ctx context.Context, tx *sqlx.Tx, mb *models.Mailbox, customer *models.Customer, email, subject string, now time.Time) (*models.Ticket, error) {
	inbox, err := repository.NewFolderRepository(tx).GetByType(ctx, mb.ID, models.FolderInbox)
	if err != nil {
		return nil, fmt.Errorf("mailbox %d inbox: %w", mb.ID, err)
	}
	number, err := s.numbers.Next(ctx, tx, mb.ID)
	if err != nil {
		if errors.Is(err, ticketnumber.ErrUnknownMailbox) {
			return nil, ErrMailboxNotFound
		}
		return nil, err
	}

	tickets := repository.NewTicketRepository(tx)
	key := models.OpenTicketKey(mb.ID, customer.ID)
	if _, err := tickets.ReleaseOpenKey(ctx, key, s.policy.Statuses, s.policy.since(now)); err != nil {
		return nil, err
	}
	t := &models.Ticket{
		Number:        number,
		MailboxID:     mb.ID,
		CustomerID:    customer.ID,
		CustomerEmail: email,
		FolderID:      inbox.ID,
		Subject:       normalizeSubject(subject),
		Status:        models.StatusActive,
		State:         models.StatePublished,
		LastReplyFrom: models.ReplyFromCustomer,
		OpenKey:       &key,
		CreatedAt:     now,
	}
	if err := tickets.Create(ctx, t); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, errOpenKeyTaken
		}
		return nil, err
	}
	if err := s.folders.OnTicketCreated(ctx, tx, t); err != nil {
		return nil, err
	}
	s.logger.Printf("tickets: mailbox %d opened ticket %d (#%d) for customer %d", mb.ID, t.ID, t.Number, customer.ID)
	return t, nil
}

func lockCustomer(ctx context.Context, tx *sqlx.Tx, id int64) error {
	err := repository.NewCustomerRepository(tx).Lock(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return errCustomerGone
	}
	return err
}

const previewRunes = 140

// preview is the one-line plain-text start of a body, for event consumers.
func preview(body string) string {
	if utils.IsHTML(body) {
		body = utils.HTMLToText(body)
	}
	r := []rune(strings.Join(strings.Fields(body), " "))
	if len(r) > previewRunes {
		return strings.TrimSpace(string(r[:previewRunes])) + "..."
	}
	return string(r)
}

func normalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "(no subject)"
	}
	return subject
}

func ticketEvent(typ notifications.EventType, t *models.Ticket) notifications.Event {
	return notifications.Event{
		Type:         typ,
		MailboxID:    t.MailboxID,
		TicketID:     t.ID,
		TicketNumber: t.Number,
		CustomerID:   t.CustomerID,
		AssigneeID:   t.AssigneeID,
		OccurredAt:   time.Now().UTC(),
	}
}

// DisplayNumber renders a ticket number with the configured formatter.
func (s *TicketService) DisplayNumber(t *models.Ticket) string {
	return s.formatter.Format(t.Number, t.CreatedAt)
}

// GetTicket returns a visible ticket.
func (s *TicketService) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	t, err := repository.NewTicketRepository(s.db).GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !t.Visible()) {
		return nil, ErrTicketNotFound
	}
	return t, err
}

// ListTickets returns the visible tickets of a mailbox.
func (s *TicketService) ListTickets(ctx context.Context, mailboxID int64, f repository.ListFilter) ([]models.Ticket, error) {
	return repository.NewTicketRepository(s.db).ListByMailbox(ctx, mailboxID, f)
}

// Messages returns the thread of a visible ticket, oldest first.
func (s *TicketService) Messages(ctx context.Context, ticketID int64) ([]models.Message, error) {
	if _, err := s.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	return repository.NewThreadRepository(s.db).ListByTicket(ctx, ticketID)
}
