package models

import (
	"fmt"
	"time"
)

// TicketStatus is the triage axis of a ticket.
type TicketStatus string

const (
	StatusActive  TicketStatus = "active"
	StatusPending TicketStatus = "pending"
	StatusClosed  TicketStatus = "closed"
	StatusSpam    TicketStatus = "spam"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPending, StatusClosed, StatusSpam:
		return true
	}
	return false
}

// Open reports whether the status allows further conversation.
func (s TicketStatus) Open() bool {
	return s == StatusActive || s == StatusPending
}

// TicketState is the lifecycle/visibility axis of a ticket, independent of status.
type TicketState string

const (
	StateDraft     TicketState = "draft"
	StatePublished TicketState = "published"
	StateDeleted   TicketState = "deleted"
)

// Valid reports whether s is a known state.
func (s TicketState) Valid() bool {
	switch s {
	case StateDraft, StatePublished, StateDeleted:
		return true
	}
	return false
}

// ReplySource records who wrote the latest reply.
type ReplySource string

const (
	ReplyFromCustomer ReplySource = "customer"
	ReplyFromUser     ReplySource = "user"
)

// Ticket is a conversation within a mailbox.
type Ticket struct {
	ID              int64        `json:"id" db:"id"`
	Number          int          `json:"number" db:"number"`
	MailboxID       int64        `json:"mailbox_id" db:"mailbox_id"`
	CustomerID      int64        `json:"customer_id" db:"customer_id"`
	CustomerEmail   string       `json:"customer_email" db:"customer_email"`
	AssigneeID      *int64       `json:"assignee_id,omitempty" db:"assignee_id"`
	FolderID        int64        `json:"folder_id" db:"folder_id"`
	Subject         string       `json:"subject" db:"subject"`
	Status          TicketStatus `json:"status" db:"status"`
	State           TicketState  `json:"state" db:"state"`
	LastReplyAt     *time.Time   `json:"last_reply_at,omitempty" db:"last_reply_at"`
	LastReplyFrom   ReplySource  `json:"last_reply_from" db:"last_reply_from"`
	ThreadsCount    int          `json:"threads_count" db:"threads_count"`
	Starred         bool         `json:"starred" db:"starred"`
	OpenKey         *string      `json:"-" db:"open_key"`
	ClosedAt        *time.Time   `json:"closed_at,omitempty" db:"closed_at"`
	CreatedByUserID *int64       `json:"created_by_user_id,omitempty" db:"created_by_user_id"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

// Visible reports whether the ticket takes part in listings and counts.
func (t *Ticket) Visible() bool {
	return t.State != StateDeleted
}

// OpenTicketKey is the value held in tickets.open_key while a ticket opened by
// ingestion is still open; the unique index on it lets only one such ticket
// exist per mailbox and customer.
func OpenTicketKey(mailboxID, customerID int64) string {
	return fmt.Sprintf("%d:%d", mailboxID, customerID)
}
