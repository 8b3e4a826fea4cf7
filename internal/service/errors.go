// Package service holds the ticket and customer workflows: ingestion of
// inbound mail, agent actions and customer merges.
package service

import (
	"errors"
	"time"

	"github.com/gotrs-io/mailroom/internal/models"
)

var (
	// ErrDuplicateMessage is returned when the mailbox already stores a
	// message with the same Message-ID. Nothing is written.
	ErrDuplicateMessage = errors.New("duplicate message")

	ErrSelfMerge         = errors.New("cannot merge a customer into itself")
	ErrCustomerNotFound  = errors.New("customer not found")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrMailboxNotFound   = errors.New("mailbox not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrTicketDeleted     = errors.New("ticket is deleted")
	ErrInvalidMessage    = errors.New("invalid message")

	// errOpenKeyTaken means a concurrent writer opened the ticket this
	// ingestion was about to open; the attempt is retried.
	errOpenKeyTaken = errors.New("open ticket key taken")

	// errCustomerGone means the resolved customer was merged away before
	// the write could lock it; the sender is resolved again.
	errCustomerGone = errors.New("customer merged away")
)

// ContinuationPolicy decides which existing ticket of a customer absorbs an
// inbound message that carries no usable thread reference.
type ContinuationPolicy struct {
	// Statuses a ticket must be in to be continued.
	Statuses []models.TicketStatus
	// MaxIdle, when positive, stops continuing tickets whose last reply is
	// older than this.
	MaxIdle time.Duration
}

// DefaultContinuationPolicy continues active and pending tickets regardless
// of age.
func DefaultContinuationPolicy() ContinuationPolicy {
	return ContinuationPolicy{Statuses: []models.TicketStatus{models.StatusActive, models.StatusPending}}
}

func (p ContinuationPolicy) since(now time.Time) time.Time {
	if p.MaxIdle <= 0 {
		return time.Time{}
	}
	return now.Add(-p.MaxIdle)
}
