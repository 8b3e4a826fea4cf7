package notifications

import "time"

// EventType names a domain event.
type EventType string

const (
	EventTicketCreated   EventType = "ticket.created"
	EventMessageAppended EventType = "message.appended"
	EventTicketUpdated   EventType = "ticket.updated"
	EventCustomerMerged  EventType = "customer.merged"
)

// Event describes something agents may want to hear about. Fan-out to people
// is up to the hub implementation.
type Event struct {
	Type         EventType `json:"type"`
	MailboxID    int64     `json:"mailbox_id,omitempty"`
	TicketID     int64     `json:"ticket_id,omitempty"`
	TicketNumber int       `json:"ticket_number,omitempty"`
	ThreadID     int64     `json:"thread_id,omitempty"`
	CustomerID   int64     `json:"customer_id,omitempty"`
	// SourceCustomerID is the retired customer of a merge.
	SourceCustomerID int64     `json:"source_customer_id,omitempty"`
	AssigneeID       *int64    `json:"assignee_id,omitempty"`
	Field            string    `json:"field,omitempty"`
	Summary          string    `json:"summary,omitempty"`
	Preview          string    `json:"preview,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Key is the partition key used by ordered transports: events of one ticket
// stay in order.
func (e Event) Key() string {
	switch {
	case e.TicketID != 0:
		return "ticket:" + itoa(e.TicketID)
	case e.CustomerID != 0:
		return "customer:" + itoa(e.CustomerID)
	default:
		return "mailbox:" + itoa(e.MailboxID)
	}
}
