package models

import "time"

// MessageType distinguishes the authorship and visibility of a thread entry.
type MessageType string

const (
	// MessageCustomer was written by the customer.
	MessageCustomer MessageType = "customer"
	// MessageReply is an agent reply sent to the customer.
	MessageReply MessageType = "message"
	// MessageNote is an internal note, never sent.
	MessageNote MessageType = "note"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageCustomer, MessageReply, MessageNote:
		return true
	}
	return false
}

// Message is one append-only entry of a ticket.
type Message struct {
	ID             int64       `json:"id" db:"id"`
	TicketID       int64       `json:"ticket_id" db:"ticket_id"`
	MailboxID      int64       `json:"mailbox_id" db:"mailbox_id"`
	Type           MessageType `json:"type" db:"type"`
	CustomerID     *int64      `json:"customer_id,omitempty" db:"customer_id"`
	UserID         *int64      `json:"user_id,omitempty" db:"user_id"`
	FromAddress    string      `json:"from" db:"from_address"`
	ToAddresses    string      `json:"to" db:"to_addresses"`
	CcAddresses    string      `json:"cc" db:"cc_addresses"`
	BccAddresses   string      `json:"bcc" db:"bcc_addresses"`
	Subject        string      `json:"subject" db:"subject"`
	Body           string      `json:"body" db:"body"`
	OriginalBody   *string     `json:"original_body,omitempty" db:"original_body"`
	ExternalID     *string     `json:"external_id,omitempty" db:"external_id"`
	InReplyTo      string      `json:"in_reply_to,omitempty" db:"in_reply_to"`
	State          TicketState `json:"state" db:"state"`
	EditedAt       *time.Time  `json:"edited_at,omitempty" db:"edited_at"`
	EditedByUserID *int64      `json:"edited_by_user_id,omitempty" db:"edited_by_user_id"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`

	Attachments []Attachment `json:"attachments,omitempty" db:"-"`
}

// Attachment is binary content bound to one message.
type Attachment struct {
	ID       int64  `json:"id" db:"id"`
	ThreadID int64  `json:"thread_id" db:"thread_id"`
	Filename string `json:"filename" db:"filename"`
	MimeType string `json:"mime_type" db:"mime_type"`
	Size     int64  `json:"size" db:"size"`
	Inline   bool   `json:"inline" db:"inline"`
	Content  []byte `json:"-" db:"content"`
}
