package models

import "time"

// Mailbox is a monitored shared inbox.
type Mailbox struct {
	ID    int64  `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`

	// Inbound account; protocol is one of imap, imaps, pop3, pop3s.
	InProtocol string `json:"in_protocol" db:"in_protocol"`
	InHost     string `json:"in_host" db:"in_host"`
	InPort     int    `json:"in_port" db:"in_port"`
	InUsername string `json:"in_username" db:"in_username"`
	InPassword string `json:"-" db:"in_password"`
	InFolder   string `json:"in_folder" db:"in_folder"`

	AutoReplyEnabled bool   `json:"auto_reply_enabled" db:"auto_reply_enabled"`
	AutoReplySubject string `json:"auto_reply_subject" db:"auto_reply_subject"`
	AutoReplyBody    string `json:"auto_reply_body" db:"auto_reply_body"`
	AutoBCC          string `json:"auto_bcc" db:"auto_bcc"`

	TicketCounter int       `json:"ticket_counter" db:"ticket_counter"`
	Active        bool      `json:"active" db:"active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// FolderType names a folder kind. Inbox, Sent, Drafts, Spam and Trash own
// tickets; the rest are computed views.
type FolderType string

const (
	FolderInbox    FolderType = "inbox"
	FolderSent     FolderType = "sent"
	FolderDrafts   FolderType = "drafts"
	FolderSpam     FolderType = "spam"
	FolderTrash    FolderType = "trash"
	FolderAssigned FolderType = "assigned"
	FolderMine     FolderType = "mine"
	FolderStarred  FolderType = "starred"
)

// RealFolderTypes lists the folders every mailbox owns.
var RealFolderTypes = []FolderType{FolderInbox, FolderSent, FolderDrafts, FolderSpam, FolderTrash}

// Virtual reports whether the folder is a computed view.
func (t FolderType) Virtual() bool {
	switch t {
	case FolderAssigned, FolderMine, FolderStarred:
		return true
	}
	return false
}

// Valid reports whether t is a known folder type.
func (t FolderType) Valid() bool {
	switch t {
	case FolderInbox, FolderSent, FolderDrafts, FolderSpam, FolderTrash:
		return true
	}
	return t.Virtual()
}

// Folder is a bucket of tickets within a mailbox with cached counters.
type Folder struct {
	ID          int64      `json:"id" db:"id"`
	MailboxID   int64      `json:"mailbox_id" db:"mailbox_id"`
	UserID      *int64     `json:"user_id,omitempty" db:"user_id"`
	Type        FolderType `json:"type" db:"type"`
	ActiveCount int        `json:"active_count" db:"active_count"`
	TotalCount  int        `json:"total_count" db:"total_count"`
}
