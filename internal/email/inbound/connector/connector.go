package connector

import (
	"context"
	"time"
)

// Account carries the minimal set of fields a connector needs to open a mailbox.
type Account struct {
	ID       int64
	Type     string // pop3, pop3s, imap, imaps
	Host     string
	Port     int
	Username string
	Password []byte
	// Address is the mailbox's own email address.
	Address    string
	IMAPFolder string
}

// FetchedMessage wraps the on-wire RFC822 payload plus derived metadata.
type FetchedMessage struct {
	AccountID  int64
	Connector  string
	UID        string
	RemoteID   string
	ReceivedAt time.Time
	SizeBytes  int64
	Raw        []byte
	Metadata   map[string]string
	account    Account
}

// AccountSnapshot returns the account metadata captured when the fetch occurred.
func (m FetchedMessage) AccountSnapshot() Account {
	return m.account
}

// WithAccount captures the account metadata on the message.
func (m *FetchedMessage) WithAccount(acc Account) {
	m.account = acc
	m.AccountID = acc.ID
}

// Handler receives fully fetched messages in arrival order.
//
// A nil error means the message is done with and the fetcher marks it seen
// (or deletes it). Any error leaves the message on the server untouched so
// the next cycle picks it up again; the fetcher moves on to the next one.
type Handler interface {
	Handle(ctx context.Context, msg *FetchedMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *FetchedMessage) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg *FetchedMessage) error {
	return f(ctx, msg)
}

// Fetcher implementations (POP3, IMAP) stream messages to a handler.
//
// Fetch only returns an error for connection and protocol failures, or when
// ctx is cancelled; handler errors are per message.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, account Account, handler Handler) error
}

// Factory resolves the correct connector implementation for a mailbox.
type Factory interface {
	FetcherFor(account Account) (Fetcher, error)
}
