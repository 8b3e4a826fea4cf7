package fetch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConcurrentFetch is returned when another cycle holds the mailbox lock.
var ErrConcurrentFetch = errors.New("fetch already in progress for mailbox")

// ConnectionError reports a cycle that failed before any message was ingested:
// the mailbox could not be reached, authenticated or read.
type ConnectionError struct {
	MailboxID int64
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mailbox %d: connection failed: %v", e.MailboxID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MessageFailure describes one message that could not be ingested.
type MessageFailure struct {
	UID string `json:"uid"`
	// Retry is false for messages that were consumed anyway because they
	// can never succeed.
	Retry bool  `json:"retry"`
	Err   error `json:"-"`
}

// PartialBatchError reports a cycle in which some messages failed. Messages
// ingested before or after a failure stay committed.
type PartialBatchError struct {
	MailboxID int64
	Failures  []MessageFailure
	// Err is set when the connection broke off mid-batch.
	Err error
}

func (e *PartialBatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mailbox %d: %d message(s) failed", e.MailboxID, len(e.Failures))
	if e.Err != nil {
		fmt.Fprintf(&b, ", batch aborted: %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes the abort cause and every per-message error to errors.Is.
func (e *PartialBatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures)+1)
	if e.Err != nil {
		out = append(out, e.Err)
	}
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}
