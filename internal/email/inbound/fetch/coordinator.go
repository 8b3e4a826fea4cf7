// Package fetch runs mailbox fetch cycles: one locked pass over a mailbox's
// unseen messages, each ingested on its own.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gotrs-io/mailroom/internal/email/inbound/connector"
	"github.com/gotrs-io/mailroom/internal/email/inbound/postmaster"
	"github.com/gotrs-io/mailroom/internal/emailaddr"
	"github.com/gotrs-io/mailroom/internal/metrics"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/repository"
	"github.com/gotrs-io/mailroom/internal/service"
)

// Stats summarizes one fetch cycle.
type Stats struct {
	Fetched    int `json:"fetched"`
	Created    int `json:"created"`
	Appended   int `json:"appended"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// MailboxSource loads mailbox configuration.
type MailboxSource interface {
	GetByID(ctx context.Context, id int64) (*models.Mailbox, error)
}

// MessageProcessor ingests one fetched message; *postmaster.Processor
// implements it.
type MessageProcessor interface {
	Process(ctx context.Context, mb *models.Mailbox, msg *connector.FetchedMessage) (*service.IngestResult, error)
}

// Coordinator runs fetch cycles.
type Coordinator struct {
	mailboxes MailboxSource
	processor MessageProcessor
	factory   connector.Factory
	locker    Locker
	status    StatusRecorder
	logger    *log.Logger
	now       func() time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithFactory overrides the connector factory.
func WithFactory(f connector.Factory) Option {
	return func(c *Coordinator) {
		if f != nil {
			c.factory = f
		}
	}
}

// WithLocker overrides the default in-process locker.
func WithLocker(l Locker) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.locker = l
		}
	}
}

// WithStatusRecorder records every cycle's outcome.
func WithStatusRecorder(r StatusRecorder) Option {
	return func(c *Coordinator) { c.status = r }
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator wires a coordinator; by default it uses the built-in IMAP
// and POP3 connectors and a MemoryLocker.
func NewCoordinator(mailboxes MailboxSource, processor MessageProcessor, opts ...Option) *Coordinator {
	c := &Coordinator{
		mailboxes: mailboxes,
		processor: processor,
		factory:   connector.DefaultFactory(nil, nil),
		locker:    NewMemoryLocker(),
		logger:    log.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// FetchCycle fetches and ingests every pending message of a mailbox.
//
// Messages are processed in arrival order and each commits on its own.
// Duplicates count as processed. Messages that can never succeed (invalid
// sender, unparseable) are counted as failures but consumed; any other
// failure leaves the message on the server for the next cycle. The returned
// error is ErrConcurrentFetch, service.ErrMailboxNotFound, a
// *ConnectionError when nothing could be ingested, or a *PartialBatchError.
func (c *Coordinator) FetchCycle(ctx context.Context, mailboxID int64) (Stats, error) {
	var stats Stats
	release, err := c.locker.Lock(ctx, mailboxID)
	if err != nil {
		if errors.Is(err, ErrConcurrentFetch) {
			metrics.FetchCycles.WithLabelValues("locked").Inc()
		}
		return stats, err
	}
	defer release()

	start := c.now()
	defer func() { metrics.FetchDuration.Observe(c.now().Sub(start).Seconds()) }()

	mb, err := c.mailboxes.GetByID(ctx, mailboxID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return stats, service.ErrMailboxNotFound
		}
		return stats, fmt.Errorf("load mailbox %d: %w", mailboxID, err)
	}

	account := connector.AccountFromMailbox(mb)
	fetcher, err := c.factory.FetcherFor(account)
	if err != nil {
		return stats, c.finish(ctx, mb.ID, stats, &ConnectionError{MailboxID: mb.ID, Err: err})
	}

	var failures []MessageFailure
	handler := connector.HandlerFunc(func(ctx context.Context, msg *connector.FetchedMessage) error {
		stats.Fetched++
		res, err := c.processor.Process(ctx, mb, msg)
		switch {
		case err == nil:
			if res != nil && res.Outcome == service.OutcomeCreated {
				stats.Created++
			} else {
				stats.Appended++
			}
			return nil
		case errors.Is(err, service.ErrDuplicateMessage):
			stats.Duplicates++
			return nil
		case errors.Is(err, emailaddr.ErrInvalidAddress), errors.Is(err, postmaster.ErrUnparseable):
			stats.Failed++
			failures = append(failures, MessageFailure{UID: msg.UID, Err: err})
			return nil
		default:
			stats.Failed++
			failures = append(failures, MessageFailure{UID: msg.UID, Retry: true, Err: err})
			return err
		}
	})

	ferr := fetcher.Fetch(ctx, account, handler)
	switch {
	case ferr != nil && (errors.Is(ferr, context.Canceled) || errors.Is(ferr, context.DeadlineExceeded)):
		c.logger.Printf("fetch: mailbox %d: cycle cancelled after %d message(s)", mb.ID, stats.Fetched)
		err = ferr
	case ferr != nil && stats.Fetched == 0:
		err = &ConnectionError{MailboxID: mb.ID, Err: ferr}
	case ferr != nil || len(failures) > 0:
		err = &PartialBatchError{MailboxID: mb.ID, Failures: failures, Err: ferr}
	}
	if stats.Fetched > 0 {
		c.logger.Printf("fetch: mailbox %d: fetched %d, created %d, appended %d, duplicates %d, failed %d",
			mb.ID, stats.Fetched, stats.Created, stats.Appended, stats.Duplicates, stats.Failed)
	}
	return stats, c.finish(ctx, mb.ID, stats, err)
}

// finish records metrics and status for a cycle that got past the lock.
func (c *Coordinator) finish(ctx context.Context, mailboxID int64, stats Stats, err error) error {
	result := "ok"
	var connErr *ConnectionError
	var partial *PartialBatchError
	switch {
	case errors.As(err, &connErr):
		result = "connection"
		c.logger.Printf("fetch: %v", err)
	case errors.As(err, &partial):
		result = "partial"
		c.logger.Printf("fetch: %v", err)
	case err != nil:
		result = "error"
	}
	metrics.FetchCycles.WithLabelValues(result).Inc()

	if c.status != nil {
		st := Status{MailboxID: mailboxID, LastPollAt: c.now(), LastStatus: result, Stats: stats}
		if err != nil {
			st.LastError = err.Error()
		}
		// The cycle's outcome stands even if recording it fails.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := c.status.Record(rctx, st); rerr != nil {
			c.logger.Printf("fetch: mailbox %d: record status: %v", mailboxID, rerr)
		}
	}
	return err
}
