// Package postmaster turns fetched RFC 5322 payloads into ingested ticket
// messages.
package postmaster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"strings"

	"github.com/gotrs-io/mailroom/internal/email/inbound/connector"
	"github.com/gotrs-io/mailroom/internal/emailaddr"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/service"
)

// Ingester stores one inbound message; *service.TicketService implements it.
type Ingester interface {
	Ingest(ctx context.Context, mb *models.Mailbox, in *service.InboundMessage) (*service.IngestResult, error)
}

// Processor parses fetched messages and hands them to the ingestion pipeline.
type Processor struct {
	ingester Ingester
	parser   *Parser
	logger   *log.Logger
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithParser overrides the default parser.
func WithParser(p *Parser) ProcessorOption {
	return func(pr *Processor) {
		if p != nil {
			pr.parser = p
		}
	}
}

// WithProcessorLogger overrides the logger used for diagnostics.
func WithProcessorLogger(logger *log.Logger) ProcessorOption {
	return func(pr *Processor) {
		if logger != nil {
			pr.logger = logger
		}
	}
}

// NewProcessor builds a processor feeding ingester.
func NewProcessor(ingester Ingester, opts ...ProcessorOption) *Processor {
	pr := &Processor{
		ingester: ingester,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(pr)
		}
	}
	if pr.parser == nil {
		pr.parser = NewParser(WithParserLogger(pr.logger))
	}
	return pr
}

// Process parses msg and ingests it into mb.
//
// Errors are scoped to the message: ErrUnparseable and
// emailaddr.ErrInvalidAddress can never succeed on retry,
// service.ErrDuplicateMessage means the message is already stored, anything
// else is worth retrying.
func (pr *Processor) Process(ctx context.Context, mb *models.Mailbox, msg *connector.FetchedMessage) (*service.IngestResult, error) {
	if msg == nil {
		return nil, errors.New("postmaster: message required")
	}
	if pr.ingester == nil {
		return nil, errors.New("postmaster: ingester unavailable")
	}
	env, err := pr.parser.Parse(msg.Raw)
	if err != nil {
		pr.logf("postmaster: mailbox %d uid %s: %v", mb.ID, msg.UID, err)
		return nil, err
	}
	in := Inbound(env, msg)
	res, err := pr.ingester.Ingest(ctx, mb, in)
	switch {
	case err == nil:
	case errors.Is(err, emailaddr.ErrInvalidAddress):
		pr.logf("postmaster: mailbox %d uid %s: skipping sender %q: %v", mb.ID, msg.UID, env.From, err)
	case errors.Is(err, service.ErrDuplicateMessage):
	default:
		pr.logf("postmaster: mailbox %d uid %s: ingest failed: %v", mb.ID, msg.UID, err)
	}
	return res, err
}

// Inbound maps a parsed envelope onto the ingestion input. A message without
// a Message-ID gets one derived from its bytes so a re-fetch still dedups.
func Inbound(env *Envelope, msg *connector.FetchedMessage) *service.InboundMessage {
	in := &service.InboundMessage{
		MessageID:         env.MessageID,
		InReplyTo:         env.InReplyTo,
		References:        env.References,
		From:              env.From,
		Hints:             NameHints(env.FromName, env.From),
		To:                strings.Join(env.To, ", "),
		Cc:                strings.Join(env.Cc, ", "),
		Subject:           env.Subject,
		Body:              env.Body(),
		Date:              env.Date,
		SuppressAutoReply: env.Automated,
		Attachments:       env.Attachments,
	}
	if in.Date.IsZero() && msg != nil {
		in.Date = msg.ReceivedAt
	}
	if in.MessageID == "" && msg != nil {
		sum := sha256.Sum256(msg.Raw)
		in.MessageID = hex.EncodeToString(sum[:16]) + "@mailroom.invalid"
	}
	return in
}

// NameHints splits a display name into first and last name. "Doe, Jane"
// and "Jane Doe" both give Jane/Doe; a single word is a first name.
func NameHints(displayName, address string) models.ProfileHints {
	name := strings.Join(strings.Fields(strings.Trim(displayName, "\"' ")), " ")
	if name == "" || strings.Contains(name, "@") || strings.EqualFold(name, address) {
		return models.ProfileHints{}
	}
	if last, first, ok := strings.Cut(name, ","); ok {
		return models.ProfileHints{FirstName: strings.TrimSpace(first), LastName: strings.TrimSpace(last)}
	}
	first, last, _ := strings.Cut(name, " ")
	return models.ProfileHints{FirstName: first, LastName: last}
}

func (pr *Processor) logf(format string, args ...any) {
	if pr == nil || pr.logger == nil {
		return
	}
	pr.logger.Printf(format, args...)
}
