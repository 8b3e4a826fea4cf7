package postmaster

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailroom/internal/database/dbtest"
	"github.com/gotrs-io/mailroom/internal/email/inbound/connector"
	"github.com/gotrs-io/mailroom/internal/emailaddr"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/notifications"
	"github.com/gotrs-io/mailroom/internal/service"
)

type recordingIngester struct {
	inputs []*service.InboundMessage
	err    error
}

func (r *recordingIngester) Ingest(_ context.Context, _ *models.Mailbox, in *service.InboundMessage) (*service.IngestResult, error) {
	r.inputs = append(r.inputs, in)
	if r.err != nil {
		return nil, r.err
	}
	return &service.IngestResult{Outcome: service.OutcomeCreated}, nil
}

func fetched(raw []byte) *connector.FetchedMessage {
	return &connector.FetchedMessage{
		UID:        "42",
		Raw:        raw,
		ReceivedAt: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestProcessor_MapsEnvelope(t *testing.T) {
	ing := &recordingIngester{}
	p := NewProcessor(ing)
	raw := crlf(`
From: "Doe, Jane" <jane@example.net>
To: support@example.com
Subject: Help
Message-ID: <m1@example.net>
Auto-Submitted: auto-replied

Out of office.
`)
	res, err := p.Process(context.Background(), &models.Mailbox{ID: 1}, fetched(raw))
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeCreated, res.Outcome)

	require.Len(t, ing.inputs, 1)
	in := ing.inputs[0]
	assert.Equal(t, "m1@example.net", in.MessageID)
	assert.Equal(t, "jane@example.net", in.From)
	assert.Equal(t, models.ProfileHints{FirstName: "Jane", LastName: "Doe"}, in.Hints)
	assert.Equal(t, "support@example.com", in.To)
	assert.Equal(t, "Help", in.Subject)
	assert.True(t, in.SuppressAutoReply)
	assert.Equal(t, time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC), in.Date, "falls back to the fetch time")
}

func TestProcessor_SynthesizesStableMessageID(t *testing.T) {
	ing := &recordingIngester{}
	p := NewProcessor(ing)
	raw := crlf(`
From: jane@example.net
Subject: No id

hello
`)
	for i := 0; i < 2; i++ {
		_, err := p.Process(context.Background(), &models.Mailbox{ID: 1}, fetched(raw))
		require.NoError(t, err)
	}
	require.Len(t, ing.inputs, 2)
	assert.NotEmpty(t, ing.inputs[0].MessageID)
	assert.Equal(t, ing.inputs[0].MessageID, ing.inputs[1].MessageID)
}

func TestProcessor_Errors(t *testing.T) {
	var logs bytes.Buffer
	ing := &recordingIngester{err: emailaddr.ErrInvalidAddress}
	p := NewProcessor(ing, WithProcessorLogger(log.New(&logs, "", 0)))
	mb := &models.Mailbox{ID: 1}

	_, err := p.Process(context.Background(), mb, fetched(crlf("From: nobody\n\nhi\n")))
	assert.ErrorIs(t, err, emailaddr.ErrInvalidAddress)
	assert.Contains(t, logs.String(), "skipping sender")

	_, err = p.Process(context.Background(), mb, fetched(nil))
	assert.ErrorIs(t, err, ErrUnparseable)

	ing.err = errors.New("db down")
	_, err = p.Process(context.Background(), mb, fetched(crlf("From: jane@example.net\n\nhi\n")))
	assert.EqualError(t, err, "db down")

	_, err = p.Process(context.Background(), mb, nil)
	assert.Error(t, err)
}

func TestNameHints(t *testing.T) {
	assert.Equal(t, models.ProfileHints{FirstName: "Jane", LastName: "Doe"}, NameHints("Jane Doe", "jane@x"))
	assert.Equal(t, models.ProfileHints{FirstName: "Jane", LastName: "van der Berg"}, NameHints(" Jane  van der Berg ", "jane@x"))
	assert.Equal(t, models.ProfileHints{FirstName: "Jane", LastName: "Doe"}, NameHints("Doe, Jane", "jane@x"))
	assert.Equal(t, models.ProfileHints{FirstName: "Jane"}, NameHints("'Jane'", "jane@x"))
	assert.Equal(t, models.ProfileHints{}, NameHints("jane@x", "jane@x"))
	assert.Equal(t, models.ProfileHints{}, NameHints("", "jane@x"))
}

func TestProcessor_ThreadsRepliesEndToEnd(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	mb := dbtest.Mailbox(t, db, nil)
	svc := service.NewTicketService(db, service.WithHub(notifications.NewMemoryHub(0)))
	p := NewProcessor(svc)

	first := crlf(`
From: Jane Doe <jane@example.net>
To: support@example.com
Subject: Printer on fire
Message-ID: <first@example.net>

It is on fire.
`)
	res, err := p.Process(ctx, mb, fetched(first))
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeCreated, res.Outcome)
	assert.Equal(t, "Jane", res.Customer.FirstName)
	assert.Equal(t, "Doe", res.Customer.LastName)

	_, err = p.Process(ctx, mb, fetched(first))
	assert.ErrorIs(t, err, service.ErrDuplicateMessage)

	reply := crlf(`
From: Jane <JANE@example.net>
Subject: Re: Printer on fire
Message-ID: <second@example.net>
In-Reply-To: <first@example.net>

Still burning.
`)
	res2, err := p.Process(ctx, mb, fetched(reply))
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeAppended, res2.Outcome)
	assert.Equal(t, res.Ticket.ID, res2.Ticket.ID)
	assert.Equal(t, res.Customer.ID, res2.Customer.ID)
	assert.Equal(t, 2, dbtest.Count(t, db, `SELECT COUNT(*) FROM threads WHERE ticket_id = ?`, res.Ticket.ID))
}

func TestProcessor_OversizedHeadersAreNotRetried(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	mb := dbtest.Mailbox(t, db, nil)
	svc := service.NewTicketService(db, service.WithHub(notifications.NewMemoryHub(0)))
	p := NewProcessor(svc, WithProcessorLogger(log.New(io.Discard, "", 0)))

	longID := strings.Repeat("m", 300) + "@example.net"
	first := crlf(`
From: jane@example.net
Subject: Long id
Message-ID: <` + longID + `>

first
`)
	res, err := p.Process(ctx, mb, fetched(first))
	require.NoError(t, err)
	require.NotNil(t, res.Message.ExternalID)
	assert.LessOrEqual(t, len(*res.Message.ExternalID), 255)

	reply := crlf(`
From: jane@example.net
Subject: Re: Long id
Message-ID: <short@example.net>
In-Reply-To: <` + longID + `>

second
`)
	res2, err := p.Process(ctx, mb, fetched(reply))
	require.NoError(t, err)
	assert.Equal(t, res.Ticket.ID, res2.Ticket.ID)
	assert.LessOrEqual(t, len(res2.Message.InReplyTo), 255)

	long := crlf(`
From: ` + strings.Repeat("a", 200) + `@example.net
Subject: Too long
Message-ID: <too-long@example.net>

x
`)
	_, err = p.Process(ctx, mb, fetched(long))
	assert.ErrorIs(t, err, emailaddr.ErrInvalidAddress)
	assert.Equal(t, 1, dbtest.Count(t, db, `SELECT COUNT(*) FROM customers`))
}
