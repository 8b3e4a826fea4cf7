package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailroom/internal/database/dbtest"
	"github.com/gotrs-io/mailroom/internal/email/inbound/connector"
	"github.com/gotrs-io/mailroom/internal/email/inbound/postmaster"
	"github.com/gotrs-io/mailroom/internal/emailaddr"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/notifications"
	"github.com/gotrs-io/mailroom/internal/repository"
	"github.com/gotrs-io/mailroom/internal/service"
)

var quiet = log.New(io.Discard, "", 0)

// fakeFetcher plays back messages and records which ones the handler
// accepted, the way a connector decides what to mark seen.
type fakeFetcher struct {
	messages []*connector.FetchedMessage
	// failAfter aborts the batch with err once that many messages were handed out.
	failAfter int
	err       error
	consumed  []string
	kept      []string
}

func (f *fakeFetcher) Name() string { return "fake" }

func (f *fakeFetcher) Fetch(ctx context.Context, _ connector.Account, h connector.Handler) error {
	for i, msg := range f.messages {
		if f.err != nil && i == f.failAfter {
			return f.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := h.Handle(ctx, msg); err != nil {
			f.kept = append(f.kept, msg.UID)
			continue
		}
		f.consumed = append(f.consumed, msg.UID)
	}
	if f.err != nil && f.failAfter >= len(f.messages) {
		return f.err
	}
	return nil
}

type mailboxMap map[int64]*models.Mailbox

func (m mailboxMap) GetByID(_ context.Context, id int64) (*models.Mailbox, error) {
	mb, ok := m[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return mb, nil
}

// scriptedProcessor returns the error registered for a UID.
type scriptedProcessor struct {
	results map[string]error
	created map[string]bool
	block   chan struct{}
	entered chan struct{}
}

func (p *scriptedProcessor) Process(ctx context.Context, _ *models.Mailbox, msg *connector.FetchedMessage) (*service.IngestResult, error) {
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.block != nil {
		<-p.block
	}
	if err := p.results[msg.UID]; err != nil {
		return nil, err
	}
	outcome := service.OutcomeAppended
	if p.created[msg.UID] {
		outcome = service.OutcomeCreated
	}
	return &service.IngestResult{Outcome: outcome}, nil
}

func msgs(uids ...string) []*connector.FetchedMessage {
	out := make([]*connector.FetchedMessage, len(uids))
	for i, uid := range uids {
		out[i] = &connector.FetchedMessage{UID: uid}
	}
	return out
}

func testMailbox() mailboxMap {
	return mailboxMap{1: {ID: 1, Email: "support@example.com", InProtocol: "imaps"}}
}

func newTestCoordinator(f *fakeFetcher, p MessageProcessor, opts ...Option) *Coordinator {
	opts = append([]Option{
		WithFactory(connector.NewFactory(connector.WithFetcher(f, "imaps"))),
		WithLogger(quiet),
	}, opts...)
	return NewCoordinator(testMailbox(), p, opts...)
}

func TestFetchCycle_Outcomes(t *testing.T) {
	f := &fakeFetcher{messages: msgs("1", "2", "3", "4", "5", "6")}
	p := &scriptedProcessor{
		created: map[string]bool{"1": true},
		results: map[string]error{
			"3": fmt.Errorf("wrapped: %w", service.ErrDuplicateMessage),
			"4": emailaddr.ErrInvalidAddress,
			"5": errors.New("database is locked"),
			"6": postmaster.ErrUnparseable,
		},
	}
	status := NewMemoryStatusStore()
	c := newTestCoordinator(f, p, WithStatusRecorder(status))

	stats, err := c.FetchCycle(context.Background(), 1)
	assert.Equal(t, Stats{Fetched: 6, Created: 1, Appended: 1, Duplicates: 1, Failed: 3}, stats)

	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)
	require.Len(t, partial.Failures, 3)
	assert.Equal(t, "4", partial.Failures[0].UID)
	assert.False(t, partial.Failures[0].Retry)
	assert.Equal(t, "5", partial.Failures[1].UID)
	assert.True(t, partial.Failures[1].Retry)
	assert.ErrorIs(t, err, emailaddr.ErrInvalidAddress)

	assert.Equal(t, []string{"1", "2", "3", "4", "6"}, f.consumed)
	assert.Equal(t, []string{"5"}, f.kept, "only retryable failures stay unseen")

	st, err := status.Get(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "partial", st.LastStatus)
	assert.Equal(t, stats, st.Stats)
}

func TestFetchCycle_CleanRun(t *testing.T) {
	f := &fakeFetcher{messages: msgs("1", "2")}
	c := newTestCoordinator(f, &scriptedProcessor{created: map[string]bool{"1": true, "2": true}})
	stats, err := c.FetchCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 2, Created: 2}, stats)
}

func TestFetchCycle_ConnectionError(t *testing.T) {
	f := &fakeFetcher{messages: msgs("1"), failAfter: 0, err: errors.New("imap auth: bad credentials")}
	status := NewMemoryStatusStore()
	c := newTestCoordinator(f, &scriptedProcessor{}, WithStatusRecorder(status))

	stats, err := c.FetchCycle(context.Background(), 1)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, int64(1), connErr.MailboxID)
	assert.Contains(t, err.Error(), "bad credentials")
	assert.Zero(t, stats.Fetched)

	st, _ := status.Get(context.Background(), 1)
	require.NotNil(t, st)
	assert.Equal(t, "connection", st.LastStatus)
	assert.Contains(t, st.LastError, "bad credentials")
}

func TestFetchCycle_AbortMidBatchKeepsCommitted(t *testing.T) {
	f := &fakeFetcher{messages: msgs("1", "2", "3"), failAfter: 2, err: errors.New("connection reset")}
	c := newTestCoordinator(f, &scriptedProcessor{})

	stats, err := c.FetchCycle(context.Background(), 1)
	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)
	assert.Empty(t, partial.Failures)
	assert.EqualError(t, partial.Err, "connection reset")
	assert.Equal(t, Stats{Fetched: 2, Appended: 2}, stats)
	assert.Equal(t, []string{"1", "2"}, f.consumed)
}

func TestFetchCycle_UnknownProtocol(t *testing.T) {
	mbs := mailboxMap{2: {ID: 2, InProtocol: "exchange"}}
	c := NewCoordinator(mbs, &scriptedProcessor{}, WithLogger(quiet))
	_, err := c.FetchCycle(context.Background(), 2)
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestFetchCycle_MailboxNotFound(t *testing.T) {
	c := newTestCoordinator(&fakeFetcher{}, &scriptedProcessor{})
	_, err := c.FetchCycle(context.Background(), 99)
	assert.ErrorIs(t, err, service.ErrMailboxNotFound)

	// The lock was released on the error path.
	_, err = c.FetchCycle(context.Background(), 1)
	assert.NoError(t, err)
}

func TestFetchCycle_ConcurrentCycleRejected(t *testing.T) {
	p := &scriptedProcessor{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	f := &fakeFetcher{messages: msgs("1")}
	c := newTestCoordinator(f, p)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.FetchCycle(context.Background(), 1)
		assert.NoError(t, err)
	}()
	<-p.entered

	_, err := c.FetchCycle(context.Background(), 1)
	assert.ErrorIs(t, err, ErrConcurrentFetch)

	close(p.block)
	wg.Wait()

	p.block, p.entered = nil, nil
	_, err = c.FetchCycle(context.Background(), 1)
	assert.NoError(t, err, "lock released after the first cycle")
}

func TestFetchCycle_CancelledKeepsProgressAndReleasesLock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeFetcher{messages: msgs("1", "2", "3")}
	p := &cancellingProcessor{cancel: cancel, after: 1}
	c := newTestCoordinator(f, p)

	stats, err := c.FetchCycle(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Fetched)
	assert.Equal(t, []string{"1"}, f.consumed)

	_, err = c.FetchCycle(context.Background(), 1)
	assert.NoError(t, err)
}

type cancellingProcessor struct {
	cancel context.CancelFunc
	after  int
	calls  int
}

func (p *cancellingProcessor) Process(context.Context, *models.Mailbox, *connector.FetchedMessage) (*service.IngestResult, error) {
	p.calls++
	if p.calls == p.after {
		p.cancel()
	}
	return &service.IngestResult{Outcome: service.OutcomeAppended}, nil
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	release, err := l.Lock(context.Background(), 1)
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrConcurrentFetch)
	other, err := l.Lock(context.Background(), 2)
	require.NoError(t, err, "locks are per mailbox")
	other()

	release()
	release()
	again, err := l.Lock(context.Background(), 1)
	require.NoError(t, err)
	again()
}

func raw(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestFetchCycle_EndToEnd(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	mb := dbtest.Mailbox(t, db, nil)
	hub := notifications.NewMemoryHub(0)
	svc := service.NewTicketService(db, service.WithHub(hub), service.WithTicketLogger(quiet))
	proc := postmaster.NewProcessor(svc, postmaster.WithProcessorLogger(quiet))

	first := raw("From: Jane Doe <jane@example.net>", "Subject: Broken login", "Message-ID: <a1@example.net>", "", "I cannot log in.")
	f := &fakeFetcher{messages: []*connector.FetchedMessage{
		{UID: "1", Raw: first, ReceivedAt: time.Now().UTC()},
		{UID: "2", Raw: raw("From: jane@example.net", "Subject: Re: Broken login", "Message-ID: <a2@example.net>",
			"In-Reply-To: <a1@example.net>", "", "Still broken."), ReceivedAt: time.Now().UTC()},
		{UID: "3", Raw: first, ReceivedAt: time.Now().UTC()},
		{UID: "4", Raw: raw("From: not-an-address", "Subject: spam", "Message-ID: <a4@example.net>", "", "x"), ReceivedAt: time.Now().UTC()},
	}}
	c := NewCoordinator(repository.NewMailboxRepository(db), proc,
		WithFactory(connector.NewFactory(connector.WithFetcher(f, mb.InProtocol))),
		WithLogger(quiet))

	stats, err := c.FetchCycle(ctx, mb.ID)
	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, Stats{Fetched: 4, Created: 1, Appended: 1, Duplicates: 1, Failed: 1}, stats)
	assert.Equal(t, []string{"1", "2", "3", "4"}, f.consumed)

	assert.Equal(t, 1, dbtest.Count(t, db, `SELECT COUNT(*) FROM tickets WHERE mailbox_id = ?`, mb.ID))
	assert.Equal(t, 2, dbtest.Count(t, db, `SELECT COUNT(*) FROM threads WHERE mailbox_id = ?`, mb.ID))
	assert.Equal(t, 1, dbtest.Count(t, db, `SELECT COUNT(*) FROM customers`))

	// A second cycle over the same payloads changes nothing.
	f.consumed = nil
	f.messages = f.messages[:3]
	stats, err = c.FetchCycle(ctx, mb.ID)
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 3, Duplicates: 3}, stats)
	assert.Equal(t, 2, dbtest.Count(t, db, `SELECT COUNT(*) FROM threads WHERE mailbox_id = ?`, mb.ID))
}

func TestFetchCycle_MalformedMimeIsStoredBeforeConsume(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	mb := dbtest.Mailbox(t, db, nil)
	svc := service.NewTicketService(db, service.WithHub(notifications.NewMemoryHub(0)), service.WithTicketLogger(quiet))
	proc := postmaster.NewProcessor(svc, postmaster.WithProcessorLogger(quiet))

	// No boundary: neither MIME reader can split the body.
	f := &fakeFetcher{messages: []*connector.FetchedMessage{{
		UID: "1",
		Raw: raw("From: Jane Doe <jane@example.net>", "Subject: Broken", "Message-ID: <broken@example.net>",
			"Content-Type: multipart/mixed", "", "hello there"),
		ReceivedAt: time.Now().UTC(),
	}}}
	c := NewCoordinator(repository.NewMailboxRepository(db), proc,
		WithFactory(connector.NewFactory(connector.WithFetcher(f, mb.InProtocol))),
		WithLogger(quiet))

	stats, err := c.FetchCycle(ctx, mb.ID)
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 1, Created: 1}, stats)
	assert.Equal(t, []string{"1"}, f.consumed)

	var body string
	require.NoError(t, db.GetContext(ctx, &body, db.Rebind(`SELECT body FROM threads WHERE external_id = ?`), "broken@example.net"))
	assert.Equal(t, "hello there", body)
}
