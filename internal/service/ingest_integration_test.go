//go:build integration

package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/notifications"
	"github.com/gotrs-io/mailroom/internal/repository"
)

func openPostgres(t *testing.T) *sqlx.DB {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Skip("db not available")
	}
	t.Cleanup(func() { db.Close() })
	_, err = database.Migrate(context.Background(), db)
	require.NoError(t, err)
	return db
}

// Racing first messages from one new customer must open a single ticket.
func TestIngest_ConcurrentOpeners_Postgres(t *testing.T) {
	db := openPostgres(t)
	ctx := context.Background()

	mbID, err := database.InsertID(ctx, db, `INSERT INTO mailboxes (name, email, auto_reply_body, created_at, updated_at)
		VALUES ('race', 'race@example.com', '', NOW(), NOW())`)
	require.NoError(t, err)
	mb, err := repository.NewMailboxRepository(db).GetByID(ctx, mbID)
	require.NoError(t, err)
	for _, ft := range models.RealFolderTypes {
		_, err := database.Exec(ctx, db, `INSERT INTO folders (mailbox_id, type) VALUES (?, ?)`, mbID, ft)
		require.NoError(t, err)
	}

	sender := fmt.Sprintf("racer-%d@example.net", mbID)
	// Create the customer up front; the race under test is the ticket open.
	svc := NewTicketService(db, WithHub(notifications.NewMemoryHub(0)))
	_, err = svc.Customers().Resolve(ctx, sender, models.ProfileHints{})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*IngestResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Ingest(ctx, mb, &InboundMessage{
				MessageID: fmt.Sprintf("race-%d-%d@example.net", mbID, i),
				From:      sender,
				Subject:   "race",
				Body:      "hello",
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if results[i].Outcome == OutcomeCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	var tickets, threads int
	require.NoError(t, database.Get(ctx, db, &tickets, `SELECT COUNT(*) FROM tickets WHERE mailbox_id = ?`, mbID))
	require.NoError(t, database.Get(ctx, db, &threads, `SELECT COUNT(*) FROM threads WHERE mailbox_id = ?`, mbID))
	assert.Equal(t, 1, tickets)
	assert.Equal(t, n, threads)
}

// A merge racing ingestion must never leave a ticket on the deleted source.
func TestIngest_MergeRace_Postgres(t *testing.T) {
	db := openPostgres(t)
	ctx := context.Background()

	mbID, err := database.InsertID(ctx, db, `INSERT INTO mailboxes (name, email, auto_reply_body, created_at, updated_at)
		VALUES ('merge-race', 'merge-race@example.com', '', NOW(), NOW())`)
	require.NoError(t, err)
	mb, err := repository.NewMailboxRepository(db).GetByID(ctx, mbID)
	require.NoError(t, err)
	for _, ft := range models.RealFolderTypes {
		_, err := database.Exec(ctx, db, `INSERT INTO folders (mailbox_id, type) VALUES (?, ?)`, mbID, ft)
		require.NoError(t, err)
	}

	svc := NewTicketService(db, WithHub(notifications.NewMemoryHub(0)))
	merger := NewCustomerMergeService(db, notifications.NewMemoryHub(0), nil)
	const n = 6
	for i := 0; i < n; i++ {
		sourceAddr := fmt.Sprintf("src-%d-%d@example.net", mbID, i)
		source, err := svc.Customers().Resolve(ctx, sourceAddr, models.ProfileHints{})
		require.NoError(t, err)
		target, err := svc.Customers().Resolve(ctx, fmt.Sprintf("dst-%d-%d@example.net", mbID, i), models.ProfileHints{})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var ingestErr, mergeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, ingestErr = svc.ingestAs(ctx, mb, source, &InboundMessage{
				MessageID: fmt.Sprintf("merge-race-%d-%d@example.net", mbID, i),
				From:      sourceAddr,
				Subject:   "race",
				Body:      "hello",
			})
		}()
		go func() {
			defer wg.Done()
			_, mergeErr = merger.Merge(ctx, source.ID, target.ID)
		}()
		wg.Wait()
		require.NoError(t, ingestErr)
		require.NoError(t, mergeErr)
	}

	var orphans int
	require.NoError(t, database.Get(ctx, db, &orphans, `SELECT COUNT(*) FROM tickets
		WHERE mailbox_id = ? AND customer_id NOT IN (SELECT id FROM customers)`, mbID))
	assert.Zero(t, orphans)
}
