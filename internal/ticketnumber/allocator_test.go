package ticketnumber

import (
	"context"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/database/dbtest"
	"github.com/gotrs-io/mailroom/internal/models"
)

func TestDBStoreMySQLUsesLastInsertID(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "mysql")

	mock.ExpectExec(`UPDATE mailboxes SET ticket_counter = LAST_INSERT_ID\(ticket_counter \+ 1\) WHERE id = \?`).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(58, 1))

	n, err := NewDBStore().Next(context.Background(), db, 3)
	require.NoError(t, err)
	assert.Equal(t, 58, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStoreMySQLUnknownMailbox(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "mysql")

	mock.ExpectExec(`UPDATE mailboxes`).WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = NewDBStore().Next(context.Background(), db, 9)
	assert.ErrorIs(t, err, ErrUnknownMailbox)
}

func TestDBStorePostgresUsesReturning(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "postgres")

	mock.ExpectQuery(`UPDATE mailboxes SET ticket_counter = ticket_counter \+ 1 WHERE id = \$1 RETURNING ticket_counter`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"ticket_counter"}).AddRow(1001))

	n, err := NewDBStore().Next(context.Background(), db, 1)
	require.NoError(t, err)
	assert.Equal(t, 1001, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStoreSequenceAndRollback(t *testing.T) {
	db := dbtest.Open(t)
	mb := dbtest.Mailbox(t, db, nil)
	store := NewDBStore()
	ctx := context.Background()

	a, err := store.Next(ctx, db, mb.ID)
	require.NoError(t, err)
	b, err := store.Next(ctx, db, mb.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, []int{a, b})

	// A rolled back reservation hands the number back.
	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	c, err := store.Next(ctx, tx, mb.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, c)
	require.NoError(t, tx.Rollback())

	d, err := store.Next(ctx, db, mb.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, d)

	_, err = store.Next(ctx, db, 999)
	assert.ErrorIs(t, err, ErrUnknownMailbox)
}

func TestDBStoreConcurrentUnique(t *testing.T) {
	db := dbtest.Open(t)
	mb := dbtest.Mailbox(t, db, nil)
	other := dbtest.Mailbox(t, db, func(m *models.Mailbox) { m.Email = "sales@example.com" })
	store := NewDBStore()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[int]struct{})
	)
	n := 40
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := database.WithTx(ctx, db, func(tx *sqlx.Tx) error {
				num, err := store.Next(ctx, tx, mb.ID)
				if err != nil {
					return err
				}
				// Interleave with another mailbox's counter.
				if _, err := store.Next(ctx, tx, other.ID); err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if _, ok := results[num]; ok {
					t.Errorf("duplicate %d", num)
				}
				results[num] = struct{}{}
				return nil
			})
			if err != nil {
				t.Errorf("next failed: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, results, n)
	for i := 1; i <= n; i++ {
		assert.Contains(t, results, i)
	}
}
