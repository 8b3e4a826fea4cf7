//go:build integration

package ticketnumber

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/gotrs-io/mailroom/internal/database"
)

func openTestDB(t *testing.T) *sqlx.DB {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Skip("db not available")
	}
	return db
}

func TestConcurrency_Postgres(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	ctx := context.Background()
	if _, err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	id, err := database.InsertID(ctx, db, `INSERT INTO mailboxes (name, email, auto_reply_body, created_at, updated_at) VALUES ('it', 'it@example.com', '', NOW(), NOW())`)
	if err != nil {
		t.Fatalf("insert mailbox: %v", err)
	}
	defer db.Exec(`DELETE FROM mailboxes WHERE id = $1`, id)

	store := NewDBStore()
	var wg sync.WaitGroup
	results := make(map[int]struct{})
	var mu sync.Mutex
	n := 40
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := database.WithTx(ctx, db, func(tx *sqlx.Tx) error {
				num, err := store.Next(ctx, tx, id)
				if err != nil {
					return err
				}
				mu.Lock()
				if _, ok := results[num]; ok {
					t.Errorf("duplicate %d", num)
				} else {
					results[num] = struct{}{}
				}
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("next failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(results) != n {
		t.Fatalf("expected %d unique got %d", n, len(results))
	}
}
