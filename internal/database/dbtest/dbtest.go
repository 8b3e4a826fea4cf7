// Package dbtest provides throwaway SQLite databases with the full schema
// for tests that need real SQL semantics.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/models"
)

// Open returns a migrated in-memory database that is closed with the test.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	t.Cleanup(func() { db.Close() })

	_, err = database.Migrate(context.Background(), db)
	require.NoError(t, err)
	return db
}

// Mailbox inserts a mailbox and its real folders. mutate may adjust the
// defaults before the insert.
func Mailbox(t testing.TB, db *sqlx.DB, mutate func(*models.Mailbox)) *models.Mailbox {
	t.Helper()
	now := time.Now().UTC()
	mb := &models.Mailbox{
		Name:       "Support",
		Email:      "support@example.com",
		InProtocol: "imaps",
		InHost:     "imap.example.com",
		InPort:     993,
		InUsername: "support@example.com",
		InPassword: "secret",
		InFolder:   "INBOX",
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if mutate != nil {
		mutate(mb)
	}
	id, err := database.InsertID(context.Background(), db, `
		INSERT INTO mailboxes (name, email, in_protocol, in_host, in_port, in_username, in_password, in_folder,
			auto_reply_enabled, auto_reply_subject, auto_reply_body, auto_bcc, ticket_counter, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mb.Name, mb.Email, mb.InProtocol, mb.InHost, mb.InPort, mb.InUsername, mb.InPassword, mb.InFolder,
		mb.AutoReplyEnabled, mb.AutoReplySubject, mb.AutoReplyBody, mb.AutoBCC, mb.TicketCounter, mb.Active, mb.CreatedAt, mb.UpdatedAt)
	require.NoError(t, err)
	mb.ID = id

	for _, ft := range models.RealFolderTypes {
		_, err := db.Exec(`INSERT INTO folders (mailbox_id, type, active_count, total_count) VALUES (?, ?, 0, 0)`, id, ft)
		require.NoError(t, err)
	}
	return mb
}

// FolderID returns the id of the mailbox's folder of the given type.
func FolderID(t testing.TB, db *sqlx.DB, mailboxID int64, ft models.FolderType) int64 {
	t.Helper()
	var id int64
	require.NoError(t, db.Get(&id, `SELECT id FROM folders WHERE mailbox_id = ? AND type = ? AND user_id IS NULL`, mailboxID, ft))
	return id
}

// Folder reads a folder row back.
func Folder(t testing.TB, db *sqlx.DB, folderID int64) models.Folder {
	t.Helper()
	var f models.Folder
	require.NoError(t, db.Get(&f, `SELECT id, mailbox_id, user_id, type, active_count, total_count FROM folders WHERE id = ?`, folderID))
	return f
}

// Count runs a COUNT(*) query.
func Count(t testing.TB, db *sqlx.DB, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, db.Rebind(query), args...))
	return n
}
