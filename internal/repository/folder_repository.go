package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/models"
)

const folderColumns = `id, mailbox_id, user_id, type, active_count, total_count`

// FolderCounts is a recomputed (active, total) pair.
type FolderCounts struct {
	FolderID int64 `db:"folder_id"`
	Active   int   `db:"active"`
	Total    int   `db:"total"`
}

// FolderRepository stores folder rows and their cached counters.
type FolderRepository struct {
	q database.Queryer
}

func NewFolderRepository(q database.Queryer) *FolderRepository {
	return &FolderRepository{q: q}
}

func (r *FolderRepository) WithTx(tx *sqlx.Tx) *FolderRepository {
	return &FolderRepository{q: tx}
}

func (r *FolderRepository) GetByID(ctx context.Context, id int64) (*models.Folder, error) {
	var f models.Folder
	if err := database.Get(ctx, r.q, &f, `SELECT `+folderColumns+` FROM folders WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// GetByType returns the shared (not per-user) folder of a type.
func (r *FolderRepository) GetByType(ctx context.Context, mailboxID int64, ft models.FolderType) (*models.Folder, error) {
	var f models.Folder
	err := database.Get(ctx, r.q, &f,
		`SELECT `+folderColumns+` FROM folders WHERE mailbox_id = ? AND type = ? AND user_id IS NULL ORDER BY id LIMIT 1`,
		mailboxID, ft)
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// ListByMailbox returns all stored folders of a mailbox.
func (r *FolderRepository) ListByMailbox(ctx context.Context, mailboxID int64) ([]models.Folder, error) {
	var out []models.Folder
	if err := database.Select(ctx, r.q, &out, `SELECT `+folderColumns+` FROM folders WHERE mailbox_id = ? ORDER BY id`, mailboxID); err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return out, nil
}

// Create inserts an empty folder.
func (r *FolderRepository) Create(ctx context.Context, f *models.Folder) error {
	id, err := database.InsertID(ctx, r.q,
		`INSERT INTO folders (mailbox_id, user_id, type, active_count, total_count) VALUES (?, ?, ?, 0, 0)`,
		f.MailboxID, f.UserID, f.Type)
	if err != nil {
		return fmt.Errorf("failed to create folder: %w", err)
	}
	f.ID = id
	return nil
}

// AddCounts applies a delta to the cached counters in one statement.
func (r *FolderRepository) AddCounts(ctx context.Context, folderID int64, active, total int) error {
	_, err := database.Exec(ctx, r.q,
		`UPDATE folders SET active_count = active_count + ?, total_count = total_count + ? WHERE id = ?`,
		active, total, folderID)
	if err != nil {
		return fmt.Errorf("failed to update folder counters: %w", err)
	}
	return nil
}

// SetCounts overwrites the cached counters.
func (r *FolderRepository) SetCounts(ctx context.Context, folderID int64, active, total int) error {
	_, err := database.Exec(ctx, r.q,
		`UPDATE folders SET active_count = ?, total_count = ? WHERE id = ?`, active, total, folderID)
	if err != nil {
		return fmt.Errorf("failed to set folder counters: %w", err)
	}
	return nil
}

// RecountByFolder derives the counters of every folder of a mailbox from the
// tickets table. Folders without tickets are absent from the result.
func (r *FolderRepository) RecountByFolder(ctx context.Context, mailboxID int64) ([]FolderCounts, error) {
	var out []FolderCounts
	err := database.Select(ctx, r.q, &out, `
		SELECT folder_id,
			SUM(CASE WHEN status = ? AND state = ? THEN 1 ELSE 0 END) AS active,
			COUNT(*) AS total
		FROM tickets
		WHERE mailbox_id = ? AND state <> ?
		GROUP BY folder_id`,
		models.StatusActive, models.StatePublished, mailboxID, models.StateDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to recount folders: %w", err)
	}
	return out, nil
}

// VirtualCounts computes the assigned, mine and starred views.
func (r *FolderRepository) VirtualCounts(ctx context.Context, mailboxID, userID int64) (map[models.FolderType]FolderCounts, error) {
	filters := []struct {
		ft    models.FolderType
		where string
		args  []interface{}
	}{
		{models.FolderAssigned, `assignee_id IS NOT NULL`, nil},
		{models.FolderMine, `assignee_id = ?`, []interface{}{userID}},
		{models.FolderStarred, `starred = ?`, []interface{}{true}},
	}
	out := make(map[models.FolderType]FolderCounts, len(filters))
	for _, f := range filters {
		args := []interface{}{models.StatusActive, models.StatePublished, mailboxID, models.StateDeleted}
		args = append(args, f.args...)
		var c FolderCounts
		err := database.Get(ctx, r.q, &c, `
			SELECT 0 AS folder_id,
				COALESCE(SUM(CASE WHEN status = ? AND state = ? THEN 1 ELSE 0 END), 0) AS active,
				COUNT(*) AS total
			FROM tickets
			WHERE mailbox_id = ? AND state <> ? AND `+f.where, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", f.ft, err)
		}
		out[f.ft] = c
	}
	return out, nil
}
