// Package folders keeps the cached folder counters in step with ticket
// changes and can rebuild them from the tickets table.
package folders

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/metrics"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/repository"
)

// contribution is what one ticket adds to its folder's counters.
func contribution(status models.TicketStatus, state models.TicketState) (active, total int) {
	if state == models.StateDeleted {
		return 0, 0
	}
	if status == models.StatusActive && state == models.StatePublished {
		return 1, 1
	}
	return 0, 1
}

// Maintainer applies O(1) counter deltas. Every On* method must run on the
// transaction that changes the ticket.
type Maintainer struct {
	logger *log.Logger
}

// Option customizes a Maintainer.
type Option func(*Maintainer)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Maintainer) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewMaintainer(opts ...Option) *Maintainer {
	m := &Maintainer{logger: log.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Maintainer) apply(ctx context.Context, q database.Queryer, folderID int64, active, total int) error {
	if active == 0 && total == 0 {
		return nil
	}
	return repository.NewFolderRepository(q).AddCounts(ctx, folderID, active, total)
}

// OnTicketCreated counts a new ticket in its folder.
func (m *Maintainer) OnTicketCreated(ctx context.Context, q database.Queryer, t *models.Ticket) error {
	a, tot := contribution(t.Status, t.State)
	return m.apply(ctx, q, t.FolderID, a, tot)
}

// OnTicketMoved moves the ticket's contribution between folders.
func (m *Maintainer) OnTicketMoved(ctx context.Context, q database.Queryer, t *models.Ticket, from, to int64) error {
	if from == to {
		return nil
	}
	a, tot := contribution(t.Status, t.State)
	if err := m.apply(ctx, q, from, -a, -tot); err != nil {
		return err
	}
	return m.apply(ctx, q, to, a, tot)
}

// OnTicketStatusChanged adjusts the ticket's folder for a status change.
func (m *Maintainer) OnTicketStatusChanged(ctx context.Context, q database.Queryer, t *models.Ticket, oldStatus, newStatus models.TicketStatus) error {
	oa, ot := contribution(oldStatus, t.State)
	na, nt := contribution(newStatus, t.State)
	return m.apply(ctx, q, t.FolderID, na-oa, nt-ot)
}

// OnTicketStateChanged adjusts the ticket's folder for a state change.
func (m *Maintainer) OnTicketStateChanged(ctx context.Context, q database.Queryer, t *models.Ticket, oldState, newState models.TicketState) error {
	oa, ot := contribution(t.Status, oldState)
	na, nt := contribution(t.Status, newState)
	return m.apply(ctx, q, t.FolderID, na-oa, nt-ot)
}

// EnsureDefaults creates any missing real folder of a mailbox.
func (m *Maintainer) EnsureDefaults(ctx context.Context, q database.Queryer, mailboxID int64) error {
	repo := repository.NewFolderRepository(q)
	for _, ft := range models.RealFolderTypes {
		_, err := repo.GetByType(ctx, mailboxID, ft)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err := repo.Create(ctx, &models.Folder{MailboxID: mailboxID, Type: ft}); err != nil {
			return err
		}
	}
	return nil
}

// Drift describes one corrected folder.
type Drift struct {
	FolderID     int64             `json:"folder_id"`
	Type         models.FolderType `json:"type"`
	CachedActive int               `json:"cached_active"`
	CachedTotal  int               `json:"cached_total"`
	Active       int               `json:"active"`
	Total        int               `json:"total"`
}

// Report is the outcome of a reconciliation pass.
type Report struct {
	MailboxID int64   `json:"mailbox_id"`
	Folders   int     `json:"folders"`
	Corrected []Drift `json:"corrected"`
}

// Reconcile recomputes the counters of every folder of a mailbox from the
// tickets table and rewrites those that drifted.
func (m *Maintainer) Reconcile(ctx context.Context, db *sqlx.DB, mailboxID int64) (*Report, error) {
	report := &Report{MailboxID: mailboxID}
	err := database.WithTx(ctx, db, func(tx *sqlx.Tx) error {
		repo := repository.NewFolderRepository(tx)
		folders, err := repo.ListByMailbox(ctx, mailboxID)
		if err != nil {
			return err
		}
		counts, err := repo.RecountByFolder(ctx, mailboxID)
		if err != nil {
			return err
		}
		byFolder := make(map[int64]repository.FolderCounts, len(counts))
		for _, c := range counts {
			byFolder[c.FolderID] = c
		}
		report.Folders = len(folders)
		for _, f := range folders {
			want := byFolder[f.ID]
			if f.ActiveCount == want.Active && f.TotalCount == want.Total {
				continue
			}
			if err := repo.SetCounts(ctx, f.ID, want.Active, want.Total); err != nil {
				return err
			}
			report.Corrected = append(report.Corrected, Drift{
				FolderID: f.ID, Type: f.Type,
				CachedActive: f.ActiveCount, CachedTotal: f.TotalCount,
				Active: want.Active, Total: want.Total,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile mailbox %d: %w", mailboxID, err)
	}
	if n := len(report.Corrected); n > 0 {
		metrics.FolderDrift.Add(float64(n))
		m.logger.Printf("folders: mailbox %d corrected %d drifted folder(s)", mailboxID, n)
	}
	return report, nil
}

// View is a folder as shown to an agent: stored folders plus computed ones.
type View struct {
	ID          int64             `json:"id,omitempty"`
	Type        models.FolderType `json:"type"`
	ActiveCount int               `json:"active_count"`
	TotalCount  int               `json:"total_count"`
}

// Views lists the real folders with their cached counters followed by the
// virtual folders computed for userID.
func (m *Maintainer) Views(ctx context.Context, q database.Queryer, mailboxID, userID int64) ([]View, error) {
	repo := repository.NewFolderRepository(q)
	stored, err := repo.ListByMailbox(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(stored)+3)
	for _, f := range stored {
		if f.UserID != nil {
			continue
		}
		out = append(out, View{ID: f.ID, Type: f.Type, ActiveCount: f.ActiveCount, TotalCount: f.TotalCount})
	}
	virtual, err := repo.VirtualCounts(ctx, mailboxID, userID)
	if err != nil {
		return nil, err
	}
	for _, ft := range []models.FolderType{models.FolderAssigned, models.FolderMine, models.FolderStarred} {
		c := virtual[ft]
		out = append(out, View{Type: ft, ActiveCount: c.Active, TotalCount: c.Total})
	}
	return out, nil
}
