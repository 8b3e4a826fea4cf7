package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/notifications"
	"github.com/gotrs-io/mailroom/internal/repository"
)

// MergeResult summarizes a customer merge.
type MergeResult struct {
	Target         *models.Customer `json:"target"`
	SourceID       int64            `json:"source_id"`
	TicketsMoved   int64            `json:"tickets_moved"`
	MessagesMoved  int64            `json:"messages_moved"`
	EmailsMoved    int64            `json:"emails_moved"`
	ProfileUpdated bool             `json:"profile_updated"`
}

// CustomerMergeService folds duplicate customers into one.
type CustomerMergeService struct {
	db     *sqlx.DB
	hub    notifications.Hub
	logger *log.Logger
}

// NewCustomerMergeService creates a merge service. A nil hub publishes to
// the shared notifications hub.
func NewCustomerMergeService(db *sqlx.DB, hub notifications.Hub, logger *log.Logger) *CustomerMergeService {
	if logger == nil {
		logger = log.Default()
	}
	return &CustomerMergeService{db: db, hub: hub, logger: logger}
}

// Merge moves every ticket, message and address of source onto target,
// fills target's empty profile fields from source and deletes source, all
// in one transaction. No per-ticket side effects run.
func (s *CustomerMergeService) Merge(ctx context.Context, sourceID, targetID int64) (*MergeResult, error) {
	if sourceID == targetID {
		return nil, ErrSelfMerge
	}
	res := &MergeResult{SourceID: sourceID}
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		customers := repository.NewCustomerRepository(tx)
		// Lock in id order so two opposite merges cannot deadlock.
		first, second := sourceID, targetID
		if first > second {
			first, second = second, first
		}
		for _, id := range []int64{first, second} {
			if err := customers.Lock(ctx, id); err != nil {
				return err
			}
		}
		source, err := customers.GetByID(ctx, sourceID)
		if err != nil {
			return err
		}
		target, err := customers.GetByID(ctx, targetID)
		if err != nil {
			return err
		}

		if res.TicketsMoved, err = repository.NewTicketRepository(tx).ReassignCustomer(ctx, sourceID, targetID); err != nil {
			return err
		}
		if res.MessagesMoved, err = repository.NewThreadRepository(tx).ReassignCustomer(ctx, sourceID, targetID); err != nil {
			return err
		}
		if res.EmailsMoved, err = customers.MoveEmails(ctx, sourceID, targetID); err != nil {
			return err
		}
		if ApplyHints(target, models.HintsFrom(source), false) {
			res.ProfileUpdated = true
			if err := customers.UpdateProfile(ctx, target); err != nil {
				return err
			}
		}
		if err := customers.Delete(ctx, sourceID); err != nil {
			return err
		}
		if target.Emails, err = customers.ListEmails(ctx, targetID); err != nil {
			return err
		}
		res.Target = target
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}

	s.logger.Printf("customers: merged %d into %d (%d tickets, %d emails)", sourceID, targetID, res.TicketsMoved, res.EmailsMoved)
	hub := s.hub
	if hub == nil {
		hub = notifications.GetHub()
	}
	evt := notifications.Event{
		Type:             notifications.EventCustomerMerged,
		CustomerID:       targetID,
		SourceCustomerID: sourceID,
		OccurredAt:       time.Now().UTC(),
	}
	if err := hub.Publish(ctx, evt); err != nil {
		s.logger.Printf("customers: publish merge event: %v", err)
	}
	return res, nil
}
