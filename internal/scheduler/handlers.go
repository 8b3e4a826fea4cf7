package scheduler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/gotrs-io/mailroom/internal/email/inbound/fetch"
	"github.com/gotrs-io/mailroom/internal/models"
)

func (s *Service) registerBuiltinHandlers() {
	s.RegisterHandler("mail.poll", s.handleMailPoll)
	s.RegisterHandler("folders.reconcile", s.handleFolderReconcile)
	s.RegisterHandler("mailqueue.prune", s.handleMailQueuePrune)
}

func (s *Service) handleMailPoll(ctx context.Context, job *Job) error {
	if s.mailboxes == nil {
		s.logger.Printf("scheduler: mailbox repository unavailable, skipping poll")
		return nil
	}
	if s.fetcher == nil {
		s.logger.Printf("scheduler: fetch coordinator unavailable, skipping poll")
		return nil
	}
	mailboxes, err := s.mailboxes.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(mailboxes) == 0 {
		s.logger.Printf("scheduler: mail poll found no active mailboxes")
		return nil
	}

	count := len(mailboxes)
	if limit := intFromConfig(job.Config, "max_mailboxes", 0); limit > 0 && count > limit {
		count = limit
	}
	targets := s.selectPollMailboxes(mailboxes, count)
	workers := intFromConfig(job.Config, "worker_count", 2)
	if workers <= 0 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var fetchErrs []error
	for _, mb := range targets {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(mb models.Mailbox) {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := s.fetcher.FetchCycle(ctx, mb.ID)
			switch {
			case err == nil:
			case errors.Is(err, fetch.ErrConcurrentFetch):
				s.logger.Printf("scheduler: mailbox %d already being fetched, skipping", mb.ID)
			default:
				errMu.Lock()
				fetchErrs = append(fetchErrs, err)
				errMu.Unlock()
			}
		}(mb)
	}

	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(fetchErrs) > 0 {
		return errors.Join(fetchErrs...)
	}
	return nil
}

func (s *Service) selectPollMailboxes(mailboxes []models.Mailbox, count int) []models.Mailbox {
	total := len(mailboxes)
	if total == 0 || count <= 0 {
		return nil
	}
	if count > total {
		count = total
	}
	s.pollState.mu.Lock()
	defer s.pollState.mu.Unlock()

	selected := make([]models.Mailbox, 0, count)
	idx := s.pollState.nextIdx % total
	for len(selected) < count {
		selected = append(selected, mailboxes[idx])
		idx = (idx + 1) % total
	}
	s.pollState.nextIdx = idx
	return selected
}

func (s *Service) handleFolderReconcile(ctx context.Context, job *Job) error {
	if s.mailboxes == nil || s.reconciler == nil {
		s.logger.Printf("scheduler: database unavailable, skipping folder reconciliation")
		return nil
	}
	mailboxes, err := s.mailboxes.ListActive(ctx)
	if err != nil {
		return err
	}
	var errs []error
	corrected := 0
	for _, mb := range mailboxes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report, err := s.reconciler.Reconcile(ctx, mb.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		corrected += len(report.Corrected)
	}
	s.logger.Printf("scheduler: folder reconciliation checked %d mailbox(es), corrected %d folder(s)", len(mailboxes), corrected)
	return errors.Join(errs...)
}

// handleMailQueuePrune deletes items whose attempts reached max_attempts,
// at most batch_size per run.
func (s *Service) handleMailQueuePrune(ctx context.Context, job *Job) error {
	if s.queue == nil {
		s.logger.Printf("scheduler: mail queue unavailable, skipping prune")
		return nil
	}
	maxAttempts := intFromConfig(job.Config, "max_attempts", 5)
	if maxAttempts <= 0 {
		return nil
	}
	items, err := s.queue.GetFailed(ctx, maxAttempts, intFromConfig(job.Config, "batch_size", 100))
	if err != nil {
		return err
	}
	var errs []error
	for _, item := range items {
		if err := s.queue.Delete(ctx, item.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Printf("scheduler: dropped queued mail %s to %s after %d attempt(s)", item.MessageID, item.Recipient, item.Attempts)
	}
	return errors.Join(errs...)
}

func intFromConfig(cfg map[string]any, key string, def int) int {
	if cfg == nil {
		return def
	}
	val, ok := cfg[key]
	if !ok {
		return def
	}
	switch v := val.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return def
}
