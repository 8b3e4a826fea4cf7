// Package scheduler runs the mailroom's recurring jobs on cron schedules:
// mailbox polling, folder counter reconciliation and pruning of outbound
// mail that keeps failing.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/gotrs-io/mailroom/internal/email/inbound/fetch"
	"github.com/gotrs-io/mailroom/internal/folders"
	"github.com/gotrs-io/mailroom/internal/mailqueue"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/repository"
)

const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

type mailboxLister interface {
	ListActive(ctx context.Context) ([]models.Mailbox, error)
}

type cycleRunner interface {
	FetchCycle(ctx context.Context, mailboxID int64) (fetch.Stats, error)
}

type folderReconciler interface {
	Reconcile(ctx context.Context, mailboxID int64) (*folders.Report, error)
}

type queuePruner interface {
	GetFailed(ctx context.Context, maxAttempts, limit int) ([]mailqueue.Item, error)
	Delete(ctx context.Context, id int64) error
}

// dbReconciler binds a folder maintainer to the database it reconciles.
type dbReconciler struct {
	db         *sqlx.DB
	maintainer *folders.Maintainer
}

func (r dbReconciler) Reconcile(ctx context.Context, mailboxID int64) (*folders.Report, error) {
	return r.maintainer.Reconcile(ctx, r.db, mailboxID)
}

// Handler executes a scheduled job.
type Handler func(context.Context, *Job) error

// Service coordinates scheduled job execution.
type Service struct {
	mailboxes  mailboxLister
	fetcher    cycleRunner
	reconciler folderReconciler
	queue      queuePruner
	cron       *cron.Cron
	parser     cron.Parser
	handlers   map[string]Handler
	entries    map[string]cron.EntryID
	jobs       map[string]*Job
	mu         sync.RWMutex
	handlerMu  sync.RWMutex
	rootCtx    context.Context
	logger     *log.Logger
	startOnce  sync.Once
	stopOnce   sync.Once
	location   *time.Location
	pollState  pollState
}

// pollState rotates the starting point of each poll so a capped run still
// reaches every mailbox over time.
type pollState struct {
	mu      sync.Mutex
	nextIdx int
}

// NewService wires a scheduler around the shared database connection.
func NewService(db *sqlx.DB, opts ...Option) *Service {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = log.Default()
	}

	location := options.Location
	if location == nil {
		location = time.UTC
	}

	mailboxes := options.Mailboxes
	if mailboxes == nil && db != nil {
		mailboxes = repository.NewMailboxRepository(db)
	}
	reconciler := options.Reconciler
	if reconciler == nil && db != nil {
		reconciler = dbReconciler{db: db, maintainer: folders.NewMaintainer(folders.WithLogger(options.Logger))}
	}
	queue := options.Queue
	if queue == nil && db != nil {
		queue = mailqueue.NewRepository(db)
	}
	cronEngine := options.Cron
	if cronEngine == nil {
		cronEngine = cron.New(cron.WithLocation(location))
	}
	var zeroParser cron.Parser
	parser := options.Parser
	if parser == zeroParser {
		parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	}

	jobs := make(map[string]*Job)
	defs := options.Jobs
	if len(defs) == 0 {
		defs = defaultJobs()
	}
	for _, job := range defs {
		if job == nil || job.Slug == "" || job.Schedule == "" {
			continue
		}
		jobs[job.Slug] = job.Clone()
	}

	s := &Service{
		mailboxes:  mailboxes,
		fetcher:    options.Fetcher,
		reconciler: reconciler,
		queue:      queue,
		cron:       cronEngine,
		parser:     parser,
		handlers:   make(map[string]Handler),
		entries:    make(map[string]cron.EntryID),
		jobs:       jobs,
		logger:     options.Logger,
		location:   location,
	}
	s.registerBuiltinHandlers()
	return s
}

// Run starts the scheduler loop until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.rootCtx = ctx
		s.scheduleAllJobs()
		s.cron.Start()
		s.runStartupJobs()
	})

	<-ctx.Done()
	s.stopCron()
	return nil
}

// Jobs returns a snapshot of every job and its last run, ordered by slug.
func (s *Service) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// RunNow executes a job immediately, outside its schedule, and returns the
// handler's error.
func (s *Service) RunNow(ctx context.Context, slug string) error {
	job := s.jobSnapshot(slug)
	if job == nil {
		return fmt.Errorf("job %s not found", slug)
	}
	handler := s.getHandler(job.Handler)
	if handler == nil {
		return fmt.Errorf("handler %s not registered", job.Handler)
	}
	return handler(ctx, job)
}

func (s *Service) runStartupJobs() {
	s.mu.RLock()
	var startupJobs []string
	for slug, job := range s.jobs {
		if job != nil && job.RunOnStartup {
			startupJobs = append(startupJobs, slug)
		}
	}
	s.mu.RUnlock()

	for _, slug := range startupJobs {
		s.mu.RLock()
		entryID := s.entries[slug]
		s.mu.RUnlock()
		go s.executeJob(slug, entryID)
	}
}

func (s *Service) scheduleAllJobs() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for slug, job := range s.jobs {
		if job == nil {
			continue
		}
		if err := s.addJobLocked(job.Clone()); err != nil {
			s.logger.Printf("scheduler: failed to schedule job %s: %v", slug, err)
		}
	}
}

func (s *Service) stopCron() {
	s.stopOnce.Do(func() {
		ctx := s.cron.Stop()
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Printf("scheduler: timed out waiting for jobs to finish")
		}
	})
}

func (s *Service) addJobLocked(job *Job) error {
	schedule, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return err
	}

	slug := job.Slug
	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.executeJob(slug, entryID)
	}))

	s.entries[slug] = entryID
	s.jobs[slug] = job
	return nil
}

func (s *Service) executeJob(slug string, entryID cron.EntryID) {
	job := s.jobSnapshot(slug)
	if job == nil {
		return
	}

	handler := s.getHandler(job.Handler)
	if handler == nil {
		now := s.now()
		s.finalizeRun(job, slug, entryID, now, now, statusFailed, fmt.Errorf("handler %s not registered", job.Handler))
		return
	}

	ctx := s.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}

	start := s.now()
	jobCtx := ctx
	var cancel context.CancelFunc
	if job.TimeoutSeconds > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
	}

	var runErr error
	func() {
		defer func() {
			if cancel != nil {
				cancel()
			}
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic: %v", r)
			}
		}()
		runErr = handler(jobCtx, job)
	}()

	status := statusSuccess
	if runErr != nil {
		status = statusFailed
		s.logger.Printf("scheduler: job %s failed: %v", slug, runErr)
	}
	s.finalizeRun(job, slug, entryID, start, s.now(), status, runErr)
}

func (s *Service) finalizeRun(job *Job, slug string, entryID cron.EntryID, start, finish time.Time, status string, runErr error) {
	cloned := job.Clone()
	cloned.LastRunAt = &finish
	cloned.LastDurationMS = finish.Sub(start).Milliseconds()
	cloned.LastStatus = status
	if runErr != nil {
		msg := runErr.Error()
		cloned.ErrorMessage = &msg
	} else {
		cloned.ErrorMessage = nil
	}

	if entry := s.cron.Entry(entryID); entry.ID != 0 && !entry.Next.IsZero() {
		next := entry.Next.In(s.location)
		cloned.NextRunAt = &next
	} else {
		cloned.NextRunAt = nil
	}

	s.mu.Lock()
	s.jobs[slug] = cloned
	s.mu.Unlock()
}

func (s *Service) now() time.Time {
	if s.location == nil {
		return time.Now()
	}
	return time.Now().In(s.location)
}

func (s *Service) jobSnapshot(slug string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if job, ok := s.jobs[slug]; ok {
		return job.Clone()
	}
	return nil
}

func (s *Service) getHandler(name string) Handler {
	if name == "" {
		return nil
	}
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handlers[name]
}

// RegisterHandler attaches or replaces a handler for the given name. Passing nil removes the handler.
func (s *Service) RegisterHandler(name string, handler Handler) {
	if name == "" {
		return
	}
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	if handler == nil {
		delete(s.handlers, name)
		return
	}
	s.handlers[name] = handler
}
