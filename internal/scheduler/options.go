package scheduler

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

type options struct {
	Logger     *log.Logger
	Mailboxes  mailboxLister
	Fetcher    cycleRunner
	Reconciler folderReconciler
	Queue      queuePruner
	Cron       *cron.Cron
	Parser     cron.Parser
	Jobs       []*Job
	Location   *time.Location
}

// Option applies configuration to the scheduler service.
type Option func(*options)

func defaultOptions() options {
	return options{Logger: log.Default(), Location: time.UTC}
}

// WithLogger injects a custom logger implementation.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithMailboxLister injects the repository used to find mailboxes to poll.
func WithMailboxLister(repo mailboxLister) Option {
	return func(o *options) {
		o.Mailboxes = repo
	}
}

// WithFetchCoordinator injects the fetch coordinator; polling is skipped
// without one.
func WithFetchCoordinator(c cycleRunner) Option {
	return func(o *options) {
		o.Fetcher = c
	}
}

// WithReconciler replaces the folder counter reconciler.
func WithReconciler(r folderReconciler) Option {
	return func(o *options) {
		o.Reconciler = r
	}
}

// WithMailQueue replaces the outbound queue the prune job cleans.
func WithMailQueue(q queuePruner) Option {
	return func(o *options) {
		o.Queue = q
	}
}

// WithCron supplies a preconfigured cron scheduler instance.
func WithCron(c *cron.Cron) Option {
	return func(o *options) {
		o.Cron = c
	}
}

// WithCronParser allows replacing the cron expression parser.
func WithCronParser(p cron.Parser) Option {
	return func(o *options) {
		o.Parser = p
	}
}

// WithJobs registers explicit job definitions instead of defaults.
func WithJobs(jobs []*Job) Option {
	return func(o *options) {
		o.Jobs = jobs
	}
}

// WithLocation sets the scheduler timezone location.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		o.Location = loc
	}
}
