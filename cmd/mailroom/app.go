package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/gotrs-io/mailroom/internal/cache"
	"github.com/gotrs-io/mailroom/internal/config"
	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/email/inbound/connector"
	"github.com/gotrs-io/mailroom/internal/email/inbound/fetch"
	"github.com/gotrs-io/mailroom/internal/email/inbound/postmaster"
	"github.com/gotrs-io/mailroom/internal/notifications"
	"github.com/gotrs-io/mailroom/internal/repository"
	"github.com/gotrs-io/mailroom/internal/scheduler"
	"github.com/gotrs-io/mailroom/internal/service"
)

// app holds the process-wide collaborators every subcommand shares.
type app struct {
	cfg    *config.Config
	logger *log.Logger

	db     *sqlx.DB
	redis  redis.UniversalClient
	kafka  *notifications.KafkaPublisher
	stream *notifications.StreamHub
	hub    notifications.Hub

	tickets *service.TicketService
	merger  *service.CustomerMergeService
	fetcher *fetch.Coordinator
	status  fetch.StatusStore
}

func loadConfig(dir string) (*config.Config, error) {
	if err := config.Load(dir); err != nil {
		log.Printf("config: %v; using built-in defaults", err)
		return config.Defaults()
	}
	return config.Get(), nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a := &app{cfg: cfg, logger: cfg.Logging.NewLogger()}

	db, err := database.Open(ctx, cfg.Database.Options())
	if err != nil {
		return nil, err
	}
	a.db = db
	if cfg.Database.AutoMigrate {
		if _, err := database.Migrate(ctx, db); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	if cfg.Redis.Enabled {
		client, err := cache.Connect(ctx, cache.Config{
			Addrs:    []string{cfg.Redis.GetRedisAddr()},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
	}

	if err := a.wireEvents(); err != nil {
		a.Close()
		return nil, err
	}

	formatter, err := cfg.Ingest.Formatter()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tickets = service.NewTicketService(db,
		service.WithHub(a.hub),
		service.WithFormatter(formatter),
		service.WithContinuationPolicy(cfg.Ingest.ContinuationPolicy()),
		service.WithTicketLogger(a.logger),
	)
	a.merger = service.NewCustomerMergeService(db, a.hub, a.logger)
	a.wireFetch()
	return a, nil
}

func (a *app) wireEvents() error {
	hubs := notifications.Fanout{notifications.NewMemoryHub(a.cfg.Events.Buffer)}
	if a.cfg.Events.Stream {
		a.stream = notifications.NewStreamHub(a.logger)
		hubs = append(hubs, a.stream)
	}
	if len(a.cfg.Events.KafkaBrokers) > 0 {
		topics := make(map[notifications.EventType]string)
		for event, topic := range a.cfg.Events.TopicMap() {
			topics[notifications.EventType(event)] = topic
		}
		kafka, err := notifications.NewKafkaPublisher(a.cfg.Events.KafkaBrokers, a.cfg.Events.TopicPrefix, topics)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		a.kafka = kafka
		hubs = append(hubs, kafka)
	}
	a.hub = hubs
	notifications.SetHub(hubs)
	return nil
}

func (a *app) wireFetch() {
	fc := a.cfg.Fetch
	factory := connector.DefaultFactory(
		[]connector.IMAPFetcherOption{
			connector.WithIMAPLogger(a.logger),
			connector.WithIMAPDialTimeout(fc.DialTimeout),
			connector.WithIMAPBatchLimit(fc.BatchLimit),
			connector.WithIMAPDeleteAfterFetch(fc.IMAPDeleteAfterFetch),
		},
		[]connector.POP3FetcherOption{
			connector.WithPOP3Logger(a.logger),
			connector.WithPOP3DialTimeout(fc.DialTimeout),
			connector.WithPOP3BatchLimit(fc.BatchLimit),
			connector.WithPOP3DeleteAfterFetch(!fc.POP3KeepMessages),
		},
	)
	parser := postmaster.NewParser(
		postmaster.WithBodyLimit(int64(fc.MaxBodyBytes)),
		postmaster.WithAttachmentLimit(fc.MaxAttachmentBytes),
		postmaster.WithParserLogger(a.logger),
	)
	processor := postmaster.NewProcessor(a.tickets,
		postmaster.WithParser(parser),
		postmaster.WithProcessorLogger(a.logger),
	)

	var locker fetch.Locker = fetch.NewMemoryLocker()
	var status fetch.StatusStore = fetch.NewMemoryStatusStore()
	if a.redis != nil {
		if fc.LockBackend == "redis" {
			locker = fetch.NewRedisLocker(a.redis, fc.LockTTL, a.logger)
		}
		status = fetch.NewRedisStatusStore(a.redis)
	}
	a.status = status
	a.fetcher = fetch.NewCoordinator(repository.NewMailboxRepository(a.db), processor,
		fetch.WithFactory(factory),
		fetch.WithLocker(locker),
		fetch.WithStatusRecorder(a.status),
		fetch.WithLogger(a.logger),
	)
}

// jobs applies the configured schedules and worker limits to the built-in
// jobs.
func (a *app) jobs() []*scheduler.Job {
	fc := a.cfg.Fetch
	jobs := scheduler.DefaultJobs()
	for _, job := range jobs {
		switch job.Slug {
		case scheduler.JobMailPoll:
			if fc.PollSchedule != "" {
				job.Schedule = fc.PollSchedule
			}
			if fc.Workers > 0 {
				job.Config["worker_count"] = fc.Workers
			}
			if fc.MaxMailboxes > 0 {
				job.Config["max_mailboxes"] = fc.MaxMailboxes
			}
		case scheduler.JobFolderReconcile:
			if fc.ReconcileSchedule != "" {
				job.Schedule = fc.ReconcileSchedule
			}
		}
	}
	return jobs
}

func (a *app) scheduler() (*scheduler.Service, error) {
	loc, err := time.LoadLocation(a.cfg.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app.timezone: %w", err)
	}
	return scheduler.NewService(a.db,
		scheduler.WithLogger(a.logger),
		scheduler.WithLocation(loc),
		scheduler.WithFetchCoordinator(a.fetcher),
		scheduler.WithJobs(a.jobs()),
	), nil
}

// Close releases every connection the app opened.
func (a *app) Close() error {
	var errs []error
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
