package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/service"
	"github.com/gotrs-io/mailroom/internal/ticketnumber"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "postgres", "mysql", "mariadb", "sqlite", "sqlite3":
	default:
		add("database.driver %q is not one of postgres, mysql, sqlite3", c.Database.Driver)
	}
	if c.Database.DSN == "" && c.Database.Name == "" {
		add("database.name or database.dsn is required")
	}

	switch c.Fetch.LockBackend {
	case "", "memory":
	case "redis":
		if !c.Redis.Enabled {
			add("fetch.lock_backend redis requires redis.enabled")
		}
	default:
		add("fetch.lock_backend %q is not one of memory, redis", c.Fetch.LockBackend)
	}
	for key, spec := range map[string]string{
		"fetch.poll_schedule":      c.Fetch.PollSchedule,
		"fetch.reconcile_schedule": c.Fetch.ReconcileSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := scheduleParser.Parse(spec); err != nil {
			add("%s: %v", key, err)
		}
	}
	if c.Fetch.Workers < 0 {
		add("fetch.workers must not be negative")
	}

	for _, st := range c.Ingest.ContinuationStatuses {
		if !models.TicketStatus(st).Valid() {
			add("ingest.continuation_statuses: unknown status %q", st)
		}
	}
	if c.Ingest.MaxIdle < 0 {
		add("ingest.max_idle must not be negative")
	}
	if _, err := c.Ingest.Formatter(); err != nil {
		add("ingest.number_format: %v", err)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	return errors.Join(errs...)
}

// ContinuationPolicy builds the ingest threading policy; an empty status
// list falls back to the default.
func (c *IngestConfig) ContinuationPolicy() service.ContinuationPolicy {
	policy := service.DefaultContinuationPolicy()
	if len(c.ContinuationStatuses) > 0 {
		policy.Statuses = policy.Statuses[:0:0]
		for _, st := range c.ContinuationStatuses {
			policy.Statuses = append(policy.Statuses, models.TicketStatus(st))
		}
	}
	policy.MaxIdle = c.MaxIdle
	return policy
}

// Formatter resolves the configured ticket number display format.
func (c *IngestConfig) Formatter() (ticketnumber.Formatter, error) {
	return ticketnumber.Resolve(c.NumberFormat, c.NumberPrefix)
}
