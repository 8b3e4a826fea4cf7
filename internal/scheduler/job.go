package scheduler

import "time"

// Job is a cron-scheduled unit of work and the state of its last run.
type Job struct {
	Name           string
	Slug           string
	Handler        string
	Schedule       string
	TimeoutSeconds int
	RunOnStartup   bool
	Config         map[string]any

	LastRunAt      *time.Time
	NextRunAt      *time.Time
	LastDurationMS int64
	LastStatus     string
	ErrorMessage   *string
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Config != nil {
		out.Config = make(map[string]any, len(j.Config))
		for k, v := range j.Config {
			out.Config[k] = v
		}
	}
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		out.LastRunAt = &t
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		out.NextRunAt = &t
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		out.ErrorMessage = &msg
	}
	return &out
}

const (
	// JobMailPoll fetches every active mailbox.
	JobMailPoll = "mail-poll"
	// JobFolderReconcile recomputes folder counters.
	JobFolderReconcile = "folder-reconcile"
	// JobMailQueuePrune drops queued mail past its delivery attempts.
	JobMailQueuePrune = "mail-queue-prune"
)

func defaultJobs() []*Job {
	return []*Job{
		{
			Name:           "Mailbox Poller",
			Slug:           JobMailPoll,
			Handler:        "mail.poll",
			Schedule:       "*/2 * * * *",
			TimeoutSeconds: 300,
			Config: map[string]any{
				"max_mailboxes": 10,
				"worker_count":  2,
			},
		},
		{
			Name:           "Folder Counter Reconciliation",
			Slug:           JobFolderReconcile,
			Handler:        "folders.reconcile",
			Schedule:       "30 3 * * *",
			TimeoutSeconds: 600,
		},
		{
			Name:           "Outbound Queue Pruning",
			Slug:           JobMailQueuePrune,
			Handler:        "mailqueue.prune",
			Schedule:       "15 4 * * *",
			TimeoutSeconds: 120,
			Config: map[string]any{
				"max_attempts": 5,
				"batch_size":   100,
			},
		},
	}
}

// DefaultJobs returns a cloned copy of the built-in scheduled jobs.
func DefaultJobs() []*Job {
	jobs := defaultJobs()
	out := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Clone())
	}
	return out
}
