package scheduler

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

var quiet = log.New(io.Discard, "", 0)

func TestScheduleJobsRegistersEntries(t *testing.T) {
	job := &Job{Slug: "test", Handler: "noop", Schedule: "* * * * *"}
	cronEngine := cron.New(cron.WithLocation(time.UTC))
	svc := NewService(nil,
		WithJobs([]*Job{job}),
		WithCron(cronEngine),
		WithLogger(quiet),
	)
	t.Cleanup(func() { cronEngine.Stop() })

	svc.RegisterHandler("noop", func(ctx context.Context, j *Job) error { return nil })
	svc.scheduleAllJobs()

	if _, ok := svc.entries["test"]; !ok {
		t.Fatalf("expected entry for job slug test")
	}
}

func TestInvalidScheduleIsSkipped(t *testing.T) {
	job := &Job{Slug: "bad", Handler: "noop", Schedule: "every now and then"}
	cronEngine := cron.New(cron.WithLocation(time.UTC))
	svc := NewService(nil, WithJobs([]*Job{job}), WithCron(cronEngine), WithLogger(quiet))
	t.Cleanup(func() { cronEngine.Stop() })

	svc.scheduleAllJobs()
	if _, ok := svc.entries["bad"]; ok {
		t.Fatalf("unparseable schedule must not be registered")
	}
}

func TestExecuteJobSuccessUpdatesState(t *testing.T) {
	job := &Job{Slug: "run", Handler: "test", Schedule: "* * * * *"}
	cronEngine := cron.New(cron.WithLocation(time.UTC))
	svc := NewService(nil,
		WithJobs([]*Job{job}),
		WithCron(cronEngine),
		WithLogger(quiet),
	)
	t.Cleanup(func() { cronEngine.Stop() })

	var ran int32
	svc.RegisterHandler("test", func(ctx context.Context, j *Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	svc.scheduleAllJobs()
	entry, ok := svc.entries["run"]
	if !ok {
		t.Fatalf("missing entry for job")
	}

	svc.executeJob("run", entry)

	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected handler to run once")
	}
	state := svc.jobSnapshot("run")
	if state == nil {
		t.Fatalf("expected job state")
	}
	if state.LastStatus != statusSuccess {
		t.Fatalf("expected status success, got %s", state.LastStatus)
	}
	if state.LastRunAt == nil {
		t.Fatalf("expected last run timestamp")
	}
	if state.ErrorMessage != nil {
		t.Fatalf("unexpected error message: %s", *state.ErrorMessage)
	}
}

func TestExecuteJobMissingHandlerMarksFailure(t *testing.T) {
	job := &Job{Slug: "missing", Handler: "unknown", Schedule: "* * * * *"}
	cronEngine := cron.New(cron.WithLocation(time.UTC))
	svc := NewService(nil,
		WithJobs([]*Job{job}),
		WithCron(cronEngine),
		WithLogger(quiet),
	)
	t.Cleanup(func() { cronEngine.Stop() })

	svc.scheduleAllJobs()
	entry, ok := svc.entries["missing"]
	if !ok {
		t.Fatalf("missing entry for job")
	}

	svc.executeJob("missing", entry)
	state := svc.jobSnapshot("missing")
	if state == nil {
		t.Fatalf("expected job state")
	}
	if state.LastStatus != statusFailed {
		t.Fatalf("expected failed status, got %s", state.LastStatus)
	}
	if state.ErrorMessage == nil {
		t.Fatalf("expected error message for missing handler")
	}
}

func TestExecuteJobRecoversPanic(t *testing.T) {
	job := &Job{Slug: "boom", Handler: "boom", Schedule: "* * * * *"}
	svc := NewService(nil, WithJobs([]*Job{job}), WithLogger(quiet))
	svc.RegisterHandler("boom", func(ctx context.Context, j *Job) error { panic("kaput") })

	svc.executeJob("boom", 0)
	state := svc.jobSnapshot("boom")
	if state.LastStatus != statusFailed || state.ErrorMessage == nil || *state.ErrorMessage != "panic: kaput" {
		t.Fatalf("expected recovered panic, got %+v", state)
	}
}

func TestExecuteJobAppliesTimeout(t *testing.T) {
	job := &Job{Slug: "slow", Handler: "slow", Schedule: "* * * * *", TimeoutSeconds: 1}
	svc := NewService(nil, WithJobs([]*Job{job}), WithLogger(quiet))
	svc.RegisterHandler("slow", func(ctx context.Context, j *Job) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("expected job context deadline")
		}
		return nil
	})
	svc.executeJob("slow", 0)
}

func TestDefaultJobs(t *testing.T) {
	jobs := DefaultJobs()
	if len(jobs) != 3 {
		t.Fatalf("expected three default jobs, got %d", len(jobs))
	}
	clone := jobs[0].Clone()
	clone.Config["worker_count"] = 99
	if jobs[0].Config["worker_count"] == 99 {
		t.Fatalf("Clone must copy the config map")
	}

	svc := NewService(nil, WithLogger(quiet))
	snapshot := svc.Jobs()
	if len(snapshot) != 3 || snapshot[0].Slug != JobFolderReconcile || snapshot[1].Slug != JobMailPoll || snapshot[2].Slug != JobMailQueuePrune {
		t.Fatalf("unexpected job snapshot %+v", snapshot)
	}
}

func TestRunNowUnknownJob(t *testing.T) {
	svc := NewService(nil, WithLogger(quiet))
	if err := svc.RunNow(context.Background(), "nope"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

func TestWithLocationOverridesDefault(t *testing.T) {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Fatalf("expected to load test location: %v", err)
	}
	svc := NewService(nil, WithLocation(loc))
	now := svc.now()
	if now.Location() != loc {
		t.Fatalf("expected location %s, got %s", loc, now.Location())
	}
}
