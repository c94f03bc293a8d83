package manager

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// JobInfo describes the update job of one edition.
type JobInfo struct {
	Edition  string
	Interval time.Duration // from the end of one run to the start of the next
	LastRun  time.Time     // zero if never run
	NextRun  time.Time     // zero if not scheduled
}

// updateJobs runs one recurring check per edition on a shared gocron
// scheduler. Every job starts immediately, never overlaps itself, and is
// rescheduled relative to when its previous run completed.
type updateJobs struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	sched   gocron.Scheduler
	byName  map[string]gocron.Job
	stopped bool
}

func newUpdateJobs(interval time.Duration, logger *slog.Logger, opts ...gocron.SchedulerOption) (*updateJobs, error) {
	opts = append([]gocron.SchedulerOption{
		gocron.WithLogger(logger),
		gocron.WithStopTimeout(30 * time.Second),
	}, opts...)
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &updateJobs{
		interval: interval,
		logger:   logger,
		sched:    s,
		byName:   make(map[string]gocron.Job),
	}, nil
}

// add schedules run(ctx, edition). ctx is cancelled on shutdown.
func (u *updateJobs) add(ctx context.Context, edition string, run func(context.Context, string)) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.byName[edition]; ok {
		return fmt.Errorf("update job for %s already scheduled", edition)
	}
	j, err := u.sched.NewJob(
		gocron.DurationJob(u.interval),
		gocron.NewTask(run, edition),
		gocron.WithName("update:"+edition),
		gocron.WithContext(ctx),
		gocron.WithIntervalFromCompletion(),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", edition, err)
	}
	u.byName[edition] = j
	u.logger.Debug("update job scheduled", "edition", edition, "interval", u.interval)
	return nil
}

func (u *updateJobs) has(edition string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.byName[edition]
	return ok
}

// nextRun is zero for editions without a job.
func (u *updateJobs) nextRun(edition string) time.Time {
	u.mu.Lock()
	j, ok := u.byName[edition]
	u.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	t, err := j.NextRun()
	if err != nil {
		return time.Time{}
	}
	return t
}

func (u *updateJobs) list() []JobInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]JobInfo, 0, len(u.byName))
	for edition, j := range u.byName {
		info := JobInfo{Edition: edition, Interval: u.interval}
		info.LastRun, _ = j.LastRun()
		info.NextRun, _ = j.NextRun()
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b JobInfo) int { return strings.Compare(a.Edition, b.Edition) })
	return out
}

func (u *updateJobs) start() {
	u.sched.Start()
	u.logger.Info("scheduler started", "jobs", len(u.list()), "interval", u.interval)
}

// stop cancels job contexts and waits for running checks. Safe to call
// more than once.
func (u *updateJobs) stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		return nil
	}
	u.stopped = true
	return u.sched.Shutdown()
}
