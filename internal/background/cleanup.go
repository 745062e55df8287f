package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// jobTimeout bounds a single run of any job
const jobTimeout = 30 * time.Second

// Job is one periodic maintenance task
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// SweepFunc deletes rows that are no longer needed and reports how many went
type SweepFunc func(ctx context.Context, now time.Time) (int64, error)

// CleanupManager runs periodic maintenance jobs, each on its own ticker
type CleanupManager struct {
	jobs   []Job
	logger *slog.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(logger *slog.Logger) *CleanupManager {
	return &CleanupManager{
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Add registers a job. Jobs added after Start are not run.
func (cm *CleanupManager) Add(job Job) {
	if job.Interval <= 0 || job.Run == nil {
		cm.logger.Warn("skipping maintenance job without interval", slog.String("job", job.Name))
		return
	}
	cm.jobs = append(cm.jobs, job)
}

// Sweep registers a job that runs fn and logs the rows it removed.
func (cm *CleanupManager) Sweep(name string, interval time.Duration, fn SweepFunc) {
	cm.Add(Job{
		Name:     name,
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := fn(ctx, cm.now())
			if err != nil {
				return err
			}
			if n > 0 {
				cm.logger.Info("cleanup completed", slog.String("job", name), slog.Int64("rows_deleted", n))
			}
			return nil
		},
	})
}

// Start launches every registered job and returns immediately
func (cm *CleanupManager) Start(ctx context.Context) {
	for _, job := range cm.jobs {
		cm.wg.Add(1)
		go cm.loop(ctx, job)
	}
	cm.logger.Info("maintenance jobs started", slog.Int("jobs", len(cm.jobs)))
}

func (cm *CleanupManager) loop(ctx context.Context, job Job) {
	defer cm.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.run(ctx, job)

	for {
		select {
		case <-ticker.C:
			cm.run(ctx, job)
		case <-cm.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (cm *CleanupManager) run(ctx context.Context, job Job) {
	runCtx, cancel := context.WithTimeout(ctx, min(jobTimeout, job.Interval))
	defer cancel()

	if err := job.Run(runCtx); err != nil {
		cm.logger.Error("maintenance job failed", slog.String("job", job.Name), slog.Any("error", err))
	}
}

// Stop signals every job to stop and waits for running ones to return
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
	cm.wg.Wait()
	cm.logger.Info("cleanup manager stopped")
}
