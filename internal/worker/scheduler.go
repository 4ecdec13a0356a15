package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"content-orchestrator/internal/models"
	"content-orchestrator/internal/queue"
)

// SystemOwner owns jobs the worker schedules on its own.
const SystemOwner = "system"

const pollLockName = "drive_poll"

// Locker grants a named lock to one holder at a time.
type Locker interface {
	AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) error
}

// PollScheduler submits one drive_poll job per interval across all workers.
type PollScheduler struct {
	orch     *Orchestrator
	lock     Locker
	holder   string
	interval time.Duration
	logger   *slog.Logger
}

// NewPollScheduler builds a scheduler. A nil lock means this process always schedules,
// which is right for a single inline deployment.
func NewPollScheduler(orch *Orchestrator, lock Locker, holder string, interval time.Duration, logger *slog.Logger) *PollScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &PollScheduler{orch: orch, lock: lock, holder: holder, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled.
func (s *PollScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick submits a drive_poll job if this process wins the lock for the interval.
// It reports whether a job was submitted.
func (s *PollScheduler) Tick(ctx context.Context) bool {
	if s.lock != nil {
		// The lock expires slightly before the next tick so a restarted holder is not locked out.
		ttl := s.interval - s.interval/10
		if err := s.lock.AcquireLock(ctx, pollLockName, s.holder, ttl); err != nil {
			if !errors.Is(err, queue.ErrLockHeld) {
				s.logger.LogAttrs(ctx, slog.LevelWarn, "poll lock failed", slog.String("error", err.Error()))
			}
			return false
		}
	}
	job, err := s.orch.SubmitJob(ctx, SubmitRequest{Type: models.JobDrivePoll, OwnerID: SystemOwner})
	if err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "poll submit failed", slog.String("error", err.Error()))
		return false
	}
	s.logger.LogAttrs(ctx, slog.LevelDebug, "drive poll scheduled", slog.String("job_id", job.ID))
	return true
}
