package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"content-orchestrator/internal/failure"
	"content-orchestrator/internal/ledger"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/store"
	"content-orchestrator/internal/telemetry"
)

// Handler runs one job type. Validate sees the job before it is claimed and may only
// return data errors. Handle drives the stages through rc and returns the job output.
type Handler interface {
	Validate(job models.Job) error
	Handle(rc *RunContext) (map[string]any, error)
}

// RunContext is what a handler sees of its running job: stage bookkeeping, progress
// counters and the ledger. Progress writes and ledger appends never fail the job.
type RunContext struct {
	ctx  context.Context
	proc *Processor
	job  models.Job

	mu       sync.Mutex
	progress models.Progress
	// prior holds the counters persisted by earlier attempts; snapshots never go below them.
	prior map[string]int64
}

func newRunContext(ctx context.Context, p *Processor, job models.Job) *RunContext {
	prev := job.Progress.Clone()
	rc := &RunContext{
		ctx:      ctx,
		proc:     p,
		job:      job,
		progress: models.Progress{Counters: map[string]int64{}, RecentLog: prev.RecentLog},
		prior:    prev.Counters,
	}
	if job.AttemptCount > 0 {
		rc.progress.Log(fmt.Sprintf("attempt %d started", job.AttemptCount+1), p.opts.ProgressLogLines)
	}
	return rc
}

// Context returns the job context.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// Job returns the job as loaded at the start of the attempt.
func (rc *RunContext) Job() models.Job { return rc.job }

// Logger returns a logger annotated with the job.
func (rc *RunContext) Logger() *slog.Logger {
	return rc.proc.logger.With(slog.String("job_id", rc.job.ID), slog.String("job_type", string(rc.job.Type)))
}

// Stage runs fn as the named stage. Before it starts, the job is checked for an external
// cancellation and the lease is extended. Stage entry and exit are recorded in the
// ledger and the progress snapshot.
func (rc *RunContext) Stage(name string, fn func(ctx context.Context) error) error {
	if err := rc.checkCancelled(); err != nil {
		return err
	}
	rc.extendLease()

	rc.mu.Lock()
	rc.progress.Stage = name
	rc.progress.Log(fmt.Sprintf("%s started", name), rc.proc.opts.ProgressLogLines)
	rc.mu.Unlock()
	rc.flush()
	rc.Event(models.EventStage, name, models.EventStarted, "", nil)

	ctx, span := telemetry.Tracer().Start(rc.ctx, "job.stage."+name,
		trace.WithAttributes(attribute.String("job.id", rc.job.ID), attribute.String("job.stage", name)))
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	telemetry.StageDuration.WithLabelValues(string(rc.job.Type), name).Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		rc.Log(fmt.Sprintf("%s failed: %v", name, err))
		rc.flush()
		rc.Event(models.EventStage, name, models.EventFailed, err.Error(),
			map[string]any{"kind": string(failure.KindOf(err)), "elapsed_ms": elapsed.Milliseconds()})
		return err
	}
	span.SetStatus(codes.Ok, "")
	span.End()
	rc.Log(fmt.Sprintf("%s completed", name))
	rc.flush()
	rc.Event(models.EventStage, name, models.EventCompleted, "", map[string]any{"elapsed_ms": elapsed.Milliseconds()})
	return nil
}

// Add increases a progress counter. Negative deltas are ignored.
func (rc *RunContext) Add(counter string, delta int64) {
	rc.mu.Lock()
	rc.progress.Add(counter, delta)
	rc.mu.Unlock()
}

// Max raises a progress counter to v.
func (rc *RunContext) Max(counter string, v int64) {
	rc.mu.Lock()
	rc.progress.Max(counter, v)
	rc.mu.Unlock()
}

// Counter returns the value counter reached during this attempt.
func (rc *RunContext) Counter(name string) int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.progress.Counter(name)
}

// Log appends a line to the bounded progress log.
func (rc *RunContext) Log(line string) {
	rc.mu.Lock()
	rc.progress.Log(line, rc.proc.opts.ProgressLogLines)
	rc.mu.Unlock()
}

// Event appends a ledger event for this job.
func (rc *RunContext) Event(eventType, stage, status, message string, data map[string]any) {
	rc.proc.record(rc.ctx, rc.job, ledger.Entry{
		EventType: eventType,
		Stage:     stage,
		Status:    status,
		Message:   message,
		Data:      data,
	})
}

// Progress returns a snapshot of the current progress. Counters from earlier attempts
// are kept as a floor, so persisted counters never drop across retries.
func (rc *RunContext) Progress() models.Progress {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := rc.progress.Clone()
	for name, v := range rc.prior {
		out.Max(name, v)
	}
	return out
}

// flush persists the progress snapshot. A refused write means the job left processing.
func (rc *RunContext) flush() {
	err := rc.proc.store.UpdateProgress(rc.ctx, rc.job.ID, rc.Progress())
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) && rc.ctx.Err() == nil {
		rc.proc.logger.LogAttrs(rc.ctx, slog.LevelWarn, "progress write failed",
			slog.String("job_id", rc.job.ID), slog.String("error", err.Error()))
	}
}

func (rc *RunContext) checkCancelled() error {
	if err := rc.ctx.Err(); err != nil {
		return err
	}
	current, err := rc.proc.store.GetJob(rc.ctx, rc.job.ID)
	if err != nil {
		// Cancellation is advisory; an unreadable row does not stop the job.
		return nil
	}
	if current.Status == models.StatusCancelled {
		return failure.ErrCancelled
	}
	return nil
}

func (rc *RunContext) extendLease() {
	q, ok := rc.proc.transport.(interface {
		ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	})
	if !ok || rc.proc.opts.VisibilityTimeout <= 0 {
		return
	}
	if err := q.ExtendLease(rc.ctx, rc.job.ID, rc.proc.opts.VisibilityTimeout); err != nil {
		rc.proc.logger.LogAttrs(rc.ctx, slog.LevelWarn, "lease extension failed",
			slog.String("job_id", rc.job.ID), slog.String("error", err.Error()))
	}
}
