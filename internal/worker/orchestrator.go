package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"content-orchestrator/internal/failure"
	"content-orchestrator/internal/ledger"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/retry"
	"content-orchestrator/internal/store"
	"content-orchestrator/internal/telemetry"
)

// SubmitRequest describes a job to create.
type SubmitRequest struct {
	Type        models.JobType
	OwnerID     string
	DocumentRef string
	Payload     map[string]any
	MaxAttempts int
	Priority    string
}

// Orchestrator is the producer side: it persists jobs and hands them to the transport.
// Without a transport, jobs run synchronously on the attached processor.
type Orchestrator struct {
	store     JobStore
	transport Transport
	recorder  *ledger.Recorder
	policy    retry.Policy
	logger    *slog.Logger
	inline    *Processor
	// running holds the ids of jobs executing inline, so a sweep and an explicit
	// retry never run the same job twice.
	running sync.Map
}

// NewOrchestrator builds an orchestrator. transport may be nil for inline mode.
func NewOrchestrator(st JobStore, transport Transport, recorder *ledger.Recorder, policy retry.Policy, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     st,
		transport: transport,
		recorder:  recorder,
		policy:    policy.Normalize(),
		logger:    logger,
	}
}

// AttachInline makes SubmitJob run jobs on p when there is no transport.
func (o *Orchestrator) AttachInline(p *Processor) {
	o.inline = p
}

// SubmitJob persists a pending job with zero attempts and enqueues it. Unknown job types
// are accepted here and failed by the dispatcher, so their error stays queryable.
func (o *Orchestrator) SubmitJob(ctx context.Context, req SubmitRequest) (models.Job, error) {
	if strings.TrimSpace(string(req.Type)) == "" {
		return models.Job{}, failure.Dataf("submit", "type is required")
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return models.Job{}, failure.Dataf("submit", "owner id is required")
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = o.policy.MaxAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	params := store.CreateJobParams{
		OwnerID:     req.OwnerID,
		Type:        req.Type,
		DocumentRef: req.DocumentRef,
		Payload:     req.Payload,
		MaxAttempts: maxAttempts,
	}
	if sid, ok := req.Payload["session_id"].(string); ok {
		params.SessionID = sid
	}
	job, err := o.store.CreateJob(ctx, params)
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	telemetry.JobsSubmitted.WithLabelValues(string(job.Type)).Inc()
	o.record(ctx, job, ledger.Entry{EventType: models.EventJob, Status: models.EventQueued,
		Message: fmt.Sprintf("%s job submitted", job.Type)})

	return o.dispatch(ctx, job, req.Priority)
}

func (o *Orchestrator) dispatch(ctx context.Context, job models.Job, priority string) (models.Job, error) {
	msg := models.MessageFor(job)
	if o.transport != nil {
		if err := o.transport.Enqueue(ctx, msg, priority, time.Now()); err != nil {
			errText := fmt.Sprintf("enqueue failed: %v", err)
			if ferr := o.store.FailJob(ctx, job.ID, job.MaxAttempts, errText); ferr != nil {
				o.logger.LogAttrs(ctx, slog.LevelError, "failed to mark unqueued job",
					slog.String("job_id", job.ID), slog.String("error", ferr.Error()))
			}
			return models.Job{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		return job, nil
	}
	if o.inline == nil {
		return job, nil
	}
	o.runInline(ctx, job.ID)
	return o.store.GetJob(ctx, job.ID)
}

// runInline runs one attempt on the attached processor unless that job is already running.
func (o *Orchestrator) runInline(ctx context.Context, jobID string) bool {
	if _, busy := o.running.LoadOrStore(jobID, struct{}{}); busy {
		return false
	}
	defer o.running.Delete(jobID)
	if err := o.inline.HandleMessage(ctx, models.Message{JobID: jobID}); err != nil {
		o.logger.LogAttrs(ctx, slog.LevelError, "inline run failed",
			slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	return true
}

// GetJobStatus returns the job as stored.
func (o *Orchestrator) GetJobStatus(ctx context.Context, id string) (models.Job, error) {
	return o.store.GetJob(ctx, id)
}

// CancelJob marks a pending or processing job cancelled and drops its queued message.
// It reports false when the job was already terminal.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (bool, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := o.store.CancelJob(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	if o.transport != nil {
		if err := o.transport.Cancel(ctx, id); err != nil {
			// The worker re-reads the row before running, so a stale message is harmless.
			o.logger.LogAttrs(ctx, slog.LevelWarn, "queue cancel failed",
				slog.String("job_id", id), slog.String("error", err.Error()))
		}
	}
	o.record(ctx, job, ledger.Entry{EventType: models.EventJob, Status: models.EventCancelled, Message: "cancel requested"})
	return true, nil
}

// ListDeadLetters returns up to limit dead letters from the transport, or from the store
// in inline mode.
func (o *Orchestrator) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	if o.transport != nil {
		return o.transport.ListDeadLetters(ctx, int64(limit))
	}
	return o.store.ListDeadLetters(ctx, limit)
}

// ReplayDeadLetter reopens a failed job and queues it again. The attempt count is kept,
// so a replayed job gets one more attempt before it is dead-lettered again.
func (o *Orchestrator) ReplayDeadLetter(ctx context.Context, id string) (models.Job, error) {
	job, err := o.store.ReopenJob(ctx, id)
	if errors.Is(err, store.ErrInvalidTransition) {
		return models.Job{}, failure.Conflict("replay", fmt.Errorf("job %s is not failed", id))
	}
	if err != nil {
		return models.Job{}, err
	}
	if o.transport != nil {
		if err := o.transport.RemoveDeadLetter(ctx, id); err != nil {
			o.logger.LogAttrs(ctx, slog.LevelWarn, "dead letter removal failed",
				slog.String("job_id", id), slog.String("error", err.Error()))
		}
	}
	if err := o.store.RemoveDeadLetter(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.LogAttrs(ctx, slog.LevelWarn, "dead letter removal failed",
			slog.String("job_id", id), slog.String("error", err.Error()))
	}
	o.record(ctx, job, ledger.Entry{EventType: models.EventJob, Status: models.EventQueued, Message: "replayed from dead letter"})
	return o.dispatch(ctx, job, "")
}

// RetryJob runs a job waiting on a scheduled retry now instead of at next_attempt_at.
// Inline, the attempt runs before RetryJob returns; with a transport the scheduled
// message is replaced by a ready one. The attempt count is untouched.
func (o *Orchestrator) RetryJob(ctx context.Context, id string) (models.Job, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusPending || job.NextAttemptAt == nil {
		return models.Job{}, failure.Conflict("retry", fmt.Errorf("job %s has no retry scheduled", id))
	}
	o.record(ctx, job, ledger.Entry{EventType: models.EventJob, Status: models.EventQueued, Message: "retry requested"})
	if o.transport != nil {
		if err := o.transport.Cancel(ctx, id); err != nil {
			return models.Job{}, fmt.Errorf("drop scheduled message for %s: %w", id, err)
		}
	}
	return o.dispatch(ctx, job, "")
}

// RunDueRetries runs every inline job whose scheduled retry is due. With a transport
// the queue promotes scheduled messages itself and this is a no-op.
func (o *Orchestrator) RunDueRetries(ctx context.Context, now time.Time) (int, error) {
	if o.transport != nil || o.inline == nil {
		return 0, nil
	}
	jobs, err := o.store.ListDueRetries(ctx, now, 100)
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}
	ran := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		if o.runInline(ctx, job.ID) {
			ran++
		}
	}
	return ran, nil
}

// RunInlineRetries sweeps due retries every interval until ctx is done.
func (o *Orchestrator) RunInlineRetries(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := o.RunDueRetries(ctx, time.Now().UTC())
			if err != nil && ctx.Err() == nil {
				o.logger.LogAttrs(ctx, slog.LevelWarn, "inline retry sweep failed", slog.String("error", err.Error()))
			}
			if n > 0 {
				o.logger.LogAttrs(ctx, slog.LevelInfo, "inline retries ran", slog.Int("count", n))
			}
		}
	}
}

// SubmitIngest queues the follow-up ingest for an externally edited document.
func (o *Orchestrator) SubmitIngest(ctx context.Context, doc models.Document, revisionID string) (string, error) {
	job, err := o.SubmitJob(ctx, SubmitRequest{
		Type:        models.JobDriveIngest,
		OwnerID:     doc.OwnerID,
		DocumentRef: doc.ID,
		Payload:     map[string]any{"revision_id": revisionID},
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (o *Orchestrator) record(ctx context.Context, job models.Job, e ledger.Entry) {
	e.OwnerID = job.OwnerID
	e.JobID = job.ID
	if job.SessionID != nil {
		e.SessionID = *job.SessionID
	}
	o.recorder.Record(ctx, e)
}
