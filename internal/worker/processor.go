package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"content-orchestrator/internal/besteffort"
	"content-orchestrator/internal/failure"
	"content-orchestrator/internal/ledger"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/notify"
	"content-orchestrator/internal/retry"
	"content-orchestrator/internal/store"
	"content-orchestrator/internal/telemetry"
)

// JobStore is the job and dead-letter persistence the worker needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkProcessing(ctx context.Context, id string) (int, bool, error)
	UpdateProgress(ctx context.Context, id string, progress models.Progress) error
	CompleteJob(ctx context.Context, id string, output map[string]any, progress models.Progress) error
	ScheduleRetry(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastErr string) error
	FailJob(ctx context.Context, id string, attempt int, lastErr string) error
	CancelJob(ctx context.Context, id string) (bool, error)
	ReopenJob(ctx context.Context, id string) (models.Job, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	RecordDeadLetter(ctx context.Context, dl models.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, jobID string) error
}

// Transport delivers job messages at least once.
type Transport interface {
	Enqueue(ctx context.Context, msg models.Message, priority string, runAt time.Time) error
	Retry(ctx context.Context, msg models.Message, runAt time.Time) error
	Ack(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
	SendToDeadLetter(ctx context.Context, dl models.DeadLetter) error
	ListDeadLetters(ctx context.Context, count int64) ([]models.DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, jobID string) error
}

// LeaseQueue is a Transport the worker can pull from.
type LeaseQueue interface {
	Transport
	DequeueWithLease(ctx context.Context) (models.Message, bool, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Options tune the processor.
type Options struct {
	Policy             retry.Policy
	Concurrency        int
	PollInterval       time.Duration
	VisibilityTimeout  time.Duration
	ScheduledBatchSize int
	ProgressLogLines   int
}

// Processor is the job state machine. It owns every status transition a job makes
// after submission; handlers only report success or a classified error.
type Processor struct {
	store     JobStore
	transport Transport
	handlers  map[models.JobType]Handler
	recorder  *ledger.Recorder
	notifier  notify.Notifier
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessor builds a processor. transport may be nil, which is the inline mode:
// retries are recorded but not re-enqueued and dead letters go to the store.
// handlers must cover exactly models.JobTypes.
func NewProcessor(st JobStore, transport Transport, handlers map[models.JobType]Handler, recorder *ledger.Recorder, notifier notify.Notifier, opts Options, logger *slog.Logger) (*Processor, error) {
	for _, t := range models.JobTypes {
		if handlers[t] == nil {
			return nil, fmt.Errorf("no handler for job type %q", t)
		}
	}
	for t := range handlers {
		if !t.Valid() {
			return nil, fmt.Errorf("handler registered for unknown job type %q", t)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ScheduledBatchSize <= 0 {
		opts.ScheduledBatchSize = 100
	}
	opts.Policy = opts.Policy.Normalize()
	return &Processor{
		store:     st,
		transport: transport,
		handlers:  handlers,
		recorder:  recorder,
		notifier:  notifier,
		opts:      opts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// HandleMessage is the transport entry point. It runs the job named by msg and applies
// exactly one state transition. A nil return means the message is settled (acked,
// rescheduled or dead-lettered); an error leaves the lease to expire so the message
// is delivered again.
func (p *Processor) HandleMessage(ctx context.Context, msg models.Message) error {
	job, err := p.store.GetJob(ctx, msg.JobID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.LogAttrs(ctx, slog.LevelWarn, "message for unknown job dropped", slog.String("job_id", msg.JobID))
		return p.ack(ctx, msg.JobID)
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", msg.JobID, err)
	}
	if job.Status.Terminal() {
		p.logger.LogAttrs(ctx, slog.LevelInfo, "redelivered terminal job ignored",
			slog.String("job_id", job.ID), slog.String("status", string(job.Status)))
		return p.ack(ctx, job.ID)
	}
	if msg.Payload == nil {
		msg = models.MessageFor(job)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "job.handle",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", string(job.Type)),
			attribute.String("job.owner_id", job.OwnerID),
			attribute.Int("job.attempt_count", job.AttemptCount),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	handler, verr := p.dispatch(job)
	if verr != nil {
		span.SetStatus(codes.Error, verr.Error())
		return p.failTerminal(ctx, job, msg, verr)
	}

	attempts, ok, err := p.store.MarkProcessing(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("mark processing %s: %w", job.ID, err)
	}
	if !ok {
		// Cancelled or finished between load and claim.
		return p.ack(ctx, job.ID)
	}
	total := p.opts.Policy.WithMaxAttempts(job.MaxAttempts).TotalAttempts()
	if attempts > job.AttemptCount {
		// Redelivered while still processing: the previous attempt died with its worker.
		job.AttemptCount = attempts
		p.record(ctx, job, ledger.Entry{EventType: models.EventJob, Status: models.EventFailed,
			Message: "previous attempt was lost", Data: map[string]any{"attempt": attempts}})
		if attempts >= total {
			errText := fmt.Sprintf("attempt lost %d times without finishing", attempts)
			if err := p.store.FailJob(ctx, job.ID, attempts, errText); err != nil {
				return p.transitionError(ctx, job, "fail", err)
			}
			return p.deadLetter(ctx, job, attempts, errText)
		}
	}
	p.record(ctx, job, ledger.Entry{EventType: models.EventJob, Status: models.EventStarted,
		Message: fmt.Sprintf("attempt %d of %d", job.AttemptCount+1, total)})

	rc := newRunContext(ctx, p, job)
	output, runErr := handler.Handle(rc)

	if runErr == nil {
		return p.complete(ctx, job, rc, output, span)
	}
	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())

	if errors.Is(runErr, failure.ErrCancelled) {
		p.record(ctx, job, ledger.Entry{EventType: models.EventJob, Status: models.EventCancelled, Message: "cancelled between stages"})
		return p.ack(ctx, job.ID)
	}
	if ctx.Err() != nil {
		// Shutdown: hand the attempt back so the expired lease redelivers a pending job.
		p.release(job)
		return ctx.Err()
	}

	switch failure.KindOf(runErr) {
	case failure.KindTransient, failure.KindReconcile:
		return p.retryOrDeadLetter(ctx, job, msg, rc, runErr)
	default:
		return p.failTerminal(ctx, job, msg, runErr)
	}
}

// release returns an interrupted job to pending without spending an attempt.
func (p *Processor) release(job models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.store.ScheduleRetry(ctx, job.ID, job.AttemptCount, p.now(), "interrupted by shutdown")
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		p.logger.LogAttrs(ctx, slog.LevelWarn, "could not release interrupted job",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

// dispatch resolves the handler and validates required fields. Errors are data errors.
func (p *Processor) dispatch(job models.Job) (Handler, error) {
	handler, ok := p.handlers[job.Type]
	if !ok || !job.Type.Valid() {
		return nil, failure.Dataf("dispatch", "unknown job type %q", job.Type)
	}
	if job.Type.NeedsDocument() && (job.DocumentRef == nil || *job.DocumentRef == "") {
		return nil, failure.Dataf("dispatch", "job type %q requires a document reference", job.Type)
	}
	if err := handler.Validate(job); err != nil {
		if failure.KindOf(err) != failure.KindData {
			err = failure.Data("validate", err)
		}
		return nil, err
	}
	return handler, nil
}

func (p *Processor) complete(ctx context.Context, job models.Job, rc *RunContext, output map[string]any, span trace.Span) error {
	err := p.store.CompleteJob(ctx, job.ID, output, rc.Progress())
	if errors.Is(err, store.ErrInvalidTransition) {
		p.record(ctx, job, ledger.Entry{EventType: models.EventJob, Status: models.EventCancelled, Message: "cancelled before completion was recorded"})
		return p.ack(ctx, job.ID)
	}
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	span.SetStatus(codes.Ok, "")
	telemetry.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
	p.record(ctx, job, ledger.Entry{EventType: models.EventJob, Status: models.EventCompleted, Message: "job completed"})
	p.notify(ctx, job, notify.LevelInfo, fmt.Sprintf("%s job completed", job.Type))
	p.logger.LogAttrs(ctx, slog.LevelInfo, "job completed",
		slog.String("job_id", job.ID), slog.String("job_type", string(job.Type)))
	return p.ack(ctx, job.ID)
}

// retryOrDeadLetter applies the retry controller to a retryable failure.
func (p *Processor) retryOrDeadLetter(ctx context.Context, job models.Job, msg models.Message, rc *RunContext, runErr error) error {
	policy := p.opts.Policy.WithMaxAttempts(job.MaxAttempts)
	decision := policy.Decide(job.AttemptCount, p.now())
	errText := runErr.Error()

	if decision.Outcome == retry.OutcomeDeadLetter {
		if err := p.store.FailJob(ctx, job.ID, decision.Attempt, errText); err != nil {
			return p.transitionError(ctx, job, "fail", err)
		}
		return p.deadLetter(ctx, job, decision.Attempt, errText)
	}

	rc.flush()
	if err := p.store.ScheduleRetry(ctx, job.ID, decision.Attempt, decision.NextAttemptAt, errText); err != nil {
		return p.transitionError(ctx, job, "schedule retry", err)
	}
	telemetry.JobsRetried.WithLabelValues(string(job.Type)).Inc()
	p.record(ctx, job, ledger.Entry{EventType: models.EventJob, Status: models.EventRetrying,
		Message: errText,
		Data:    map[string]any{"attempt": decision.Attempt, "delay_seconds": decision.Delay.Seconds()}})
	p.logger.LogAttrs(ctx, slog.LevelWarn, "job attempt failed, retry scheduled",
		slog.String("job_id", job.ID),
		slog.Int("attempt", decision.Attempt),
		slog.Duration("delay", decision.Delay),
		slog.String("error", errText))

	if p.transport == nil {
		return nil
	}
	if err := p.transport.Retry(ctx, msg, decision.NextAttemptAt); err != nil {
		// The job row is pending with its next attempt recorded; the lease expiry redelivers it.
		p.logger.LogAttrs(ctx, slog.LevelError, "re-enqueue failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
	return nil
}

// failTerminal fails a job without retry. attempt_count is raised to max_attempts so a
// failed job always shows an exhausted budget.
func (p *Processor) failTerminal(ctx context.Context, job models.Job, msg models.Message, cause error) error {
	attempt := max(job.AttemptCount+1, job.MaxAttempts)
	if err := p.store.FailJob(ctx, job.ID, attempt, cause.Error()); err != nil {
		return p.transitionError(ctx, job, "fail", err)
	}
	return p.deadLetter(ctx, job, attempt, cause.Error())
}

func (p *Processor) deadLetter(ctx context.Context, job models.Job, attempts int, errText string) error {
	dl := models.DeadLetter{
		JobID:    job.ID,
		JobType:  job.Type,
		OwnerID:  job.OwnerID,
		Error:    errText,
		Payload:  job.Payload,
		Attempts: attempts,
		FailedAt: p.now(),
	}
	sent := false
	if p.transport != nil {
		if err := p.transport.SendToDeadLetter(ctx, dl); err != nil {
			p.logger.LogAttrs(ctx, slog.LevelError, "dead letter send failed, keeping it in the store",
				slog.String("job_id", job.ID), slog.String("error", err.Error()))
		} else {
			sent = true
		}
	}
	if !sent {
		if err := p.store.RecordDeadLetter(ctx, dl); err != nil {
			return fmt.Errorf("record dead letter %s: %w", job.ID, err)
		}
		if err := p.ack(ctx, job.ID); err != nil {
			return err
		}
	}
	telemetry.JobsDeadLettered.WithLabelValues(string(job.Type)).Inc()
	p.record(ctx, job, ledger.Entry{EventType: models.EventJob, Status: models.EventDead, Message: errText,
		Data: map[string]any{"attempts": attempts}})
	p.notify(ctx, job, notify.LevelError, fmt.Sprintf("%s job failed: %s", job.Type, errText))
	p.logger.LogAttrs(ctx, slog.LevelError, "job dead-lettered",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.Int("attempts", attempts),
		slog.String("error", errText))
	return nil
}

// transitionError handles a refused status write. A refused write means the job was
// cancelled meanwhile, which settles the message.
func (p *Processor) transitionError(ctx context.Context, job models.Job, op string, err error) error {
	if errors.Is(err, store.ErrInvalidTransition) {
		p.record(ctx, job, ledger.Entry{EventType: models.EventJob, Status: models.EventCancelled, Message: "cancelled during " + op})
		return p.ack(ctx, job.ID)
	}
	return fmt.Errorf("%s job %s: %w", op, job.ID, err)
}

func (p *Processor) ack(ctx context.Context, jobID string) error {
	if p.transport == nil {
		return nil
	}
	if err := p.transport.Ack(ctx, jobID); err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	return nil
}

func (p *Processor) record(ctx context.Context, job models.Job, e ledger.Entry) {
	e.OwnerID = job.OwnerID
	e.JobID = job.ID
	if job.SessionID != nil {
		e.SessionID = *job.SessionID
	}
	p.recorder.Record(ctx, e)
}

func (p *Processor) notify(ctx context.Context, job models.Job, level, text string) {
	besteffort.Run(ctx, p.logger, "notify", func(ctx context.Context) error {
		err := p.notifier.Notify(ctx, notify.Notification{OwnerID: job.OwnerID, JobID: job.ID, Level: level, Text: text})
		if err != nil {
			telemetry.NotifyFailures.Inc()
		}
		return err
	}, slog.String("job_id", job.ID))
}

// Run pulls messages from q with Options.Concurrency loops until ctx is cancelled.
// A separate loop promotes due retries and reclaims expired leases.
func (p *Processor) Run(ctx context.Context, q LeaseQueue) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx, q) })
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error { return p.consume(ctx, q) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) maintain(ctx context.Context, q LeaseQueue) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		now := time.Now()
		if _, err := q.PromoteScheduled(ctx, now, int64(p.opts.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
			p.logger.LogAttrs(ctx, slog.LevelWarn, "promote scheduled failed", slog.String("error", err.Error()))
		}
		if reclaimed, err := q.RequeueExpired(ctx, now, int64(p.opts.ScheduledBatchSize)); err == nil && len(reclaimed) > 0 {
			p.logger.LogAttrs(ctx, slog.LevelWarn, "expired leases reclaimed", slog.Int("count", len(reclaimed)))
		}
		if depth, err := q.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) consume(ctx context.Context, q LeaseQueue) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, ok, err := q.DequeueWithLease(ctx)
		if err != nil || !ok {
			if err != nil && ctx.Err() == nil {
				p.logger.LogAttrs(ctx, slog.LevelWarn, "dequeue failed", slog.String("error", err.Error()))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		if err := p.HandleMessage(ctx, msg); err != nil && ctx.Err() == nil {
			p.logger.LogAttrs(ctx, slog.LevelError, "message left for redelivery",
				slog.String("job_id", msg.JobID), slog.String("error", err.Error()))
		}
		telemetry.InFlightGauge.Dec()
	}
}
