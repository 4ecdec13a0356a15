// Package ledger is the append-only pipeline event ledger. Sequences are assigned by
// the backing store, never by callers, and events are never mutated or deleted here.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"content-orchestrator/internal/besteffort"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/telemetry"
)

// Store persists events and assigns per-job sequence numbers atomically.
type Store interface {
	AppendEvent(ctx context.Context, evt models.PipelineEvent) (int64, error)
	ListEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]models.PipelineEvent, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]models.PipelineEvent, error)
}

// Entry is what callers supply; the ledger fills in identity, sequence and time.
type Entry struct {
	OwnerID   string
	JobID     string
	EventType string
	Stage     string
	Status    string
	Message   string
	Data      map[string]any
	SessionID string
}

// Ledger appends and reads pipeline events.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New builds a Ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Append records e and returns the sequence the store assigned.
func (l *Ledger) Append(ctx context.Context, e Entry) (int64, error) {
	if e.JobID == "" {
		return 0, errors.New("ledger: job id is required")
	}
	evt := models.PipelineEvent{
		OwnerID:   e.OwnerID,
		JobID:     e.JobID,
		EventType: e.EventType,
		Stage:     e.Stage,
		Status:    e.Status,
		Message:   e.Message,
		Data:      e.Data,
		CreatedAt: l.now(),
	}
	if e.SessionID != "" {
		sid := e.SessionID
		evt.SessionID = &sid
	}
	return l.store.AppendEvent(ctx, evt)
}

// Events returns a job's events after afterSeq.
func (l *Ledger) Events(ctx context.Context, jobID string, afterSeq int64, limit int) ([]models.PipelineEvent, error) {
	return l.store.ListEvents(ctx, jobID, afterSeq, limit)
}

// SessionEvents returns the live feed of a session.
func (l *Ledger) SessionEvents(ctx context.Context, sessionID string, limit int) ([]models.PipelineEvent, error) {
	return l.store.ListSessionEvents(ctx, sessionID, limit)
}

// Recorder is the handler-facing side of the ledger. Appends are best effort:
// a failed append is logged and counted but never reaches the caller, because the
// ledger observes jobs and must not decide their outcome.
type Recorder struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewRecorder wraps l. A nil l yields a recorder that drops everything.
func NewRecorder(l *Ledger, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{ledger: l, logger: logger}
}

// Record appends e without surfacing errors.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.ledger == nil {
		return
	}
	besteffort.Run(ctx, r.logger, "ledger.append", func(ctx context.Context) error {
		_, err := r.ledger.Append(ctx, e)
		if err != nil {
			telemetry.LedgerAppendFailures.Inc()
		}
		return err
	}, slog.String("job_id", e.JobID), slog.String("stage", e.Stage), slog.String("status", e.Status))
}
