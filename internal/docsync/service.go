// Package docsync reconciles locally held document text with an external collaborative
// document. Push sends local text out, Poll notices external edits and Ingest pulls them in.
package docsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"content-orchestrator/internal/failure"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/retry"
	"content-orchestrator/internal/store"
	"content-orchestrator/internal/telemetry"
)

// Stages recorded in DriveSyncState.Stage.
const (
	StagePush     = "push"
	StagePushed   = "pushed"
	StagePoll     = "poll"
	StageIngested = "ingested"
)

// Store is the document persistence the service needs.
type Store interface {
	GetDocument(ctx context.Context, id string) (models.Document, error)
	UpdateDocument(ctx context.Context, id string, fn func(*models.Document) error) (models.Document, error)
	ListWatchedDocuments(ctx context.Context) ([]models.Document, error)
}

// Submitter queues the follow-up ingest for a document whose external copy changed.
// In deployments without a transport it runs the ingest inline.
type Submitter interface {
	SubmitIngest(ctx context.Context, doc models.Document, revisionID string) (string, error)
}

// Service is the reconciliation service.
type Service struct {
	store   Store
	docs    DocumentService
	backoff retry.Backoff
	sleep   retry.SleepFunc
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds a Service. backoff bounds the local retry of a push.
func NewService(st Store, docs DocumentService, backoff retry.Backoff, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		docs:    docs,
		backoff: backoff,
		sleep:   retry.Sleep,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PushResult describes a successful push.
type PushResult struct {
	FileRef    string `json:"file_ref"`
	RevisionID string `json:"revision_id"`
	Attempts   int    `json:"attempts"`
	Created    bool   `json:"created"`
}

// Push replaces the external document's body with the local text of docID.
//
// Each attempt fetches the current body to find its end, issues one delete+insert
// update and reads back the new revision. Attempts are bounded by the service backoff.
// When they run out, the document is flagged reconcile_required with sync_status=failed
// and a reconcile error is returned for the job-level retry.
func (s *Service) Push(ctx context.Context, docID string) (PushResult, error) {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return PushResult{}, s.lookupError("push", docID, err)
	}

	var res PushResult
	if doc.Sync.FileRef == "" {
		ref, err := s.docs.Create(ctx, doc.Title)
		if err != nil {
			return PushResult{}, classify("create external document", err)
		}
		doc, err = s.store.UpdateDocument(ctx, docID, func(d *models.Document) error {
			if d.Sync.FileRef == "" {
				d.Sync.FileRef = ref
			}
			return nil
		})
		if err != nil {
			return PushResult{}, fmt.Errorf("store file ref: %w", err)
		}
		res.Created = doc.Sync.FileRef == ref
	}
	res.FileRef = doc.Sync.FileRef

	var revision string
	err = s.backoff.Do(ctx, s.sleep, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		rev, err := s.pushOnce(ctx, doc)
		if err != nil {
			s.logger.LogAttrs(ctx, slog.LevelWarn, "document push attempt failed",
				slog.String("document_id", docID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return err
		}
		revision = rev
		return nil
	})
	if err != nil {
		if failure.KindOf(err) == failure.KindCancelled || ctx.Err() != nil {
			return res, err
		}
		telemetry.ReconcileExhausted.Inc()
		if _, uerr := s.store.UpdateDocument(ctx, docID, func(d *models.Document) error {
			d.Sync.ReconcileRequired = true
			d.Sync.SyncStatus = models.SyncFailed
			d.Sync.Stage = StagePush
			d.Sync.LastError = err.Error()
			return nil
		}); uerr != nil {
			s.logger.LogAttrs(ctx, slog.LevelError, "could not flag document for reconciliation",
				slog.String("document_id", docID), slog.String("error", uerr.Error()))
		}
		if failure.KindOf(err) == failure.KindData {
			return res, err
		}
		return res, failure.Reconcile("push", fmt.Errorf("%d attempts: %w", res.Attempts, err))
	}

	now := s.now()
	_, err = s.store.UpdateDocument(ctx, docID, func(d *models.Document) error {
		d.Sync.RevisionID = revision
		d.Sync.LastIngestedRevision = revision
		d.Sync.SyncStatus = models.SyncSynced
		d.Sync.ExternalEditDetected = false
		d.Sync.ReconcileRequired = false
		d.Sync.Stage = StagePushed
		d.Sync.LastError = ""
		d.Sync.LastPushedAt = &now
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("store sync state: %w", err)
	}
	res.RevisionID = revision
	return res, nil
}

func (s *Service) pushOnce(ctx context.Context, doc models.Document) (string, error) {
	ref := doc.Sync.FileRef
	end := fallbackEnd(doc.Text)
	if snap, err := s.docs.Get(ctx, ref); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelWarn, "fetch before push failed, using local length",
			slog.String("document_id", doc.ID), slog.String("error", err.Error()))
	} else if snap.EndIndex > 0 {
		end = snap.EndIndex
	}
	if err := s.docs.BatchUpdate(ctx, ref, replaceAll(end, doc.Text)); err != nil {
		return "", err
	}
	meta, err := s.docs.GetMetadata(ctx, ref)
	if err != nil {
		return "", err
	}
	return meta.RevisionID, nil
}

// PollReport summarizes one poll pass.
type PollReport struct {
	Checked   int      `json:"checked"`
	Changed   int      `json:"changed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	IngestJob []string `json:"ingest_jobs,omitempty"`
}

// Poll checks every watched document's external revision against the last ingested one.
// A mismatch sets external_edit_detected, records the revision as pending and submits one
// ingest. A document whose pending revision already equals the observed one is skipped,
// so repeated polls of the same revision never queue a second ingest.
// Per-document failures are counted and do not stop the pass.
func (s *Service) Poll(ctx context.Context, submit Submitter) (PollReport, error) {
	docs, err := s.store.ListWatchedDocuments(ctx)
	if err != nil {
		return PollReport{}, fmt.Errorf("list watched documents: %w", err)
	}
	var report PollReport
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if doc.Sync.FileRef == "" {
			continue
		}
		report.Checked++
		jobID, changed, err := s.pollOne(ctx, doc, submit)
		switch {
		case err != nil:
			report.Failed++
			s.logger.LogAttrs(ctx, slog.LevelWarn, "poll failed for document",
				slog.String("document_id", doc.ID), slog.String("error", err.Error()))
		case changed && jobID != "":
			report.Changed++
			report.IngestJob = append(report.IngestJob, jobID)
		case changed:
			report.Skipped++
		}
	}
	return report, nil
}

func (s *Service) pollOne(ctx context.Context, doc models.Document, submit Submitter) (string, bool, error) {
	meta, err := s.docs.GetMetadata(ctx, doc.Sync.FileRef)
	if err != nil {
		return "", false, err
	}
	observed := meta.RevisionID
	if observed == "" || observed == doc.Sync.LastIngestedRevision {
		return "", false, nil
	}

	queue := false
	updated, err := s.store.UpdateDocument(ctx, doc.ID, func(d *models.Document) error {
		if d.Sync.LastIngestedRevision == observed {
			return nil
		}
		d.Sync.ExternalEditDetected = true
		d.Sync.Stage = StagePoll
		if d.Sync.PendingRevision != observed {
			d.Sync.PendingRevision = observed
			queue = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("flag external edit: %w", err)
	}
	if !queue {
		return "", true, nil
	}
	telemetry.ExternalEditsDetected.Inc()

	jobID, err := submit.SubmitIngest(ctx, updated, observed)
	if err != nil {
		// Release the pending mark so the next poll submits again.
		_, _ = s.store.UpdateDocument(ctx, doc.ID, func(d *models.Document) error {
			if d.Sync.PendingRevision == observed {
				d.Sync.PendingRevision = ""
			}
			return nil
		})
		return "", false, fmt.Errorf("submit ingest: %w", err)
	}
	return jobID, true, nil
}

// IngestResult describes an ingest.
type IngestResult struct {
	RevisionID string `json:"revision_id"`
	Characters int    `json:"characters"`
}

// Ingest pulls the external body of docID into the local text. The revision actually
// fetched is stored as last_ingested_revision, which may be newer than requested.
func (s *Service) Ingest(ctx context.Context, docID, requestedRevision string) (IngestResult, error) {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return IngestResult{}, s.lookupError("ingest", docID, err)
	}
	if doc.Sync.FileRef == "" {
		return IngestResult{}, failure.Dataf("ingest", "document %s has no external file", docID)
	}
	snap, err := s.docs.Get(ctx, doc.Sync.FileRef)
	if err != nil {
		return IngestResult{}, classify("fetch external document", err)
	}
	revision := snap.RevisionID
	if revision == "" {
		revision = requestedRevision
	}

	now := s.now()
	_, err = s.store.UpdateDocument(ctx, docID, func(d *models.Document) error {
		d.Text = snap.Body
		d.Sync.RevisionID = revision
		d.Sync.LastIngestedRevision = revision
		d.Sync.ExternalEditDetected = false
		d.Sync.PendingRevision = ""
		d.Sync.Stage = StageIngested
		d.Sync.LastIngestedAt = &now
		return nil
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("store ingested text: %w", err)
	}
	return IngestResult{RevisionID: revision, Characters: len([]rune(snap.Body))}, nil
}

// classify keeps an adapter's classification and treats anything else as transient.
func classify(op string, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return failure.Transient(op, err)
}

func (s *Service) lookupError(op, docID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return failure.Data(op, fmt.Errorf("document %s: %w", docID, err))
	}
	return fmt.Errorf("load document %s: %w", docID, err)
}
