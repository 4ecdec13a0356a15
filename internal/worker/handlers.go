package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"content-orchestrator/internal/content"
	"content-orchestrator/internal/docsync"
	"content-orchestrator/internal/failure"
	"content-orchestrator/internal/models"
)

// DocumentStore is the document access handlers need.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (models.Document, error)
	UpdateDocument(ctx context.Context, id string, fn func(*models.Document) error) (models.Document, error)
}

// Deps are the collaborators shared by the handlers.
type Deps struct {
	Documents           DocumentStore
	Sync                *docsync.Service
	Submitter           docsync.Submitter
	Fetcher             *content.Fetcher
	Composer            *content.Composer
	DownloadConcurrency int
	Images              *ImageHandler
}

// Handlers returns the dispatch table for every job type.
func Handlers(d Deps) map[models.JobType]Handler {
	return map[models.JobType]Handler{
		models.JobBookGenerate: &bookHandler{deps: d},
		models.JobDrivePush:    &pushHandler{sync: d.Sync},
		models.JobDrivePoll:    &pollHandler{sync: d.Sync, submit: d.Submitter},
		models.JobDriveIngest:  &ingestHandler{sync: d.Sync},
		models.JobCoverImage:   d.Images,
	}
}

// decodePayload copies a job payload into dst through JSON.
func decodePayload(job models.Job, dst any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return failure.Data("payload", fmt.Errorf("marshal payload: %w", err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return failure.Data("payload", fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

func documentRef(job models.Job) string {
	if job.DocumentRef == nil {
		return ""
	}
	return *job.DocumentRef
}

type pushHandler struct {
	sync *docsync.Service
}

func (h *pushHandler) Validate(models.Job) error { return nil }

func (h *pushHandler) Handle(rc *RunContext) (map[string]any, error) {
	var res docsync.PushResult
	err := rc.Stage("push", func(ctx context.Context) error {
		var err error
		res, err = h.sync.Push(ctx, documentRef(rc.Job()))
		rc.Max("push_attempts", int64(res.Attempts))
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"document_ref": documentRef(rc.Job()),
		"file_ref":     res.FileRef,
		"revision_id":  res.RevisionID,
		"attempts":     res.Attempts,
	}, nil
}

type pollHandler struct {
	sync   *docsync.Service
	submit docsync.Submitter
}

func (h *pollHandler) Validate(models.Job) error { return nil }

func (h *pollHandler) Handle(rc *RunContext) (map[string]any, error) {
	var report docsync.PollReport
	err := rc.Stage("poll", func(ctx context.Context) error {
		var err error
		report, err = h.sync.Poll(ctx, h.submit)
		rc.Max("documents_checked", int64(report.Checked))
		rc.Max("external_edits", int64(report.Changed))
		rc.Max("poll_failed", int64(report.Failed))
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"checked":     report.Checked,
		"changed":     report.Changed,
		"skipped":     report.Skipped,
		"failed":      report.Failed,
		"ingest_jobs": report.IngestJob,
	}, nil
}

type ingestHandler struct {
	sync *docsync.Service
}

type ingestPayload struct {
	RevisionID string `json:"revision_id"`
}

func (h *ingestHandler) Validate(job models.Job) error {
	var p ingestPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	if p.RevisionID == "" {
		return failure.Dataf("validate", "revision_id is required")
	}
	return nil
}

func (h *ingestHandler) Handle(rc *RunContext) (map[string]any, error) {
	var p ingestPayload
	if err := decodePayload(rc.Job(), &p); err != nil {
		return nil, err
	}
	var res docsync.IngestResult
	err := rc.Stage("ingest", func(ctx context.Context) error {
		var err error
		res, err = h.sync.Ingest(ctx, documentRef(rc.Job()), p.RevisionID)
		rc.Max("characters", int64(res.Characters))
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"document_ref":       documentRef(rc.Job()),
		"requested_revision": p.RevisionID,
		"revision_id":        res.RevisionID,
	}, nil
}
