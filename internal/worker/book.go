package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"content-orchestrator/internal/content"
	"content-orchestrator/internal/failure"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/store"
)

// bookHandler turns transcripts into a document and syncs it out:
// download -> outline -> compose -> persist -> sync.
type bookHandler struct {
	deps Deps
}

type bookPayload struct {
	Title          string   `json:"title"`
	TranscriptURLs []string `json:"transcript_urls"`
	SkipSync       bool     `json:"skip_sync"`
}

func (h *bookHandler) Validate(job models.Job) error {
	var p bookPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	if len(p.TranscriptURLs) == 0 {
		return failure.Dataf("validate", "transcript_urls must not be empty")
	}
	for i, u := range p.TranscriptURLs {
		if strings.TrimSpace(u) == "" {
			return failure.Dataf("validate", "transcript_urls[%d] is empty", i)
		}
	}
	return nil
}

func (h *bookHandler) Handle(rc *RunContext) (map[string]any, error) {
	var p bookPayload
	if err := decodePayload(rc.Job(), &p); err != nil {
		return nil, err
	}
	docID := documentRef(rc.Job())

	var transcripts []content.Transcript
	if err := rc.Stage("download", func(ctx context.Context) error {
		var err error
		transcripts, err = h.download(ctx, rc, p.TranscriptURLs)
		return err
	}); err != nil {
		return nil, err
	}

	var outline content.Outline
	if err := rc.Stage("outline", func(context.Context) error {
		var err error
		outline, err = h.deps.Composer.Outline(p.Title, transcripts)
		if err != nil {
			return failure.Data("outline", err)
		}
		rc.Max("chapters_planned", int64(len(outline.Chapters)))
		return nil
	}); err != nil {
		return nil, err
	}

	var body string
	if err := rc.Stage("compose", func(context.Context) error {
		bySource := make(map[string]content.Transcript, len(transcripts))
		for _, tr := range transcripts {
			bySource[tr.Source] = tr
		}
		chapters := make([]string, 0, len(outline.Chapters))
		for _, plan := range outline.Chapters {
			chapters = append(chapters, h.deps.Composer.Chapter(plan, bySource[plan.Source]))
			rc.Max("chapters_written", int64(len(chapters)))
		}
		body = h.deps.Composer.Assemble(outline, chapters)
		return nil
	}); err != nil {
		return nil, err
	}

	// Overwrites the document text, so a retry that reaches this stage again converges.
	if err := rc.Stage("persist", func(ctx context.Context) error {
		_, err := h.deps.Documents.UpdateDocument(ctx, docID, func(d *models.Document) error {
			if d.Title == "" {
				d.Title = outline.Title
			}
			d.Text = body
			d.Sync.SyncStatus = models.SyncPending
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			return failure.Data("persist", err)
		}
		return err
	}); err != nil {
		return nil, err
	}

	output := map[string]any{
		"document_ref":    docID,
		"title":           outline.Title,
		"chapters":        len(outline.Chapters),
		"download_failed": rc.Counter("download_failed"),
	}
	if p.SkipSync {
		return output, nil
	}

	if err := rc.Stage("sync", func(ctx context.Context) error {
		res, err := h.deps.Sync.Push(ctx, docID)
		rc.Max("push_attempts", int64(res.Attempts))
		if err == nil {
			output["revision_id"] = res.RevisionID
			output["file_ref"] = res.FileRef
		}
		return err
	}); err != nil {
		return nil, err
	}
	return output, nil
}

// download fetches every transcript with bounded concurrency. A failed item is counted
// in download_failed and skipped; the stage fails only when no item succeeds.
func (h *bookHandler) download(ctx context.Context, rc *RunContext, urls []string) ([]content.Transcript, error) {
	results := make([]*content.Transcript, len(urls))
	var (
		mu       sync.Mutex
		failures []error
	)

	limit := h.deps.DownloadConcurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, u := range urls {
		g.Go(func() error {
			body, _, err := h.deps.Fetcher.Fetch(gctx, u)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				rc.Add("download_failed", 1)
				rc.Log(fmt.Sprintf("transcript %d failed: %v", i+1, err))
				rc.Event(models.EventItem, "download", models.EventFailed, err.Error(), map[string]any{"index": i, "url": u})
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			results[i] = &content.Transcript{Source: u, Text: string(body)}
			rc.Add("download_ok", 1)
			rc.Event(models.EventItem, "download", models.EventCompleted, "", map[string]any{"index": i, "bytes": len(body)})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]content.Transcript, 0, len(urls))
	for _, tr := range results {
		if tr != nil {
			out = append(out, *tr)
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	err := fmt.Errorf("all %d transcripts failed: %w", len(urls), errors.Join(failures...))
	for _, f := range failures {
		if failure.KindOf(f) != failure.KindData {
			return nil, failure.Transient("download", err)
		}
	}
	return nil, failure.Data("download", err)
}
