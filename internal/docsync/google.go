package docsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/docs/v1"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"content-orchestrator/internal/failure"
)

// GoogleDocs is the DocumentService backed by Google Docs, with Drive for file parents.
// Revision ids are the Docs revisionId, so Get and GetMetadata agree.
type GoogleDocs struct {
	docs  *docs.Service
	drive *drive.Service
}

// NewGoogleDocs builds the adapter from a service-account credentials file.
func NewGoogleDocs(ctx context.Context, credentialsFile string) (*GoogleDocs, error) {
	if credentialsFile == "" {
		return nil, errors.New("google docs: credentials file is required")
	}
	opts := []option.ClientOption{option.WithCredentialsFile(credentialsFile)}
	docsSvc, err := docs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google docs client: %w", err)
	}
	driveSvc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google drive client: %w", err)
	}
	return &GoogleDocs{docs: docsSvc, drive: driveSvc}, nil
}

// Create makes an empty document titled title.
func (g *GoogleDocs) Create(ctx context.Context, title string) (string, error) {
	doc, err := g.docs.Documents.Create(&docs.Document{Title: title}).Context(ctx).Do()
	if err != nil {
		return "", classifyGoogle("create document", err)
	}
	return doc.DocumentId, nil
}

// Get returns the plain text body of ref.
func (g *GoogleDocs) Get(ctx context.Context, ref string) (Snapshot, error) {
	doc, err := g.docs.Documents.Get(ref).Context(ctx).Do()
	if err != nil {
		return Snapshot{}, classifyGoogle("get document", err)
	}
	snap := Snapshot{RevisionID: doc.RevisionId}
	if doc.Body == nil {
		return snap, nil
	}
	var b strings.Builder
	for _, el := range doc.Body.Content {
		if el.EndIndex > snap.EndIndex {
			snap.EndIndex = el.EndIndex
		}
		if el.Paragraph == nil {
			continue
		}
		for _, pe := range el.Paragraph.Elements {
			if pe.TextRun != nil {
				b.WriteString(pe.TextRun.Content)
			}
		}
	}
	// The service always keeps a final newline that is not part of the text.
	snap.Body = strings.TrimSuffix(b.String(), "\n")
	return snap, nil
}

// BatchUpdate applies ops in order.
func (g *GoogleDocs) BatchUpdate(ctx context.Context, ref string, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	reqs := make([]*docs.Request, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpDeleteRange:
			reqs = append(reqs, &docs.Request{DeleteContentRange: &docs.DeleteContentRangeRequest{
				Range: &docs.Range{StartIndex: op.StartIndex, EndIndex: op.EndIndex},
			}})
		case OpInsertText:
			reqs = append(reqs, &docs.Request{InsertText: &docs.InsertTextRequest{
				Location: &docs.Location{Index: op.Index},
				Text:     op.Text,
			}})
		default:
			return failure.Dataf("batch update", "unknown op %q", op.Kind)
		}
	}
	_, err := g.docs.Documents.BatchUpdate(ref, &docs.BatchUpdateDocumentRequest{Requests: reqs}).Context(ctx).Do()
	if err != nil {
		return classifyGoogle("batch update", err)
	}
	return nil
}

// GetMetadata returns the current revision of ref and its Drive parents.
func (g *GoogleDocs) GetMetadata(ctx context.Context, ref string) (Metadata, error) {
	doc, err := g.docs.Documents.Get(ref).Fields("revisionId").Context(ctx).Do()
	if err != nil {
		return Metadata{}, classifyGoogle("get revision", err)
	}
	file, err := g.drive.Files.Get(ref).Fields("id", "parents").Context(ctx).Do()
	if err != nil {
		return Metadata{}, classifyGoogle("get file parents", err)
	}
	return Metadata{RevisionID: doc.RevisionId, Parents: file.Parents}, nil
}

// classifyGoogle maps API errors: 4xx other than timeouts and throttling are data errors.
func classifyGoogle(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests, gerr.Code == http.StatusRequestTimeout:
			return failure.Transient(op, err)
		case gerr.Code >= 400 && gerr.Code < 500:
			return failure.Data(op, err)
		}
	}
	return failure.Transient(op, err)
}
