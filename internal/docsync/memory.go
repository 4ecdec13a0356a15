package docsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"content-orchestrator/internal/failure"
)

// MemoryDocs is an in-process DocumentService used when no external credentials are
// configured. Every update bumps the revision.
type MemoryDocs struct {
	mu    sync.Mutex
	files map[string]*memoryFile
}

type memoryFile struct {
	title    string
	body     string
	revision int
}

// NewMemoryDocs returns an empty MemoryDocs.
func NewMemoryDocs() *MemoryDocs {
	return &MemoryDocs{files: make(map[string]*memoryFile)}
}

func (m *MemoryDocs) Create(_ context.Context, title string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := uuid.New().String()
	m.files[ref] = &memoryFile{title: title, revision: 1}
	return ref, nil
}

func (m *MemoryDocs) Get(_ context.Context, ref string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[ref]
	if !ok {
		return Snapshot{}, failure.Dataf("get document", "document %s not found", ref)
	}
	return Snapshot{
		Body:       f.body,
		EndIndex:   bodyStart + utf16Len(f.body) + 1,
		RevisionID: revisionName(f.revision),
	}, nil
}

func (m *MemoryDocs) BatchUpdate(_ context.Context, ref string, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[ref]
	if !ok {
		return failure.Dataf("batch update", "document %s not found", ref)
	}
	body := []rune(f.body)
	for _, op := range ops {
		switch op.Kind {
		case OpDeleteRange:
			start, end := clampIndex(op.StartIndex, len(body)), clampIndex(op.EndIndex, len(body))
			if end > start {
				body = append(body[:start:start], body[end:]...)
			}
		case OpInsertText:
			at := clampIndex(op.Index, len(body))
			body = append(body[:at:at], append([]rune(op.Text), body[at:]...)...)
		default:
			return failure.Dataf("batch update", "unknown op %q", op.Kind)
		}
	}
	f.body = string(body)
	f.revision++
	return nil
}

func (m *MemoryDocs) GetMetadata(_ context.Context, ref string) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[ref]
	if !ok {
		return Metadata{}, failure.Dataf("get metadata", "document %s not found", ref)
	}
	return Metadata{RevisionID: revisionName(f.revision)}, nil
}

// Edit replaces the body of ref as an external collaborator would.
func (m *MemoryDocs) Edit(ref, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[ref]
	if !ok {
		return fmt.Errorf("document %s not found", ref)
	}
	f.body = body
	f.revision++
	return nil
}

// clampIndex converts a 1-based body index to a rune offset within n runes.
// Non-BMP characters are counted as one, which is close enough for a local stand-in.
func clampIndex(idx int64, n int) int {
	i := int(idx - bodyStart)
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func revisionName(n int) string {
	return fmt.Sprintf("rev-%d", n)
}
