package docsync

import (
	"context"
	"unicode/utf16"
)

// Snapshot is the current content of an external document.
// EndIndex is the end of the body in the service's index space; 0 means unknown.
type Snapshot struct {
	Body       string
	EndIndex   int64
	RevisionID string
}

// Metadata is the revision information of an external document.
type Metadata struct {
	RevisionID string
	Parents    []string
}

// OpKind names a document edit.
type OpKind string

const (
	OpDeleteRange OpKind = "delete_range"
	OpInsertText  OpKind = "insert_text"
)

// Op is one edit in a batch update. Indexes are in UTF-16 code units starting at 1,
// the body start.
type Op struct {
	Kind       OpKind
	StartIndex int64
	EndIndex   int64
	Index      int64
	Text       string
}

// DocumentService is the external collaborative document store.
type DocumentService interface {
	Create(ctx context.Context, title string) (string, error)
	Get(ctx context.Context, ref string) (Snapshot, error)
	BatchUpdate(ctx context.Context, ref string, ops []Op) error
	GetMetadata(ctx context.Context, ref string) (Metadata, error)
}

// bodyStart is the index of the first character of a document body.
const bodyStart = 1

// replaceAll builds the single update that swaps the whole body for text.
// end is the body end index, which includes the trailing newline the service keeps.
func replaceAll(end int64, text string) []Op {
	ops := make([]Op, 0, 2)
	if end-1 > bodyStart {
		ops = append(ops, Op{Kind: OpDeleteRange, StartIndex: bodyStart, EndIndex: end - 1})
	}
	if text != "" {
		ops = append(ops, Op{Kind: OpInsertText, Index: bodyStart, Text: text})
	}
	return ops
}

// fallbackEnd is the end index assumed when the current body cannot be fetched:
// the local text plus the trailing newline.
func fallbackEnd(localText string) int64 {
	return bodyStart + utf16Len(localText) + 1
}

func utf16Len(s string) int64 {
	return int64(len(utf16.Encode([]rune(s))))
}
