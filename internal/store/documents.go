package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"content-orchestrator/internal/models"
)

const documentColumns = `id, owner_id, title, text, watched, metadata, created_at, updated_at`

// CreateDocument inserts a local document. An empty ID is generated.
func (s *Store) CreateDocument(ctx context.Context, doc models.Document) (models.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	meta, err := json.Marshal(doc.Sync)
	if err != nil {
		return models.Document{}, fmt.Errorf("marshal sync state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (id, owner_id, title, text, watched, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, doc.ID, doc.OwnerID, doc.Title, doc.Text, doc.Watched, meta, now)
	if err != nil {
		return models.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return doc, nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return doc, err
}

// UpdateDocument applies fn to the current row under a row lock and writes the result.
// Concurrent pushes, polls and ingests on the same document serialize here.
func (s *Store) UpdateDocument(ctx context.Context, id string, fn func(*models.Document) error) (models.Document, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Document{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	doc, err := scanDocument(tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Document{}, err
	}
	if err := fn(&doc); err != nil {
		return models.Document{}, err
	}
	doc.UpdatedAt = time.Now().UTC()
	meta, err := json.Marshal(doc.Sync)
	if err != nil {
		return models.Document{}, fmt.Errorf("marshal sync state: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE documents SET title = $2, text = $3, watched = $4, metadata = $5, updated_at = $6 WHERE id = $1
	`, doc.ID, doc.Title, doc.Text, doc.Watched, meta, doc.UpdatedAt); err != nil {
		return models.Document{}, fmt.Errorf("update document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Document{}, fmt.Errorf("commit: %w", err)
	}
	return doc, nil
}

// ListWatchedDocuments returns every document the poller should check.
func (s *Store) ListWatchedDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+documentColumns+` FROM documents WHERE watched ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list watched documents: %w", err)
	}
	defer rows.Close()
	var out []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func scanDocument(row pgx.Row) (models.Document, error) {
	var (
		doc  models.Document
		meta []byte
	)
	if err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.Text, &doc.Watched, &meta, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Document{}, err
		}
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &doc.Sync); err != nil {
			return models.Document{}, fmt.Errorf("unmarshal sync state: %w", err)
		}
	}
	return doc, nil
}
