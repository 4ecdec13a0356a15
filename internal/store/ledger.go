package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"content-orchestrator/internal/models"
)

// AppendEvent persists evt and returns the sequence assigned to it. The per-job counter
// row is bumped in the same statement, so sequences are gap-free, strictly increasing
// and survive restarts; a failed insert rolls the counter back with it.
func (s *Store) AppendEvent(ctx context.Context, evt models.PipelineEvent) (int64, error) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	var dataJSON []byte
	if evt.Data != nil {
		raw, err := json.Marshal(evt.Data)
		if err != nil {
			return 0, fmt.Errorf("marshal event data: %w", err)
		}
		dataJSON = raw
	}

	var seq int64
	err := s.pool.QueryRow(ctx, `
		WITH next AS (
			INSERT INTO pipeline_sequences (job_id, last_sequence) VALUES ($1, 1)
			ON CONFLICT (job_id) DO UPDATE SET last_sequence = pipeline_sequences.last_sequence + 1
			RETURNING last_sequence
		)
		INSERT INTO pipeline_events (job_id, sequence, id, owner_id, event_type, stage, status, message, data, session_id, created_at)
		SELECT $1, next.last_sequence, $2, $3, $4, $5, $6, $7, $8, $9, $10 FROM next
		RETURNING sequence
	`, evt.JobID, evt.ID, evt.OwnerID, evt.EventType, evt.Stage, evt.Status, evt.Message, dataJSON,
		evt.SessionID, evt.CreatedAt).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append pipeline event: %w", err)
	}
	return seq, nil
}

const eventColumns = `job_id, sequence, id, owner_id, event_type, stage, status, message, data, session_id, created_at`

// ListEvents returns a job's events with sequence > afterSeq in ascending order.
func (s *Store) ListEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]models.PipelineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM pipeline_events
		WHERE job_id = $1 AND sequence > $2
		ORDER BY sequence ASC LIMIT $3
	`, jobID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

// ListSessionEvents returns the most recent events of a live session, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]models.PipelineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+eventColumns+` FROM pipeline_events
			WHERE session_id = $1
			ORDER BY created_at DESC, sequence DESC LIMIT $2
		) recent ORDER BY created_at ASC, sequence ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]models.PipelineEvent, error) {
	defer rows.Close()
	var out []models.PipelineEvent
	for rows.Next() {
		var (
			evt      models.PipelineEvent
			dataJSON []byte
			session  pgtype.Text
		)
		if err := rows.Scan(&evt.JobID, &evt.Sequence, &evt.ID, &evt.OwnerID, &evt.EventType, &evt.Stage,
			&evt.Status, &evt.Message, &dataJSON, &session, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		data, err := unmarshalMap(dataJSON)
		if err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		evt.Data = data
		evt.SessionID = textPtr(session)
		out = append(out, evt)
	}
	return out, rows.Err()
}
