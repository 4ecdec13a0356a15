package store

import (
	"context"
	"fmt"

	"content-orchestrator/internal/models"
)

// RecordDeadLetter keeps a dead-lettered job for manual replay. Used when the
// deployment has no transport to hand the dead letter to.
func (s *Store) RecordDeadLetter(ctx context.Context, dl models.DeadLetter) error {
	payloadJSON, err := marshalMap(dl.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (job_id, job_type, owner_id, error, payload, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE
		SET error = EXCLUDED.error, attempts = EXCLUDED.attempts, failed_at = EXCLUDED.failed_at
	`, dl.JobID, string(dl.JobType), dl.OwnerID, dl.Error, payloadJSON, dl.Attempts, dl.FailedAt)
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, job_type, owner_id, error, payload, attempts, failed_at
		FROM dead_letters ORDER BY failed_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var out []models.DeadLetter
	for rows.Next() {
		var (
			dl          models.DeadLetter
			jobType     string
			payloadJSON []byte
		)
		if err := rows.Scan(&dl.JobID, &jobType, &dl.OwnerID, &dl.Error, &payloadJSON, &dl.Attempts, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.JobType = models.JobType(jobType)
		if dl.Payload, err = unmarshalMap(payloadJSON); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// RemoveDeadLetter deletes the dead letter for jobID after a replay.
func (s *Store) RemoveDeadLetter(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	return nil
}
