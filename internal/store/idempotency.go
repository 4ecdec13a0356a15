package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"content-orchestrator/internal/models"
)

// GetIdempotency returns the record stored for (ownerID, key).
func (s *Store) GetIdempotency(ctx context.Context, ownerID, key string) (models.IdempotencyRecord, bool, error) {
	var rec models.IdempotencyRecord
	err := s.pool.QueryRow(ctx, `
		SELECT owner_id, key, request_type, request_hash, response_body, response_status, created_at
		FROM idempotency_keys WHERE owner_id = $1 AND key = $2
	`, ownerID, key).Scan(&rec.OwnerID, &rec.Key, &rec.RequestType, &rec.RequestHash,
		&rec.ResponseBody, &rec.ResponseStatus, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return models.IdempotencyRecord{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	return rec, true, nil
}

// InsertIdempotency stores rec unless (owner, key) already exists. Existing records are
// never overwritten; the boolean reports whether this call wrote the row.
func (s *Store) InsertIdempotency(ctx context.Context, rec models.IdempotencyRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (owner_id, key, request_type, request_hash, response_body, response_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_id, key) DO NOTHING
	`, rec.OwnerID, rec.Key, rec.RequestType, rec.RequestHash, rec.ResponseBody, rec.ResponseStatus, rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteIdempotency fills in the response of a reservation (response_status 0).
func (s *Store) CompleteIdempotency(ctx context.Context, ownerID, key string, response []byte, status int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_keys SET response_body = $3, response_status = $4
		WHERE owner_id = $1 AND key = $2 AND response_status = 0
	`, ownerID, key, response, status)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency key %s is not reserved", key)
	}
	return nil
}

// ReleaseIdempotency deletes the reservation created at createdAt. Completed records
// and newer reservations are left alone.
func (s *Store) ReleaseIdempotency(ctx context.Context, ownerID, key string, createdAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE owner_id = $1 AND key = $2 AND response_status = 0 AND created_at = $3
	`, ownerID, key, createdAt)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
