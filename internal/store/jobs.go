package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"content-orchestrator/internal/models"
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	OwnerID     string
	Type        models.JobType
	DocumentRef string
	SessionID   string
	Payload     map[string]any
	MaxAttempts int
}

const jobColumns = `id, owner_id, type, status, attempt_count, max_attempts, next_attempt_at, payload, output,
	error, progress, document_ref, session_id, created_at, started_at, completed_at, updated_at`

// CreateJob inserts a job in pending state with no attempts.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	job := NewJob(p)
	payloadJSON, err := marshalMap(job.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	progressJSON, err := json.Marshal(job.Progress)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal progress: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, type, status, attempt_count, max_attempts, payload, progress, document_ref, session_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $9, $10, $10)
	`, job.ID, job.OwnerID, string(job.Type), string(job.Status), job.MaxAttempts, payloadJSON, progressJSON,
		job.DocumentRef, job.SessionID, job.CreatedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// NewJob builds the row CreateJob persists, so alternative stores produce identical jobs.
func NewJob(p CreateJobParams) models.Job {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	now := time.Now().UTC()
	return models.Job{
		ID:           uuid.New().String(),
		OwnerID:      p.OwnerID,
		Type:         p.Type,
		Status:       models.StatusPending,
		AttemptCount: 0,
		MaxAttempts:  p.MaxAttempts,
		Payload:      p.Payload,
		DocumentRef:  emptyToNil(p.DocumentRef),
		SessionID:    emptyToNil(p.SessionID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                      models.Job
		jobType, status          string
		payloadJSON, outputJSON  []byte
		progressJSON             []byte
		lastErr, docRef, session pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.OwnerID, &jobType, &status, &job.AttemptCount, &job.MaxAttempts,
		&job.NextAttemptAt, &payloadJSON, &outputJSON, &lastErr, &progressJSON, &docRef, &session,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)

	var err error
	if job.Payload, err = unmarshalMap(payloadJSON); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if job.Output, err = unmarshalMap(outputJSON); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal output: %w", err)
	}
	if len(progressJSON) > 0 {
		if err := json.Unmarshal(progressJSON, &job.Progress); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	job.Error = textPtr(lastErr)
	job.DocumentRef = textPtr(docRef)
	job.SessionID = textPtr(session)
	return job, nil
}

// MarkProcessing moves a pending (or crashed processing) job to processing and returns
// its attempt count. Reclaiming a job that is still processing counts the lost attempt.
// It returns false when the job is already terminal, which makes redelivery harmless.
func (s *Store) MarkProcessing(ctx context.Context, id string) (int, bool, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET attempt_count = attempt_count + CASE WHEN status = $2 THEN 1 ELSE 0 END,
		    status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $2)
		RETURNING attempt_count
	`, id, string(models.StatusProcessing), string(models.StatusPending)).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("mark processing: %w", err)
	}
	return attempts, true, nil
}

// UpdateProgress persists a progress snapshot for a running job.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress models.Progress) error {
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1 AND status = $3
	`, id, progressJSON, string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// CompleteJob writes output, final progress and the completed status in one statement.
func (s *Store) CompleteJob(ctx context.Context, id string, output map[string]any, progress models.Progress) error {
	outputJSON, err := marshalMap(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, output = $3, progress = $4, error = NULL, next_attempt_at = NULL,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, string(models.StatusCompleted), outputJSON, progressJSON, string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// ScheduleRetry returns a processing job to pending with its new attempt count.
func (s *Store) ScheduleRetry(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempt_count = GREATEST(attempt_count, $3), next_attempt_at = $4,
		    error = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, string(models.StatusPending), attempt, nextAttemptAt, lastErr, string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FailJob marks a job terminally failed.
func (s *Store) FailJob(ctx context.Context, id string, attempt int, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempt_count = GREATEST(attempt_count, $3), error = $4,
		    next_attempt_at = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`, id, string(models.StatusFailed), attempt, lastErr, string(models.StatusPending), string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// CancelJob is the external cancellation write. Terminal jobs are left untouched.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, string(models.StatusCancelled), string(models.StatusPending), string(models.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReopenJob moves a failed job back to pending for a manual replay. The attempt
// count is kept so it never decreases.
func (s *Store) ReopenJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, next_attempt_at = NOW(), completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+jobColumns, id, string(models.StatusPending), string(models.StatusFailed))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrInvalidTransition
	}
	return job, err
}

// ListDueRetries returns pending jobs whose scheduled attempt is due, oldest first.
func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2
		ORDER BY next_attempt_at
		LIMIT $3
	`, string(models.StatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
