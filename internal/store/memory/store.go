// Package memory is an in-process implementation of the durable store contracts.
// It backs STORE_DRIVER=memory deployments and unit tests. Safe for concurrent use.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"content-orchestrator/internal/models"
	"content-orchestrator/internal/store"
)

// Store keeps every row in maps guarded by one mutex, which gives the same per-row
// atomicity the Postgres store gets from single statements and row locks.
type Store struct {
	mu sync.RWMutex

	jobs        map[string]models.Job
	idempotency map[string]models.IdempotencyRecord // key: owner + "\x00" + key
	sequences   map[string]int64
	events      map[string][]models.PipelineEvent
	documents   map[string]models.Document
	deadLetters map[string]models.DeadLetter
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]models.Job),
		idempotency: make(map[string]models.IdempotencyRecord),
		sequences:   make(map[string]int64),
		events:      make(map[string][]models.PipelineEvent),
		documents:   make(map[string]models.Document),
		deadLetters: make(map[string]models.DeadLetter),
	}
}

// Ping always succeeds.
func (m *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Store) Close() {}

// CreateJob inserts a job in pending state with no attempts.
func (m *Store) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	job := store.NewJob(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = cloneJob(job)
	return cloneJob(job), nil
}

// GetJob fetches a job by id.
func (m *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return cloneJob(job), nil
}

// MarkProcessing moves a pending or processing job to processing and returns its
// attempt count. Claiming a job that is still processing counts the lost attempt.
func (m *Store) MarkProcessing(_ context.Context, id string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return 0, false, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if job.Status != models.StatusPending && job.Status != models.StatusProcessing {
		return job.AttemptCount, false, nil
	}
	if job.Status == models.StatusProcessing {
		job.AttemptCount++
	}
	now := time.Now().UTC()
	job.Status = models.StatusProcessing
	job.StartedAt = &now
	job.UpdatedAt = now
	m.jobs[id] = job
	return job.AttemptCount, true, nil
}

// UpdateProgress persists a progress snapshot for a running job.
func (m *Store) UpdateProgress(_ context.Context, id string, progress models.Progress) error {
	return m.transition(id, []models.JobStatus{models.StatusProcessing}, func(job *models.Job) {
		job.Progress = progress.Clone()
	})
}

// CompleteJob writes output, progress and status together.
func (m *Store) CompleteJob(_ context.Context, id string, output map[string]any, progress models.Progress) error {
	return m.transition(id, []models.JobStatus{models.StatusProcessing}, func(job *models.Job) {
		now := time.Now().UTC()
		if output == nil {
			output = map[string]any{}
		}
		job.Status = models.StatusCompleted
		job.Output = cloneMap(output)
		job.Progress = progress.Clone()
		job.Error = nil
		job.NextAttemptAt = nil
		job.CompletedAt = &now
	})
}

// ScheduleRetry returns a processing job to pending.
func (m *Store) ScheduleRetry(_ context.Context, id string, attempt int, nextAttemptAt time.Time, lastErr string) error {
	return m.transition(id, []models.JobStatus{models.StatusProcessing}, func(job *models.Job) {
		job.Status = models.StatusPending
		job.AttemptCount = max(job.AttemptCount, attempt)
		next := nextAttemptAt
		job.NextAttemptAt = &next
		job.Error = &lastErr
	})
}

// FailJob marks a job terminally failed.
func (m *Store) FailJob(_ context.Context, id string, attempt int, lastErr string) error {
	return m.transition(id, []models.JobStatus{models.StatusPending, models.StatusProcessing}, func(job *models.Job) {
		now := time.Now().UTC()
		job.Status = models.StatusFailed
		job.AttemptCount = max(job.AttemptCount, attempt)
		job.Error = &lastErr
		job.NextAttemptAt = nil
		job.CompletedAt = &now
	})
}

// CancelJob is the external cancellation write.
func (m *Store) CancelJob(_ context.Context, id string) (bool, error) {
	err := m.transition(id, []models.JobStatus{models.StatusPending, models.StatusProcessing}, func(job *models.Job) {
		job.Status = models.StatusCancelled
		job.NextAttemptAt = nil
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		return false, nil
	}
	return err == nil, err
}

// ReopenJob moves a failed job back to pending for a manual replay.
func (m *Store) ReopenJob(_ context.Context, id string) (models.Job, error) {
	err := m.transition(id, []models.JobStatus{models.StatusFailed}, func(job *models.Job) {
		now := time.Now().UTC()
		job.Status = models.StatusPending
		job.NextAttemptAt = &now
		job.CompletedAt = nil
	})
	if err != nil {
		return models.Job{}, err
	}
	return m.GetJob(context.Background(), id)
}

// ListDueRetries returns pending jobs whose scheduled attempt is due, oldest first.
func (m *Store) ListDueRetries(_ context.Context, now time.Time, limit int) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.Status == models.StatusPending && job.NextAttemptAt != nil && !job.NextAttemptAt.After(now) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(*out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) transition(id string, from []models.JobStatus, fn func(*models.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	allowed := false
	for _, s := range from {
		if job.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return store.ErrInvalidTransition
	}
	fn(&job)
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

// GetIdempotency returns the record stored for (ownerID, key).
func (m *Store) GetIdempotency(_ context.Context, ownerID, key string) (models.IdempotencyRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idempotency[ownerID+"\x00"+key]
	if !ok {
		return models.IdempotencyRecord{}, false, nil
	}
	rec.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	return rec, true, nil
}

// InsertIdempotency stores rec unless (owner, key) already exists.
func (m *Store) InsertIdempotency(_ context.Context, rec models.IdempotencyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rec.OwnerID + "\x00" + rec.Key
	if _, exists := m.idempotency[k]; exists {
		return false, nil
	}
	rec.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	m.idempotency[k] = rec
	return true, nil
}

// CompleteIdempotency fills in the response of a reservation.
func (m *Store) CompleteIdempotency(_ context.Context, ownerID, key string, response []byte, status int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ownerID + "\x00" + key
	rec, ok := m.idempotency[k]
	if !ok || rec.ResponseStatus != 0 {
		return fmt.Errorf("idempotency key %s is not reserved", key)
	}
	rec.ResponseBody = append([]byte(nil), response...)
	rec.ResponseStatus = status
	m.idempotency[k] = rec
	return nil
}

// ReleaseIdempotency drops the reservation created at createdAt. Completed records and
// newer reservations are left alone.
func (m *Store) ReleaseIdempotency(_ context.Context, ownerID, key string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ownerID + "\x00" + key
	if rec, ok := m.idempotency[k]; ok && rec.ResponseStatus == 0 && rec.CreatedAt.Equal(createdAt) {
		delete(m.idempotency, k)
	}
	return nil
}

// AppendEvent stores evt under the next sequence of its job.
func (m *Store) AppendEvent(_ context.Context, evt models.PipelineEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	m.sequences[evt.JobID]++
	evt.Sequence = m.sequences[evt.JobID]
	evt.Data = cloneMap(evt.Data)
	m.events[evt.JobID] = append(m.events[evt.JobID], evt)
	return evt.Sequence, nil
}

// ListEvents returns a job's events after afterSeq.
func (m *Store) ListEvents(_ context.Context, jobID string, afterSeq int64, limit int) ([]models.PipelineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PipelineEvent
	for _, evt := range m.events[jobID] {
		if evt.Sequence <= afterSeq {
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListSessionEvents returns the most recent events of a session, oldest first.
func (m *Store) ListSessionEvents(_ context.Context, sessionID string, limit int) ([]models.PipelineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	var out []models.PipelineEvent
	for _, evts := range m.events {
		for _, evt := range evts {
			if evt.SessionID != nil && *evt.SessionID == sessionID {
				out = append(out, evt)
			}
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].JobID != out[j].JobID {
			return out[i].JobID < out[j].JobID
		}
		return out[i].Sequence < out[j].Sequence
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// CreateDocument inserts a local document.
func (m *Store) CreateDocument(_ context.Context, doc models.Document) (models.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.documents[doc.ID]; exists {
		return models.Document{}, fmt.Errorf("document %s already exists", doc.ID)
	}
	m.documents[doc.ID] = doc
	return doc, nil
}

// GetDocument fetches a document by id.
func (m *Store) GetDocument(_ context.Context, id string) (models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return models.Document{}, fmt.Errorf("document %s: %w", id, store.ErrNotFound)
	}
	return doc, nil
}

// UpdateDocument applies fn to the current row atomically.
func (m *Store) UpdateDocument(_ context.Context, id string, fn func(*models.Document) error) (models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return models.Document{}, fmt.Errorf("document %s: %w", id, store.ErrNotFound)
	}
	if err := fn(&doc); err != nil {
		return models.Document{}, err
	}
	doc.UpdatedAt = time.Now().UTC()
	m.documents[id] = doc
	return doc, nil
}

// ListWatchedDocuments returns every watched document ordered by id.
func (m *Store) ListWatchedDocuments(_ context.Context) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Document
	for _, doc := range m.documents {
		if doc.Watched {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordDeadLetter keeps a dead-lettered job for manual replay.
func (m *Store) RecordDeadLetter(_ context.Context, dl models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl.Payload = cloneMap(dl.Payload)
	m.deadLetters[dl.JobID] = dl
	return nil
}

// ListDeadLetters returns dead letters, most recent first.
func (m *Store) ListDeadLetters(_ context.Context, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	out := make([]models.DeadLetter, 0, len(m.deadLetters))
	for _, dl := range m.deadLetters {
		out = append(out, dl)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RemoveDeadLetter deletes the dead letter for jobID.
func (m *Store) RemoveDeadLetter(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deadLetters, jobID)
	return nil
}

// cloneJob deep-copies the JSON-shaped parts of a job so callers never alias stored rows.
func cloneJob(job models.Job) models.Job {
	job.Payload = cloneMap(job.Payload)
	job.Output = cloneMap(job.Output)
	job.Progress = job.Progress.Clone()
	return job
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}
