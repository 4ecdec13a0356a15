package store

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-orchestrator/internal/models"
)

// newTestStore connects to POSTGRES_TEST_DSN and applies the migrations. Every test
// works on fresh ids, so the database can be shared between runs.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func newJob(t *testing.T, s *Store, maxAttempts int) models.Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), CreateJobParams{
		OwnerID:     "owner-" + uuid.NewString(),
		Type:        models.JobCoverImage,
		Payload:     map[string]any{"source_url": "http://example.com/a.png"},
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return job
}

func TestPostgresJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newJob(t, s, 3)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.AttemptCount)
	assert.Equal(t, "http://example.com/a.png", got.Payload["source_url"])

	attempts, ok, err := s.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, attempts)

	require.NoError(t, s.UpdateProgress(ctx, job.ID, models.Progress{Stage: "fetch", Counters: map[string]int64{"bytes": 10}}))
	next := time.Now().UTC().Add(time.Minute).Truncate(time.Microsecond)
	require.NoError(t, s.ScheduleRetry(ctx, job.ID, 1, next, "boom"))

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, got.NextAttemptAt.Equal(next))
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", *got.Error)
	assert.Equal(t, int64(10), got.Progress.Counter("bytes"))

	due, err := s.ListDueRetries(ctx, next, 1000)
	require.NoError(t, err)
	assert.Contains(t, jobIDs(due), job.ID)
	due, err = s.ListDueRetries(ctx, next.Add(-time.Second), 1000)
	require.NoError(t, err)
	assert.NotContains(t, jobIDs(due), job.ID)

	attempts, ok, err = s.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, attempts)
	require.NoError(t, s.CompleteJob(ctx, job.ID, map[string]any{"url": "x"}, models.Progress{Stage: "upload"}))

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.NextAttemptAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "x", got.Output["url"])

	_, ok, err = s.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "terminal job must not be claimed again")

	_, err = s.GetJob(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func jobIDs(jobs []models.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func TestPostgresReclaimingProcessingJobCountsLostAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newJob(t, s, 3)

	attempts, ok, err := s.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, attempts)

	attempts, ok, err = s.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, attempts)
}

func TestPostgresAttemptCountNeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newJob(t, s, 3)

	_, _, err := s.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, s.ScheduleRetry(ctx, job.ID, 2, time.Now(), "first"))
	_, _, err = s.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, s.FailJob(ctx, job.ID, 1, "second"))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 2, got.AttemptCount)

	reopened, err := s.ReopenJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, reopened.Status)
	assert.Equal(t, 2, reopened.AttemptCount)
	assert.Nil(t, reopened.CompletedAt)
}

func TestPostgresTerminalStatesRejectWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newJob(t, s, 3)

	ok, err := s.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.CompleteJob(ctx, job.ID, nil, models.Progress{})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	err = s.FailJob(ctx, job.ID, 1, "late")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	err = s.UpdateProgress(ctx, job.ID, models.Progress{Stage: "late"})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = s.ReopenJob(ctx, job.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "only failed jobs reopen")
}

func TestPostgresConcurrentAppendEventOnOneJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobID := uuid.NewString()
	const writers = 20

	seqs := make([]int64, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seqs[i], errs[i] = s.AppendEvent(ctx, models.PipelineEvent{
				JobID:     jobID,
				OwnerID:   "o",
				EventType: models.EventJob,
				Status:    models.EventStarted,
				CreatedAt: time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq, "sequences must be gap-free and never reused")
	}

	evts, err := s.ListEvents(ctx, jobID, 0, 100)
	require.NoError(t, err)
	require.Len(t, evts, writers)
	for i, evt := range evts {
		assert.Equal(t, int64(i+1), evt.Sequence)
	}

	evts, err = s.ListEvents(ctx, jobID, writers-2, 100)
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestPostgresSessionEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	session := uuid.NewString()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		_, err := s.AppendEvent(ctx, models.PipelineEvent{
			JobID:     "job-" + session,
			OwnerID:   "o",
			EventType: models.EventStage,
			Status:    models.EventCompleted,
			SessionID: &session,
			Data:      map[string]any{"i": i},
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	evts, err := s.ListSessionEvents(ctx, session, 2)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, int64(2), evts[0].Sequence)
	assert.Equal(t, int64(3), evts[1].Sequence)
	assert.EqualValues(t, 2, evts[1].Data["i"])
}

func TestPostgresIdempotencyFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	owner := uuid.NewString()
	rec := models.IdempotencyRecord{
		OwnerID:        owner,
		Key:            "k",
		RequestType:    "submit",
		RequestHash:    "h1",
		ResponseStatus: 202,
		ResponseBody:   []byte(`{"id":"1"}`),
		CreatedAt:      time.Now().UTC(),
	}

	inserted, err := s.InsertIdempotency(ctx, rec)
	require.NoError(t, err)
	require.True(t, inserted)

	rec.RequestHash = "h2"
	inserted, err = s.InsertIdempotency(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, ok, err := s.GetIdempotency(ctx, owner, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h1", got.RequestHash)
	assert.Equal(t, `{"id":"1"}`, string(got.ResponseBody))

	_, ok, err = s.GetIdempotency(ctx, "other-"+owner, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.CompleteIdempotency(ctx, owner, "k", []byte(`{}`), 200), "completed records are final")
}

func TestPostgresIdempotencyReservation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	owner := uuid.NewString()
	created := time.Now().UTC().Truncate(time.Microsecond)
	reservation := models.IdempotencyRecord{
		OwnerID:      owner,
		Key:          "k",
		RequestType:  "submit",
		RequestHash:  "h",
		ResponseBody: []byte{},
		CreatedAt:    created,
	}

	inserted, err := s.InsertIdempotency(ctx, reservation)
	require.NoError(t, err)
	require.True(t, inserted)

	// A release with a stale created_at belongs to an older reservation.
	require.NoError(t, s.ReleaseIdempotency(ctx, owner, "k", created.Add(-time.Hour)))
	_, ok, err := s.GetIdempotency(ctx, owner, "k")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ReleaseIdempotency(ctx, owner, "k", created))
	_, ok, err = s.GetIdempotency(ctx, owner, "k")
	require.NoError(t, err)
	require.False(t, ok)

	inserted, err = s.InsertIdempotency(ctx, reservation)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, s.CompleteIdempotency(ctx, owner, "k", []byte(`{"id":"2"}`), 202))

	got, ok, err := s.GetIdempotency(ctx, owner, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 202, got.ResponseStatus)
	assert.Equal(t, `{"id":"2"}`, string(got.ResponseBody))

	require.NoError(t, s.ReleaseIdempotency(ctx, owner, "k", created))
	_, ok, err = s.GetIdempotency(ctx, owner, "k")
	require.NoError(t, err)
	assert.True(t, ok, "release never deletes a completed record")
}

func TestPostgresDocumentsAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc, err := s.CreateDocument(ctx, models.Document{OwnerID: "o", Title: "Notes", Watched: true})
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, models.Document{ID: doc.ID, OwnerID: "o", Title: "dup"})
	assert.Error(t, err)

	updated, err := s.UpdateDocument(ctx, doc.ID, func(d *models.Document) error {
		d.Text = "hello"
		d.Sync.RevisionID = "rev-2"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", updated.Text)

	_, err = s.UpdateDocument(ctx, doc.ID, func(*models.Document) error { return errors.New("abort") })
	assert.Error(t, err)
	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "rev-2", got.Sync.RevisionID)

	_, err = s.GetDocument(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, ErrNotFound))

	watched, err := s.ListWatchedDocuments(ctx)
	require.NoError(t, err)
	found := false
	for _, d := range watched {
		if d.ID == doc.ID {
			found = true
		}
	}
	assert.True(t, found, "watched document missing from the poll list")

	jobID := uuid.NewString()
	dl := models.DeadLetter{
		JobID:    jobID,
		JobType:  models.JobCoverImage,
		OwnerID:  "o",
		Error:    "first",
		Payload:  map[string]any{"k": "v"},
		Attempts: 2,
		FailedAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, s.RecordDeadLetter(ctx, dl))
	dl.Error, dl.Attempts = "second", 3
	require.NoError(t, s.RecordDeadLetter(ctx, dl))

	dls, err := s.ListDeadLetters(ctx, 1000)
	require.NoError(t, err)
	var mine []models.DeadLetter
	for _, d := range dls {
		if d.JobID == jobID {
			mine = append(mine, d)
		}
	}
	require.Len(t, mine, 1, "a job has at most one dead letter")
	assert.Equal(t, "second", mine[0].Error)
	assert.Equal(t, 3, mine[0].Attempts)
	assert.Equal(t, "v", mine[0].Payload["k"])

	require.NoError(t, s.RemoveDeadLetter(ctx, jobID))
	dls, err = s.ListDeadLetters(ctx, 1000)
	require.NoError(t, err)
	for _, d := range dls {
		assert.NotEqual(t, jobID, d.JobID)
	}
}
