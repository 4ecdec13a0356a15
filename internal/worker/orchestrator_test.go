package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"content-orchestrator/internal/content"
	"content-orchestrator/internal/docsync"
	"content-orchestrator/internal/failure"
	"content-orchestrator/internal/ledger"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/queue"
	"content-orchestrator/internal/retry"
	"content-orchestrator/internal/store/memory"
)

func newTestOrchestrator(st *memory.Store, tr Transport) *Orchestrator {
	return NewOrchestrator(st, tr, ledger.NewRecorder(ledger.New(st), nil),
		retry.Policy{MaxAttempts: 3, CountsFirstAttempt: true}, nil)
}

func TestSubmitJobPersistsAndEnqueues(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	tr := &fakeTransport{}
	orch := newTestOrchestrator(st, tr)

	job, err := orch.SubmitJob(ctx, SubmitRequest{
		Type:        models.JobDrivePush,
		OwnerID:     "owner-1",
		DocumentRef: "doc-1",
		Payload:     map[string]any{"session_id": "sess-9"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != models.StatusPending || job.AttemptCount != 0 || job.MaxAttempts != 3 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.SessionID == nil || *job.SessionID != "sess-9" {
		t.Fatalf("expected session id from payload, got %v", job.SessionID)
	}
	if len(tr.enqueued) != 1 || tr.enqueued[0].JobID != job.ID || tr.enqueued[0].DocumentRef != "doc-1" {
		t.Fatalf("unexpected enqueued messages %+v", tr.enqueued)
	}

	events, err := st.ListSessionEvents(ctx, "sess-9", 10)
	if err != nil {
		t.Fatalf("session events: %v", err)
	}
	if len(events) != 1 || events[0].Status != models.EventQueued {
		t.Fatalf("expected one queued event, got %+v", events)
	}

	fetched, err := orch.GetJobStatus(ctx, job.ID)
	if err != nil || fetched.ID != job.ID {
		t.Fatalf("get job status: %v", err)
	}
}

func TestSubmitJobRejectsMissingFields(t *testing.T) {
	orch := newTestOrchestrator(memory.New(), &fakeTransport{})
	for _, req := range []SubmitRequest{
		{OwnerID: "owner-1"},
		{Type: models.JobDrivePoll},
	} {
		_, err := orch.SubmitJob(context.Background(), req)
		if failure.KindOf(err) != failure.KindData {
			t.Fatalf("expected data error for %+v, got %v", req, err)
		}
	}
}

func TestSubmitJobClampsMaxAttempts(t *testing.T) {
	orch := newTestOrchestrator(memory.New(), nil)
	job, err := orch.SubmitJob(context.Background(), SubmitRequest{Type: models.JobDrivePoll, OwnerID: "o", MaxAttempts: -4})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.MaxAttempts != 1 {
		t.Fatalf("expected max_attempts clamped to 1, got %d", job.MaxAttempts)
	}
}

func TestSubmitJobInline(t *testing.T) {
	st := memory.New()
	orch := newTestOrchestrator(st, nil)
	proc := newTestProcessor(t, st, nil, testHandlers(map[models.JobType]Handler{
		models.JobDrivePoll: funcHandler{handle: func(*RunContext) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		}},
	}))
	orch.AttachInline(proc)

	job, err := orch.SubmitJob(context.Background(), SubmitRequest{Type: models.JobDrivePoll, OwnerID: "o"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != models.StatusCompleted || job.Output["ok"] != true {
		t.Fatalf("expected inline completion, got %+v", job)
	}
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	tr := &fakeTransport{}
	orch := newTestOrchestrator(st, tr)

	job, err := orch.SubmitJob(ctx, SubmitRequest{Type: models.JobDrivePoll, OwnerID: "o"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ok, err := orch.CancelJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if got := mustGet(t, st, job.ID); got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if len(tr.cancelled) != 1 {
		t.Fatalf("expected queued message dropped")
	}

	ok, err = orch.CancelJob(ctx, job.ID)
	if err != nil || ok {
		t.Fatalf("second cancel should report false, got ok=%v err=%v", ok, err)
	}
}

func TestReplayDeadLetter(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	tr := &fakeTransport{}
	orch := newTestOrchestrator(st, tr)
	proc := newTestProcessor(t, st, tr, testHandlers(nil))

	job, err := orch.SubmitJob(ctx, SubmitRequest{Type: "no_such_type", OwnerID: "o", MaxAttempts: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := proc.HandleMessage(ctx, models.MessageFor(job)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	dls, err := orch.ListDeadLetters(ctx, 10)
	if err != nil || len(dls) != 1 {
		t.Fatalf("expected one dead letter, got %d (%v)", len(dls), err)
	}

	replayed, err := orch.ReplayDeadLetter(ctx, job.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != models.StatusPending || replayed.AttemptCount != 2 {
		t.Fatalf("expected pending with attempts kept, got %s/%d", replayed.Status, replayed.AttemptCount)
	}
	if len(tr.dead) != 0 {
		t.Fatalf("expected dead letter removed")
	}
	if len(tr.enqueued) != 2 {
		t.Fatalf("expected replay to enqueue again, got %d messages", len(tr.enqueued))
	}

	_, err = orch.ReplayDeadLetter(ctx, job.ID)
	if failure.KindOf(err) != failure.KindConflict {
		t.Fatalf("replaying a pending job should conflict, got %v", err)
	}
}

// flakyOnce fails its first run with a transient error and succeeds afterwards.
func flakyOnce(calls *int) Handler {
	return funcHandler{handle: func(*RunContext) (map[string]any, error) {
		*calls++
		if *calls == 1 {
			return nil, errors.New("upstream timeout")
		}
		return map[string]any{"ok": true}, nil
	}}
}

func TestRetryJobRunsInlineRetryNow(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	calls := 0
	orch := newTestOrchestrator(st, nil)
	orch.AttachInline(newTestProcessor(t, st, nil, testHandlers(map[models.JobType]Handler{
		models.JobDrivePoll: flakyOnce(&calls),
	})))

	job, err := orch.SubmitJob(ctx, SubmitRequest{Type: models.JobDrivePoll, OwnerID: "o"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != models.StatusPending || job.AttemptCount != 1 || job.NextAttemptAt == nil {
		t.Fatalf("expected a scheduled retry, got %s/%d next=%v", job.Status, job.AttemptCount, job.NextAttemptAt)
	}
	if _, err := orch.ReplayDeadLetter(ctx, job.ID); failure.KindOf(err) != failure.KindConflict {
		t.Fatalf("replay only applies to failed jobs, got %v", err)
	}

	done, err := orch.RetryJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if done.Status != models.StatusCompleted || done.AttemptCount != 1 {
		t.Fatalf("expected completion with the attempt count kept, got %s/%d", done.Status, done.AttemptCount)
	}
	if calls != 2 {
		t.Fatalf("expected 2 handler runs, got %d", calls)
	}

	if _, err := orch.RetryJob(ctx, job.ID); failure.KindOf(err) != failure.KindConflict {
		t.Fatalf("retrying a completed job should conflict, got %v", err)
	}
}

func TestRunDueRetriesSweepsInlineJobs(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	calls := 0
	orch := newTestOrchestrator(st, nil)
	orch.AttachInline(newTestProcessor(t, st, nil, testHandlers(map[models.JobType]Handler{
		models.JobDrivePoll: flakyOnce(&calls),
	})))

	job, err := orch.SubmitJob(ctx, SubmitRequest{Type: models.JobDrivePoll, OwnerID: "o"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	n, err := orch.RunDueRetries(ctx, time.Now().UTC())
	if err != nil || n != 0 {
		t.Fatalf("retry is not due yet, ran %d (%v)", n, err)
	}
	n, err = orch.RunDueRetries(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected the due retry to run, ran %d (%v)", n, err)
	}
	if got := mustGet(t, st, job.ID); got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestRetryJobRequeuesWithTransport(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	tr := &fakeTransport{}
	calls := 0
	orch := newTestOrchestrator(st, tr)
	proc := newTestProcessor(t, st, tr, testHandlers(map[models.JobType]Handler{
		models.JobDrivePoll: flakyOnce(&calls),
	}))

	job, err := orch.SubmitJob(ctx, SubmitRequest{Type: models.JobDrivePoll, OwnerID: "o"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := proc.HandleMessage(ctx, models.MessageFor(job)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n, _ := orch.RunDueRetries(ctx, time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("the queue owns scheduled retries, sweep ran %d", n)
	}

	got, err := orch.RetryJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if len(tr.cancelled) != 1 || tr.cancelled[0] != job.ID {
		t.Fatalf("expected the scheduled message dropped, got %v", tr.cancelled)
	}
	if len(tr.enqueued) != 2 {
		t.Fatalf("expected a ready message, got %d enqueues", len(tr.enqueued))
	}
}

func TestPollDetectsExternalEditAndIngestsOnce(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	tr := &fakeTransport{}
	docs := docsync.NewMemoryDocs()
	orch := newTestOrchestrator(st, tr)
	syncSvc := docsync.NewService(st, docs, retry.Backoff{Attempts: 1}, nil)
	proc := newTestProcessor(t, st, tr, Handlers(Deps{
		Documents: st,
		Sync:      syncSvc,
		Submitter: orch,
		Fetcher:   content.NewFetcher(time.Second, 1024),
		Composer:  content.NewComposer(),
		Images:    &ImageHandler{},
	}))

	ref, err := docs.Create(ctx, "Notes")
	if err != nil {
		t.Fatalf("create external: %v", err)
	}
	doc, err := st.CreateDocument(ctx, models.Document{
		OwnerID: "owner-1",
		Title:   "Notes",
		Text:    "old",
		Watched: true,
		Sync:    models.DriveSyncState{FileRef: ref, RevisionID: "rev-1", LastIngestedRevision: "rev-1"},
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	if err := docs.Edit(ref, "edited elsewhere"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	for i := 0; i < 2; i++ {
		poll, err := orch.SubmitJob(ctx, SubmitRequest{Type: models.JobDrivePoll, OwnerID: SystemOwner})
		if err != nil {
			t.Fatalf("submit poll: %v", err)
		}
		if err := proc.HandleMessage(ctx, models.MessageFor(poll)); err != nil {
			t.Fatalf("handle poll: %v", err)
		}
	}

	flagged, err := st.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if !flagged.Sync.ExternalEditDetected {
		t.Fatalf("expected external edit detected")
	}
	var ingests []models.Message
	for _, msg := range tr.enqueued {
		if msg.JobType == models.JobDriveIngest {
			ingests = append(ingests, msg)
		}
	}
	if len(ingests) != 1 {
		t.Fatalf("expected exactly one ingest job, got %d", len(ingests))
	}

	if err := proc.HandleMessage(ctx, ingests[0]); err != nil {
		t.Fatalf("handle ingest: %v", err)
	}
	ingested, err := st.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if ingested.Sync.ExternalEditDetected || ingested.Sync.LastIngestedRevision != "rev-2" {
		t.Fatalf("unexpected sync state after ingest %+v", ingested.Sync)
	}
	if ingested.Text != "edited elsewhere" {
		t.Fatalf("expected external text ingested, got %q", ingested.Text)
	}
}

type fakeLock struct {
	mu    sync.Mutex
	taken bool
	ttl   time.Duration
}

func (l *fakeLock) AcquireLock(_ context.Context, _, _ string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.taken {
		return queue.ErrLockHeld
	}
	l.taken = true
	l.ttl = ttl
	return nil
}

func TestPollSchedulerTickHonoursLock(t *testing.T) {
	st := memory.New()
	tr := &fakeTransport{}
	lock := &fakeLock{}
	sched := NewPollScheduler(newTestOrchestrator(st, tr), lock, "worker-a", time.Minute, nil)

	if !sched.Tick(context.Background()) {
		t.Fatalf("expected first tick to schedule")
	}
	if sched.Tick(context.Background()) {
		t.Fatalf("expected second tick to lose the lock")
	}
	if len(tr.enqueued) != 1 || tr.enqueued[0].JobType != models.JobDrivePoll || tr.enqueued[0].OwnerID != SystemOwner {
		t.Fatalf("unexpected messages %+v", tr.enqueued)
	}
	if lock.ttl <= 0 || lock.ttl >= time.Minute {
		t.Fatalf("lock ttl should be shorter than the interval, got %s", lock.ttl)
	}
}

func TestPollSchedulerWithoutLock(t *testing.T) {
	tr := &fakeTransport{}
	sched := NewPollScheduler(newTestOrchestrator(memory.New(), tr), nil, "", time.Minute, nil)
	for i := 0; i < 3; i++ {
		if !sched.Tick(context.Background()) {
			t.Fatalf("tick %d should schedule", i)
		}
	}
	if len(tr.enqueued) != 3 {
		t.Fatalf("expected 3 poll jobs, got %d", len(tr.enqueued))
	}
}
