package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"content-orchestrator/internal/idempotency"
	"content-orchestrator/internal/ledger"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/ratelimit"
	"content-orchestrator/internal/retry"
	"content-orchestrator/internal/store/memory"
	"content-orchestrator/internal/worker"
)

type testServer struct {
	http  *httptest.Server
	store *memory.Store
}

func newTestServer(t *testing.T, limiter *ratelimit.OwnerLimiter) *testServer {
	t.Helper()
	st := memory.New()
	l := ledger.New(st)
	orch := worker.NewOrchestrator(st, nil, ledger.NewRecorder(l, nil), retry.Policy{MaxAttempts: 3, CountsFirstAttempt: true}, nil)
	srv := New(Deps{
		Orchestrator: orch,
		Documents:    st,
		Ledger:       l,
		Idempotency:  idempotency.New(st),
		Limiter:      limiter,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{http: ts, store: st}
}

func (ts *testServer) do(t *testing.T, method, path, owner, key, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set(headerOwner, owner)
	}
	if key != "" {
		req.Header.Set(headerIdempotency, key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestSubmitJobWithIdempotencyKeyReplays(t *testing.T) {
	ts := newTestServer(t, nil)
	body := `{"type":"drive_poll","payload":{"b":1,"a":"x"}}`
	reordered := `{ "payload": {"a":"x","b":1}, "type":"drive_poll" }`

	first := ts.do(t, http.MethodPost, "/jobs", "owner-1", "key-1", body)
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.StatusCode)
	}
	job := decode[models.Job](t, first)

	second := ts.do(t, http.MethodPost, "/jobs", "owner-1", "key-1", reordered)
	if second.StatusCode != http.StatusAccepted {
		t.Fatalf("expected replayed 202, got %d", second.StatusCode)
	}
	if second.Header.Get(headerReplayed) != "true" {
		t.Fatalf("expected replay header")
	}
	replayed := decode[models.Job](t, second)
	if replayed.ID != job.ID {
		t.Fatalf("expected the cached job %s, got %s", job.ID, replayed.ID)
	}

	conflict := ts.do(t, http.MethodPost, "/jobs", "owner-1", "key-1", `{"type":"drive_poll","payload":{"a":"y"}}`)
	if conflict.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a changed body, got %d", conflict.StatusCode)
	}

	// Keys are scoped per owner.
	other := ts.do(t, http.MethodPost, "/jobs", "owner-2", "key-1", `{"type":"drive_poll"}`)
	if other.StatusCode != http.StatusAccepted || other.Header.Get(headerReplayed) != "" {
		t.Fatalf("expected a fresh submission for another owner, got %d", other.StatusCode)
	}
}

func TestSubmitJobWhileKeyInProgress(t *testing.T) {
	ts := newTestServer(t, nil)
	body := `{"type":"drive_poll"}`
	hash, err := idempotency.HashRequest([]byte(body))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, err := ts.store.InsertIdempotency(context.Background(), models.IdempotencyRecord{
		OwnerID: "owner-1", Key: "key-1", RequestType: "submit_job", RequestHash: hash,
		ResponseBody: []byte{}, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	resp := ts.do(t, http.MethodPost, "/jobs", "owner-1", "key-1", body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while the key is in progress, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After on an in-progress key")
	}
}

func TestSubmitJobValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, body := range []string{`{"payload":{}}`, `{not json`} {
		resp := ts.do(t, http.MethodPost, "/jobs", "owner-1", "", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestGetJobAndEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	created := decode[models.Job](t, ts.do(t, http.MethodPost, "/jobs", "owner-1", "", `{"type":"drive_poll"}`))

	resp := ts.do(t, http.MethodGet, "/jobs/"+created.ID, "owner-1", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := decode[models.Job](t, resp); got.Status != models.StatusPending {
		t.Fatalf("expected pending job, got %s", got.Status)
	}

	events := decode[map[string][]models.PipelineEvent](t, ts.do(t, http.MethodGet, "/jobs/"+created.ID+"/events", "owner-1", "", ""))
	if len(events["events"]) != 1 || events["events"][0].Status != models.EventQueued {
		t.Fatalf("unexpected events %+v", events)
	}

	if resp := ts.do(t, http.MethodGet, "/jobs/missing", "owner-1", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodGet, "/jobs/"+created.ID+"/events?after=x", "owner-1", "", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad cursor, got %d", resp.StatusCode)
	}
}

func TestCancelJob(t *testing.T) {
	ts := newTestServer(t, nil)
	created := decode[models.Job](t, ts.do(t, http.MethodPost, "/jobs", "owner-1", "", `{"type":"drive_poll"}`))

	if resp := ts.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", "owner-1", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", "owner-1", "", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", resp.StatusCode)
	}
}

func TestRetryJob(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	created := decode[models.Job](t, ts.do(t, http.MethodPost, "/jobs", "owner-1", "", `{"type":"drive_poll"}`))

	if resp := ts.do(t, http.MethodPost, "/jobs/"+created.ID+"/retry", "owner-1", "", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without a scheduled retry, got %d", resp.StatusCode)
	}

	if _, _, err := ts.store.MarkProcessing(ctx, created.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ts.store.ScheduleRetry(ctx, created.ID, 1, time.Now().Add(time.Hour), "timeout"); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}
	resp := ts.do(t, http.MethodPost, "/jobs/"+created.ID+"/retry", "owner-1", "", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if job := decode[models.Job](t, resp); job.ID != created.ID || job.AttemptCount != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestDocumentEditQueuesPush(t *testing.T) {
	ts := newTestServer(t, nil)
	doc := decode[models.Document](t, ts.do(t, http.MethodPost, "/documents", "owner-1", "", `{"title":"Notes","text":"v1"}`))

	resp := ts.do(t, http.MethodPut, "/documents/"+doc.ID+"/text", "owner-1", "edit-1", `{"text":"v2"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	out := decode[textResponse](t, resp)
	if out.Document.Text != "v2" || out.Job.Type != models.JobDrivePush || out.Job.DocumentRef == nil || *out.Job.DocumentRef != doc.ID {
		t.Fatalf("unexpected response %+v", out)
	}

	again := ts.do(t, http.MethodPut, "/documents/"+doc.ID+"/text", "owner-1", "edit-1", `{"text":"v2"}`)
	if again.Header.Get(headerReplayed) != "true" {
		t.Fatalf("expected the edit to replay")
	}
	if decode[textResponse](t, again).Job.ID != out.Job.ID {
		t.Fatalf("replayed edit must not submit another push")
	}

	if resp := ts.do(t, http.MethodGet, "/documents/"+doc.ID, "owner-2", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("another owner's document should read as missing, got %d", resp.StatusCode)
	}

	watched := decode[models.Document](t, ts.do(t, http.MethodPost, "/documents/"+doc.ID+"/watch", "owner-1", "", `{"watched":true}`))
	if !watched.Watched {
		t.Fatalf("expected document to be watched")
	}
}

func TestSubmitIsRateLimitedPerOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ts := newTestServer(t, ratelimit.NewOwnerLimiter(client, 2, 0.5))

	for i := 0; i < 2; i++ {
		if resp := ts.do(t, http.MethodPost, "/jobs", "owner-1", "", `{"type":"drive_poll"}`); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i+1, resp.StatusCode)
		}
	}
	resp := ts.do(t, http.MethodPost, "/jobs", "owner-1", "", `{"type":"drive_poll"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	if resp := ts.do(t, http.MethodPost, "/jobs", "owner-2", "", `{"type":"drive_poll"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("other owner should not be limited, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	if resp := ts.do(t, http.MethodGet, "/healthz", "", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
