package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"content-orchestrator/internal/failure"
	"content-orchestrator/internal/idempotency"
	"content-orchestrator/internal/ledger"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/ratelimit"
	"content-orchestrator/internal/store"
	"content-orchestrator/internal/telemetry"
	"content-orchestrator/internal/worker"
)

const (
	headerOwner       = "X-Owner-ID"
	headerIdempotency = "Idempotency-Key"
	headerReplayed    = "Idempotent-Replayed"
	maxBodyBytes      = 1 << 20
)

// DocumentStore is the document access the API needs.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc models.Document) (models.Document, error)
	GetDocument(ctx context.Context, id string) (models.Document, error)
	UpdateDocument(ctx context.Context, id string, fn func(*models.Document) error) (models.Document, error)
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Orchestrator *worker.Orchestrator
	Documents    DocumentStore
	Ledger       *ledger.Ledger
	Idempotency  *idempotency.Cache
	Limiter      *ratelimit.OwnerLimiter
	Ping         func(ctx context.Context) error
	Logger       *slog.Logger
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// New constructs the API server.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/retry", s.handleRetry)
		r.Get("/{id}/events", s.handleJobEvents)
	})
	r.Get("/sessions/{id}/events", s.handleSessionEvents)

	r.Get("/dlq", s.handleDLQ)
	r.Post("/dlq/{id}/replay", s.handleReplay)

	r.Route("/documents", func(r chi.Router) {
		r.Post("/", s.handleCreateDocument)
		r.Get("/{id}", s.handleGetDocument)
		r.Put("/{id}/text", s.handleUpdateText)
		r.Post("/{id}/watch", s.handleWatch)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ping != nil {
		if err := s.deps.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Type        string         `json:"type"`
	DocumentRef string         `json:"document_ref"`
	Payload     map[string]any `json:"payload"`
	MaxAttempts int            `json:"max_attempts"`
	Priority    string         `json:"priority"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if !s.allow(w, r, owner) {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	s.idempotent(w, r, owner, "submit_job", body, func(ctx context.Context) ([]byte, int, error) {
		var req submitRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, 0, failure.Data("decode", fmt.Errorf("invalid json: %w", err))
		}
		job, err := s.deps.Orchestrator.SubmitJob(ctx, worker.SubmitRequest{
			Type:        models.JobType(req.Type),
			OwnerID:     owner,
			DocumentRef: req.DocumentRef,
			Payload:     req.Payload,
			MaxAttempts: req.MaxAttempts,
			Priority:    req.Priority,
		})
		if err != nil {
			return nil, 0, err
		}
		return marshal(http.StatusAccepted, job)
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Orchestrator.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.deps.Orchestrator.CancelJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job already finished"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusCancelled)})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.Ledger.Events(r.Context(), chi.URLParam(r, "id"), int64(after), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.Ledger.SessionEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.deps.Orchestrator.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Orchestrator.ReplayDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Orchestrator.RetryJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type documentRequest struct {
	Title   string `json:"title"`
	Text    string `json:"text"`
	Watched bool   `json:"watched"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	doc, err := s.deps.Documents.CreateDocument(r.Context(), models.Document{
		OwnerID: ownerFromRequest(r),
		Title:   req.Title,
		Text:    req.Text,
		Watched: req.Watched,
		Sync:    models.DriveSyncState{SyncStatus: models.SyncPending},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type textRequest struct {
	Text string `json:"text"`
}

type textResponse struct {
	Document models.Document `json:"document"`
	Job      models.Job      `json:"job"`
}

// handleUpdateText persists a local edit, then queues the push of the new text.
func (s *Server) handleUpdateText(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if !s.allow(w, r, owner) {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	s.idempotent(w, r, owner, "update_text", map[string]any{"document_id": id, "body": json.RawMessage(body)}, func(ctx context.Context) ([]byte, int, error) {
		var req textRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, 0, failure.Data("decode", fmt.Errorf("invalid json: %w", err))
		}
		if _, err := s.ownedDocument(r); err != nil {
			return nil, 0, err
		}
		doc, err := s.deps.Documents.UpdateDocument(ctx, id, func(d *models.Document) error {
			d.Text = req.Text
			d.Sync.SyncStatus = models.SyncPending
			return nil
		})
		if err != nil {
			return nil, 0, err
		}
		job, err := s.deps.Orchestrator.SubmitJob(ctx, worker.SubmitRequest{
			Type:        models.JobDrivePush,
			OwnerID:     owner,
			DocumentRef: id,
		})
		if err != nil {
			return nil, 0, err
		}
		return marshal(http.StatusAccepted, textResponse{Document: doc, Job: job})
	})
}

type watchRequest struct {
	Watched bool `json:"watched"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.ownedDocument(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.deps.Documents.UpdateDocument(r.Context(), chi.URLParam(r, "id"), func(d *models.Document) error {
		d.Watched = req.Watched
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// ownedDocument loads the document in the path. Another owner's document reads as missing.
func (s *Server) ownedDocument(r *http.Request) (models.Document, error) {
	id := chi.URLParam(r, "id")
	doc, err := s.deps.Documents.GetDocument(r.Context(), id)
	if err != nil {
		return models.Document{}, err
	}
	if doc.OwnerID != ownerFromRequest(r) {
		return models.Document{}, fmt.Errorf("document %s: %w", id, store.ErrNotFound)
	}
	return doc, nil
}

// allow applies the per-owner rate limit. A limiter outage lets the request through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, owner string) bool {
	if !s.deps.Limiter.Enabled() {
		return true
	}
	d, err := s.deps.Limiter.Allow(r.Context(), owner)
	if err != nil {
		s.logger.LogAttrs(r.Context(), slog.LevelWarn, "rate limiter unavailable",
			slog.String("owner_id", owner), slog.String("error", err.Error()))
		return true
	}
	if d.Allowed {
		return true
	}
	telemetry.RateLimitRejects.Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
	return false
}

// idempotent runs fn once per (owner, Idempotency-Key). Without a key fn always runs.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, owner, requestType string, body any, fn func(ctx context.Context) ([]byte, int, error)) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotency))
	if key == "" || s.deps.Idempotency == nil {
		resp, status, err := fn(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeRaw(w, status, resp)
		return
	}
	resp, status, replayed, err := s.deps.Idempotency.Do(r.Context(), owner, key, requestType, body, fn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if replayed {
		w.Header().Set(headerReplayed, "true")
	}
	writeRaw(w, status, resp)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case failure.KindOf(err) == failure.KindData:
		status = http.StatusBadRequest
	case failure.KindOf(err) == failure.KindConflict:
		status = http.StatusConflict
		if errors.Is(err, idempotency.ErrInProgress) {
			w.Header().Set("Retry-After", "1")
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func ownerFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(headerOwner)); v != "" {
		return v
	}
	return "default"
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return nil, false
	}
	return body, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, failure.Dataf("query", "%s must be a non-negative integer", name)
	}
	return n, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func marshal(status int, v any) ([]byte, int, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, 0, err
	}
	return raw, status, nil
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
