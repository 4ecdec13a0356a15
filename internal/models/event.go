package models

import "time"

// Pipeline event types.
const (
	EventJob   = "job"
	EventStage = "stage"
	EventItem  = "item"
)

// Pipeline event statuses.
const (
	EventQueued    = "queued"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRetrying  = "retrying"
	EventDead      = "dead_lettered"
	EventSkipped   = "skipped"
	EventCancelled = "cancelled"
)

// PipelineEvent is an immutable, ordered record of a stage transition.
// Sequence is assigned by the ledger and strictly increases per job.
type PipelineEvent struct {
	Sequence  int64          `json:"sequence"`
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	JobID     string         `json:"job_id"`
	EventType string         `json:"event_type"`
	Stage     string         `json:"stage"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	SessionID *string        `json:"session_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// IdempotencyRecord stores the response of a request executed under a client key.
// (OwnerID, Key) is unique and the record is never rewritten.
type IdempotencyRecord struct {
	OwnerID        string    `json:"owner_id"`
	Key            string    `json:"key"`
	RequestType    string    `json:"request_type"`
	RequestHash    string    `json:"request_hash"`
	ResponseBody   []byte    `json:"response_body"`
	ResponseStatus int       `json:"response_status"`
	CreatedAt      time.Time `json:"created_at"`
}
