package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in the job store.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition can happen from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobType is the closed set of work the orchestrator knows how to run.
type JobType string

const (
	JobBookGenerate JobType = "book_generate"
	JobDrivePush    JobType = "drive_push"
	JobDrivePoll    JobType = "drive_poll"
	JobDriveIngest  JobType = "drive_ingest"
	JobCoverImage   JobType = "cover_image"
)

// JobTypes lists every JobType. The dispatcher refuses to start unless each has a handler.
var JobTypes = []JobType{JobBookGenerate, JobDrivePush, JobDrivePoll, JobDriveIngest, JobCoverImage}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// NeedsDocument reports whether jobs of type t must carry a document reference.
func (t JobType) NeedsDocument() bool {
	switch t {
	case JobBookGenerate, JobDrivePush, JobDriveIngest:
		return true
	default:
		return false
	}
}

// Job is a unit of asynchronous work with its own retry lifecycle.
type Job struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Type          JobType        `json:"type"`
	Status        JobStatus      `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	MaxAttempts   int            `json:"max_attempts"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	Payload       map[string]any `json:"payload"`
	Output        map[string]any `json:"output,omitempty"`
	Error         *string        `json:"error,omitempty"`
	Progress      Progress       `json:"progress"`
	DocumentRef   *string        `json:"document_ref,omitempty"`
	SessionID     *string        `json:"session_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Message is what the transport delivers at least once.
type Message struct {
	JobID       string         `json:"job_id"`
	JobType     JobType        `json:"job_type"`
	OwnerID     string         `json:"owner_id"`
	DocumentRef string         `json:"document_ref,omitempty"`
	Payload     map[string]any `json:"payload"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// MessageFor rebuilds the original message of a job.
func MessageFor(job Job) Message {
	msg := Message{
		JobID:      job.ID,
		JobType:    job.Type,
		OwnerID:    job.OwnerID,
		Payload:    job.Payload,
		EnqueuedAt: time.Now().UTC(),
	}
	if job.DocumentRef != nil {
		msg.DocumentRef = *job.DocumentRef
	}
	return msg
}

// DeadLetter is the terminal-failure handoff kept for manual inspection and replay.
type DeadLetter struct {
	JobID    string         `json:"job_id"`
	JobType  JobType        `json:"job_type"`
	OwnerID  string         `json:"owner_id"`
	Error    string         `json:"error"`
	Payload  map[string]any `json:"original_payload"`
	Attempts int            `json:"attempts"`
	FailedAt time.Time      `json:"failed_at"`
}
