package models

import "time"

// SyncStatus tracks the outcome of the last push to the external document.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "pending"
	SyncFailed  SyncStatus = "failed"
)

// DriveSyncState lives in a document's metadata and is owned by the reconciliation service.
//
// ExternalEditDetected means the external copy changed and a pull is needed.
// ReconcileRequired means our last push failed and needs repair. They are independent.
type DriveSyncState struct {
	FileRef              string     `json:"file_ref,omitempty"`
	RevisionID           string     `json:"revision_id,omitempty"`
	LastIngestedRevision string     `json:"last_ingested_revision,omitempty"`
	PendingRevision      string     `json:"pending_revision,omitempty"`
	Stage                string     `json:"stage,omitempty"`
	ExternalEditDetected bool       `json:"external_edit_detected"`
	SyncStatus           SyncStatus `json:"sync_status,omitempty"`
	ReconcileRequired    bool       `json:"reconcile_required"`
	LastError            string     `json:"last_error,omitempty"`
	LastPushedAt         *time.Time `json:"last_pushed_at,omitempty"`
	LastIngestedAt       *time.Time `json:"last_ingested_at,omitempty"`
}

// Document is the locally held authoritative text.
type Document struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Title     string         `json:"title"`
	Text      string         `json:"text"`
	Watched   bool           `json:"watched"`
	Sync      DriveSyncState `json:"sync"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
