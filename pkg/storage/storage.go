package storage

import (
	"context"

	"github.com/mobtestlab/devicepilot/pkg/models"
)

// JobStore defines the interface for the durable job registry: active
// in-flight jobs plus the capped history of completed runs.
type JobStore interface {
	// PutJob inserts or replaces an active job.
	PutJob(job *models.Job) error

	// GetJob retrieves an active job by id.
	GetJob(id string) (*models.Job, bool)

	// ListJobs returns all active jobs.
	ListJobs() []models.Job

	// DeleteJob removes a job from the active set. Deleting an unknown id
	// is not an error.
	DeleteJob(id string) error

	// UpsertHistory merges an entry into history keyed by its DedupKey:
	// update in place if the key exists, prepend otherwise. History stays
	// sorted newest-first and capped at models.HistoryLimit.
	UpsertHistory(entry models.HistoryEntry) error

	// GetHistory retrieves a history entry by its dedup key or job id.
	GetHistory(key string) (*models.HistoryEntry, bool)

	// ListHistory returns all history entries, newest first.
	ListHistory() []models.HistoryEntry

	// Close flushes and releases any resources held by the store.
	Close() error
}

// ObjectStore is the boundary to the artifact/object storage service used
// to cache resolved reports.
type ObjectStore interface {
	// PutObject stores bytes under key and returns the object's URL.
	PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Exists reports whether an object is already stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// URL derives the URL an object under key would be served from.
	URL(key string) string
}
