// Package jobs defines the asynchronous batch job model and the ports the job
// runner depends on. Implementations live in queue, storage and publisher.
package jobs

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

var (
	// ErrNotFound is returned by a Store for unknown job IDs.
	ErrNotFound = errors.New("job not found")
	// ErrQueueClosed is returned by a Queue after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// Status is the lifecycle state of a job.
type Status string

// Job statuses.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transitions happen from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Job is the stored view of an async batch.
type Job struct {
	ID        string     `json:"id"`
	BatchID   string     `json:"batch_id"`
	Status    Status     `json:"status"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
	ErrorText string     `json:"error_text,omitempty"`
	TaskCount int        `json:"task_count"`
	// Result is set once the batch has run.
	Result *extraction.BatchResult `json:"result,omitempty"`
}

// QueueItem wraps a validated batch ready to run.
type QueueItem struct {
	JobID     string
	BatchID   string
	Tasks     []extraction.Task
	Attempt   int
	Submitted int64
}

// Notification is published when a job finishes.
type Notification struct {
	JobID      string           `json:"job_id"`
	BatchID    string           `json:"batch_id"`
	Status     Status           `json:"status"`
	Stats      extraction.Stats `json:"stats"`
	ResultURI  string           `json:"result_uri,omitempty"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Store persists job state.
type Store interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status Status, errText string) error
	SaveResult(ctx context.Context, jobID string, result extraction.BatchResult) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// Queue provides enqueue/dequeue semantics for batch jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests for snapshot paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces job and batch IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
