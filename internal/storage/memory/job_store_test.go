package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/jobs"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job := jobs.Job{ID: "job-1", BatchID: "nightly", Status: jobs.StatusQueued, TaskCount: 2}

	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.CreateJob(ctx, job); err == nil {
		t.Fatal("expected duplicate job error")
	}
	if err := store.UpdateJobStatus(ctx, job.ID, jobs.StatusRunning, ""); err != nil {
		t.Fatalf("UpdateJobStatus running error = %v", err)
	}
	running, _ := store.GetJob(ctx, job.ID)
	if running.Started == nil || running.Finished != nil {
		t.Fatalf("expected only start time, got %+v", running)
	}

	result := extraction.BatchResult{BatchID: "nightly", Stats: extraction.Stats{Total: 2, Successful: 1, Failed: 1}}
	if err := store.SaveResult(ctx, job.ID, result); err != nil {
		t.Fatalf("SaveResult() error = %v", err)
	}
	if err := store.UpdateJobStatus(ctx, job.ID, jobs.StatusSucceeded, ""); err != nil {
		t.Fatalf("UpdateJobStatus succeeded error = %v", err)
	}
	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.Status != jobs.StatusSucceeded || final.Started == nil || final.Finished == nil {
		t.Fatalf("expected timestamps set, got %+v", final)
	}
	if final.Result == nil || final.Result.Stats.Successful != 1 {
		t.Fatalf("expected result to persist, got %+v", final.Result)
	}
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	if _, err := store.GetJob(ctx, "nope"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("GetJob() error = %v, want ErrNotFound", err)
	}
	if err := store.UpdateJobStatus(ctx, "nope", jobs.StatusFailed, "x"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("UpdateJobStatus() error = %v, want ErrNotFound", err)
	}
	if err := store.SaveResult(ctx, "nope", extraction.BatchResult{}); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("SaveResult() error = %v, want ErrNotFound", err)
	}
}
