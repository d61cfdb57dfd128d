// Package worker executes queued batch jobs: it runs the batch through the
// scheduler, persists snapshots and results, and publishes a completion
// notification.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/jobs"
	"github.com/JakeFAU/resilient-extractor/internal/storage/postgres"
	"github.com/JakeFAU/resilient-extractor/internal/telemetry"
)

const (
	defaultSnapshotType  = "text/html; charset=utf-8"
	markdownSnapshotType = "text/markdown; charset=utf-8"
	resultContentType    = "application/json"
	resultObjectName     = "result.json"
)

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
}

// Runner executes one batch. *scheduler.Scheduler satisfies it.
type Runner interface {
	RunBatch(ctx context.Context, batchID string, tasks []extraction.Task) extraction.BatchResult
}

// ResultWriter persists per-task rows. *postgres.ResultStore satisfies it.
type ResultWriter interface {
	StoreResult(ctx context.Context, record postgres.ResultRecord) error
}

// Deps groups the worker's collaborators. BlobStore, Results and Publisher
// are optional.
type Deps struct {
	Queue     jobs.Queue
	Jobs      jobs.Store
	Runner    Runner
	BlobStore jobs.BlobStore
	Results   ResultWriter
	Publisher jobs.Publisher
	Hasher    jobs.Hasher
	Clock     jobs.Clock
}

// Worker consumes queue items and executes batches.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultSnapshotType
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, jobs.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.String("batch_id", item.BatchID))
		w.ProcessJob(ctx, item)
	}
}

// ProcessJob runs one queued batch to completion.
func (w *Worker) ProcessJob(ctx context.Context, item jobs.QueueItem) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	ctx, span := telemetry.StartSpan(ctx, "worker.process_job",
		attribute.String("job.id", item.JobID),
		attribute.String("batch.id", item.BatchID),
		attribute.Int("batch.tasks", len(item.Tasks)),
	)
	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("batch_id", item.BatchID))

	if w.deps.Runner == nil {
		err := errors.New("no batch runner configured")
		w.finish(ctx, logger, item.JobID, jobs.StatusFailed, err.Error())
		telemetry.EndSpan(span, err)
		return
	}
	if err := w.deps.Jobs.UpdateJobStatus(ctx, item.JobID, jobs.StatusRunning, ""); err != nil {
		logger.Error("update job status failed", zap.Error(err))
		telemetry.EndSpan(span, err)
		return
	}
	telemetry.ObserveJob(string(jobs.StatusRunning))

	result := w.deps.Runner.RunBatch(ctx, item.BatchID, item.Tasks)
	var persistErrs []error
	for _, res := range result.Results {
		telemetry.ObserveResult(res.Task.URL, res.StrategyUsed, res.Success, contentLen(res))
		if err := w.persistResult(ctx, item.BatchID, res); err != nil {
			logger.Error("persist result failed", zap.String("task_id", res.Task.ID), zap.Error(err))
			persistErrs = append(persistErrs, err)
		}
	}

	resultURI, err := w.storeBatchResult(ctx, result)
	if err != nil {
		logger.Error("store batch result failed", zap.Error(err))
		persistErrs = append(persistErrs, err)
	}
	if err := w.deps.Jobs.SaveResult(ctx, item.JobID, result); err != nil {
		logger.Error("save job result failed", zap.Error(err))
		persistErrs = append(persistErrs, err)
	}

	status, errText := deriveFinalStatus(ctx, result, errors.Join(persistErrs...))
	if status != jobs.StatusCanceled {
		if err := w.publishResult(ctx, item, status, result, resultURI); err != nil {
			logger.Error("publish notification failed", zap.Error(err))
			status, errText = jobs.StatusFailed, err.Error()
		}
	}

	w.finish(ctx, logger, item.JobID, status, errText)
	logger.Info("batch job finished",
		zap.String("status", string(status)),
		zap.Int("total", result.Stats.Total),
		zap.Int("successful", result.Stats.Successful),
		zap.Int("detected", result.Stats.Detected),
	)
	var spanErr error
	if status != jobs.StatusSucceeded && errText != "" {
		spanErr = errors.New(errText)
	}
	telemetry.EndSpan(span, spanErr)
}

func (w *Worker) finish(ctx context.Context, logger *zap.Logger, jobID string, status jobs.Status, errText string) {
	// The job record must move to a terminal state even when the run was canceled.
	updateCtx := ctx
	if ctx.Err() != nil {
		updateCtx = context.WithoutCancel(ctx)
	}
	if err := w.deps.Jobs.UpdateJobStatus(updateCtx, jobID, status, errText); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
	}
	telemetry.ObserveJob(string(status))
}

func (w *Worker) buildBlobPath(batchID, name string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", batchID, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, batchID, name)
}

// snapshotOf picks what to store for a success: the page HTML, or the
// Markdown a reader service returned in its place.
func (w *Worker) snapshotOf(raw *extraction.RawContent) (body, ext, contentType string) {
	if raw.HTML != "" {
		return raw.HTML, ".html", w.cfg.ContentType
	}
	return raw.Markdown, ".md", markdownSnapshotType
}

// persistResult stores the snapshot of a success and writes its row.
func (w *Worker) persistResult(ctx context.Context, batchID string, res extraction.Result) error {
	record := postgres.ResultRecord{BatchID: batchID, Result: res, StoredAt: w.now()}
	if res.Success && res.Content != nil {
		snapshot, ext, contentType := w.snapshotOf(res.Content)
		if snapshot != "" && w.deps.Hasher != nil {
			hash, err := w.deps.Hasher.Hash([]byte(snapshot))
			if err != nil {
				return fmt.Errorf("hash snapshot: %w", err)
			}
			record.ContentHash = hash
			if w.deps.BlobStore != nil {
				uri, err := w.deps.BlobStore.PutObject(ctx, w.buildBlobPath(batchID, hash+ext), contentType, strings.NewReader(snapshot))
				if err != nil {
					return fmt.Errorf("put snapshot: %w", err)
				}
				record.BlobURI = uri
			}
		}
	}
	if w.deps.Results == nil {
		return nil
	}
	if err := w.deps.Results.StoreResult(ctx, record); err != nil {
		return fmt.Errorf("store result row: %w", err)
	}
	return nil
}

func (w *Worker) storeBatchResult(ctx context.Context, result extraction.BatchResult) (string, error) {
	if w.deps.BlobStore == nil {
		return "", nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal batch result: %w", err)
	}
	uri, err := w.deps.BlobStore.PutObject(ctx, w.buildBlobPath(result.BatchID, resultObjectName), resultContentType, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("put batch result: %w", err)
	}
	return uri, nil
}

func (w *Worker) publishResult(
	ctx context.Context,
	item jobs.QueueItem,
	status jobs.Status,
	result extraction.BatchResult,
	resultURI string,
) error {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return nil
	}
	note := jobs.Notification{
		JobID:      item.JobID,
		BatchID:    item.BatchID,
		Status:     status,
		Stats:      result.Stats,
		ResultURI:  resultURI,
		FinishedAt: w.now(),
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, note)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	w.logger.Info("batch notification published",
		zap.String("job_id", item.JobID),
		zap.String("batch_id", item.BatchID),
		zap.String("message_id", id),
	)
	return nil
}

func (w *Worker) now() time.Time {
	if w.deps.Clock == nil {
		return time.Now().UTC()
	}
	return w.deps.Clock.Now()
}

func contentLen(res extraction.Result) int {
	if res.Content == nil {
		return 0
	}
	return len(res.Content.Text)
}

// deriveFinalStatus maps the batch outcome onto a job status. A batch where
// every task failed is a failed job; partial failure still succeeds.
func deriveFinalStatus(ctx context.Context, result extraction.BatchResult, persistErr error) (jobs.Status, string) {
	switch {
	case ctx.Err() != nil:
		return jobs.StatusCanceled, fmt.Sprintf("batch interrupted: %v", ctx.Err())
	case persistErr != nil:
		return jobs.StatusFailed, persistErr.Error()
	case result.Stats.Total > 0 && result.Stats.Successful == 0:
		return jobs.StatusFailed, "no tasks succeeded"
	default:
		return jobs.StatusSucceeded, ""
	}
}
