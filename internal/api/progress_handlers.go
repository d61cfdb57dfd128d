package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/store"
	"github.com/JakeFAU/resilient-extractor/internal/validate"
)

const (
	defaultRunLimit        = 50
	maxRunLimit            = 500
	defaultStrategiesLimit = 100
	maxStrategiesLimit     = 1000
	progressTimeout        = 3 * time.Second
)

// badRequest marks query errors that map to 400.
type badRequest string

func (b badRequest) Error() string { return string(b) }

// ProgressHandler serves the batch progress rows written by the progress
// store sink.
type ProgressHandler struct {
	repo    store.ProgressRepository
	ids     *validate.Validator
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger.
func NewProgressHandler(repo store.ProgressRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		repo:    repo,
		ids:     validate.Default(),
		timeout: progressTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?status=&limit=&offset= and responds with
// {"runs": [...]}, newest first as ordered by the repository.
func (h *ProgressHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "list runs", func(ctx context.Context) (any, error) {
		limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
		if err != nil {
			return nil, err
		}
		status, err := parseStatus(r.URL.Query().Get("status"))
		if err != nil {
			return nil, err
		}
		runs, err := h.repo.ListBatches(ctx, status, limit, offset)
		if err != nil {
			return nil, err
		}
		out := make([]runDTO, 0, len(runs))
		for _, run := range runs {
			out = append(out, toRunDTO(run))
		}
		return map[string]any{"runs": out}, nil
	})
}

// GetRun handles GET /v1/runs/{batch_id} and responds with {"run": {...}}, or
// 404 when the batch has no progress row.
func (h *ProgressHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "get run", func(ctx context.Context) (any, error) {
		batchID, err := h.batchID(r)
		if err != nil {
			return nil, err
		}
		run, err := h.repo.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"run": toRunDTO(run)}, nil
	})
}

// ListRunStrategies handles GET /v1/runs/{batch_id}/strategies?limit=&offset=
// and responds with {"strategies": [...]}.
func (h *ProgressHandler) ListRunStrategies(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "list run strategies", func(ctx context.Context) (any, error) {
		batchID, err := h.batchID(r)
		if err != nil {
			return nil, err
		}
		limit, offset, err := parseLimitOffset(r, defaultStrategiesLimit, maxStrategiesLimit)
		if err != nil {
			return nil, err
		}
		stats, err := h.repo.ListBatchStrategies(ctx, batchID, limit, offset)
		if err != nil {
			return nil, err
		}
		out := make([]strategyDTO, 0, len(stats))
		for _, s := range stats {
			out = append(out, toStrategyDTO(s))
		}
		return map[string]any{"strategies": out}, nil
	})
}

// serve runs query under the handler timeout and maps its error: badRequest
// to 400, store.ErrNotFound to 404, anything else to 500. A missing
// repository is 503.
func (h *ProgressHandler) serve(w http.ResponseWriter, r *http.Request, op string, query func(context.Context) (any, error)) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	payload, err := query(ctx)
	var bad badRequest
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, payload)
	case errors.As(err, &bad):
		writeError(w, http.StatusBadRequest, bad.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	default:
		h.logger.Error(op+" failed",
			zap.String("batch_id", chi.URLParam(r, "batch_id")),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func (h *ProgressHandler) batchID(r *http.Request) (string, error) {
	batchID := chi.URLParam(r, "batch_id")
	if batchID == "" {
		return "", badRequest("batch_id is required")
	}
	if err := h.ids.BatchID(batchID); err != nil {
		return "", badRequest("invalid batch_id")
	}
	return batchID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, badRequest("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, badRequest("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

// parseStatus accepts the stored values plus a few aliases. Empty means no
// filter.
func parseStatus(raw string) (*store.RunStatus, error) {
	var status store.RunStatus
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return nil, nil
	case "running":
		status = store.RunRunning
	case "success", "succeeded":
		status = store.RunSuccess
	case "error", "failed", "failure":
		status = store.RunError
	default:
		return nil, badRequest("invalid status")
	}
	return &status, nil
}

type runDTO struct {
	BatchID     string     `json:"batch_id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	Status      string     `json:"status"`
	Total       int        `json:"total"`
	Successful  int        `json:"successful"`
	Failed      int        `json:"failed"`
	Detected    int        `json:"detected"`
	SuccessRate float64    `json:"success_rate"`
	Error       *string    `json:"error,omitempty"`
}

func toRunDTO(run store.BatchRun) runDTO {
	dto := runDTO{
		BatchID:     run.BatchID,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Status:      string(run.Status),
		Total:       run.Total,
		Successful:  run.Successful,
		Failed:      run.Failed,
		Detected:    run.Detected,
		SuccessRate: ratio(int64(run.Successful), int64(run.Total)),
		Error:       run.ErrorMessage,
	}
	if run.FinishedAt != nil {
		ms := run.FinishedAt.Sub(run.StartedAt).Milliseconds()
		dto.DurationMs = &ms
	}
	return dto
}

type strategyDTO struct {
	Strategy    string    `json:"strategy"`
	LastUpdate  time.Time `json:"last_update"`
	Legs        int64     `json:"legs"`
	Successes   int64     `json:"successes"`
	Misses      int64     `json:"misses"`
	Errors      int64     `json:"errors"`
	Detections  int64     `json:"detections"`
	SuccessRate float64   `json:"success_rate"`
}

func toStrategyDTO(s store.StrategyStats) strategyDTO {
	legs := s.Successes + s.Misses + s.Errors
	return strategyDTO{
		Strategy:    s.Strategy,
		LastUpdate:  s.LastUpdate,
		Legs:        legs,
		Successes:   s.Successes,
		Misses:      s.Misses,
		Errors:      s.Errors,
		Detections:  s.Detections,
		SuccessRate: ratio(s.Successes, legs),
	}
}

func ratio(n, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}
