package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/breaker"
	"github.com/JakeFAU/resilient-extractor/internal/config"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/jobs"
	"github.com/JakeFAU/resilient-extractor/internal/policy/ratelimit"
	"github.com/JakeFAU/resilient-extractor/internal/pool"
	"github.com/JakeFAU/resilient-extractor/internal/telemetry"
)

const (
	requestTimeout = 10 * time.Minute
	enqueueTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// Extractor validates and runs batches.
type Extractor interface {
	Validate(batchID string, raw []extraction.RawTask) ([]extraction.Task, error)
	Run(ctx context.Context, batchID string, raw []extraction.RawTask) (extraction.BatchResult, error)
}

// Enqueuer accepts async batch jobs. *dispatcher.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, item jobs.QueueItem) error
}

// BatchIDGenerator produces job and batch identifiers.
type BatchIDGenerator interface {
	NewID() (string, error)
	NewBatchID() (string, error)
}

// BreakerSource lists breaker snapshots. *breaker.Registry satisfies it.
type BreakerSource interface {
	States() []breaker.State
}

// InstanceStats reports the browser instance limiter.
type InstanceStats struct {
	Cap      int `json:"cap"`
	InFlight int `json:"in_flight"`
	Peak     int `json:"peak"`
}

// Resources is the /v1/pool payload. Absent components are omitted.
type Resources struct {
	Pool      *pool.Stats      `json:"pool,omitempty"`
	Instances *InstanceStats   `json:"instances,omitempty"`
	RateLimit *ratelimit.Stats `json:"rate_limit,omitempty"`
}

// ResourceSource reports pool and limiter occupancy.
type ResourceSource interface {
	Resources() Resources
}

// Deps groups the server's collaborators. Breakers, Resources, Progress and
// Ready are optional.
type Deps struct {
	Extractor  Extractor
	Jobs       jobs.Store
	Dispatcher Enqueuer
	IDs        BatchIDGenerator
	Clock      jobs.Clock
	Breakers   BreakerSource
	Resources  ResourceSource
	Progress   *ProgressHandler
	// Ready is consulted by /readyz.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Server wires HTTP handlers to the extractor, dispatcher and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Use(timeoutMiddleware(requestTimeout))
		r.Post("/extract", s.extract)
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.submitBatch)
			r.Get("/{job_id}", s.getBatchJob)
		})
		r.Get("/breakers", s.breakers)
		r.Get("/pool", s.resources)
		if deps.Progress != nil {
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", deps.Progress.ListRuns)
				r.Get("/{batch_id}", deps.Progress.GetRun)
				r.Get("/{batch_id}/strategies", deps.Progress.ListRunStrategies)
			})
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type batchRequest struct {
	BatchID string               `json:"batch_id"`
	Tasks   []extraction.RawTask `json:"tasks"`
}

func (s *Server) decodeBatch(w http.ResponseWriter, r *http.Request) (batchRequest, bool) {
	var req batchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	if req.BatchID == "" {
		id, err := s.deps.IDs.NewBatchID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return req, false
		}
		req.BatchID = id
	}
	return req, true
}

func (s *Server) extract(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	result, err := s.deps.Extractor.Run(r.Context(), req.BatchID, req.Tasks)
	if err != nil {
		writeBatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	tasks, err := s.deps.Extractor.Validate(req.BatchID, req.Tasks)
	if err != nil {
		writeBatchError(w, err)
		return
	}
	jobID, err := s.enqueueJob(r.Context(), req.BatchID, tasks)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   jobID,
		"batch_id": req.BatchID,
		"tasks":    len(tasks),
	})
}

func (s *Server) getBatchJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) breakers(w http.ResponseWriter, _ *http.Request) {
	states := []breaker.State{}
	if s.deps.Breakers != nil {
		states = append(states, s.deps.Breakers.States()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": states})
}

func (s *Server) resources(w http.ResponseWriter, _ *http.Request) {
	var res Resources
	if s.deps.Resources != nil {
		res = s.deps.Resources.Resources()
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) enqueueJob(ctx context.Context, batchID string, tasks []extraction.Task) (string, error) {
	jobID, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.deps.Clock.Now()
	job := jobs.Job{
		ID:        jobID,
		BatchID:   batchID,
		Status:    jobs.StatusQueued,
		Submitted: now,
		TaskCount: len(tasks),
	}
	if err := s.deps.Jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := jobs.QueueItem{
		JobID:     jobID,
		BatchID:   batchID,
		Tasks:     tasks,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.deps.Dispatcher.Enqueue(queueCtx, item); err != nil {
		if updateErr := s.deps.Jobs.UpdateJobStatus(ctx, jobID, jobs.StatusFailed, err.Error()); updateErr != nil {
			s.logger.Error("mark unqueued job failed", zap.String("job_id", jobID), zap.Error(updateErr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	telemetry.ObserveJob(string(jobs.StatusQueued))
	return jobID, nil
}

func writeBatchError(w http.ResponseWriter, err error) {
	var verr *extraction.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
