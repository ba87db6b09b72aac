package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/automation-orchestrator/internal/config"
	"github.com/JakeFAU/automation-orchestrator/internal/metrics"
	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/automation-orchestrator/internal/tracker"
)

// Queue is the subset of the sequential queue the API drives.
type Queue interface {
	Enqueue(ctx context.Context, targetID, jobType string, options map[string]any) (string, error)
	Status(ctx context.Context) (orchestrator.QueueStatus, error)
	Contents(ctx context.Context) ([]orchestrator.QueueEntry, error)
	PositionOf(ctx context.Context, targetID string) (int, bool, error)
	RemoveJob(ctx context.Context, jobID string) (bool, error)
	Clear(ctx context.Context) (int64, error)
	ForceReleaseLock(ctx context.Context) error
}

// Notifier applies inbound runner notifications.
type Notifier interface {
	HandleNotification(ctx context.Context, handle, status string) (tracker.Disposition, error)
}

// Throttle decides whether a client may make another request.
type Throttle interface {
	Allow(key string) bool
}

// JobReader loads job records.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (orchestrator.JobRecord, error)
}

// Server wires HTTP handlers to the queue, tracker, and job store.
type Server struct {
	router   chi.Router
	queue    Queue
	notifier Notifier
	jobs     JobReader
	throttle Throttle
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. throttle may be nil.
func NewServer(
	queue Queue,
	notifier Notifier,
	jobs JobReader,
	throttle Throttle,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:    queue,
		notifier: notifier,
		jobs:     jobs,
		throttle: throttle,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(throttleMiddleware(throttle))
		if cfg.Webhook.Secret != "" {
			r.Use(webhookSecretMiddleware(cfg.Webhook.Secret))
		}
		r.Post("/webhooks/runner", s.runnerWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.queueStatus)
			r.Delete("/", s.clearQueue)
			r.Get("/contents", s.queueContents)
			r.Post("/jobs", s.enqueue)
			r.Delete("/jobs/{job_id}", s.removeJob)
			r.Post("/release-lock", s.releaseLock)
			r.Get("/targets/{target_id}", s.targetPosition)
		})
		r.Get("/jobs/{job_id}", s.getJob)
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

type webhookRequest struct {
	ContainerID json.RawMessage `json:"container_id"`
	Status      string          `json:"status"`
}

// runnerWebhook accepts {"container_id": ..., "status": ...}. The container id
// may arrive as a string or a number.
func (s *Server) runnerWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		metrics.ObserveNotification("malformed")
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	handle := containerID(req.ContainerID)
	if handle == "" {
		metrics.ObserveNotification("malformed")
		writeError(w, http.StatusBadRequest, "container_id is required")
		return
	}
	disposition, err := s.notifier.HandleNotification(r.Context(), handle, req.Status)
	if err != nil {
		s.logger.Warn("webhook rejected", zap.String("handle", handle), zap.String("status", req.Status), zap.Error(err))
		writeErrorFor(w, err)
		return
	}
	s.logger.Info("webhook received",
		zap.String("handle", handle),
		zap.String("status", req.Status),
		zap.String("disposition", string(disposition)),
	)
	if disposition == tracker.DispositionIgnored {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "disposition": string(disposition)})
}

func containerID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.Status(r.Context())
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) queueContents(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.Contents(r.Context())
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	if entries == nil {
		entries = []orchestrator.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": entries, "count": len(entries)})
}

type enqueueRequest struct {
	TargetID string         `json:"target_id"`
	JobType  string         `json:"job_type"`
	Options  map[string]any `json:"options"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.queue.Enqueue(r.Context(), req.TargetID, req.JobType, req.Options)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	removed, err := s.queue.RemoveJob(r.Context(), jobID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "job not queued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "removed": true})
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.Clear(r.Context())
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"keys_removed": n})
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.ForceReleaseLock(r.Context()); err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) targetPosition(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	pos, found, err := s.queue.PositionOf(r.Context(), targetID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	resp := map[string]any{"target_id": targetID, "queued": found}
	if found {
		resp["position"] = pos
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// writeErrorFor maps the error taxonomy onto HTTP status codes.
func writeErrorFor(w http.ResponseWriter, err error) {
	var (
		cfgErr  *orchestrator.ConfigurationError
		limited *orchestrator.RateLimitExceededError
	)
	switch {
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.Waited.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
