package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/admission"
	"github.com/JakeFAU/media-job-server/internal/id/uuid"
	"github.com/JakeFAU/media-job-server/internal/job"
	"github.com/JakeFAU/media-job-server/internal/metrics"
)

const defaultMaxBodyBytes = 1 << 20

// Route binds an HTTP path to an operation.
type Route struct {
	Path      string
	Operation string
}

// DefaultRoutes lists the job submission endpoints.
var DefaultRoutes = []Route{
	{Path: "/v1/audio/smart-cut", Operation: "audio.smart_cut"},
	{Path: "/v1/audio/probe", Operation: "audio.probe"},
	{Path: "/v1/audio/merge_tracks", Operation: "audio.merge_tracks"},
	{Path: "/v1/video/concatenate", Operation: "video.concatenate"},
	{Path: "/v1/ffmpeg/compose", Operation: "ffmpeg.compose"},
}

// Admitter places requests on the queue.
type Admitter interface {
	Submit(ctx context.Context, req job.Request) (*job.Job, error)
	Snapshot() admission.Snapshot
}

// HandlerLookup resolves the handler for an operation.
type HandlerLookup interface {
	Lookup(op string) (job.Handler, error)
}

// JobStore exposes in-flight jobs.
type JobStore interface {
	Get(jobID string) (job.Snapshot, error)
	Remove(jobID string)
}

// Config holds HTTP-level settings.
type Config struct {
	AuthEnabled  bool
	APIKey       string
	MaxBodyBytes int64
	Routes       []Route
	// Ready reports whether downstream dependencies can take traffic.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to admission and the in-flight store.
type Server struct {
	router    chi.Router
	admission Admitter
	handlers  HandlerLookup
	jobs      JobStore
	cfg       Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(adm Admitter, handlers HandlerLookup, jobs JobStore, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Routes == nil {
		cfg.Routes = DefaultRoutes
	}
	s := &Server{
		admission: adm,
		handlers:  handlers,
		jobs:      jobs,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		for _, route := range cfg.Routes {
			r.Post(route.Path, s.submit(route.Operation))
		}
		r.Get("/v1/jobs/{job_id}", s.getJob)
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
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !uuid.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found", nil)
		return
	}
	snap, err := s.jobs.Get(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// commonFields are read before the operation-specific decode.
type commonFields struct {
	WebhookURL string `json:"webhook_url"`
	ID         string `json:"id"`
}

// ackEnvelope acknowledges an asynchronous submission.
type ackEnvelope struct {
	Code           int     `json:"code"`
	ID             *string `json:"id"`
	JobID          string  `json:"job_id"`
	Message        string  `json:"message"`
	QueueID        int64   `json:"queue_id"`
	QueueLength    int     `json:"queue_length"`
	MaxQueueLength int     `json:"max_queue_length"`
}

func (s *Server) submit(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to read request body", nil)
			return
		}
		var common commonFields
		if err := json.Unmarshal(raw, &common); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err), nil)
			return
		}
		callerID := optional(common.ID)

		// Shed load before Prepare touches files or spawns ffprobe. Submit
		// repeats the check under the admission lock.
		if snap := s.admission.Snapshot(); snap.Full() {
			metrics.ObserveAdmission("rejected")
			writeCapacityError(w, &admission.CapacityError{Length: snap.Length, Limit: snap.Capacity}, callerID)
			return
		}

		h, err := s.handlers.Lookup(op)
		if err != nil {
			s.logger.Error("no handler for route", zap.String("operation", op), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error(), callerID)
			return
		}
		params, err := h.Prepare(r.Context(), raw)
		if err != nil {
			jerr := job.AsError(err)
			writeError(w, jerr.Code, jerr.Error(), callerID)
			return
		}

		j, err := s.admission.Submit(r.Context(), job.Request{
			Operation:  op,
			Endpoint:   r.URL.Path,
			Params:     params,
			CallerID:   common.ID,
			WebhookURL: common.WebhookURL,
		})
		var capErr *admission.CapacityError
		switch {
		case errors.As(err, &capErr):
			writeCapacityError(w, capErr, callerID)
			return
		case err != nil:
			s.logger.Error("admission failed", zap.String("operation", op), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to queue job", callerID)
			return
		}

		if j.Request.Async() {
			snap := s.admission.Snapshot()
			writeJSON(w, http.StatusAccepted, ackEnvelope{
				Code:           http.StatusAccepted,
				ID:             callerID,
				JobID:          j.ID,
				Message:        "processing",
				QueueID:        j.QueueID,
				QueueLength:    snap.Length,
				MaxQueueLength: snap.Capacity,
			})
			return
		}
		s.awaitResult(w, r, j)
	}
}

// awaitResult blocks a synchronous caller until the job is terminal. If the
// caller goes away first the job still runs and is released when it ends.
func (s *Server) awaitResult(w http.ResponseWriter, r *http.Request, j *job.Job) {
	select {
	case <-j.Done():
		env := j.Snapshot().Envelope(s.admission.Snapshot().Length)
		s.jobs.Remove(j.ID)
		writeJSON(w, env.Code, env)
	case <-r.Context().Done():
		s.logger.Info("caller left before job finished", zap.String("job_id", j.ID))
		go func() {
			<-j.Done()
			s.jobs.Remove(j.ID)
		}()
	}
}

func writeCapacityError(w http.ResponseWriter, capErr *admission.CapacityError, id *string) {
	writeJSON(w, http.StatusTooManyRequests, job.ErrorEnvelope{
		Code:           http.StatusTooManyRequests,
		Message:        capErr.Error(),
		ID:             id,
		QueueLength:    &capErr.Length,
		MaxQueueLength: &capErr.Limit,
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, id *string) {
	writeJSON(w, status, job.ErrorEnvelope{Code: status, Message: msg, ID: id})
}
