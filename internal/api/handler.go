package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetpush/internal/db"
	"fleetpush/internal/fleet"
	"fleetpush/internal/metrics"
	"fleetpush/internal/orchestrator"
	"fleetpush/internal/push"
)

// JobStore defines the interface for job database reads
type JobStore interface {
	GetJob(ctx context.Context, id string) (*fleet.Job, error)
	ListJobsBySite(ctx context.Context, siteID string, limit, offset int) ([]*fleet.Job, error)
}

// Dispatcher accepts jobs for background processing
type Dispatcher interface {
	Submit(ctx context.Context, job *fleet.Job) error
	Stats() orchestrator.Stats
}

// JobRequest represents the incoming request body
type JobRequest struct {
	Action      string          `json:"action"`
	SiteID      string          `json:"site_id"`
	Segment     string          `json:"segment,omitempty"`
	Priority    int             `json:"priority"`
	Title       string          `json:"title,omitempty"`
	Body        string          `json:"body,omitempty"`
	TTLSeconds  int             `json:"ttl_seconds,omitempty"`
	CollapseKey string          `json:"collapse_key,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// JobResponse is returned after creating a job
type JobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// StatusResponse aggregates dispatcher and provider state for /v1/status
type StatusResponse struct {
	Dispatcher orchestrator.Stats `json:"dispatcher"`
	Providers  []push.Info        `json:"providers"`
	Platforms  []string           `json:"platforms_available"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	store      JobStore
	dispatcher Dispatcher
	registry   *push.Registry
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, store JobStore, dispatcher Dispatcher, registry *push.Registry) *Handler {
	return &Handler{
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		registry:   registry,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Action == "" || req.SiteID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "action and site_id are required")
		return
	}

	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be valid JSON")
		return
	}

	if req.Priority < 0 || req.Priority > 3 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority", "priority must be between 0 (low) and 3 (critical)")
		return
	}

	job := &fleet.Job{
		ID:          uuid.New().String(),
		Action:      req.Action,
		SiteID:      req.SiteID,
		Segment:     req.Segment,
		Priority:    req.Priority,
		Title:       req.Title,
		Body:        req.Body,
		TTLSeconds:  req.TTLSeconds,
		CollapseKey: req.CollapseKey,
		Payload:     req.Payload,
	}

	if err := h.dispatcher.Submit(ctx, job); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrDuplicateJob):
			h.writeError(w, http.StatusConflict, "duplicate_job", "Duplicate job", "a job with the same collapse key is already pending for this target")
		case errors.Is(err, orchestrator.ErrQueueFull):
			// The job row exists; the caller can poll it while a worker
			// slot frees up.
			w.Header().Set("Retry-After", "5")
			h.writeJSON(w, http.StatusAccepted, JobResponse{ID: job.ID, Status: string(job.Status)})
		case errors.Is(err, orchestrator.ErrNotRunning):
			h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Dispatcher stopped", "the job dispatcher is not accepting work")
		default:
			h.logger.Error("job submission failed", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create job", "")
		}
		return
	}

	metrics.RecordJobSubmitted(job.Action)

	h.writeJSON(w, http.StatusAccepted, JobResponse{ID: job.ID, Status: string(job.Status)})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid job id", "id must be a valid UUID")
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
			return
		}
		h.logger.Error("job lookup failed", zap.String("job_id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to fetch job", "")
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /v1/jobs?site_id=...
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	siteID := r.URL.Query().Get("site_id")
	if siteID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing site_id", "site_id query parameter is required")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 200 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid offset", "offset must be non-negative")
			return
		}
		offset = n
	}

	jobs, err := h.store.ListJobsBySite(r.Context(), siteID, limit, offset)
	if err != nil {
		h.logger.Error("job list failed", zap.String("site_id", siteID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list jobs", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// Status handles GET /v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Dispatcher: h.dispatcher.Stats(),
	}
	if h.registry != nil {
		resp.Providers = h.registry.Info()
		resp.Platforms = h.registry.Available()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
