package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deckgen/pipeline/internal/broker"
	"github.com/deckgen/pipeline/internal/jobs"
	"github.com/deckgen/pipeline/internal/logger"
	"github.com/deckgen/pipeline/internal/metrics"
)

// Bus is the publishing half of the dispatch core, as seen by the API.
type Bus interface {
	Publish(ctx context.Context, routingKey string, msg any) error
}

type ctxKey string

const correlationKey ctxKey = "correlation_id"

func AddRoutes(mux *http.ServeMux, store jobs.JobStore, machine *jobs.Machine, bus Bus) {
	mux.HandleFunc("/jobs", correlationMiddleware(handleJobs(store, bus)))
	mux.HandleFunc("/jobs/", correlationMiddleware(handleJobByID(store, machine, bus)))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", HandleHealth)
	mux.HandleFunc("/health/ready", HandleReadiness)
	mux.HandleFunc("/health/live", HandleLiveness)
}

func correlationMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), correlationKey, correlationID)
		next(w, r.WithContext(ctx))
	}
}

func getCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	return ""
}

func handleJobs(store jobs.JobStore, bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := getCorrelationID(r.Context())
		log := logger.WithCorrelationID(correlationID)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Received request")

		switch r.Method {
		case http.MethodGet:
			handleListJobs(w, r, store, correlationID)
		case http.MethodPost:
			handleCreateJob(w, r, store, bus, correlationID)
		case http.MethodDelete:
			handleDeleteJobs(w, r, store, correlationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleJobByID(store jobs.JobStore, machine *jobs.Machine, bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/jobs/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "Job ID is required")
			return
		}
		correlationID := getCorrelationID(r.Context())

		if id, ok := strings.CutSuffix(path, "/retry"); ok {
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}
			handleRetryJob(w, r, strings.TrimSuffix(id, "/"), machine, bus, correlationID)
			return
		}

		switch r.Method {
		case http.MethodGet:
			handleGetJob(w, path, store, correlationID)
		case http.MethodDelete:
			handleDeleteJob(w, path, store, correlationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

type createJobRequest struct {
	SourceFilename string   `json:"source_filename"`
	SourceFilePath string   `json:"source_file_path"`
	PageStart      *int     `json:"page_start,omitempty"`
	PageEnd        *int     `json:"page_end,omitempty"`
	CardDensity    string   `json:"card_density,omitempty"`
	Subject        string   `json:"subject,omitempty"`
	CustomTags     []string `json:"custom_tags,omitempty"`
}

func handleCreateJob(w http.ResponseWriter, r *http.Request, store jobs.JobStore, bus Bus, correlationID string) {
	log := logger.WithCorrelationID(correlationID)

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error().Err(err).Msg("Invalid JSON request")
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if req.SourceFilename == "" {
		log.Warn().Msg("Source filename missing")
		writeError(w, http.StatusBadRequest, "source_filename is required")
		return
	}

	job := jobs.New(req.SourceFilename, req.SourceFilePath)
	job.PageStart = req.PageStart
	job.PageEnd = req.PageEnd
	if req.CardDensity != "" {
		job.CardDensity = req.CardDensity
	}
	job.Subject = req.Subject
	job.CustomTags = req.CustomTags

	if err := store.CreateJob(job); err != nil {
		log.Error().Err(err).Msg("Failed to create job")
		writeError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	route, err := broker.RouteForStage(1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to route job")
		return
	}
	if err := bus.Publish(r.Context(), route, &broker.WorkMessage{JobID: job.ID, Stage: 1}); err != nil {
		// The job record exists but never entered the pipeline; remove it
		// so the caller can resubmit without a stuck pending job.
		store.DeleteJob(job.ID)
		log.Error().Err(err).Msg("Failed to dispatch job")
		writeError(w, http.StatusServiceUnavailable, "Failed to dispatch job")
		return
	}

	metrics.JobsSubmittedTotal.Inc()
	log.Info().Str("job_id", job.ID).Msg("Job submitted")
	writeJSON(w, http.StatusCreated, job)
}

func handleListJobs(w http.ResponseWriter, r *http.Request, store jobs.JobStore, correlationID string) {
	log := logger.WithCorrelationID(correlationID)

	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, total, err := store.ListJobs(filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list jobs")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  list,
		"count": total,
	})
}

func handleGetJob(w http.ResponseWriter, jobID string, store jobs.JobStore, correlationID string) {
	log := logger.WithCorrelationID(correlationID)

	job, err := store.GetJob(jobID)
	if err != nil {
		log.Warn().Str("job_id", jobID).Msg("Job not found")
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func handleDeleteJob(w http.ResponseWriter, jobID string, store jobs.JobStore, correlationID string) {
	log := logger.WithCorrelationID(correlationID)

	job, err := store.GetJob(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if job.Status == jobs.StatusProcessing {
		// A worker owns the active stage; deleting under it would orphan
		// the unacknowledged message.
		writeError(w, http.StatusConflict, "Job is still being processed")
		return
	}

	if err := store.DeleteJob(jobID); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to delete job")
		writeError(w, http.StatusInternalServerError, "Failed to delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleDeleteJobs(w http.ResponseWriter, r *http.Request, store jobs.JobStore, correlationID string) {
	log := logger.WithCorrelationID(correlationID)

	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	for _, id := range req.IDs {
		job, err := store.GetJob(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "Job not found: "+id)
			return
		}
		if job.Status == jobs.StatusProcessing {
			writeError(w, http.StatusConflict, "Job is still being processed: "+id)
			return
		}
	}

	if err := store.DeleteJobs(req.IDs); err != nil {
		log.Error().Err(err).Msg("Failed to delete jobs")
		writeError(w, http.StatusInternalServerError, "Failed to delete jobs")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleRetryJob(w http.ResponseWriter, r *http.Request, jobID string, machine *jobs.Machine, bus Bus, correlationID string) {
	log := logger.WithCorrelationID(correlationID)

	job, stage, err := machine.ResetForRetry(jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	route, err := broker.RouteForStage(stage)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to route retry")
		return
	}
	// Fresh retry budget: the redelivery counter restarts with the new
	// message.
	if err := bus.Publish(r.Context(), route, &broker.WorkMessage{JobID: job.ID, Stage: stage}); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to dispatch retry")
		writeError(w, http.StatusServiceUnavailable, "Failed to dispatch retry")
		return
	}

	log.Info().Str("job_id", jobID).Int("stage", stage).Msg("Job retry dispatched")
	writeJSON(w, http.StatusOK, job)
}

func parseListFilter(r *http.Request) (jobs.ListFilter, error) {
	q := r.URL.Query()
	filter := jobs.ListFilter{
		Status:    jobs.Status(q.Get("status")),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}

	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return filter, errBadParam("page")
		}
		filter.Page = page
	}
	if v := q.Get("page_size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 {
			return filter, errBadParam("page_size")
		}
		filter.PageSize = size
	}

	switch filter.SortBy {
	case "", jobs.SortByDate, jobs.SortByStatus, jobs.SortByName:
	default:
		return filter, errBadParam("sort_by")
	}
	switch filter.SortOrder {
	case "", jobs.SortAsc, jobs.SortDesc:
	default:
		return filter, errBadParam("sort_order")
	}
	return filter, nil
}

func errBadParam(name string) error {
	return fmt.Errorf("invalid %s parameter", name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
