package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"plate-solver-service/internal/domain"
	"plate-solver-service/internal/domain/model"
	"plate-solver-service/internal/usecase"

	"github.com/go-chi/chi/v5"
)

const version = "2.0.0"

// multipartMemory is the in-memory threshold for multipart parsing; larger
// uploads spill to disk before the usecase streams them to the scratch dir.
const multipartMemory = 32 << 20

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No file selected")
		return
	}

	opts := parseOptions(r)
	job, pos, err := s.jobUC.Submit(r.Context(), header.Filename, file, opts)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid file. Allowed: %s", strings.Join(usecase.AllowedExtensions(), ", ")))
		case errors.Is(err, domain.ErrPayloadTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		default:
			s.log.Error().Err(err).Msg("submit failed")
			writeError(w, http.StatusInternalServerError, "Failed to queue job")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"job_id":         job.ID,
		"status":         string(job.Status),
		"queue_position": pos,
		"message":        fmt.Sprintf("Job queued. Poll GET /job/%s for results.", job.ID),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, pos, err := s.jobUC.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found or expired")
			return
		}
		s.log.Error().Err(err).Str("job_id", id).Msg("get job failed")
		writeError(w, http.StatusInternalServerError, "Failed to read job")
		return
	}

	resp := map[string]any{
		"job_id":     job.ID,
		"status":     string(job.Status),
		"created_at": job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"filename":   job.Filename,
	}
	if job.StartedAt != nil {
		resp["started_at"] = job.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if job.CompletedAt != nil {
		resp["completed_at"] = job.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if job.Status == model.JobStatusQueued && pos > 0 {
		resp["queue_position"] = pos
	}
	// Terminal records carry the full result, merged into the top level.
	if job.Result != nil && job.Status.Terminal() {
		mergeResult(resp, job.Result)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.jobUC.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "Job not found")
		case errors.Is(err, domain.ErrInvalidState):
			writeError(w, http.StatusBadRequest, "Can only cancel queued jobs")
		default:
			s.log.Error().Err(err).Str("job_id", id).Msg("cancel failed")
			writeError(w, http.StatusInternalServerError, "Failed to cancel job")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job_id":  id,
		"status":  string(model.JobStatusCancelled),
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobUC.QueueStatus(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("queue status failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Keep the member list JSON-friendly when empty.
	members := st.ProcessingJobs
	if members == nil {
		members = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":          st.Queued,
		"processing":      st.Processing,
		"processing_jobs": members,
		"max_concurrent":  st.MaxConcurrent,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.jobUC.Health(r.Context())
	if h.Healthy() {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "healthy",
			"astap":    s.jobUC.SolverCLI(),
			"database": s.jobUC.DataDir(),
			"redis":    "connected",
		})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":          "unhealthy",
		"astap_exists":    h.SolverPresent,
		"database_exists": h.DatabasePresent,
		"redis_connected": h.StoreConnected,
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "Plate Solver API",
		"version": version,
		"endpoints": map[string]string{
			"GET /health":      "Health check",
			"GET /queue":       "Queue status",
			"POST /solve":      "Submit image for plate solving (returns job_id)",
			"GET /job/{id}":    "Get job status and results",
			"DELETE /job/{id}": "Cancel a queued job",
			"GET /metrics":     "Prometheus metrics",
		},
		"supported_formats":   usecase.AllowedExtensions(),
		"max_concurrent_jobs": s.jobUC.MaxConcurrent(),
		"job_expiry_hours":    s.jobUC.Retention().Hours(),
	})
}

// parseOptions extracts the numeric solver hints from the form. Values that
// do not parse are ignored rather than rejected; ra and dec only count as a
// hint together.
func parseOptions(r *http.Request) model.SolveOptions {
	var opts model.SolveOptions
	if v, err := strconv.ParseFloat(r.FormValue("fov"), 64); err == nil {
		opts.FOV = &v
	}
	ra, errRA := strconv.ParseFloat(r.FormValue("ra"), 64)
	dec, errDec := strconv.ParseFloat(r.FormValue("dec"), 64)
	if errRA == nil && errDec == nil {
		opts.RA = &ra
		opts.Dec = &dec
	}
	if v, err := strconv.Atoi(r.FormValue("downsample")); err == nil {
		opts.Downsample = &v
	}
	return opts
}

// mergeResult flattens the terminal result into the job response, matching
// the shape pollers receive while the result JSON is also stored verbatim.
func mergeResult(resp map[string]any, res *model.SolveResult) {
	b, err := json.Marshal(res)
	if err != nil {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return
	}
	for k, v := range fields {
		resp[k] = v
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}
