package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
	"github.com/JakeFAU/lead-enricher/internal/metrics"
)

const maxSubmitBody = 32 << 20

type submitRequest struct {
	ContactIDs []string `json:"contact_ids"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	report, err := s.deps.Submitter.Submit(r.Context(), req.ContactIDs)
	if err != nil {
		status := http.StatusInternalServerError
		if enrich.KindOf(err) == enrich.KindValidation {
			status = http.StatusBadRequest
		}
		s.logger.Warn("job submission failed", zap.Error(err), zap.String("job_id", report.JobID))
		writeError(w, status, err.Error())
		return
	}
	metrics.ObserveSubmission(report.Inserted)
	if s.deps.Controller.Start(s.deps.LoopContext) {
		s.logger.Info("controller started for new job", zap.String("job_id", report.JobID))
	}
	writeJSON(w, http.StatusAccepted, report)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	switch {
	case errors.Is(err, enrich.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case err != nil:
		s.logger.Error("load job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Progress: progressOf(job)})
}

type jobResponse struct {
	enrich.Job
	Progress float64 `json:"progress"`
}

// progressOf returns the terminal fraction of a job in [0,1].
func progressOf(job enrich.Job) float64 {
	if job.TotalItems <= 0 {
		return 0
	}
	p := float64(job.CompletedItems+job.FailedItems) / float64(job.TotalItems)
	return min(p, 1)
}

func (s *Server) controllerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Controller.Status())
}

func (s *Server) startController(w http.ResponseWriter, _ *http.Request) {
	started := s.deps.Controller.Start(s.deps.LoopContext)
	writeJSON(w, http.StatusOK, map[string]any{
		"started": started,
		"status":  s.deps.Controller.Status(),
	})
}

func (s *Server) stopController(w http.ResponseWriter, _ *http.Request) {
	stopped := s.deps.Controller.Stop()
	writeJSON(w, http.StatusOK, map[string]any{
		"stopping": stopped,
		"status":   s.deps.Controller.Status(),
	})
}

// recoverJobs runs under the loop context because recovery may start the loop.
func (s *Server) recoverJobs(w http.ResponseWriter, _ *http.Request) {
	report, err := s.deps.Controller.RecoverStaleJobs(s.deps.LoopContext)
	if err != nil {
		s.logger.Error("recover stale jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) providerStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "provider stats unavailable")
		return
	}
	stats, err := s.deps.Stats.ListProviderStats(r.Context())
	if err != nil {
		s.logger.Error("list provider stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list provider stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": stats})
}
