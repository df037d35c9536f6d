package server

import (
	"net/http"

	"github.com/fieldsync/fieldsync/batch"
)

type submitBatchRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Jobs           []batch.JobSpec `json:"jobs"`
}

type submitBatchResponse struct {
	Batch *batch.Batch `json:"batch"`
	Jobs  []*batch.Job `json:"jobs"`
}

// handleBatches handles /api/batches (POST submit)
func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req submitBatchRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	b, jobs, err := s.queue.Submit(req.IdempotencyKey, req.Jobs)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.logger.Infow("Batch submitted", "batch_id", b.ID, "jobs", len(jobs))
	writeJSON(w, http.StatusCreated, submitBatchResponse{Batch: b, Jobs: jobs})
}

// handleBatchByID handles /api/batches/{id} and its subresources:
// pause, resume, cancel, progress
func (s *Server) handleBatchByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/batches/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, "batch ID required")
		return
	}
	batchID := parts[0]

	if len(parts) == 1 || parts[1] == "progress" {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		progress, err := s.queue.GetProgress(batchID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, progress)
		return
	}

	switch parts[1] {
	case "pause":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.batchControl(w, batchID, "paused", s.queue.Pause)
	case "resume":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.batchControl(w, batchID, "resumed", s.queue.Resume)
	case "cancel":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.batchControl(w, batchID, "cancelled", s.queue.CancelBatch)
	default:
		writeError(w, http.StatusNotFound, "unknown batch resource")
	}
}

func (s *Server) batchControl(w http.ResponseWriter, batchID, action string, fn func(string) error) {
	if err := fn(batchID); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infow("Batch state changed", "batch_id", batchID, "action", action)
	writeJSON(w, http.StatusOK, map[string]string{"status": action})
}

// handleJobByID handles /api/jobs/{id} (GET) and /api/jobs/{id}/cancel (POST)
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, "job ID required")
		return
	}
	jobID := parts[0]

	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		job, err := s.queue.GetJob(jobID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}

	if parts[1] != "cancel" {
		writeError(w, http.StatusNotFound, "unknown job resource")
		return
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.queue.CancelJob(jobID); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infow("Job cancel requested", "job_id", jobID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
