package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fieldsync/fieldsync/schedule"
)

type createScheduleRequest struct {
	OwnerID         string `json:"owner_id"`
	TaskKind        string `json:"task_kind"`
	IntervalSeconds int    `json:"interval_seconds"`
	WindowStartHour *int   `json:"window_start_hour,omitempty"`
	WindowEndHour   *int   `json:"window_end_hour,omitempty"`
	Enabled         *bool  `json:"enabled,omitempty"`
}

type updateScheduleRequest struct {
	IntervalSeconds *int `json:"interval_seconds,omitempty"`
	WindowStartHour *int `json:"window_start_hour,omitempty"`
	WindowEndHour   *int `json:"window_end_hour,omitempty"`
	ClearWindow     bool `json:"clear_window,omitempty"`
}

// handleSchedules handles /api/schedules (GET list, POST create)
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSchedules(w, r)
	case http.MethodPost:
		s.createSchedule(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	schedules, err := s.schedules.ListByOwner(ownerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sched := &schedule.Schedule{
		OwnerID:         req.OwnerID,
		TaskKind:        req.TaskKind,
		IntervalSeconds: req.IntervalSeconds,
		WindowStartHour: req.WindowStartHour,
		WindowEndHour:   req.WindowEndHour,
		Enabled:         true,
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}

	if err := s.schedules.Create(sched); err != nil {
		writeStoreError(w, err)
		return
	}

	s.logger.Infow("Schedule created", "schedule_id", sched.ID, "owner_id", sched.OwnerID, "task_kind", sched.TaskKind)
	writeJSON(w, http.StatusCreated, sched)
}

// handleScheduleByID handles /api/schedules/{id} and its subresources:
// trigger, enable, disable, executions
func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/schedules/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, "schedule ID required")
		return
	}
	scheduleID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getSchedule(w, scheduleID)
		case http.MethodPatch:
			s.updateSchedule(w, r, scheduleID)
		case http.MethodDelete:
			s.deleteSchedule(w, scheduleID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	switch parts[1] {
	case "trigger":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.triggerSchedule(w, scheduleID)
	case "enable":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.setScheduleEnabled(w, scheduleID, true)
	case "disable":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.setScheduleEnabled(w, scheduleID, false)
	case "executions":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.listExecutions(w, r, scheduleID)
	default:
		writeError(w, http.StatusNotFound, "unknown schedule resource")
	}
}

func (s *Server) getSchedule(w http.ResponseWriter, scheduleID string) {
	sched, err := s.schedules.Get(scheduleID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request, scheduleID string) {
	var req updateScheduleRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sched, err := s.schedules.Get(scheduleID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if req.IntervalSeconds != nil {
		sched.IntervalSeconds = *req.IntervalSeconds
	}
	if req.ClearWindow {
		sched.WindowStartHour = nil
		sched.WindowEndHour = nil
	} else {
		if req.WindowStartHour != nil {
			sched.WindowStartHour = req.WindowStartHour
		}
		if req.WindowEndHour != nil {
			sched.WindowEndHour = req.WindowEndHour
		}
	}

	if err := s.schedules.Update(sched); err != nil {
		writeStoreError(w, err)
		return
	}

	s.logger.Infow("Schedule updated", "schedule_id", scheduleID)
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, scheduleID string) {
	if err := s.schedules.Delete(scheduleID); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infow("Schedule deleted", "schedule_id", scheduleID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) triggerSchedule(w http.ResponseWriter, scheduleID string) {
	if err := s.schedules.TriggerNow(scheduleID, time.Now().UTC()); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infow("Schedule triggered", "schedule_id", scheduleID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, scheduleID string, enabled bool) {
	if err := s.schedules.SetEnabled(scheduleID, enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infow("Schedule enabled state changed", "schedule_id", scheduleID, "enabled", enabled)
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": enabled})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request, scheduleID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	execs, err := s.executions.ListBySchedule(scheduleID, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": execs})
}
