package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dokzlo13/devsync/internal/scheduler"
)

// scheduleRequest is the body of PUT /api/schedules/{id}.
type scheduleRequest struct {
	Family   string           `json:"family"`
	DeviceID string           `json:"device_id"`
	Action   scheduler.Action `json:"action"`
	At       string           `json:"at"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "scheduler is disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.schedules.List())
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "scheduler is disabled")
		return
	}

	var req scheduleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid body: "+err.Error())
		return
	}

	saved, err := s.schedules.Put(scheduler.Schedule{
		ID:       chi.URLParam(r, "id"),
		Family:   req.Family,
		DeviceID: req.DeviceID,
		Action:   req.Action,
		At:       req.At,
	})
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "scheduler is disabled")
		return
	}
	if err := s.schedules.Cancel(chi.URLParam(r, "id")); err != nil {
		writeScheduleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeScheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrInvalid):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, scheduler.ErrUnknownFamily), errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
