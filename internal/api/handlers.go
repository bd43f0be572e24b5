package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dokzlo13/devsync/internal/device"
	"github.com/dokzlo13/devsync/internal/manager"
)

const (
	defaultCommandLimit = 50
	maxCommandLimit     = 500
	maxBodySize         = 1 << 16
)

type ctxKey struct{}

// FamilyInfo describes one family in listings and readiness reports.
type FamilyInfo struct {
	device.Family
	Status  string `json:"status"`
	Devices int    `json:"devices"`
}

// DeviceView is a descriptor with whatever state is cached for it.
type DeviceView struct {
	device.Descriptor
	State *device.State `json:"state,omitempty"`
}

// CommandAccepted is returned for debounced commands.
type CommandAccepted struct {
	CommandID string `json:"command_id"`
	DeviceID  string `json:"device_id"`
	Kind      string `json:"kind"`
}

func (s *Server) familyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "family")
		m, ok := s.managers[name]
		if !ok {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("unknown family %q", name))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, m)))
	})
}

func managerFrom(r *http.Request) *manager.Manager {
	return r.Context().Value(ctxKey{}).(*manager.Manager)
}

func (s *Server) familyInfos() []FamilyInfo {
	out := make([]FamilyInfo, 0, len(s.order))
	for _, name := range s.order {
		m := s.managers[name]
		out = append(out, FamilyInfo{
			Family:  m.Family(),
			Status:  m.Status().String(),
			Devices: len(m.Devices()),
		})
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady answers 503 until every family has completed discovery.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := true
	for _, m := range s.managers {
		if !m.Ready() {
			ready = false
			break
		}
	}

	status, label := http.StatusOK, "ready"
	if !ready {
		status, label = http.StatusServiceUnavailable, "not_ready"
	}
	writeJSON(w, status, map[string]any{
		"status":   label,
		"families": s.familyInfos(),
	})
}

func (s *Server) handleListFamilies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.familyInfos())
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	m := managerFrom(r)
	devices := m.Devices()

	out := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		view := DeviceView{Descriptor: d}
		if st, ok := m.CachedState(d.ID); ok {
			view.State = &st
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	m := managerFrom(r)
	id := chi.URLParam(r, "id")

	d, ok := m.Device(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("device %q not found", id))
		return
	}
	view := DeviceView{Descriptor: d}
	if st, ok := m.CachedState(id); ok {
		view.State = &st
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := managerFrom(r).DeviceState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleTurnOn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmdID, err := managerFrom(r).TurnOn(id)
	writeCommand(w, id, "power", cmdID, err)
}

func (s *Server) handleTurnOff(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmdID, err := managerFrom(r).TurnOff(id)
	writeCommand(w, id, "power", cmdID, err)
}

func (s *Server) handleSetColor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var hsv device.HSV
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&hsv); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid body: "+err.Error())
		return
	}

	cmdID, err := managerFrom(r).SetColor(id, hsv)
	writeCommand(w, id, "color", cmdID, err)
}

func writeCommand(w http.ResponseWriter, id, kind, cmdID string, err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, CommandAccepted{CommandID: cmdID, DeviceID: id, Kind: kind})
}

func (s *Server) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	m := managerFrom(r)
	id := chi.URLParam(r, "id")
	if _, ok := m.Device(id); !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("device %q not found", id))
		return
	}
	m.Invalidate(id)
	w.WriteHeader(http.StatusAccepted)
}

// handleRefreshFamily reloads the device list, then asks for a poll tick.
func (s *Server) handleRefreshFamily(w http.ResponseWriter, r *http.Request) {
	m := managerFrom(r)
	devices, err := m.FetchDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, ErrCodeUnavailable, err.Error())
		return
	}
	m.Refresh()
	writeJSON(w, http.StatusOK, devices)
}

// handleGetEnergy reads the plug. With ?cached=true the last reading is
// served when there is one.
func (s *Server) handleGetEnergy(w http.ResponseWriter, r *http.Request) {
	m := managerFrom(r)
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("cached") == "true" {
		if e, ok := m.LastEnergy(id); ok {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}
	e, err := m.Energy(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleInvalidateEnergy(w http.ResponseWriter, r *http.Request) {
	m := managerFrom(r)
	id := chi.URLParam(r, "id")
	if _, ok := m.Device(id); !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("device %q not found", id))
		return
	}
	m.InvalidateEnergy(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "state snapshots are disabled")
		return
	}
	snaps, err := s.snapshots.All(managerFrom(r).Family().Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "command history is disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	entries, err := s.history.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDeviceCommands(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "command history is disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	entries, err := s.history.ForDevice(managerFrom(r).Family().Name, chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultCommandLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxCommandLimit {
		n = maxCommandLimit
	}
	return n, nil
}
