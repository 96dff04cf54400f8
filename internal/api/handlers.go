package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vantagesec/scand/internal/middleware"
	"github.com/vantagesec/scand/internal/orchestrator"
	"github.com/vantagesec/scand/internal/scan"
	"github.com/vantagesec/scand/internal/store"
)

// submitRequest is the POST /scan body.
type submitRequest struct {
	Target       string `json:"target"`
	Ports        string `json:"ports"`
	AllowPrivate bool   `json:"allow_private,omitempty"`
}

// submitResponse acknowledges an accepted task. The task ID doubles as
// the scan ID on the event stream.
type submitResponse struct {
	TaskID  string `json:"task_id"`
	ScanID  string `json:"scan_id"`
	State   string `json:"state"`
	Warning string `json:"warning,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Target == "" || req.Ports == "" {
		writeError(w, http.StatusBadRequest, "target and ports are required")
		return
	}

	// Input validation happens synchronously so bad requests come back as
	// 400 instead of a failed task.
	if _, err := scan.ParseTarget(req.Target, req.AllowPrivate, s.cfg.PrivateWhitelist); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	ports, err := scan.ParsePortSpec(req.Ports)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if s.cfg.PortLimit > 0 && ports.Len() > s.cfg.PortLimit {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("%d ports exceeds the per-scan limit of %d", ports.Len(), s.cfg.PortLimit))
		return
	}

	clientID := middleware.ClientID(r.Context())

	// Large port sets are accepted but flagged, so a fat-fingered range
	// shows up in the response and the log rather than silently running.
	var warning string
	if s.cfg.PortWarnThreshold > 0 && ports.Len() > s.cfg.PortWarnThreshold {
		warning = fmt.Sprintf("scanning %d ports (above the advisory threshold of %d); expect a longer run",
			ports.Len(), s.cfg.PortWarnThreshold)
		s.logger.Printf("client %s submitted %d ports (warn threshold %d)", clientID, ports.Len(), s.cfg.PortWarnThreshold)
	}

	if err := s.coord.Admit(r.Context(), clientID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	// Admission already happened above; the run only reserves its
	// concurrency slot.
	taskID, err := s.registry.Submit(r.Context(), orchestrator.Request{
		ClientID:      clientID,
		Target:        req.Target,
		PortSpec:      req.Ports,
		AllowPrivate:  req.AllowPrivate,
		SkipAdmission: true,
	})
	if err != nil {
		s.logger.Printf("submit failed for %s: %v", clientID, err)
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:  taskID,
		ScanID:  taskID,
		State:   string(store.StatePending),
		Warning: warning,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	task, err := s.registry.Status(r.Context(), taskID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	if err := s.registry.Cancel(taskID); err != nil {
		writeError(w, statusFor(err), "no running task with that ID")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"state":   "cancelling",
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := s.registry.List(r.Context(), middleware.ClientID(r.Context()), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleResetClient clears a client's violation history and cooldown.
func (s *Server) handleResetClient(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	if err := s.coord.ResetViolations(r.Context(), clientID); err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_id": clientID, "state": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
