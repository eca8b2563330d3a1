package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/orchestrator"
)

const maxTaskBytes = 1 << 20

// submitRequest is the body of POST /api/runs
type submitRequest struct {
	TaskID      string                `json:"task_id,omitempty"`
	Description string                `json:"description,omitempty"`
	Priority    orchestrator.Priority `json:"priority,omitempty"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
	Actions     []actions.Envelope    `json:"actions"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.logger.Warn("task decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	list, err := actions.DecodeAll(req.Actions)
	if err != nil {
		err = fmt.Errorf("%w: %v", orchestrator.ErrInvalidTask, err)
		writeError(w, http.StatusBadRequest, sanitizeErr(err.Error()))
		return
	}

	runID, err := s.runs.Start(orchestrator.Task{
		ID:          req.TaskID,
		Description: req.Description,
		Priority:    req.Priority,
		Metadata:    req.Metadata,
		Actions:     list,
	})
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, sanitizeErr(err.Error()))
		return
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to start run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	resp := map[string]interface{}{"run_id": runID}
	if view, ok := s.runs.GetRun(runID); ok {
		resp["state"] = view.State
		resp["task_id"] = view.Task.ID
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handleList serves GET /api/runs?state=RUNNING&limit=50, newest first
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := orchestrator.RunState(q.Get("state"))
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	all := s.runs.ListRuns()
	runs := make([]orchestrator.RunView, 0, len(all))
	for _, v := range all {
		if state == "" || v.State == state {
			runs = append(runs, v)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":         runs,
		"count":        len(runs),
		"queue_length": s.runs.QueueLength(),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, ok := s.runs.GetRun(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "pause", s.runs.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "resume", s.runs.Resume)
}

// handleStop serves POST /api/runs/{id}/stop[?immediate=true]
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	immediate, _ := strconv.ParseBool(r.URL.Query().Get("immediate"))
	s.control(w, r, "stop", func(id string) bool { return s.runs.Stop(id, immediate) })
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "cancel", s.runs.CancelQueued)
}

// control applies op and answers 404 for an unknown run and 409 when the
// run's state does not allow op.
func (s *Server) control(w http.ResponseWriter, r *http.Request, name string, op func(string) bool) {
	id := r.PathValue("id")
	before, ok := s.runs.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if !op(id) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":        name + " not allowed in current state",
			"state":        before.State,
			"pause_reason": before.PauseReason,
		})
		return
	}
	s.logger.Info("Run control applied", zap.String("run_id", id), zap.String("op", name))

	resp := map[string]interface{}{"run_id": id, "status": name + " accepted"}
	if after, ok := s.runs.GetRun(id); ok {
		resp["state"] = after.State
	}
	writeJSON(w, http.StatusOK, resp)
}
