package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
)

// approvalDecisionRequest is the expected payload for approval decisions.
type approvalDecisionRequest struct {
	RunID      string `json:"run_id"`
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

// GET /api/runs/{id}/approvals
func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, ok := s.runs.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	pending := s.runs.GetPendingApprovals(id)
	if pending == nil {
		pending = []compliance.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":  id,
		"pending": pending,
		"history": view.Approvals,
	})
}

// POST /approvals/decision
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req approvalDecisionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.logger.Warn("approval decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RunID == "" || req.ApprovalID == "" {
		writeError(w, http.StatusBadRequest, "run_id and approval_id are required")
		return
	}
	if _, ok := s.runs.GetRun(req.RunID); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	by := approver(r, req.ApprovedBy)
	var resolved bool
	if req.Approved {
		resolved = s.runs.ApproveAction(req.RunID, req.ApprovalID, by)
	} else {
		resolved = s.runs.DenyAction(req.RunID, req.ApprovalID, by, req.Reason)
	}
	if !resolved {
		writeError(w, http.StatusConflict, "approval is not pending for this run")
		return
	}

	status := "approved"
	if !req.Approved {
		status = "denied"
	}
	s.logger.Info("Approval resolved",
		zap.String("run_id", req.RunID),
		zap.String("approval_id", req.ApprovalID),
		zap.String("status", status),
		zap.String("by", by),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"run_id":      req.RunID,
		"approval_id": req.ApprovalID,
		"resolved_by": by,
	})
}

// approver prefers the subject of a verified token over a self-declared
// approved_by
func approver(r *http.Request, declared string) string {
	id, err := auth.GetIdentity(r.Context())
	if err == nil && id.Verified() {
		return id.Subject
	}
	if declared != "" {
		return declared
	}
	if err == nil {
		return id.Subject
	}
	return "unknown"
}
