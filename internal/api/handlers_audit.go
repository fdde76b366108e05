package api

import (
	"net/http"
	"time"

	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/store"
)

func (s *Server) handleQueryChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ChangeFilter{
		EntityKind: q.Get("entity_kind"),
		EntityID:   q.Get("entity_id"),
		UserID:     q.Get("user_id"),
		Operation:  store.Operation(q.Get("operation")),
		MinImpact:  store.Impact(q.Get("min_impact")),
		Limit:      queryInt(r, "limit", 50),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeFault(w, r, faults.Wrap(faults.KindValidation, "since must be RFC 3339", err).WithField("since"))
			return
		}
		filter.Since = &t
	}

	changes, err := s.audit.QueryChanges(filter)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changes": changes,
		"total":   len(changes),
	})
}

func (s *Server) handleGetChange(w http.ResponseWriter, r *http.Request) {
	c, err := s.audit.GetChange(r.PathValue("id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type approvalRequest struct {
	Approver string `json:"approver"`
	Comments string `json:"comments,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleApproveChange(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decodeBody(r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	approver := req.Approver
	if approver == "" {
		approver = apiUser(r)
	}
	if err := s.audit.ApproveChange(r.PathValue("id"), approver, req.Comments); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleRejectChange(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decodeBody(r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	rejector := req.Approver
	if rejector == "" {
		rejector = apiUser(r)
	}
	if err := s.audit.RejectChange(r.PathValue("id"), rejector, req.Reason); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.audit.ListPendingApprovals()
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": pending,
		"total":     len(pending),
	})
}

func (s *Server) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.audit.GetEntityHistory(r.PathValue("kind"), r.PathValue("id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_kind": r.PathValue("kind"),
		"entity_id":   r.PathValue("id"),
		"changes":     history,
		"total":       len(history),
	})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	if err := s.audit.VerifyChangeChain(r.PathValue("kind"), r.PathValue("id")); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_kind": r.PathValue("kind"),
		"entity_id":   r.PathValue("id"),
		"verified":    true,
	})
}

func (s *Server) handleEntityVersions(w http.ResponseWriter, r *http.Request) {
	if at := r.URL.Query().Get("at"); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			writeFault(w, r, faults.Wrap(faults.KindValidation, "at must be RFC 3339", err).WithField("at"))
			return
		}
		snap, err := s.audit.GetEntityAtPointInTime(r.PathValue("kind"), r.PathValue("id"), t)
		if err != nil {
			writeFault(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	versions, err := s.audit.GetEntityVersions(r.PathValue("kind"), r.PathValue("id"), queryInt(r, "limit", 20))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"total":    len(versions),
	})
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap store.Snapshot
	if err := decodeBody(r, &snap); err != nil {
		writeFault(w, r, err)
		return
	}
	if snap.CreatedBy == "" {
		snap.CreatedBy = apiUser(r)
	}
	id, err := s.audit.CreateSnapshot(&snap)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"snapshot_id": id,
		"version":     snap.VersionNumber,
	})
}

func (s *Server) handleSubmitRollback(w http.ResponseWriter, r *http.Request) {
	var req store.Rollback
	if err := decodeBody(r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	if req.Requester == "" {
		req.Requester = apiUser(r)
	}
	id, err := s.audit.SubmitRollbackRequest(&req)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"rollback_id":          id,
		"requires_approval":    req.RequiresApproval,
		"dependent_change_ids": req.DependentChangeIDs,
	})
}

func (s *Server) handleListRollbacks(w http.ResponseWriter, r *http.Request) {
	list, err := s.audit.ListRollbacks(queryInt(r, "limit", 50))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rollbacks": list,
		"total":     len(list),
	})
}

func (s *Server) handleExecuteRollback(w http.ResponseWriter, r *http.Request) {
	override := r.URL.Query().Get("override") == "true"
	id := r.PathValue("id")
	if err := s.audit.ExecuteRollback(id, override); err != nil {
		writeFault(w, r, err)
		return
	}
	rb, err := s.audit.GetRollback(id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rb)
}

func (s *Server) handleCancelRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	if err := s.audit.CancelRollback(r.PathValue("id"), req.Reason); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.audit.GenerateAuditReport(queryInt(r, "days", 30), r.URL.Query().Get("entity_kind"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCertification(w http.ResponseWriter, r *http.Request) {
	cert, err := s.audit.GenerateComplianceCertification(queryInt(r, "days", 30))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func (s *Server) handleSOC2Report(w http.ResponseWriter, r *http.Request) {
	report, err := s.audit.GenerateSOC2Report(queryInt(r, "days", 90))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
