package api

import (
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/rules"
	"github.com/reguard/reguard/internal/store"
)

// evaluateRequest carries one transaction plus an optional rule selection.
type evaluateRequest struct {
	rules.Context
	RuleIDs []string `json:"rule_ids,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeBody(r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	if req.TransactionID == "" {
		writeFault(w, r, faults.New(faults.KindValidation, "transaction_id is required").WithField("transaction_id"))
		return
	}
	if len(req.TransactionData) == 0 {
		writeFault(w, r, faults.New(faults.KindValidation, "transaction_data is required").WithField("transaction_data"))
		return
	}

	s.logger.Debug("evaluating transaction",
		"transaction_id", req.TransactionID,
		"transaction_data", faults.MaskMap(req.TransactionData),
		"request_id", requestIDFrom(r))

	result, err := s.rules.EvaluateTransaction(r.Context(), &req.Context, req.RuleIDs)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type evaluateBatchRequest struct {
	Transactions []evaluateRequest `json:"transactions"`
	RuleIDs      []string          `json:"rule_ids,omitempty"`
}

type batchItemResult struct {
	TransactionID string                 `json:"transaction_id"`
	Result        *rules.DetectionResult `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var req evaluateBatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	if len(req.Transactions) == 0 {
		writeFault(w, r, faults.New(faults.KindValidation, "transactions must not be empty").WithField("transactions"))
		return
	}

	batchID := "batch_" + ulid.Make().String()
	results := make([]batchItemResult, len(req.Transactions))
	flagged := 0
	for i := range req.Transactions {
		item := &req.Transactions[i]
		ruleIDs := item.RuleIDs
		if len(ruleIDs) == 0 {
			ruleIDs = req.RuleIDs
		}
		results[i].TransactionID = item.TransactionID

		dr, err := s.rules.EvaluateTransaction(r.Context(), &item.Context, ruleIDs)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].Result = dr
		if dr.IsFlagged {
			flagged++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": batchID,
		"count":    len(results),
		"flagged":  flagged,
		"results":  results,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	var list []*store.Rule
	if kind := r.URL.Query().Get("kind"); kind != "" {
		list = s.rules.GetRulesByKind(store.RuleKind(kind))
	} else {
		list = s.rules.GetActiveRules()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"total": len(list),
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule store.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeFault(w, r, err)
		return
	}
	if err := s.rules.RegisterRule(&rule, apiUser(r)); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.GetRule(r.PathValue("id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if rule == nil {
		writeFault(w, r, faults.Newf(faults.KindNotFound, "rule %s not found", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule store.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeFault(w, r, err)
		return
	}
	rule.ID = r.PathValue("id")
	if err := s.rules.UpdateRule(&rule, apiUser(r)); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.DeleteRule(r.PathValue("id"), apiUser(r)); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.DeactivateRule(r.PathValue("id"), apiUser(r)); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleRuleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.rules.GetRuleMetrics(r.PathValue("id"))
	if m == nil {
		writeFault(w, r, faults.Newf(faults.KindNotFound, "no metrics for rule %s", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.ReloadRules(); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "reloaded",
		"active_rules": len(s.rules.GetActiveRules()),
	})
}

// apiUser resolves the acting user for journaled mutations.
func apiUser(r *http.Request) string {
	if u := r.Header.Get("X-User-Id"); u != "" {
		return u
	}
	return "api"
}
