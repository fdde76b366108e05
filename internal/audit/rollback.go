package audit

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/store"
)

// SubmitRollbackRequest validates the target change, attaches the current
// dependent-change ids, and persists the request in PENDING state.
func (e *Engine) SubmitRollbackRequest(req *store.Rollback) (string, error) {
	if req == nil || req.TargetChangeID == "" || req.Requester == "" {
		return "", faults.New(faults.KindValidation,
			"rollback requires target_change_id and requester")
	}

	target, err := e.mustGetChange(req.TargetChangeID)
	if err != nil {
		return "", err
	}

	dependents, err := e.dependentsOf(target)
	if err != nil {
		return "", err
	}

	req.ID = ulid.Make().String()
	req.DependentChangeIDs = dependents
	req.Status = store.RollbackPending
	req.CreatedAt = time.Now().UTC()
	if target.Impact == store.ImpactCritical {
		req.RequiresApproval = true
	}

	if err := e.store.InsertRollback(req); err != nil {
		return "", faults.Wrap(faults.KindDatabase, "failed to persist rollback request", err)
	}

	e.logger.Info("rollback requested",
		"rollback_id", req.ID,
		"target_change_id", req.TargetChangeID,
		"dependents", len(dependents))
	return req.ID, nil
}

// GetRollback returns a rollback request by id, NOT_FOUND when unknown.
func (e *Engine) GetRollback(id string) (*store.Rollback, error) {
	return e.mustGetRollback(id)
}

// ExecuteRollback reverses the target change. Without override it is blocked
// by CONFLICT whenever live dependent changes post-date the target. On
// success a compensating change record is appended (the original record is
// never mutated) and the rollback is marked COMPLETED.
func (e *Engine) ExecuteRollback(id string, override bool) error {
	rb, err := e.mustGetRollback(id)
	if err != nil {
		return err
	}
	if rb.Status != store.RollbackPending && rb.Status != store.RollbackApproved {
		return faults.Newf(faults.KindConflict,
			"rollback %s is %s, expected PENDING or APPROVED", id, rb.Status)
	}

	target, err := e.mustGetChange(rb.TargetChangeID)
	if err != nil {
		return err
	}

	dependents, err := e.dependentsOf(target)
	if err != nil {
		return err
	}
	if len(dependents) > 0 && !override {
		return faults.Newf(faults.KindConflict,
			"rollback blocked by %d dependent changes", len(dependents)).
			WithDetail("dependent_change_ids", dependents)
	}

	if err := e.store.UpdateRollbackStatus(id, store.RollbackExecuting, ""); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to mark rollback executing", err)
	}

	e.mu.Lock()
	applier := e.appliers[target.EntityKind]
	e.mu.Unlock()
	if applier != nil {
		if err := applier(target.EntityID, target.OldValue); err != nil {
			_ = e.store.UpdateRollbackStatus(id, store.RollbackFailed, err.Error())
			return faults.Wrap(faults.KindProcessing, "failed to restore entity state", err)
		}
	}

	meta, _ := json.Marshal(map[string]string{"rollback_of": target.ID})
	compensatingID, err := e.RecordChange(&store.Change{
		UserID:     rb.Requester,
		EntityKind: target.EntityKind,
		EntityID:   target.EntityID,
		Operation:  store.OpUpdate,
		OldValue:   target.NewValue,
		NewValue:   target.OldValue,
		Reason:     "rollback of change " + target.ID,
		Metadata:   meta,
	})
	if err != nil {
		_ = e.store.UpdateRollbackStatus(id, store.RollbackFailed, err.Error())
		return err
	}

	if err := e.store.UpdateRollbackStatus(id, store.RollbackCompleted, compensatingID); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to mark rollback completed", err)
	}

	e.logger.Info("rollback executed",
		"rollback_id", id,
		"target_change_id", target.ID,
		"compensating_change_id", compensatingID)
	return nil
}

// CancelRollback cancels a PENDING or APPROVED rollback.
func (e *Engine) CancelRollback(id, reason string) error {
	rb, err := e.mustGetRollback(id)
	if err != nil {
		return err
	}
	if rb.Status != store.RollbackPending && rb.Status != store.RollbackApproved {
		return faults.Newf(faults.KindConflict,
			"rollback %s is %s and cannot be cancelled", id, rb.Status)
	}
	if err := e.store.UpdateRollbackStatus(id, store.RollbackCancelled, reason); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to cancel rollback", err)
	}
	return nil
}

// ListRollbacks returns recent rollback requests.
func (e *Engine) ListRollbacks(limit int) ([]*store.Rollback, error) {
	rollbacks, err := e.store.ListRollbacks(limit)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "failed to list rollbacks", err)
	}
	return rollbacks, nil
}

func (e *Engine) mustGetRollback(id string) (*store.Rollback, error) {
	rb, err := e.store.GetRollback(id)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "failed to load rollback", err)
	}
	if rb == nil {
		return nil, faults.Newf(faults.KindNotFound, "rollback %s not found", id)
	}
	return rb, nil
}

// dependentsOf returns the ids of live changes on the target's entity that
// post-date it. A change is not live when it was itself rolled back (a later
// compensating record names it) or when it is a compensating record for a
// rolled-back change.
func (e *Engine) dependentsOf(target *store.Change) ([]string, error) {
	history, err := e.store.ListEntityChanges(target.EntityKind, target.EntityID)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "failed to load entity history", err)
	}

	rolledBack := make(map[string]bool) // change id -> neutralized
	compensating := make(map[string]bool)
	for _, c := range history {
		if of := rollbackTarget(c); of != "" {
			rolledBack[of] = true
			compensating[c.ID] = true
		}
	}

	var dependents []string
	seenTarget := false
	for _, c := range history {
		if c.ID == target.ID {
			seenTarget = true
			continue
		}
		if !seenTarget {
			continue
		}
		if rolledBack[c.ID] || compensating[c.ID] {
			continue
		}
		dependents = append(dependents, c.ID)
	}
	return dependents, nil
}

// rollbackTarget returns the change id a compensating record reverses, or "".
func rollbackTarget(c *store.Change) string {
	if len(c.Metadata) == 0 {
		return ""
	}
	var meta map[string]any
	if err := json.Unmarshal(c.Metadata, &meta); err != nil {
		return ""
	}
	if of, ok := meta["rollback_of"].(string); ok {
		return of
	}
	return ""
}
