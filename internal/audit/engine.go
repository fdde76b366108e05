// Package audit captures every platform mutation in a hash-linked journal,
// materializes entity snapshots, and coordinates rollbacks.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/metrics"
	"github.com/reguard/reguard/internal/store"
)

// Applier restores an entity to a prior state during rollback. Registered per
// entity kind by the component that owns the entity.
type Applier func(entityID string, oldValue json.RawMessage) error

// Engine is the audit and rollback coordinator. Journal appends and snapshot
// versioning are serialized; reads run concurrently.
type Engine struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.Mutex // serializes appends and version assignment
	appliers map[string]Applier

	retentionDays int
}

// NewEngine creates an audit engine backed by st.
func NewEngine(st store.Store, retentionDays int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Engine{
		store:         st,
		logger:        logger.With("component", "audit.Engine"),
		appliers:      make(map[string]Applier),
		retentionDays: retentionDays,
	}
}

// RegisterApplier installs the state-restore hook for an entity kind.
func (e *Engine) RegisterApplier(entityKind string, fn Applier) {
	e.mu.Lock()
	e.appliers[entityKind] = fn
	e.mu.Unlock()
}

// RecordChange assigns an id and timestamp, computes the diff and impact,
// links the entity's hash chain, and appends to the journal. Returns the
// change id.
func (e *Engine) RecordChange(c *store.Change) (string, error) {
	if c == nil || c.EntityKind == "" || c.EntityID == "" || c.Operation == "" {
		return "", faults.New(faults.KindValidation,
			"change requires entity_kind, entity_id, and operation")
	}

	c.ID = ulid.Make().String()
	c.ChangedAt = time.Now().UTC()
	c.Diff = computeDiff(c.OldValue, c.NewValue)
	if c.Impact == "" {
		c.Impact = inferImpact(c.Operation, c.EntityKind)
	}
	if c.Impact == store.ImpactHigh || c.Impact == store.ImpactCritical {
		c.RequiresApproval = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	last, err := e.store.LastEntityChange(c.EntityKind, c.EntityID)
	if err != nil {
		return "", faults.Wrap(faults.KindDatabase, "failed to read entity chain head", err)
	}
	if last != nil {
		c.PrevHash = last.Hash
	}
	c.Hash = changeHash(c)

	if err := e.store.InsertChange(c); err != nil {
		return "", faults.Wrap(faults.KindDatabase, "failed to append change", err)
	}

	metrics.ChangesRecorded.WithLabelValues(string(c.Operation), string(c.Impact)).Inc()
	e.logger.Info("change recorded",
		"change_id", c.ID,
		"entity_kind", c.EntityKind,
		"entity_id", c.EntityID,
		"operation", c.Operation,
		"impact", c.Impact)
	return c.ID, nil
}

// ApproveChange marks a change approved and stores the approval evidence in
// its metadata.
func (e *Engine) ApproveChange(id, approver, comments string) error {
	c, err := e.mustGetChange(id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := e.store.UpdateChangeApproval(id, true, approver, now); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to update approval", err)
	}

	evidence := map[string]any{
		"approved_by": approver,
		"approved_at": now.Format(time.RFC3339),
	}
	if comments != "" {
		evidence["comments"] = comments
	}
	return e.mergeMetadata(c, evidence)
}

// RejectChange marks a change rejected with the rejector's reason as evidence.
func (e *Engine) RejectChange(id, rejector, reason string) error {
	if reason == "" {
		return faults.New(faults.KindValidation, "rejection requires a reason")
	}
	c, err := e.mustGetChange(id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := e.store.UpdateChangeApproval(id, false, rejector, now); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to update approval", err)
	}
	return e.mergeMetadata(c, map[string]any{
		"rejected_by": rejector,
		"rejected_at": now.Format(time.RFC3339),
		"reason":      reason,
	})
}

// GetChange returns a change by id, NOT_FOUND when unknown.
func (e *Engine) GetChange(id string) (*store.Change, error) {
	return e.mustGetChange(id)
}

// QueryChanges runs a filtered journal query.
func (e *Engine) QueryChanges(filter store.ChangeFilter) ([]*store.Change, error) {
	changes, err := e.store.ListChanges(filter)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "failed to query changes", err)
	}
	return changes, nil
}

// GetEntityHistory returns an entity's changes in append order.
func (e *Engine) GetEntityHistory(entityKind, entityID string) ([]*store.Change, error) {
	changes, err := e.store.ListEntityChanges(entityKind, entityID)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "failed to load entity history", err)
	}
	return changes, nil
}

// ListHighImpactChanges returns HIGH and CRITICAL changes within the window.
func (e *Engine) ListHighImpactChanges(days int) ([]*store.Change, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	return e.QueryChanges(store.ChangeFilter{MinImpact: store.ImpactHigh, Since: &since})
}

// ListPendingApprovals returns changes awaiting an approval decision.
func (e *Engine) ListPendingApprovals() ([]*store.Change, error) {
	changes, err := e.store.ListPendingApprovalChanges()
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "failed to list pending approvals", err)
	}
	return changes, nil
}

// VerifyChangeChain recomputes an entity's hash chain and reports the first
// broken link, if any.
func (e *Engine) VerifyChangeChain(entityKind, entityID string) error {
	changes, err := e.store.ListEntityChanges(entityKind, entityID)
	if err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to load entity history", err)
	}

	prevHash := ""
	for i, c := range changes {
		if c.PrevHash != prevHash {
			return faults.Newf(faults.KindSecurity,
				"chain broken at change %s (position %d): prev_hash mismatch", c.ID, i)
		}
		if changeHash(c) != c.Hash {
			return faults.Newf(faults.KindSecurity,
				"chain broken at change %s (position %d): content hash mismatch", c.ID, i)
		}
		prevHash = c.Hash
	}
	return nil
}

// Prune removes journal entries and evaluations past the retention window.
func (e *Engine) Prune() (int64, error) {
	n, err := e.store.PruneOlderThan(e.retentionDays)
	if err != nil {
		return 0, faults.Wrap(faults.KindDatabase, "failed to prune audit data", err)
	}
	if n > 0 {
		e.logger.Info("pruned audit data", "rows", n, "retention_days", e.retentionDays)
	}
	return n, nil
}

// --- internals ---

func (e *Engine) mustGetChange(id string) (*store.Change, error) {
	c, err := e.store.GetChange(id)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "failed to load change", err)
	}
	if c == nil {
		return nil, faults.Newf(faults.KindNotFound, "change %s not found", id)
	}
	return c, nil
}

func (e *Engine) mergeMetadata(c *store.Change, add map[string]any) error {
	meta := map[string]any{}
	if len(c.Metadata) > 0 {
		_ = json.Unmarshal(c.Metadata, &meta)
	}
	for k, v := range add {
		meta[k] = v
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return faults.Wrap(faults.KindProcessing, "failed to encode metadata", err)
	}
	if err := e.store.SetChangeMetadata(c.ID, b); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to store metadata", err)
	}
	return nil
}

// computeDiff returns {"old": ..., "new": ...}, or nil when the values are
// equal after JSON normalization.
func computeDiff(oldVal, newVal json.RawMessage) json.RawMessage {
	if jsonEqual(oldVal, newVal) {
		return nil
	}
	diff := map[string]json.RawMessage{}
	if len(oldVal) > 0 {
		diff["old"] = oldVal
	}
	if len(newVal) > 0 {
		diff["new"] = newVal
	}
	b, err := json.Marshal(diff)
	if err != nil {
		return nil
	}
	return b
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(a, b)
	}
	an, _ := json.Marshal(av)
	bn, _ := json.Marshal(bv)
	return bytes.Equal(an, bn)
}

// inferImpact is pure in (operation, entity_kind).
func inferImpact(op store.Operation, entityKind string) store.Impact {
	if op == store.OpDelete {
		return store.ImpactCritical
	}
	kind := strings.ToUpper(entityKind)
	if strings.Contains(kind, "POLICY") {
		return store.ImpactHigh
	}
	if strings.Contains(kind, "RULE") {
		return store.ImpactMedium
	}
	return store.ImpactLow
}

func changeHash(c *store.Change) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%s",
		c.ID, c.EntityKind, c.EntityID, c.Operation,
		c.UserID, c.ChangedAt.UnixNano(), c.PrevHash)
	h.Write(c.OldValue)
	h.Write(c.NewValue)
	return hex.EncodeToString(h.Sum(nil))
}
