package audit

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewEngine(st, 90, nil), st
}

func record(t *testing.T, e *Engine, c *store.Change) string {
	t.Helper()
	id, err := e.RecordChange(c)
	if err != nil {
		t.Fatalf("RecordChange: %v", err)
	}
	return id
}

func TestImpactInference(t *testing.T) {
	tests := []struct {
		op         store.Operation
		entityKind string
		want       store.Impact
	}{
		{store.OpDelete, "RULE", store.ImpactCritical},
		{store.OpDelete, "AGENT", store.ImpactCritical},
		{store.OpUpdate, "POLICY", store.ImpactHigh},
		{store.OpUpdate, "RULE", store.ImpactMedium},
		{store.OpUpdate, "TRANSLATION_RULE", store.ImpactMedium},
		{store.OpCreate, "AGENT", store.ImpactLow},
	}
	for _, tt := range tests {
		if got := inferImpact(tt.op, tt.entityKind); got != tt.want {
			t.Errorf("inferImpact(%s, %s) = %s, want %s", tt.op, tt.entityKind, got, tt.want)
		}
	}
}

func TestRecordChangeAssignsFieldsAndChains(t *testing.T) {
	e, _ := newTestEngine(t)

	id1 := record(t, e, &store.Change{
		UserID:     "admin",
		EntityKind: "RULE",
		EntityID:   "r1",
		Operation:  store.OpCreate,
		NewValue:   json.RawMessage(`{"priority":"LOW"}`),
	})
	id2 := record(t, e, &store.Change{
		UserID:     "admin",
		EntityKind: "RULE",
		EntityID:   "r1",
		Operation:  store.OpUpdate,
		OldValue:   json.RawMessage(`{"priority":"LOW"}`),
		NewValue:   json.RawMessage(`{"priority":"HIGH"}`),
	})

	c1, err := e.GetChange(id1)
	if err != nil {
		t.Fatalf("GetChange: %v", err)
	}
	c2, _ := e.GetChange(id2)

	if c1.Impact != store.ImpactMedium {
		t.Errorf("c1 impact = %s, want MEDIUM", c1.Impact)
	}
	if c1.PrevHash != "" || c1.Hash == "" {
		t.Errorf("c1 chain head: prev=%q hash=%q", c1.PrevHash, c1.Hash)
	}
	if c2.PrevHash != c1.Hash {
		t.Errorf("c2.prev_hash = %q, want %q", c2.PrevHash, c1.Hash)
	}
	if len(c2.Diff) == 0 {
		t.Error("c2 diff missing")
	}

	if err := e.VerifyChangeChain("RULE", "r1"); err != nil {
		t.Errorf("VerifyChangeChain: %v", err)
	}
}

func TestDiffEmptyWhenEqual(t *testing.T) {
	e, _ := newTestEngine(t)

	id := record(t, e, &store.Change{
		UserID:     "admin",
		EntityKind: "AGENT",
		EntityID:   "a1",
		Operation:  store.OpUpdate,
		OldValue:   json.RawMessage(`{"enabled": true}`),
		NewValue:   json.RawMessage(`{"enabled":true}`),
	})
	c, _ := e.GetChange(id)
	if len(c.Diff) != 0 {
		t.Errorf("diff = %s, want empty for equal values", c.Diff)
	}
}

func TestRecordChangeValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.RecordChange(&store.Change{EntityKind: "RULE"})
	if faults.KindOf(err) != faults.KindValidation {
		t.Errorf("kind = %s, want VALIDATION", faults.KindOf(err))
	}
}

func TestVerifyChangeChainDetectsTampering(t *testing.T) {
	e, st := newTestEngine(t)

	record(t, e, &store.Change{
		UserID: "admin", EntityKind: "RULE", EntityID: "r1",
		Operation: store.OpCreate, NewValue: json.RawMessage(`{}`),
	})

	// Forge an append that skips the chain.
	forged := &store.Change{
		ID: "forged", UserID: "intruder", EntityKind: "RULE", EntityID: "r1",
		Operation: store.OpUpdate, Hash: "bogus", ChangedAt: time.Now().UTC(),
	}
	if err := st.InsertChange(forged); err != nil {
		t.Fatalf("InsertChange: %v", err)
	}

	if err := e.VerifyChangeChain("RULE", "r1"); err == nil {
		t.Error("tampered chain should fail verification")
	} else if faults.KindOf(err) != faults.KindSecurity {
		t.Errorf("kind = %s, want SECURITY", faults.KindOf(err))
	}
}

func TestApprovalFlow(t *testing.T) {
	e, _ := newTestEngine(t)

	// DELETE infers CRITICAL, which requires approval.
	id := record(t, e, &store.Change{
		UserID: "admin", EntityKind: "RULE", EntityID: "r1",
		Operation: store.OpDelete, OldValue: json.RawMessage(`{}`),
	})

	pending, err := e.ListPendingApprovals()
	if err != nil {
		t.Fatalf("ListPendingApprovals: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending = %+v", pending)
	}

	if err := e.ApproveChange(id, "supervisor", "reviewed and safe"); err != nil {
		t.Fatalf("ApproveChange: %v", err)
	}
	c, _ := e.GetChange(id)
	if !c.Approved || c.ApprovedAt == nil || c.ApprovalRef != "supervisor" {
		t.Errorf("change after approval = %+v", c)
	}
	var meta map[string]any
	json.Unmarshal(c.Metadata, &meta)
	if meta["approved_by"] != "supervisor" || meta["comments"] != "reviewed and safe" {
		t.Errorf("metadata = %v", meta)
	}

	pending, _ = e.ListPendingApprovals()
	if len(pending) != 0 {
		t.Errorf("pending after approval = %d", len(pending))
	}
}

func TestRejectChange(t *testing.T) {
	e, _ := newTestEngine(t)

	id := record(t, e, &store.Change{
		UserID: "admin", EntityKind: "POLICY", EntityID: "p1",
		Operation: store.OpUpdate, NewValue: json.RawMessage(`{}`),
	})

	if err := e.RejectChange(id, "supervisor", ""); faults.KindOf(err) != faults.KindValidation {
		t.Errorf("empty reason: kind = %s, want VALIDATION", faults.KindOf(err))
	}
	if err := e.RejectChange(id, "supervisor", "out of policy window"); err != nil {
		t.Fatalf("RejectChange: %v", err)
	}

	c, _ := e.GetChange(id)
	if c.Approved {
		t.Error("rejected change marked approved")
	}
	var meta map[string]any
	json.Unmarshal(c.Metadata, &meta)
	if meta["reason"] != "out of policy window" {
		t.Errorf("metadata = %v", meta)
	}

	pending, _ := e.ListPendingApprovals()
	if len(pending) != 0 {
		t.Errorf("rejected change still pending")
	}
}

func TestSnapshotVersioning(t *testing.T) {
	e, _ := newTestEngine(t)

	var ids []string
	for i := 1; i <= 3; i++ {
		id, err := e.CreateSnapshot(&store.Snapshot{
			EntityKind: "RULE",
			EntityID:   "r1",
			State:      json.RawMessage(fmt.Sprintf(`{"rev":%d}`, i)),
			CreatedBy:  "admin",
		})
		if err != nil {
			t.Fatalf("CreateSnapshot %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	versions, err := e.GetEntityVersions("RULE", "r1", 10)
	if err != nil {
		t.Fatalf("GetEntityVersions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("versions = %d, want 3", len(versions))
	}
	// Newest first, gap-free from 1.
	for i, want := range []int{3, 2, 1} {
		if versions[i].VersionNumber != want {
			t.Errorf("versions[%d] = %d, want %d", i, versions[i].VersionNumber, want)
		}
	}

	s, err := e.GetSnapshot(ids[0])
	if err != nil || s.VersionNumber != 1 {
		t.Errorf("GetSnapshot: %v, %+v", err, s)
	}
	if _, err := e.GetSnapshot("missing"); faults.KindOf(err) != faults.KindNotFound {
		t.Errorf("missing snapshot: kind = %s, want NOT_FOUND", faults.KindOf(err))
	}
}

func TestGetEntityAtPointInTime(t *testing.T) {
	e, _ := newTestEngine(t)

	before := time.Now().UTC().Add(-time.Second)
	if s, err := e.GetEntityAtPointInTime("RULE", "r1", before); err != nil || s != nil {
		t.Errorf("before any snapshot: %v, %+v", err, s)
	}

	e.CreateSnapshot(&store.Snapshot{
		EntityKind: "RULE", EntityID: "r1",
		State: json.RawMessage(`{"rev":1}`), CreatedBy: "admin",
	})

	s, err := e.GetEntityAtPointInTime("RULE", "r1", time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("GetEntityAtPointInTime: %v", err)
	}
	if s == nil || s.VersionNumber != 1 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestRollbackBlockedByDependents(t *testing.T) {
	e, _ := newTestEngine(t)

	restored := map[string]string{}
	e.RegisterApplier("RULE", func(entityID string, oldValue json.RawMessage) error {
		restored[entityID] = string(oldValue)
		return nil
	})

	c1 := record(t, e, &store.Change{
		UserID: "admin", EntityKind: "RULE", EntityID: "r7",
		Operation: store.OpUpdate,
		OldValue:  json.RawMessage(`{"priority":"LOW"}`),
		NewValue:  json.RawMessage(`{"priority":"MEDIUM"}`),
	})
	c2 := record(t, e, &store.Change{
		UserID: "admin", EntityKind: "RULE", EntityID: "r7",
		Operation: store.OpUpdate,
		OldValue:  json.RawMessage(`{"priority":"MEDIUM"}`),
		NewValue:  json.RawMessage(`{"priority":"HIGH"}`),
	})

	rb1, err := e.SubmitRollbackRequest(&store.Rollback{
		Requester:      "admin",
		TargetChangeID: c1,
		Reason:         "wrong priority bump",
	})
	if err != nil {
		t.Fatalf("SubmitRollbackRequest: %v", err)
	}

	stored, _ := e.GetRollback(rb1)
	if len(stored.DependentChangeIDs) != 1 || stored.DependentChangeIDs[0] != c2 {
		t.Fatalf("dependent_change_ids = %v, want [%s]", stored.DependentChangeIDs, c2)
	}

	err = e.ExecuteRollback(rb1, false)
	if faults.KindOf(err) != faults.KindConflict {
		t.Fatalf("blocked rollback: kind = %s, want CONFLICT", faults.KindOf(err))
	}

	// Roll back the dependent first.
	rb2, err := e.SubmitRollbackRequest(&store.Rollback{
		Requester: "admin", TargetChangeID: c2, Reason: "unwind",
	})
	if err != nil {
		t.Fatalf("SubmitRollbackRequest c2: %v", err)
	}
	if err := e.ExecuteRollback(rb2, false); err != nil {
		t.Fatalf("ExecuteRollback c2: %v", err)
	}

	// Now c1 has no live dependents.
	if err := e.ExecuteRollback(rb1, false); err != nil {
		t.Fatalf("ExecuteRollback c1 after unwinding: %v", err)
	}

	if restored["r7"] != `{"priority":"LOW"}` {
		t.Errorf("restored state = %s, want priority LOW", restored["r7"])
	}

	final, _ := e.GetRollback(rb1)
	if final.Status != store.RollbackCompleted {
		t.Errorf("status = %s, want COMPLETED", final.Status)
	}
	compensating, err := e.GetChange(final.Result)
	if err != nil {
		t.Fatalf("compensating change: %v", err)
	}
	if rollbackTarget(compensating) != c1 {
		t.Errorf("compensating metadata = %s", compensating.Metadata)
	}
}

func TestRollbackWithOverride(t *testing.T) {
	e, _ := newTestEngine(t)

	c1 := record(t, e, &store.Change{
		UserID: "admin", EntityKind: "RULE", EntityID: "r1",
		Operation: store.OpUpdate,
		OldValue:  json.RawMessage(`{"v":1}`), NewValue: json.RawMessage(`{"v":2}`),
	})
	record(t, e, &store.Change{
		UserID: "admin", EntityKind: "RULE", EntityID: "r1",
		Operation: store.OpUpdate,
		OldValue:  json.RawMessage(`{"v":2}`), NewValue: json.RawMessage(`{"v":3}`),
	})

	rb, _ := e.SubmitRollbackRequest(&store.Rollback{
		Requester: "admin", TargetChangeID: c1, Reason: "force",
	})
	if err := e.ExecuteRollback(rb, true); err != nil {
		t.Fatalf("override rollback: %v", err)
	}
}

func TestRollbackLifecycleErrors(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.SubmitRollbackRequest(&store.Rollback{
		Requester: "admin", TargetChangeID: "missing", Reason: "x",
	}); faults.KindOf(err) != faults.KindNotFound {
		t.Errorf("unknown target: kind = %s, want NOT_FOUND", faults.KindOf(err))
	}
	if err := e.ExecuteRollback("missing", false); faults.KindOf(err) != faults.KindNotFound {
		t.Errorf("unknown rollback: kind = %s, want NOT_FOUND", faults.KindOf(err))
	}

	c := record(t, e, &store.Change{
		UserID: "admin", EntityKind: "RULE", EntityID: "r1",
		Operation: store.OpUpdate, NewValue: json.RawMessage(`{}`),
	})
	rb, _ := e.SubmitRollbackRequest(&store.Rollback{
		Requester: "admin", TargetChangeID: c, Reason: "x",
	})
	if err := e.CancelRollback(rb, "no longer needed"); err != nil {
		t.Fatalf("CancelRollback: %v", err)
	}
	if err := e.ExecuteRollback(rb, false); faults.KindOf(err) != faults.KindConflict {
		t.Errorf("execute after cancel: kind = %s, want CONFLICT", faults.KindOf(err))
	}
	if err := e.CancelRollback(rb, "again"); faults.KindOf(err) != faults.KindConflict {
		t.Errorf("double cancel: kind = %s, want CONFLICT", faults.KindOf(err))
	}
}

func TestGenerateAuditReport(t *testing.T) {
	e, _ := newTestEngine(t)

	record(t, e, &store.Change{
		UserID: "alice", EntityKind: "RULE", EntityID: "r1",
		Operation: store.OpCreate, NewValue: json.RawMessage(`{}`),
	})
	record(t, e, &store.Change{
		UserID: "bob", EntityKind: "RULE", EntityID: "r1",
		Operation: store.OpDelete, OldValue: json.RawMessage(`{}`),
	})

	report, err := e.GenerateAuditReport(7, "")
	if err != nil {
		t.Fatalf("GenerateAuditReport: %v", err)
	}
	if report.TotalChanges != 2 {
		t.Errorf("total = %d, want 2", report.TotalChanges)
	}
	if report.ByOperation["DELETE"] != 1 || report.ByUser["alice"] != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(report.HighImpact) != 1 {
		t.Errorf("high impact = %d, want 1", len(report.HighImpact))
	}
	if report.PendingApprovals != 1 {
		t.Errorf("pending approvals = %d, want 1", report.PendingApprovals)
	}
}

func TestComplianceCertification(t *testing.T) {
	e, _ := newTestEngine(t)

	id := record(t, e, &store.Change{
		UserID: "admin", EntityKind: "POLICY", EntityID: "p1",
		Operation: store.OpUpdate, NewValue: json.RawMessage(`{}`),
	})

	cert, err := e.GenerateComplianceCertification(7)
	if err != nil {
		t.Fatalf("GenerateComplianceCertification: %v", err)
	}
	if cert.Certified {
		t.Error("unapproved high-impact change should block certification")
	}
	if cert.ApprovalCoverage != 0 {
		t.Errorf("coverage = %f, want 0", cert.ApprovalCoverage)
	}

	if err := e.ApproveChange(id, "supervisor", "ok"); err != nil {
		t.Fatalf("ApproveChange: %v", err)
	}
	cert, _ = e.GenerateComplianceCertification(7)
	if !cert.Certified || cert.ApprovalCoverage != 1 {
		t.Errorf("cert after approval = %+v", cert)
	}

	soc2, err := e.GenerateSOC2Report(7)
	if err != nil {
		t.Fatalf("GenerateSOC2Report: %v", err)
	}
	if len(soc2.Controls) != 3 {
		t.Fatalf("controls = %d, want 3", len(soc2.Controls))
	}
	for _, c := range soc2.Controls {
		if c.Status != "EFFECTIVE" {
			t.Errorf("control %s status = %s", c.ControlID, c.Status)
		}
	}
}
