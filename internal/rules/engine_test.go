package rules

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/reguard/reguard/internal/config"
	"github.com/reguard/reguard/internal/store"
)

type journalStub struct {
	changes []*store.Change
	fail    bool
}

func (j *journalStub) RecordChange(c *store.Change) (string, error) {
	if j.fail {
		return "", context.DeadlineExceeded
	}
	j.changes = append(j.changes, c)
	return "ch-test", nil
}

func newTestEngine(t *testing.T) (*Engine, *journalStub) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	j := &journalStub{}
	e, err := NewEngine(st, j, config.RuleEngineConfig{
		ExecutionTimeout:      time.Second,
		MaxParallelExecutions: 4,
		PerformanceMonitoring: true,
	}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, j
}

func validationRule(id string, priority store.Priority) *store.Rule {
	return &store.Rule{
		ID:       id,
		Name:     "amount ceiling",
		Priority: priority,
		Kind:     store.RuleKindValidation,
		LogicTree: json.RawMessage(
			`{"conditions":[{"field":"amount","operator":"less_than","value":1000,"description":"amount below 1000"}]}`),
		Active: true,
	}
}

func TestSingleValidationRulePass(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.RegisterRule(validationRule("r1", store.PriorityMedium), "tester"); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	dr, err := e.EvaluateTransaction(context.Background(), &Context{
		TransactionID:   "tx1",
		TransactionData: map[string]any{"amount": 500},
	}, nil)
	if err != nil {
		t.Fatalf("EvaluateTransaction: %v", err)
	}

	if dr.IsFlagged {
		t.Error("IsFlagged = true, want false")
	}
	if dr.FraudScore != 0 {
		t.Errorf("FraudScore = %f, want 0", dr.FraudScore)
	}
	if dr.Recommendation != RecommendApprove {
		t.Errorf("Recommendation = %s, want APPROVE", dr.Recommendation)
	}
	if len(dr.RuleResults) != 1 {
		t.Fatalf("RuleResults = %d, want 1", len(dr.RuleResults))
	}
	res := dr.RuleResults[0]
	if res.Outcome != OutcomePass {
		t.Errorf("outcome = %s, want PASS", res.Outcome)
	}
	// PASS base 0.2 at MEDIUM (rank 2): 0.2 * 2/4 = 0.1
	if math.Abs(res.Confidence-0.1) > 1e-9 {
		t.Errorf("confidence = %f, want 0.1", res.Confidence)
	}
}

func TestValidationRuleFail(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.RegisterRule(validationRule("r1", store.PriorityCritical), "tester"); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	res, err := e.ExecuteRule(context.Background(), "r1", &Context{
		TransactionData: map[string]any{"amount": 5000},
	})
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if res.Outcome != OutcomeFail {
		t.Fatalf("outcome = %s, want FAIL", res.Outcome)
	}
	// FAIL base 0.8 at CRITICAL (rank 4): 0.8 * 4/4 = 0.8
	if math.Abs(res.Confidence-0.8) > 1e-9 {
		t.Errorf("confidence = %f, want 0.8", res.Confidence)
	}
	if len(res.TriggeredConditions) != 1 || res.TriggeredConditions[0] != "amount below 1000" {
		t.Errorf("TriggeredConditions = %v", res.TriggeredConditions)
	}
}

func TestAggregationScoreAndRecommendation(t *testing.T) {
	e, _ := newTestEngine(t)

	// Three CRITICAL validation rules that all fail with confidence 0.8:
	// score = 0.8 * min(1, 3/5) = 0.48 -> MEDIUM -> REVIEW.
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := e.RegisterRule(validationRule(id, store.PriorityCritical), "tester"); err != nil {
			t.Fatalf("RegisterRule %s: %v", id, err)
		}
	}

	dr, err := e.EvaluateTransaction(context.Background(), &Context{
		TransactionID:   "tx2",
		TransactionData: map[string]any{"amount": 1000000, "country": "XX"},
	}, nil)
	if err != nil {
		t.Fatalf("EvaluateTransaction: %v", err)
	}

	if !dr.IsFlagged {
		t.Error("IsFlagged = false, want true")
	}
	want := 0.8 * 3.0 / 5.0
	if math.Abs(dr.FraudScore-want) > 1e-9 {
		t.Errorf("FraudScore = %f, want %f", dr.FraudScore, want)
	}
	if dr.OverallRisk != RiskMedium {
		t.Errorf("OverallRisk = %s, want MEDIUM", dr.OverallRisk)
	}
	if dr.Recommendation != RecommendReview {
		t.Errorf("Recommendation = %s, want REVIEW", dr.Recommendation)
	}
}

func TestAggregationBlocksAtCriticalScore(t *testing.T) {
	e, _ := newTestEngine(t)

	// Five failing CRITICAL rules: score = 0.8 * min(1, 5/5) = 0.8 -> BLOCK.
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		if err := e.RegisterRule(validationRule(id, store.PriorityCritical), "tester"); err != nil {
			t.Fatalf("RegisterRule %s: %v", id, err)
		}
	}

	dr, err := e.EvaluateTransaction(context.Background(), &Context{
		TransactionID:   "tx3",
		TransactionData: map[string]any{"amount": 999999},
	}, nil)
	if err != nil {
		t.Fatalf("EvaluateTransaction: %v", err)
	}
	if dr.OverallRisk != RiskCritical {
		t.Errorf("OverallRisk = %s, want CRITICAL", dr.OverallRisk)
	}
	if dr.Recommendation != RecommendBlock {
		t.Errorf("Recommendation = %s, want BLOCK", dr.Recommendation)
	}
}

func TestEvaluateTransactionDeterministic(t *testing.T) {
	e, _ := newTestEngine(t)
	for _, id := range []string{"r1", "r2"} {
		if err := e.RegisterRule(validationRule(id, store.PriorityHigh), "tester"); err != nil {
			t.Fatalf("RegisterRule: %v", err)
		}
	}
	ec := &Context{TransactionID: "tx4", TransactionData: map[string]any{"amount": 2000}}

	first, err := e.EvaluateTransaction(context.Background(), ec, nil)
	if err != nil {
		t.Fatalf("first evaluation: %v", err)
	}
	second, err := e.EvaluateTransaction(context.Background(), ec, nil)
	if err != nil {
		t.Fatalf("second evaluation: %v", err)
	}

	if first.FraudScore != second.FraudScore ||
		first.Recommendation != second.Recommendation ||
		first.OverallRisk != second.OverallRisk {
		t.Errorf("evaluation not deterministic: %+v vs %+v", first, second)
	}
}

func TestSkippedRules(t *testing.T) {
	e, _ := newTestEngine(t)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	inactive := validationRule("inactive", store.PriorityLow)
	inactive.Active = false
	notYet := validationRule("not-yet", store.PriorityLow)
	notYet.ValidFrom = &future
	expired := validationRule("expired", store.PriorityLow)
	expired.ValidUntil = &past

	for _, r := range []*store.Rule{inactive, notYet, expired} {
		if err := e.RegisterRule(r, "tester"); err != nil {
			t.Fatalf("RegisterRule %s: %v", r.ID, err)
		}
	}

	ec := &Context{TransactionData: map[string]any{"amount": 5000}}
	for _, id := range []string{"inactive", "not-yet", "expired"} {
		res, err := e.ExecuteRule(context.Background(), id, ec)
		if err != nil {
			t.Fatalf("ExecuteRule %s: %v", id, err)
		}
		if res.Outcome != OutcomeSkipped {
			t.Errorf("%s: outcome = %s, want SKIPPED", id, res.Outcome)
		}
		if res.ErrorMessage == "" {
			t.Errorf("%s: skip reason missing", id)
		}
	}
}

func TestScoringRule(t *testing.T) {
	e, _ := newTestEngine(t)

	r := &store.Rule{
		ID:       "s1",
		Name:     "velocity score",
		Priority: store.PriorityHigh,
		Kind:     store.RuleKindScoring,
		LogicTree: json.RawMessage(`{
			"threshold": 0.6,
			"scoring_factors": [
				{"field": "amount", "weight": 0.001, "operation": "value"},
				{"field": "new_device", "weight": 1.5, "operation": "exists"},
				{"field": "tx_per_hour", "weight": 1.0, "operation": "threshold", "threshold": 10}
			]
		}`),
		Active: true,
	}
	if err := e.RegisterRule(r, "tester"); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	// amount 2000 (2.0) + new_device (1.5) + tx_per_hour 20 (1.0) = 4.5 raw.
	res, err := e.ExecuteRule(context.Background(), "s1", &Context{
		TransactionData: map[string]any{"amount": 2000, "new_device": true, "tx_per_hour": 20},
	})
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if res.Outcome != OutcomeFail {
		t.Errorf("outcome = %s, want FAIL (sigmoid(4.5) > 0.6)", res.Outcome)
	}
	norm := res.Output["normalized_score"].(float64)
	if norm <= 0.6 {
		t.Errorf("normalized_score = %f, want > 0.6", norm)
	}
	contribs := res.Output["contributions"].(map[string]float64)
	if len(contribs) != 3 {
		t.Errorf("contributions = %v", contribs)
	}

	// No signals: sigmoid(0) = 0.5 < 0.6 -> PASS.
	res, err = e.ExecuteRule(context.Background(), "s1", &Context{
		TransactionData: map[string]any{"tx_per_hour": 2},
	})
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if res.Outcome != OutcomePass {
		t.Errorf("outcome = %s, want PASS", res.Outcome)
	}
}

func TestPatternRule(t *testing.T) {
	e, _ := newTestEngine(t)

	r := &store.Rule{
		ID:       "p1",
		Name:     "sanctioned countries",
		Priority: store.PriorityCritical,
		Kind:     store.RuleKindPattern,
		LogicTree: json.RawMessage(`{
			"patterns": [
				{"kind": "value_list", "field": "country", "values": ["XX", "YY"]},
				{"kind": "regex", "field": "iban", "pattern": "^XX"}
			]
		}`),
		Active: true,
	}
	if err := e.RegisterRule(r, "tester"); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	res, _ := e.ExecuteRule(context.Background(), "p1", &Context{
		TransactionData: map[string]any{"country": "XX", "iban": "XX91000000"},
	})
	if res.Outcome != OutcomeFail {
		t.Fatalf("outcome = %s, want FAIL", res.Outcome)
	}
	if len(res.TriggeredConditions) != 2 {
		t.Errorf("TriggeredConditions = %v, want 2 matches", res.TriggeredConditions)
	}

	res, _ = e.ExecuteRule(context.Background(), "p1", &Context{
		TransactionData: map[string]any{"country": "DE", "iban": "DE91000000"},
	})
	if res.Outcome != OutcomePass {
		t.Errorf("outcome = %s, want PASS", res.Outcome)
	}
}

func TestMLRulePlaceholder(t *testing.T) {
	e, _ := newTestEngine(t)

	r := &store.Rule{
		ID:        "ml1",
		Name:      "anomaly model",
		Priority:  store.PriorityHigh,
		Kind:      store.RuleKindML,
		LogicTree: json.RawMessage(`{}`),
		Active:    true,
	}
	if err := e.RegisterRule(r, "tester"); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	res, err := e.ExecuteRule(context.Background(), "ml1", &Context{
		TransactionData: map[string]any{"amount": 100},
	})
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if res.Outcome != OutcomePass {
		t.Errorf("outcome = %s, want PASS", res.Outcome)
	}
	if res.Confidence != 0.5 {
		t.Errorf("confidence = %f, want 0.5", res.Confidence)
	}
	if res.ErrorMessage == "" {
		t.Error("placeholder path should carry a diagnostic error_message")
	}
}

func TestExpressionCondition(t *testing.T) {
	e, _ := newTestEngine(t)

	r := &store.Rule{
		ID:       "x1",
		Name:     "cross-field expression",
		Priority: store.PriorityHigh,
		Kind:     store.RuleKindValidation,
		LogicTree: json.RawMessage(
			`{"expression": "double(transaction.amount) < double(transaction.limit)"}`),
		Active: true,
	}
	if err := e.RegisterRule(r, "tester"); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	res, _ := e.ExecuteRule(context.Background(), "x1", &Context{
		TransactionData: map[string]any{"amount": 50.0, "limit": 100.0},
	})
	if res.Outcome != OutcomePass {
		t.Errorf("outcome = %s, want PASS", res.Outcome)
	}

	res, _ = e.ExecuteRule(context.Background(), "x1", &Context{
		TransactionData: map[string]any{"amount": 500.0, "limit": 100.0},
	})
	if res.Outcome != OutcomeFail {
		t.Errorf("outcome = %s, want FAIL", res.Outcome)
	}
}

func TestRegisterRuleConflictAndValidation(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.RegisterRule(validationRule("r1", store.PriorityLow), "tester"); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}
	if err := e.RegisterRule(validationRule("r1", store.PriorityLow), "tester"); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := e.RegisterRule(&store.Rule{Name: "no id"}, "tester"); err == nil {
		t.Error("rule without id should fail validation")
	}
	bad := validationRule("bad", store.PriorityLow)
	bad.Kind = "GUESSWORK"
	if err := e.RegisterRule(bad, "tester"); err == nil {
		t.Error("unknown kind should fail validation")
	}
}

func TestCRUDJournaled(t *testing.T) {
	e, j := newTestEngine(t)

	r := validationRule("r1", store.PriorityMedium)
	if err := e.RegisterRule(r, "admin"); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}
	updated := *r
	updated.Name = "renamed"
	if err := e.UpdateRule(&updated, "admin"); err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if err := e.DeactivateRule("r1", "admin"); err != nil {
		t.Fatalf("DeactivateRule: %v", err)
	}
	if err := e.DeleteRule("r1", "admin"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}

	wantOps := []store.Operation{store.OpCreate, store.OpUpdate, store.OpDisable, store.OpDelete}
	if len(j.changes) != len(wantOps) {
		t.Fatalf("journaled %d changes, want %d", len(j.changes), len(wantOps))
	}
	for i, op := range wantOps {
		if j.changes[i].Operation != op {
			t.Errorf("change %d: op = %s, want %s", i, j.changes[i].Operation, op)
		}
		if j.changes[i].EntityID != "r1" || j.changes[i].UserID != "admin" {
			t.Errorf("change %d: %+v", i, j.changes[i])
		}
	}
}

func TestJournalFailureAbortsMutation(t *testing.T) {
	e, j := newTestEngine(t)
	j.fail = true

	if err := e.RegisterRule(validationRule("r1", store.PriorityLow), "admin"); err == nil {
		t.Fatal("RegisterRule should fail when journaling fails")
	}
	if r, _ := e.GetRule("r1"); r != nil {
		t.Error("rule persisted despite journal failure")
	}
}

func TestReloadRules(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.RegisterRule(validationRule("r1", store.PriorityLow), "tester"); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}
	// Simulate an out-of-band store write, then reload.
	r2 := validationRule("r2", store.PriorityHigh)
	now := time.Now().UTC()
	r2.CreatedAt, r2.UpdatedAt = now, now
	if err := e.store.InsertRule(r2); err != nil {
		t.Fatalf("InsertRule: %v", err)
	}

	if err := e.ReloadRules(); err != nil {
		t.Fatalf("ReloadRules: %v", err)
	}
	if len(e.GetActiveRules()) != 2 {
		t.Errorf("active rules after reload = %d, want 2", len(e.GetActiveRules()))
	}
}

func TestRuleMetricsTracked(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.RegisterRule(validationRule("r1", store.PriorityHigh), "tester"); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	pass := &Context{TransactionData: map[string]any{"amount": 10}}
	fail := &Context{TransactionData: map[string]any{"amount": 99999}}
	e.ExecuteRule(context.Background(), "r1", pass)
	e.ExecuteRule(context.Background(), "r1", fail)

	m := e.GetRuleMetrics("r1")
	if m == nil {
		t.Fatal("GetRuleMetrics returned nil")
	}
	if m.Executions != 2 || m.Successes != 2 || m.Detections != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.LastExecution.IsZero() {
		t.Error("LastExecution not set")
	}
}
