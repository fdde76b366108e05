package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/reguard/reguard/internal/config"
	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/metrics"
	"github.com/reguard/reguard/internal/store"
)

// Journal receives change records for every rule mutation. The audit engine
// implements it; mutations are journaled before the store commit.
type Journal interface {
	RecordChange(c *store.Change) (string, error)
}

// Inferencer is the extension point for a real ML rule backend. When unset,
// ML rules take the placeholder path.
type Inferencer interface {
	Infer(ctx context.Context, rule *store.Rule, ec *Context) (Outcome, float64, map[string]any, error)
}

// Engine evaluates rules against execution contexts and aggregates
// per-transaction risk. The rule cache is read-shared, write-exclusive;
// execution of distinct rules proceeds in parallel up to MaxParallelExecutions.
type Engine struct {
	store   store.Store
	journal Journal
	celEval *CELEvaluator
	infer   Inferencer
	logger  *slog.Logger

	timeout        time.Duration
	maxParallel    int
	perfMonitoring bool

	mu    sync.RWMutex
	cache map[string]*compiledRule
	order []string // registration order, for deterministic routing

	metricsMu   sync.Mutex
	ruleMetrics map[string]*RuleMetrics
}

// NewEngine creates a rule engine backed by st, journaling mutations to
// journal.
func NewEngine(st store.Store, journal Journal, cfg config.RuleEngineConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	celEval, err := NewCELEvaluator(logger)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ExecutionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxParallel := cfg.MaxParallelExecutions
	if maxParallel <= 0 {
		maxParallel = 10
	}

	return &Engine{
		store:          st,
		journal:        journal,
		celEval:        celEval,
		logger:         logger.With("component", "rules.Engine"),
		timeout:        timeout,
		maxParallel:    maxParallel,
		perfMonitoring: cfg.PerformanceMonitoring,
		cache:          make(map[string]*compiledRule),
		ruleMetrics:    make(map[string]*RuleMetrics),
	}, nil
}

// SetInferencer installs an ML backend for ML-kind rules.
func (e *Engine) SetInferencer(inf Inferencer) {
	e.infer = inf
}

// --- Rule CRUD ---

// RegisterRule validates, journals, persists, and caches a new rule.
func (e *Engine) RegisterRule(r *store.Rule, userID string) error {
	if r.ID == "" || r.Name == "" {
		return faults.New(faults.KindValidation, "rule id and name are required")
	}
	switch r.Kind {
	case store.RuleKindValidation, store.RuleKindScoring, store.RuleKindPattern, store.RuleKindML:
	default:
		return faults.Newf(faults.KindValidation, "unknown rule kind %q", r.Kind)
	}

	e.mu.RLock()
	_, exists := e.cache[r.ID]
	e.mu.RUnlock()
	if exists {
		return faults.Newf(faults.KindConflict, "rule %s already registered", r.ID)
	}

	compiled, err := compileRule(r, e.celEval)
	if err != nil {
		return faults.Wrap(faults.KindValidation, "rule compilation failed", err)
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	newValue, _ := json.Marshal(r)
	if _, err := e.journal.RecordChange(&store.Change{
		UserID:     userID,
		EntityKind: "RULE",
		EntityID:   r.ID,
		Operation:  store.OpCreate,
		NewValue:   newValue,
	}); err != nil {
		return fmt.Errorf("failed to journal rule creation: %w", err)
	}

	if err := e.store.InsertRule(r); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to persist rule", err)
	}

	e.mu.Lock()
	e.cache[r.ID] = compiled
	e.order = append(e.order, r.ID)
	e.mu.Unlock()

	e.logger.Info("rule registered", "rule_id", r.ID, "kind", r.Kind, "priority", r.Priority)
	return nil
}

// UpdateRule journals and applies an update to an existing rule.
func (e *Engine) UpdateRule(r *store.Rule, userID string) error {
	old, err := e.GetRule(r.ID)
	if err != nil {
		return err
	}
	if old == nil {
		return faults.Newf(faults.KindNotFound, "rule %s not found", r.ID)
	}

	compiled, err := compileRule(r, e.celEval)
	if err != nil {
		return faults.Wrap(faults.KindValidation, "rule compilation failed", err)
	}

	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = time.Now().UTC()

	oldValue, _ := json.Marshal(old)
	newValue, _ := json.Marshal(r)
	if _, err := e.journal.RecordChange(&store.Change{
		UserID:     userID,
		EntityKind: "RULE",
		EntityID:   r.ID,
		Operation:  store.OpUpdate,
		OldValue:   oldValue,
		NewValue:   newValue,
	}); err != nil {
		return fmt.Errorf("failed to journal rule update: %w", err)
	}

	if err := e.store.UpdateRule(r); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to persist rule update", err)
	}

	e.mu.Lock()
	e.cache[r.ID] = compiled
	e.mu.Unlock()
	return nil
}

// DeactivateRule soft-disables a rule.
func (e *Engine) DeactivateRule(id, userID string) error {
	r, err := e.GetRule(id)
	if err != nil {
		return err
	}
	if r == nil {
		return faults.Newf(faults.KindNotFound, "rule %s not found", id)
	}
	if !r.Active {
		return nil
	}
	updated := *r
	updated.Active = false
	updated.UpdatedAt = time.Now().UTC()

	oldValue, _ := json.Marshal(r)
	newValue, _ := json.Marshal(&updated)
	if _, err := e.journal.RecordChange(&store.Change{
		UserID:     userID,
		EntityKind: "RULE",
		EntityID:   id,
		Operation:  store.OpDisable,
		OldValue:   oldValue,
		NewValue:   newValue,
	}); err != nil {
		return fmt.Errorf("failed to journal rule deactivation: %w", err)
	}
	if err := e.store.UpdateRule(&updated); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to persist rule deactivation", err)
	}

	e.mu.Lock()
	if c, ok := e.cache[id]; ok {
		clone := *c
		clone.rule = &updated
		e.cache[id] = &clone
	}
	e.mu.Unlock()
	return nil
}

// DeleteRule journals and removes a rule.
func (e *Engine) DeleteRule(id, userID string) error {
	r, err := e.GetRule(id)
	if err != nil {
		return err
	}
	if r == nil {
		return faults.Newf(faults.KindNotFound, "rule %s not found", id)
	}

	oldValue, _ := json.Marshal(r)
	if _, err := e.journal.RecordChange(&store.Change{
		UserID:     userID,
		EntityKind: "RULE",
		EntityID:   id,
		Operation:  store.OpDelete,
		OldValue:   oldValue,
	}); err != nil {
		return fmt.Errorf("failed to journal rule deletion: %w", err)
	}
	if err := e.store.DeleteRule(id); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to delete rule", err)
	}

	e.mu.Lock()
	delete(e.cache, id)
	for i, rid := range e.order {
		if rid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	return nil
}

// GetRule returns a rule from the cache, falling back to the store.
func (e *Engine) GetRule(id string) (*store.Rule, error) {
	e.mu.RLock()
	c, ok := e.cache[id]
	e.mu.RUnlock()
	if ok {
		return c.rule, nil
	}
	return e.store.GetRule(id)
}

// GetActiveRules returns all cached active rules in registration order.
func (e *Engine) GetActiveRules() []*store.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*store.Rule
	for _, id := range e.order {
		if c, ok := e.cache[id]; ok && c.rule.Active {
			out = append(out, c.rule)
		}
	}
	return out
}

// GetRulesByKind returns cached rules of the given kind in registration order.
func (e *Engine) GetRulesByKind(kind store.RuleKind) []*store.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*store.Rule
	for _, id := range e.order {
		if c, ok := e.cache[id]; ok && c.rule.Kind == kind {
			out = append(out, c.rule)
		}
	}
	return out
}

// ReloadRules refreshes the cache from the store, replacing the prior
// contents atomically. Rules that fail compilation are skipped and logged.
func (e *Engine) ReloadRules() error {
	stored, err := e.store.ListRules(store.RuleFilter{})
	if err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to load rules", err)
	}

	cache := make(map[string]*compiledRule, len(stored))
	order := make([]string, 0, len(stored))
	for _, r := range stored {
		compiled, err := compileRule(r, e.celEval)
		if err != nil {
			e.logger.Error("skipping rule with invalid logic tree", "rule_id", r.ID, "error", err)
			continue
		}
		cache[r.ID] = compiled
		order = append(order, r.ID)
	}

	e.mu.Lock()
	e.cache = cache
	e.order = order
	e.mu.Unlock()

	e.logger.Info("rules reloaded", "total", len(stored), "loaded", len(order))
	return nil
}

// --- Execution ---

// ExecuteRule evaluates one rule against the context, honoring the validity
// window, the inactive flag, and the execution timeout.
func (e *Engine) ExecuteRule(ctx context.Context, ruleID string, ec *Context) (*Result, error) {
	e.mu.RLock()
	compiled, ok := e.cache[ruleID]
	e.mu.RUnlock()
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "rule %s not found", ruleID)
	}
	return e.executeCompiled(ctx, compiled, ec), nil
}

func (e *Engine) executeCompiled(ctx context.Context, c *compiledRule, ec *Context) *Result {
	r := c.rule
	start := time.Now()
	now := start.UTC()

	if reason := skipReason(r, now); reason != "" {
		res := &Result{RuleID: r.ID, Outcome: OutcomeSkipped, Confidence: 0, Risk: RiskLow, ErrorMessage: reason}
		e.record(res, time.Since(start))
		return res
	}

	resCh := make(chan *Result, 1)
	go func() {
		resCh <- e.evaluate(ctx, c, ec)
	}()

	var res *Result
	select {
	case res = <-resCh:
	case <-time.After(e.timeout):
		res = &Result{RuleID: r.ID, Outcome: OutcomeTimeout,
			Confidence: confidence(OutcomeTimeout, r.Priority), Risk: RiskLow,
			ErrorMessage: fmt.Sprintf("rule execution exceeded %s", e.timeout)}
	case <-ctx.Done():
		res = &Result{RuleID: r.ID, Outcome: OutcomeTimeout,
			Confidence: confidence(OutcomeTimeout, r.Priority), Risk: RiskLow,
			ErrorMessage: ctx.Err().Error()}
	}

	res.DurationMs = time.Since(start).Milliseconds()
	e.record(res, time.Since(start))
	return res
}

func skipReason(r *store.Rule, now time.Time) string {
	if !r.Active {
		return "rule is inactive"
	}
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return "rule is not yet valid"
	}
	if r.ValidUntil != nil && now.After(*r.ValidUntil) {
		return "rule validity has expired"
	}
	return ""
}

// evaluate runs the kind-specific path. Panics and per-rule errors are
// isolated into the result.
func (e *Engine) evaluate(ctx context.Context, c *compiledRule, ec *Context) (res *Result) {
	r := c.rule
	defer func() {
		if rec := recover(); rec != nil {
			res = &Result{RuleID: r.ID, Outcome: OutcomeError, Confidence: 0.5, Risk: RiskLow,
				ErrorMessage: fmt.Sprintf("rule evaluation panicked: %v", rec)}
		}
	}()

	switch r.Kind {
	case store.RuleKindValidation:
		res = e.evalValidation(c, ec)
	case store.RuleKindScoring:
		res = e.evalScoring(c, ec)
	case store.RuleKindPattern:
		res = e.evalPattern(c, ec)
	case store.RuleKindML:
		res = e.evalML(ctx, c, ec)
	default:
		res = &Result{RuleID: r.ID, Outcome: OutcomeError,
			ErrorMessage: fmt.Sprintf("unknown rule kind %q", r.Kind)}
	}

	if r.Kind != store.RuleKindML {
		res.Confidence = confidence(res.Outcome, r.Priority)
	}
	if res.Risk == "" {
		res.Risk = riskFromScore(res.Confidence)
	}
	return res
}

func (e *Engine) evalValidation(c *compiledRule, ec *Context) *Result {
	r := c.rule
	var failed []string
	for _, cond := range c.tree.Conditions {
		holds, err := evalCondition(cond, ec)
		if err != nil {
			return &Result{RuleID: r.ID, Outcome: OutcomeError, ErrorMessage: err.Error()}
		}
		if !holds {
			failed = append(failed, conditionLabel(cond))
		}
	}

	if c.cel != nil {
		holds, err := e.celEval.Evaluate(c.cel, ec)
		if err != nil {
			return &Result{RuleID: r.ID, Outcome: OutcomeError, ErrorMessage: err.Error()}
		}
		if !holds {
			failed = append(failed, "expression: "+c.cel.Expression)
		}
	}

	if len(failed) > 0 {
		return &Result{RuleID: r.ID, Outcome: OutcomeFail, TriggeredConditions: failed,
			Output: map[string]any{"failed_conditions": failed}}
	}
	return &Result{RuleID: r.ID, Outcome: OutcomePass}
}

func (e *Engine) evalScoring(c *compiledRule, ec *Context) *Result {
	r := c.rule
	raw := 0.0
	contributions := make(map[string]float64)
	for _, f := range c.tree.ScoringFactors {
		val, present := ec.Field(f.Field)
		var contrib float64
		switch f.Operation {
		case "exists":
			if present {
				contrib = f.Weight
			}
		case "value":
			if n, ok := asFloat(val); present && ok {
				contrib = f.Weight * n
			}
		case "threshold":
			if n, ok := asFloat(val); present && ok && n >= f.Threshold {
				contrib = f.Weight
			}
		default:
			return &Result{RuleID: r.ID, Outcome: OutcomeError,
				ErrorMessage: fmt.Sprintf("unknown scoring operation %q", f.Operation)}
		}
		if contrib != 0 {
			contributions[f.Field] = contrib
			raw += contrib
		}
	}

	normalized := logistic(raw)
	threshold := 0.5
	if c.tree.Threshold != nil {
		threshold = *c.tree.Threshold
	}

	outcome := OutcomePass
	if normalized >= threshold {
		outcome = OutcomeFail
	}
	return &Result{
		RuleID:  r.ID,
		Outcome: outcome,
		Risk:    riskFromScore(normalized),
		Output: map[string]any{
			"raw_score":        raw,
			"normalized_score": normalized,
			"threshold":        threshold,
			"contributions":    contributions,
		},
	}
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func (e *Engine) evalPattern(c *compiledRule, ec *Context) *Result {
	r := c.rule
	var matches []string
	for i, p := range c.tree.Patterns {
		val, present := ec.Field(p.Field)
		if !present {
			continue
		}
		switch p.Kind {
		case "regex":
			s, ok := val.(string)
			if !ok {
				continue
			}
			if re := c.regexes[i]; re != nil && re.MatchString(s) {
				matches = append(matches, fmt.Sprintf("%s matches %s", p.Field, p.Pattern))
			}
		case "value_list":
			for _, want := range p.Values {
				if looseEqual(val, want) {
					matches = append(matches, fmt.Sprintf("%s in value list", p.Field))
					break
				}
			}
		default:
			return &Result{RuleID: r.ID, Outcome: OutcomeError,
				ErrorMessage: fmt.Sprintf("unknown pattern kind %q", p.Kind)}
		}
	}

	if len(matches) > 0 {
		return &Result{RuleID: r.ID, Outcome: OutcomeFail, TriggeredConditions: matches,
			Output: map[string]any{"matches": matches}}
	}
	return &Result{RuleID: r.ID, Outcome: OutcomePass}
}

func (e *Engine) evalML(ctx context.Context, c *compiledRule, ec *Context) *Result {
	r := c.rule
	if e.infer == nil {
		return &Result{RuleID: r.ID, Outcome: OutcomePass, Confidence: 0.5, Risk: RiskLow,
			ErrorMessage: "ML inference not configured, defaulting to PASS"}
	}

	outcome, conf, output, err := e.infer.Infer(ctx, r, ec)
	if err != nil {
		return &Result{RuleID: r.ID, Outcome: OutcomePass, Confidence: 0.5, Risk: RiskLow,
			ErrorMessage: "ML inference failed: " + err.Error()}
	}
	return &Result{RuleID: r.ID, Outcome: outcome, Confidence: conf, Output: output,
		Risk: riskFromScore(conf)}
}

// --- Aggregation ---

// EvaluateTransaction executes the named rules (or all active rules) against
// the context and aggregates the results. The result is persisted.
func (e *Engine) EvaluateTransaction(ctx context.Context, ec *Context, ruleIDs []string) (*DetectionResult, error) {
	start := time.Now()

	batch := e.selectRules(ruleIDs)
	// CRITICAL first; ties keep registration order.
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].rule.Priority.Rank() > batch[j].rule.Priority.Rank()
	})

	results := make([]*Result, len(batch))
	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup
	for i, c := range batch {
		wg.Add(1)
		go func(i int, c *compiledRule) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.executeCompiled(ctx, c, ec)
		}(i, c)
	}
	wg.Wait()

	var failingConfidence float64
	var failing int
	var findings []string
	for _, res := range results {
		if res.Outcome == OutcomeFail {
			failing++
			failingConfidence += res.Confidence
			findings = append(findings, fmt.Sprintf("rule %s failed: %v", res.RuleID, res.TriggeredConditions))
		}
	}

	score := 0.0
	if failing > 0 {
		volume := float64(failing) / 5
		if volume > 1 {
			volume = 1
		}
		score = (failingConfidence / float64(failing)) * volume
	}

	flagged := failing > 0
	risk := riskFromScore(score)
	rec := recommend(flagged, risk)

	dr := &DetectionResult{
		TransactionID:      ec.TransactionID,
		IsFlagged:          flagged,
		OverallRisk:        risk,
		FraudScore:         score,
		RuleResults:        results,
		AggregatedFindings: findings,
		Recommendation:     rec,
		DetectionTime:      time.Now().UTC(),
		ProcessingTimeMs:   time.Since(start).Milliseconds(),
	}

	metrics.TransactionsEvaluated.WithLabelValues(string(rec)).Inc()

	ruleResults, _ := json.Marshal(results)
	if err := e.store.InsertEvaluation(&store.Evaluation{
		TransactionID:    ec.TransactionID,
		IsFlagged:        flagged,
		OverallRisk:      string(risk),
		FraudScore:       score,
		RuleResults:      ruleResults,
		Recommendation:   string(rec),
		DetectedAt:       dr.DetectionTime,
		ProcessingTimeMs: dr.ProcessingTimeMs,
	}); err != nil {
		return dr, faults.Wrap(faults.KindDatabase, "failed to persist evaluation", err)
	}

	return dr, nil
}

func (e *Engine) selectRules(ruleIDs []string) []*compiledRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var batch []*compiledRule
	if len(ruleIDs) > 0 {
		for _, id := range ruleIDs {
			if c, ok := e.cache[id]; ok {
				batch = append(batch, c)
			} else {
				e.logger.Warn("requested rule not found, skipping", "rule_id", id)
			}
		}
		return batch
	}
	for _, id := range e.order {
		if c, ok := e.cache[id]; ok && c.rule.Active {
			batch = append(batch, c)
		}
	}
	return batch
}

// --- Telemetry ---

func (e *Engine) record(res *Result, d time.Duration) {
	metrics.RuleExecutions.WithLabelValues(e.kindOf(res.RuleID), string(res.Outcome)).Inc()
	if !e.perfMonitoring {
		return
	}

	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	m, ok := e.ruleMetrics[res.RuleID]
	if !ok {
		m = &RuleMetrics{RuleID: res.RuleID}
		e.ruleMetrics[res.RuleID] = m
	}
	m.Executions++
	switch res.Outcome {
	case OutcomeError, OutcomeTimeout:
		m.Failures++
	default:
		m.Successes++
	}
	if res.Outcome == OutcomeFail {
		m.Detections++
	}
	m.totalDurationMs += d.Milliseconds()
	m.totalConfidence += res.Confidence
	m.AvgDurationMs = float64(m.totalDurationMs) / float64(m.Executions)
	m.AvgConfidence = m.totalConfidence / float64(m.Executions)
	m.LastExecution = time.Now().UTC()
}

func (e *Engine) kindOf(ruleID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if c, ok := e.cache[ruleID]; ok {
		return string(c.rule.Kind)
	}
	return "UNKNOWN"
}

// GetRuleMetrics returns telemetry for one rule, nil when the rule has never
// executed or performance monitoring is off.
func (e *Engine) GetRuleMetrics(ruleID string) *RuleMetrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	m, ok := e.ruleMetrics[ruleID]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}
