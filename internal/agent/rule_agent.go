package agent

import (
	"context"
	"log/slog"

	"github.com/reguard/reguard/internal/event"
	"github.com/reguard/reguard/internal/rules"
	"github.com/reguard/reguard/internal/stream"
)

// RuleEvaluationAgent evaluates TRANSACTION events against the rule engine
// and streams results to session subscribers.
type RuleEvaluationAgent struct {
	engine   *rules.Engine
	streamer *stream.Streamer
	logger   *slog.Logger
}

func NewRuleEvaluationAgent(engine *rules.Engine, streamer *stream.Streamer, logger *slog.Logger) *RuleEvaluationAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEvaluationAgent{
		engine:   engine,
		streamer: streamer,
		logger:   logger.With("component", "agent.RuleEvaluationAgent"),
	}
}

func (a *RuleEvaluationAgent) Type() string        { return "rule-evaluation" }
func (a *RuleEvaluationAgent) DisplayName() string { return "Rule Evaluation Agent" }

func (a *RuleEvaluationAgent) Capabilities() Capabilities {
	return Capabilities{
		SupportedEventKinds: []event.Kind{event.KindTransaction, event.KindRegulatoryChange},
		SupportedActions:    []string{"evaluate_transaction", "execute_rule"},
		KnowledgeDomains:    []string{"fraud", "compliance"},
		RealTimeCapable:     true,
		BatchCapable:        true,
		MaxConcurrentTasks:  8,
	}
}

func (a *RuleEvaluationAgent) Initialize(ctx context.Context) error {
	return a.engine.ReloadRules()
}

func (a *RuleEvaluationAgent) Shutdown(ctx context.Context) error { return nil }

func (a *RuleEvaluationAgent) ProcessEvent(ctx context.Context, ev *event.ComplianceEvent) error {
	ec := contextFromEvent(ev)
	if ec.TransactionID == "" {
		ec.TransactionID = ev.ID
	}

	dr, err := a.engine.EvaluateTransaction(ctx, ec, nil)
	if err != nil {
		return err
	}

	if a.streamer != nil {
		sessionID := ev.Metadata["session_id"]
		a.streamer.PublishRuleEvaluation(sessionID, ec.UserID, dr)
		if dr.IsFlagged {
			a.streamer.PublishAlert(severityForRisk(dr.OverallRisk), map[string]any{
				"transaction_id": dr.TransactionID,
				"overall_risk":   string(dr.OverallRisk),
				"fraud_score":    dr.FraudScore,
				"recommendation": string(dr.Recommendation),
			})
		}
	}

	a.logger.Debug("transaction evaluated",
		"transaction_id", dr.TransactionID,
		"flagged", dr.IsFlagged,
		"recommendation", dr.Recommendation)
	return nil
}

func (a *RuleEvaluationAgent) PerformHealthCheck(ctx context.Context) bool {
	return a.engine != nil
}

// contextFromEvent maps an event's data sections onto a rule execution
// context.
func contextFromEvent(ev *event.ComplianceEvent) *rules.Context {
	ec := &rules.Context{
		SourceSystem: ev.Source,
		Metadata:     map[string]any{},
	}
	for k, v := range ev.Metadata {
		ec.Metadata[k] = v
	}

	if td, ok := ev.Data["transaction_data"].(map[string]any); ok {
		ec.TransactionData = td
	} else {
		ec.TransactionData = ev.Data
	}
	if up, ok := ev.Data["user_profile"].(map[string]any); ok {
		ec.UserProfile = up
	}
	if hd, ok := ev.Data["historical_data"].(map[string]any); ok {
		ec.HistoricalData = hd
	}
	if id, ok := ev.Data["transaction_id"].(string); ok {
		ec.TransactionID = id
	}
	if uid, ok := ev.Data["user_id"].(string); ok {
		ec.UserID = uid
	}
	return ec
}

func severityForRisk(risk rules.RiskLevel) event.Severity {
	switch risk {
	case rules.RiskCritical:
		return event.SeverityCritical
	case rules.RiskHigh:
		return event.SeverityHigh
	case rules.RiskMedium:
		return event.SeverityMedium
	}
	return event.SeverityLow
}
