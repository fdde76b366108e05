package rules

import (
	"time"

	"github.com/reguard/reguard/internal/store"
)

// Outcome is the terminal state of one rule execution.
type Outcome string

const (
	OutcomePass    Outcome = "PASS"
	OutcomeFail    Outcome = "FAIL"
	OutcomeError   Outcome = "ERROR"
	OutcomeTimeout Outcome = "TIMEOUT"
	OutcomeSkipped Outcome = "SKIPPED"
)

// RiskLevel classifies a score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Recommendation is the aggregated disposition for a transaction.
type Recommendation string

const (
	RecommendApprove Recommendation = "APPROVE"
	RecommendReview  Recommendation = "REVIEW"
	RecommendBlock   Recommendation = "BLOCK"
)

// Result is one rule's execution outcome.
type Result struct {
	RuleID              string         `json:"rule_id"`
	Outcome             Outcome        `json:"outcome"`
	Confidence          float64        `json:"confidence"`
	Risk                RiskLevel      `json:"risk"`
	Output              map[string]any `json:"output,omitempty"`
	TriggeredConditions []string       `json:"triggered_conditions,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	DurationMs          int64          `json:"execution_duration_ms"`
}

// DetectionResult aggregates per-rule results for one transaction.
type DetectionResult struct {
	TransactionID      string         `json:"transaction_id"`
	IsFlagged          bool           `json:"is_flagged"`
	OverallRisk        RiskLevel      `json:"overall_risk"`
	FraudScore         float64        `json:"fraud_score"`
	RuleResults        []*Result      `json:"rule_results"`
	AggregatedFindings []string       `json:"aggregated_findings,omitempty"`
	Recommendation     Recommendation `json:"recommendation"`
	DetectionTime      time.Time      `json:"detection_time"`
	ProcessingTimeMs   int64          `json:"processing_time_ms"`
}

// RuleMetrics is per-rule execution telemetry.
type RuleMetrics struct {
	RuleID        string    `json:"rule_id"`
	Executions    int64     `json:"executions"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	Detections    int64     `json:"detections"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
	AvgConfidence float64   `json:"avg_confidence"`
	LastExecution time.Time `json:"last_execution"`

	totalDurationMs int64
	totalConfidence float64
}

// confidence computes the final confidence for an outcome under a rule
// priority: base (FAIL 0.8, PASS 0.2, else 0.5) scaled by priority rank / 4,
// capped at 1.
func confidence(outcome Outcome, priority store.Priority) float64 {
	base := 0.5
	switch outcome {
	case OutcomeFail:
		base = 0.8
	case OutcomePass:
		base = 0.2
	}
	c := base * float64(priority.Rank()) / 4
	if c > 1 {
		c = 1
	}
	return c
}

// riskFromScore maps a score in [0,1] to a risk level.
func riskFromScore(score float64) RiskLevel {
	switch {
	case score >= 0.8:
		return RiskCritical
	case score >= 0.6:
		return RiskHigh
	case score >= 0.4:
		return RiskMedium
	}
	return RiskLow
}

// recommend maps the aggregate disposition. Not-flagged transactions are
// approved regardless of score.
func recommend(flagged bool, risk RiskLevel) Recommendation {
	if !flagged {
		return RecommendApprove
	}
	switch risk {
	case RiskCritical:
		return RecommendBlock
	case RiskHigh, RiskMedium:
		return RecommendReview
	}
	return RecommendApprove
}
