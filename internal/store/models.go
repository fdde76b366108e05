// Package store provides transactional persistence for rules, translation
// rules, the change journal, entity snapshots, rollback requests, and
// evaluation results.
package store

import (
	"encoding/json"
	"time"
)

// Priority orders rules and tasks. The rank feeds the confidence multiplier.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Rank returns 1..4, LOW lowest. Unknown priorities rank as MEDIUM.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 2
}

// RuleKind selects the evaluation path for a rule.
type RuleKind string

const (
	RuleKindValidation RuleKind = "VALIDATION"
	RuleKindScoring    RuleKind = "SCORING"
	RuleKindPattern    RuleKind = "PATTERN"
	RuleKindML         RuleKind = "ML"
)

// Rule is a declarative compliance check. LogicTree is kept opaque here; the
// rule engine parses and compiles it.
type Rule struct {
	ID           string          `json:"rule_id"`
	Name         string          `json:"name"`
	Priority     Priority        `json:"priority"`
	Kind         RuleKind        `json:"kind"`
	LogicTree    json.RawMessage `json:"logic_tree"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	InputFields  []string        `json:"input_fields,omitempty"`
	OutputFields []string        `json:"output_fields,omitempty"`
	Active       bool            `json:"active"`
	ValidFrom    *time.Time      `json:"valid_from,omitempty"`
	ValidUntil   *time.Time      `json:"valid_until,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// RuleFilter narrows ListRules.
type RuleFilter struct {
	Kind       RuleKind
	ActiveOnly bool
	Limit      int
}

// TranslationRule declares a protocol conversion. Bidirectional rules match
// either direction; higher Priority wins.
type TranslationRule struct {
	ID                   string            `json:"rule_id"`
	Name                 string            `json:"name"`
	FromProtocol         string            `json:"from_protocol"`
	ToProtocol           string            `json:"to_protocol"`
	FieldMappings        map[string]string `json:"field_mappings,omitempty"`
	ValueTransformations map[string]string `json:"value_transformations,omitempty"`
	Bidirectional        bool              `json:"bidirectional"`
	Priority             int               `json:"priority"`
	Active               bool              `json:"active"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Operation is a journaled mutation kind.
type Operation string

const (
	OpCreate  Operation = "CREATE"
	OpUpdate  Operation = "UPDATE"
	OpDelete  Operation = "DELETE"
	OpEnable  Operation = "ENABLE"
	OpDisable Operation = "DISABLE"
	OpDeploy  Operation = "DEPLOY"
	OpApprove Operation = "APPROVE"
	OpReject  Operation = "REJECT"
)

// Impact classifies a change's blast radius.
type Impact string

const (
	ImpactLow      Impact = "LOW"
	ImpactMedium   Impact = "MEDIUM"
	ImpactHigh     Impact = "HIGH"
	ImpactCritical Impact = "CRITICAL"
)

// Change is one entry in the audit journal. PrevHash/Hash link changes on the
// same entity stream into a tamper-evident chain.
type Change struct {
	ID               string          `json:"change_id"`
	UserID           string          `json:"user_id"`
	EntityKind       string          `json:"entity_kind"`
	EntityID         string          `json:"entity_id"`
	Operation        Operation       `json:"operation"`
	Impact           Impact          `json:"impact"`
	OldValue         json.RawMessage `json:"old_value,omitempty"`
	NewValue         json.RawMessage `json:"new_value,omitempty"`
	Diff             json.RawMessage `json:"diff,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	ApprovalRef      string          `json:"approval_ref,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	Approved         bool            `json:"approved"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	PrevHash         string          `json:"prev_hash,omitempty"`
	Hash             string          `json:"hash"`
	ChangedAt        time.Time       `json:"changed_at"`
	ApprovedAt       *time.Time      `json:"approved_at,omitempty"`
}

// ChangeFilter narrows ListChanges.
type ChangeFilter struct {
	EntityKind string
	EntityID   string
	UserID     string
	Operation  Operation
	MinImpact  Impact
	Since      *time.Time
	Limit      int
}

// Snapshot is a point-in-time materialization of an entity. VersionNumber is
// monotone and gap-free per (entity_kind, entity_id), starting at 1.
type Snapshot struct {
	ID            string          `json:"snapshot_id"`
	EntityKind    string          `json:"entity_kind"`
	EntityID      string          `json:"entity_id"`
	VersionNumber int             `json:"version_number"`
	State         json.RawMessage `json:"state"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	Active        bool            `json:"active"`
}

// RollbackStatus tracks a rollback request through its lifecycle.
type RollbackStatus string

const (
	RollbackPending   RollbackStatus = "PENDING"
	RollbackApproved  RollbackStatus = "APPROVED"
	RollbackExecuting RollbackStatus = "EXECUTING"
	RollbackCompleted RollbackStatus = "COMPLETED"
	RollbackFailed    RollbackStatus = "FAILED"
	RollbackCancelled RollbackStatus = "CANCELLED"
)

// Rollback is a request to reverse a journaled change.
type Rollback struct {
	ID                 string         `json:"rollback_id"`
	Requester          string         `json:"requester"`
	TargetChangeID     string         `json:"target_change_id"`
	Reason             string         `json:"reason"`
	DependentChangeIDs []string       `json:"dependent_change_ids,omitempty"`
	RequiresApproval   bool           `json:"requires_approval"`
	Status             RollbackStatus `json:"status"`
	Result             string         `json:"result,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
}

// Evaluation is a persisted per-transaction aggregation result.
type Evaluation struct {
	TransactionID    string          `json:"transaction_id"`
	IsFlagged        bool            `json:"is_flagged"`
	OverallRisk      string          `json:"overall_risk"`
	FraudScore       float64         `json:"fraud_score"`
	RuleResults      json.RawMessage `json:"rule_results"`
	Recommendation   string          `json:"recommendation"`
	DetectedAt       time.Time       `json:"detection_time"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
}
