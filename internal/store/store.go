package store

import "time"

// Store defines the interface for persistence backends.
type Store interface {
	// Initialize creates tables and indexes.
	Initialize() error

	// Close cleanly shuts down the store.
	Close() error

	// Rules
	InsertRule(r *Rule) error
	UpdateRule(r *Rule) error
	GetRule(id string) (*Rule, error)
	DeleteRule(id string) error
	ListRules(filter RuleFilter) ([]*Rule, error)

	// Translation rules
	UpsertTranslationRule(r *TranslationRule) error
	GetTranslationRule(id string) (*TranslationRule, error)
	DeleteTranslationRule(id string) error
	ListTranslationRules() ([]*TranslationRule, error)

	// Change journal
	InsertChange(c *Change) error
	GetChange(id string) (*Change, error)
	UpdateChangeApproval(id string, approved bool, approvalRef string, approvedAt time.Time) error
	SetChangeMetadata(id string, metadata []byte) error
	ListChanges(filter ChangeFilter) ([]*Change, error)
	ListEntityChanges(entityKind, entityID string) ([]*Change, error)
	LastEntityChange(entityKind, entityID string) (*Change, error)
	ListPendingApprovalChanges() ([]*Change, error)

	// Snapshots
	InsertSnapshot(s *Snapshot) error
	GetSnapshot(id string) (*Snapshot, error)
	MaxSnapshotVersion(entityKind, entityID string) (int, error)
	ListEntityVersions(entityKind, entityID string, limit int) ([]*Snapshot, error)
	GetEntityAtTime(entityKind, entityID string, at time.Time) (*Snapshot, error)

	// Rollbacks
	InsertRollback(r *Rollback) error
	GetRollback(id string) (*Rollback, error)
	UpdateRollbackStatus(id string, status RollbackStatus, result string) error
	ListRollbacks(limit int) ([]*Rollback, error)

	// Evaluations
	InsertEvaluation(e *Evaluation) error
	ListEvaluations(limit int) ([]*Evaluation, error)

	// Maintenance
	PruneOlderThan(days int) (int64, error)

	// Metrics
	GetSystemStats() (*SystemStats, error)
}

// SystemStats holds aggregate store metrics.
type SystemStats struct {
	TotalRules            int64 `json:"total_rules"`
	ActiveRules           int64 `json:"active_rules"`
	TotalTranslationRules int64 `json:"total_translation_rules"`
	TotalChanges          int64 `json:"total_changes"`
	PendingApprovals      int64 `json:"pending_approvals"`
	TotalSnapshots        int64 `json:"total_snapshots"`
	TotalRollbacks        int64 `json:"total_rollbacks"`
	TotalEvaluations      int64 `json:"total_evaluations"`
	FlaggedEvaluations    int64 `json:"flagged_evaluations"`
}
