package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		priority        TEXT NOT NULL,
		kind            TEXT NOT NULL,
		logic_tree      TEXT NOT NULL,
		parameters      TEXT,
		input_fields    TEXT,
		output_fields   TEXT,
		active          INTEGER NOT NULL DEFAULT 1,
		valid_from      DATETIME,
		valid_until     DATETIME,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS translation_rules (
		id                    TEXT PRIMARY KEY,
		name                  TEXT NOT NULL,
		from_protocol         TEXT NOT NULL,
		to_protocol           TEXT NOT NULL,
		field_mappings        TEXT,
		value_transformations TEXT,
		bidirectional         INTEGER NOT NULL DEFAULT 0,
		priority              INTEGER NOT NULL DEFAULT 0,
		active                INTEGER NOT NULL DEFAULT 1,
		created_at            DATETIME NOT NULL,
		updated_at            DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS changes (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		entity_kind       TEXT NOT NULL,
		entity_id         TEXT NOT NULL,
		operation         TEXT NOT NULL,
		impact            TEXT NOT NULL,
		old_value         TEXT,
		new_value         TEXT,
		diff              TEXT,
		reason            TEXT,
		approval_ref      TEXT,
		requires_approval INTEGER NOT NULL DEFAULT 0,
		approved          INTEGER NOT NULL DEFAULT 0,
		metadata          TEXT,
		prev_hash         TEXT,
		hash              TEXT NOT NULL,
		changed_at        DATETIME NOT NULL,
		approved_at       DATETIME
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id              TEXT PRIMARY KEY,
		entity_kind     TEXT NOT NULL,
		entity_id       TEXT NOT NULL,
		version_number  INTEGER NOT NULL,
		state           TEXT NOT NULL,
		created_by      TEXT,
		created_at      DATETIME NOT NULL,
		active          INTEGER NOT NULL DEFAULT 1,
		UNIQUE(entity_kind, entity_id, version_number)
	);

	CREATE TABLE IF NOT EXISTS rollbacks (
		id                   TEXT PRIMARY KEY,
		requester            TEXT NOT NULL,
		target_change_id     TEXT NOT NULL,
		reason               TEXT,
		dependent_change_ids TEXT,
		requires_approval    INTEGER NOT NULL DEFAULT 0,
		status               TEXT NOT NULL,
		result               TEXT,
		created_at           DATETIME NOT NULL,
		resolved_at          DATETIME
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		transaction_id     TEXT PRIMARY KEY,
		is_flagged         INTEGER NOT NULL,
		overall_risk       TEXT NOT NULL,
		fraud_score        REAL NOT NULL,
		rule_results       TEXT,
		recommendation     TEXT NOT NULL,
		detected_at        DATETIME NOT NULL,
		processing_time_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_rules_kind ON rules(kind);
	CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(active);
	CREATE INDEX IF NOT EXISTS idx_changes_entity ON changes(entity_kind, entity_id);
	CREATE INDEX IF NOT EXISTS idx_changes_user ON changes(user_id);
	CREATE INDEX IF NOT EXISTS idx_changes_changed_at ON changes(changed_at);
	CREATE INDEX IF NOT EXISTS idx_snapshots_entity ON snapshots(entity_kind, entity_id);
	CREATE INDEX IF NOT EXISTS idx_rollbacks_target ON rollbacks(target_change_id);
	CREATE INDEX IF NOT EXISTS idx_evaluations_detected ON evaluations(detected_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Rules ---

func (s *SQLiteStore) InsertRule(r *Rule) error {
	_, err := s.db.Exec(`INSERT INTO rules (id, name, priority, kind, logic_tree, parameters,
		input_fields, output_fields, active, valid_from, valid_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, string(r.Priority), string(r.Kind), string(r.LogicTree),
		nullableJSON(r.Parameters), marshalStrings(r.InputFields), marshalStrings(r.OutputFields),
		r.Active, r.ValidFrom, r.ValidUntil, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) UpdateRule(r *Rule) error {
	res, err := s.db.Exec(`UPDATE rules SET name = ?, priority = ?, kind = ?, logic_tree = ?,
		parameters = ?, input_fields = ?, output_fields = ?, active = ?,
		valid_from = ?, valid_until = ?, updated_at = ? WHERE id = ?`,
		r.Name, string(r.Priority), string(r.Kind), string(r.LogicTree),
		nullableJSON(r.Parameters), marshalStrings(r.InputFields), marshalStrings(r.OutputFields),
		r.Active, r.ValidFrom, r.ValidUntil, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) GetRule(id string) (*Rule, error) {
	r := &Rule{}
	var logicTree string
	var parameters, inputFields, outputFields sql.NullString

	err := s.db.QueryRow(`SELECT id, name, priority, kind, logic_tree, parameters,
		input_fields, output_fields, active, valid_from, valid_until, created_at, updated_at
		FROM rules WHERE id = ?`, id).Scan(
		&r.ID, &r.Name, &r.Priority, &r.Kind, &logicTree, &parameters,
		&inputFields, &outputFields, &r.Active, &r.ValidFrom, &r.ValidUntil,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.LogicTree = json.RawMessage(logicTree)
	r.Parameters = jsonOrNil(parameters)
	r.InputFields = unmarshalStrings(inputFields)
	r.OutputFields = unmarshalStrings(outputFields)
	return r, nil
}

func (s *SQLiteStore) DeleteRule(id string) error {
	res, err := s.db.Exec("DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) ListRules(filter RuleFilter) ([]*Rule, error) {
	var conditions []string
	var args []interface{}

	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "active = 1")
	}

	query := `SELECT id, name, priority, kind, logic_tree, parameters, input_fields,
		output_fields, active, valid_from, valid_until, created_at, updated_at FROM rules`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r := &Rule{}
		var logicTree string
		var parameters, inputFields, outputFields sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority, &r.Kind, &logicTree, &parameters,
			&inputFields, &outputFields, &r.Active, &r.ValidFrom, &r.ValidUntil,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.LogicTree = json.RawMessage(logicTree)
		r.Parameters = jsonOrNil(parameters)
		r.InputFields = unmarshalStrings(inputFields)
		r.OutputFields = unmarshalStrings(outputFields)
		rules = append(rules, r)
	}
	return rules, nil
}

// --- Translation rules ---

func (s *SQLiteStore) UpsertTranslationRule(r *TranslationRule) error {
	_, err := s.db.Exec(`INSERT INTO translation_rules (id, name, from_protocol, to_protocol,
		field_mappings, value_transformations, bidirectional, priority, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			from_protocol = excluded.from_protocol,
			to_protocol = excluded.to_protocol,
			field_mappings = excluded.field_mappings,
			value_transformations = excluded.value_transformations,
			bidirectional = excluded.bidirectional,
			priority = excluded.priority,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.FromProtocol, r.ToProtocol,
		marshalStringMap(r.FieldMappings), marshalStringMap(r.ValueTransformations),
		r.Bidirectional, r.Priority, r.Active, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetTranslationRule(id string) (*TranslationRule, error) {
	r := &TranslationRule{}
	var mappings, transforms sql.NullString
	err := s.db.QueryRow(`SELECT id, name, from_protocol, to_protocol, field_mappings,
		value_transformations, bidirectional, priority, active, created_at, updated_at
		FROM translation_rules WHERE id = ?`, id).Scan(
		&r.ID, &r.Name, &r.FromProtocol, &r.ToProtocol, &mappings, &transforms,
		&r.Bidirectional, &r.Priority, &r.Active, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.FieldMappings = unmarshalStringMap(mappings)
	r.ValueTransformations = unmarshalStringMap(transforms)
	return r, nil
}

func (s *SQLiteStore) DeleteTranslationRule(id string) error {
	res, err := s.db.Exec("DELETE FROM translation_rules WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) ListTranslationRules() ([]*TranslationRule, error) {
	rows, err := s.db.Query(`SELECT id, name, from_protocol, to_protocol, field_mappings,
		value_transformations, bidirectional, priority, active, created_at, updated_at
		FROM translation_rules ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*TranslationRule
	for rows.Next() {
		r := &TranslationRule{}
		var mappings, transforms sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.FromProtocol, &r.ToProtocol, &mappings, &transforms,
			&r.Bidirectional, &r.Priority, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.FieldMappings = unmarshalStringMap(mappings)
		r.ValueTransformations = unmarshalStringMap(transforms)
		rules = append(rules, r)
	}
	return rules, nil
}

// --- Change journal ---

func (s *SQLiteStore) InsertChange(c *Change) error {
	_, err := s.db.Exec(`INSERT INTO changes (id, user_id, entity_kind, entity_id, operation,
		impact, old_value, new_value, diff, reason, approval_ref, requires_approval, approved,
		metadata, prev_hash, hash, changed_at, approved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.EntityKind, c.EntityID, string(c.Operation), string(c.Impact),
		nullableJSON(c.OldValue), nullableJSON(c.NewValue), nullableJSON(c.Diff),
		nullStr(c.Reason), nullStr(c.ApprovalRef), c.RequiresApproval, c.Approved,
		nullableJSON(c.Metadata), c.PrevHash, c.Hash, c.ChangedAt, c.ApprovedAt,
	)
	return err
}

func (s *SQLiteStore) GetChange(id string) (*Change, error) {
	c := &Change{}
	var oldValue, newValue, diff, metadata sql.NullString
	var reason, approvalRef sql.NullString

	err := s.db.QueryRow(`SELECT id, user_id, entity_kind, entity_id, operation, impact,
		old_value, new_value, diff, reason, approval_ref, requires_approval, approved,
		metadata, prev_hash, hash, changed_at, approved_at
		FROM changes WHERE id = ?`, id).Scan(
		&c.ID, &c.UserID, &c.EntityKind, &c.EntityID, &c.Operation, &c.Impact,
		&oldValue, &newValue, &diff, &reason, &approvalRef, &c.RequiresApproval, &c.Approved,
		&metadata, &c.PrevHash, &c.Hash, &c.ChangedAt, &c.ApprovedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.OldValue = jsonOrNil(oldValue)
	c.NewValue = jsonOrNil(newValue)
	c.Diff = jsonOrNil(diff)
	c.Reason = reason.String
	c.ApprovalRef = approvalRef.String
	c.Metadata = jsonOrNil(metadata)
	return c, nil
}

func (s *SQLiteStore) UpdateChangeApproval(id string, approved bool, approvalRef string, approvedAt time.Time) error {
	res, err := s.db.Exec("UPDATE changes SET approved = ?, approval_ref = ?, approved_at = ? WHERE id = ?",
		approved, approvalRef, approvedAt, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) SetChangeMetadata(id string, metadata []byte) error {
	res, err := s.db.Exec("UPDATE changes SET metadata = ? WHERE id = ?", string(metadata), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) ListChanges(filter ChangeFilter) ([]*Change, error) {
	where, args := buildChangeWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, user_id, entity_kind, entity_id, operation, impact, old_value,
		new_value, diff, reason, approval_ref, requires_approval, approved, metadata,
		prev_hash, hash, changed_at, approved_at FROM changes` + where +
		" ORDER BY changed_at DESC LIMIT ?"
	args = append(args, limit)

	return s.queryChanges(query, args...)
}

func (s *SQLiteStore) ListEntityChanges(entityKind, entityID string) ([]*Change, error) {
	return s.queryChanges(`SELECT id, user_id, entity_kind, entity_id, operation, impact,
		old_value, new_value, diff, reason, approval_ref, requires_approval, approved,
		metadata, prev_hash, hash, changed_at, approved_at
		FROM changes WHERE entity_kind = ? AND entity_id = ? ORDER BY changed_at ASC`,
		entityKind, entityID)
}

func (s *SQLiteStore) LastEntityChange(entityKind, entityID string) (*Change, error) {
	changes, err := s.queryChanges(`SELECT id, user_id, entity_kind, entity_id, operation, impact,
		old_value, new_value, diff, reason, approval_ref, requires_approval, approved,
		metadata, prev_hash, hash, changed_at, approved_at
		FROM changes WHERE entity_kind = ? AND entity_id = ? ORDER BY changed_at DESC LIMIT 1`,
		entityKind, entityID)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return changes[0], nil
}

func (s *SQLiteStore) ListPendingApprovalChanges() ([]*Change, error) {
	return s.queryChanges(`SELECT id, user_id, entity_kind, entity_id, operation, impact,
		old_value, new_value, diff, reason, approval_ref, requires_approval, approved,
		metadata, prev_hash, hash, changed_at, approved_at
		FROM changes WHERE requires_approval = 1 AND approved = 0 AND approved_at IS NULL
		ORDER BY changed_at ASC`)
}

func (s *SQLiteStore) queryChanges(query string, args ...interface{}) ([]*Change, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*Change
	for rows.Next() {
		c := &Change{}
		var oldValue, newValue, diff, metadata sql.NullString
		var reason, approvalRef sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &c.EntityKind, &c.EntityID, &c.Operation, &c.Impact,
			&oldValue, &newValue, &diff, &reason, &approvalRef, &c.RequiresApproval, &c.Approved,
			&metadata, &c.PrevHash, &c.Hash, &c.ChangedAt, &c.ApprovedAt); err != nil {
			return nil, err
		}
		c.OldValue = jsonOrNil(oldValue)
		c.NewValue = jsonOrNil(newValue)
		c.Diff = jsonOrNil(diff)
		c.Reason = reason.String
		c.ApprovalRef = approvalRef.String
		c.Metadata = jsonOrNil(metadata)
		changes = append(changes, c)
	}
	return changes, nil
}

// --- Snapshots ---

func (s *SQLiteStore) InsertSnapshot(snap *Snapshot) error {
	_, err := s.db.Exec(`INSERT INTO snapshots (id, entity_kind, entity_id, version_number,
		state, created_by, created_at, active) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.EntityKind, snap.EntityID, snap.VersionNumber,
		string(snap.State), nullStr(snap.CreatedBy), snap.CreatedAt, snap.Active,
	)
	return err
}

func (s *SQLiteStore) GetSnapshot(id string) (*Snapshot, error) {
	snap := &Snapshot{}
	var state string
	var createdBy sql.NullString
	err := s.db.QueryRow(`SELECT id, entity_kind, entity_id, version_number, state,
		created_by, created_at, active FROM snapshots WHERE id = ?`, id).Scan(
		&snap.ID, &snap.EntityKind, &snap.EntityID, &snap.VersionNumber,
		&state, &createdBy, &snap.CreatedAt, &snap.Active,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.State = json.RawMessage(state)
	snap.CreatedBy = createdBy.String
	return snap, nil
}

func (s *SQLiteStore) MaxSnapshotVersion(entityKind, entityID string) (int, error) {
	var max int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version_number), 0) FROM snapshots
		WHERE entity_kind = ? AND entity_id = ?`, entityKind, entityID).Scan(&max)
	return max, err
}

func (s *SQLiteStore) ListEntityVersions(entityKind, entityID string, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, entity_kind, entity_id, version_number, state,
		created_by, created_at, active FROM snapshots
		WHERE entity_kind = ? AND entity_id = ? ORDER BY version_number DESC LIMIT ?`,
		entityKind, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		snap := &Snapshot{}
		var state string
		var createdBy sql.NullString
		if err := rows.Scan(&snap.ID, &snap.EntityKind, &snap.EntityID, &snap.VersionNumber,
			&state, &createdBy, &snap.CreatedAt, &snap.Active); err != nil {
			return nil, err
		}
		snap.State = json.RawMessage(state)
		snap.CreatedBy = createdBy.String
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (s *SQLiteStore) GetEntityAtTime(entityKind, entityID string, at time.Time) (*Snapshot, error) {
	snap := &Snapshot{}
	var state string
	var createdBy sql.NullString
	err := s.db.QueryRow(`SELECT id, entity_kind, entity_id, version_number, state,
		created_by, created_at, active FROM snapshots
		WHERE entity_kind = ? AND entity_id = ? AND created_at <= ?
		ORDER BY created_at DESC LIMIT 1`, entityKind, entityID, at).Scan(
		&snap.ID, &snap.EntityKind, &snap.EntityID, &snap.VersionNumber,
		&state, &createdBy, &snap.CreatedAt, &snap.Active,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.State = json.RawMessage(state)
	snap.CreatedBy = createdBy.String
	return snap, nil
}

// --- Rollbacks ---

func (s *SQLiteStore) InsertRollback(r *Rollback) error {
	_, err := s.db.Exec(`INSERT INTO rollbacks (id, requester, target_change_id, reason,
		dependent_change_ids, requires_approval, status, result, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Requester, r.TargetChangeID, nullStr(r.Reason),
		marshalStrings(r.DependentChangeIDs), r.RequiresApproval,
		string(r.Status), nullStr(r.Result), r.CreatedAt, r.ResolvedAt,
	)
	return err
}

func (s *SQLiteStore) GetRollback(id string) (*Rollback, error) {
	r := &Rollback{}
	var reason, result, dependents sql.NullString
	err := s.db.QueryRow(`SELECT id, requester, target_change_id, reason, dependent_change_ids,
		requires_approval, status, result, created_at, resolved_at
		FROM rollbacks WHERE id = ?`, id).Scan(
		&r.ID, &r.Requester, &r.TargetChangeID, &reason, &dependents,
		&r.RequiresApproval, &r.Status, &result, &r.CreatedAt, &r.ResolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Reason = reason.String
	r.Result = result.String
	r.DependentChangeIDs = unmarshalStrings(dependents)
	return r, nil
}

func (s *SQLiteStore) UpdateRollbackStatus(id string, status RollbackStatus, result string) error {
	now := time.Now()
	var resolvedAt *time.Time
	switch status {
	case RollbackCompleted, RollbackFailed, RollbackCancelled:
		resolvedAt = &now
	}
	res, err := s.db.Exec("UPDATE rollbacks SET status = ?, result = ?, resolved_at = ? WHERE id = ?",
		string(status), nullStr(result), resolvedAt, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) ListRollbacks(limit int) ([]*Rollback, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, requester, target_change_id, reason, dependent_change_ids,
		requires_approval, status, result, created_at, resolved_at
		FROM rollbacks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rollbacks []*Rollback
	for rows.Next() {
		r := &Rollback{}
		var reason, result, dependents sql.NullString
		if err := rows.Scan(&r.ID, &r.Requester, &r.TargetChangeID, &reason, &dependents,
			&r.RequiresApproval, &r.Status, &result, &r.CreatedAt, &r.ResolvedAt); err != nil {
			return nil, err
		}
		r.Reason = reason.String
		r.Result = result.String
		r.DependentChangeIDs = unmarshalStrings(dependents)
		rollbacks = append(rollbacks, r)
	}
	return rollbacks, nil
}

// --- Evaluations ---

func (s *SQLiteStore) InsertEvaluation(e *Evaluation) error {
	_, err := s.db.Exec(`INSERT INTO evaluations (transaction_id, is_flagged, overall_risk,
		fraud_score, rule_results, recommendation, detected_at, processing_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			is_flagged = excluded.is_flagged,
			overall_risk = excluded.overall_risk,
			fraud_score = excluded.fraud_score,
			rule_results = excluded.rule_results,
			recommendation = excluded.recommendation,
			detected_at = excluded.detected_at,
			processing_time_ms = excluded.processing_time_ms`,
		e.TransactionID, e.IsFlagged, e.OverallRisk, e.FraudScore,
		nullableJSON(e.RuleResults), e.Recommendation, e.DetectedAt, e.ProcessingTimeMs,
	)
	return err
}

func (s *SQLiteStore) ListEvaluations(limit int) ([]*Evaluation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT transaction_id, is_flagged, overall_risk, fraud_score,
		rule_results, recommendation, detected_at, processing_time_ms
		FROM evaluations ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []*Evaluation
	for rows.Next() {
		e := &Evaluation{}
		var ruleResults sql.NullString
		if err := rows.Scan(&e.TransactionID, &e.IsFlagged, &e.OverallRisk, &e.FraudScore,
			&ruleResults, &e.Recommendation, &e.DetectedAt, &e.ProcessingTimeMs); err != nil {
			return nil, err
		}
		e.RuleResults = jsonOrNil(ruleResults)
		evals = append(evals, e)
	}
	return evals, nil
}

// --- Maintenance ---

func (s *SQLiteStore) PruneOlderThan(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	var total int64
	result, err := s.db.Exec("DELETE FROM evaluations WHERE detected_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	total += n

	result, err = s.db.Exec("DELETE FROM changes WHERE changed_at < ?", cutoff)
	if err != nil {
		return total, err
	}
	n, _ = result.RowsAffected()
	total += n
	return total, nil
}

// --- System Stats ---

func (s *SQLiteStore) GetSystemStats() (*SystemStats, error) {
	stats := &SystemStats{}
	s.db.QueryRow("SELECT COUNT(*) FROM rules").Scan(&stats.TotalRules)
	s.db.QueryRow("SELECT COUNT(*) FROM rules WHERE active = 1").Scan(&stats.ActiveRules)
	s.db.QueryRow("SELECT COUNT(*) FROM translation_rules").Scan(&stats.TotalTranslationRules)
	s.db.QueryRow("SELECT COUNT(*) FROM changes").Scan(&stats.TotalChanges)
	s.db.QueryRow("SELECT COUNT(*) FROM changes WHERE requires_approval = 1 AND approved = 0 AND approved_at IS NULL").Scan(&stats.PendingApprovals)
	s.db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&stats.TotalSnapshots)
	s.db.QueryRow("SELECT COUNT(*) FROM rollbacks").Scan(&stats.TotalRollbacks)
	s.db.QueryRow("SELECT COUNT(*) FROM evaluations").Scan(&stats.TotalEvaluations)
	s.db.QueryRow("SELECT COUNT(*) FROM evaluations WHERE is_flagged = 1").Scan(&stats.FlaggedEvaluations)
	return stats, nil
}

// --- Helpers ---

var impactOrder = map[Impact]int{
	ImpactLow:      1,
	ImpactMedium:   2,
	ImpactHigh:     3,
	ImpactCritical: 4,
}

func buildChangeWhere(f ChangeFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.EntityKind != "" {
		conditions = append(conditions, "entity_kind = ?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Operation != "" {
		conditions = append(conditions, "operation = ?")
		args = append(args, string(f.Operation))
	}
	if f.MinImpact != "" {
		var impacts []string
		for impact, rank := range impactOrder {
			if rank >= impactOrder[f.MinImpact] {
				impacts = append(impacts, "'"+string(impact)+"'")
			}
		}
		conditions = append(conditions, "impact IN ("+strings.Join(impacts, ", ")+")")
	}
	if f.Since != nil {
		conditions = append(conditions, "changed_at >= ?")
		args = append(args, *f.Since)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJSON(data json.RawMessage) sql.NullString {
	if data == nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalStrings(v []string) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	data, _ := json.Marshal(v)
	return sql.NullString{String: string(data), Valid: true}
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(ns.String), &out)
	return out
}

func marshalStringMap(m map[string]string) sql.NullString {
	if len(m) == 0 {
		return sql.NullString{}
	}
	data, _ := json.Marshal(m)
	return sql.NullString{String: string(data), Valid: true}
}

func unmarshalStringMap(ns sql.NullString) map[string]string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out map[string]string
	_ = json.Unmarshal([]byte(ns.String), &out)
	return out
}
