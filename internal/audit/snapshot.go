package audit

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/store"
)

// CreateSnapshot assigns the next version number for the entity and persists
// the snapshot. Version numbers are gap-free and start at 1.
func (e *Engine) CreateSnapshot(s *store.Snapshot) (string, error) {
	if s == nil || s.EntityKind == "" || s.EntityID == "" || len(s.State) == 0 {
		return "", faults.New(faults.KindValidation,
			"snapshot requires entity_kind, entity_id, and state")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	maxVersion, err := e.store.MaxSnapshotVersion(s.EntityKind, s.EntityID)
	if err != nil {
		return "", faults.Wrap(faults.KindDatabase, "failed to read snapshot version", err)
	}

	s.ID = ulid.Make().String()
	s.VersionNumber = maxVersion + 1
	s.CreatedAt = time.Now().UTC()
	s.Active = true

	if err := e.store.InsertSnapshot(s); err != nil {
		return "", faults.Wrap(faults.KindDatabase, "failed to persist snapshot", err)
	}

	e.logger.Debug("snapshot created",
		"snapshot_id", s.ID,
		"entity_kind", s.EntityKind,
		"entity_id", s.EntityID,
		"version", s.VersionNumber)
	return s.ID, nil
}

// GetSnapshot returns a snapshot by id, NOT_FOUND when unknown.
func (e *Engine) GetSnapshot(id string) (*store.Snapshot, error) {
	s, err := e.store.GetSnapshot(id)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "failed to load snapshot", err)
	}
	if s == nil {
		return nil, faults.Newf(faults.KindNotFound, "snapshot %s not found", id)
	}
	return s, nil
}

// GetEntityVersions returns an entity's snapshots, newest first.
func (e *Engine) GetEntityVersions(entityKind, entityID string, limit int) ([]*store.Snapshot, error) {
	versions, err := e.store.ListEntityVersions(entityKind, entityID, limit)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "failed to list entity versions", err)
	}
	return versions, nil
}

// GetEntityAtPointInTime returns the most recent snapshot not after the given
// timestamp, or nil when none exists.
func (e *Engine) GetEntityAtPointInTime(entityKind, entityID string, at time.Time) (*store.Snapshot, error) {
	s, err := e.store.GetEntityAtTime(entityKind, entityID, at)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "failed to query point-in-time snapshot", err)
	}
	return s, nil
}
