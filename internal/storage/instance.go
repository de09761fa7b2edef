package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"devstack/internal/domain"
)

// InstanceStore persists registry instances in SQLite. It implements
// domain.InstanceStore. Install progress is transient and never stored.
type InstanceStore struct {
	db *DB
}

// NewInstanceStore creates a new InstanceStore.
func NewInstanceStore(db *DB) *InstanceStore {
	return &InstanceStore{db: db}
}

// SaveInstance inserts or replaces the row for inst.
func (s *InstanceStore) SaveInstance(inst *domain.Instance) error {
	versions, err := json.Marshal(inst.AvailableVersions)
	if err != nil {
		return fmt.Errorf("encode versions: %w", err)
	}
	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := inst.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = s.db.Conn().Exec(
		`INSERT INTO instances (id, name, engine, current_version, available_versions_json, status, port, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, engine=excluded.engine, current_version=excluded.current_version,
			available_versions_json=excluded.available_versions_json, status=excluded.status,
			port=excluded.port, last_error=excluded.last_error, updated_at=excluded.updated_at`,
		inst.ID, inst.Name, string(inst.Engine), inst.CurrentVersion, string(versions),
		string(inst.Status), int(inst.Port), inst.LastError, createdAt, updatedAt,
	)
	return err
}

// ListInstances returns every persisted instance, oldest first.
func (s *InstanceStore) ListInstances() ([]domain.Instance, error) {
	rows, err := s.db.Conn().Query(
		`SELECT id, name, engine, current_version, available_versions_json, status, port, last_error, created_at, updated_at
		 FROM instances ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Instance
	for rows.Next() {
		var (
			inst     domain.Instance
			versions string
			port     int
		)
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.Engine, &inst.CurrentVersion, &versions,
			&inst.Status, &port, &inst.LastError, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(versions), &inst.AvailableVersions); err != nil {
			return nil, fmt.Errorf("decode versions of %s: %w", inst.ID, err)
		}
		if port < 0 || port > 65535 {
			port = 0 // re-assigned on restore
		}
		inst.Port = uint16(port)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// DeleteInstance removes the row for id. Deleting a missing row is a no-op.
func (s *InstanceStore) DeleteInstance(id string) error {
	_, err := s.db.Conn().Exec(`DELETE FROM instances WHERE id = ?`, id)
	return err
}
