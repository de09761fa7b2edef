package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"devstack/internal/domain"
)

// ApprovalStore is the cross-process queue between the MCP server, which
// files destructive actions, and the CLI, which resolves them.
type ApprovalStore struct {
	db *DB
}

func NewApprovalStore(db *DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

// CreateApproval files a pending action.
func (s *ApprovalStore) CreateApproval(a domain.Approval) error {
	if a.Metadata == "" {
		a.Metadata = "{}"
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.Conn().Exec(
		`INSERT INTO mcp_approvals (id, tool, description, status, metadata, created_at) VALUES (?, ?, ?, 'pending', ?, ?)`,
		a.ID, a.Tool, a.Description, a.Metadata, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// ApprovalStatus returns the status of one action.
func (s *ApprovalStore) ApprovalStatus(id string) (domain.ApprovalStatus, error) {
	var status string
	err := s.db.Conn().QueryRow(`SELECT status FROM mcp_approvals WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", domain.ErrApprovalNotFound, id)
	}
	if err != nil {
		return "", err
	}
	return domain.ApprovalStatus(status), nil
}

// ResolveApproval approves or rejects a pending action.
func (s *ApprovalStore) ResolveApproval(id string, approved bool) error {
	status := domain.ApprovalRejected
	if approved {
		status = domain.ApprovalApproved
	}
	res, err := s.db.Conn().Exec(
		`UPDATE mcp_approvals SET status = ? WHERE id = ? AND status = 'pending'`, string(status), id,
	)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: no pending action %s", domain.ErrApprovalNotFound, id)
	}
	return nil
}

// DeleteApproval removes an action once its requester has seen the outcome.
func (s *ApprovalStore) DeleteApproval(id string) error {
	_, err := s.db.Conn().Exec(`DELETE FROM mcp_approvals WHERE id = ?`, id)
	return err
}

// ListPendingApprovals returns pending actions, oldest first.
func (s *ApprovalStore) ListPendingApprovals() ([]domain.Approval, error) {
	rows, err := s.db.Conn().Query(
		`SELECT id, tool, description, status, metadata, created_at FROM mcp_approvals
		 WHERE status = 'pending' ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Approval
	for rows.Next() {
		var (
			a      domain.Approval
			status string
		)
		if err := rows.Scan(&a.ID, &a.Tool, &a.Description, &status, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Status = domain.ApprovalStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}
