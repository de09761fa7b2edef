package domain

import (
	"errors"
	"time"
)

// ApprovalStatus is the state of a pending destructive action.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

var ErrApprovalNotFound = errors.New("approval not found")

// Approval is a destructive MCP tool call waiting for a human decision.
type Approval struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	Description string         `json:"description"`
	Status      ApprovalStatus `json:"status"`
	Metadata    string         `json:"metadata"`
	CreatedAt   time.Time      `json:"createdAt"`
}
