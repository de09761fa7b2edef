package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"devstack/internal/domain"
)

// ApprovalStore persists pending actions so another process (the CLI) can
// resolve them.
type ApprovalStore interface {
	CreateApproval(a domain.Approval) error
	ApprovalStatus(id string) (domain.ApprovalStatus, error)
	DeleteApproval(id string) error
}

// ApprovalPolicy decides how destructive tool calls are gated.
type ApprovalPolicy string

const (
	// ApprovalAsk files the action and waits for `devstack approvals approve`.
	ApprovalAsk  ApprovalPolicy = "ask"
	ApprovalAuto ApprovalPolicy = "auto"
	ApprovalDeny ApprovalPolicy = "deny"
)

// ApprovalQueue manages human-in-the-loop approval for destructive MCP tool
// calls. Pending actions are written to the approvals table and polled
// until a human resolves them, the timeout passes or ctx is done.
type ApprovalQueue struct {
	store   ApprovalStore
	policy  ApprovalPolicy
	timeout time.Duration
	poll    time.Duration
}

func NewApprovalQueue(store ApprovalStore, policy ApprovalPolicy, timeout time.Duration) *ApprovalQueue {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ApprovalQueue{store: store, policy: policy, timeout: timeout, poll: 500 * time.Millisecond}
}

// Request blocks until the action is approved or rejected.
// metadata is optional JSON with extra context (e.g. the instance id).
func (q *ApprovalQueue) Request(ctx context.Context, tool, description string, metadata ...string) (bool, error) {
	switch q.policy {
	case ApprovalAuto:
		return true, nil
	case ApprovalDeny:
		return false, fmt.Errorf("destructive actions are disabled: %s", tool)
	}
	if q.store == nil {
		return false, errors.New("no approval store configured")
	}

	id := uuid.New().String()
	meta := "{}"
	if len(metadata) > 0 && metadata[0] != "" {
		meta = metadata[0]
	}
	if err := q.store.CreateApproval(domain.Approval{
		ID: id, Tool: tool, Description: description, Metadata: meta, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return false, err
	}
	log.Info().Str("approval", id).Str("tool", tool).Msg("waiting for approval (devstack approvals approve " + id + ")")
	defer q.store.DeleteApproval(id)

	deadline := time.NewTimer(q.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status, err := q.store.ApprovalStatus(id)
			if err != nil {
				continue
			}
			switch status {
			case domain.ApprovalApproved:
				return true, nil
			case domain.ApprovalRejected:
				return false, fmt.Errorf("action rejected by user: %s", tool)
			}
		case <-deadline.C:
			return false, fmt.Errorf("action timed out after %s: %s", q.timeout, tool)
		case <-ctx.Done():
			return false, fmt.Errorf("context cancelled")
		}
	}
}
