package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrWorkflowNotFound is returned when no workflow has the requested id
var ErrWorkflowNotFound = errors.New("workflow not found")

// WorkflowStatusInfo represents the status of a workflow
type WorkflowStatusInfo struct {
	WorkflowID string
	Status     string
	Name       string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Done reports whether the workflow reached a final state
func (s WorkflowStatusInfo) Done() bool {
	switch s.Status {
	case "SUCCESS", "ERROR", "CANCELLED", "MAX_RECOVERY_ATTEMPTS_EXCEEDED":
		return true
	}
	return false
}

// GetWorkflowStatus reads a workflow's row from the DBOS status table
func (r *Runtime) GetWorkflowStatus(ctx context.Context, workflowID string) (*WorkflowStatusInfo, error) {
	query := `
		SELECT workflow_uuid, status, name, COALESCE(error, ''), created_at, updated_at
		FROM dbos.workflow_status
		WHERE workflow_uuid = $1
	`

	var (
		info                 WorkflowStatusInfo
		createdAt, updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, query, workflowID).Scan(
		&info.WorkflowID,
		&info.Status,
		&info.Name,
		&info.Error,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow status: %w", err)
	}

	info.CreatedAt = time.UnixMilli(createdAt)
	info.UpdatedAt = time.UnixMilli(updatedAt)
	return &info, nil
}
