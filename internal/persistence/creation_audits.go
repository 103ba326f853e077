package persistence

import (
	"context"
	"fmt"

	"github.com/basket/go-company/internal/shared"
	"github.com/google/uuid"
)

// TaskCreationAudit records who or what created a task.
type TaskCreationAudit struct {
	ID              string `json:"id"`
	TaskID          string `json:"task_id"`
	TaskTitle       string `json:"task_title"`
	TaskStatus      string `json:"task_status"`
	DepartmentID    string `json:"department_id,omitempty"`
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`
	SourceTaskID    string `json:"source_task_id,omitempty"`
	TaskType        string `json:"task_type,omitempty"`
	ProjectPath     string `json:"project_path,omitempty"`
	Trigger         string `json:"trigger"`
	TriggerDetail   string `json:"trigger_detail,omitempty"`
	ActorType       string `json:"actor_type"`
	ActorID         string `json:"actor_id,omitempty"`
	ActorName       string `json:"actor_name,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
	RequestIP       string `json:"request_ip,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
	PayloadHash     string `json:"payload_hash,omitempty"`
	PayloadPreview  string `json:"payload_preview,omitempty"`
	Completed       bool   `json:"completed"`
	CreatedAt       int64  `json:"created_at"`
	CompletedAt     int64  `json:"completed_at,omitempty"`
}

const payloadPreviewMax = 4000

// RecordTaskCreation stores a creation audit row. The task fields are copied
// from t so the row survives later edits. The request id comes from ctx when
// a.RequestID is empty.
func (s *Store) RecordTaskCreation(ctx context.Context, t *Task, a TaskCreationAudit) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ActorType == "" {
		a.ActorType = shared.SystemActor
	}
	if a.RequestID == "" {
		a.RequestID = shared.RequestID(ctx)
	}
	a.PayloadPreview = shared.Truncate(shared.Redact(a.PayloadPreview), payloadPreviewMax)
	return withBusyRetry(ctx, "record_task_creation", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_creation_audits (id, task_id, task_title, task_status, department_id,
				assigned_agent_id, source_task_id, task_type, project_path, trigger, trigger_detail,
				actor_type, actor_id, actor_name, request_id, request_ip, user_agent, payload_hash,
				payload_preview, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, a.ID, t.ID, t.Title, string(t.Status), nullString(t.DepartmentID), nullString(t.AssignedAgentID),
			nullString(t.SourceTaskID), nullString(t.TaskType), nullString(t.ProjectPath), a.Trigger,
			nullString(a.TriggerDetail), a.ActorType, nullString(a.ActorID), nullString(a.ActorName),
			nullString(a.RequestID), nullString(a.RequestIP), nullString(a.UserAgent), nullString(a.PayloadHash),
			nullString(a.PayloadPreview), s.nowMs())
		if err != nil {
			return fmt.Errorf("insert task creation audit: %w", err)
		}
		return nil
	})
}

// MarkTaskCreationCompleted flags the creation audit rows of a task as
// completed.
func (s *Store) MarkTaskCreationCompleted(ctx context.Context, taskID string) error {
	return withBusyRetry(ctx, "complete_task_creation", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE task_creation_audits SET completed = 1, completed_at = ?
			WHERE task_id = ? AND completed = 0;
		`, s.nowMs(), taskID)
		if err != nil {
			return fmt.Errorf("mark task creation completed: %w", err)
		}
		return nil
	})
}

func (s *Store) ListTaskCreationAudits(ctx context.Context, taskID string) ([]TaskCreationAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, task_title, task_status, COALESCE(department_id, ''), COALESCE(assigned_agent_id, ''),
			COALESCE(source_task_id, ''), COALESCE(task_type, ''), COALESCE(project_path, ''), trigger,
			COALESCE(trigger_detail, ''), actor_type, COALESCE(actor_id, ''), COALESCE(actor_name, ''),
			COALESCE(request_id, ''), COALESCE(request_ip, ''), COALESCE(user_agent, ''),
			COALESCE(payload_hash, ''), COALESCE(payload_preview, ''), completed, created_at,
			COALESCE(completed_at, 0)
		FROM task_creation_audits WHERE task_id = ? ORDER BY created_at;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task creation audits: %w", err)
	}
	defer rows.Close()
	var out []TaskCreationAudit
	for rows.Next() {
		var a TaskCreationAudit
		var completed int
		if err := rows.Scan(&a.ID, &a.TaskID, &a.TaskTitle, &a.TaskStatus, &a.DepartmentID, &a.AssignedAgentID,
			&a.SourceTaskID, &a.TaskType, &a.ProjectPath, &a.Trigger, &a.TriggerDetail, &a.ActorType,
			&a.ActorID, &a.ActorName, &a.RequestID, &a.RequestIP, &a.UserAgent, &a.PayloadHash,
			&a.PayloadPreview, &completed, &a.CreatedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task creation audit: %w", err)
		}
		a.Completed = completed == 1
		out = append(out, a)
	}
	return out, rows.Err()
}
