package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-company/internal/bus"
	"github.com/google/uuid"
)

type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskDone       SubtaskStatus = "done"
	SubtaskBlocked    SubtaskStatus = "blocked"
)

type Subtask struct {
	ID                 string        `json:"id"`
	TaskID             string        `json:"task_id"`
	Title              string        `json:"title"`
	Description        string        `json:"description"`
	Status             SubtaskStatus `json:"status"`
	TargetDepartmentID string        `json:"target_department_id,omitempty"`
	DelegatedTaskID    string        `json:"delegated_task_id,omitempty"`
	AssignedAgentID    string        `json:"assigned_agent_id,omitempty"`
	BlockedReason      string        `json:"blocked_reason,omitempty"`
	CreatedAt          int64         `json:"created_at"`
	CompletedAt        int64         `json:"completed_at,omitempty"`
}

// IsForeign reports whether the subtask belongs to a department other than
// ownerDepartmentID.
func (st *Subtask) IsForeign(ownerDepartmentID string) bool {
	return st.TargetDepartmentID != "" && st.TargetDepartmentID != ownerDepartmentID
}

// Open reports whether the subtask still needs work.
func (st *Subtask) Open() bool {
	return st.Status != SubtaskDone && st.Status != SubtaskBlocked
}

const subtaskColumns = `id, task_id, title, description, status, COALESCE(target_department_id, ''),
	COALESCE(delegated_task_id, ''), COALESCE(assigned_agent_id, ''), COALESCE(blocked_reason, ''),
	created_at, COALESCE(completed_at, 0)`

func scanSubtask(scanFn func(dest ...any) error, st *Subtask) error {
	return scanFn(&st.ID, &st.TaskID, &st.Title, &st.Description, &st.Status, &st.TargetDepartmentID,
		&st.DelegatedTaskID, &st.AssignedAgentID, &st.BlockedReason, &st.CreatedAt, &st.CompletedAt)
}

func (s *Store) CreateSubtask(ctx context.Context, st Subtask) (*Subtask, error) {
	if strings.TrimSpace(st.Title) == "" {
		return nil, fmt.Errorf("subtask title required")
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = SubtaskPending
	}
	st.CreatedAt = s.nowMs()
	err := withBusyRetry(ctx, "create_subtask", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO subtasks (id, task_id, title, description, status, target_department_id,
				delegated_task_id, assigned_agent_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, st.ID, st.TaskID, st.Title, st.Description, st.Status, nullString(st.TargetDepartmentID),
			nullString(st.DelegatedTaskID), nullString(st.AssignedAgentID), st.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert subtask: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishSubtask(st)
	return &st, nil
}

func (s *Store) GetSubtask(ctx context.Context, id string) (*Subtask, error) {
	var st Subtask
	err := scanSubtask(s.db.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?;`, id).Scan, &st)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subtask: %w", err)
	}
	return &st, nil
}

// ListSubtasks returns the subtasks of a task in creation order.
func (s *Store) ListSubtasks(ctx context.Context, taskID string) ([]Subtask, error) {
	return s.querySubtasks(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? ORDER BY created_at, id;`, taskID)
}

// ListSubtasksByDelegatedTask returns the subtasks linked to a delegated child.
func (s *Store) ListSubtasksByDelegatedTask(ctx context.Context, childTaskID string) ([]Subtask, error) {
	return s.querySubtasks(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE delegated_task_id = ? ORDER BY created_at, id;`, childTaskID)
}

func (s *Store) querySubtasks(ctx context.Context, q string, args ...any) ([]Subtask, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()
	var out []Subtask
	for rows.Next() {
		var st Subtask
		if err := scanSubtask(rows.Scan, &st); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CompleteLocalSubtasks marks done every open subtask of taskID that has no
// foreign target department. It returns the number of rows changed.
func (s *Store) CompleteLocalSubtasks(ctx context.Context, taskID, ownerDepartmentID string) (int, error) {
	subs, err := s.ListSubtasks(ctx, taskID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range subs {
		if !st.Open() || st.IsForeign(ownerDepartmentID) || st.DelegatedTaskID != "" {
			continue
		}
		if err := s.SetSubtaskStatus(ctx, st.ID, SubtaskDone, ""); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// SetSubtaskStatus updates status, stamping completed_at on done and
// recording reason on blocked. A subtask linked to a delegated child can not
// be marked done while that child is still active.
func (s *Store) SetSubtaskStatus(ctx context.Context, id string, status SubtaskStatus, reason string) error {
	var updated Subtask
	err := withBusyRetry(ctx, "set_subtask_status", defaultBusyRetries, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if err := scanSubtask(tx.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?;`, id).Scan, &updated); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				return fmt.Errorf("select subtask: %w", err)
			}
			if status == SubtaskDone && updated.DelegatedTaskID != "" {
				var childStatus TaskStatus
				err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, updated.DelegatedTaskID).Scan(&childStatus)
				if err == nil && !childStatus.IsTerminal() && childStatus != TaskStatusReview {
					return fmt.Errorf("subtask %s is linked to active task %s (%s)", id, updated.DelegatedTaskID, childStatus)
				}
				if err != nil && !errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("select delegated task: %w", err)
				}
			}
			now := s.nowMs()
			if _, err := tx.ExecContext(ctx, `
				UPDATE subtasks
				SET status = ?,
					blocked_reason = CASE WHEN ? = 'blocked' THEN NULLIF(?, '') ELSE NULL END,
					completed_at = CASE WHEN ? = 'done' THEN ? ELSE NULL END
				WHERE id = ?;
			`, status, status, reason, status, now, id); err != nil {
				return fmt.Errorf("update subtask status: %w", err)
			}
			updated.Status = status
			updated.BlockedReason = ""
			if status == SubtaskBlocked {
				updated.BlockedReason = reason
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.publishSubtask(updated)
	return nil
}

// LinkSubtasksToDelegatedTask points each subtask at childTaskID and moves
// it to in_progress.
func (s *Store) LinkSubtasksToDelegatedTask(ctx context.Context, subtaskIDs []string, childTaskID, agentID string) error {
	if len(subtaskIDs) == 0 {
		return nil
	}
	err := withBusyRetry(ctx, "link_subtasks", defaultBusyRetries, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			for _, id := range subtaskIDs {
				if _, err := tx.ExecContext(ctx, `
					UPDATE subtasks
					SET delegated_task_id = ?, assigned_agent_id = NULLIF(?, ''), status = 'in_progress',
						blocked_reason = NULL
					WHERE id = ?;
				`, childTaskID, agentID, id); err != nil {
					return fmt.Errorf("link subtask %s: %w", id, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, id := range subtaskIDs {
		s.bus.Publish(bus.TopicSubtaskUpdated, bus.SubtaskUpdatedEvent{
			SubtaskID:       id,
			Status:          string(SubtaskInProgress),
			DelegatedTaskID: childTaskID,
		})
	}
	return nil
}

// ReopenBlockedDelegatedSubtask clears a blocked subtask's delegation link so
// the delegation queue picks it up again.
func (s *Store) ReopenBlockedDelegatedSubtask(ctx context.Context, id string) error {
	return withBusyRetry(ctx, "reopen_subtask", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE subtasks
			SET status = 'pending', delegated_task_id = NULL, blocked_reason = NULL, completed_at = NULL
			WHERE id = ? AND status = 'blocked';
		`, id)
		if err != nil {
			return fmt.Errorf("reopen subtask: %w", err)
		}
		return nil
	})
}

func (s *Store) publishSubtask(st Subtask) {
	s.bus.Publish(bus.TopicSubtaskUpdated, bus.SubtaskUpdatedEvent{
		SubtaskID:       st.ID,
		TaskID:          st.TaskID,
		Status:          string(st.Status),
		DelegatedTaskID: st.DelegatedTaskID,
		BlockedReason:   st.BlockedReason,
	})
}
