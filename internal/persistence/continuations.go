package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// DelegationContinuation is the durable cursor of a parent's sequential
// delegation queue: the ordered department list and the next index to run.
// ChildTaskID is the delegated task currently executing for the department
// at NextDepartmentIndex, when one has been created.
type DelegationContinuation struct {
	ParentTaskID        string   `json:"parent_task_id"`
	Departments         []string `json:"departments"`
	NextDepartmentIndex int      `json:"next_department_index"`
	ChildTaskID         string   `json:"child_task_id,omitempty"`
	UpdatedAt           int64    `json:"updated_at"`
}

// Done reports whether every department has been handled.
func (c *DelegationContinuation) Done() bool {
	return c.NextDepartmentIndex >= len(c.Departments)
}

func (s *Store) SaveContinuation(ctx context.Context, c DelegationContinuation) error {
	depts, err := json.Marshal(c.Departments)
	if err != nil {
		return fmt.Errorf("marshal continuation departments: %w", err)
	}
	return withBusyRetry(ctx, "save_continuation", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO delegation_continuations (parent_task_id, departments_json, next_department_index,
				child_task_id, updated_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?)
			ON CONFLICT(parent_task_id) DO UPDATE SET
				departments_json = excluded.departments_json,
				next_department_index = excluded.next_department_index,
				child_task_id = excluded.child_task_id,
				updated_at = excluded.updated_at;
		`, c.ParentTaskID, string(depts), c.NextDepartmentIndex, c.ChildTaskID, s.nowMs())
		if err != nil {
			return fmt.Errorf("save continuation: %w", err)
		}
		return nil
	})
}

func scanContinuation(scanFn func(dest ...any) error, c *DelegationContinuation) error {
	var depts string
	if err := scanFn(&c.ParentTaskID, &depts, &c.NextDepartmentIndex, &c.ChildTaskID, &c.UpdatedAt); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(depts), &c.Departments); err != nil {
		return fmt.Errorf("decode continuation departments: %w", err)
	}
	return nil
}

func (s *Store) GetContinuation(ctx context.Context, parentTaskID string) (*DelegationContinuation, error) {
	var c DelegationContinuation
	err := scanContinuation(s.db.QueryRowContext(ctx, `
		SELECT parent_task_id, departments_json, next_department_index, COALESCE(child_task_id, ''), updated_at
		FROM delegation_continuations WHERE parent_task_id = ?;
	`, parentTaskID).Scan, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get continuation: %w", err)
	}
	return &c, nil
}

// GetContinuationByChild finds the continuation waiting on childTaskID.
func (s *Store) GetContinuationByChild(ctx context.Context, childTaskID string) (*DelegationContinuation, error) {
	var c DelegationContinuation
	err := scanContinuation(s.db.QueryRowContext(ctx, `
		SELECT parent_task_id, departments_json, next_department_index, COALESCE(child_task_id, ''), updated_at
		FROM delegation_continuations WHERE child_task_id = ?;
	`, childTaskID).Scan, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get continuation by child: %w", err)
	}
	return &c, nil
}

func (s *Store) ListContinuations(ctx context.Context) ([]DelegationContinuation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_task_id, departments_json, next_department_index, COALESCE(child_task_id, ''), updated_at
		FROM delegation_continuations ORDER BY updated_at;
	`)
	if err != nil {
		return nil, fmt.Errorf("list continuations: %w", err)
	}
	defer rows.Close()
	var out []DelegationContinuation
	for rows.Next() {
		var c DelegationContinuation
		if err := scanContinuation(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan continuation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteContinuation(ctx context.Context, parentTaskID string) error {
	return withBusyRetry(ctx, "delete_continuation", defaultBusyRetries, func() error {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM delegation_continuations WHERE parent_task_id = ?;
		`, parentTaskID); err != nil {
			return fmt.Errorf("delete continuation: %w", err)
		}
		return nil
	})
}
