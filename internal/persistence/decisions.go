package persistence

import (
	"context"
	"fmt"
)

// ReadyProject is a project whose active tasks all wait in review.
type ReadyProject struct {
	ProjectID   string
	ProjectName string
	ProjectPath string
	UpdatedAt   int64
	Gate        ProjectGateSnapshot
}

// ListReadyProjects returns projects that pass the review gate and have no
// review meeting in progress.
func (s *Store) ListReadyProjects(ctx context.Context) ([]ReadyProject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.project_id, COALESCE(p.name, t.project_id), COALESCE(p.path, ''),
			MAX(t.updated_at),
			SUM(CASE WHEN t.status NOT IN ('done', 'cancelled') THEN 1 ELSE 0 END),
			SUM(CASE WHEN t.status = 'review' THEN 1 ELSE 0 END),
			SUM(CASE WHEN t.status = 'review' AND t.source_task_id IS NULL THEN 1 ELSE 0 END)
		FROM tasks t
		LEFT JOIN projects p ON p.id = t.project_id
		WHERE t.project_id IS NOT NULL
			AND NOT EXISTS (
				SELECT 1 FROM meeting_minutes mm
				JOIN tasks mt ON mt.id = mm.task_id
				WHERE mt.project_id = t.project_id AND mm.status = 'in_progress'
			)
		GROUP BY t.project_id
		ORDER BY MAX(t.updated_at) DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list ready projects: %w", err)
	}
	defer rows.Close()
	var out []ReadyProject
	for rows.Next() {
		var rp ReadyProject
		if err := rows.Scan(&rp.ProjectID, &rp.ProjectName, &rp.ProjectPath, &rp.UpdatedAt,
			&rp.Gate.ActiveTotal, &rp.Gate.ActiveReview, &rp.Gate.RootReviewTotal); err != nil {
			return nil, fmt.Errorf("scan ready project: %w", err)
		}
		rp.Gate.ProjectID = rp.ProjectID
		if rp.Gate.Ready() {
			out = append(out, rp)
		}
	}
	return out, rows.Err()
}

// TimedOutTask is an inbox task whose last run hit a timeout.
type TimedOutTask struct {
	Task
	TimeoutAt int64
}

// ListTimedOutInboxTasks returns inbox tasks with a "RUN TIMEOUT" log line,
// most recent timeout first.
func (s *Store) ListTimedOutInboxTasks(ctx context.Context, limit int) ([]TimedOutTask, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`, timeout_at FROM (
			SELECT tasks.*, (
				SELECT MAX(tl.created_at) FROM task_logs tl
				WHERE tl.task_id = tasks.id AND instr(tl.message, 'RUN TIMEOUT') > 0
			) AS timeout_at
			FROM tasks WHERE status = 'inbox'
		)
		WHERE timeout_at IS NOT NULL
		ORDER BY timeout_at DESC, updated_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list timed out tasks: %w", err)
	}
	defer rows.Close()
	var out []TimedOutTask
	for rows.Next() {
		var tt TimedOutTask
		err := rows.Scan(&tt.ID, &tt.Title, &tt.Description, &tt.Status, &tt.TaskType, &tt.Priority,
			&tt.DepartmentID, &tt.AssignedAgentID, &tt.ProjectID, &tt.ProjectPath, &tt.SourceTaskID,
			&tt.BaseBranch, &tt.Result, &tt.CreatedAt, &tt.StartedAt, &tt.CompletedAt, &tt.UpdatedAt,
			&tt.TimeoutAt)
		if err != nil {
			return nil, fmt.Errorf("scan timed out task: %w", err)
		}
		out = append(out, tt)
	}
	return out, rows.Err()
}
