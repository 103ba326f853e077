package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/go-company/internal/bus"
)

// Agent roles, highest rank first.
const (
	RoleTeamLeader = "team_leader"
	RoleSenior     = "senior"
	RoleJunior     = "junior"
	RoleIntern     = "intern"
)

// Agent statuses.
const (
	AgentIdle    = "idle"
	AgentWorking = "working"
	AgentOffline = "offline"
	AgentBreak   = "break"
)

type Department struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Prompt   string `json:"prompt,omitempty"`
}

type Agent struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DepartmentID   string `json:"department_id,omitempty"`
	Role           string `json:"role"`
	Provider       string `json:"provider"`
	Personality    string `json:"personality,omitempty"`
	Status         string `json:"status"`
	CurrentTaskID  string `json:"current_task_id,omitempty"`
	StatsTasksDone int    `json:"stats_tasks_done"`
	XP             int    `json:"xp"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// IsLeader reports whether the agent leads its department.
func (a *Agent) IsLeader() bool { return a.Role == RoleTeamLeader }

type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	GitHubRepo string `json:"github_repo,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
}

// UpsertDepartment inserts or refreshes a department row.
func (s *Store) UpsertDepartment(ctx context.Context, d Department) error {
	return withBusyRetry(ctx, "upsert_department", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO departments (id, name, priority, prompt, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, priority = excluded.priority,
				prompt = excluded.prompt, updated_at = excluded.updated_at;
		`, d.ID, d.Name, d.Priority, d.Prompt, s.nowMs())
		if err != nil {
			return fmt.Errorf("upsert department: %w", err)
		}
		return nil
	})
}

func (s *Store) GetDepartment(ctx context.Context, id string) (*Department, error) {
	var d Department
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, priority, prompt FROM departments WHERE id = ?;
	`, id).Scan(&d.ID, &d.Name, &d.Priority, &d.Prompt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get department: %w", err)
	}
	return &d, nil
}

// ListDepartments returns departments in execution priority order.
func (s *Store) ListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, priority, prompt FROM departments ORDER BY priority, id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	defer rows.Close()
	var out []Department
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.ID, &d.Name, &d.Priority, &d.Prompt); err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertAgent inserts an agent or refreshes its roster fields. Runtime fields
// (status, current task, stats) survive a refresh.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	if a.Role == "" {
		a.Role = RoleJunior
	}
	now := s.nowMs()
	return withBusyRetry(ctx, "upsert_agent", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, department_id, role, provider, personality, status, created_at, updated_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, 'idle', ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, department_id = excluded.department_id, role = excluded.role,
				provider = excluded.provider, personality = excluded.personality,
				updated_at = excluded.updated_at;
		`, a.ID, a.Name, a.DepartmentID, a.Role, a.Provider, a.Personality, now, now)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

const agentColumns = `id, name, COALESCE(department_id, ''), role, provider, personality, status,
	COALESCE(current_task_id, ''), stats_tasks_done, xp, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error, a *Agent) error {
	return scanFn(&a.ID, &a.Name, &a.DepartmentID, &a.Role, &a.Provider, &a.Personality, &a.Status,
		&a.CurrentTaskID, &a.StatsTasksDone, &a.XP, &a.CreatedAt, &a.UpdatedAt)
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, agentID).Scan, &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns agents, optionally filtered to one department.
func (s *Store) ListAgents(ctx context.Context, departmentID string) ([]Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if departmentID != "" {
		q += ` WHERE department_id = ?`
		args = append(args, departmentID)
	}
	q += ` ORDER BY department_id, CASE role
		WHEN 'team_leader' THEN 0 WHEN 'senior' THEN 1 WHEN 'junior' THEN 2 ELSE 3 END, id;`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// FindTeamLeader returns the leader of a department, or ErrNotFound.
func (s *Store) FindTeamLeader(ctx context.Context, departmentID string) (*Agent, error) {
	var a Agent
	err := scanAgent(s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE department_id = ? AND role = 'team_leader'
		ORDER BY id LIMIT 1;
	`, departmentID).Scan, &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find team leader: %w", err)
	}
	return &a, nil
}

// FindBestSubordinate picks a non-leader, non-offline agent of the
// department: idle before busy, then by role rank, then fewest completed
// tasks. excludeID is skipped.
func (s *Store) FindBestSubordinate(ctx context.Context, departmentID, excludeID string) (*Agent, error) {
	var a Agent
	err := scanAgent(s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE department_id = ? AND role != 'team_leader' AND status != 'offline' AND id != ?
		ORDER BY CASE status WHEN 'idle' THEN 0 ELSE 1 END,
			CASE role WHEN 'senior' THEN 0 WHEN 'junior' THEN 1 ELSE 2 END,
			stats_tasks_done, id
		LIMIT 1;
	`, departmentID, excludeID).Scan, &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find best subordinate: %w", err)
	}
	return &a, nil
}

// SetAgentStatus updates status and the current task pointer.
func (s *Store) SetAgentStatus(ctx context.Context, agentID, status, currentTaskID string) error {
	err := withBusyRetry(ctx, "set_agent_status", defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, current_task_id = NULLIF(?, ''), updated_at = ? WHERE id = ?;
		`, status, currentTaskID, s.nowMs(), agentID)
		if err != nil {
			return fmt.Errorf("update agent status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(bus.TopicAgentStatus, bus.AgentStatusEvent{
		AgentID:       agentID,
		Status:        status,
		CurrentTaskID: currentTaskID,
	})
	return nil
}

// ReleaseAgent sets an agent idle after finishing taskID and credits the
// run when success is true. Agents that moved on to another task are left
// alone.
func (s *Store) ReleaseAgent(ctx context.Context, agentID, taskID string, success bool) error {
	var released bool
	err := withBusyRetry(ctx, "release_agent", defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents
			SET status = CASE WHEN status = 'offline' THEN status ELSE 'idle' END,
				current_task_id = NULL,
				stats_tasks_done = stats_tasks_done + ?,
				xp = xp + ?,
				updated_at = ?
			WHERE id = ? AND (current_task_id IS NULL OR current_task_id = ?);
		`, boolToInt(success), 10*boolToInt(success), s.nowMs(), agentID, taskID)
		if err != nil {
			return fmt.Errorf("release agent: %w", err)
		}
		n, _ := res.RowsAffected()
		released = n > 0
		return nil
	})
	if err != nil {
		return err
	}
	if released {
		s.bus.Publish(bus.TopicAgentStatus, bus.AgentStatusEvent{AgentID: agentID, Status: AgentIdle})
	}
	return nil
}

// ResetWorkingAgents puts every working agent back to idle. Used on startup
// when no process survives the restart.
func (s *Store) ResetWorkingAgents(ctx context.Context) (int64, error) {
	var n int64
	err := withBusyRetry(ctx, "reset_agents", defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = 'idle', current_task_id = NULL, updated_at = ?
			WHERE status = 'working';
		`, s.nowMs())
		if err != nil {
			return fmt.Errorf("reset working agents: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (s *Store) UpsertProject(ctx context.Context, p Project) error {
	return withBusyRetry(ctx, "upsert_project", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, name, path, github_repo, base_branch, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, path = excluded.path, github_repo = excluded.github_repo,
				base_branch = excluded.base_branch, updated_at = excluded.updated_at;
		`, p.ID, p.Name, p.Path, p.GitHubRepo, p.BaseBranch, s.nowMs())
		if err != nil {
			return fmt.Errorf("upsert project: %w", err)
		}
		return nil
	})
}

func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, github_repo, base_branch FROM projects WHERE id = ?;
	`, id).Scan(&p.ID, &p.Name, &p.Path, &p.GitHubRepo, &p.BaseBranch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// ClaimProjectGateNotice records a gate notification for the project unless
// one was sent within intervalMs. It reports whether the caller should notify.
func (s *Store) ClaimProjectGateNotice(ctx context.Context, projectID string, intervalMs int64) (bool, error) {
	var claimed bool
	err := withBusyRetry(ctx, "claim_gate_notice", defaultBusyRetries, func() error {
		now := s.nowMs()
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, name, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, projectID, projectID, now); err != nil {
			return fmt.Errorf("ensure project row: %w", err)
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE projects SET last_gate_notified_at = ?
			WHERE id = ? AND (last_gate_notified_at IS NULL OR last_gate_notified_at <= ?);
		`, now, projectID, now-intervalMs)
		if err != nil {
			return fmt.Errorf("claim gate notice: %w", err)
		}
		n, _ := res.RowsAffected()
		claimed = n == 1
		return nil
	})
	return claimed, err
}
