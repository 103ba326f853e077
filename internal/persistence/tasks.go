package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/shared"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusInbox      TaskStatus = "inbox"
	TaskStatusPlanned    TaskStatus = "planned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// AllTaskStatuses lists every status in pipeline order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusInbox,
	TaskStatusPlanned,
	TaskStatusInProgress,
	TaskStatusReview,
	TaskStatusDone,
	TaskStatusPending,
	TaskStatusCancelled,
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusInbox: {
		TaskStatusPlanned:    {},
		TaskStatusInProgress: {},
		TaskStatusPending:    {},
		TaskStatusCancelled:  {},
	},
	TaskStatusPlanned: {
		TaskStatusInProgress: {},
		TaskStatusInbox:      {},
		TaskStatusPending:    {},
		TaskStatusCancelled:  {},
	},
	TaskStatusInProgress: {
		TaskStatusReview:    {},
		TaskStatusInbox:     {}, // Run failure and restart requeue.
		TaskStatusPending:   {}, // Operator pause.
		TaskStatusCancelled: {},
	},
	TaskStatusReview: {
		TaskStatusDone:       {},
		TaskStatusPending:    {}, // Supplement round.
		TaskStatusInProgress: {}, // Revision run after a hold.
		TaskStatusCancelled:  {},
	},
	TaskStatusPending: {
		TaskStatusInProgress: {},
		TaskStatusInbox:      {},
		TaskStatusPlanned:    {},
		TaskStatusCancelled:  {},
	},
}

// CanTransition reports whether from -> to is an edge of the task graph.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether no transition leaves status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return slices.Contains(AllTaskStatuses, s)
}

// TransitionError reports an attempted move along an edge that does not exist.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s (task %s)", e.From, e.To, e.TaskID)
}

type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Status          TaskStatus `json:"status"`
	TaskType        string     `json:"task_type"`
	Priority        int        `json:"priority"`
	DepartmentID    string     `json:"department_id,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	ProjectID       string     `json:"project_id,omitempty"`
	ProjectPath     string     `json:"project_path,omitempty"`
	SourceTaskID    string     `json:"source_task_id,omitempty"`
	BaseBranch      string     `json:"base_branch,omitempty"`
	Result          string     `json:"result,omitempty"`
	CreatedAt       int64      `json:"created_at"`
	StartedAt       int64      `json:"started_at,omitempty"`
	CompletedAt     int64      `json:"completed_at,omitempty"`
	UpdatedAt       int64      `json:"updated_at"`
}

// IsDelegatedChild reports whether the task executes another task's subtasks.
func (t *Task) IsDelegatedChild() bool {
	return t.SourceTaskID != ""
}

type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	RunID     string     `json:"run_id,omitempty"`
	TraceID   string     `json:"trace_id,omitempty"`
	StateFrom TaskStatus `json:"state_from"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt int64      `json:"created_at"`
}

const taskColumns = `id, title, description, status, task_type, priority,
	COALESCE(department_id, ''), COALESCE(assigned_agent_id, ''), COALESCE(project_id, ''),
	COALESCE(project_path, ''), COALESCE(source_task_id, ''), COALESCE(base_branch, ''),
	COALESCE(result, ''), created_at, COALESCE(started_at, 0), COALESCE(completed_at, 0), updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	return scanFn(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Status,
		&task.TaskType,
		&task.Priority,
		&task.DepartmentID,
		&task.AssignedAgentID,
		&task.ProjectID,
		&task.ProjectPath,
		&task.SourceTaskID,
		&task.BaseBranch,
		&task.Result,
		&task.CreatedAt,
		&task.StartedAt,
		&task.CompletedAt,
		&task.UpdatedAt,
	)
}

// CreateTask inserts t with a fresh id (unless set) and records a
// task.created event. Status defaults to inbox.
func (s *Store) CreateTask(ctx context.Context, t Task) (*Task, error) {
	if strings.TrimSpace(t.Title) == "" {
		return nil, fmt.Errorf("task title required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskStatusInbox
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("unknown task status %q", t.Status)
	}
	if t.TaskType == "" {
		t.TaskType = "general"
	}
	now := s.nowMs()
	t.CreatedAt, t.UpdatedAt = now, now

	err := withBusyRetry(ctx, "create_task", defaultBusyRetries, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, title, description, status, task_type, priority, department_id,
					assigned_agent_id, project_id, project_path, source_task_id, base_branch,
					created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, t.ID, t.Title, t.Description, t.Status, t.TaskType, t.Priority,
				nullString(t.DepartmentID), nullString(t.AssignedAgentID), nullString(t.ProjectID),
				nullString(t.ProjectPath), nullString(t.SourceTaskID), nullString(t.BaseBranch),
				now, now); err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
			return s.appendTaskEventTx(ctx, tx, t.ID, "", t.Status, "task.created", "")
		})
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{
		TaskID:    t.ID,
		NewStatus: string(t.Status),
		ProjectID: t.ProjectID,
		Reason:    "created",
	})
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Statuses     []TaskStatus
	ProjectID    string
	SourceTaskID string
	AgentID      string
	RootOnly     bool
	Limit        int
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.SourceTaskID != "" {
		where = append(where, "source_task_id = ?")
		args = append(args, f.SourceTaskID)
	}
	if f.AgentID != "" {
		where = append(where, "assigned_agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.RootOnly {
		where = append(where, "source_task_id IS NULL")
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY priority DESC, updated_at DESC, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionOptions carries the side updates applied with a status change.
type TransitionOptions struct {
	// AllowedFrom restricts the source status. Empty means "whatever the
	// task is in now", still subject to the transition graph.
	AllowedFrom     []TaskStatus
	Reason          string
	Result          *string
	AssignedAgentID *string
	MarkStarted     bool
	MarkCompleted   bool
}

// TransitionTask moves a task to status to. It returns false without error
// when the task is not in one of opts.AllowedFrom (a concurrent writer got
// there first), ErrNotFound for unknown ids and *TransitionError when the
// edge does not exist.
func (s *Store) TransitionTask(ctx context.Context, taskID string, to TaskStatus, opts TransitionOptions) (bool, error) {
	var (
		from      TaskStatus
		projectID string
		moved     bool
	)
	err := withBusyRetry(ctx, "transition_task", defaultBusyRetries, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var err error
			from, projectID, moved, err = s.transitionTaskTx(ctx, tx, taskID, to, opts)
			return err
		})
	})
	if err != nil || !moved {
		return false, err
	}
	s.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{
		TaskID:    taskID,
		OldStatus: string(from),
		NewStatus: string(to),
		ProjectID: projectID,
		Reason:    opts.Reason,
	})
	return true, nil
}

func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, to TaskStatus, opts TransitionOptions) (TaskStatus, string, bool, error) {
	var current TaskStatus
	var projectID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, COALESCE(project_id, '') FROM tasks WHERE id = ?;
	`, taskID).Scan(&current, &projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", false, ErrNotFound
		}
		return "", "", false, fmt.Errorf("select task for transition: %w", err)
	}
	if len(opts.AllowedFrom) > 0 && !slices.Contains(opts.AllowedFrom, current) {
		return current, projectID, false, nil
	}
	if !CanTransition(current, to) {
		return current, projectID, false, &TransitionError{TaskID: taskID, From: current, To: to}
	}

	now := s.nowMs()
	result := sql.NullString{}
	if opts.Result != nil {
		result = sql.NullString{String: *opts.Result, Valid: true}
	}
	agent := sql.NullString{}
	if opts.AssignedAgentID != nil {
		agent = sql.NullString{String: *opts.AssignedAgentID, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			assigned_agent_id = CASE WHEN ? THEN NULLIF(?, '') ELSE assigned_agent_id END,
			started_at = CASE WHEN ? THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? THEN ? ELSE completed_at END,
			updated_at = ?
		WHERE id = ? AND status = ?;
	`, to,
		result.Valid, result.String,
		agent.Valid, agent.String,
		opts.MarkStarted, now,
		opts.MarkCompleted, now,
		now, taskID, current)
	if err != nil {
		return current, projectID, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, projectID, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, projectID, false, nil
	}
	payload := ""
	if opts.Reason != "" {
		b, _ := json.Marshal(map[string]string{"reason": opts.Reason})
		payload = string(b)
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, "task."+string(to), payload); err != nil {
		return current, projectID, false, err
	}
	return current, projectID, true, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, run_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, taskID, shared.RunID(ctx), shared.TraceID(ctx), eventType, string(from), string(to), payload, s.nowMs())
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(run_id, ''), trace_id,
			COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &ev.RunID, &ev.TraceID,
			&ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SetTaskResult overwrites the captured output tail of a task.
func (s *Store) SetTaskResult(ctx context.Context, taskID, result string) error {
	return withBusyRetry(ctx, "set_task_result", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET result = ?, updated_at = ? WHERE id = ?;
		`, result, s.nowMs(), taskID)
		if err != nil {
			return fmt.Errorf("set task result: %w", err)
		}
		return nil
	})
}

// AssignTask sets the assignee (and department when non-empty) without a
// status change.
func (s *Store) AssignTask(ctx context.Context, taskID, agentID, departmentID string) error {
	return withBusyRetry(ctx, "assign_task", defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET assigned_agent_id = NULLIF(?, ''),
				department_id = COALESCE(NULLIF(?, ''), department_id),
				updated_at = ?
			WHERE id = ?;
		`, agentID, departmentID, s.nowMs(), taskID)
		if err != nil {
			return fmt.Errorf("assign task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ProjectGateSnapshot counts the tasks that gate a project's consolidated
// leadership review.
type ProjectGateSnapshot struct {
	ProjectID       string `json:"project_id"`
	ActiveTotal     int    `json:"active_total"`
	ActiveReview    int    `json:"active_review"`
	RootReviewTotal int    `json:"root_review_total"`
}

// Ready reports whether every active task of the project sits in review and
// at least one of them is a root task.
func (p ProjectGateSnapshot) Ready() bool {
	return p.ActiveTotal > 0 && p.ActiveTotal == p.ActiveReview && p.RootReviewTotal > 0
}

// ProjectGate snapshots the tasks of a project, delegated children
// included. Active means not done and not cancelled.
func (s *Store) ProjectGate(ctx context.Context, projectID string) (ProjectGateSnapshot, error) {
	snap := ProjectGateSnapshot{ProjectID: projectID}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status NOT IN ('done', 'cancelled') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'review' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'review' AND source_task_id IS NULL THEN 1 ELSE 0 END), 0)
		FROM tasks
		WHERE project_id = ?;
	`, projectID).Scan(&snap.ActiveTotal, &snap.ActiveReview, &snap.RootReviewTotal)
	if err != nil {
		return snap, fmt.Errorf("project gate snapshot: %w", err)
	}
	return snap, nil
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var st TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}
