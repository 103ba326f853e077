package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/go-company/internal/bus"
)

// Task log kinds.
const (
	LogSystem = "system"
	LogReport = "report"
	LogReview = "review"
)

type TaskLog struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"task_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"`
}

// AppendTaskLog stores one log line and publishes it on task.log.
func (s *Store) AppendTaskLog(ctx context.Context, taskID, kind, message string) error {
	if kind == "" {
		kind = LogSystem
	}
	err := withBusyRetry(ctx, "append_task_log", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_logs (task_id, kind, message, created_at) VALUES (?, ?, ?, ?);
		`, taskID, kind, message, s.nowMs())
		if err != nil {
			return fmt.Errorf("insert task log: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(bus.TopicTaskLog, bus.TaskLogEvent{TaskID: taskID, Kind: kind, Message: message})
	return nil
}

// ListTaskLogs returns the last limit lines of a task, oldest first.
func (s *Store) ListTaskLogs(ctx context.Context, taskID string, limit int) ([]TaskLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, message, created_at FROM (
			SELECT * FROM task_logs WHERE task_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	defer rows.Close()
	var out []TaskLog
	for rows.Next() {
		var l TaskLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Kind, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LatestTaskLogContaining returns the newest log line of taskID whose message
// contains substr, or ErrNotFound.
func (s *Store) LatestTaskLogContaining(ctx context.Context, taskID, substr string) (*TaskLog, error) {
	var l TaskLog
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, kind, message, created_at FROM task_logs
		WHERE task_id = ? AND instr(message, ?) > 0
		ORDER BY id DESC LIMIT 1;
	`, taskID, substr).Scan(&l.ID, &l.TaskID, &l.Kind, &l.Message, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest task log: %w", err)
	}
	return &l, nil
}
