package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Message sender and receiver types.
const (
	SenderCEO    = "ceo"
	SenderAgent  = "agent"
	SenderSystem = "system"

	ReceiverAgent      = "agent"
	ReceiverDepartment = "department"
	ReceiverAll        = "all"
)

// Message types.
const (
	MessageChat         = "chat"
	MessageAnnouncement = "announcement"
	MessageDirective    = "directive"
	MessageReport       = "report"
	MessageTaskAssign   = "task_assign"
)

type Message struct {
	ID             string `json:"id"`
	SenderType     string `json:"sender_type"`
	SenderID       string `json:"sender_id,omitempty"`
	ReceiverType   string `json:"receiver_type"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	TaskID         string `json:"task_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	PayloadHash    string `json:"-"`
	CreatedAt      int64  `json:"created_at"`
}

const messageColumns = `id, sender_type, COALESCE(sender_id, ''), receiver_type, COALESCE(receiver_id, ''),
	content, message_type, COALESCE(task_id, ''), COALESCE(project_id, ''), COALESCE(idempotency_key, ''),
	COALESCE(payload_hash, ''), created_at`

func scanMessage(scanFn func(dest ...any) error, m *Message) error {
	return scanFn(&m.ID, &m.SenderType, &m.SenderID, &m.ReceiverType, &m.ReceiverID, &m.Content,
		&m.MessageType, &m.TaskID, &m.ProjectID, &m.IdempotencyKey, &m.PayloadHash, &m.CreatedAt)
}

// InsertMessage stores a message without idempotency handling.
func (s *Store) InsertMessage(ctx context.Context, m Message) (*Message, error) {
	m.IdempotencyKey = ""
	out, _, err := s.InsertMessageIdempotent(ctx, m)
	return out, err
}

// InsertMessageIdempotent stores m unless m.IdempotencyKey was already used.
// A reused key with the same PayloadHash returns the original row with
// created=false; a different hash returns *IdempotencyConflictError.
// Persistent lock contention returns *StorageBusyError.
func (s *Store) InsertMessageIdempotent(ctx context.Context, m Message) (*Message, bool, error) {
	if strings.TrimSpace(m.Content) == "" {
		return nil, false, fmt.Errorf("message content required")
	}
	if m.MessageType == "" {
		m.MessageType = MessageChat
	}
	if m.ReceiverType == "" {
		m.ReceiverType = ReceiverAll
	}
	key := strings.TrimSpace(m.IdempotencyKey)
	m.IdempotencyKey = key

	var (
		out     *Message
		created bool
	)
	err := withBusyRetry(ctx, "insert_message", defaultBusyRetries, func() error {
		out, created = nil, false
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if key != "" {
				var existing Message
				err := scanMessage(tx.QueryRowContext(ctx, `
					SELECT `+messageColumns+` FROM messages WHERE idempotency_key = ?;
				`, key).Scan, &existing)
				switch {
				case err == nil:
					if existing.PayloadHash != m.PayloadHash {
						return &IdempotencyConflictError{Key: key}
					}
					out = &existing
					return nil
				case errors.Is(err, sql.ErrNoRows):
				default:
					return fmt.Errorf("select message by idempotency key: %w", err)
				}
			}

			row := m
			if row.ID == "" {
				row.ID = uuid.NewString()
			}
			row.CreatedAt = s.nowMs()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, sender_type, sender_id, receiver_type, receiver_id, content,
					message_type, task_id, project_id, idempotency_key, payload_hash, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, row.ID, row.SenderType, nullString(row.SenderID), row.ReceiverType, nullString(row.ReceiverID),
				row.Content, row.MessageType, nullString(row.TaskID), nullString(row.ProjectID),
				nullString(key), nullString(row.PayloadHash), row.CreatedAt); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			out, created = &row, true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?;`, id).Scan, &m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// DeleteMessage removes a message. It is the rollback path for an accepted
// insert whose audit record could not be written.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return withBusyRetry(ctx, "delete_message", defaultBusyRetries, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		return nil
	})
}

// RecentAgentMessages returns the last limit messages sent to or by agentID
// (plus broadcasts), oldest first.
func (s *Store) RecentAgentMessages(ctx context.Context, agentID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT rowid AS seq, * FROM messages
			WHERE (receiver_type = 'agent' AND receiver_id = ?)
				OR (sender_type = 'agent' AND sender_id = ?)
				OR receiver_type = 'all'
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC;
	`, agentID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent agent messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows.Scan, &m); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMessages returns the newest messages first.
func (s *Store) ListMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages ORDER BY created_at DESC, rowid DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows.Scan, &m); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
