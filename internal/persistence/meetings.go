package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Meeting statuses.
const (
	MeetingInProgress        = "in_progress"
	MeetingCompleted         = "completed"
	MeetingRevisionRequested = "revision_requested"
	MeetingEscalated         = "escalated"
	MeetingCancelled         = "cancelled"
)

// Review round statuses.
const (
	RoundOpen      = "open"
	RoundApproved  = "approved"
	RoundHold      = "hold"
	RoundEscalated = "escalated"
	RoundResolved  = "resolved"
)

type MeetingMinute struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	MeetingType string `json:"meeting_type"`
	Round       int    `json:"round"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	Summary     string `json:"summary,omitempty"`
	StartedAt   int64  `json:"started_at"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}

type MeetingEntry struct {
	ID             int64  `json:"id"`
	MeetingID      string `json:"meeting_id"`
	Seq            int    `json:"seq"`
	SpeakerAgentID string `json:"speaker_agent_id,omitempty"`
	SpeakerName    string `json:"speaker_name"`
	DepartmentID   string `json:"department_id,omitempty"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Decision       string `json:"decision,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// StartMeeting opens a review meeting for a task round.
func (s *Store) StartMeeting(ctx context.Context, taskID string, round int, mode string) (*MeetingMinute, error) {
	m := MeetingMinute{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		MeetingType: "review",
		Round:       round,
		Mode:        mode,
		Status:      MeetingInProgress,
		StartedAt:   s.nowMs(),
	}
	err := withBusyRetry(ctx, "start_meeting", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO meeting_minutes (id, task_id, meeting_type, round, mode, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, m.ID, m.TaskID, m.MeetingType, m.Round, m.Mode, m.Status, m.StartedAt)
		if err != nil {
			return fmt.Errorf("insert meeting minute: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AppendMeetingEntry adds a statement to a meeting, assigning the next seq.
func (s *Store) AppendMeetingEntry(ctx context.Context, e MeetingEntry) error {
	return withBusyRetry(ctx, "append_meeting_entry", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO meeting_minute_entries (meeting_id, seq, speaker_agent_id, speaker_name,
				department_id, role, content, decision, created_at)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM meeting_minute_entries WHERE meeting_id = ?),
				NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, ?);
		`, e.MeetingID, e.MeetingID, e.SpeakerAgentID, e.SpeakerName, e.DepartmentID, e.Role,
			e.Content, e.Decision, s.nowMs())
		if err != nil {
			return fmt.Errorf("insert meeting entry: %w", err)
		}
		return nil
	})
}

// FinishMeeting closes a meeting with a final status and summary.
func (s *Store) FinishMeeting(ctx context.Context, meetingID, status, summary string) error {
	return withBusyRetry(ctx, "finish_meeting", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE meeting_minutes SET status = ?, summary = ?, completed_at = ? WHERE id = ?;
		`, status, summary, s.nowMs(), meetingID)
		if err != nil {
			return fmt.Errorf("finish meeting: %w", err)
		}
		return nil
	})
}

// CancelOpenMeetings closes every in-progress meeting of a task, e.g. after
// a restart interrupted it.
func (s *Store) CancelOpenMeetings(ctx context.Context, taskID string) error {
	return withBusyRetry(ctx, "cancel_meetings", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE meeting_minutes SET status = 'cancelled', completed_at = ?
			WHERE task_id = ? AND status = 'in_progress';
		`, s.nowMs(), taskID)
		if err != nil {
			return fmt.Errorf("cancel open meetings: %w", err)
		}
		return nil
	})
}

func (s *Store) ListMeetings(ctx context.Context, taskID string) ([]MeetingMinute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, meeting_type, round, mode, status, summary, started_at, COALESCE(completed_at, 0)
		FROM meeting_minutes WHERE task_id = ? ORDER BY round, started_at;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()
	var out []MeetingMinute
	for rows.Next() {
		var m MeetingMinute
		if err := rows.Scan(&m.ID, &m.TaskID, &m.MeetingType, &m.Round, &m.Mode, &m.Status, &m.Summary,
			&m.StartedAt, &m.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListMeetingEntries(ctx context.Context, meetingID string) ([]MeetingEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meeting_id, seq, COALESCE(speaker_agent_id, ''), speaker_name, COALESCE(department_id, ''),
			role, content, decision, created_at
		FROM meeting_minute_entries WHERE meeting_id = ? ORDER BY seq;
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list meeting entries: %w", err)
	}
	defer rows.Close()
	var out []MeetingEntry
	for rows.Next() {
		var e MeetingEntry
		if err := rows.Scan(&e.ID, &e.MeetingID, &e.Seq, &e.SpeakerAgentID, &e.SpeakerName, &e.DepartmentID,
			&e.Role, &e.Content, &e.Decision, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan meeting entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestMeetingEntries returns the statements of the most recent finished
// meeting of a task, used to brief a revision run.
func (s *Store) LatestMeetingEntries(ctx context.Context, taskID string) ([]MeetingEntry, error) {
	var meetingID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM meeting_minutes
		WHERE task_id = ? AND status != 'in_progress'
		ORDER BY round DESC, started_at DESC LIMIT 1;
	`, taskID).Scan(&meetingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest meeting: %w", err)
	}
	return s.ListMeetingEntries(ctx, meetingID)
}

// RevisionItem is one memo line raised by a leader during review.
type RevisionItem struct {
	ID             int64  `json:"id"`
	TaskID         string `json:"task_id"`
	Round          int    `json:"round"`
	DepartmentID   string `json:"department_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	NormalizedNote string `json:"normalized_note"`
	RawNote        string `json:"raw_note"`
	Resolved       bool   `json:"resolved"`
	CreatedAt      int64  `json:"created_at"`
}

// NormalizeRevisionNote folds whitespace and case so repeated findings
// collapse onto one memo row.
func NormalizeRevisionNote(note string) string {
	return strings.ToLower(strings.Join(strings.Fields(note), " "))
}

// RecordRevisionItems appends memo items for a round. Items beyond
// maxPerDepartment unresolved rows for a department, or beyond maxPerRound
// rows for the round, are dropped, as are notes already on the memo. It
// returns the items actually stored.
func (s *Store) RecordRevisionItems(ctx context.Context, taskID string, round int, items []RevisionItem, maxPerDepartment, maxPerRound int) ([]RevisionItem, error) {
	var stored []RevisionItem
	err := withBusyRetry(ctx, "record_revision_items", defaultBusyRetries, func() error {
		stored = nil
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var roundCount int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM review_revision_history WHERE task_id = ? AND round = ?;
			`, taskID, round).Scan(&roundCount); err != nil {
				return fmt.Errorf("count round revisions: %w", err)
			}
			perDept := make(map[string]int)
			for _, it := range items {
				if maxPerRound > 0 && roundCount >= maxPerRound {
					break
				}
				norm := NormalizeRevisionNote(it.RawNote)
				if norm == "" {
					continue
				}
				if _, ok := perDept[it.DepartmentID]; !ok {
					var n int
					if err := tx.QueryRowContext(ctx, `
						SELECT COUNT(*) FROM review_revision_history
						WHERE task_id = ? AND COALESCE(department_id, '') = ? AND resolved = 0;
					`, taskID, it.DepartmentID).Scan(&n); err != nil {
						return fmt.Errorf("count department revisions: %w", err)
					}
					perDept[it.DepartmentID] = n
				}
				if maxPerDepartment > 0 && perDept[it.DepartmentID] >= maxPerDepartment {
					continue
				}
				now := s.nowMs()
				res, err := tx.ExecContext(ctx, `
					INSERT INTO review_revision_history (task_id, round, department_id, agent_id,
						normalized_note, raw_note, created_at)
					VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)
					ON CONFLICT(task_id, normalized_note) DO NOTHING;
				`, taskID, round, it.DepartmentID, it.AgentID, norm, it.RawNote, now)
				if err != nil {
					return fmt.Errorf("insert revision item: %w", err)
				}
				if n, _ := res.RowsAffected(); n == 0 {
					continue
				}
				id, _ := res.LastInsertId()
				perDept[it.DepartmentID]++
				roundCount++
				stored = append(stored, RevisionItem{
					ID: id, TaskID: taskID, Round: round, DepartmentID: it.DepartmentID, AgentID: it.AgentID,
					NormalizedNote: norm, RawNote: it.RawNote, CreatedAt: now,
				})
			}
			return nil
		})
	})
	return stored, err
}

// ListRevisionItems returns memo items of a task, unresolved only when
// openOnly is set.
func (s *Store) ListRevisionItems(ctx context.Context, taskID string, openOnly bool) ([]RevisionItem, error) {
	q := `SELECT id, task_id, round, COALESCE(department_id, ''), COALESCE(agent_id, ''), normalized_note,
		raw_note, resolved, created_at FROM review_revision_history WHERE task_id = ?`
	if openOnly {
		q += ` AND resolved = 0`
	}
	q += ` ORDER BY round, id;`
	rows, err := s.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("list revision items: %w", err)
	}
	defer rows.Close()
	var out []RevisionItem
	for rows.Next() {
		var it RevisionItem
		var resolved int
		if err := rows.Scan(&it.ID, &it.TaskID, &it.Round, &it.DepartmentID, &it.AgentID, &it.NormalizedNote,
			&it.RawNote, &resolved, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision item: %w", err)
		}
		it.Resolved = resolved == 1
		out = append(out, it)
	}
	return out, rows.Err()
}

// ResolveRevisionItems marks every open memo item of a task resolved.
func (s *Store) ResolveRevisionItems(ctx context.Context, taskID string) error {
	return withBusyRetry(ctx, "resolve_revision_items", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE review_revision_history SET resolved = 1 WHERE task_id = ? AND resolved = 0;
		`, taskID)
		if err != nil {
			return fmt.Errorf("resolve revision items: %w", err)
		}
		return nil
	})
}

// ReviewRoundState records the per-leader decisions of one round.
type ReviewRoundState struct {
	TaskID     string            `json:"task_id"`
	Round      int               `json:"round"`
	Mode       string            `json:"mode"`
	Status     string            `json:"status"`
	Decisions  map[string]string `json:"decisions"`
	Resolution string            `json:"resolution,omitempty"`
	UpdatedAt  int64             `json:"updated_at"`
}

func (s *Store) SaveReviewRound(ctx context.Context, st ReviewRoundState) error {
	if st.Decisions == nil {
		st.Decisions = map[string]string{}
	}
	decisions, err := json.Marshal(st.Decisions)
	if err != nil {
		return fmt.Errorf("marshal round decisions: %w", err)
	}
	return withBusyRetry(ctx, "save_review_round", defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO review_round_states (task_id, round, mode, status, decisions_json, resolution, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, round) DO UPDATE SET
				mode = excluded.mode, status = excluded.status, decisions_json = excluded.decisions_json,
				resolution = excluded.resolution, updated_at = excluded.updated_at;
		`, st.TaskID, st.Round, st.Mode, st.Status, string(decisions), st.Resolution, s.nowMs())
		if err != nil {
			return fmt.Errorf("save review round: %w", err)
		}
		return nil
	})
}

// SetReviewRoundStatus changes the status of an existing round.
func (s *Store) SetReviewRoundStatus(ctx context.Context, taskID string, round int, status, resolution string) error {
	return withBusyRetry(ctx, "set_review_round_status", defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE review_round_states SET status = ?, resolution = ?, updated_at = ?
			WHERE task_id = ? AND round = ?;
		`, status, resolution, s.nowMs(), taskID, round)
		if err != nil {
			return fmt.Errorf("set review round status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const roundColumns = `task_id, round, mode, status, decisions_json, resolution, updated_at`

func scanRound(scanFn func(dest ...any) error, st *ReviewRoundState) error {
	var decisions string
	if err := scanFn(&st.TaskID, &st.Round, &st.Mode, &st.Status, &decisions, &st.Resolution, &st.UpdatedAt); err != nil {
		return err
	}
	st.Decisions = map[string]string{}
	if decisions != "" {
		if err := json.Unmarshal([]byte(decisions), &st.Decisions); err != nil {
			return fmt.Errorf("decode round decisions: %w", err)
		}
	}
	return nil
}

// LatestReviewRound returns the highest round recorded for a task.
func (s *Store) LatestReviewRound(ctx context.Context, taskID string) (*ReviewRoundState, error) {
	var st ReviewRoundState
	err := scanRound(s.db.QueryRowContext(ctx, `
		SELECT `+roundColumns+` FROM review_round_states WHERE task_id = ? ORDER BY round DESC LIMIT 1;
	`, taskID).Scan, &st)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest review round: %w", err)
	}
	return &st, nil
}

// ListEscalatedRounds returns escalated rounds of tasks still in review,
// newest first.
func (s *Store) ListEscalatedRounds(ctx context.Context) ([]ReviewRoundState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.task_id, r.round, r.mode, r.status, r.decisions_json, r.resolution, r.updated_at
		FROM review_round_states r
		JOIN tasks t ON t.id = r.task_id
		WHERE r.status = 'escalated' AND t.status = 'review'
		ORDER BY r.updated_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list escalated rounds: %w", err)
	}
	defer rows.Close()
	var out []ReviewRoundState
	for rows.Next() {
		var st ReviewRoundState
		if err := scanRound(rows.Scan, &st); err != nil {
			return nil, fmt.Errorf("scan review round: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
