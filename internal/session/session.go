// Package session tracks the execution session bound to each task. A task has
// at most one session; relaunching it under another agent or provider rotates
// the session id so continuity context is never mixed across owners.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskLogger receives the session lifecycle lines for a task.
type TaskLogger interface {
	AppendTaskLog(ctx context.Context, taskID, kind, message string) error
}

type Session struct {
	ID            string    `json:"session_id"`
	TaskID        string    `json:"task_id"`
	AgentID       string    `json:"agent_id"`
	Provider      string    `json:"provider"`
	OpenedAt      time.Time `json:"opened_at"`
	LastTouchedAt time.Time `json:"last_touched_at"`
}

type Manager struct {
	log TaskLogger
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]Session
}

func NewManager(log TaskLogger) *Manager {
	return &Manager{log: log, now: time.Now, sessions: make(map[string]Session)}
}

// Ensure returns the session for taskID, reusing it when agent and provider
// match. Otherwise a new session replaces the old one and the rotation is
// logged.
func (m *Manager) Ensure(ctx context.Context, taskID, agentID, provider string) Session {
	now := m.now()

	m.mu.Lock()
	existing, had := m.sessions[taskID]
	if had && existing.AgentID == agentID && existing.Provider == provider {
		existing.LastTouchedAt = now
		m.sessions[taskID] = existing
		m.mu.Unlock()
		return existing
	}
	next := Session{
		ID:            uuid.NewString(),
		TaskID:        taskID,
		AgentID:       agentID,
		Provider:      provider,
		OpenedAt:      now,
		LastTouchedAt: now,
	}
	m.sessions[taskID] = next
	m.mu.Unlock()

	if had {
		m.logLine(ctx, taskID, fmt.Sprintf("Execution session rotated: %s -> %s (agent=%s, provider=%s)",
			existing.ID, next.ID, agentID, provider))
	} else {
		m.logLine(ctx, taskID, fmt.Sprintf("Execution session opened: %s (agent=%s, provider=%s)",
			next.ID, agentID, provider))
	}
	return next
}

// End closes the session of taskID, if any.
func (m *Manager) End(ctx context.Context, taskID, reason string) {
	m.mu.Lock()
	existing, ok := m.sessions[taskID]
	delete(m.sessions, taskID)
	m.mu.Unlock()
	if !ok {
		return
	}
	dur := m.now().Sub(existing.OpenedAt).Milliseconds()
	if dur < 0 {
		dur = 0
	}
	m.logLine(ctx, taskID, fmt.Sprintf("Execution session closed: %s (reason=%s, duration_ms=%d)", existing.ID, reason, dur))
}

func (m *Manager) Get(taskID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[taskID]
	return s, ok
}

// Snapshot returns all open sessions ordered by opening time.
func (m *Manager) Snapshot() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (m *Manager) logLine(ctx context.Context, taskID, line string) {
	if m.log == nil {
		return
	}
	_ = m.log.AppendTaskLog(ctx, taskID, "system", line)
}
