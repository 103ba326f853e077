package persistence

import (
	"context"
	"fmt"

	"github.com/basket/go-company/internal/audit"
)

const (
	// v1: org roster, tasks, subtasks, messages, logs, review state.
	schemaVersionV1  = 1
	schemaChecksumV1 = "gco-v1-2026-09-30-company-core"

	// v2: delegation continuations and task creation audits.
	schemaVersionV2  = 2
	schemaChecksumV2 = "gco-v2-2026-10-06-delegation-continuations"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS departments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 100,
		prompt TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		department_id TEXT REFERENCES departments(id) ON DELETE SET NULL,
		role TEXT NOT NULL DEFAULT 'junior',
		provider TEXT NOT NULL DEFAULT '',
		personality TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		current_task_id TEXT,
		stats_tasks_done INTEGER NOT NULL DEFAULT 0,
		xp INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		github_repo TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL DEFAULT '',
		last_gate_notified_at INTEGER,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'inbox',
		task_type TEXT NOT NULL DEFAULT 'general',
		priority INTEGER NOT NULL DEFAULT 0,
		department_id TEXT,
		assigned_agent_id TEXT,
		project_id TEXT,
		project_path TEXT,
		source_task_id TEXT REFERENCES tasks(id) ON DELETE SET NULL,
		base_branch TEXT,
		result TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS task_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		run_id TEXT,
		trace_id TEXT NOT NULL DEFAULT '-',
		event_type TEXT NOT NULL,
		state_from TEXT,
		state_to TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS subtasks (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		target_department_id TEXT,
		delegated_task_id TEXT,
		assigned_agent_id TEXT,
		blocked_reason TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_type TEXT NOT NULL,
		sender_id TEXT,
		receiver_type TEXT NOT NULL,
		receiver_id TEXT,
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'chat',
		task_id TEXT,
		project_id TEXT,
		idempotency_key TEXT UNIQUE,
		payload_hash TEXT,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS task_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'system',
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS meeting_minutes (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		meeting_type TEXT NOT NULL DEFAULT 'review',
		round INTEGER NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		summary TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		completed_at INTEGER
	);`,
	`CREATE TABLE IF NOT EXISTS meeting_minute_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		meeting_id TEXT NOT NULL REFERENCES meeting_minutes(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		speaker_agent_id TEXT,
		speaker_name TEXT NOT NULL DEFAULT '',
		department_id TEXT,
		role TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		decision TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS review_revision_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		department_id TEXT,
		agent_id TEXT,
		normalized_note TEXT NOT NULL,
		raw_note TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (task_id, normalized_note)
	);`,
	`CREATE TABLE IF NOT EXISTS review_round_states (
		task_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		decisions_json TEXT NOT NULL DEFAULT '{}',
		resolution TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (task_id, round)
	);`,
	`CREATE TABLE IF NOT EXISTS task_creation_audits (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		task_title TEXT NOT NULL,
		task_status TEXT NOT NULL,
		department_id TEXT,
		assigned_agent_id TEXT,
		source_task_id TEXT,
		task_type TEXT,
		project_path TEXT,
		trigger TEXT NOT NULL,
		trigger_detail TEXT,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		actor_name TEXT,
		request_id TEXT,
		request_ip TEXT,
		user_agent TEXT,
		payload_hash TEXT,
		payload_preview TEXT,
		completed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);`,
	`CREATE TABLE IF NOT EXISTS delegation_continuations (
		parent_task_id TEXT PRIMARY KEY,
		departments_json TEXT NOT NULL,
		next_department_index INTEGER NOT NULL DEFAULT 0,
		child_task_id TEXT,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor TEXT NOT NULL,
		subject TEXT,
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT,
		created_at INTEGER NOT NULL
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_agents_department ON agents(department_id, role);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, updated_at);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_source ON tasks(source_task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_agent_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
	`CREATE INDEX IF NOT EXISTS idx_subtasks_task ON subtasks(task_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_subtasks_delegated ON subtasks(delegated_task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_type, receiver_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, id);`,
	`CREATE INDEX IF NOT EXISTS idx_meeting_minutes_task ON meeting_minutes(task_id, round);`,
	`CREATE INDEX IF NOT EXISTS idx_meeting_entries_meeting ON meeting_minute_entries(meeting_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_revision_history_task ON review_revision_history(task_id, resolved, round);`,
	`CREATE INDEX IF NOT EXISTS idx_creation_audits_task ON task_creation_audits(task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("database schema v%d is newer than this binary (v%d)", maxVersion, schemaVersionLatest)
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration table: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	for _, m := range []struct {
		version  int
		checksum string
	}{
		{schemaVersionV1, schemaChecksumV1},
		{schemaVersionV2, schemaChecksumV2},
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_migrations (version, checksum)
			VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	if maxVersion != schemaVersionLatest {
		audit.Record("allow", "data.migration", "migration_applied", "",
			fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest))
	}
	return nil
}

// SchemaVersion returns the latest applied migration version and checksum.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var version int
	var checksum string
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}
