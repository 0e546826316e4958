// Package store provides SQLite-backed persistence for mission state, the
// audit trail and the archive of finished tasks.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/swarm/internal/mission"
	"github.com/fentz26/swarm/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the swarm SQLite database.
type Store struct {
	db *sql.DB
}

var _ mission.StateStore = (*Store)(nil)

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mission_states (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		iteration INTEGER NOT NULL DEFAULT 1,
		max_iterations INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		work_hash TEXT,
		stagnation INTEGER NOT NULL DEFAULT 0,
		saw_work INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_archive (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		prompt TEXT,
		status TEXT NOT NULL,
		parent_session_id TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		archived_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pdr_task_id ON pdr(task_id);
	CREATE INDEX IF NOT EXISTS idx_pdr_timestamp ON pdr(timestamp);
	CREATE INDEX IF NOT EXISTS idx_task_archive_parent ON task_archive(parent_session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Mission State Operations ---

const missionColumns = `session_id, status, iteration, max_iterations, prompt, work_hash, stagnation, saw_work, started_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(r rowScanner) (models.MissionState, error) {
	var st models.MissionState
	var workHash sql.NullString
	var sawWork int
	err := r.Scan(&st.SessionID, &st.Status, &st.Iteration, &st.MaxIterations, &st.Prompt,
		&workHash, &st.Stagnation, &sawWork, &st.StartedAt, &st.UpdatedAt)
	if err != nil {
		return st, err
	}
	st.WorkHash = workHash.String
	st.SawWork = sawWork != 0
	return st, nil
}

// Load returns the mission state of a session.
func (s *Store) Load(ctx context.Context, sessionID string) (models.MissionState, error) {
	st, err := scanMission(s.db.QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM mission_states WHERE session_id = ?`, sessionID))
	if err == sql.ErrNoRows {
		return models.MissionState{}, mission.ErrNoMission
	}
	if err != nil {
		return models.MissionState{}, fmt.Errorf("query mission: %w", err)
	}
	return st, nil
}

// Save replaces the mission state of a session.
func (s *Store) Save(ctx context.Context, st models.MissionState) error {
	sawWork := 0
	if st.SawWork {
		sawWork = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mission_states (`+missionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			iteration = excluded.iteration,
			max_iterations = excluded.max_iterations,
			prompt = excluded.prompt,
			work_hash = excluded.work_hash,
			stagnation = excluded.stagnation,
			saw_work = excluded.saw_work,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at`,
		st.SessionID, st.Status, st.Iteration, st.MaxIterations, st.Prompt,
		st.WorkHash, st.Stagnation, sawWork, st.StartedAt.UTC(), st.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert mission: %w", err)
	}
	return nil
}

// Increment bumps the iteration counter and returns the new value.
func (s *Store) Increment(ctx context.Context, sessionID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE mission_states SET iteration = iteration + 1, updated_at = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("increment iteration: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return 0, mission.ErrNoMission
	}

	var iteration int
	if err := tx.QueryRowContext(ctx,
		`SELECT iteration FROM mission_states WHERE session_id = ?`, sessionID,
	).Scan(&iteration); err != nil {
		return 0, fmt.Errorf("read iteration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return iteration, nil
}

// Clear removes the mission state of a session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mission_states WHERE session_id = ?`, sessionID)
	return err
}

// List returns every mission, oldest first.
func (s *Store) List(ctx context.Context) ([]models.MissionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+missionColumns+` FROM mission_states ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query missions: %w", err)
	}
	defer rows.Close()

	var states []models.MissionState
	for rows.Next() {
		st, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TaskID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns the most recent records, newest first. An empty taskID
// returns records for every task.
func (s *Store) ListPDR(taskID string, limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM pdr`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var taskID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &taskID, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.TaskID = taskID.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Archive Operations ---

// ArchiveTasks writes history rows for tasks collected from memory. Rows
// that already exist are replaced.
func (s *Store) ArchiveTasks(tasks []models.ArchivedTask) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO task_archive (id, agent, prompt, status, parent_session_id, started_at, completed_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		var completedAt sql.NullTime
		if t.CompletedAt != nil {
			completedAt = sql.NullTime{Time: t.CompletedAt.UTC(), Valid: true}
		}
		archivedAt := t.ArchivedAt
		if archivedAt.IsZero() {
			archivedAt = time.Now()
		}
		if _, err := stmt.Exec(t.ID, t.Agent, t.Prompt, t.Status, t.ParentSessionID,
			t.StartedAt.UTC(), completedAt, archivedAt.UTC()); err != nil {
			return fmt.Errorf("insert archived task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListArchived returns archived tasks, newest first, optionally filtered by
// parent session.
func (s *Store) ListArchived(parentSessionID string, limit int) ([]models.ArchivedTask, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, agent, prompt, status, parent_session_id, started_at, completed_at, archived_at FROM task_archive`
	var args []any
	if parentSessionID != "" {
		query += ` WHERE parent_session_id = ?`
		args = append(args, parentSessionID)
	}
	query += ` ORDER BY archived_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var tasks []models.ArchivedTask
	for rows.Next() {
		var t models.ArchivedTask
		var prompt, parent sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.Agent, &prompt, &t.Status, &parent, &t.StartedAt, &completedAt, &t.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan archived task: %w", err)
		}
		t.Prompt = prompt.String
		t.ParentSessionID = parent.String
		if completedAt.Valid {
			at := completedAt.Time
			t.CompletedAt = &at
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountArchived returns the number of archived tasks.
func (s *Store) CountArchived(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_archive`).Scan(&n)
	return n, err
}
