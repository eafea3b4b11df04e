// Package audit persists one row per tool execution to a SQLite database
// under the pipeline state directory. The orchestrator consults it for
// per-tool failure rates when weighing repeated breakage, and the
// evaluate_tool handler reads the same aggregates.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"autonomy/internal/logging"
)

// Store is the SQLite-backed audit trail. It implements tools.Recorder.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	runID string
	log   *logging.Logger
}

// Record is one persisted tool execution.
type Record struct {
	ID         int64
	RunID      string
	Phase      string
	Tool       string
	Success    bool
	DurationMs int64
	Summary    string
	Timestamp  time.Time
}

// ToolStats aggregates executions of one tool.
type ToolStats struct {
	Tool       string
	Executions int
	Failures   int
	AvgMs      float64
}

// FailureRate is Failures over Executions, 0 for an unused tool.
func (s ToolStats) FailureRate() float64 {
	if s.Executions == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Executions)
}

// Open creates (or reopens) the audit database under stateDir. Every Open
// starts a fresh run id so records from separate invocations stay
// distinguishable.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	path := filepath.Join(stateDir, "audit.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	store := &Store{
		db:    db,
		runID: uuid.NewString(),
		log:   logging.Get(logging.CategoryAudit),
	}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		tool TEXT NOT NULL,
		success INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		summary TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_exec_tool ON executions(tool);
	CREATE INDEX IF NOT EXISTS idx_exec_phase ON executions(phase);
	CREATE INDEX IF NOT EXISTS idx_exec_run ON executions(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

// RunID identifies the current invocation's records.
func (s *Store) RunID() string { return s.runID }

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RecordExecution appends one row. Satisfies tools.Recorder.
func (s *Store) RecordExecution(ctx context.Context, phase, tool string, success bool, durationMs int64, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO executions (run_id, phase, tool, success, duration_ms, summary) VALUES (?, ?, ?, ?, ?, ?)",
		s.runID, phase, tool, boolInt(success), durationMs, summary,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	s.log.Debug("recorded %s/%s success=%v %dms", phase, tool, success, durationMs)
	return nil
}

// Recent returns the newest limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, phase, tool, success, duration_ms, summary, created_at FROM executions ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var success int
		if err := rows.Scan(&r.ID, &r.RunID, &r.Phase, &r.Tool, &success, &r.DurationMs, &r.Summary, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates all executions of one tool across runs.
func (s *Store) Stats(ctx context.Context, tool string) (ToolStats, error) {
	st := ToolStats{Tool: tool}
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(1-success), 0), COALESCE(AVG(duration_ms), 0) FROM executions WHERE tool = ?",
		tool,
	).Scan(&st.Executions, &st.Failures, &st.AvgMs)
	if err != nil {
		return st, fmt.Errorf("failed to aggregate %s: %w", tool, err)
	}
	return st, nil
}

// FailureCounts returns tools that failed at least once in the current
// run, keyed by tool name. Used to spot a tool breaking repeatedly inside
// one session.
func (s *Store) FailureCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tool, COUNT(*) FROM executions WHERE run_id = ? AND success = 0 GROUP BY tool",
		s.runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tool string
		var n int
		if err := rows.Scan(&tool, &n); err != nil {
			return nil, fmt.Errorf("failed to scan failure row: %w", err)
		}
		counts[tool] = n
	}
	return counts, rows.Err()
}

// PhaseSummary counts executions and failures per phase for the current
// run, for the end-of-run report.
func (s *Store) PhaseSummary(ctx context.Context) (map[string]ToolStats, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT phase, COUNT(*), COALESCE(SUM(1-success), 0), COALESCE(AVG(duration_ms), 0) FROM executions WHERE run_id = ? GROUP BY phase",
		s.runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase summary: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ToolStats)
	for rows.Next() {
		var phase string
		var st ToolStats
		if err := rows.Scan(&phase, &st.Executions, &st.Failures, &st.AvgMs); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		out[phase] = st
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
