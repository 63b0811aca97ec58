// Package runlog persists agent runs and the rounds within them. Runs
// are keyed by UUIDv7 so listing by id is listing by start time.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/taskagent/internal/agent"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Status values stored for a run. Finished runs carry the agent's
// Status string.
const (
	StatusRunning = "running"
	StatusError   = "error"
)

// Run is one row of the runs table.
type Run struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Goals       []string   `json:"goals"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Loops       int        `json:"loops"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Step is one recorded round.
type Step struct {
	Round     int               `json:"round"`
	Command   string            `json:"command"`
	Arguments map[string]string `json:"arguments,omitempty"`
	Result    string            `json:"result"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store is a SQLite run log. All methods are safe for concurrent use.
type Store struct {
	db     *sql.DB
	ownsDB bool
	now    func() time.Time
}

// Open opens (or creates) the run log at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open run log database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New creates a store on an open database, creating the schema if
// needed. The caller keeps ownership of db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate run log schema: %w", err)
	}
	return s, nil
}

// Close closes the database if Open created it.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		goals       TEXT NOT NULL,
		status      TEXT NOT NULL,
		result      TEXT,
		loops       INTEGER NOT NULL DEFAULT 0,
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		error       TEXT
	);
	CREATE TABLE IF NOT EXISTS steps (
		run_id     TEXT NOT NULL REFERENCES runs(id),
		round      INTEGER NOT NULL,
		command    TEXT NOT NULL,
		arguments  TEXT NOT NULL,
		result     TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, round);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Start records a new running run and returns its id.
func (s *Store) Start(ctx context.Context, description string, goals []string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run ID: %w", err)
	}
	if goals == nil {
		goals = []string{}
	}
	goalsJSON, err := json.Marshal(goals)
	if err != nil {
		return "", fmt.Errorf("encode goals: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, description, goals, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id.String(), description, string(goalsJSON), StatusRunning, formatTime(s.now()))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id.String(), nil
}

// RecordStep stores one finished round. It satisfies
// agent.StepRecorder.
func (s *Store) RecordStep(ctx context.Context, st agent.Step) error {
	args := st.Arguments
	if args == nil {
		args = map[string]string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (run_id, round, command, arguments, result, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		st.RunID, st.Round, st.Command, string(argsJSON), st.Result, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// Update sets a run's status and loop count without finishing it. Used
// when a run suspends for feedback.
func (s *Store) Update(ctx context.Context, id, status string, loops int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, loops = ? WHERE id = ?`, status, loops, id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return requireRow(res, id)
}

// Finish closes a run. A non-nil runErr marks the run failed.
func (s *Store) Finish(ctx context.Context, id, status, result string, loops int, runErr error) error {
	var errText sql.NullString
	if runErr != nil {
		status = StatusError
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, result = ?, loops = ?, finished_at = ?, error = ? WHERE id = ?`,
		status, result, loops, formatTime(s.now()), errText, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return requireRow(res, id)
}

// List returns up to limit runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, description, goals, status, result, loops, started_at, finished_at, error
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Get returns a run and its steps in round order.
func (s *Store) Get(ctx context.Context, id string) (*Run, []Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, description, goals, status, result, loops, started_at, finished_at, error
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT round, command, arguments, result, created_at
		 FROM steps WHERE run_id = ? ORDER BY round, rowid`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			st        Step
			argsJSON  string
			createdAt string
		)
		if err := rows.Scan(&st.Round, &st.Command, &argsJSON, &st.Result, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(argsJSON), &st.Arguments); err != nil {
			return nil, nil, fmt.Errorf("decode step arguments: %w", err)
		}
		st.CreatedAt = parseTime(createdAt)
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r          Run
		goalsJSON  string
		result     sql.NullString
		startedAt  string
		finishedAt sql.NullString
		errText    sql.NullString
	)
	err := sc.Scan(&r.ID, &r.Description, &goalsJSON, &r.Status, &result, &r.Loops, &startedAt, &finishedAt, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(goalsJSON), &r.Goals); err != nil {
		return nil, fmt.Errorf("decode goals: %w", err)
	}
	r.Result = result.String
	r.Error = errText.String
	r.StartedAt = parseTime(startedAt)
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		r.FinishedAt = &t
	}
	return &r, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
