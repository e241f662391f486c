// Package sqlite implements store.Store on an embedded, cgo-free SQLite
// database via modernc.org/sqlite, the default backing store for a single
// process worker.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arcavia/subflow/internal/outcome"
	"github.com/arcavia/subflow/internal/store"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. When unset, no logs
// are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var nopLogger = slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Store implements store.Store on top of *sql.DB.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if necessary) the SQLite database at path and
// returns an initialized Store.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY

	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		s.logger.Error("sqlite: init failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS process (
	id TEXT PRIMARY KEY,
	workflow TEXT NOT NULL,
	target TEXT NOT NULL,
	status TEXT NOT NULL,
	last_step TEXT NOT NULL DEFAULT '',
	assignee TEXT NOT NULL DEFAULT '',
	is_task INTEGER NOT NULL DEFAULT 0,
	created_by TEXT,
	failed_reason TEXT,
	started_at INTEGER NOT NULL,
	last_modified INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS process_step (
	sequence INTEGER PRIMARY KEY AUTOINCREMENT,
	process_id TEXT NOT NULL,
	step_name TEXT NOT NULL,
	status TEXT NOT NULL,
	state TEXT NOT NULL,
	error_json TEXT,
	retries INTEGER NOT NULL DEFAULT 0,
	created_by TEXT,
	completed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_step_process_id ON process_step(process_id, sequence);

CREATE TABLE IF NOT EXISTS process_subscription (
	process_id TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	PRIMARY KEY (process_id, subscription_id)
);
CREATE INDEX IF NOT EXISTS idx_process_subscription_sub ON process_subscription(subscription_id);

CREATE TABLE IF NOT EXISTS input_state (
	sequence INTEGER PRIMARY KEY AUTOINCREMENT,
	process_id TEXT NOT NULL,
	input_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	input_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_input_state_process_id ON input_state(process_id, sequence);
`

// CreateProcess inserts a new process row.
func (s *Store) CreateProcess(ctx context.Context, p store.Process) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process (id, workflow, target, status, last_step, assignee, is_task, created_by, failed_reason, started_at, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Workflow, string(p.Target), string(p.Status), p.LastStep, p.Assignee, boolToInt(p.IsTask),
		p.CreatedBy, p.FailedReason, p.StartedAt.Unix(), p.LastModified.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: create process %s: %w", p.ID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetProcess loads a process row by id.
func (s *Store) GetProcess(ctx context.Context, id string) (store.Process, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow, target, status, last_step, assignee, is_task, created_by, failed_reason, started_at, last_modified
		FROM process WHERE id = ?`, id)

	var p store.Process
	var target, status string
	var isTask int
	var createdBy, failedReason sql.NullString
	var startedAt, lastModified int64
	if err := row.Scan(&p.ID, &p.Workflow, &target, &status, &p.LastStep, &p.Assignee, &isTask, &createdBy, &failedReason, &startedAt, &lastModified); err != nil {
		if err == sql.ErrNoRows {
			return store.Process{}, fmt.Errorf("sqlite: process %s: %w", id, sql.ErrNoRows)
		}
		return store.Process{}, fmt.Errorf("sqlite: get process %s: %w", id, err)
	}
	p.Target = outcome.Target(target)
	p.Status = outcome.ProcessStatus(status)
	p.IsTask = isTask != 0
	p.CreatedBy = createdBy.String
	p.FailedReason = failedReason.String
	p.StartedAt = time.Unix(startedAt, 0).UTC()
	p.LastModified = time.Unix(lastModified, 0).UTC()
	return p, nil
}

// UpdateProcess overwrites a process row's status cursor. An empty LastStep
// or Assignee in upd keeps the stored value.
func (s *Store) UpdateProcess(ctx context.Context, id string, upd store.ProcessUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE process SET
			status = ?,
			failed_reason = ?,
			last_step = COALESCE(NULLIF(?, ''), last_step),
			assignee = COALESCE(NULLIF(?, ''), assignee),
			last_modified = ?
		WHERE id = ?`,
		string(upd.Status), upd.FailedReason, upd.LastStep, upd.Assignee, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("sqlite: update process %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sqlite: update process %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// AppendStep applies the deduplication rule and appends a row if it
// survives it, all inside one transaction so a concurrent append for the
// same process can't race the dedup check.
func (s *Store) AppendStep(ctx context.Context, step store.ProcessStep) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: append step begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev *store.ProcessStep
	var prevCompletedAt string
	row := tx.QueryRowContext(ctx, `
		SELECT sequence, step_name, status, completed_at FROM process_step
		WHERE process_id = ? ORDER BY sequence DESC LIMIT 1`, step.ProcessID)
	var seq int64
	var name, status string
	switch err := row.Scan(&seq, &name, &status, &prevCompletedAt); err {
	case nil:
		prev = &store.ProcessStep{Sequence: seq, StepName: name, Status: outcome.StepStatus(status)}
	case sql.ErrNoRows:
		prev = nil
	default:
		return false, fmt.Errorf("sqlite: append step lookup previous: %w", err)
	}

	if store.ShouldDedup(prev, step) {
		merged, err := appendTimestamps(prevCompletedAt, step.CompletedAt)
		if err != nil {
			return false, fmt.Errorf("sqlite: append step merge completed_at: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE process_step SET state = ?, error_json = ?, retries = retries + 1, completed_at = ?
			WHERE sequence = ?`,
			string(step.State), nullableJSON(step.ErrorJSON), merged, prev.Sequence)
		if err != nil {
			return false, fmt.Errorf("sqlite: append step dedup update: %w", err)
		}
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO process_step (process_id, step_name, status, state, error_json, created_by, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.ProcessID, step.StepName, string(step.Status), string(step.State), nullableJSON(step.ErrorJSON),
		step.CreatedBy, marshalTimestamps(step.CompletedAt))
	if err != nil {
		return false, fmt.Errorf("sqlite: append step insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: append step commit: %w", err)
	}
	return true, nil
}

// marshalTimestamps encodes a completed-at list as a JSON array of unix
// seconds.
func marshalTimestamps(ts []time.Time) string {
	secs := make([]int64, len(ts))
	for i, t := range ts {
		secs[i] = t.Unix()
	}
	raw, _ := json.Marshal(secs)
	return string(raw)
}

func unmarshalTimestamps(raw string) ([]time.Time, error) {
	var secs []int64
	if err := json.Unmarshal([]byte(raw), &secs); err != nil {
		return nil, err
	}
	out := make([]time.Time, len(secs))
	for i, s := range secs {
		out[i] = time.Unix(s, 0).UTC()
	}
	return out, nil
}

func appendTimestamps(prevRaw string, next []time.Time) (string, error) {
	prev, err := unmarshalTimestamps(prevRaw)
	if err != nil {
		return "", err
	}
	return marshalTimestamps(append(prev, next...)), nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// ListSteps returns every surviving row for a process, in append order.
func (s *Store) ListSteps(ctx context.Context, processID string) ([]store.ProcessStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, process_id, step_name, status, state, error_json, retries, created_by, completed_at
		FROM process_step WHERE process_id = ? ORDER BY sequence ASC`, processID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list steps %s: %w", processID, err)
	}
	defer rows.Close()

	var out []store.ProcessStep
	for rows.Next() {
		var st store.ProcessStep
		var status, state, completedAt string
		var createdBy, errJSON sql.NullString
		if err := rows.Scan(&st.Sequence, &st.ProcessID, &st.StepName, &status, &state, &errJSON, &st.Retries, &createdBy, &completedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan step row: %w", err)
		}
		st.Status = outcome.StepStatus(status)
		st.State = json.RawMessage(state)
		if errJSON.Valid {
			st.ErrorJSON = json.RawMessage(errJSON.String)
		}
		st.CreatedBy = createdBy.String
		st.CompletedAt, err = unmarshalTimestamps(completedAt)
		if err != nil {
			return nil, fmt.Errorf("sqlite: corrupt completed_at for step %s: %w", st.StepName, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveSubscription records a process/subscription association.
func (s *Store) SaveSubscription(ctx context.Context, ps store.ProcessSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO process_subscription (process_id, subscription_id) VALUES (?, ?)`,
		ps.ProcessID, ps.SubscriptionID)
	if err != nil {
		return fmt.Errorf("sqlite: save subscription: %w", err)
	}
	return nil
}

// FindProcessBySubscription returns the process id associated with a
// subscription UUID.
func (s *Store) FindProcessBySubscription(ctx context.Context, subscriptionID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT process_id FROM process_subscription WHERE subscription_id = ? LIMIT 1`, subscriptionID)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("sqlite: find process by subscription %s: %w", subscriptionID, err)
	}
	return id, nil
}

// SaveInputState appends one form submission to the process's input log.
func (s *Store) SaveInputState(ctx context.Context, state store.InputState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO input_state (process_id, input_type, payload, input_time) VALUES (?, ?, ?, ?)`,
		state.ProcessID, string(state.InputType), string(state.Payload), state.InputTime.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: save input state: %w", err)
	}
	return nil
}

// ListInputStates returns every submission for a process, in submission
// order.
func (s *Store) ListInputStates(ctx context.Context, processID string) ([]store.InputState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, process_id, input_type, payload, input_time FROM input_state
		WHERE process_id = ? ORDER BY sequence ASC`, processID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list input states %s: %w", processID, err)
	}
	defer rows.Close()

	var out []store.InputState
	for rows.Next() {
		var st store.InputState
		var inputType, payload string
		var inputTime int64
		if err := rows.Scan(&st.Sequence, &st.ProcessID, &inputType, &payload, &inputTime); err != nil {
			return nil, fmt.Errorf("sqlite: scan input state row: %w", err)
		}
		st.InputType = store.InputType(inputType)
		st.Payload = json.RawMessage(payload)
		st.InputTime = time.Unix(inputTime, 0).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
