package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// runTransitions enumerates the legal run status transitions. The
// orchestrator is the only writer; everything else reads.
var runTransitions = map[RunStatus][]RunStatus{
	RunQueued:   {RunRunning, RunCanceled},
	RunRunning:  {RunStopping, RunCompleted, RunFailed, RunCanceled},
	RunStopping: {RunStopped, RunCompleted, RunFailed, RunCanceled},
}

func runTransitionAllowed(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CreateRun inserts a queued run.
func (s *Store) CreateRun(ctx context.Context, run Run) (*Run, error) {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO flowchart_runs
		(run_id, flowchart_snapshot_id, status, trigger_kind, request_id, correlation_id,
		 runtime_cutover_enabled, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.FlowchartSnapshotID, string(run.Status), run.TriggerKind,
		run.RequestID, run.CorrelationID, boolToInt(run.RuntimeCutoverEnabled),
		formatNullableTime(run.StartedAt), formatNullableTime(run.FinishedAt),
		formatTime(run.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &run, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	return scanRun(s.queryRow(ctx, s.db, selectRun+` WHERE run_id = ?`, runID))
}

// GetRun loads a run inside the session transaction.
func (sess *Session) GetRun(ctx context.Context, runID string) (*Run, error) {
	return scanRun(sess.store.queryRow(ctx, sess.tx, selectRun+` WHERE run_id = ?`, runID))
}

// ListRunsByStatus returns runs in a status, oldest first.
func (s *Store) ListRunsByStatus(ctx context.Context, status RunStatus, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, s.db, selectRun+` WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// TransitionRun moves a run between statuses inside the session. Illegal
// transitions fail with ErrInvalidTransition. Terminal transitions stamp
// finished_at; queued→running stamps started_at.
func (sess *Session) TransitionRun(ctx context.Context, runID string, to RunStatus) (*Run, error) {
	run, err := sess.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !runTransitionAllowed(run.Status, to) {
		return nil, fmt.Errorf("%w: run %s %s → %s", ErrInvalidTransition, runID, run.Status, to)
	}
	now := time.Now().UTC()
	if run.Status == RunQueued && to == RunRunning {
		run.StartedAt = &now
	}
	if to.Terminal() {
		run.FinishedAt = &now
	}
	run.Status = to
	_, err = sess.store.exec(ctx, sess.tx, `UPDATE flowchart_runs
		SET status = ?, started_at = ?, finished_at = ? WHERE run_id = ?`,
		string(run.Status), formatNullableTime(run.StartedAt),
		formatNullableTime(run.FinishedAt), runID)
	if err != nil {
		return nil, fmt.Errorf("update run %s: %w", runID, err)
	}
	return run, nil
}

// CompleteRun transitions a run to completed after verifying every
// non-skipped node on activated paths succeeded and none is uncertain.
func (sess *Session) CompleteRun(ctx context.Context, runID string) (*Run, error) {
	var blocked int
	row := sess.store.queryRow(ctx, sess.tx, `SELECT COUNT(*) FROM flowchart_run_nodes
		WHERE run_id = ? AND (status != ? OR dispatch_uncertain = 1)`,
		runID, string(NodeSucceeded))
	if err := row.Scan(&blocked); err != nil {
		return nil, fmt.Errorf("count incomplete nodes: %w", err)
	}
	if blocked > 0 {
		return nil, fmt.Errorf("%w: %d nodes", ErrRunNotCompletable, blocked)
	}
	return sess.TransitionRun(ctx, runID, RunCompleted)
}

const selectRun = `SELECT run_id, flowchart_snapshot_id, status, trigger_kind, request_id,
	correlation_id, runtime_cutover_enabled, started_at, finished_at, created_at
	FROM flowchart_runs`

type rowScanner interface{ Scan(dest ...any) error }

func scanRunFields(sc rowScanner) (*Run, error) {
	var (
		run                Run
		status             string
		cutover            int
		startedAt, endedAt sql.NullString
		createdAt          string
	)
	err := sc.Scan(&run.RunID, &run.FlowchartSnapshotID, &status, &run.TriggerKind,
		&run.RequestID, &run.CorrelationID, &cutover, &startedAt, &endedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = RunStatus(status)
	run.RuntimeCutoverEnabled = cutover != 0
	if run.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseNullableTime(endedAt); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanRun(row *sql.Row) (*Run, error)       { return scanRunFields(row) }
func scanRunRows(rows *sql.Rows) (*Run, error) { return scanRunFields(rows) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
