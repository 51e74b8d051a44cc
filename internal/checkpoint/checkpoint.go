// Package checkpoint wraps an apply batch in a crash-safe three-phase
// protocol: persist an in_progress checkpoint row before the batch runs,
// apply inside a single atomic transaction, then mark the checkpoint
// committed or aborted. On restart, any in_progress checkpoint whose
// transaction never committed is marked aborted and its ops are safe to
// replay because dedup (internal/ordering) skips whatever already landed.
//
// Grounded on sqlite_backend.go's WritePoints transaction shape
// (BeginTx + defer tx.Rollback() + Commit), generalized into a
// begin/apply/commit-or-abort cycle around the whole batch.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shivay00001/sqlite-sync-core/internal/apply"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
	"github.com/shivay00001/sqlite-sync-core/internal/vclock"
)

// Executor runs apply batches through the crash-safe protocol against a
// single *sql.DB.
type Executor struct {
	db *sql.DB
}

func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db}
}

// Run executes one checkpoint-bracketed apply batch. ops must already be in
// deterministic order and deduped (internal/ordering). startVC is the local
// vector clock snapshot taken before the batch begins, recorded so a crash
// mid-batch can be correlated with the clock position it interrupted.
func (e *Executor) Run(ctx context.Context, ops []model.Operation, startVC map[string]uint64) (apply.BatchResult, error) {
	if len(ops) == 0 {
		return apply.BatchResult{}, nil
	}

	cpID, err := ids.New()
	if err != nil {
		return apply.BatchResult{}, fmt.Errorf("checkpoint: generating id: %w", err)
	}
	cp := model.Checkpoint{
		CheckpointID:       cpID,
		StartedAt:          model.NowMicros(),
		VectorClockAtStart: startVC,
		FirstOpID:          ops[0].OpID,
		Status:             model.CheckpointInProgress,
	}

	if err := createCheckpoint(ctx, e.db, cp); err != nil {
		return apply.BatchResult{}, err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		_ = markStatus(ctx, e.db, cp.CheckpointID, model.CheckpointAborted, nil)
		return apply.BatchResult{}, &syncerr.DatabaseError{Op: "begin checkpoint tx", Cause: err}
	}
	defer tx.Rollback()

	br, err := apply.Batch(ctx, tx, ops)
	if err != nil {
		_ = markStatus(ctx, e.db, cp.CheckpointID, model.CheckpointAborted, nil)
		return apply.BatchResult{}, err
	}

	if err := tx.Commit(); err != nil {
		// The database's own atomicity already rolled back any user-visible
		// changes; only the bookkeeping row needs to reflect the abort.
		_ = markStatus(ctx, e.db, cp.CheckpointID, model.CheckpointAborted, nil)
		return apply.BatchResult{}, &syncerr.DatabaseError{Op: "commit checkpoint tx", Cause: err}
	}

	last := ops[len(ops)-1].OpID
	if err := markStatus(ctx, e.db, cp.CheckpointID, model.CheckpointCommitted, &last); err != nil {
		return br, err
	}
	return br, nil
}

// RecoverInProgress finds any checkpoint left in_progress by a previous
// process (i.e. the process died between createCheckpoint and commit) and
// marks it aborted. It does not replay ops itself: the caller is expected
// to re-run the same batch through Run after dedup filters whatever
// already landed, which is always safe because PersistOperation uses
// op_id as a primary key.
func (e *Executor) RecoverInProgress(ctx context.Context) ([]ids.ID, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT checkpoint_id FROM sync_checkpoints WHERE status = ?`, string(model.CheckpointInProgress))
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "scan in-progress checkpoints", Cause: err}
	}
	defer rows.Close()

	var recovered []ids.ID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, &syncerr.DatabaseError{Op: "scan checkpoint id", Cause: err}
		}
		recovered = append(recovered, ids.FromBytes(raw))
	}

	for _, cpID := range recovered {
		if err := markStatus(ctx, e.db, cpID, model.CheckpointAborted, nil); err != nil {
			return nil, err
		}
	}
	return recovered, nil
}

func createCheckpoint(ctx context.Context, db *sql.DB, cp model.Checkpoint) error {
	vcJSON, err := vclock.EncodeMap(cp.VectorClockAtStart)
	if err != nil {
		return fmt.Errorf("checkpoint: encoding vector clock: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (
			checkpoint_id, started_at, last_applied_op_id, vector_clock_at_start, first_op_id, status
		) VALUES (?, ?, NULL, ?, ?, ?)`,
		cp.CheckpointID.Bytes(), cp.StartedAt, string(vcJSON), cp.FirstOpID.Bytes(), string(cp.Status))
	if err != nil {
		return &syncerr.DatabaseError{Op: "create checkpoint", Cause: err}
	}
	return nil
}

func markStatus(ctx context.Context, db *sql.DB, cpID ids.ID, status model.CheckpointStatus, lastAppliedOpID *ids.ID) error {
	var lastRaw []byte
	if lastAppliedOpID != nil {
		lastRaw = lastAppliedOpID.Bytes()
	}
	_, err := db.ExecContext(ctx, `
		UPDATE sync_checkpoints SET status = ?, last_applied_op_id = COALESCE(?, last_applied_op_id)
		WHERE checkpoint_id = ?`,
		string(status), lastRaw, cpID.Bytes())
	if err != nil {
		return &syncerr.DatabaseError{Op: "update checkpoint status", Cause: err}
	}
	return nil
}
