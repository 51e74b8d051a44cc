// Package apply implements the deterministic import/apply pipeline: for
// each operation in causal order, it replays the mutation against the
// user's table inside a transaction, detecting conflicts per (table,
// primary key) and recording them rather than silently overwriting data.
//
// Grounded on import_apply/apply.py and import_apply/conflict.py
// (original_source), restructured around prepared per-table statements the
// way sqlite_backend.go structures its insert/select/delete statements.
package apply

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shivay00001/sqlite-sync-core/internal/capture"
	"github.com/shivay00001/sqlite-sync-core/internal/codec"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
	"github.com/shivay00001/sqlite-sync-core/internal/store"
	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
	"github.com/shivay00001/sqlite-sync-core/internal/vclock"
)

// Outcome summarizes what happened when a single operation was replayed.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeStale            // op.vc < prev.vc: dropped, not an error
	OutcomeConflict         // concurrent mutation: conflict record written, row untouched
	OutcomeNoOp             // e.g. duplicate INSERT onto the same target as an existing row
)

// Result is the per-operation replay outcome, returned in the same order as
// the input batch.
type Result struct {
	Op      model.Operation
	Outcome Outcome
	Conflict *model.ConflictRecord
}

// BatchResult summarizes an entire batch replay.
type BatchResult struct {
	Results       []Result
	AppliedCount  int
	ConflictCount int
}

// Batch replays ops (already in deterministic order, see internal/ordering)
// against user tables inside a single transaction. The caller is expected
// to have already wrapped this in a checkpoint (internal/checkpoint).
func Batch(ctx context.Context, tx *sql.Tx, ops []model.Operation) (BatchResult, error) {
	var br BatchResult
	for _, op := range ops {
		res, err := applyOne(ctx, tx, op)
		if err != nil {
			return BatchResult{}, err
		}
		br.Results = append(br.Results, res)
		switch res.Outcome {
		case OutcomeApplied:
			br.AppliedCount++
		case OutcomeConflict:
			br.ConflictCount++
		}
	}
	return br, nil
}

func applyOne(ctx context.Context, tx *sql.Tx, op model.Operation) (Result, error) {
	// The log is the source of truth: persist regardless of mutation outcome.
	if err := capture.PersistOperation(ctx, tx, op); err != nil {
		return Result{}, err
	}

	switch op.OpType {
	case model.OpSchemaMigration:
		// Schema migrations are applied by internal/migration before data
		// ops in the same batch; by the time Batch reaches here the table
		// already has the column, so nothing more to do but record it.
		return Result{Op: op, Outcome: OutcomeApplied}, nil
	case model.OpInsert:
		return applyInsert(ctx, tx, op)
	case model.OpUpdate:
		return applyUpdate(ctx, tx, op)
	case model.OpDelete:
		return applyDelete(ctx, tx, op)
	default:
		return Result{}, &syncerr.ValidationError{Field: "op_type", Msg: fmt.Sprintf("unknown op_type %q", op.OpType)}
	}
}

// lastWriterFor returns the most recent applied operation in the local log
// (captured here or received from a peer) that mutated (table, row_pk),
// excluding op itself, for causality comparison.
func lastWriterFor(ctx context.Context, tx *sql.Tx, tableName string, rowPK []byte, excludeOpID ids.ID) (*model.Operation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT op_id, device_id, parent_op_id, vector_clock, op_type,
		       row_pk, old_values, new_values, schema_version, created_at, is_local, applied_at
		FROM sync_operations
		WHERE table_name = ? AND row_pk = ? AND op_id != ? AND applied_at IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1`,
		tableName, rowPK, excludeOpID.Bytes())
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "last writer lookup", Cause: err}
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	var opIDRaw, deviceIDRaw, parentRaw []byte
	var vcJSON, opType string
	var appliedAt *int64
	var isLocal int
	var prev model.Operation
	prev.TableName = tableName

	if err := rows.Scan(&opIDRaw, &deviceIDRaw, &parentRaw, &vcJSON, &opType,
		&prev.RowPK, &prev.OldValues, &prev.NewValues, &prev.SchemaVersion, &prev.CreatedAt, &isLocal, &appliedAt); err != nil {
		return nil, &syncerr.DatabaseError{Op: "scan last writer", Cause: err}
	}
	prev.OpID = ids.FromBytes(opIDRaw)
	prev.DeviceID = ids.FromBytes(deviceIDRaw)
	if parentRaw != nil {
		p := ids.FromBytes(parentRaw)
		prev.ParentOpID = &p
	}
	prev.OpType = model.OpType(opType)
	prev.IsLocal = isLocal == 1
	prev.AppliedAt = appliedAt

	vc, err := vclock.DecodeMap([]byte(vcJSON))
	if err != nil {
		return nil, fmt.Errorf("apply: decoding vector clock: %w", err)
	}
	prev.VectorClock = vc
	return &prev, nil
}

func applyInsert(ctx context.Context, tx *sql.Tx, op model.Operation) (Result, error) {
	exists, err := rowExists(ctx, tx, op.TableName, op.RowPK)
	if err != nil {
		return Result{}, err
	}
	if exists {
		prev, err := lastWriterFor(ctx, tx, op.TableName, op.RowPK, op.OpID)
		if err != nil {
			return Result{}, err
		}
		if prev == nil {
			// Row exists with no recorded writer (pre-existing local data):
			// the row is left as it is and no conflict record is written,
			// since there is no operation to pair the incoming one with.
			return Result{Op: op, Outcome: OutcomeNoOp}, nil
		}
		cr, err := recordConflictIfConcurrent(ctx, tx, op, *prev)
		if err != nil {
			return Result{}, err
		}
		if cr != nil {
			return Result{Op: op, Outcome: OutcomeConflict, Conflict: cr}, nil
		}
		return Result{Op: op, Outcome: OutcomeNoOp}, nil
	}

	values, err := codec.DecodeMap(op.NewValues)
	if err != nil {
		return Result{}, &syncerr.ValidationError{Field: "new_values", Msg: err.Error()}
	}
	if err := insertRow(ctx, tx, op.TableName, values); err != nil {
		return Result{}, err
	}
	if err := markAppliedAndAdvance(ctx, tx, op); err != nil {
		return Result{}, err
	}
	return Result{Op: op, Outcome: OutcomeApplied}, nil
}

func applyUpdate(ctx context.Context, tx *sql.Tx, op model.Operation) (Result, error) {
	prev, err := lastWriterFor(ctx, tx, op.TableName, op.RowPK, op.OpID)
	if err != nil {
		return Result{}, err
	}
	if prev != nil {
		ord := vclock.Compare(prev.VectorClock, op.VectorClock)
		switch ord {
		case vclock.Greater:
			// op is stale: prev's clock dominates op's. Drop silently.
			return Result{Op: op, Outcome: OutcomeStale}, nil
		case vclock.Concurrent:
			cr, err := recordConflict(ctx, tx, op, *prev)
			if err != nil {
				return Result{}, err
			}
			return Result{Op: op, Outcome: OutcomeConflict, Conflict: cr}, nil
		}
		// Equal or Less (op supersedes prev): fall through to apply.
	}

	values, err := codec.DecodeMap(op.NewValues)
	if err != nil {
		return Result{}, &syncerr.ValidationError{Field: "new_values", Msg: err.Error()}
	}
	if err := updateRow(ctx, tx, op.TableName, op.RowPK, values); err != nil {
		return Result{}, err
	}
	if err := markAppliedAndAdvance(ctx, tx, op); err != nil {
		return Result{}, err
	}
	return Result{Op: op, Outcome: OutcomeApplied}, nil
}

func applyDelete(ctx context.Context, tx *sql.Tx, op model.Operation) (Result, error) {
	prev, err := lastWriterFor(ctx, tx, op.TableName, op.RowPK, op.OpID)
	if err != nil {
		return Result{}, err
	}
	if prev != nil {
		ord := vclock.Compare(prev.VectorClock, op.VectorClock)
		switch ord {
		case vclock.Greater:
			return Result{Op: op, Outcome: OutcomeStale}, nil
		case vclock.Concurrent:
			cr, err := recordConflict(ctx, tx, op, *prev)
			if err != nil {
				return Result{}, err
			}
			return Result{Op: op, Outcome: OutcomeConflict, Conflict: cr}, nil
		}
	}

	if err := deleteRow(ctx, tx, op.TableName, op.RowPK); err != nil {
		return Result{}, err
	}
	if err := markAppliedAndAdvance(ctx, tx, op); err != nil {
		return Result{}, err
	}
	return Result{Op: op, Outcome: OutcomeApplied}, nil
}

// recordConflictIfConcurrent only records a conflict when the two ops are
// actually concurrent; used by INSERT/INSERT collision where prev might
// causally precede or follow op instead.
func recordConflictIfConcurrent(ctx context.Context, tx *sql.Tx, op model.Operation, prev model.Operation) (*model.ConflictRecord, error) {
	if vclock.Compare(prev.VectorClock, op.VectorClock) != vclock.Concurrent {
		return nil, nil
	}
	return recordConflict(ctx, tx, op, prev)
}

// recordConflict persists a ConflictRecord for the (local, remote) pair.
// "local" here means the pre-existing operation this device already
// applied; "remote" is the incoming operation being replayed.
func recordConflict(ctx context.Context, tx *sql.Tx, remote model.Operation, local model.Operation) (*model.ConflictRecord, error) {
	conflictID, err := ids.New()
	if err != nil {
		return nil, fmt.Errorf("apply: generating conflict id: %w", err)
	}
	cr := &model.ConflictRecord{
		ConflictID:      conflictID,
		TableName:       remote.TableName,
		RowPK:           remote.RowPK,
		LocalOpID:       local.OpID,
		RemoteOpID:      remote.OpID,
		DetectedAt:      model.NowMicros(),
		ResolutionState: model.ConflictUnresolved,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (
			conflict_id, table_name, row_pk, local_op_id, remote_op_id,
			detected_at, resolution_state, resolved_by, winning_op_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		cr.ConflictID.Bytes(), cr.TableName, cr.RowPK, cr.LocalOpID.Bytes(), cr.RemoteOpID.Bytes(),
		cr.DetectedAt, string(cr.ResolutionState))
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "record conflict", Cause: err}
	}
	return cr, nil
}

func markAppliedAndAdvance(ctx context.Context, tx *sql.Tx, op model.Operation) error {
	appliedAt := model.NowMicros()
	if err := capture.MarkApplied(ctx, tx, op.OpID, appliedAt); err != nil {
		return err
	}

	// Advance the local vector clock by merging with op's clock.
	for device, counter := range op.VectorClock {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_vector_clock (device_id, counter) VALUES (?, ?)
			ON CONFLICT(device_id) DO UPDATE SET counter = MAX(counter, excluded.counter)`,
			device, counter)
		if err != nil {
			return &syncerr.DatabaseError{Op: "advance vector clock", Cause: err}
		}
	}
	return nil
}

func rowExists(ctx context.Context, tx *sql.Tx, tableName string, rowPK []byte) (bool, error) {
	where, args, err := whereClauseForPK(ctx, tx, tableName, rowPK)
	if err != nil {
		return false, err
	}
	var one int
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE %s LIMIT 1`, store.QuoteIdent(tableName), where), args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &syncerr.DatabaseError{Op: "row exists", Cause: err}
	}
	return true, nil
}

// whereClauseForPK decodes a row_pk blob (encoded as a sorted column->value
// map, see capture.jsonToRowPK) into a parametrized WHERE clause.
func whereClauseForPK(ctx context.Context, tx *sql.Tx, tableName string, rowPK []byte) (string, []any, error) {
	values, err := codec.DecodeMap(rowPK)
	if err != nil {
		return "", nil, &syncerr.ValidationError{Field: "row_pk", Msg: err.Error()}
	}
	var clauses []string
	var args []any
	for col, v := range values {
		clauses = append(clauses, fmt.Sprintf("%s = ?", store.QuoteIdent(col)))
		args = append(args, valueToSQL(v))
	}
	if len(clauses) == 0 {
		return "", nil, &syncerr.ValidationError{Field: "row_pk", Msg: "empty primary key"}
	}
	clause := clauses[0]
	for _, c := range clauses[1:] {
		clause += " AND " + c
	}
	return clause, args, nil
}

func valueToSQL(v codec.Value) any {
	switch v.Kind {
	case codec.KindNull:
		return nil
	case codec.KindInt:
		return v.Int
	case codec.KindReal:
		return v.Real
	case codec.KindText:
		return v.Text
	case codec.KindBlob:
		return v.Blob
	default:
		return nil
	}
}

func insertRow(ctx context.Context, tx *sql.Tx, tableName string, values map[string]codec.Value) error {
	cols := make([]string, 0, len(values))
	placeholders := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for col, v := range values {
		cols = append(cols, store.QuoteIdent(col))
		placeholders = append(placeholders, "?")
		args = append(args, valueToSQL(v))
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		store.QuoteIdent(tableName), join(cols, ", "), join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return &syncerr.DatabaseError{Op: "insert row", Cause: err}
	}
	return nil
}

func updateRow(ctx context.Context, tx *sql.Tx, tableName string, rowPK []byte, values map[string]codec.Value) error {
	where, whereArgs, err := whereClauseForPK(ctx, tx, tableName, rowPK)
	if err != nil {
		return err
	}
	sets := make([]string, 0, len(values))
	args := make([]any, 0, len(values)+len(whereArgs))
	for col, v := range values {
		sets = append(sets, fmt.Sprintf("%s = ?", store.QuoteIdent(col)))
		args = append(args, valueToSQL(v))
	}
	args = append(args, whereArgs...)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s", store.QuoteIdent(tableName), join(sets, ", "), where)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return &syncerr.DatabaseError{Op: "update row", Cause: err}
	}
	return nil
}

func deleteRow(ctx context.Context, tx *sql.Tx, tableName string, rowPK []byte) error {
	where, args, err := whereClauseForPK(ctx, tx, tableName, rowPK)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", store.QuoteIdent(tableName), where)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return &syncerr.DatabaseError{Op: "delete row", Cause: err}
	}
	return nil
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
