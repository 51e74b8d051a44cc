package apply

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shivay00001/sqlite-sync-core/internal/capture"
	"github.com/shivay00001/sqlite-sync-core/internal/codec"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
	"github.com/shivay00001/sqlite-sync-core/internal/resolver"
	"github.com/shivay00001/sqlite-sync-core/internal/store"
	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
	"github.com/shivay00001/sqlite-sync-core/internal/vclock"
)

// LoadConflictContext reads both sides of a conflict and the row's current
// image, ready for resolver.Resolve.
func LoadConflictContext(ctx context.Context, tx *sql.Tx, conflictID ids.ID) (resolver.ConflictContext, error) {
	var cr model.ConflictRecord
	var conflictIDRaw, localRaw, remoteRaw []byte
	var winningRaw []byte
	var resolvedBy sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT conflict_id, table_name, row_pk, local_op_id, remote_op_id,
		       detected_at, resolution_state, resolved_by, winning_op_id
		FROM sync_conflicts WHERE conflict_id = ?`, conflictID.Bytes()).
		Scan(&conflictIDRaw, &cr.TableName, &cr.RowPK, &localRaw, &remoteRaw,
			&cr.DetectedAt, &cr.ResolutionState, &resolvedBy, &winningRaw)
	if err == sql.ErrNoRows {
		return resolver.ConflictContext{}, &syncerr.ValidationError{Field: "conflict_id", Msg: "conflict not found"}
	}
	if err != nil {
		return resolver.ConflictContext{}, &syncerr.DatabaseError{Op: "load conflict", Cause: err}
	}
	_ = conflictIDRaw
	cr.ConflictID = conflictID
	cr.LocalOpID = ids.FromBytes(localRaw)
	cr.RemoteOpID = ids.FromBytes(remoteRaw)
	if resolvedBy.Valid {
		cr.ResolvedBy = resolvedBy.String
	}
	if winningRaw != nil {
		w := ids.FromBytes(winningRaw)
		cr.WinningOpID = &w
	}

	localOp, err := loadOperation(ctx, tx, cr.LocalOpID)
	if err != nil {
		return resolver.ConflictContext{}, err
	}
	remoteOp, err := loadOperation(ctx, tx, cr.RemoteOpID)
	if err != nil {
		return resolver.ConflictContext{}, err
	}

	localValues, err := decodeValuesOrNil(localOp.NewValues)
	if err != nil {
		return resolver.ConflictContext{}, err
	}
	remoteValues, err := decodeValuesOrNil(remoteOp.NewValues)
	if err != nil {
		return resolver.ConflictContext{}, err
	}
	current, err := currentRowImage(ctx, tx, cr.TableName, cr.RowPK)
	if err != nil {
		return resolver.ConflictContext{}, err
	}

	return resolver.ConflictContext{
		Conflict:     cr,
		LocalOp:      localOp,
		RemoteOp:     remoteOp,
		LocalValues:  localValues,
		RemoteValues: remoteValues,
		CurrentRow:   current,
	}, nil
}

func decodeValuesOrNil(raw []byte) (map[string]codec.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	v, err := codec.DecodeMap(raw)
	if err != nil {
		return nil, &syncerr.ValidationError{Field: "new_values", Msg: err.Error()}
	}
	return v, nil
}

func loadOperation(ctx context.Context, tx *sql.Tx, opID ids.ID) (model.Operation, error) {
	var op model.Operation
	var opIDRaw, deviceIDRaw, parentRaw []byte
	var vcJSON, opType string
	var appliedAt *int64
	var isLocal int

	err := tx.QueryRowContext(ctx, `
		SELECT op_id, device_id, parent_op_id, vector_clock, table_name, op_type,
		       row_pk, old_values, new_values, schema_version, created_at, is_local, applied_at
		FROM sync_operations WHERE op_id = ?`, opID.Bytes()).
		Scan(&opIDRaw, &deviceIDRaw, &parentRaw, &vcJSON, &op.TableName, &opType,
			&op.RowPK, &op.OldValues, &op.NewValues, &op.SchemaVersion, &op.CreatedAt, &isLocal, &appliedAt)
	if err != nil {
		return model.Operation{}, &syncerr.DatabaseError{Op: "load operation", Cause: err}
	}
	op.OpID = ids.FromBytes(opIDRaw)
	op.DeviceID = ids.FromBytes(deviceIDRaw)
	if parentRaw != nil {
		p := ids.FromBytes(parentRaw)
		op.ParentOpID = &p
	}
	op.OpType = model.OpType(opType)
	op.IsLocal = isLocal == 1
	op.AppliedAt = appliedAt
	vc, err := vclock.DecodeMap([]byte(vcJSON))
	if err != nil {
		return model.Operation{}, fmt.Errorf("apply: decoding vector clock: %w", err)
	}
	op.VectorClock = vc
	return op, nil
}

func currentRowImage(ctx context.Context, tx *sql.Tx, tableName string, rowPK []byte) (map[string]codec.Value, error) {
	exists, err := rowExists(ctx, tx, tableName, rowPK)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	where, args, err := whereClauseForPK(ctx, tx, tableName, rowPK)
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE %s LIMIT 1`, store.QuoteIdent(tableName), where), args...)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "current row image", Cause: err}
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "current row columns", Cause: err}
	}
	if !rows.Next() {
		return nil, nil
	}
	ptrs := make([]any, len(cols))
	vals := make([]any, len(cols))
	for i := range ptrs {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, &syncerr.DatabaseError{Op: "scan row image", Cause: err}
	}
	out := make(map[string]codec.Value, len(cols))
	for i, c := range cols {
		out[c] = sqlToValue(vals[i])
	}
	return out, nil
}

func sqlToValue(v any) codec.Value {
	switch t := v.(type) {
	case nil:
		return codec.NullValue()
	case int64:
		return codec.IntValue(t)
	case float64:
		return codec.RealValue(t)
	case string:
		return codec.TextValue(t)
	case []byte:
		return codec.BlobValue(t)
	default:
		return codec.NullValue()
	}
}

// ApplyResolution writes a resolver's decision to the row, synthesizes a
// new local operation reflecting the chosen values (so the resolution
// itself replicates and closes the conflict at every peer), and marks the
// conflict record resolved.
func ApplyResolution(ctx context.Context, tx *sql.Tx, deviceID ids.ID, vc *vclock.Clock, cctx resolver.ConflictContext, result resolver.ResolutionResult) (*model.Operation, error) {
	if !result.Resolved {
		return nil, nil
	}

	opID, err := ids.New()
	if err != nil {
		return nil, fmt.Errorf("apply: generating resolution op id: %w", err)
	}
	vc.Increment(deviceID.String())
	snapshot := vc.Snapshot()

	opType := model.OpUpdate
	var newValues []byte
	if result.IsDelete {
		opType = model.OpDelete
		if err := deleteRow(ctx, tx, cctx.Conflict.TableName, cctx.Conflict.RowPK); err != nil {
			return nil, err
		}
	} else {
		newValues = codec.EncodeMap(result.WinningValues)
		if cctx.CurrentRow == nil {
			if err := insertRow(ctx, tx, cctx.Conflict.TableName, result.WinningValues); err != nil {
				return nil, err
			}
			opType = model.OpInsert
		} else {
			if err := updateRow(ctx, tx, cctx.Conflict.TableName, cctx.Conflict.RowPK, result.WinningValues); err != nil {
				return nil, err
			}
		}
	}

	op := model.Operation{
		OpID:          opID,
		DeviceID:      deviceID,
		VectorClock:   snapshot,
		TableName:     cctx.Conflict.TableName,
		OpType:        opType,
		RowPK:         cctx.Conflict.RowPK,
		NewValues:     newValues,
		SchemaVersion: cctx.RemoteOp.SchemaVersion,
		CreatedAt:     model.NowMicros(),
		IsLocal:       true,
	}
	if err := model.CheckOperation(&op); err != nil {
		return nil, err
	}

	if err := capture.PersistOperation(ctx, tx, op); err != nil {
		return nil, err
	}
	if err := markAppliedAndAdvance(ctx, tx, op); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolution_state = ?, resolved_by = ?, winning_op_id = ?
		WHERE conflict_id = ?`,
		string(model.ConflictResolved), result.ResolvedBy, op.OpID.Bytes(), cctx.Conflict.ConflictID.Bytes()); err != nil {
		return nil, &syncerr.DatabaseError{Op: "mark conflict resolved", Cause: err}
	}

	return &op, nil
}
