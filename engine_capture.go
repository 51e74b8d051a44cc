package syncengine

import (
	"context"
	"fmt"

	"github.com/shivay00001/sqlite-sync-core/internal/apply"
	"github.com/shivay00001/sqlite-sync-core/internal/capture"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/migration"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
	"github.com/shivay00001/sqlite-sync-core/internal/resolver"
	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
)

// EnableSync turns change capture on for tableName at the given schema
// version, installing the AFTER triggers that stage rows for promotion to
// operations.
func (e *Engine) EnableSync(ctx context.Context, tableName string, schemaVersion int) error {
	if err := capture.EnableSyncForTable(ctx, e.store.DB(), tableName, schemaVersion); err != nil {
		return err
	}
	e.schemaVersions[tableName] = schemaVersion
	return nil
}

// Exec runs a write statement against a synced table and returns the
// operations it generated, already persisted and marked applied locally.
func (e *Engine) Exec(ctx context.Context, stmt string, args ...any) ([]model.Operation, error) {
	_, ops, err := capture.ExecCaptured(ctx, e.store, e.Device, e.vclock, e.schemaVersionOf, stmt, args...)
	if err != nil {
		return nil, err
	}
	e.counters.OpsCaptured.Add(int64(len(ops)))
	return ops, nil
}

func (e *Engine) schemaVersionOf(table string) int {
	if v, ok := e.schemaVersions[table]; ok {
		return v
	}
	return 1
}

// AddColumn performs an additive schema migration: it alters
// tableName locally and emits a replicable SCHEMA_MIGRATION operation.
func (e *Engine) AddColumn(ctx context.Context, tableName, columnName, columnType string, defaultValue []byte) (model.SchemaMigration, error) {
	current := e.schemaVersionOf(tableName)
	mig, _, err := migration.CreateAddColumn(ctx, e.store.DB(), e.Device, e.vclock, tableName, columnName, columnType, defaultValue, current+1)
	if err != nil {
		return model.SchemaMigration{}, err
	}
	e.schemaVersions[tableName] = current + 1
	return mig, nil
}

// ConflictSummary is the information a caller needs to decide how to
// resolve a pending conflict, without exposing internal row encodings.
type ConflictSummary struct {
	ConflictID ids.ID
	TableName  string
	DetectedAt int64
}

// PendingConflicts lists unresolved conflicts, oldest first.
func (e *Engine) PendingConflicts(ctx context.Context) ([]ConflictSummary, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT conflict_id, table_name, detected_at FROM sync_conflicts
		WHERE resolution_state = 'unresolved' ORDER BY detected_at ASC`)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "list pending conflicts", Cause: err}
	}
	defer rows.Close()

	var out []ConflictSummary
	for rows.Next() {
		var idRaw []byte
		var table string
		var detectedAt int64
		if err := rows.Scan(&idRaw, &table, &detectedAt); err != nil {
			return nil, &syncerr.DatabaseError{Op: "scan pending conflict", Cause: err}
		}
		out = append(out, ConflictSummary{ConflictID: ids.FromBytes(idRaw), TableName: table, DetectedAt: detectedAt})
	}
	return out, nil
}

// ResolveConflict applies cfg's strategy to the named conflict inside a
// single transaction: it loads both sides' values, asks the resolver
// registry for a decision, and writes the result to the row and the
// conflict record.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID ids.ID, cfg resolver.Config) (*model.Operation, error) {
	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "begin resolve conflict tx", Cause: err}
	}
	defer tx.Rollback()

	cctx, err := apply.LoadConflictContext(ctx, tx, conflictID)
	if err != nil {
		return nil, err
	}

	result := resolver.Resolve(cfg, cctx)
	if !result.Resolved {
		return nil, fmt.Errorf("syncengine: conflict %s: %w", conflictID, syncerr.ErrConflictPending)
	}

	op, err := apply.ApplyResolution(ctx, tx, e.Device, e.vclock, cctx, result)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &syncerr.DatabaseError{Op: "commit resolve conflict tx", Cause: err}
	}
	e.counters.ConflictsResolved.Add(1)
	return op, nil
}
