// Package migration implements additive schema evolution: the only
// first-class schema change is ADD_COLUMN with a default value.
// Creating one alters the local table, records a schema_migrations row,
// and emits a SCHEMA_MIGRATION operation that itself replicates.
//
// Grounded on db/migrations.py's idempotent-initialization idiom
// (check-then-create, never silently re-run) and on the STRICT-table
// column definitions in internal/store/schema.go.
package migration

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

// CreateAddColumn alters tableName locally, records the migration, and emits
// a replicable SCHEMA_MIGRATION op stamped with newSchemaVersion, all inside
// one transaction. It stores no per-table schema version itself; the caller
// keeps track of the new version.
func CreateAddColumn(ctx context.Context, db *sql.DB, deviceID ids.ID, vc *vclock.Clock, tableName, columnName, columnType string, defaultValue []byte, newSchemaVersion int) (model.SchemaMigration, model.Operation, error) {
	migrationID, err := ids.New()
	if err != nil {
		return model.SchemaMigration{}, model.Operation{}, fmt.Errorf("migration: generating id: %w", err)
	}

	mig := model.SchemaMigration{
		MigrationID:  migrationID,
		TableName:    tableName,
		Kind:         model.MigrationAddColumn,
		ColumnName:   columnName,
		ColumnType:   columnType,
		DefaultValue: defaultValue,
		CreatedAt:    model.NowMicros(),
	}

	opID, err := ids.New()
	if err != nil {
		return model.SchemaMigration{}, model.Operation{}, fmt.Errorf("migration: generating op id: %w", err)
	}
	vc.Increment(deviceID.String())
	snapshot := vc.Snapshot()

	op := model.Operation{
		OpID:          opID,
		DeviceID:      deviceID,
		VectorClock:   snapshot,
		TableName:     tableName,
		OpType:        model.OpSchemaMigration,
		RowPK:         migrationPayload(mig),
		NewValues:     encodeMigrationPayload(columnName, columnType, defaultValue),
		SchemaVersion: newSchemaVersion,
		CreatedAt:     model.NowMicros(),
		IsLocal:       true,
	}
	if err := model.CheckOperation(&op); err != nil {
		return model.SchemaMigration{}, model.Operation{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.SchemaMigration{}, model.Operation{}, &syncerr.DatabaseError{Op: "begin migration tx", Cause: err}
	}
	defer tx.Rollback()

	alterStmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s DEFAULT %s`,
		store.QuoteIdent(tableName), store.QuoteIdent(columnName), columnType, defaultLiteral(defaultValue))
	if _, err := tx.ExecContext(ctx, alterStmt); err != nil {
		return model.SchemaMigration{}, model.Operation{}, &syncerr.SchemaError{TableName: tableName, Msg: fmt.Sprintf("add column %s: %v", columnName, err)}
	}

	if err := recordMigration(ctx, tx, mig); err != nil {
		return model.SchemaMigration{}, model.Operation{}, err
	}
	if err := capture.PersistOperation(ctx, tx, op); err != nil {
		return model.SchemaMigration{}, model.Operation{}, err
	}
	appliedAt := model.NowMicros()
	if err := markMigrationApplied(ctx, tx, mig.MigrationID, appliedAt); err != nil {
		return model.SchemaMigration{}, model.Operation{}, err
	}
	if err := capture.MarkApplied(ctx, tx, op.OpID, appliedAt); err != nil {
		return model.SchemaMigration{}, model.Operation{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.SchemaMigration{}, model.Operation{}, &syncerr.DatabaseError{Op: "commit migration tx", Cause: err}
	}

	return mig, op, nil
}

func defaultLiteral(defaultValue []byte) string {
	if len(defaultValue) == 0 {
		return "NULL"
	}
	return fmt.Sprintf("'%s'", string(defaultValue))
}

func recordMigration(ctx context.Context, tx *sql.Tx, mig model.SchemaMigration) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_schema_migrations (
			migration_id, table_name, kind, column_name, column_type, default_value, created_at, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		mig.MigrationID.Bytes(), mig.TableName, string(mig.Kind), mig.ColumnName, mig.ColumnType, mig.DefaultValue, mig.CreatedAt)
	if err != nil {
		return &syncerr.DatabaseError{Op: "record migration", Cause: err}
	}
	return nil
}

func markMigrationApplied(ctx context.Context, tx *sql.Tx, migrationID ids.ID, appliedAt int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE sync_schema_migrations SET applied_at = ? WHERE migration_id = ?`, appliedAt, migrationID.Bytes())
	if err != nil {
		return &syncerr.DatabaseError{Op: "mark migration applied", Cause: err}
	}
	return nil
}

// migrationPayload gives a SCHEMA_MIGRATION op a non-empty row_pk (the
// invariant all operations share) without implying any user-table row;
// it is the migration_id itself, which is already globally unique.
func migrationPayload(mig model.SchemaMigration) []byte {
	return mig.MigrationID.Bytes()
}

func encodeMigrationPayload(columnName, columnType string, defaultValue []byte) []byte {
	return codec.EncodeMap(map[string]codec.Value{
		"column_name": codec.TextValue(columnName),
		"column_type": codec.TextValue(columnType),
		"default":     codec.BlobValue(defaultValue),
	})
}

func decodeMigrationPayload(raw []byte) (columnName, columnType string, defaultValue []byte, err error) {
	m, err := codec.DecodeMap(raw)
	if err != nil {
		return "", "", nil, &syncerr.ValidationError{Field: "new_values", Msg: err.Error()}
	}
	return m["column_name"].Text, m["column_type"].Text, m["default"].Blob, nil
}

// ApplyIncoming applies a remote SCHEMA_MIGRATION op: it alters the local
// table if the column is not already present, then records the migration.
// A SCHEMA_MIGRATION op must be applied before any data op in the same
// batch that references a higher schema_version for that table.
func ApplyIncoming(ctx context.Context, tx *sql.Tx, tableName, columnName, columnType string, defaultValue []byte) error {
	has, err := columnExists(ctx, tx, tableName, columnName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	alterStmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s DEFAULT %s`,
		store.QuoteIdent(tableName), store.QuoteIdent(columnName), columnType, defaultLiteral(defaultValue))
	if _, err := tx.ExecContext(ctx, alterStmt); err != nil {
		return &syncerr.SchemaError{TableName: tableName, Msg: fmt.Sprintf("add column %s: %v", columnName, err)}
	}
	return nil
}

// ApplyIncomingOp is ApplyIncoming plus the log bookkeeping a replicated
// SCHEMA_MIGRATION op requires: persist the op, record the migration, and
// mark both applied, all inside the caller's transaction.
func ApplyIncomingOp(ctx context.Context, tx *sql.Tx, op model.Operation) error {
	if op.OpType != model.OpSchemaMigration {
		return &syncerr.ValidationError{Field: "op_type", Msg: "ApplyIncomingOp requires a SCHEMA_MIGRATION op"}
	}
	columnName, columnType, defaultValue, err := decodeMigrationPayload(op.NewValues)
	if err != nil {
		return err
	}
	if err := ApplyIncoming(ctx, tx, op.TableName, columnName, columnType, defaultValue); err != nil {
		return err
	}

	if err := capture.PersistOperation(ctx, tx, op); err != nil {
		return err
	}
	appliedAt := model.NowMicros()
	if err := capture.MarkApplied(ctx, tx, op.OpID, appliedAt); err != nil {
		return err
	}

	mig := model.SchemaMigration{
		MigrationID:  ids.FromBytes(op.RowPK),
		TableName:    op.TableName,
		Kind:         model.MigrationAddColumn,
		ColumnName:   columnName,
		ColumnType:   columnType,
		DefaultValue: defaultValue,
		CreatedAt:    op.CreatedAt,
	}
	if err := recordMigration(ctx, tx, mig); err != nil {
		return err
	}
	return markMigrationApplied(ctx, tx, mig.MigrationID, appliedAt)
}

func columnExists(ctx context.Context, tx *sql.Tx, tableName, columnName string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, store.QuoteIdent(tableName)))
	if err != nil {
		return false, &syncerr.DatabaseError{Op: "table_info", Cause: err}
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pkOrder int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pkOrder); err != nil {
			return false, &syncerr.DatabaseError{Op: "table_info scan", Cause: err}
		}
		if name == columnName {
			return true, nil
		}
	}
	return false, nil
}

// CheckCompatibility returns true iff localVersion == remoteVersion, or the
// gap between them is covered entirely by additive migrations already
// recorded locally: every migration whose resulting version is in
// (localVersion, remoteVersion] must already be present.
func CheckCompatibility(ctx context.Context, db *sql.DB, tableName string, localVersion, remoteVersion int) (bool, error) {
	if localVersion == remoteVersion {
		return true, nil
	}
	if remoteVersion < localVersion {
		// A peer on an older schema is always compatible with us: our
		// additive migrations are a superset of what it expects.
		return true, nil
	}

	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_schema_migrations
		WHERE table_name = ? AND applied_at IS NOT NULL`, tableName).Scan(&count)
	if err != nil {
		return false, &syncerr.DatabaseError{Op: "count migrations", Cause: err}
	}

	// Each additive migration advances the schema version by exactly one;
	// compatibility holds iff we have recorded at least (remote - local)
	// applied migrations for this table.
	return count >= remoteVersion-localVersion, nil
}
