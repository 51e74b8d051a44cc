package model

import (
	"fmt"

	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
)

// CheckVectorClock validates that a vector clock's counters are sane before
// it is persisted or compared. Grounded on invariants.py's
// assert_valid_vector_clock, adapted to Go's unsigned counters (negative
// counters are unrepresentable here, so this only checks device-id shape).
func CheckVectorClock(vc map[string]uint64) error {
	for device := range vc {
		if len(device) == 0 {
			return &syncerr.ValidationError{Field: "vector_clock", Msg: "device id must not be empty"}
		}
	}
	return nil
}

// CheckOperation validates the structural invariants an Operation must
// satisfy before it is accepted into the log: a valid vector clock, a
// non-empty row_pk, new_values present for INSERT/UPDATE, a table name for
// SCHEMA_MIGRATION, and a known op_type. old_values and parent_op_id are
// not checked.
func CheckOperation(op *Operation) error {
	if err := CheckVectorClock(op.VectorClock); err != nil {
		return err
	}
	if len(op.RowPK) == 0 {
		return &syncerr.ValidationError{Field: "row_pk", Msg: "row_pk must not be empty"}
	}
	switch op.OpType {
	case OpInsert:
		if len(op.NewValues) == 0 {
			return &syncerr.ValidationError{Field: "new_values", Msg: "INSERT requires new_values"}
		}
	case OpUpdate:
		if len(op.NewValues) == 0 {
			return &syncerr.ValidationError{Field: "new_values", Msg: "UPDATE requires new_values"}
		}
	case OpDelete:
		// old_values is informative only; DELETE may arrive without it if
		// the originator never read back the row before deleting.
	case OpSchemaMigration:
		if op.TableName == "" {
			return &syncerr.ValidationError{Field: "table_name", Msg: "SCHEMA_MIGRATION requires a table name"}
		}
	default:
		return &syncerr.ValidationError{Field: "op_type", Msg: fmt.Sprintf("unknown op_type %q", op.OpType)}
	}
	return nil
}
