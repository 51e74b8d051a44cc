package bundle

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"

	"github.com/golang/snappy"

	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
	"github.com/shivay00001/sqlite-sync-core/internal/vclock"
)

// Opened is a validated bundle ready to be applied: its manifest and the
// decoded operations it carries, in the order the bundle stored them.
type Opened struct {
	Manifest Manifest
	Ops      []model.Operation
}

// Open reads a bundle file, recomputes its manifest hash, and returns its
// contents. A hash mismatch returns a BundleError and no partial data.
func Open(ctx context.Context, path string) (Opened, error) {
	bdb, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return Opened{}, &syncerr.DatabaseError{Op: "open bundle for read", Cause: err}
	}
	defer bdb.Close()

	var m Manifest
	var bundleIDRaw, sourceRaw, peerRaw, sha256Raw []byte
	err = bdb.QueryRowContext(ctx, `
		SELECT bundle_id, source_device_id, peer_device_id, created_at, format_version,
		       op_count, causal_summary_blob, sha256
		FROM bundle_manifest`).
		Scan(&bundleIDRaw, &sourceRaw, &peerRaw, &m.CreatedAt, &m.FormatVersion,
			&m.OpCount, &m.CausalSummaryBlob, &sha256Raw)
	if err != nil {
		return Opened{}, &syncerr.BundleError{Msg: "reading manifest", Cause: err}
	}
	m.BundleID = ids.FromBytes(bundleIDRaw)
	m.SourceDeviceID = ids.FromBytes(sourceRaw)
	m.PeerDeviceID = ids.FromBytes(peerRaw)
	copy(m.SHA256[:], sha256Raw)

	if m.FormatVersion != FormatVersion {
		return Opened{}, &syncerr.SchemaError{Msg: fmt.Sprintf("unsupported bundle format_version %d", m.FormatVersion)}
	}

	rows, err := bdb.QueryContext(ctx, `
		SELECT op_id, device_id, parent_op_id, vector_clock, table_name, op_type,
		       row_pk, old_values, new_values_compressed, schema_version, created_at
		FROM bundle_operations ORDER BY seq ASC`)
	if err != nil {
		return Opened{}, &syncerr.BundleError{BundleID: m.BundleID.String(), Msg: "reading operations", Cause: err}
	}

	var ops []model.Operation
	var opBytes []byte
	for rows.Next() {
		var opIDRaw, deviceIDRaw, parentRaw []byte
		var vcJSON, tableName, opType string
		var rowPK, oldValues, newValuesCompressed []byte
		var schemaVersion int
		var createdAt int64
		if err := rows.Scan(&opIDRaw, &deviceIDRaw, &parentRaw, &vcJSON, &tableName, &opType,
			&rowPK, &oldValues, &newValuesCompressed, &schemaVersion, &createdAt); err != nil {
			rows.Close()
			return Opened{}, &syncerr.BundleError{BundleID: m.BundleID.String(), Msg: "scanning operation", Cause: err}
		}
		op, encForHash, err := decodeBundleRow(opIDRaw, deviceIDRaw, parentRaw, vcJSON, tableName, opType, rowPK, oldValues, newValuesCompressed, schemaVersion, createdAt)
		if err != nil {
			rows.Close()
			return Opened{}, err
		}
		ops = append(ops, op)
		opBytes = append(opBytes, encForHash...)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Opened{}, &syncerr.BundleError{BundleID: m.BundleID.String(), Msg: "iterating operations", Cause: err}
	}
	rows.Close()

	got := computeHash(m, opBytes)
	if subtle.ConstantTimeCompare(got[:], m.SHA256[:]) != 1 {
		return Opened{}, &syncerr.BundleError{BundleID: m.BundleID.String(), Msg: "sha256 mismatch: bundle is tainted"}
	}

	return Opened{Manifest: m, Ops: ops}, nil
}

func decodeBundleRow(opIDRaw, deviceIDRaw, parentRaw []byte, vcJSON, tableName, opType string, rowPK, oldValues, newValuesCompressed []byte, schemaVersion int, createdAt int64) (model.Operation, []byte, error) {
	var op model.Operation
	op.OpID = ids.FromBytes(opIDRaw)
	op.DeviceID = ids.FromBytes(deviceIDRaw)
	if parentRaw != nil {
		p := ids.FromBytes(parentRaw)
		op.ParentOpID = &p
	}
	vc, err := vclock.DecodeMap([]byte(vcJSON))
	if err != nil {
		return model.Operation{}, nil, fmt.Errorf("bundle: decoding vector clock: %w", err)
	}
	op.VectorClock = vc
	op.TableName = tableName
	op.OpType = model.OpType(opType)
	op.RowPK = rowPK
	op.OldValues = oldValues
	op.SchemaVersion = schemaVersion
	op.CreatedAt = createdAt

	if len(newValuesCompressed) > 0 {
		nv, err := snappy.Decode(nil, newValuesCompressed)
		if err != nil {
			return model.Operation{}, nil, &syncerr.BundleError{Msg: "decompressing new_values", Cause: err}
		}
		op.NewValues = nv
	}

	encForHash, err := encodeOperationForHash(op)
	if err != nil {
		return model.Operation{}, nil, err
	}
	return op, encForHash, nil
}

// AlreadyImported reports whether bundleID has already been recorded in
// imported_bundles, letting the sync loop's pull step skip a redelivered
// bundle.
func AlreadyImported(ctx context.Context, db *sql.DB, bundleID ids.ID) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM imported_bundles WHERE bundle_id = ?`, bundleID.Bytes()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &syncerr.DatabaseError{Op: "check imported_bundles", Cause: err}
	}
	return true, nil
}

// RecordImport logs a bundle's import outcome, idempotently: re-recording
// the same bundle_id is a no-op rather than an error, since a redelivered
// bundle after a crash mid-apply is expected.
func RecordImport(ctx context.Context, db *sql.DB, m Manifest, appliedCount, conflictCount int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO imported_bundles (
			bundle_id, source_device_id, imported_at, op_count, applied_count, conflict_count, sha256
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bundle_id) DO NOTHING`,
		m.BundleID.Bytes(), m.SourceDeviceID.Bytes(), model.NowMicros(), m.OpCount, appliedCount, conflictCount, m.SHA256[:])
	if err != nil {
		return &syncerr.DatabaseError{Op: "record imported bundle", Cause: err}
	}
	return nil
}
