// Package bundle implements the self-contained, content-addressed
// transport container: a standalone SQLite file holding a manifest, the
// operation set, and a schema snapshot, the same embedded
// store shape internal/store uses for the live database, so generation
// and import reuse its connection and pragma conventions.
//
// Payload bytes hashed into the manifest's sha256 are snappy-compressed
// before being written to bundle_operations, the way http_routes_prom.go
// snappy-decodes incoming remote-write payloads.
package bundle

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	_ "modernc.org/sqlite"

	"github.com/shivay00001/sqlite-sync-core/internal/capture"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
	"github.com/shivay00001/sqlite-sync-core/internal/ordering"
	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
	"github.com/shivay00001/sqlite-sync-core/internal/vclock"
)

const FormatVersion = 1

// Manifest mirrors bundle_manifest's columns.
type Manifest struct {
	BundleID         ids.ID
	SourceDeviceID   ids.ID
	PeerDeviceID     ids.ID
	CreatedAt        int64
	FormatVersion    int
	OpCount          int
	CausalSummaryBlob []byte // encoded vector clock at generation time
	SHA256           [32]byte
}

// SchemaSnapshotEntry mirrors bundle_schema_snapshot's columns.
type SchemaSnapshotEntry struct {
	TableName     string
	SchemaVersion int
	ColumnsBlob   []byte // newline-joined column names, declaration order
}

var bundleSchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS bundle_manifest (
		bundle_id BLOB PRIMARY KEY,
		source_device_id BLOB NOT NULL,
		peer_device_id BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		format_version INTEGER NOT NULL,
		op_count INTEGER NOT NULL,
		causal_summary_blob BLOB NOT NULL,
		sha256 BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bundle_operations (
		seq INTEGER PRIMARY KEY,
		op_id BLOB NOT NULL,
		device_id BLOB NOT NULL,
		parent_op_id BLOB,
		vector_clock TEXT NOT NULL,
		table_name TEXT NOT NULL,
		op_type TEXT NOT NULL,
		row_pk BLOB NOT NULL,
		old_values BLOB,
		new_values_compressed BLOB,
		schema_version INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bundle_schema_snapshot (
		table_name TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		columns_blob BLOB NOT NULL
	)`,
}

// Generate builds a bundle file at path containing every op the source
// device has recorded since sinceVC (the peer's last-reported vector
// clock), plus a schema snapshot for the referenced tables. The file is
// written to a temp path first and atomically renamed into place.
func Generate(ctx context.Context, sourceDB *sql.DB, sourceDeviceID, peerDeviceID ids.ID, sinceVC map[string]uint64, schemaSnapshots []SchemaSnapshotEntry, destPath string) (Manifest, error) {
	ops, err := capture.GetNewOperations(ctx, sourceDB, sinceVC)
	if err != nil {
		return Manifest{}, err
	}
	ops = ordering.Sort(ops)

	bundleID, err := ids.New()
	if err != nil {
		return Manifest{}, fmt.Errorf("bundle: generating id: %w", err)
	}

	tmpPath := destPath + ".tmp"
	os.Remove(tmpPath)
	bdb, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return Manifest{}, &syncerr.DatabaseError{Op: "open bundle file", Cause: err}
	}
	defer bdb.Close()

	for _, stmt := range bundleSchemaStatements {
		if _, err := bdb.ExecContext(ctx, stmt); err != nil {
			return Manifest{}, &syncerr.DatabaseError{Op: "create bundle schema", Cause: err}
		}
	}

	var opBytes []byte
	for i, op := range ops {
		encOp, err := encodeOperationForHash(op)
		if err != nil {
			return Manifest{}, err
		}
		opBytes = append(opBytes, encOp...)

		vcJSON, err := vclock.EncodeMap(op.VectorClock)
		if err != nil {
			return Manifest{}, fmt.Errorf("bundle: encoding vector clock: %w", err)
		}
		var parent []byte
		if op.ParentOpID != nil {
			parent = op.ParentOpID.Bytes()
		}
		newValuesCompressed := snappy.Encode(nil, op.NewValues)

		_, err = bdb.ExecContext(ctx, `
			INSERT INTO bundle_operations (
				seq, op_id, device_id, parent_op_id, vector_clock, table_name, op_type,
				row_pk, old_values, new_values_compressed, schema_version, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			i, op.OpID.Bytes(), op.DeviceID.Bytes(), parent, vcJSON, op.TableName, string(op.OpType),
			op.RowPK, op.OldValues, newValuesCompressed, op.SchemaVersion, op.CreatedAt)
		if err != nil {
			return Manifest{}, &syncerr.DatabaseError{Op: "insert bundle operation", Cause: err}
		}
	}

	for _, snap := range schemaSnapshots {
		_, err := bdb.ExecContext(ctx, `
			INSERT INTO bundle_schema_snapshot (table_name, schema_version, columns_blob) VALUES (?, ?, ?)`,
			snap.TableName, snap.SchemaVersion, snap.ColumnsBlob)
		if err != nil {
			return Manifest{}, &syncerr.DatabaseError{Op: "insert schema snapshot", Cause: err}
		}
	}

	causalSummary, err := vclock.EncodeMap(localClockUnion(ops, sinceVC))
	if err != nil {
		return Manifest{}, fmt.Errorf("bundle: encoding causal summary: %w", err)
	}

	m := Manifest{
		BundleID:          bundleID,
		SourceDeviceID:    sourceDeviceID,
		PeerDeviceID:      peerDeviceID,
		CreatedAt:         model.NowMicros(),
		FormatVersion:     FormatVersion,
		OpCount:           len(ops),
		CausalSummaryBlob: causalSummary,
	}
	m.SHA256 = computeHash(m, opBytes)

	_, err = bdb.ExecContext(ctx, `
		INSERT INTO bundle_manifest (
			bundle_id, source_device_id, peer_device_id, created_at, format_version,
			op_count, causal_summary_blob, sha256
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.BundleID.Bytes(), m.SourceDeviceID.Bytes(), m.PeerDeviceID.Bytes(), m.CreatedAt, m.FormatVersion,
		m.OpCount, m.CausalSummaryBlob, m.SHA256[:])
	if err != nil {
		return Manifest{}, &syncerr.DatabaseError{Op: "insert manifest", Cause: err}
	}

	if err := bdb.Close(); err != nil {
		return Manifest{}, &syncerr.DatabaseError{Op: "close bundle file", Cause: err}
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Manifest{}, &syncerr.BundleError{BundleID: m.BundleID.String(), Msg: "preparing destination directory", Cause: err}
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return Manifest{}, &syncerr.BundleError{BundleID: m.BundleID.String(), Msg: "renaming into place", Cause: err}
	}

	return m, nil
}

// localClockUnion produces the vector clock position this bundle
// represents: the merge of sinceVC with every op's clock, i.e. the sender's
// view at generation time restricted to what it is telling the peer about.
func localClockUnion(ops []model.Operation, sinceVC map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(sinceVC))
	for k, v := range sinceVC {
		out[k] = v
	}
	for _, op := range ops {
		for device, counter := range op.VectorClock {
			if counter > out[device] {
				out[device] = counter
			}
		}
	}
	return out
}

// encodeOperationForHash produces a deterministic byte encoding of an
// operation's identity fields for the manifest hash, independent of how
// bundle_operations happens to store them (e.g. compressed vs raw).
func encodeOperationForHash(op model.Operation) ([]byte, error) {
	var out []byte
	out = append(out, op.OpID.Bytes()...)
	out = append(out, op.DeviceID.Bytes()...)
	vcJSON, err := vclock.EncodeMap(op.VectorClock)
	if err != nil {
		return nil, fmt.Errorf("bundle: encoding vector clock for hash: %w", err)
	}
	out = append(out, vcJSON...)
	out = append(out, []byte(op.TableName)...)
	out = append(out, []byte(op.OpType)...)
	out = append(out, op.RowPK...)
	out = append(out, op.NewValues...)
	var createdAtBuf [8]byte
	binary.BigEndian.PutUint64(createdAtBuf[:], uint64(op.CreatedAt))
	out = append(out, createdAtBuf[:]...)
	return out, nil
}

// computeHash hashes the canonical manifest-excluding-sha256 fields
// concatenated with the ordered operation bytes.
func computeHash(m Manifest, opBytes []byte) [32]byte {
	h := sha256.New()
	h.Write(m.BundleID.Bytes())
	h.Write(m.SourceDeviceID.Bytes())
	h.Write(m.PeerDeviceID.Bytes())
	var createdAtBuf [8]byte
	binary.BigEndian.PutUint64(createdAtBuf[:], uint64(m.CreatedAt))
	h.Write(createdAtBuf[:])
	var versionBuf [4]byte
	binary.BigEndian.PutUint32(versionBuf[:], uint32(m.FormatVersion))
	h.Write(versionBuf[:])
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(m.OpCount))
	h.Write(countBuf[:])
	h.Write(m.CausalSummaryBlob)
	h.Write(opBytes)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
