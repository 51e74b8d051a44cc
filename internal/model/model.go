// Package model holds the plain data types shared across the replication
// engine: Device, Operation, ConflictRecord, Checkpoint, SchemaMigration and
// Peer. Field tags and the flat-struct-with-json-tags shape follow the
// same convention as the rest of this codebase's domain types.
package model

import (
	"time"

	"github.com/shivay00001/sqlite-sync-core/internal/ids"
)

// OpType enumerates the kinds of mutation an Operation can carry.
type OpType string

const (
	OpInsert          OpType = "INSERT"
	OpUpdate          OpType = "UPDATE"
	OpDelete          OpType = "DELETE"
	OpSchemaMigration OpType = "SCHEMA_MIGRATION"
)

// Device is a node identity: a 128-bit opaque identifier, a display name,
// and an optional signing keypair. Created once at initialization and
// immutable thereafter.
type Device struct {
	ID           ids.ID `json:"id"`
	Name         string `json:"name"`
	SigningKey   []byte `json:"signing_key,omitempty"`    // private key, local only
	VerifyingKey []byte `json:"verifying_key,omitempty"`  // public key, shared with peers
}

// Operation is the atomic replication unit.
type Operation struct {
	OpID          ids.ID            `json:"op_id"`
	DeviceID      ids.ID            `json:"device_id"`
	ParentOpID    *ids.ID           `json:"parent_op_id,omitempty"`
	VectorClock   map[string]uint64 `json:"vector_clock"`
	TableName     string            `json:"table_name"`
	OpType        OpType            `json:"op_type"`
	RowPK         []byte            `json:"row_pk"`
	OldValues     []byte            `json:"old_values,omitempty"`
	NewValues     []byte            `json:"new_values,omitempty"`
	SchemaVersion int               `json:"schema_version"`
	CreatedAt     int64             `json:"created_at"` // microseconds since epoch
	IsLocal       bool              `json:"is_local"`
	AppliedAt     *int64            `json:"applied_at,omitempty"`
}

// NowMicros returns the current physical time in microseconds, the unit
// Operation.CreatedAt and conflict/checkpoint timestamps use throughout.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}

// ConflictResolutionState is the lifecycle of a ConflictRecord.
type ConflictResolutionState string

const (
	ConflictUnresolved ConflictResolutionState = "unresolved"
	ConflictResolved   ConflictResolutionState = "resolved"
	ConflictDeferred   ConflictResolutionState = "deferred"
)

// ConflictRecord captures a detected pair of concurrent mutating operations
// on the same (table, row_pk).
type ConflictRecord struct {
	ConflictID      ids.ID                   `json:"conflict_id"`
	TableName       string                   `json:"table_name"`
	RowPK           []byte                   `json:"row_pk"`
	LocalOpID       ids.ID                   `json:"local_op_id"`
	RemoteOpID      ids.ID                   `json:"remote_op_id"`
	DetectedAt      int64                    `json:"detected_at"`
	ResolutionState ConflictResolutionState  `json:"resolution_state"`
	ResolvedBy      string                   `json:"resolved_by,omitempty"`
	WinningOpID     *ids.ID                  `json:"winning_op_id,omitempty"`
}

// CheckpointStatus is the lifecycle of a Checkpoint.
type CheckpointStatus string

const (
	CheckpointInProgress CheckpointStatus = "in_progress"
	CheckpointCommitted  CheckpointStatus = "committed"
	CheckpointAborted    CheckpointStatus = "aborted"
)

// Checkpoint brackets a crash-safe apply batch.
type Checkpoint struct {
	CheckpointID      ids.ID            `json:"checkpoint_id"`
	StartedAt         int64             `json:"started_at"`
	LastAppliedOpID   *ids.ID           `json:"last_applied_op_id,omitempty"`
	VectorClockAtStart map[string]uint64 `json:"vector_clock_at_start"`
	FirstOpID         ids.ID            `json:"first_op_id"`
	Status            CheckpointStatus  `json:"status"`
}

// MigrationKind enumerates the first-class schema-evolution operations.
// Only additive migrations are supported.
type MigrationKind string

const (
	MigrationAddColumn MigrationKind = "ADD_COLUMN"
)

// SchemaMigration is a replicable additive schema change.
type SchemaMigration struct {
	MigrationID  ids.ID        `json:"migration_id"`
	TableName    string        `json:"table_name"`
	Kind         MigrationKind `json:"kind"`
	ColumnName   string        `json:"column_name"`
	ColumnType   string        `json:"column_type"`
	DefaultValue []byte        `json:"default_value,omitempty"`
	CreatedAt    int64         `json:"created_at"`
	AppliedAt    *int64        `json:"applied_at,omitempty"`
}

// Peer tracks another device this engine syncs with.
type Peer struct {
	PeerID                ids.ID            `json:"peer_id"`
	LastSeen              int64             `json:"last_seen"`
	LastSyncAt            int64             `json:"last_sync_at"`
	LastSentVectorClock   map[string]uint64 `json:"last_sent_vector_clock"`
	LastReceivedVectorClock map[string]uint64 `json:"last_received_vector_clock"`
	EndpointHint          string            `json:"endpoint_hint,omitempty"`
}
