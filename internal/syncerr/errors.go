// Package syncerr defines the error kinds surfaced by the replication engine.
package syncerr

import (
	"errors"
	"fmt"
)

// ErrConflictPending is not an error condition: it signals that a resolver
// deferred a decision and the conflict remains unresolved.
var ErrConflictPending = errors.New("conflict pending manual resolution")

// ErrCheckpointInProgress names the case of a second checkpoint requested
// while one is already in_progress. Nothing in this module returns it:
// checkpoint.Executor.Run does not check for an existing in_progress row.
var ErrCheckpointInProgress = errors.New("a checkpoint is already in progress")

// ErrBundleAlreadyImported signals the bundle_id was already recorded in
// imported_bundles; the caller should treat the import as a no-op.
var ErrBundleAlreadyImported = errors.New("bundle already imported")

// ValidationError reports malformed input: a bad primary-key encoding, an
// out-of-range vector clock, an unknown table. Caller-visible, non-retryable.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Msg)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// SchemaError reports a bundle referencing an unknown or incompatible
// schema version. The whole bundle is rejected.
type SchemaError struct {
	TableName     string
	LocalVersion  int
	RemoteVersion int
	Msg           string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema incompatible for %s: local=%d remote=%d: %s",
		e.TableName, e.LocalVersion, e.RemoteVersion, e.Msg)
}

// BundleError reports an integrity hash mismatch or an unreadable container.
type BundleError struct {
	BundleID string
	Msg      string
	Cause    error
}

func (e *BundleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bundle %s: %s: %v", e.BundleID, e.Msg, e.Cause)
	}
	return fmt.Sprintf("bundle %s: %s", e.BundleID, e.Msg)
}

func (e *BundleError) Unwrap() error { return e.Cause }

// DatabaseError wraps an underlying embedded-store failure. Retryable: the
// caller's transaction has already been rolled back.
type DatabaseError struct {
	Op    string
	Cause error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database: %s: %v", e.Op, e.Cause)
}

func (e *DatabaseError) Unwrap() error { return e.Cause }

// TransportError wraps a network failure from a transport adapter. The sync
// loop treats this as transient and schedules a retry with backoff.
type TransportError struct {
	Peer  string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport to %s: %v", e.Peer, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }
