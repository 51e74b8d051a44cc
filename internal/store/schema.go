package store

// schemaStatements creates the internal replication tables this engine
// needs. Table shapes follow db/schema.py, adapted to this engine's exact
// table names and STRICT typing, the way sqlite_backend.go's initSchema
// lays out CREATE TABLE statements as a plain string slice.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sync_device (
		device_id BLOB PRIMARY KEY CHECK(length(device_id) = 16),
		name TEXT NOT NULL,
		signing_key BLOB,
		verifying_key BLOB,
		created_at INTEGER NOT NULL
	) STRICT`,

	`CREATE TABLE IF NOT EXISTS sync_operations (
		op_id BLOB PRIMARY KEY CHECK(length(op_id) = 16),
		device_id BLOB NOT NULL CHECK(length(device_id) = 16),
		parent_op_id BLOB CHECK(parent_op_id IS NULL OR length(parent_op_id) = 16),
		vector_clock TEXT NOT NULL,
		table_name TEXT NOT NULL,
		op_type TEXT NOT NULL CHECK(op_type IN ('INSERT','UPDATE','DELETE','SCHEMA_MIGRATION')),
		row_pk BLOB NOT NULL,
		old_values BLOB,
		new_values BLOB,
		schema_version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		is_local INTEGER NOT NULL CHECK(is_local IN (0,1)),
		applied_at INTEGER
	) STRICT`,

	`CREATE INDEX IF NOT EXISTS idx_ops_device_created ON sync_operations(device_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ops_table_pk ON sync_operations(table_name, row_pk)`,

	`CREATE TABLE IF NOT EXISTS sync_conflicts (
		conflict_id BLOB PRIMARY KEY CHECK(length(conflict_id) = 16),
		table_name TEXT NOT NULL,
		row_pk BLOB NOT NULL,
		local_op_id BLOB NOT NULL CHECK(length(local_op_id) = 16),
		remote_op_id BLOB NOT NULL CHECK(length(remote_op_id) = 16),
		detected_at INTEGER NOT NULL,
		resolution_state TEXT NOT NULL CHECK(resolution_state IN ('unresolved','resolved','deferred')),
		resolved_by TEXT,
		winning_op_id BLOB CHECK(winning_op_id IS NULL OR length(winning_op_id) = 16)
	) STRICT`,

	`CREATE INDEX IF NOT EXISTS idx_conflicts_unresolved ON sync_conflicts(detected_at) WHERE resolution_state = 'unresolved'`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_row ON sync_conflicts(table_name, row_pk)`,

	`CREATE TABLE IF NOT EXISTS sync_vector_clock (
		device_id TEXT PRIMARY KEY,
		counter INTEGER NOT NULL
	) STRICT`,

	`CREATE TABLE IF NOT EXISTS sync_enabled_tables (
		table_name TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL,
		enabled_at INTEGER NOT NULL
	) STRICT`,

	`CREATE TABLE IF NOT EXISTS sync_checkpoints (
		checkpoint_id BLOB PRIMARY KEY CHECK(length(checkpoint_id) = 16),
		started_at INTEGER NOT NULL,
		first_op_id BLOB NOT NULL CHECK(length(first_op_id) = 16),
		last_applied_op_id BLOB CHECK(last_applied_op_id IS NULL OR length(last_applied_op_id) = 16),
		vector_clock_at_start TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('in_progress','committed','aborted'))
	) STRICT`,

	`CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON sync_checkpoints(status)`,

	`CREATE TABLE IF NOT EXISTS sync_schema_migrations (
		migration_id BLOB PRIMARY KEY CHECK(length(migration_id) = 16),
		table_name TEXT NOT NULL,
		kind TEXT NOT NULL CHECK(kind IN ('ADD_COLUMN')),
		column_name TEXT NOT NULL,
		column_type TEXT NOT NULL,
		default_value BLOB,
		created_at INTEGER NOT NULL,
		applied_at INTEGER
	) STRICT`,

	`CREATE TABLE IF NOT EXISTS imported_bundles (
		bundle_id BLOB PRIMARY KEY CHECK(length(bundle_id) = 16),
		source_device_id BLOB NOT NULL CHECK(length(source_device_id) = 16),
		imported_at INTEGER NOT NULL,
		op_count INTEGER NOT NULL,
		applied_count INTEGER NOT NULL,
		conflict_count INTEGER NOT NULL,
		sha256 BLOB NOT NULL CHECK(length(sha256) = 32)
	) STRICT`,

	`CREATE TABLE IF NOT EXISTS sync_pending_capture (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		op_type TEXT NOT NULL CHECK(op_type IN ('INSERT','UPDATE','DELETE')),
		pk_json TEXT NOT NULL,
		old_json TEXT,
		new_json TEXT,
		captured_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sync_peers (
		peer_id BLOB PRIMARY KEY CHECK(length(peer_id) = 16),
		last_seen INTEGER NOT NULL,
		last_sync_at INTEGER,
		last_sent_vector_clock TEXT NOT NULL,
		last_received_vector_clock TEXT NOT NULL,
		endpoint_hint TEXT
	) STRICT`,
}
