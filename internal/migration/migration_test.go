package migration

import (
	"context"
	"testing"

	"github.com/shivay00001/sqlite-sync-core/internal/capture"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/store"
	"github.com/shivay00001/sqlite-sync-core/internal/vclock"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Path = ":memory:"
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.DB().Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := capture.EnableSyncForTable(context.Background(), s.DB(), "notes", 1); err != nil {
		t.Fatalf("enable sync: %v", err)
	}
	return s
}

func TestCreateAddColumnAltersTableAndEmitsOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dev := ids.MustNew()
	vc := vclock.New()

	mig, op, err := CreateAddColumn(ctx, s.DB(), dev, vc, "notes", "priority", "INTEGER", []byte("0"), 2)
	if err != nil {
		t.Fatalf("create add column: %v", err)
	}
	if mig.ColumnName != "priority" {
		t.Fatalf("unexpected migration column: %q", mig.ColumnName)
	}
	if op.SchemaVersion != 2 {
		t.Fatalf("expected op schema version 2, got %d", op.SchemaVersion)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM sync_schema_migrations WHERE applied_at IS NOT NULL`).Scan(&count); err != nil {
		t.Fatalf("select migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 applied migration record, got %d", count)
	}

	if _, err := s.DB().Exec(`INSERT INTO notes (id, body, priority) VALUES ('x', 'y', 5)`); err != nil {
		t.Fatalf("insert with new column: %v", err)
	}
}

func TestCheckCompatibilityEqualVersions(t *testing.T) {
	s := newTestStore(t)
	ok, err := CheckCompatibility(context.Background(), s.DB(), "notes", 1, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatalf("expected equal versions to be compatible")
	}
}

func TestCheckCompatibilityRemoteAheadRequiresMigrations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := CheckCompatibility(ctx, s.DB(), "notes", 1, 2)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatalf("expected incompatibility when no migration covers the gap")
	}

	dev := ids.MustNew()
	vc := vclock.New()
	if _, _, err := CreateAddColumn(ctx, s.DB(), dev, vc, "notes", "priority", "INTEGER", []byte("0"), 2); err != nil {
		t.Fatalf("create add column: %v", err)
	}

	ok, err = CheckCompatibility(ctx, s.DB(), "notes", 1, 2)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatalf("expected compatibility once the migration is recorded")
	}
}
