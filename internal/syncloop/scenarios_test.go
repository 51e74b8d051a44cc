package syncloop

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shivay00001/sqlite-sync-core/internal/apply"
	"github.com/shivay00001/sqlite-sync-core/internal/capture"
	"github.com/shivay00001/sqlite-sync-core/internal/checkpoint"
	"github.com/shivay00001/sqlite-sync-core/internal/codec"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/migration"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
	"github.com/shivay00001/sqlite-sync-core/internal/ordering"
	"github.com/shivay00001/sqlite-sync-core/internal/store"
	"github.com/shivay00001/sqlite-sync-core/internal/vclock"
)

// link bridges two Loops bidirectionally: whatever one side pushes lands in
// the other side's inbox, and vice versa.
type link struct {
	aToB []string
	bToA []string
}

type linkSide struct {
	l    *link
	isA  bool
	peer *Loop
}

func (s *linkSide) Connect(ctx context.Context) error    { return nil }
func (s *linkSide) Disconnect(ctx context.Context) error { return nil }

func (s *linkSide) ExchangeVectorClock(ctx context.Context, local map[string]uint64) (map[string]uint64, error) {
	return s.peer.vc.Snapshot(), nil
}

func (s *linkSide) SendOperations(ctx context.Context, bundlePath string) (int, error) {
	if s.isA {
		s.l.aToB = append(s.l.aToB, bundlePath)
	} else {
		s.l.bToA = append(s.l.bToA, bundlePath)
	}
	return 1, nil
}

func (s *linkSide) ReceiveOperations(ctx context.Context) (string, error) {
	var inbox *[]string
	if s.isA {
		inbox = &s.l.bToA
	} else {
		inbox = &s.l.aToB
	}
	if len(*inbox) == 0 {
		return "", nil
	}
	p := (*inbox)[0]
	*inbox = (*inbox)[1:]
	return p, nil
}

func newLinkedDevices(t *testing.T, table, createSQL string) (loopA, loopB *Loop, storeA, storeB *store.Store) {
	t.Helper()

	open := func() *store.Store {
		cfg := store.DefaultConfig()
		cfg.Path = ":memory:"
		s, err := store.Open(cfg)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		if _, err := s.DB().Exec(createSQL); err != nil {
			t.Fatalf("create table: %v", err)
		}
		if err := capture.EnableSyncForTable(context.Background(), s.DB(), table, 1); err != nil {
			t.Fatalf("enable sync: %v", err)
		}
		return s
	}
	storeA, storeB = open(), open()

	devA, devB := ids.MustNew(), ids.MustNew()
	vcA, vcB := vclock.New(), vclock.New()

	lnk := &link{}
	lcfg := DefaultConfig()
	lcfg.Interval = time.Hour
	lcfg.BundleDir = t.TempDir()
	loopA = New(storeA, devA, vcA, nil, lcfg)
	lcfg2 := lcfg
	lcfg2.BundleDir = t.TempDir()
	loopB = New(storeB, devB, vcB, nil, lcfg2)

	loopA.tr = &linkSide{l: lnk, isA: true, peer: loopB}
	loopB.tr = &linkSide{l: lnk, isA: false, peer: loopA}
	return loopA, loopB, storeA, storeB
}

// S1: two devices independently INSERT the same primary key. After
// bidirectional sync, both hold exactly one unresolved conflict record for
// the colliding row; resolving it is the resolver package's job, not the
// apply pipeline's.
func TestScenarioConcurrentInsertSamePrimaryKey(t *testing.T) {
	ctx := context.Background()
	loopA, loopB, storeA, storeB := newLinkedDevices(t, "todos", `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT)`)

	vcA, vcB := vclock.New(), vclock.New()
	if _, _, err := capture.ExecCaptured(ctx, storeA, loopA.deviceID, vcA, func(string) int { return 1 },
		`INSERT INTO todos (id, title) VALUES (?, ?)`, "1", "A"); err != nil {
		t.Fatalf("insert on A: %v", err)
	}
	loopA.vc = vcA
	if _, _, err := capture.ExecCaptured(ctx, storeB, loopB.deviceID, vcB, func(string) int { return 1 },
		`INSERT INTO todos (id, title) VALUES (?, ?)`, "1", "B"); err != nil {
		t.Fatalf("insert on B: %v", err)
	}
	loopB.vc = vcB

	if err := loopA.SyncNow(ctx); err != nil {
		t.Fatalf("sync A: %v", err)
	}
	if err := loopB.SyncNow(ctx); err != nil {
		t.Fatalf("sync B: %v", err)
	}
	// A second round so each side sees what the other just received.
	if err := loopA.SyncNow(ctx); err != nil {
		t.Fatalf("sync A again: %v", err)
	}
	if err := loopB.SyncNow(ctx); err != nil {
		t.Fatalf("sync B again: %v", err)
	}

	var countA, countB int
	if err := storeA.DB().QueryRow(`SELECT COUNT(*) FROM sync_conflicts WHERE table_name = 'todos'`).Scan(&countA); err != nil {
		t.Fatalf("count conflicts on A: %v", err)
	}
	if err := storeB.DB().QueryRow(`SELECT COUNT(*) FROM sync_conflicts WHERE table_name = 'todos'`).Scan(&countB); err != nil {
		t.Fatalf("count conflicts on B: %v", err)
	}
	if countA != 1 {
		t.Fatalf("expected exactly one conflict record on A, got %d", countA)
	}
	if countB != 1 {
		t.Fatalf("expected exactly one conflict record on B, got %d", countB)
	}
}

// S2: A inserts a row, syncs to B, B updates it, syncs back. A's final row
// reflects B's update with zero conflicts.
func TestScenarioCausalChainNoConflict(t *testing.T) {
	ctx := context.Background()
	loopA, loopB, storeA, storeB := newLinkedDevices(t, "todos", `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT)`)

	vcA := vclock.New()
	if _, _, err := capture.ExecCaptured(ctx, storeA, loopA.deviceID, vcA, func(string) int { return 1 },
		`INSERT INTO todos (id, title) VALUES (?, ?)`, "1", "original"); err != nil {
		t.Fatalf("insert on A: %v", err)
	}
	loopA.vc = vcA

	if err := loopA.SyncNow(ctx); err != nil {
		t.Fatalf("push A->B: %v", err)
	}
	if err := loopB.SyncNow(ctx); err != nil {
		t.Fatalf("pull on B: %v", err)
	}

	vcB := loopB.vc
	if _, _, err := capture.ExecCaptured(ctx, storeB, loopB.deviceID, vcB, func(string) int { return 1 },
		`UPDATE todos SET title = ? WHERE id = ?`, "x", "1"); err != nil {
		t.Fatalf("update on B: %v", err)
	}

	if err := loopB.SyncNow(ctx); err != nil {
		t.Fatalf("push B->A: %v", err)
	}
	if err := loopA.SyncNow(ctx); err != nil {
		t.Fatalf("pull on A: %v", err)
	}

	var title string
	if err := storeA.DB().QueryRow(`SELECT title FROM todos WHERE id = ?`, "1").Scan(&title); err != nil {
		t.Fatalf("read A's row: %v", err)
	}
	if title != "x" {
		t.Fatalf("expected title 'x' on A, got %q", title)
	}

	var conflicts int
	if err := storeA.DB().QueryRow(`SELECT COUNT(*) FROM sync_conflicts`).Scan(&conflicts); err != nil {
		t.Fatalf("count conflicts on A: %v", err)
	}
	if conflicts != 0 {
		t.Fatalf("expected zero conflicts, got %d", conflicts)
	}
}

// S3: importing the same bundle three times applies it once and is a no-op
// thereafter.
func TestScenarioIdempotentBundleReplay(t *testing.T) {
	ctx := context.Background()
	loopA, loopB, storeA, storeB := newLinkedDevices(t, "todos", `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT)`)

	vcA := vclock.New()
	if _, _, err := capture.ExecCaptured(ctx, storeA, loopA.deviceID, vcA, func(string) int { return 1 },
		`INSERT INTO todos (id, title) VALUES (?, ?)`, "1", "hello"); err != nil {
		t.Fatalf("insert on A: %v", err)
	}
	loopA.vc = vcA

	if err := loopA.SyncNow(ctx); err != nil {
		t.Fatalf("push A->B: %v", err)
	}
	side := loopA.tr.(*linkSide)
	if len(side.l.aToB) != 1 {
		t.Fatalf("expected exactly one bundle queued, got %d", len(side.l.aToB))
	}
	bundlePath := side.l.aToB[0]

	// Queue the same bundle path once more before each of the three pulls,
	// simulating a redelivered bundle after a crash.
	for i := 0; i < 3; i++ {
		side.l.aToB = append(side.l.aToB, bundlePath)
		if err := loopB.SyncNow(ctx); err != nil {
			t.Fatalf("pull attempt %d: %v", i, err)
		}
	}

	var appliedSum int
	rows, err := storeB.DB().QueryContext(ctx, `SELECT applied_count FROM imported_bundles`)
	if err != nil {
		t.Fatalf("query imported_bundles: %v", err)
	}
	defer rows.Close()
	var rowCount int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			t.Fatalf("scan applied_count: %v", err)
		}
		appliedSum += n
		rowCount++
	}
	if rowCount != 1 {
		t.Fatalf("expected exactly one imported_bundles row (idempotent re-record), got %d", rowCount)
	}
	if appliedSum != 1 {
		t.Fatalf("expected applied_count 1 from the first import, got %d", appliedSum)
	}

	var title string
	if err := storeB.DB().QueryRow(`SELECT title FROM todos WHERE id = ?`, "1").Scan(&title); err != nil {
		t.Fatalf("read B's row: %v", err)
	}
	if title != "hello" {
		t.Fatalf("expected title 'hello', got %q", title)
	}
}

// S4: A updates a row while B concurrently deletes the same row. After
// sync, B records a conflict (local_op=B's DELETE, remote_op=A's incoming
// UPDATE) and leaves the row exactly as its own DELETE left it: the
// incoming UPDATE is never applied over a concurrent local write.
func TestScenarioConcurrentUpdateDelete(t *testing.T) {
	ctx := context.Background()
	loopA, loopB, storeA, storeB := newLinkedDevices(t, "todos", `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT)`)

	vcA := vclock.New()
	if _, _, err := capture.ExecCaptured(ctx, storeA, loopA.deviceID, vcA, func(string) int { return 1 },
		`INSERT INTO todos (id, title) VALUES (?, ?)`, "1", "original"); err != nil {
		t.Fatalf("insert on A: %v", err)
	}
	loopA.vc = vcA
	if err := loopA.SyncNow(ctx); err != nil {
		t.Fatalf("push A->B: %v", err)
	}
	if err := loopB.SyncNow(ctx); err != nil {
		t.Fatalf("pull on B: %v", err)
	}

	vcB := loopB.vc
	if _, _, err := capture.ExecCaptured(ctx, storeA, loopA.deviceID, vcA, func(string) int { return 1 },
		`UPDATE todos SET title = ? WHERE id = ?`, "updated-by-a", "1"); err != nil {
		t.Fatalf("update on A: %v", err)
	}
	if _, _, err := capture.ExecCaptured(ctx, storeB, loopB.deviceID, vcB, func(string) int { return 1 },
		`DELETE FROM todos WHERE id = ?`, "1"); err != nil {
		t.Fatalf("delete on B: %v", err)
	}

	if err := loopA.SyncNow(ctx); err != nil {
		t.Fatalf("push A->B: %v", err)
	}
	if err := loopB.SyncNow(ctx); err != nil {
		t.Fatalf("exchange on B: %v", err)
	}

	var conflictCount int
	if err := storeB.DB().QueryRow(`SELECT COUNT(*) FROM sync_conflicts WHERE table_name = 'todos'`).Scan(&conflictCount); err != nil {
		t.Fatalf("count conflicts on B: %v", err)
	}
	if conflictCount != 1 {
		t.Fatalf("expected one conflict on B, got %d", conflictCount)
	}

	var exists int
	err := storeB.DB().QueryRow(`SELECT 1 FROM todos WHERE id = ?`, "1").Scan(&exists)
	if err == nil {
		t.Fatalf("expected B's row to stay deleted (manual strategy leaves the conflict unresolved rather than reinserting it)")
	}
}

// S5: a crash mid-apply leaves a checkpoint in_progress. On restart,
// RecoverInProgress marks it aborted, and re-running the same batch applies
// everything exactly once, with no duplicates or gaps.
func TestScenarioCrashMidApplyRecovers(t *testing.T) {
	ctx := context.Background()
	cfg := store.DefaultConfig()
	cfg.Path = ":memory:"
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	if _, err := s.DB().Exec(`CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := capture.EnableSyncForTable(ctx, s.DB(), "todos", 1); err != nil {
		t.Fatalf("enable sync: %v", err)
	}

	dev := ids.MustNew()
	vc := vclock.New()
	const total = 10
	var ops []model.Operation
	for i := 0; i < total; i++ {
		vc.Increment(dev.String())
		op := model.Operation{
			OpID:          ids.MustNew(),
			DeviceID:      dev,
			VectorClock:   vc.Snapshot(),
			TableName:     "todos",
			OpType:        model.OpInsert,
			RowPK:         rowPKFor(i),
			NewValues:     newValuesFor(i),
			SchemaVersion: 1,
			CreatedAt:     model.NowMicros(),
			IsLocal:       false,
		}
		ops = append(ops, op)
	}
	ops = ordering.Sort(ops)

	// Simulate the crash: apply only the first 4 ops and leave the
	// checkpoint row in_progress, as if the process died before commit.
	partial := ops[:4]
	cpID := ids.MustNew()
	startVC := map[string]uint64{}
	vcJSON, encErr := vclock.EncodeMap(startVC)
	if encErr != nil {
		t.Fatalf("encode vector clock: %v", encErr)
	}
	if _, err := s.DB().ExecContext(ctx, `
		INSERT INTO sync_checkpoints (checkpoint_id, started_at, last_applied_op_id, vector_clock_at_start, first_op_id, status)
		VALUES (?, ?, NULL, ?, ?, ?)`,
		cpID.Bytes(), model.NowMicros(), string(vcJSON), partial[0].OpID.Bytes(), string(model.CheckpointInProgress)); err != nil {
		t.Fatalf("seed in-progress checkpoint: %v", err)
	}
	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if _, err := apply.Batch(ctx, tx, partial); err != nil {
		t.Fatalf("partial apply: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit partial batch (simulating the crash happening just after, before the checkpoint row updates): %v", err)
	}
	// The checkpoint row is still in_progress: the process "died" before
	// marking it committed, even though the user-visible rows landed.

	exec := checkpoint.NewExecutor(s.DB())
	recovered, err := exec.RecoverInProgress(ctx)
	if err != nil {
		t.Fatalf("recover in-progress: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("expected exactly one recovered (aborted) checkpoint, got %d", len(recovered))
	}

	// Re-run the full batch: dedup must skip the 4 ops already persisted.
	known, err := knownOpIDs(ctx, s)
	if err != nil {
		t.Fatalf("known op ids: %v", err)
	}
	deduped := ordering.Dedup(ops, startVC, known)
	if len(deduped) != total-4 {
		t.Fatalf("expected dedup to skip the 4 already-applied ops, got %d remaining", len(deduped))
	}
	if _, err := exec.Run(ctx, deduped, startVC); err != nil {
		t.Fatalf("replay remaining ops: %v", err)
	}

	var rowCount int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM todos`).Scan(&rowCount); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rowCount != total {
		t.Fatalf("expected %d rows with no duplicates or gaps, got %d", total, rowCount)
	}
}

func rowPKFor(i int) []byte {
	return codec.EncodeMap(map[string]codec.Value{
		"id": codec.TextValue(fmt.Sprintf("row-%d", i)),
	})
}

func newValuesFor(i int) []byte {
	return codec.EncodeMap(map[string]codec.Value{
		"id":    codec.TextValue(fmt.Sprintf("row-%d", i)),
		"title": codec.TextValue("row"),
	})
}

// S6: A runs an additive migration; the bundle to B carries a
// SCHEMA_MIGRATION op; B gains the column, and subsequent data ops
// referencing the new schema version apply cleanly.
func TestScenarioAdditiveSchemaMigrationPropagates(t *testing.T) {
	ctx := context.Background()
	loopA, loopB, storeA, storeB := newLinkedDevices(t, "todos", `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT)`)

	vcA := vclock.New()
	loopA.vc = vcA
	if _, _, err := capture.ExecCaptured(ctx, storeA, loopA.deviceID, vcA, func(string) int { return 1 },
		`INSERT INTO todos (id, title) VALUES (?, ?)`, "1", "first"); err != nil {
		t.Fatalf("insert on A: %v", err)
	}

	if _, _, err := migration.CreateAddColumn(ctx, storeA.DB(), loopA.deviceID, vcA, "todos", "priority", "INTEGER", []byte("0"), 2); err != nil {
		t.Fatalf("add column on A: %v", err)
	}

	if _, _, err := capture.ExecCaptured(ctx, storeA, loopA.deviceID, vcA, func(string) int { return 2 },
		`INSERT INTO todos (id, title, priority) VALUES (?, ?, ?)`, "2", "second", 5); err != nil {
		t.Fatalf("insert after migration on A: %v", err)
	}

	if err := loopA.SyncNow(ctx); err != nil {
		t.Fatalf("push A->B: %v", err)
	}
	if err := loopB.SyncNow(ctx); err != nil {
		t.Fatalf("pull on B: %v", err)
	}

	rows, err := storeB.DB().Query(`PRAGMA table_info(todos)`)
	if err != nil {
		t.Fatalf("table_info: %v", err)
	}
	defer rows.Close()
	hasPriority := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pkOrder int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pkOrder); err != nil {
			t.Fatalf("scan table_info: %v", err)
		}
		if name == "priority" {
			hasPriority = true
		}
	}
	if !hasPriority {
		t.Fatalf("expected B's todos table to gain the priority column")
	}

	var priority int
	if err := storeB.DB().QueryRow(`SELECT priority FROM todos WHERE id = ?`, "2").Scan(&priority); err != nil {
		t.Fatalf("read post-migration row on B: %v", err)
	}
	if priority != 5 {
		t.Fatalf("expected priority 5, got %d", priority)
	}
}
