package checkpoint

import (
	"context"
	"testing"

	"github.com/shivay00001/sqlite-sync-core/internal/capture"
	"github.com/shivay00001/sqlite-sync-core/internal/codec"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
	"github.com/shivay00001/sqlite-sync-core/internal/store"
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

func TestRunCommitsCheckpointOnSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dev := ids.MustNew()

	op := model.Operation{
		OpID:          ids.MustNew(),
		DeviceID:      dev,
		VectorClock:   map[string]uint64{dev.String(): 1},
		TableName:     "notes",
		OpType:        model.OpInsert,
		RowPK:         codec.EncodeMap(map[string]codec.Value{"id": codec.TextValue("1")}),
		NewValues:     codec.EncodeMap(map[string]codec.Value{"id": codec.TextValue("1"), "body": codec.TextValue("hi")}),
		SchemaVersion: 1,
		CreatedAt:     1,
	}

	exec := NewExecutor(s.DB())
	br, err := exec.Run(ctx, []model.Operation{op}, map[string]uint64{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if br.AppliedCount != 1 {
		t.Fatalf("expected 1 applied op, got %d", br.AppliedCount)
	}

	var status string
	if err := s.DB().QueryRow(`SELECT status FROM sync_checkpoints`).Scan(&status); err != nil {
		t.Fatalf("select checkpoint: %v", err)
	}
	if status != string(model.CheckpointCommitted) {
		t.Fatalf("expected checkpoint committed, got %q", status)
	}
}

func TestRecoverInProgressMarksAborted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cpID := ids.MustNew()
	if err := createCheckpoint(ctx, s.DB(), model.Checkpoint{
		CheckpointID:       cpID,
		StartedAt:          1,
		VectorClockAtStart: map[string]uint64{},
		FirstOpID:          ids.MustNew(),
		Status:             model.CheckpointInProgress,
	}); err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}

	exec := NewExecutor(s.DB())
	recovered, err := exec.RecoverInProgress(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != cpID {
		t.Fatalf("expected to recover the stuck checkpoint")
	}

	var status string
	if err := s.DB().QueryRow(`SELECT status FROM sync_checkpoints WHERE checkpoint_id = ?`, cpID.Bytes()).Scan(&status); err != nil {
		t.Fatalf("select: %v", err)
	}
	if status != string(model.CheckpointAborted) {
		t.Fatalf("expected aborted status, got %q", status)
	}
}
