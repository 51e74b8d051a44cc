package ordering

import (
	"testing"

	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
)

func op(id ids.ID, device ids.ID, vc map[string]uint64, createdAt int64) model.Operation {
	return model.Operation{OpID: id, DeviceID: device, VectorClock: vc, CreatedAt: createdAt, OpType: model.OpInsert}
}

func TestSortRespectsCausalOrder(t *testing.T) {
	devA := ids.MustNew()
	id1, id2 := ids.MustNew(), ids.MustNew()

	ops := []model.Operation{
		op(id2, devA, map[string]uint64{devA.String(): 2}, 200),
		op(id1, devA, map[string]uint64{devA.String(): 1}, 100),
	}

	sorted := Sort(ops)
	if sorted[0].OpID != id1 || sorted[1].OpID != id2 {
		t.Fatalf("expected causal order id1 before id2")
	}
}

func TestSortTieBreaksConcurrentByTimestampThenDevice(t *testing.T) {
	devA, devB := ids.MustNew(), ids.MustNew()
	idA, idB := ids.MustNew(), ids.MustNew()

	// Concurrent: each device only incremented its own counter.
	opA := op(idA, devA, map[string]uint64{devA.String(): 1}, 500)
	opB := op(idB, devB, map[string]uint64{devB.String(): 1}, 100)

	sorted := Sort([]model.Operation{opA, opB})
	if sorted[0].OpID != idB {
		t.Fatalf("expected earlier physical timestamp to sort first among concurrent ops")
	}
}

func TestSortRespectsCausalOrderAcrossDifferingDeviceSets(t *testing.T) {
	devZzz, devMmm := ids.MustNew(), ids.MustNew()
	insertID, updateID := ids.MustNew(), ids.MustNew()

	// devZzz has done 3 local ops; devMmm then updates the same row, a
	// genuine causal child of the insert (vc dominates {zzz:3}).
	insert := op(insertID, devZzz, map[string]uint64{devZzz.String(): 3}, 100)
	update := op(updateID, devMmm, map[string]uint64{devMmm.String(): 1, devZzz.String(): 3}, 200)

	sorted := Sort([]model.Operation{update, insert})
	if sorted[0].OpID != insertID || sorted[1].OpID != updateID {
		t.Fatalf("expected causal parent insert before causal child update, got %v then %v", sorted[0].OpID, sorted[1].OpID)
	}
}

func TestDedupDropsKnownOpID(t *testing.T) {
	devA := ids.MustNew()
	id1 := ids.MustNew()
	ops := []model.Operation{op(id1, devA, map[string]uint64{devA.String(): 1}, 1)}

	known := map[ids.ID]bool{id1: true}
	out := Dedup(ops, map[string]uint64{}, known)
	if len(out) != 0 {
		t.Fatalf("expected known op_id to be filtered, got %d", len(out))
	}
}

func TestDedupDropsDominatedByLocalClock(t *testing.T) {
	devA := ids.MustNew()
	id1 := ids.MustNew()
	ops := []model.Operation{op(id1, devA, map[string]uint64{devA.String(): 1}, 1)}

	local := map[string]uint64{devA.String(): 5}
	out := Dedup(ops, local, map[ids.ID]bool{})
	if len(out) != 0 {
		t.Fatalf("expected dominated op to be filtered, got %d", len(out))
	}
}

func TestDedupKeepsNewOperations(t *testing.T) {
	devA := ids.MustNew()
	id1 := ids.MustNew()
	ops := []model.Operation{op(id1, devA, map[string]uint64{devA.String(): 3}, 1)}

	local := map[string]uint64{devA.String(): 1}
	out := Dedup(ops, local, map[ids.ID]bool{})
	if len(out) != 1 {
		t.Fatalf("expected op to survive dedup, got %d", len(out))
	}
}
