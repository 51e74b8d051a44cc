package resolver

import (
	"testing"

	"github.com/shivay00001/sqlite-sync-core/internal/codec"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
)

func TestLastWriteWinsPicksLaterTimestamp(t *testing.T) {
	devA, devB := ids.MustNew(), ids.MustNew()
	ctx := ConflictContext{
		LocalOp:      model.Operation{DeviceID: devA, CreatedAt: 100, OpType: model.OpInsert},
		RemoteOp:     model.Operation{DeviceID: devB, CreatedAt: 200, OpType: model.OpInsert},
		LocalValues:  map[string]codec.Value{"title": codec.TextValue("A")},
		RemoteValues: map[string]codec.Value{"title": codec.TextValue("B")},
	}

	res := Resolve(Config{Strategy: LastWriteWins}, ctx)
	if !res.Resolved {
		t.Fatalf("expected resolved result")
	}
	if res.WinningValues["title"].Text != "B" {
		t.Fatalf("expected remote (later) op to win, got %q", res.WinningValues["title"].Text)
	}
}

func TestLastWriteWinsBreaksTimestampTieByDeviceID(t *testing.T) {
	devA, devB := ids.MustNew(), ids.MustNew()
	var lo, hi ids.ID
	if devA.Less(devB) {
		lo, hi = devA, devB
	} else {
		lo, hi = devB, devA
	}

	ctx := ConflictContext{
		LocalOp:      model.Operation{DeviceID: lo, CreatedAt: 100, OpType: model.OpInsert},
		RemoteOp:     model.Operation{DeviceID: hi, CreatedAt: 100, OpType: model.OpInsert},
		LocalValues:  map[string]codec.Value{"title": codec.TextValue("lo")},
		RemoteValues: map[string]codec.Value{"title": codec.TextValue("hi")},
	}

	res := Resolve(Config{Strategy: LastWriteWins}, ctx)
	if res.WinningValues["title"].Text != "hi" {
		t.Fatalf("expected lexicographically greater device id to win tie, got %q", res.WinningValues["title"].Text)
	}
}

func TestManualAlwaysDefers(t *testing.T) {
	res := Resolve(Config{Strategy: Manual}, ConflictContext{})
	if res.Resolved {
		t.Fatalf("expected manual strategy to defer")
	}
}

func TestFieldMergeTakesNewerPerColumn(t *testing.T) {
	ctx := ConflictContext{
		LocalOp:  model.Operation{CreatedAt: 200, OpType: model.OpUpdate},
		RemoteOp: model.Operation{CreatedAt: 100, OpType: model.OpUpdate},
		LocalValues: map[string]codec.Value{
			"title": codec.TextValue("local-title"),
			"body":  codec.TextValue("local-body"),
		},
		RemoteValues: map[string]codec.Value{
			"title": codec.TextValue("remote-title"),
		},
	}

	res := Resolve(Config{Strategy: FieldMerge}, ctx)
	if !res.Resolved {
		t.Fatalf("expected resolved result")
	}
	if res.WinningValues["title"].Text != "local-title" {
		t.Fatalf("expected newer local op to win title column, got %q", res.WinningValues["title"].Text)
	}
	if res.WinningValues["body"].Text != "local-body" {
		t.Fatalf("expected body present only locally to survive merge")
	}
}

func TestFieldMergeFallsBackToLWWOnDelete(t *testing.T) {
	ctx := ConflictContext{
		LocalOp:     model.Operation{CreatedAt: 100, OpType: model.OpUpdate},
		RemoteOp:    model.Operation{CreatedAt: 200, OpType: model.OpDelete},
		LocalValues: map[string]codec.Value{"title": codec.TextValue("kept")},
	}

	res := Resolve(Config{Strategy: FieldMerge}, ctx)
	if !res.Resolved || !res.IsDelete {
		t.Fatalf("expected delete to win as a tombstone under field merge fallback")
	}
}

func TestCustomStrategyDelegates(t *testing.T) {
	called := false
	cfg := Config{
		Strategy: Custom,
		CustomFn: func(c ConflictContext) ResolutionResult {
			called = true
			return ResolutionResult{Resolved: true, WinningValues: c.LocalValues}
		},
	}
	res := Resolve(cfg, ConflictContext{LocalValues: map[string]codec.Value{"x": codec.IntValue(1)}})
	if !called {
		t.Fatalf("expected custom function to be invoked")
	}
	if !res.Resolved || res.ResolvedBy != "custom" {
		t.Fatalf("expected custom resolution tagged resolved_by=custom, got %+v", res)
	}
}
