// Package resolver turns a recorded conflict into either a chosen winning
// value set or a deferral back to an operator. Strategies are modeled as a
// tagged variant over a small closed set (LastWriteWins, FieldMerge,
// Manual) plus a Custom variant holding a caller-provided function, the
// same switch-on-enum dispatch shape delta_sync.go uses for its
// DeltaConflictStrategy.
package resolver

import (
	"github.com/shivay00001/sqlite-sync-core/internal/codec"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
)

// Strategy identifies a built-in resolution strategy.
type Strategy int

const (
	LastWriteWins Strategy = iota
	FieldMerge
	Manual
	Custom
)

func (s Strategy) String() string {
	switch s {
	case LastWriteWins:
		return "last_write_wins"
	case FieldMerge:
		return "field_merge"
	case Manual:
		return "manual"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// CustomFunc is the shape a caller-supplied resolution function must have.
type CustomFunc func(ConflictContext) ResolutionResult

// ConflictContext carries everything a resolver needs to decide: both
// conflicting operations, their decoded value maps, and the row's current
// on-disk image (nil if the row no longer exists, e.g. deleted).
type ConflictContext struct {
	Conflict    model.ConflictRecord
	LocalOp     model.Operation
	RemoteOp    model.Operation
	LocalValues map[string]codec.Value
	RemoteValues map[string]codec.Value
	CurrentRow  map[string]codec.Value // nil if the row is absent
}

// ResolutionResult is what a resolver decides. When Resolved is false the
// conflict is left untouched (manual strategy, or a custom function that
// declines to decide).
type ResolutionResult struct {
	Resolved     bool
	WinningValues map[string]codec.Value // nil for a DELETE outcome
	IsDelete     bool
	ResolvedBy   string
}

// Config selects a strategy and its parameters. PreferLocal only affects
// FieldMerge's tie-break when two fields have identical per-op timestamps.
type Config struct {
	Strategy   Strategy
	PreferLocal bool
	CustomFn   CustomFunc
}

// DefaultConfig mirrors delta_sync.go's DefaultDeltaSyncConfig default of
// last-write-wins.
func DefaultConfig() Config {
	return Config{Strategy: LastWriteWins, PreferLocal: false}
}

// Resolve dispatches to the configured strategy.
func Resolve(cfg Config, ctx ConflictContext) ResolutionResult {
	switch cfg.Strategy {
	case LastWriteWins:
		return resolveLastWriteWins(ctx)
	case FieldMerge:
		return resolveFieldMerge(ctx, cfg.PreferLocal)
	case Manual:
		return ResolutionResult{Resolved: false, ResolvedBy: "manual"}
	case Custom:
		if cfg.CustomFn == nil {
			return ResolutionResult{Resolved: false, ResolvedBy: "custom"}
		}
		res := cfg.CustomFn(ctx)
		if res.ResolvedBy == "" {
			res.ResolvedBy = "custom"
		}
		return res
	default:
		return ResolutionResult{Resolved: false, ResolvedBy: "unknown"}
	}
}

// resolveLastWriteWins picks the op with the greater (physical_ms,
// device_id) pair; a DELETE wins as a tombstone.
func resolveLastWriteWins(ctx ConflictContext) ResolutionResult {
	local, remote := ctx.LocalOp, ctx.RemoteOp
	winnerValues := ctx.LocalValues
	winnerIsDelete := local.OpType == model.OpDelete

	if greaterTimestampDevice(remote, local) {
		winnerValues = ctx.RemoteValues
		winnerIsDelete = remote.OpType == model.OpDelete
	}

	return ResolutionResult{
		Resolved:      true,
		WinningValues: winnerValues,
		IsDelete:      winnerIsDelete,
		ResolvedBy:    "last_write_wins",
	}
}

func greaterTimestampDevice(a, b model.Operation) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.DeviceID.String() > b.DeviceID.String()
}

// resolveFieldMerge produces a merged value map taking each column from the
// op with the greater per-op timestamp; ties break toward preferLocal.
func resolveFieldMerge(ctx ConflictContext, preferLocal bool) ResolutionResult {
	if ctx.LocalOp.OpType == model.OpDelete || ctx.RemoteOp.OpType == model.OpDelete {
		// Field-level merge has no meaning once one side deletes the row;
		// fall back to last-write-wins so a tombstone can still win.
		return resolveLastWriteWins(ctx)
	}

	merged := make(map[string]codec.Value)
	cols := make(map[string]bool)
	for c := range ctx.LocalValues {
		cols[c] = true
	}
	for c := range ctx.RemoteValues {
		cols[c] = true
	}

	for col := range cols {
		lv, lok := ctx.LocalValues[col]
		rv, rok := ctx.RemoteValues[col]
		switch {
		case lok && !rok:
			merged[col] = lv
		case rok && !lok:
			merged[col] = rv
		case ctx.LocalOp.CreatedAt == ctx.RemoteOp.CreatedAt:
			if preferLocal {
				merged[col] = lv
			} else {
				merged[col] = rv
			}
		case ctx.LocalOp.CreatedAt > ctx.RemoteOp.CreatedAt:
			merged[col] = lv
		default:
			merged[col] = rv
		}
	}

	return ResolutionResult{Resolved: true, WinningValues: merged, ResolvedBy: "field_merge"}
}
