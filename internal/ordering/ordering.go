// Package ordering produces the deterministic total order over a set of
// operations and filters out operations the local log has already seen.
//
// Grounded on import_apply/ordering.py's sort_operations_deterministically,
// generalized with an explicit HLC tie-break: primary key is causal order
// (a vector-clock comparison between the pair being sorted), secondary key
// is (physical timestamp, device id, op id) among causally-concurrent ops.
package ordering

import (
	"sort"

	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
	"github.com/shivay00001/sqlite-sync-core/internal/vclock"
)

// Sort returns ops in the deterministic total order any implementation must
// reproduce. The input slice is not mutated.
func Sort(ops []model.Operation) []model.Operation {
	out := make([]model.Operation, len(ops))
	copy(out, ops)

	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out
}

func less(a, b model.Operation) bool {
	switch vclock.Compare(a.VectorClock, b.VectorClock) {
	case vclock.Less:
		return true
	case vclock.Greater:
		return false
	}

	// Equal or Concurrent: tie-break by (physical timestamp, device id,
	// op id), all total because op_id is globally unique.
	ta := vclock.Timestamp{PhysicalMs: a.CreatedAt, DeviceID: a.DeviceID.String()}
	tb := vclock.Timestamp{PhysicalMs: b.CreatedAt, DeviceID: b.DeviceID.String()}
	if ta.PhysicalMs != tb.PhysicalMs {
		return ta.PhysicalMs < tb.PhysicalMs
	}
	if ta.DeviceID != tb.DeviceID {
		return ta.DeviceID < tb.DeviceID
	}
	return a.OpID.Less(b.OpID)
}

// Dedup discards any operation already present in the local log (by op_id)
// or whose vector-clock position is dominated by the local clock for its
// originating device.
func Dedup(ops []model.Operation, localClock map[string]uint64, knownOpIDs map[ids.ID]bool) []model.Operation {
	out := make([]model.Operation, 0, len(ops))
	for _, op := range ops {
		if knownOpIDs[op.OpID] {
			continue
		}
		if localClock[op.DeviceID.String()] >= op.VectorClock[op.DeviceID.String()] {
			continue
		}
		out = append(out, op)
	}
	return out
}
