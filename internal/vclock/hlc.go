package vclock

import (
	"fmt"
	"sync"
)

// HLC is a hybrid logical clock: a physical millisecond component plus a
// logical tiebreak, used as the total-order tie-break layer over
// causally-concurrent vector clocks.
type HLC struct {
	mu        sync.Mutex
	physicalMs int64
	logical    uint32
}

// NewHLC returns an HLC seeded at the given physical time.
func NewHLC(nowMs int64) *HLC {
	return &HLC{physicalMs: nowMs}
}

// Tick advances the clock for a local event observed at nowMs.
func (h *HLC) Tick(nowMs int64) (physicalMs int64, logical uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if nowMs > h.physicalMs {
		h.physicalMs = nowMs
		h.logical = 0
	} else {
		h.logical++
	}
	return h.physicalMs, h.logical
}

// Observe merges in a remote (physicalMs, logical) pair, the way Merge does
// for vector clocks: physical = max(self, remote, now). Logical resets to
// zero when now is ahead of both; when self and remote tie on the maximum it
// is the max of their logicals plus one; otherwise it is one past the
// logical of whichever side holds the maximum.
func (h *HLC) Observe(remotePhysicalMs int64, remoteLogical uint32, nowMs int64) (int64, uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	maxPhysical := h.physicalMs
	if remotePhysicalMs > maxPhysical {
		maxPhysical = remotePhysicalMs
	}
	if nowMs > maxPhysical {
		maxPhysical = nowMs
	}

	switch {
	case maxPhysical > h.physicalMs && maxPhysical > remotePhysicalMs:
		h.logical = 0
	case maxPhysical == h.physicalMs && maxPhysical == remotePhysicalMs:
		if remoteLogical > h.logical {
			h.logical = remoteLogical
		}
		h.logical++
	case maxPhysical == h.physicalMs:
		h.logical++
	default: // maxPhysical == remotePhysicalMs
		h.logical = remoteLogical + 1
	}
	h.physicalMs = maxPhysical
	return h.physicalMs, h.logical
}

// Timestamp is an immutable (physical, logical) pair used to break ties
// between concurrent vector clocks, plus the device id as a final
// tie-breaker.
type Timestamp struct {
	PhysicalMs int64
	Logical    uint32
	DeviceID   string
}

// Less orders timestamps by (physical, logical, device id) lexicographically.
func (t Timestamp) Less(o Timestamp) bool {
	if t.PhysicalMs != o.PhysicalMs {
		return t.PhysicalMs < o.PhysicalMs
	}
	if t.Logical != o.Logical {
		return t.Logical < o.Logical
	}
	return t.DeviceID < o.DeviceID
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", t.PhysicalMs, t.Logical, t.DeviceID)
}
