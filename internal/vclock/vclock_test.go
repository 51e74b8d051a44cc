package vclock

import "testing"

func TestIncrementAndGet(t *testing.T) {
	c := New()
	if got := c.Get("a"); got != 0 {
		t.Fatalf("expected 0 for unseen device, got %d", got)
	}
	if got := c.Increment("a"); got != 1 {
		t.Fatalf("expected 1 after first increment, got %d", got)
	}
	if got := c.Increment("a"); got != 2 {
		t.Fatalf("expected 2 after second increment, got %d", got)
	}
	if got := c.Get("b"); got != 0 {
		t.Fatalf("expected 0 for device b, got %d", got)
	}
}

func TestMergeTakesMax(t *testing.T) {
	c := FromMap(map[string]uint64{"a": 1, "b": 5})
	c.Merge(map[string]uint64{"a": 3, "b": 2, "c": 1})

	snap := c.Snapshot()
	if snap["a"] != 3 || snap["b"] != 5 || snap["c"] != 1 {
		t.Fatalf("unexpected merge result: %+v", snap)
	}
}

func TestCompare(t *testing.T) {
	cases := []struct {
		name     string
		a, b     map[string]uint64
		expected Ordering
	}{
		{"equal empty", map[string]uint64{}, map[string]uint64{}, Equal},
		{"equal", map[string]uint64{"a": 1}, map[string]uint64{"a": 1}, Equal},
		{"less", map[string]uint64{"a": 1}, map[string]uint64{"a": 2}, Less},
		{"greater", map[string]uint64{"a": 2}, map[string]uint64{"a": 1}, Greater},
		{"concurrent", map[string]uint64{"a": 2, "b": 0}, map[string]uint64{"a": 1, "b": 1}, Concurrent},
		{"missing treated as zero", map[string]uint64{"a": 1}, map[string]uint64{"a": 1, "b": 1}, Less},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Compare(tc.a, tc.b); got != tc.expected {
				t.Errorf("Compare(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.expected)
			}
		})
	}
}

func TestDominates(t *testing.T) {
	if !Dominates(map[string]uint64{"a": 2, "b": 1}, map[string]uint64{"a": 1, "b": 1}) {
		t.Error("expected a to dominate b")
	}
	if Dominates(map[string]uint64{"a": 2}, map[string]uint64{"a": 1, "b": 1}) {
		t.Error("did not expect a to dominate b when concurrent")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := FromMap(map[string]uint64{"zeta": 3, "alpha": 7})
	data, err := c.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Get("zeta") != 3 || decoded.Get("alpha") != 7 {
		t.Fatalf("round trip mismatch: %+v", decoded.Snapshot())
	}
}

func TestEncodeIsOrderIndependent(t *testing.T) {
	a := FromMap(map[string]uint64{"a": 1, "b": 2, "c": 3})
	b := FromMap(map[string]uint64{"c": 3, "b": 2, "a": 1})

	encA, _ := a.Encode()
	encB, _ := b.Encode()
	if string(encA) != string(encB) {
		t.Fatalf("expected byte-equal encodings regardless of insertion order: %s vs %s", encA, encB)
	}
}

func TestSortKeyOrdersByDeviceID(t *testing.T) {
	key := SortKey(map[string]uint64{"b": 2, "a": 1})
	if len(key) != 2 || key[0] != 1 || key[1] != 2 {
		t.Fatalf("expected key ordered by device id [1,2], got %v", key)
	}
}

func TestHLCTickMonotonic(t *testing.T) {
	h := NewHLC(100)

	p1, l1 := h.Tick(100)
	if p1 != 100 || l1 != 1 {
		t.Fatalf("expected (100,1) on tie with seed, got (%d,%d)", p1, l1)
	}

	p2, l2 := h.Tick(100)
	if p2 != 100 || l2 != 2 {
		t.Fatalf("expected logical to advance on repeated physical, got (%d,%d)", p2, l2)
	}

	p3, l3 := h.Tick(150)
	if p3 != 150 || l3 != 0 {
		t.Fatalf("expected logical to reset when physical advances, got (%d,%d)", p3, l3)
	}
}

func TestTimestampOrdering(t *testing.T) {
	a := Timestamp{PhysicalMs: 100, Logical: 0, DeviceID: "aaa"}
	b := Timestamp{PhysicalMs: 100, Logical: 0, DeviceID: "bbb"}
	if !a.Less(b) {
		t.Error("expected a < b by device id tiebreak")
	}

	c := Timestamp{PhysicalMs: 200, DeviceID: "aaa"}
	if !a.Less(c) {
		t.Error("expected a < c by physical time")
	}
}
