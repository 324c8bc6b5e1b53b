package history

import (
	"sync"
	"testing"
)

func TestVectorClock_Increment_Monotonic(t *testing.T) {
	vc := NewVectorClock("node-a")

	var last uint64
	for i := 1; i <= 100; i++ {
		snap := vc.Increment()
		if snap["node-a"] != uint64(i) {
			t.Fatalf("increment %d: counter = %d", i, snap["node-a"])
		}
		if snap["node-a"] <= last {
			t.Fatalf("counter moved backwards: %d after %d", snap["node-a"], last)
		}
		last = snap["node-a"]
	}
}

func TestVectorClock_Increment_SnapshotIsolated(t *testing.T) {
	vc := NewVectorClock("n")
	snap := vc.Increment()
	snap["n"] = 9999
	snap["other"] = 5

	if got := vc.Snapshot(); got["n"] != 1 {
		t.Fatalf("mutating a returned snapshot leaked into the clock: %v", got)
	}
	if _, ok := vc.Snapshot()["other"]; ok {
		t.Fatalf("foreign key leaked into the clock")
	}
}

func TestVectorClock_Merge_PointwiseMax(t *testing.T) {
	vc := NewVectorClock("a")
	vc.Increment()
	vc.Increment() // a: 2

	vc.Merge(map[string]uint64{"a": 1, "b": 5, "c": 3})

	got := vc.Snapshot()
	if got["a"] != 2 {
		t.Errorf("merge decreased own component: %d", got["a"])
	}
	if got["b"] != 5 || got["c"] != 3 {
		t.Errorf("merge lost remote components: %v", got)
	}

	// Re-merging an older clock must be a no-op.
	vc.Merge(map[string]uint64{"b": 2, "c": 1})
	got = vc.Snapshot()
	if got["b"] != 5 || got["c"] != 3 {
		t.Errorf("merge went backwards: %v", got)
	}
}

func TestVectorClock_Increment_Concurrent(t *testing.T) {
	const goroutines, each = 8, 250

	vc := NewVectorClock("me")
	var wg sync.WaitGroup
	counts := make(chan uint64, goroutines*each)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				counts <- vc.Increment()["me"]
			}
		}()
	}
	wg.Wait()
	close(counts)

	seen := make(map[uint64]bool)
	for c := range counts {
		if seen[c] {
			t.Fatalf("two increments observed the same counter %d", c)
		}
		seen[c] = true
	}
	if got := vc.Snapshot()["me"]; got != goroutines*each {
		t.Fatalf("final counter = %d, want %d", got, goroutines*each)
	}
}
