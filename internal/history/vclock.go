package history

import "sync"

// VectorClock tracks causal ordering across peer sessions. Each session
// increments only its own component; merging takes the pointwise maximum so
// components never move backwards.
type VectorClock struct {
	mu    sync.Mutex
	node  string
	clock map[string]uint64
}

func NewVectorClock(node string) *VectorClock {
	return &VectorClock{
		node:  node,
		clock: map[string]uint64{node: 0},
	}
}

// Increment bumps the local component and returns a snapshot taken inside
// the same critical section. Callers must use the returned map rather than
// calling Snapshot afterwards: a separate read could observe interleaved
// increments from other goroutines.
func (vc *VectorClock) Increment() map[string]uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.clock[vc.node]++
	return vc.copyLocked()
}

// Merge folds a remote clock in, keeping the max of each component.
func (vc *VectorClock) Merge(remote map[string]uint64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	for node, count := range remote {
		if count > vc.clock[node] {
			vc.clock[node] = count
		}
	}
}

func (vc *VectorClock) Snapshot() map[string]uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.copyLocked()
}

func (vc *VectorClock) copyLocked() map[string]uint64 {
	cp := make(map[string]uint64, len(vc.clock))
	for node, count := range vc.clock {
		cp[node] = count
	}
	return cp
}
