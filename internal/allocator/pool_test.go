// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package allocator_test

import (
	"sync"
	"testing"

	"code.hybscloud.com/pmq/internal/allocator"
	"code.hybscloud.com/pmq/internal/heap"
)

type node struct {
	val int
}

func TestPoolAllocReturnsDistinctSlots(t *testing.T) {
	p := allocator.New[node](4, nil)

	a := p.Alloc()
	b := p.Alloc()
	a.val = 1
	b.val = 2
	if a.val == b.val {
		t.Fatal("Alloc returned aliased slots")
	}
}

func TestPoolFreeAndRealloc(t *testing.T) {
	p := allocator.New[node](4, nil)

	a := p.Alloc()
	a.val = 7
	p.Free(a)

	b := p.Alloc()
	if b != a {
		t.Fatalf("Alloc after Free did not reuse the freed slot: got %p, want %p", b, a)
	}
}

func TestPoolGrowsPastFirstChunk(t *testing.T) {
	const chunkSize = 4
	p := allocator.New[node](chunkSize, nil)

	seen := make(map[*node]struct{})
	for i := 0; i < chunkSize*3; i++ {
		n := p.Alloc()
		if _, dup := seen[n]; dup {
			t.Fatalf("Alloc returned the same slot twice at i=%d", i)
		}
		seen[n] = struct{}{}
		n.val = i
	}
}

func TestPoolForEachSlotVisitsAllocated(t *testing.T) {
	const chunkSize = 4
	p := allocator.New[node](chunkSize, nil)

	want := make(map[*node]bool)
	for i := 0; i < chunkSize*2; i++ {
		n := p.Alloc()
		n.val = i
		want[n] = true
	}

	got := 0
	p.ForEachSlot(func(n *node) {
		if want[n] {
			got++
		}
	})
	if got != len(want) {
		t.Fatalf("ForEachSlot visited %d allocated slots, want %d", got, len(want))
	}
}

// TestPoolReopenSkipsPreCrashHandles reopens a region-backed pool into a
// second, freshly constructed Pool and verifies its first Alloc does not
// land on a handle the pre-crash Pool already issued — the scenario a
// Recover call depends on not being clobbered before it ever runs.
func TestPoolReopenSkipsPreCrashHandles(t *testing.T) {
	dir := t.TempDir()

	region1, err := heap.Open(dir, 4<<20)
	if err != nil {
		t.Fatalf("open heap region: %v", err)
	}
	p1 := allocator.New[node](4, region1)
	var preCrashHandles []uint64
	for i := 0; i < 10; i++ {
		n := p1.Alloc()
		preCrashHandles = append(preCrashHandles, p1.HandleOf(n))
	}
	if err := region1.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := region1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	region2, err := heap.Open(dir, 4<<20)
	if err != nil {
		t.Fatalf("reopen heap region: %v", err)
	}
	t.Cleanup(func() { region2.Close() })

	p2 := allocator.New[node](4, region2)
	seen := make(map[uint64]bool)
	for _, h := range preCrashHandles {
		seen[h] = true
	}
	for i := 0; i < 10; i++ {
		n := p2.Alloc()
		if h := p2.HandleOf(n); seen[h] {
			t.Fatalf("Alloc after reopen reused pre-crash handle %d", h)
		}
	}
}

func TestPoolConcurrentAllocFreeNoDuplicates(t *testing.T) {
	p := allocator.New[node](16, nil)

	const (
		numGoroutines = 8
		opsPerG       = 2000
	)

	// inUse records every slot currently held by some goroutine; Alloc must
	// never hand out a slot that is still in it.
	var inUseMu sync.Mutex
	inUse := make(map[*node]bool)

	var wg sync.WaitGroup
	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var held []*node
			for i := 0; i < opsPerG; i++ {
				n := p.Alloc()
				inUseMu.Lock()
				if inUse[n] {
					t.Errorf("Alloc returned slot %p while it was still held", n)
				}
				inUse[n] = true
				inUseMu.Unlock()
				n.val = i
				held = append(held, n)
				if len(held) > 4 {
					inUseMu.Lock()
					delete(inUse, held[0])
					inUseMu.Unlock()
					p.Free(held[0])
					held = held[1:]
				}
			}
		}()
	}
	wg.Wait()
}
