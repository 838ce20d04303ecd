// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pmq_test

import (
	"sort"
	"sync"
	"testing"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"

	"code.hybscloud.com/pmq"
	"code.hybscloud.com/pmq/internal/heap"
)

func newTestRegion(t *testing.T) *heap.Region {
	t.Helper()
	r, err := heap.Open(t.TempDir(), 8<<20)
	if err != nil {
		t.Fatalf("open heap region: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestLinkedQFIFOSingleThreaded(t *testing.T) {
	q := pmq.NewLinkedQ[int](nil, 0)

	for i := range 100 {
		q.Enqueue(i, 0)
	}
	for i := range 100 {
		v, err := q.Dequeue(0)
		if err != nil {
			t.Fatalf("Dequeue(%d): %v", i, err)
		}
		if v != i {
			t.Fatalf("Dequeue(%d) = %d, want %d", i, v, i)
		}
	}

	if _, err := q.Dequeue(0); !pmq.IsEmpty(err) {
		t.Fatalf("Dequeue on empty queue: got %v, want ErrEmpty", err)
	}
}

func TestLinkedQLinearizability(t *testing.T) {
	if pmq.RaceEnabled {
		t.Skip("skip: linearizability test requires concurrent access")
	}

	const (
		numProducers = 8
		numConsumers = 8
		itemsPerProd = 2000
	)

	q := pmq.NewLinkedQ[int](nil, 0)
	expectedTotal := numProducers * itemsPerProd
	seen := make([]atomix.Int32, expectedTotal)
	var consumedCount atomix.Int64

	// Item format: producerID*itemsPerProd + sequence, so per-producer order
	// can be checked on the consumer side without any extra bookkeeping.
	results := make([][]int, numProducers)
	for i := range results {
		results[i] = make([]int, 0, itemsPerProd)
	}
	var resultsMu sync.Mutex

	var wg sync.WaitGroup
	for p := range numProducers {
		wg.Add(1)
		go func(id pmq.ThreadID) {
			defer wg.Done()
			for i := range itemsPerProd {
				q.Enqueue(int(id)*itemsPerProd+i, id)
			}
		}(pmq.ThreadID(p))
	}

	for c := range numConsumers {
		wg.Add(1)
		go func(id pmq.ThreadID) {
			defer wg.Done()
			backoff := iox.Backoff{}
			for consumedCount.Load() < int64(expectedTotal) {
				v, err := q.Dequeue(id)
				if err != nil {
					backoff.Wait()
					continue
				}
				backoff.Reset()
				if v < 0 || v >= expectedTotal {
					t.Errorf("value out of range: %d", v)
					continue
				}
				seen[v].Add(1)
				consumedCount.Add(1)

				producerID, seq := v/itemsPerProd, v%itemsPerProd
				resultsMu.Lock()
				results[producerID] = append(results[producerID], seq)
				resultsMu.Unlock()
			}
		}(pmq.ThreadID(numProducers + c))
	}

	wg.Wait()

	for i := range expectedTotal {
		if c := seen[i].Load(); c != 1 {
			t.Errorf("item %d seen %d times, want exactly 1", i, c)
		}
	}

	for p, seqs := range results {
		for i := 1; i < len(seqs); i++ {
			if seqs[i] <= seqs[i-1] {
				t.Errorf("producer %d: FIFO violation at index %d: %d <= %d", p, i, seqs[i], seqs[i-1])
				break
			}
		}
	}
}

// TestLinkedQRecover enqueues and partially drains a durable LinkedQ, then
// calls Recover on the same queue to verify it reconstructs the live chain
// idempotently when no crash actually happened — the one recovery scenario
// exercisable without restarting the process.
func TestLinkedQRecover(t *testing.T) {
	region := newTestRegion(t)

	q := pmq.NewLinkedQ[int](region, 0)
	for i := range 50 {
		q.Enqueue(i, 0)
	}
	for i := range 10 {
		if _, err := q.Dequeue(0); err != nil {
			t.Fatalf("Dequeue(%d): %v", i, err)
		}
	}

	q.Recover()

	got := make([]int, 0, 40)
	for {
		v, err := q.Dequeue(0)
		if pmq.IsEmpty(err) {
			break
		}
		if err != nil {
			t.Fatalf("Dequeue after recover: %v", err)
		}
		got = append(got, v)
	}

	want := make([]int, 0, 40)
	for i := 10; i < 50; i++ {
		want = append(want, i)
	}
	sort.Ints(got)
	if len(got) != len(want) {
		t.Fatalf("recovered %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("recovered[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
