// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pmq

import (
	"testing"

	"code.hybscloud.com/pmq/internal/heap"
)

// These tests live in package pmq, not pmq_test, because they hand-construct
// the half-written node states a real crash leaves behind: a node allocated
// and CAS-linked onto the chain, with the store that would have followed it
// in a completed Enqueue deliberately never made. No production code path
// produces that state on purpose, so reaching it requires touching fields
// Enqueue itself would touch, which only an internal test can do.

func newInternalTestRegion(t *testing.T) *heap.Region {
	t.Helper()
	r, err := heap.Open(t.TempDir(), 8<<20)
	if err != nil {
		t.Fatalf("open heap region: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// TestLinkedQRecoverTruncatesUnflushedTail reproduces a crash after the CAS
// that links a new node onto the chain but before the node's initialized
// flag reached durable memory: Enqueue sets the flag before the CAS, and
// only the flush that follows the CAS makes it durable, so the test leaves
// the flag unset to stand for that lost write. walkLiveChain must sever the
// dangling link and elect the last fully-written node as tail instead of
// the half-written one.
func TestLinkedQRecoverTruncatesUnflushedTail(t *testing.T) {
	region := newInternalTestRegion(t)
	q := NewLinkedQ[int](region, 0)

	for i := range 5 {
		q.Enqueue(i, 0)
	}

	lastGood := q.tail.LoadAcquire()

	crashed := q.pool.Alloc()
	crashed.pred.StoreRelaxed(lastGood)
	if !lastGood.next.CompareAndSwapAcqRel(q.pool, nil, crashed) {
		t.Fatal("CAS-link of crash node failed")
	}
	// A real Enqueue has already set crashed.initialized in cache and flushes
	// it (with the predecessor chain) next; a crash here leaves the durable
	// flag false forever.

	q.Recover()

	if got := lastGood.next.LoadAcquire(q.pool); got != nil {
		t.Fatalf("Recover left a dangling link to the truncated node: %p", got)
	}
	if tail := q.tail.LoadAcquire(); tail != lastGood {
		t.Fatalf("Recover elected the truncated node as tail")
	}

	got := make([]int, 0, 5)
	for {
		v, err := q.Dequeue(0)
		if IsEmpty(err) {
			break
		}
		if err != nil {
			t.Fatalf("Dequeue after recover: %v", err)
		}
		got = append(got, v)
	}
	if len(got) != 5 {
		t.Fatalf("recovered %d items, want 5: %v", len(got), got)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("recovered[%d] = %d, want %d", i, v, i)
		}
	}
}

// TestUnlinkedQRecoverDropsUnlinkedNode reproduces a crash between the CAS
// that links a new node onto the chain and the StoreRelease that would have
// marked it linked. Recover's live-set filter (linked && index > headIdx)
// must exclude the half-written node.
func TestUnlinkedQRecoverDropsUnlinkedNode(t *testing.T) {
	region := newInternalTestRegion(t)
	q := NewUnlinkedQ[int](region, 0)

	for i := range 5 {
		q.Enqueue(i, 0)
	}

	tail := q.tail.LoadAcquire()

	crashed := q.pool.Alloc()
	crashed.initialize(99)
	crashed.index = tail.index + 1
	if !tail.next.CompareAndSwapAcqRel(nil, crashed) {
		t.Fatal("CAS-link of crash node failed")
	}
	// A real Enqueue calls crashed.linked.StoreRelease(true) and flushes
	// crashed next; a crash here leaves crashed.linked false forever.

	q.Recover()

	got := make([]int, 0, 5)
	for {
		v, err := q.Dequeue(0)
		if IsEmpty(err) {
			break
		}
		if err != nil {
			t.Fatalf("Dequeue after recover: %v", err)
		}
		got = append(got, v)
	}
	if len(got) != 5 {
		t.Fatalf("recovered %d items, want 5: %v", len(got), got)
	}
	for _, v := range got {
		if v == 99 {
			t.Fatalf("recovered the unlinked crash node's value")
		}
	}
}

// TestOptUnlinkedQRecoverDropsUnlinkedNode is UnlinkedQ's split-representation
// counterpart: the crash falls between the CAS that links newNode into the
// volatile chain and the StoreRelease that would mark its persistent image
// linked. Recover's pool scan must drop it the same way.
func TestOptUnlinkedQRecoverDropsUnlinkedNode(t *testing.T) {
	region := newInternalTestRegion(t)
	q := NewOptUnlinkedQ[int](region, 0)

	for i := range 5 {
		q.Enqueue(i, 0)
	}

	tail := q.tail.LoadAcquire()

	crashed := q.volatilePool.Alloc()
	crashed.item = 99
	crashed.next.StoreRelaxed(nil)
	crashed.persistent = q.pool.Alloc()
	crashed.persistent.initialize(99)
	crashed.persistent.index = tail.index + 1
	crashed.index = crashed.persistent.index
	if !tail.next.CompareAndSwapAcqRel(nil, crashed) {
		t.Fatal("CAS-link of crash node failed")
	}
	// A real Enqueue calls crashed.persistent.linked.StoreRelease(true) and
	// flushes crashed.persistent next; a crash here leaves it false forever.

	q.Recover()

	got := make([]int, 0, 5)
	for {
		v, err := q.Dequeue(0)
		if IsEmpty(err) {
			break
		}
		if err != nil {
			t.Fatalf("Dequeue after recover: %v", err)
		}
		got = append(got, v)
	}
	if len(got) != 5 {
		t.Fatalf("recovered %d items, want 5: %v", len(got), got)
	}
	for _, v := range got {
		if v == 99 {
			t.Fatalf("recovered the unlinked crash node's value")
		}
	}
}

// TestOptLinkedQRecoverFallsBackPastInvalidWitness forges a second thread's
// last-enqueue witness so it names a node above the real tail with no
// durable predecessor chain leading back to the elected head — the shape a
// witness written mid-update and then crashed on would leave. validateChain
// must reject that candidate and fall back to the next-highest witness,
// which names the real tail.
func TestOptLinkedQRecoverFallsBackPastInvalidWitness(t *testing.T) {
	region := newInternalTestRegion(t)
	q := NewOptLinkedQ[int](region, 0)

	for i := range 5 {
		q.Enqueue(i, 0)
	}

	realTail := q.tail.LoadAcquire()

	forged := q.pool.Alloc()
	forged.item = -1
	forged.index = realTail.index + 1
	forged.predHandle = 0 // no durable predecessor: validateChain must reject it

	const forgedTid = ThreadID(1)
	handle := q.pool.HandleOf(forged)
	cell := q.lastEnqueueCellAt(forgedTid, 0)
	ptrVal := applyBit(handle<<1, optLinkedValidBitPtr, 1)
	idxVal := applyBit(forged.index, optLinkedValidBitIndex, 1)
	cell.ptr = ptrVal
	cell.index = idxVal

	q.Recover()

	got := make([]int, 0, 5)
	for {
		v, err := q.Dequeue(0)
		if IsEmpty(err) {
			break
		}
		if err != nil {
			t.Fatalf("Dequeue after recover: %v", err)
		}
		got = append(got, v)
	}
	if len(got) != 5 {
		t.Fatalf("recovered %d items, want 5: %v", len(got), got)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("recovered[%d] = %d, want %d", i, v, i)
		}
	}
	for _, v := range got {
		if v == -1 {
			t.Fatalf("recovered the forged invalid-witness node's value")
		}
	}
}
