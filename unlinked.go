// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pmq

import (
	"log"
	"sort"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"

	"code.hybscloud.com/pmq/internal/allocator"
	"code.hybscloud.com/pmq/internal/heap"
	"code.hybscloud.com/pmq/internal/pmem"
)

// unlinkedNode carries a durable index instead of a pred back-pointer: the
// node is flushed itself, once linked, rather than relying on a successor
// to flush it. linked becomes true (and is flushed) only after the node is
// spliced into the list.
type unlinkedNode[T any] struct {
	item   T
	next   atomicPtr[unlinkedNode[T]]
	linked atomix.Bool
	index  uint64 // written once by the enqueuing goroutine before publish
}

func (n *unlinkedNode[T]) initialize(value T) {
	n.item = value
	n.next.StoreRelaxed(nil)
	n.linked.StoreRelease(false)
}

func ptrToU64[T any](p *T) uint64 {
	return uint64(uintptr(unsafe.Pointer(p)))
}

func u64ToPtr[T any](v uint64) *T {
	return (*T)(unsafe.Pointer(uintptr(v))) //nolint:govet
}

// UnlinkedQ persists each node itself right after linking it (marking it
// linked, then flushing it), using a monotonically increasing per-node
// index as the durable ordering witness, so recovery
// reconstructs the live set by scanning node memory rather than chasing
// links. Head is a 16-byte (index, ptr) pair updated by double-width CAS.
type UnlinkedQ[T any] struct {
	_    pad
	head atomix.Uint128 // lo=sentinel index, hi=sentinel pointer
	_    pad
	tail atomicPtr[unlinkedNode[T]]
	_    pad

	pool          *allocator.Pool[unlinkedNode[T]]
	headIndexRoot *atomix.Uint64 // durable mirror of Head's index half; nil for volatile pools
	toRetire      [MaxThreads]retireSlot[unlinkedNode[T]]
	logger        *log.Logger
}

// NewUnlinkedQ constructs an UnlinkedQ backed by region, whose node pool
// grows in chunks of chunkSize slots (0 selects allocator.DefaultChunkSize).
// A nil region makes the queue's node pool volatile.
//
// Head's pointer half is never read back by Recover (it always scans pool
// memory and allocates a fresh dummy), so it needs no durable backing of
// its own. Head's index half is the one piece of durable state Recover
// depends on to tell a live node from one already dequeued pre-crash; on
// reopen NewUnlinkedQ restores it from headIndexRoot instead of zeroing it,
// which is what made every node above index 0 look live.
func NewUnlinkedQ[T any](region *heap.Region, chunkSize uint64) *UnlinkedQ[T] {
	q := &UnlinkedQ[T]{}

	// headIndexRoot is reserved before the pool so that its offset in region
	// does not depend on how many chunks the pool grows to on a reopen.
	if region != nil {
		raw, err := region.Reserve(unsafe.Sizeof(uint64(0)))
		if err != nil {
			panic("pmq: reserve head index root: " + err.Error())
		}
		q.headIndexRoot = (*atomix.Uint64)(unsafe.Pointer(&raw[0]))
	}
	q.pool = allocator.New[unlinkedNode[T]](chunkSize, region)

	var headIdx uint64
	if region != nil && !region.Fresh() {
		headIdx = q.headIndexRoot.LoadAcquire()
	}

	var zero T
	dummy := q.pool.Alloc()
	dummy.initialize(zero)
	dummy.index = headIdx

	q.tail.StoreRelaxed(dummy)
	q.head.StoreRelaxed(headIdx, ptrToU64(dummy))
	q.storeHeadIndexRoot(headIdx)

	pmem.Flush(unsafe.Pointer(dummy))
	pmem.Fence()

	return q
}

// storeHeadIndexRoot durably mirrors idx as Head's current index half. A
// no-op for volatile pools (headIndexRoot nil).
func (q *UnlinkedQ[T]) storeHeadIndexRoot(idx uint64) {
	if q.headIndexRoot == nil {
		return
	}
	q.headIndexRoot.StoreRelease(idx)
	pmem.Flush(unsafe.Pointer(q.headIndexRoot))
	pmem.Fence()
}

// SetLogger attaches a logger Recover narrates its phases to.
func (q *UnlinkedQ[T]) SetLogger(l *log.Logger) {
	q.logger = l
}

func (q *UnlinkedQ[T]) logf(format string, args ...any) {
	if q.logger != nil {
		q.logger.Printf(format, args...)
	}
}

// Enqueue appends item to the back of the queue. It never fails.
func (q *UnlinkedQ[T]) Enqueue(item T, tid ThreadID) {
	newNode := q.pool.Alloc()
	newNode.initialize(item)

	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		tailNext := tail.next.LoadAcquire()
		if tailNext == nil {
			newNode.index = tail.index + 1
			if tail.next.CompareAndSwapAcqRel(nil, newNode) {
				newNode.linked.StoreRelease(true)
				pmem.Flush(unsafe.Pointer(newNode))
				q.tail.CompareAndSwapAcqRel(tail, newNode)
				return
			}
		}
		q.tail.CompareAndSwapAcqRel(tail, tailNext)
		sw.Once()
	}
}

// Dequeue removes and returns the element at the front of the queue.
// Returns ErrEmpty if the queue currently has nothing to remove.
func (q *UnlinkedQ[T]) Dequeue(tid ThreadID) (T, error) {
	sw := spin.Wait{}
	for {
		headIdx, headPtrU := q.head.LoadAcquire()
		headPtr := u64ToPtr[unlinkedNode[T]](headPtrU)
		headNext := headPtr.next.LoadAcquire()
		if headNext == nil {
			q.storeHeadIndexRoot(headIdx)
			var zero T
			return zero, ErrEmpty
		}

		if q.head.CompareAndSwapAcqRel(headIdx, headPtrU, headNext.index, ptrToU64(headNext)) {
			item := headNext.item
			q.storeHeadIndexRoot(headNext.index)

			if prev := q.toRetire[tid].ptr; prev != nil {
				q.pool.Free(prev)
			}
			q.toRetire[tid].ptr = headPtr

			return item, nil
		}
		sw.Once()
	}
}

// Recover reconstructs Head, Tail and node liveness from durable memory
// after a crash. It must be called by exactly one goroutine before any
// concurrent Enqueue/Dequeue resumes.
func (q *UnlinkedQ[T]) Recover() {
	for i := range q.toRetire {
		q.toRetire[i].ptr = nil
	}

	headIdx, _ := q.head.LoadAcquire()

	var live []*unlinkedNode[T]
	q.pool.ForEachSlot(func(n *unlinkedNode[T]) {
		if n.linked.LoadAcquire() && n.index > headIdx {
			live = append(live, n)
		}
	})
	sort.Slice(live, func(i, j int) bool { return live[i].index < live[j].index })
	q.logf("unlinkedq: recover: %d live nodes above head index %d", len(live), headIdx)

	dummy := q.pool.Alloc()
	var zero T
	dummy.initialize(zero)
	dummy.index = headIdx

	pred := dummy
	for _, n := range live {
		pred.next.StoreRelaxed(n)
		pred = n
	}
	pred.next.StoreRelaxed(nil)

	q.tail.StoreRelaxed(pred)
	q.head.StoreRelease(headIdx, ptrToU64(dummy))
	q.storeHeadIndexRoot(headIdx)
	q.logf("unlinkedq: recover: tail elected at index %d", pred.index)
}
