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

// persistentNodeOptUnlinked mirrors unlinkedNode's durable linked+index
// witness, but carries no next pointer: the volatile structure owns the
// list, and this image exists only so recovery can reconstruct it.
type persistentNodeOptUnlinked[T any] struct {
	item   T
	index  uint64
	linked atomix.Bool
}

func (n *persistentNodeOptUnlinked[T]) initialize(value T) {
	n.item = value
	n.linked.StoreRelease(false)
}

// volatileNodeOptUnlinked is the hot operational node OptUnlinkedQ links
// with CAS; it is never read during recovery.
type volatileNodeOptUnlinked[T any] struct {
	item       T
	index      uint64
	next       atomicPtr[volatileNodeOptUnlinked[T]]
	persistent *persistentNodeOptUnlinked[T]
}

// optUnlinkedLocal is OptUnlinkedQ's per-thread descriptor: just the
// pending-free volatile node. The durable headIndex high-water mark a
// dequeue contributes to lives in headIndexRoot instead, since it must
// still be readable by Recover on a freshly constructed engine after a
// reopen, and a Go-heap field cannot be.
type optUnlinkedLocal[T any] struct {
	_            pad
	nodeToRetire *volatileNodeOptUnlinked[T]
	_            padShort
}

// OptUnlinkedQ is UnlinkedQ's split-representation counterpart: the hot
// path operates entirely on volatile nodes, while a parallel durable image
// carries just enough (item, index, linked) for recovery to reconstruct
// the volatile list by scanning pool memory, the same way UnlinkedQ does.
type OptUnlinkedQ[T any] struct {
	_    pad
	head atomicPtr[volatileNodeOptUnlinked[T]]
	_    pad
	tail atomicPtr[volatileNodeOptUnlinked[T]]
	_    pad

	pool          *allocator.Pool[persistentNodeOptUnlinked[T]] // durable-backed
	volatilePool  *allocator.Pool[volatileNodeOptUnlinked[T]]   // always volatile
	local         [MaxThreads]optUnlinkedLocal[T]
	headIndexRoot []uint64 // durable per-thread head index witnesses; len MaxThreads
	logger        *log.Logger
}

// NewOptUnlinkedQ constructs an OptUnlinkedQ backed by region for its
// persistent node images; volatile nodes never touch region. Both pools
// grow in chunks of chunkSize slots (0 selects allocator.DefaultChunkSize).
//
// headIndexRoot is the only per-thread state Recover reads back, so it is
// the only thing this constructor must not zero on a reopen: zeroing it
// unconditionally made every node above index 0 look live again after a
// restart, the same bug UnlinkedQ had for its single shared head index.
func NewOptUnlinkedQ[T any](region *heap.Region, chunkSize uint64) *OptUnlinkedQ[T] {
	q := &OptUnlinkedQ[T]{
		volatilePool: allocator.New[volatileNodeOptUnlinked[T]](chunkSize, nil),
	}

	// headIndexRoot is reserved before the persistent pool so that its offset
	// in region does not depend on how many chunks the pool grows to on a
	// reopen.
	if region != nil {
		raw, err := region.Reserve(uintptr(MaxThreads) * unsafe.Sizeof(uint64(0)))
		if err != nil {
			panic("pmq: reserve head index roots: " + err.Error())
		}
		q.headIndexRoot = unsafe.Slice((*uint64)(unsafe.Pointer(&raw[0])), MaxThreads)
	} else {
		q.headIndexRoot = make([]uint64, MaxThreads)
	}
	q.pool = allocator.New[persistentNodeOptUnlinked[T]](chunkSize, region)
	if region == nil || region.Fresh() {
		for i := range q.headIndexRoot {
			pmem.StoreNT64(&q.headIndexRoot[i], 0)
		}
		pmem.Fence()
	}

	var zero T
	dummy := q.volatilePool.Alloc()
	dummy.item = zero
	dummy.index = 0
	dummy.next.StoreRelaxed(nil)
	dummy.persistent = q.pool.Alloc()
	dummy.persistent.initialize(zero)
	dummy.persistent.index = 0

	q.head.StoreRelaxed(dummy)
	q.tail.StoreRelaxed(dummy)

	return q
}

// SetLogger attaches a logger Recover narrates its phases to.
func (q *OptUnlinkedQ[T]) SetLogger(l *log.Logger) {
	q.logger = l
}

func (q *OptUnlinkedQ[T]) logf(format string, args ...any) {
	if q.logger != nil {
		q.logger.Printf(format, args...)
	}
}

// Enqueue appends item to the back of the queue. It never fails.
func (q *OptUnlinkedQ[T]) Enqueue(item T, tid ThreadID) {
	newNode := q.volatilePool.Alloc()
	newNode.item = item
	newNode.next.StoreRelaxed(nil)
	newNode.persistent = q.pool.Alloc()
	newNode.persistent.initialize(item)

	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		tailNext := tail.next.LoadAcquire()
		if tailNext == nil {
			newNode.persistent.index = tail.index + 1
			newNode.index = newNode.persistent.index
			if tail.next.CompareAndSwapAcqRel(nil, newNode) {
				newNode.persistent.linked.StoreRelease(true)
				pmem.Flush(unsafe.Pointer(newNode.persistent))
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
func (q *OptUnlinkedQ[T]) Dequeue(tid ThreadID) (T, error) {
	sw := spin.Wait{}
	for {
		head := q.head.LoadAcquire()
		headNext := head.next.LoadAcquire()
		if headNext == nil {
			pmem.StoreNT64(&q.headIndexRoot[tid], head.index)
			pmem.Fence()
			var zero T
			return zero, ErrEmpty
		}

		if q.head.CompareAndSwapAcqRel(head, headNext) {
			item := headNext.item
			pmem.StoreNT64(&q.headIndexRoot[tid], headNext.index)
			pmem.Fence()

			if prev := q.local[tid].nodeToRetire; prev != nil {
				q.pool.Free(prev.persistent)
				q.volatilePool.Free(prev)
			}
			q.local[tid].nodeToRetire = head

			return item, nil
		}
		sw.Once()
	}
}

// Recover reconstructs Head, Tail and the volatile queue from the durable
// persistent-node images after a crash. It must be called by exactly one
// goroutine before any concurrent Enqueue/Dequeue resumes.
func (q *OptUnlinkedQ[T]) Recover() {
	for i := range q.local {
		q.local[i].nodeToRetire = nil
	}

	headIndex := q.maxLocalHeadIndex()
	q.logf("optunlinkedq: recover: head index elected at %d", headIndex)

	var live []*persistentNodeOptUnlinked[T]
	q.pool.ForEachSlot(func(n *persistentNodeOptUnlinked[T]) {
		if n.linked.LoadAcquire() && n.index > headIndex {
			live = append(live, n)
			return
		}
	})
	sort.Slice(live, func(i, j int) bool { return live[i].index < live[j].index })
	q.logf("optunlinkedq: recover: %d live nodes above head index %d", len(live), headIndex)

	dummy := q.pool.Alloc()
	var zero T
	dummy.initialize(zero)
	dummy.index = headIndex

	volHead := q.volatilePool.Alloc()
	volHead.item = zero
	volHead.index = headIndex
	volHead.persistent = dummy
	volHead.next.StoreRelaxed(nil)

	pred := volHead
	for _, pn := range live {
		vn := q.volatilePool.Alloc()
		vn.item = pn.item
		vn.index = pn.index
		vn.persistent = pn
		vn.next.StoreRelaxed(nil)
		pred.next.StoreRelaxed(vn)
		pred = vn
	}

	q.head.StoreRelaxed(volHead)
	q.tail.StoreRelaxed(pred)
	q.logf("optunlinkedq: recover: tail elected at index %d", pred.index)

	pmem.Fence()
}

func (q *OptUnlinkedQ[T]) maxLocalHeadIndex() uint64 {
	var max uint64
	for i := range q.headIndexRoot {
		if hi := pmem.LoadNT64(&q.headIndexRoot[i]); hi > max {
			max = hi
		}
	}
	return max
}
