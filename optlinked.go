// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pmq

import (
	"log"
	"sort"
	"unsafe"

	"code.hybscloud.com/spin"

	"code.hybscloud.com/pmq/internal/allocator"
	"code.hybscloud.com/pmq/internal/heap"
	"code.hybscloud.com/pmq/internal/pmem"
)

// Bit positions for the OptLinkedQ last-enqueue witness: a validity bit is
// stolen from a pointer's low bit and an index's high bit, so a cell's two
// 64-bit words can be checked for having been written by the same store
// sequence without a double-width CAS.
const (
	optLinkedValidBitPtr   = 0
	optLinkedValidBitIndex = 63
)

func zeroBit(v uint64, bit int) uint64 {
	return v &^ (uint64(1) << bit)
}

func applyBit(v uint64, bit int, bitVal uint64) uint64 {
	return zeroBit(v, bit) | (bitVal << bit)
}

func getBit(v uint64, bit int) uint64 {
	return (v >> bit) & 1
}

// persistentNodeOpt is the durable image OptLinkedQ maintains alongside its
// volatile operational node. predHandle is a durable back-pointer written
// once, before the node is linked, so recovery can validate a contiguous
// chain; it is a pool handle rather than a raw pointer because validateChain
// walks it after a crash, when the region may be mapped at a different base
// address than the one that wrote it.
type persistentNodeOpt[T any] struct {
	item       T
	predHandle uint64
	index      uint64
}

// volatileNodeOpt carries the hot next/pred CAS operations; it is never
// read after a crash.
type volatileNodeOpt[T any] struct {
	item       T
	next       atomicPtr[volatileNodeOpt[T]]
	pred       atomicPtr[volatileNodeOpt[T]]
	index      uint64
	persistent *persistentNodeOpt[T]
}

type lastEnqueueCell struct {
	ptr   uint64
	index uint64
}

// optLinkedLocal is OptLinkedQ's per-thread descriptor: a pending-free
// volatile node and the bookkeeping for which of the two last-enqueue
// cells to write next. The cells themselves and the durable headIndex
// high-water mark live in OptLinkedQ's lastEnqueuesRoot/headIndexRoot
// instead, since Recover on a freshly constructed engine must be able to
// read them back after a reopen, and a Go-heap field cannot survive that.
// validBit and lastEnqueuesIndex need no such backing: recoverLastEnqueues
// always derives them afresh from the persisted cells at the end of
// Recover, before any concurrent Enqueue can consult them.
type optLinkedLocal[T any] struct {
	_                 pad
	nodeToRetire      *volatileNodeOpt[T]
	validBit          int
	lastEnqueuesIndex int
	_                 pad
}

// OptLinkedQ is the split-representation variant: a volatile linked
// structure carries the hot operations, while a parallel persistent image
// is maintained with flushes batched on predecessors. A per-thread
// last-enqueue witness with a validity bit lets recovery locate the tail
// without persisting the list spine.
type OptLinkedQ[T any] struct {
	_    pad
	head atomicPtr[volatileNodeOpt[T]]
	_    pad
	tail atomicPtr[volatileNodeOpt[T]]
	_    pad

	pool             *allocator.Pool[persistentNodeOpt[T]] // durable-backed
	volatilePool     *allocator.Pool[volatileNodeOpt[T]]   // always volatile
	local            [MaxThreads]optLinkedLocal[T]
	lastEnqueuesRoot []lastEnqueueCell // durable per-thread witness cells; len MaxThreads*2
	headIndexRoot    []uint64          // durable per-thread head index witnesses; len MaxThreads
	logger           *log.Logger
}

// NewOptLinkedQ constructs an OptLinkedQ backed by region for its
// persistent node images; volatile nodes never touch region. Both pools
// grow in chunks of chunkSize slots (0 selects allocator.DefaultChunkSize).
//
// lastEnqueuesRoot and headIndexRoot are the only state Recover reads back,
// so reopening a region must leave them alone: resetting them to zero, as
// this constructor once did unconditionally, erased every witness a
// pre-crash process left for Recover to locate the tail with.
func NewOptLinkedQ[T any](region *heap.Region, chunkSize uint64) *OptLinkedQ[T] {
	q := &OptLinkedQ[T]{
		volatilePool: allocator.New[volatileNodeOpt[T]](chunkSize, nil),
	}

	// The roots are reserved before the persistent pool so that their
	// offsets in region do not depend on how many chunks the pool grows to
	// on a reopen.
	if region != nil {
		rawHI, err := region.Reserve(uintptr(MaxThreads) * unsafe.Sizeof(uint64(0)))
		if err != nil {
			panic("pmq: reserve head index roots: " + err.Error())
		}
		q.headIndexRoot = unsafe.Slice((*uint64)(unsafe.Pointer(&rawHI[0])), MaxThreads)

		var zeroCell lastEnqueueCell
		rawLE, err := region.Reserve(uintptr(MaxThreads*2) * unsafe.Sizeof(zeroCell))
		if err != nil {
			panic("pmq: reserve last-enqueue witness roots: " + err.Error())
		}
		q.lastEnqueuesRoot = unsafe.Slice((*lastEnqueueCell)(unsafe.Pointer(&rawLE[0])), MaxThreads*2)
	} else {
		q.headIndexRoot = make([]uint64, MaxThreads)
		q.lastEnqueuesRoot = make([]lastEnqueueCell, MaxThreads*2)
	}
	q.pool = allocator.New[persistentNodeOpt[T]](chunkSize, region)

	if region == nil || region.Fresh() {
		for i := range q.headIndexRoot {
			pmem.StoreNT64(&q.headIndexRoot[i], 0)
		}
		for i := range q.local {
			q.resetLastEnqueueForThread(ThreadID(i))
		}
		pmem.Fence()
	}

	var zero T
	dummy := q.volatilePool.Alloc()
	dummy.item = zero
	dummy.next.StoreRelaxed(nil)
	dummy.pred.StoreRelaxed(nil)
	dummy.index = 0
	dummy.persistent = q.pool.Alloc()
	dummy.persistent.item = zero
	dummy.persistent.index = 0
	dummy.persistent.predHandle = 0
	// No need to persist the dummy node; recovery never reaches it.

	q.head.StoreRelaxed(dummy)
	q.tail.StoreRelaxed(dummy)

	return q
}

// predOf resolves n's durable predecessor handle back to a pointer. A zero
// handle (the dummy node's, or any node whose pred write never landed)
// resolves to nil.
func (q *OptLinkedQ[T]) predOf(n *persistentNodeOpt[T]) *persistentNodeOpt[T] {
	return q.pool.NodeAt(n.predHandle)
}

// SetLogger attaches a logger Recover narrates its phases to.
func (q *OptLinkedQ[T]) SetLogger(l *log.Logger) {
	q.logger = l
}

func (q *OptLinkedQ[T]) logf(format string, args ...any) {
	if q.logger != nil {
		q.logger.Printf(format, args...)
	}
}

// Enqueue appends item to the back of the queue. It never fails.
func (q *OptLinkedQ[T]) Enqueue(item T, tid ThreadID) {
	newNode := q.volatilePool.Alloc()
	newNode.item = item
	newNode.next.StoreRelaxed(nil)
	newNode.persistent = q.pool.Alloc()
	newNode.persistent.item = item

	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		tailNext := tail.next.LoadAcquire()
		if tailNext == nil {
			newNode.pred.StoreRelaxed(tail)
			newNode.index = tail.index + 1
			newNode.persistent.predHandle = q.pool.HandleOf(tail.persistent)
			// pred must land before index: a flush racing this write must
			// never see index advanced on a persistent node whose pred is
			// still stale.
			newNode.persistent.index = newNode.index
			if tail.next.CompareAndSwapAcqRel(nil, newNode) {
				q.tail.CompareAndSwapAcqRel(tail, newNode)
				q.flushNotPersistedSuffix(newNode)
				q.recordLastEnqueue(newNode, tid)
				pmem.Fence()
				newNode.pred.StoreRelaxed(nil)
				return
			}
		}
		q.tail.CompareAndSwapAcqRel(tail, tailNext)
		sw.Once()
	}
}

func (q *OptLinkedQ[T]) flushNotPersistedSuffix(n *volatileNodeOpt[T]) {
	for {
		pred := n.pred.LoadAcquire()
		if pred == nil {
			return
		}
		pmem.Flush(unsafe.Pointer(n.persistent))
		n = pred
	}
}

// lastEnqueueCellAt returns the slot-th (0 or 1) witness cell belonging to
// tid, backed by lastEnqueuesRoot so it survives a reopen.
func (q *OptLinkedQ[T]) lastEnqueueCellAt(tid ThreadID, slot int) *lastEnqueueCell {
	return &q.lastEnqueuesRoot[int(tid)*2+slot]
}

// recordLastEnqueue writes the two-cell witness with two non-temporal
// stores, encoding the validity bit per the usual bit conventions: pointer
// word's low bit, index word's high bit. A cell is valid iff the two bits
// agree. The pointer word carries newNode's pool handle shifted left one
// bit rather than a raw address, freeing bit 0 for the validity flag the
// same way an aligned pointer's always-zero low bit used to.
func (q *OptLinkedQ[T]) recordLastEnqueue(newNode *volatileNodeOpt[T], tid ThreadID) {
	local := &q.local[tid]
	i := local.lastEnqueuesIndex
	cell := q.lastEnqueueCellAt(tid, i)

	handle := q.pool.HandleOf(newNode.persistent)
	ptrVal := applyBit(handle<<1, optLinkedValidBitPtr, uint64(local.validBit))
	idxVal := applyBit(newNode.index, optLinkedValidBitIndex, uint64(local.validBit))
	pmem.StoreNT64(&cell.ptr, ptrVal)
	pmem.StoreNT64(&cell.index, idxVal)

	local.validBit ^= i
	local.lastEnqueuesIndex ^= 1
}

func (q *OptLinkedQ[T]) resetLastEnqueueForThread(tid ThreadID) {
	local := &q.local[tid]
	c0, c1 := q.lastEnqueueCellAt(tid, 0), q.lastEnqueueCellAt(tid, 1)
	pmem.StoreNT64(&c0.index, 0)
	pmem.StoreNT64(&c0.ptr, 0)
	pmem.StoreNT64(&c1.index, 0)
	pmem.StoreNT64(&c1.ptr, 0)
	local.validBit = 1
	local.lastEnqueuesIndex = 0
}

// Dequeue removes and returns the element at the front of the queue.
// Returns ErrEmpty if the queue currently has nothing to remove.
func (q *OptLinkedQ[T]) Dequeue(tid ThreadID) (T, error) {
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

			headNext.pred.StoreRelaxed(nil)

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
// persistent-node images and per-thread last-enqueue witnesses after a
// crash. It must be called by exactly one goroutine before any concurrent
// Enqueue/Dequeue resumes.
func (q *OptLinkedQ[T]) Recover() {
	for i := range q.local {
		q.local[i].nodeToRetire = nil
	}

	headIndex := q.maxLocalHeadIndex()
	q.logf("optlinkedq: recover: head index elected at %d", headIndex)

	type candidate struct {
		handle uint64
		index  uint64
	}
	var potentialTails []candidate
	for i := range q.local {
		for j := 0; j < 2; j++ {
			cell := *q.lastEnqueueCellAt(ThreadID(i), j)
			if getBit(cell.index, optLinkedValidBitIndex) != getBit(cell.ptr, optLinkedValidBitPtr) {
				continue
			}
			idx := zeroBit(cell.index, optLinkedValidBitIndex)
			handle := zeroBit(cell.ptr, optLinkedValidBitPtr) >> 1
			if idx <= headIndex || handle == 0 {
				continue
			}
			potentialTails = append(potentialTails, candidate{handle: handle, index: idx})
		}
	}
	sort.Slice(potentialTails, func(a, b int) bool { return potentialTails[a].index < potentialTails[b].index })
	q.logf("optlinkedq: recover: %d candidate tails considered", len(potentialTails))

	var liveChain []*persistentNodeOpt[T]
	for k := len(potentialTails) - 1; k >= 0; k-- {
		cand := potentialTails[k]
		ptr := q.pool.NodeAt(cand.handle)
		if ptr == nil || ptr.index != cand.index {
			continue
		}
		if chain, ok := q.validateChain(ptr, headIndex); ok {
			liveChain = chain
			break
		}
	}

	live := make(map[*persistentNodeOpt[T]]struct{}, len(liveChain))
	for _, n := range liveChain {
		live[n] = struct{}{}
	}
	q.retireNonQueueNodes(live, headIndex)
	q.logf("optlinkedq: recover: %d live nodes kept, non-live nodes above head index retired", len(liveChain))

	dummy := q.pool.Alloc()
	var zero T
	dummy.item = zero
	dummy.index = headIndex
	dummy.predHandle = 0

	volHead := q.volatilePool.Alloc()
	volHead.item = zero
	volHead.index = headIndex
	volHead.persistent = dummy
	volHead.pred.StoreRelaxed(nil)

	volTail := volHead
	var subsequent *volatileNodeOpt[T]
	for k := len(liveChain) - 1; k >= 0; k-- {
		pn := liveChain[k]
		vn := q.volatilePool.Alloc()
		vn.item = pn.item
		vn.index = pn.index
		vn.persistent = pn
		vn.next.StoreRelaxed(subsequent)
		if subsequent == nil {
			volTail = vn
		}
		subsequent = vn
	}
	volHead.next.StoreRelaxed(subsequent)
	volTail.pred.StoreRelaxed(nil)

	q.head.StoreRelaxed(volHead)
	q.tail.StoreRelaxed(volTail)

	q.recoverLastEnqueues(volHead, volTail)
	q.logf("optlinkedq: recover: tail elected at index %d", volTail.index)

	pmem.Fence()
}

// validateChain walks pred from tail back toward headIndex+1, verifying the
// index sequence is contiguous at every step. It returns the chain in
// root-to-tail order.
func (q *OptLinkedQ[T]) validateChain(tail *persistentNodeOpt[T], headIndex uint64) ([]*persistentNodeOpt[T], bool) {
	var rev []*persistentNodeOpt[T]
	curr := tail
	for {
		rev = append(rev, curr)
		if curr.index == headIndex+1 {
			chain := make([]*persistentNodeOpt[T], len(rev))
			for i, n := range rev {
				chain[len(rev)-1-i] = n
			}
			return chain, true
		}
		predNode := q.predOf(curr)
		if predNode == nil || predNode.index != curr.index-1 {
			return nil, false
		}
		curr = predNode
	}
}

func (q *OptLinkedQ[T]) retireNonQueueNodes(live map[*persistentNodeOpt[T]]struct{}, headIndex uint64) {
	q.pool.ForEachSlot(func(n *persistentNodeOpt[T]) {
		if _, ok := live[n]; ok {
			return
		}
		if n.index > headIndex {
			n.index = 0
			n.predHandle = 0
			pmem.Flush(unsafe.Pointer(n))
		}
	})
}

func (q *OptLinkedQ[T]) maxLocalHeadIndex() uint64 {
	var max uint64
	for i := range q.headIndexRoot {
		if hi := pmem.LoadNT64(&q.headIndexRoot[i]); hi > max {
			max = hi
		}
	}
	return max
}

func (q *OptLinkedQ[T]) isValidTail(cell lastEnqueueCell, tail, head *volatileNodeOpt[T]) bool {
	idx := zeroBit(cell.index, optLinkedValidBitIndex)
	handle := zeroBit(cell.ptr, optLinkedValidBitPtr) >> 1
	return idx == tail.index &&
		handle == q.pool.HandleOf(tail.persistent) &&
		idx > head.index &&
		getBit(cell.index, optLinkedValidBitIndex) == getBit(cell.ptr, optLinkedValidBitPtr)
}

func (q *OptLinkedQ[T]) recoverLastEnqueues(head, tail *volatileNodeOpt[T]) {
	for i := range q.local {
		local := &q.local[i]
		c0, c1 := *q.lastEnqueueCellAt(ThreadID(i), 0), *q.lastEnqueueCellAt(ThreadID(i), 1)
		v0 := q.isValidTail(c0, tail, head)
		v1 := q.isValidTail(c1, tail, head)
		switch {
		case !v0 && !v1:
			q.resetLastEnqueueForThread(ThreadID(i))
		case v0:
			cell1 := q.lastEnqueueCellAt(ThreadID(i), 1)
			pmem.StoreNT64(&cell1.index, 0)
			pmem.StoreNT64(&cell1.ptr, 0)
			local.lastEnqueuesIndex = 1
			local.validBit = int(getBit(c0.index, optLinkedValidBitIndex))
		default:
			cell0 := q.lastEnqueueCellAt(ThreadID(i), 0)
			pmem.StoreNT64(&cell0.index, 0)
			pmem.StoreNT64(&cell0.ptr, 0)
			local.lastEnqueuesIndex = 0
			local.validBit = int(getBit(c1.index, optLinkedValidBitIndex) ^ 1)
		}
	}
}
