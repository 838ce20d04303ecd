// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pmq

import (
	"log"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"

	"code.hybscloud.com/pmq/internal/allocator"
	"code.hybscloud.com/pmq/internal/heap"
	"code.hybscloud.com/pmq/internal/pmem"
)

// linkedNode is the Michael-Scott style node LinkedQ links with CAS.
// initialized is a durable flag set with release ordering after item and
// next are written; a concurrent recovery scan relies on that ordering to
// tell a fully-written node from a freshly reused, still-dirty slot. next
// is a durableRef, not a raw pointer: Recover walks it after a crash, so
// its value must still name the right node even if the backing region
// comes back mapped at a different address than it had pre-crash. pred is
// only ever read within the same process run that wrote it (Enqueue's own
// flush-chain helper), so it stays a plain atomicPtr.
type linkedNode[T any] struct {
	item        T
	next        durableRef[linkedNode[T]]
	pred        atomicPtr[linkedNode[T]]
	initialized atomix.Bool
}

func (n *linkedNode[T]) initialize(pool *allocator.Pool[linkedNode[T]], value T) {
	n.item = value
	n.next.StoreRelaxed(pool, nil)
	n.initialized.StoreRelease(true)
}

// retireSlot holds the one node a thread has pending reclamation, cache
// line padded so concurrent dequeuers on other threads never false-share
// this field; it is written only by its owning threadId.
type retireSlot[N any] struct {
	ptr *N
	_   padShort
}

// LinkedQ is a Michael-Scott style durable FIFO queue whose persistence is
// deferred onto the successor enqueue: after linking, an enqueuer flushes
// its new node together with every predecessor still reachable through pred
// (nodes whose own enqueuer has not yet finished flushing), and recovery
// detects a truncated flush chain by the durable initialized flag.
type LinkedQ[T any] struct {
	_    pad
	head atomicPtr[linkedNode[T]]
	_    pad
	tail atomicPtr[linkedNode[T]]
	_    pad

	pool     *allocator.Pool[linkedNode[T]]
	headRoot *atomix.Uint64 // durable handle mirror of head; nil for volatile pools
	toRetire [MaxThreads]retireSlot[linkedNode[T]]
	logger   *log.Logger
}

// NewLinkedQ constructs a LinkedQ backed by region, whose node pool grows
// in chunks of chunkSize slots (0 selects allocator.DefaultChunkSize). A
// nil region makes the queue's node pool volatile, useful for tests that
// never exercise Recover.
//
// When region is reopening a file a prior process left behind, NewLinkedQ
// does not allocate a fresh dummy node: doing so would both discard the
// real pre-crash head (head lived only in the constructed engine's Go
// struct, never in region memory, so a brand-new engine object has no way
// to find it otherwise) and, since the allocator's bump cursor also used to
// restart at zero, land the dummy on the same slot the pre-crash chain's
// real head occupied. Instead it reads the durable head handle back from
// headRoot and leaves reconstruction to Recover.
func NewLinkedQ[T any](region *heap.Region, chunkSize uint64) *LinkedQ[T] {
	q := &LinkedQ[T]{}

	// headRoot is reserved before the pool so that its offset in region does
	// not depend on how many chunks the pool grows to on a reopen.
	if region != nil {
		raw, err := region.Reserve(unsafe.Sizeof(uint64(0)))
		if err != nil {
			panic("pmq: reserve head root: " + err.Error())
		}
		q.headRoot = (*atomix.Uint64)(unsafe.Pointer(&raw[0]))
	}
	q.pool = allocator.New[linkedNode[T]](chunkSize, region)

	if region != nil && !region.Fresh() {
		if head := q.pool.NodeAt(q.headRoot.LoadAcquire()); head != nil {
			q.head.StoreRelaxed(head)
			q.tail.StoreRelaxed(head)
			return q
		}
	}

	var zero T
	dummy := q.pool.Alloc()
	dummy.initialize(q.pool, zero)
	dummy.pred.StoreRelaxed(nil)

	q.head.StoreRelaxed(dummy)
	q.tail.StoreRelaxed(dummy)
	q.storeHeadRoot(dummy)

	pmem.Flush(unsafe.Pointer(dummy))
	pmem.Fence()

	return q
}

// storeHeadRoot durably mirrors n as the current head handle. A no-op for
// volatile pools (headRoot nil).
func (q *LinkedQ[T]) storeHeadRoot(n *linkedNode[T]) {
	if q.headRoot == nil {
		return
	}
	q.headRoot.StoreRelease(q.pool.HandleOf(n))
	pmem.Flush(unsafe.Pointer(q.headRoot))
	pmem.Fence()
}

// SetLogger attaches a logger Recover narrates its phases to. A nil logger
// (the default) disables logging.
func (q *LinkedQ[T]) SetLogger(l *log.Logger) {
	q.logger = l
}

func (q *LinkedQ[T]) logf(format string, args ...any) {
	if q.logger != nil {
		q.logger.Printf(format, args...)
	}
}

// Enqueue appends item to the back of the queue. It never fails; it loops
// on CAS contention and helps advance Tail when it finds the hint stale.
func (q *LinkedQ[T]) Enqueue(item T, tid ThreadID) {
	newNode := q.pool.Alloc()
	newNode.initialize(q.pool, item)

	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		tailNext := tail.next.LoadAcquire(q.pool)
		if tailNext == nil {
			newNode.pred.StoreRelaxed(tail)
			if tail.next.CompareAndSwapAcqRel(q.pool, nil, newNode) {
				q.flushNotPersistedSuffix(newNode)
				q.tail.CompareAndSwapAcqRel(tail, newNode)
				newNode.pred.StoreRelaxed(nil)
				return
			}
		}
		q.tail.CompareAndSwapAcqRel(tail, tailNext)
		sw.Once()
	}
}

func (q *LinkedQ[T]) flushNotPersistedSuffix(n *linkedNode[T]) {
	for {
		pmem.Flush(unsafe.Pointer(n))
		pred := n.pred.LoadAcquire()
		if pred == nil {
			return
		}
		n = pred
	}
}

// Dequeue removes and returns the element at the front of the queue.
// Returns ErrEmpty if the queue currently has nothing to remove.
func (q *LinkedQ[T]) Dequeue(tid ThreadID) (T, error) {
	sw := spin.Wait{}
	for {
		head := q.head.LoadAcquire()
		headNext := head.next.LoadAcquire(q.pool)
		if headNext == nil {
			q.storeHeadRoot(head)
			var zero T
			return zero, ErrEmpty
		}

		if q.head.CompareAndSwapAcqRel(head, headNext) {
			item := headNext.item

			if prev := q.toRetire[tid].ptr; prev != nil {
				pmem.Flush(unsafe.Pointer(&prev.initialized))
			}
			q.storeHeadRoot(headNext)

			headNext.pred.StoreRelaxed(nil)

			if prev := q.toRetire[tid].ptr; prev != nil {
				q.pool.Free(prev)
			}
			head.initialized.StoreRelaxed(false)
			q.toRetire[tid].ptr = head

			return item, nil
		}
		sw.Once()
	}
}

// Recover reconstructs Head, Tail and node liveness from durable memory
// after a crash. It must be called by exactly one goroutine before any
// concurrent Enqueue/Dequeue resumes.
func (q *LinkedQ[T]) Recover() {
	for i := range q.toRetire {
		q.toRetire[i].ptr = nil
	}

	head := q.head.LoadAcquire()
	if !head.initialized.LoadAcquire() {
		q.logf("linkedq: recover: durable head uninitialized, reinitializing as empty dummy")
		var zero T
		head.initialize(q.pool, zero)
	}
	q.storeHeadRoot(head)

	live := map[*linkedNode[T]]struct{}{head: {}}
	queueNodes, severedFlush := q.walkLiveChain(head)
	for _, n := range queueNodes {
		live[n] = struct{}{}
	}
	q.logf("linkedq: recover: walked %d live nodes from head", len(queueNodes))

	retiredFlush := q.retireNonQueueNodes(live)
	q.logf("linkedq: recover: retired nodes outside live set")

	lastNode := head
	if len(queueNodes) > 0 {
		lastNode = queueNodes[len(queueNodes)-1]
	}
	lastNode.pred.StoreRelaxed(nil)
	q.tail.StoreRelaxed(lastNode)
	q.logf("linkedq: recover: tail elected")

	if severedFlush || retiredFlush {
		pmem.Fence()
	}
}

// walkLiveChain walks Head.next.next... and stops at the first node that is
// not durably initialized, severing the link to it from its predecessor; that
// node and everything after it are dropped from the live chain.
func (q *LinkedQ[T]) walkLiveChain(head *linkedNode[T]) ([]*linkedNode[T], bool) {
	var nodes []*linkedNode[T]
	curr := head
	for {
		next := curr.next.LoadRelaxed(q.pool)
		if next == nil {
			return nodes, false
		}
		if !next.initialized.LoadAcquire() {
			curr.next.StoreRelaxed(q.pool, nil)
			pmem.Flush(unsafe.Pointer(curr))
			return nodes, true
		}
		nodes = append(nodes, next)
		curr = next
	}
}

func (q *LinkedQ[T]) retireNonQueueNodes(live map[*linkedNode[T]]struct{}) bool {
	didFlush := false
	q.pool.ForEachSlot(func(n *linkedNode[T]) {
		if _, ok := live[n]; ok {
			return
		}
		if n.initialized.LoadAcquire() {
			n.initialized.StoreRelaxed(false)
			pmem.Flush(unsafe.Pointer(n))
			didFlush = true
		}
	})
	return didFlush
}
