// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pmq provides durable, lock-free, multi-producer/multi-consumer
// FIFO queues for persistent memory.
//
// Four engines trade off persistence strategy against recovery cost:
//
//   - LinkedQ: flush deferred onto the successor's enqueue, recovery walks
//     the durable next chain from Head.
//   - UnlinkedQ: each node flushed on link, ordered by a durable per-node
//     index, recovery scans pool memory instead of chasing pointers.
//   - OptLinkedQ: a volatile linked structure carries the hot path, a
//     parallel persistent image is flushed on predecessors, and a per-thread
//     last-enqueue witness cell lets recovery find the tail without
//     persisting the list spine.
//   - OptUnlinkedQ: the same split representation as OptLinkedQ, but without
//     a witness cell; recovery scans pool memory like UnlinkedQ.
//
// All four satisfy DurableQueue[T] and are safe for any number of
// concurrent producers and consumers, identified by a ThreadID in
// [0, MaxThreads).
//
// # Quick start
//
// Direct constructors:
//
//	q := pmq.NewLinkedQ[Event](region, 0)
//	q := pmq.NewUnlinkedQ[*Request](region, 4096)
//
// Builder API:
//
//	q := pmq.Build[Event](pmq.New(pmq.LinkedScheme).WithHeapDir("/mnt/pmem0"))
//
// # Basic usage
//
//	q := pmq.Build[int](pmq.New(pmq.OptLinkedScheme))
//
//	q.Enqueue(42, tid)
//
//	item, err := q.Dequeue(tid)
//	if pmq.IsEmpty(err) {
//	    // nothing to dequeue right now
//	}
//
// # Recovery
//
// After a crash, reopen the backing heap.Region at the same path and call
// Recover on a freshly constructed engine of the same type and element
// before resuming concurrent Enqueue/Dequeue calls:
//
//	region, _ := heap.Open(dir, size)
//	q := pmq.NewLinkedQ[Event](region, 0)
//	q.Recover()
//
// Region.Fresh reports whether region backs a brand-new file rather than
// reopening a prior process's one; every NewXxxQ constructor consults
// it to skip destructive initialization of the durability roots Recover
// depends on. Any field a Recover call reads back — Head's handle, a
// per-thread head index, a witness cell, a node's predecessor — is stored
// as a stable allocator handle or kept in region memory at a deterministic
// offset, never as a raw pointer: the region is not guaranteed to come back
// mapped at the same base address it had before the crash.
package pmq
