// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package allocator implements the typed node pools the queue engines are
// built on: a persistent-backed pool and a volatile-backed pool, each
// exposing lock-free Alloc/Free and a ForEachSlot enumerator chunks can be
// scanned through during recovery. A Pool is shared by all threads; there is
// no per-thread pool or per-thread cache.
//
// Free slots are kept on an intrusive lock-free stack addressed by handle
// rather than pointer, carrying a per-slot push generation for ABA safety —
// the same shape as the Go runtime's lfstack, adapted from pointer+counter
// packing to handle+counter packing since pool slots are identified by a
// stable integer offset instead of a bare address.
package allocator

import (
	"fmt"
	"sync"
	"unsafe"

	"code.hybscloud.com/atomix"

	"code.hybscloud.com/pmq/internal/heap"
	"code.hybscloud.com/pmq/internal/pmem"
)

// DefaultChunkSize is the number of node slots per chunk when the caller
// does not override it.
const DefaultChunkSize = 4096

// maxChunks bounds the number of chunks a single Pool can grow to. Chunk
// pointers live in a fixed-size array of atomix.Uintptr rather than a Go
// slice so that growChunk can publish a new chunk with a single
// StoreRelease instead of replacing a slice header readers might observe
// mid-append; code.hybscloud.com/atomix exposes no atomic-pointer-to-slice
// type to synchronize a growable slice header with, so the pool sidesteps
// the need for one instead of reaching for sync/atomic (see DESIGN.md).
const maxChunks = 4096

type slot[N any] struct {
	value N
	next  uint64 // handle of the next free slot; valid only while this slot is on the free stack
	pushN uint64 // monotonic push generation, bumped on every Free of this slot
}

type chunk[N any] struct {
	slots []slot[N]
}

// Pool is a typed, lock-free node pool. Pool[N] is safe for concurrent use
// by any number of threads. Alloc and Free deal in *N; the stable handle
// behind each slot is exposed only through HandleOf and NodeAt.
type Pool[N any] struct {
	growMu    sync.Mutex
	chunkPtrs [maxChunks]atomix.Pointer[chunk[N]] // chunkPtrs[i] holds a *chunk[N] once published by growChunk
	chunksLen atomix.Uint64
	chunkSize uint64
	region    *heap.Region // nil for volatile pools

	top  atomix.Uint64 // packed (handle<<32 | pushN) free-stack head; 0 == empty
	bump atomix.Uint64 // next never-allocated slot index, global across chunks
	cap  atomix.Uint64 // total slots currently backed by chunks

	watermark *atomix.Uint64 // durable high-water mark of bump; nil for volatile pools
}

// New creates a pool with the given chunk size. A nil region makes the pool
// volatile: chunks are plain Go memory, never persisted.
//
// When region is reopening a file a prior process left behind, New restores
// the durable watermark before handing out a single slot, fast-forwarding
// bump/cap past every handle that process may have allocated. Without this
// the bump cursor restarts at zero and a freshly constructed engine's own
// setup allocations land on the same slots the pre-crash process's live
// nodes occupy, clobbering them before Recover ever runs.
func New[N any](chunkSize uint64, region *heap.Region) *Pool[N] {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	p := &Pool[N]{chunkSize: chunkSize, region: region}

	if region != nil {
		raw, err := region.Reserve(unsafe.Sizeof(uint64(0)))
		if err != nil {
			panic(fmt.Sprintf("allocator: reserve watermark root: %v", err))
		}
		p.watermark = (*atomix.Uint64)(unsafe.Pointer(&raw[0]))
	}

	p.growChunk()
	if p.watermark != nil {
		for p.cap.LoadAcquire() < p.watermark.LoadAcquire() {
			p.growChunk()
		}
		p.bump.StoreRelease(p.watermark.LoadAcquire())
	}
	return p
}

func (p *Pool[N]) growChunk() {
	p.growMu.Lock()
	defer p.growMu.Unlock()

	idx := p.chunksLen.LoadAcquire()
	if idx >= maxChunks {
		panic("allocator: pool grew past maxChunks")
	}

	var c *chunk[N]
	if p.region != nil {
		var zero slot[N]
		nbytes := uintptr(p.chunkSize) * unsafe.Sizeof(zero)
		raw, err := p.region.Reserve(nbytes)
		if err != nil {
			panic(fmt.Sprintf("allocator: persistent pool exhausted: %v", err))
		}
		c = &chunk[N]{slots: unsafe.Slice((*slot[N])(unsafe.Pointer(&raw[0])), p.chunkSize)}
	} else {
		c = &chunk[N]{slots: make([]slot[N], p.chunkSize)}
	}

	p.chunkPtrs[idx].StoreRelease(c)
	p.chunksLen.StoreRelease(idx + 1)
	p.cap.StoreRelease((idx + 1) * p.chunkSize)
}

func (p *Pool[N]) chunkAt(i uint64) *chunk[N] {
	return p.chunkPtrs[i].LoadAcquire()
}

func (p *Pool[N]) slotAt(handle uint64) *slot[N] {
	idx := handle - 1
	chunkIdx := idx / p.chunkSize
	slotIdx := idx % p.chunkSize
	return &p.chunkAt(chunkIdx).slots[slotIdx]
}

// Alloc returns a fresh or reclaimed node. The node's fields are whatever
// they were left as by a prior Free (or zero, the first time the slot is
// used) — callers are responsible for (re)initializing it.
func (p *Pool[N]) Alloc() *N {
	if h, ok := p.pop(); ok {
		return &p.slotAt(h).value
	}

	for {
		idx := p.bump.AddAcqRel(1) - 1
		if idx < p.cap.LoadAcquire() {
			handle := idx + 1
			p.bumpWatermark(handle)
			return &p.slotAt(handle).value
		}
		p.growChunk()
	}
}

// bumpWatermark advances the durable watermark to handle if handle is
// higher than what is already recorded, CAS-looping so a lagging thread's
// write never regresses a higher watermark a racing thread already
// published. A no-op for volatile pools.
func (p *Pool[N]) bumpWatermark(handle uint64) {
	if p.watermark == nil {
		return
	}
	for {
		old := p.watermark.LoadAcquire()
		if handle <= old {
			return
		}
		if p.watermark.CompareAndSwapAcqRel(old, handle) {
			pmem.Flush(unsafe.Pointer(p.watermark))
			pmem.Fence()
			return
		}
	}
}

// Free returns n to the pool for reuse. n must have come from this Pool's
// Alloc and must not be freed again until it is reallocated.
func (p *Pool[N]) Free(n *N) {
	p.push(p.handleOf(n))
}

// HandleOf returns the stable handle backing n. Unlike a raw pointer, a
// handle survives a reopen of the same region even if the region is mapped
// at a different base address the second time around, so engines that need
// a pointer-shaped field to remain meaningful across a crash persist
// HandleOf(n) instead of n itself.
func (p *Pool[N]) HandleOf(n *N) uint64 {
	return p.handleOf(n)
}

// NodeAt reconstructs the pointer a handle previously returned by HandleOf
// refers to. A zero handle returns nil. handle must have come from this
// Pool, or a predecessor Pool over the same region.
func (p *Pool[N]) NodeAt(handle uint64) *N {
	if handle == 0 {
		return nil
	}
	return &p.slotAt(handle).value
}

func (p *Pool[N]) handleOf(n *N) uint64 {
	target := uintptr(unsafe.Pointer(n))
	chunksLen := int(p.chunksLen.LoadAcquire())
	for ci := 0; ci < chunksLen; ci++ {
		c := p.chunkAt(uint64(ci))
		base := uintptr(unsafe.Pointer(&c.slots[0]))
		var zero slot[N]
		stride := unsafe.Sizeof(zero)
		span := stride * uintptr(len(c.slots))
		if target >= base && target < base+span {
			slotIdx := (target - base) / stride
			return uint64(ci)*p.chunkSize + uint64(slotIdx) + 1
		}
	}
	panic("allocator: Free of a pointer this Pool did not allocate")
}

func (p *Pool[N]) push(handle uint64) {
	s := p.slotAt(handle)
	for {
		old := p.top.LoadAcquire()
		s.next = old >> 32
		s.pushN++
		newTop := handle<<32 | (s.pushN & 0xffffffff)
		if p.top.CompareAndSwapAcqRel(old, newTop) {
			return
		}
	}
}

func (p *Pool[N]) pop() (uint64, bool) {
	for {
		old := p.top.LoadAcquire()
		handle := old >> 32
		if handle == 0 {
			return 0, false
		}
		s := p.slotAt(handle)
		next := s.next
		var newTop uint64
		if next != 0 {
			newTop = next<<32 | (p.slotAt(next).pushN & 0xffffffff)
		}
		if p.top.CompareAndSwapAcqRel(old, newTop) {
			return handle, true
		}
	}
}

// ForEachSlot calls f once for every slot backed by a chunk so far,
// including slots currently on the free stack and slots never allocated.
// Recovery routines rely on f to distinguish live nodes from garbage using
// the node's own durable markers (initialized/linked/index).
func (p *Pool[N]) ForEachSlot(f func(n *N)) {
	chunksLen := int(p.chunksLen.LoadAcquire())
	for ci := 0; ci < chunksLen; ci++ {
		c := p.chunkAt(uint64(ci))
		for i := range c.slots {
			f(&c.slots[i].value)
		}
	}
}
