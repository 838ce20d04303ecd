// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pmq

import (
	"code.hybscloud.com/pmq/internal/allocator"
	"code.hybscloud.com/pmq/internal/heap"
)

// Scheme selects which durability algorithm Build constructs.
type Scheme int

const (
	// LinkedScheme builds a LinkedQ: deferred flush-on-successor, durable
	// next chain, recovery by chain walk from Head.
	LinkedScheme Scheme = iota
	// UnlinkedScheme builds an UnlinkedQ: per-node flush on link, durable
	// monotonic index, recovery by chunk scan ordered on index.
	UnlinkedScheme
	// OptLinkedScheme builds an OptLinkedQ: split volatile/persistent
	// representation with a last-enqueue witness cell per thread.
	OptLinkedScheme
	// OptUnlinkedScheme builds an OptUnlinkedQ: split representation
	// without a witness cell, recovery by chunk scan like UnlinkedScheme.
	OptUnlinkedScheme
)

// options configures queue construction: which scheme, and how its node
// pool's backing heap is sized and located.
type options struct {
	scheme    Scheme
	chunkSize uint64
	heapDir   string
	heapSize  int64
}

// Builder creates a durable queue with fluent configuration, dispatching on
// durability Scheme rather than producer/consumer arity — every engine here
// is already MPMC.
type Builder struct {
	opts options
}

// New creates a queue builder selecting scheme. Chunk size and heap backing
// default to internal/allocator.DefaultChunkSize and internal/heap's
// environment-variable fallbacks unless overridden below.
func New(scheme Scheme) *Builder {
	return &Builder{opts: options{scheme: scheme, chunkSize: allocator.DefaultChunkSize}}
}

// WithChunkSize overrides the node pool's chunk size. Panics if n == 0.
func (b *Builder) WithChunkSize(n uint64) *Builder {
	if n == 0 {
		panic("pmq: chunk size must be > 0")
	}
	b.opts.chunkSize = n
	return b
}

// WithHeapDir overrides VMMALLOC_POOL_DIR for this queue's node arena.
func (b *Builder) WithHeapDir(dir string) *Builder {
	b.opts.heapDir = dir
	return b
}

// WithHeapSize overrides VMMALLOC_POOL_SIZE for this queue's node arena.
func (b *Builder) WithHeapSize(size int64) *Builder {
	b.opts.heapSize = size
	return b
}

// openRegion opens the mmap-backed arena the builder was configured for.
// It panics on failure, matching Enqueue's "allocator exhaustion panics"
// contract: a queue that cannot get a backing heap cannot be constructed.
func (b *Builder) openRegion() *heap.Region {
	r, err := heap.Open(b.opts.heapDir, b.opts.heapSize)
	if err != nil {
		panic("pmq: open heap region: " + err.Error())
	}
	return r
}

// Build constructs the durable queue b was configured for.
//
// Build is a package-level function, not a Builder method, because Go does
// not allow a generic type parameter on a method: the type parameter T
// names the element type of the engine under construction.
//
// Example:
//
//	q := pmq.Build[Event](pmq.New(pmq.LinkedScheme).WithHeapDir("/mnt/pmem0"))
func Build[T any](b *Builder) DurableQueue[T] {
	region := b.openRegion()
	switch b.opts.scheme {
	case LinkedScheme:
		return NewLinkedQ[T](region, b.opts.chunkSize)
	case UnlinkedScheme:
		return NewUnlinkedQ[T](region, b.opts.chunkSize)
	case OptLinkedScheme:
		return NewOptLinkedQ[T](region, b.opts.chunkSize)
	case OptUnlinkedScheme:
		return NewOptUnlinkedQ[T](region, b.opts.chunkSize)
	default:
		panic("pmq: unknown scheme")
	}
}
