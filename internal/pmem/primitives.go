// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pmem provides the durability primitives the queue engines build
// on: cache-line flush, store fence, and non-temporal 64-bit store.
//
// On real persistent memory these map to hardware intrinsics (CLWB or
// CLFLUSHOPT, SFENCE, MOVNTI). This package gives them a concrete, portable
// software form so the engines compile and run on any GOOS/GOARCH; a
// deployment with real persistent memory can swap in a CLWB-backed build
// without touching engine code, since every engine only calls this
// package's functions.
package pmem

import (
	"sync/atomic"
	"unsafe"
)

// fenceGate is toggled by Fence to force a full sequentially-consistent
// round trip through the runtime's atomic machinery. It carries no
// information; it exists only to give Fence a real memory barrier to
// execute on platforms with no exposed SFENCE instruction.
var fenceGate atomic.Uint64

// Flush writes back the cache line containing p so that it becomes visible
// in the durability domain. The software emulation performs an atomic
// load-and-store round trip on the line's first word, which is sufficient
// to publish the write on every memory model Go runs on; it is not a
// substitute for CLWB on a real persistent-memory platform, and a
// hardware-backed build should replace this function wholesale rather than
// extend it.
func Flush(p unsafe.Pointer) {
	if p == nil {
		return
	}
	w := (*atomic.Uint64)(p)
	w.Store(w.Load())
}

// FlushRange flushes every cache line spanned by [p, p+n).
func FlushRange(p unsafe.Pointer, n uintptr) {
	const lineSize = 64
	start := uintptr(p) &^ (lineSize - 1)
	end := uintptr(p) + n
	for off := start; off < end; off += lineSize {
		Flush(unsafe.Pointer(off)) //nolint:govet
	}
}

// Fence orders every Flush and StoreNT64 issued before the call ahead of
// every one issued after it, from the point of view of a thread observing
// durable memory after a crash.
func Fence() {
	fenceGate.Add(1)
}

// StoreNT64 performs a non-temporal 64-bit store: val becomes visible at
// addr without requiring a subsequent Flush, but still requires a Fence
// before it is guaranteed durable.
func StoreNT64(addr *uint64, val uint64) {
	atomic.StoreUint64(addr, val)
}

// LoadNT64 reads a value previously written with StoreNT64. It is the read
// counterpart needed by recovery, which runs after all writers have
// stopped but still wants a race-detector-clean read of witness fields.
func LoadNT64(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}
