// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pmq

import (
	"unsafe"

	"code.hybscloud.com/atomix"

	"code.hybscloud.com/pmq/internal/allocator"
)

// atomicPtr is a generic atomic pointer built on atomix.Uintptr. atomix's
// confirmed surface is scalar only (Uint64, Int64, Bool, Uintptr, Uint128);
// it has no atomic-pointer-to-arbitrary-type primitive, so every volatile
// Head/Tail/next/pred field in this package wraps its pointer value in
// atomicPtr instead of reaching for sync/atomic.Pointer. Fields a recovery
// scan reads back after a crash use durableRef below instead, since a raw
// address does not survive a reopen of the backing region.
type atomicPtr[T any] struct {
	v atomix.Uintptr
}

func (p *atomicPtr[T]) LoadAcquire() *T {
	return (*T)(unsafe.Pointer(p.v.LoadAcquire())) //nolint:govet
}

func (p *atomicPtr[T]) LoadRelaxed() *T {
	return (*T)(unsafe.Pointer(p.v.LoadRelaxed())) //nolint:govet
}

func (p *atomicPtr[T]) StoreRelaxed(val *T) {
	p.v.StoreRelaxed(uintptr(unsafe.Pointer(val)))
}

func (p *atomicPtr[T]) StoreRelease(val *T) {
	p.v.StoreRelease(uintptr(unsafe.Pointer(val)))
}

func (p *atomicPtr[T]) CompareAndSwapAcqRel(old, new *T) bool {
	return p.v.CompareAndSwapAcqRel(uintptr(unsafe.Pointer(old)), uintptr(unsafe.Pointer(new)))
}

func (p *atomicPtr[T]) CompareAndSwapRelaxed(old, new *T) bool {
	return p.v.CompareAndSwapRelaxed(uintptr(unsafe.Pointer(old)), uintptr(unsafe.Pointer(new)))
}

// durableRef is atomicPtr's counterpart for pointer fields a crash-recovery
// scan reads back: it stores an allocator handle instead of a raw address,
// so the value it names survives a reopen of the backing region even if the
// region is mapped at a different base address the second time around. A
// raw pointer embedded in persistent memory has no such guarantee — the
// bytes are durable, but the address they encode is only valid for the
// process that wrote them.
type durableRef[N any] struct {
	h atomix.Uint64 // 0 == nil, else allocator.Pool.HandleOf(target)
}

func handleOrZero[N any](pool *allocator.Pool[N], n *N) uint64 {
	if n == nil {
		return 0
	}
	return pool.HandleOf(n)
}

func (r *durableRef[N]) LoadAcquire(pool *allocator.Pool[N]) *N {
	return pool.NodeAt(r.h.LoadAcquire())
}

func (r *durableRef[N]) LoadRelaxed(pool *allocator.Pool[N]) *N {
	return pool.NodeAt(r.h.LoadRelaxed())
}

func (r *durableRef[N]) StoreRelaxed(pool *allocator.Pool[N], n *N) {
	r.h.StoreRelaxed(handleOrZero(pool, n))
}

func (r *durableRef[N]) StoreRelease(pool *allocator.Pool[N], n *N) {
	r.h.StoreRelease(handleOrZero(pool, n))
}

func (r *durableRef[N]) CompareAndSwapAcqRel(pool *allocator.Pool[N], old, new *N) bool {
	return r.h.CompareAndSwapAcqRel(handleOrZero(pool, old), handleOrZero(pool, new))
}
