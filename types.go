// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pmq

// MaxThreads bounds the threadId space every engine's per-thread descriptor
// array is sized to.
const MaxThreads = 256

// ThreadID indexes a queue's per-thread descriptor array. Callers assign
// each goroutine a distinct ThreadID in [0, MaxThreads) and reuse it across
// every Enqueue/Dequeue call that goroutine makes; ThreadID is assigned
// externally, never discovered automatically.
type ThreadID int

// DurableQueue is the FIFO contract all four engines satisfy. Enqueue and
// Dequeue are lock-free and never block; Recover reconstructs queue state
// from durable memory after a crash and must be called by exactly one
// goroutine before any concurrent Enqueue/Dequeue resumes.
type DurableQueue[T any] interface {
	Enqueue(item T, tid ThreadID)
	Dequeue(tid ThreadID) (T, error)
	Recover()
}

// pad is cache line padding to prevent false sharing between adjacent
// fields that are written by different threads.
type pad [64]byte

// padShort pads out the remainder of a cache line after an 8-byte field.
type padShort [64 - 8]byte
