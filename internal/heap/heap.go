// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package heap backs the node arenas of internal/allocator with a
// persistent-memory-shaped region: a file in VMMALLOC_POOL_DIR, sized to
// VMMALLOC_POOL_SIZE, mapped with mmap. On recovery after a crash, the same
// file is reopened and remapped, and the allocator's chunk scan walks it to
// reconstruct live nodes — there is no queue-specific header stored here,
// per §6 ("no per-queue header beyond the root pointers").
package heap

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// DefaultPoolSize is used when VMMALLOC_POOL_SIZE is unset.
	DefaultPoolSize = 64 << 20

	envPoolDir  = "VMMALLOC_POOL_DIR"
	envPoolSize = "VMMALLOC_POOL_SIZE"
)

// Region is a fixed-size mmap-backed byte range with a bump-allocation
// cursor. It is the out-of-scope "mmap-backed persistent heap" of §1 given
// a concrete, minimal implementation: callers carve fixed-size chunks out
// of it with Reserve and never return them; the allocator layer handles
// reuse of individual nodes within a chunk.
type Region struct {
	mu     sync.Mutex
	file   *os.File
	data   []byte
	cursor uintptr
	path   string
	owned  bool // true if this process created the backing file
}

// Open creates or reopens the pool file named by dir/pmq.pool, sized size
// bytes, and maps it. dir and size of zero fall back to VMMALLOC_POOL_DIR /
// VMMALLOC_POOL_SIZE, then to os.TempDir() and DefaultPoolSize.
func Open(dir string, size int64) (*Region, error) {
	if dir == "" {
		dir = os.Getenv(envPoolDir)
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if size == 0 {
		if v, ok := os.LookupEnv(envPoolSize); ok {
			var parsed int64
			if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil && parsed > 0 {
				size = parsed
			}
		}
	}
	if size == 0 {
		size = DefaultPoolSize
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("heap: create pool dir: %w", err)
	}
	path := filepath.Join(dir, "pmq.pool")

	_, statErr := os.Stat(path)
	owned := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("heap: open pool file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("heap: truncate pool file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("heap: mmap pool file: %w", err)
	}

	return &Region{file: f, data: data, path: path, owned: owned}, nil
}

// Reserve bump-allocates n contiguous bytes from the region and returns a
// slice over them. Reserve never reuses space; it is meant to hand out
// coarse-grained chunks, not individual objects.
func (r *Region) Reserve(n uintptr) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor+n > uintptr(len(r.data)) {
		return nil, fmt.Errorf("heap: pool exhausted: requested %d, %d remaining", n, uintptr(len(r.data))-r.cursor)
	}
	b := r.data[r.cursor : r.cursor+n]
	r.cursor += n
	return b, nil
}

// Fresh reports whether this call to Open created the backing file (i.e.
// there is nothing to recover) as opposed to reopening one left behind by a
// prior, crashed process.
func (r *Region) Fresh() bool {
	return r.owned
}

// Sync flushes the full mapping to the backing file, standing in for a
// power-fail-safe msync on real persistent memory.
func (r *Region) Sync() error {
	return unix.Msync(r.data, unix.MS_SYNC)
}

// Close unmaps and closes the backing file without removing it, so a
// subsequent Open against the same dir recovers the same bytes.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return err
		}
		r.data = nil
	}
	return r.file.Close()
}
