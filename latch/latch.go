// Package latch implements the short, non-transactional mutual-exclusion
// primitives used throughout the storage core (spec.md §5 "Latch vs.
// Lock"): a spin latch for the volume table and allocation paths, and a
// two-mode read/write latch carried by each buffer frame. Grounded in the
// teacher's SpinLatch/BLTRWLock shape (atomic counters, busy-wait
// acquisition, CAS release) referenced throughout bufmgr.go and bltree.go
// (SpinWriteLock/SpinReleaseWrite, readWr.ReadLock/WriteLock).
package latch

import (
	"runtime"
	"sync/atomic"
)

// Spin is a lightweight mutual-exclusion latch for short critical sections
// (volume table, allocation bitmap). It busy-waits with a Gosched backoff
// rather than parking, matching the teacher's SpinLatch use for
// in-process, short-held sections.
type Spin struct {
	state uint32
}

// Lock acquires the latch for writing (exclusive access).
func (s *Spin) Lock() {
	for !atomic.CompareAndSwapUint32(&s.state, 0, 1) {
		runtime.Gosched()
	}
}

// Unlock releases the latch.
func (s *Spin) Unlock() {
	atomic.StoreUint32(&s.state, 0)
}

// TryLock attempts to acquire the latch without blocking.
func (s *Spin) TryLock() bool {
	return atomic.CompareAndSwapUint32(&s.state, 0, 1)
}

// rwState packs reader count (low 31 bits) and a writer-held bit (high bit).
const writerBit = uint32(1) << 31

// RW is a reader/writer latch with a shared (read) and an exclusive
// (write) mode. bfm.Frame carries one; no code path in this module
// acquires it. Zero value is unlocked.
type RW struct {
	state uint32
}

// ReadLock acquires a shared (read) hold.
func (l *RW) ReadLock() {
	for {
		s := atomic.LoadUint32(&l.state)
		if s&writerBit != 0 {
			runtime.Gosched()
			continue
		}
		if atomic.CompareAndSwapUint32(&l.state, s, s+1) {
			return
		}
	}
}

// ReadRelease releases a shared hold.
func (l *RW) ReadRelease() {
	atomic.AddUint32(&l.state, ^uint32(0))
}

// WriteLock acquires an exclusive (write) hold.
func (l *RW) WriteLock() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, writerBit) {
		runtime.Gosched()
	}
}

// WriteRelease releases an exclusive hold.
func (l *RW) WriteRelease() {
	atomic.StoreUint32(&l.state, 0)
}

// Held reports whether any reader or the writer currently holds l.
func (l *RW) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}
