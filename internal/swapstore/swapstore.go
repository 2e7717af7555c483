// Package swapstore implements the swap backing store of spec §4.6: a
// block device partitioned into PGSIZE slots. The Disk_i/Bdev_req_t
// pattern in fs/blk.go (a request/ack-channel handed to a Disk_i,
// serialized by a slot bitmap lock) is the direct model; here the
// "disk" is the externally supplied BlockDevice collaborator from §6's
// external-interfaces table, and golang.org/x/sync/semaphore bounds how
// many slot reads/writes may be outstanding at once, the in-module
// stand-in for the block driver's request queue depth.
package swapstore

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"vmcore/internal/errs"
	"vmcore/internal/pginfo"
)

// BlockDevice is the external block-device collaborator (§1's
// "block-device driver" is explicitly out of core scope); the store
// only needs to read and write whole PGSIZE-sized slots.
type BlockDevice interface {
	WriteSlot(slot int, data []byte) error
	ReadSlot(slot int, buf []byte) error
}

// DefaultQueueDepth is how many concurrent slot I/Os the store allows,
// modeling a modest block-device request queue.
const DefaultQueueDepth = 8

// Store is a slot-indexed anonymous page store. Slot allocation is
// bitmap-protected under a dedicated lock, matching spec §5's "swap
// slot bitmap lock ... internal to the swap store."
type Store struct {
	dev BlockDevice

	mu   sync.Mutex
	used []bool
	next int // next slot to probe, avoids O(n) rescans from 0 every time

	io *semaphore.Weighted
}

// NewStore creates a swap store with nslots PGSIZE-sized slots backed
// by dev.
func NewStore(dev BlockDevice, nslots int) *Store {
	return &Store{
		dev:  dev,
		used: make([]bool, nslots),
		io:   semaphore.NewWeighted(DefaultQueueDepth),
	}
}

func (s *Store) allocSlot() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.used)
	for i := 0; i < n; i++ {
		idx := (s.next + i) % n
		if !s.used[idx] {
			s.used[idx] = true
			s.next = (idx + 1) % n
			return idx, true
		}
	}
	return 0, false
}

func (s *Store) freeSlot(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used[slot] = false
}

// SwapOut allocates a slot and writes page (exactly PGSIZE bytes) to
// it, returning the slot index. It is the only path that can fail with
// ESWAPFULL, which eviction propagates as EOOM per spec §7.
func (s *Store) SwapOut(page []byte) (int, errs.Err_t) {
	if len(page) != pginfo.PGSIZE {
		errs.KernelInvariantViolation("swap out: wrong page size")
	}
	slot, ok := s.allocSlot()
	if !ok {
		return 0, errs.ESWAPFULL
	}
	if err := s.io.Acquire(context.Background(), 1); err != nil {
		s.freeSlot(slot)
		return 0, errs.ESWAPFULL
	}
	defer s.io.Release(1)

	if err := s.dev.WriteSlot(slot, page); err != nil {
		s.freeSlot(slot)
		return 0, errs.ESWAPFULL
	}
	return slot, errs.OK
}

// SwapIn reads slot into buf (which must be PGSIZE bytes) and releases
// the slot; per spec §4.6, "swap_in reads and releases the slot."
func (s *Store) SwapIn(slot int, buf []byte) errs.Err_t {
	if len(buf) != pginfo.PGSIZE {
		errs.KernelInvariantViolation("swap in: wrong buffer size")
	}
	if err := s.io.Acquire(context.Background(), 1); err != nil {
		return errs.EOOM
	}
	defer s.io.Release(1)

	if err := s.dev.ReadSlot(slot, buf); err != nil {
		return errs.EFAULT
	}
	s.freeSlot(slot)
	return errs.OK
}

// Drop releases slot without reading it back, used when an SPT entry
// holding a swap slot is destroyed at process exit without ever being
// faulted back in.
func (s *Store) Drop(slot int) {
	s.freeSlot(slot)
}

// Free reports the number of unallocated slots, for tests and
// diagnostics.
func (s *Store) Free() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.used {
		if !u {
			n++
		}
	}
	return n
}

// MemDevice is an in-memory BlockDevice, used by tests and by any
// embedder that has no real block device (the swap device is only
// persistent within one boot per spec §6, so a process-lifetime byte
// arena is a faithful backing store).
type MemDevice struct {
	mu    sync.Mutex
	slots [][]byte
}

// NewMemDevice allocates an in-memory block device with nslots slots.
func NewMemDevice(nslots int) *MemDevice {
	return &MemDevice{slots: make([][]byte, nslots)}
}

// WriteSlot implements BlockDevice.
func (m *MemDevice) WriteSlot(slot int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.slots[slot] = buf
	return nil
}

// ReadSlot implements BlockDevice.
func (m *MemDevice) ReadSlot(slot int, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(buf, m.slots[slot])
	return nil
}
