// Package physmem implements the frame manager of spec §4.2: a pool of
// physical frames, second-chance eviction over a global FIFO list, and
// the owner-set bookkeeping invariant 1-4 of spec §3 depend on. It
// plays the role of mem.Physmem_t in the teacher, specialized from a
// generic multi-pool kernel allocator down to the single user pool this
// subsystem needs, with the teacher's threaded free list (Physpg_t's
// nexti field walked under phys.Lock) kept as the allocation strategy.
package physmem

import (
	"container/list"
	"time"

	"github.com/google/pprof/profile"

	"vmcore/internal/errs"
	"vmcore/internal/pginfo"
	"vmcore/internal/reent"
	"vmcore/internal/sharing"
	"vmcore/internal/swapstore"
	"vmcore/internal/vmlog"
)

// Debug gates frame-manager tracing, following the bdev_debug/Stats
// const-bool-gate idiom.
var Debug = false

// Kva is a simulated kernel/physical address: an index into the frame
// table's backing arena, scaled by PGSIZE, mirroring mem.Pa_t.
type Kva uintptr

// ProcID identifies an address space for the purposes of an owner
// entry; vmspace.AddressSpace supplies one per process.
type ProcID uint64

// Owner is a (process, upage) pair, keyed exactly as spec §3's frame
// entry "owners" set.
type Owner struct {
	Proc  ProcID
	Upage pginfo.Upage
}

// Host is how the frame manager reaches back into an owning address
// space during eviction and detachment, without importing vmspace
// (which imports physmem) and creating a cycle. It is the frame-side
// half of the Vm_t/Physmem_t relationship in the teacher, where
// eviction needs pagedir_is_accessed/pagedir_set_accessed-equivalent
// access to the owner's page table.
type Host interface {
	// TestAndClearAccessed reports whether upage's hardware access bit
	// was set since the last clear, then clears it, atomically.
	TestAndClearAccessed(upage pginfo.Upage) bool
	// IsWritable reports whether upage is mapped writable in the
	// owner's page table.
	IsWritable(upage pginfo.Upage) bool
	// IsDirty reports the hardware dirty bit for upage.
	IsDirty(upage pginfo.Upage) bool
	// Detach clears the page-table mapping for upage in this owner
	// only; the frame's other owners, if any, are unaffected.
	Detach(upage pginfo.Upage)
	// NotifySwapOut records that upage's frame was swapped: the SPT
	// entry transitions location_prev=location, location=SWAP,
	// swap_slot=slot. tok identifies the caller's call chain so a host
	// whose spt_lock the caller already holds (self-eviction: the
	// victim belongs to the very address space whose fault triggered
	// eviction) can re-enter it instead of deadlocking.
	NotifySwapOut(tok *reent.Token, upage pginfo.Upage, slot int)
}

type frameSlot struct {
	owners   map[Owner]Host
	shareKey *sharing.Handle
	elem     *list.Element // position in the FIFO eviction list; nil while free
	nexti    int32         // next free slot index while free, -1 sentinel
}

// FrameTable is the global frame manager: a pool of physical frames
// partitioned for user allocations, a FIFO eviction list with a
// persistent cursor, and the sharing registry and swap store it
// consults when a victim must be detached or swapped.
type FrameTable struct {
	mu reent.Mutex

	arena []byte
	slots []frameSlot

	freeHead  int32
	freeCount int

	fifo   *list.List
	cursor *list.Element

	share *sharing.Registry
	swap  *swapstore.Store
}

// NewFrameTable allocates a user pool of npages frames backed by an
// in-process byte arena (the userspace stand-in for physical RAM),
// wired to the given sharing registry and swap store.
func NewFrameTable(npages int, share *sharing.Registry, swap *swapstore.Store) *FrameTable {
	ft := &FrameTable{
		arena: make([]byte, npages*pginfo.PGSIZE),
		slots: make([]frameSlot, npages),
		fifo:  list.New(),
		share: share,
		swap:  swap,
	}
	for i := 0; i < npages; i++ {
		ft.slots[i].nexti = int32(i + 1)
	}
	if npages > 0 {
		ft.slots[npages-1].nexti = -1
	} else {
		ft.freeHead = -1
	}
	ft.freeCount = npages
	vmlog.Printf("physmem: reserved %d user frames (%d bytes)", npages, len(ft.arena))
	return ft
}

// Bytes returns the PGSIZE-byte slice backing kva, the equivalent of
// mem.Physmem.Dmap8.
func (ft *FrameTable) Bytes(kva Kva) []byte {
	idx := int(kva) / pginfo.PGSIZE
	off := idx * pginfo.PGSIZE
	return ft.arena[off : off+pginfo.PGSIZE]
}

func kvaOf(idx int) Kva { return Kva(idx * pginfo.PGSIZE) }
func idxOf(kva Kva) int { return int(kva) / pginfo.PGSIZE }

// Lock acquires frame_lock for tok, returning whether tok already held
// it (a no-op re-acquire). Exposed so a caller needing several frame
// manager calls to appear atomic (e.g. a fault resolver installing a
// shared page) can bracket them under one token.
func (ft *FrameTable) Lock(tok *reent.Token) bool  { return ft.mu.Acquire(tok) }
func (ft *FrameTable) Unlock(wasHeld bool)         { ft.mu.Release(wasHeld) }

// GetUserFrame returns a frame registering owner (via host) as its
// first and only owner. The returned page is zeroed iff zero is true;
// otherwise its content is whatever the previous occupant (or eviction
// swap-out) left behind, matching Refpg_new vs Refpg_new_nozero.
func (ft *FrameTable) GetUserFrame(tok *reent.Token, owner Owner, host Host, zero bool) (Kva, errs.Err_t) {
	held := ft.mu.Acquire(tok)
	defer ft.mu.Release(held)

	idx, ok := ft.popFree()
	if !ok {
		var err errs.Err_t
		idx, err = ft.evictLocked(tok)
		if err != errs.OK {
			return 0, err
		}
	}
	s := &ft.slots[idx]
	s.owners = map[Owner]Host{owner: host}
	s.shareKey = nil
	s.elem = ft.fifo.PushBack(idx)

	kva := kvaOf(idx)
	if zero {
		b := ft.Bytes(kva)
		for i := range b {
			b[i] = 0
		}
	}
	vmlog.Debugf(Debug, "get_user_frame: kva=%#x owner=%+v zero=%v", kva, owner, zero)
	return kva, errs.OK
}

// FreeUserFrame removes owner from kva's owner set. If the set becomes
// empty the sharing registration (if any) is removed and the frame
// returns to the free pool; otherwise only owner's page-table mapping
// is cleared.
func (ft *FrameTable) FreeUserFrame(tok *reent.Token, kva Kva, owner Owner) {
	held := ft.mu.Acquire(tok)
	defer ft.mu.Release(held)

	idx := idxOf(kva)
	s := &ft.slots[idx]
	host, ok := s.owners[owner]
	if !ok {
		errs.KernelInvariantViolation("free_user_frame: owner not registered")
	}
	delete(s.owners, owner)
	host.Detach(owner.Upage)

	if len(s.owners) == 0 {
		ft.share.Remove(s.shareKey)
		s.shareKey = nil
		ft.retireLocked(idx)
	}
}

// AttachOwner adds a second-or-later reader of kva, used by the
// sharing path when a fault resolves to an already-resident shared
// frame.
func (ft *FrameTable) AttachOwner(tok *reent.Token, kva Kva, owner Owner, host Host) {
	held := ft.mu.Acquire(tok)
	defer ft.mu.Release(held)

	s := &ft.slots[idxOf(kva)]
	if s.owners == nil {
		errs.KernelInvariantViolation("attach_owner: frame not allocated")
	}
	s.owners[owner] = host
}

// DetachOwner removes owner from kva's owner set without calling the
// owner's Host.Detach (the caller clears its own page-table mapping);
// it is used by process exit and unmap, which detach from every frame
// they own one at a time. When the last owner leaves, the sharing
// registration (if any) is removed and the frame returns to the pool.
// It returns the number of owners remaining.
func (ft *FrameTable) DetachOwner(tok *reent.Token, kva Kva, owner Owner) int {
	held := ft.mu.Acquire(tok)
	defer ft.mu.Release(held)

	idx := idxOf(kva)
	s := &ft.slots[idx]
	delete(s.owners, owner)
	if len(s.owners) == 0 {
		ft.share.Remove(s.shareKey)
		s.shareKey = nil
		ft.retireLocked(idx)
	}
	return len(s.owners)
}

// MarkShared records that kva is registered in the sharing registry
// under handle, called right after a fresh file-backed read-only load
// is inserted into the registry.
func (ft *FrameTable) MarkShared(tok *reent.Token, kva Kva, handle *sharing.Handle) {
	held := ft.mu.Acquire(tok)
	defer ft.mu.Release(held)
	ft.slots[idxOf(kva)].shareKey = handle
}

// OwnerCount reports how many owners kva currently has, for tests
// asserting invariant 1 and scenario A.
func (ft *FrameTable) OwnerCount(kva Kva) int {
	held := ft.mu.Acquire(nil)
	defer ft.mu.Release(held)
	return len(ft.slots[idxOf(kva)].owners)
}

// FreeCount reports the number of unallocated frames.
func (ft *FrameTable) FreeCount() int {
	held := ft.mu.Acquire(nil)
	defer ft.mu.Release(held)
	return ft.freeCount
}

func (ft *FrameTable) popFree() (int, bool) {
	if ft.freeHead == -1 {
		return 0, false
	}
	idx := int(ft.freeHead)
	ft.freeHead = ft.slots[idx].nexti
	ft.freeCount--
	return idx, true
}

func (ft *FrameTable) pushFree(idx int) {
	ft.slots[idx].nexti = ft.freeHead
	ft.freeHead = int32(idx)
	ft.freeCount++
}

// retireLocked removes idx from the FIFO list, advancing the cursor
// first if it currently points at idx's element (spec §9's "advance
// before removal"), then returns the frame to the free pool.
func (ft *FrameTable) retireLocked(idx int) {
	s := &ft.slots[idx]
	if s.elem != nil {
		if ft.cursor == s.elem {
			ft.advanceCursorLocked()
		}
		ft.fifo.Remove(s.elem)
		s.elem = nil
	}
	s.owners = nil
	ft.pushFree(idx)
}

func (ft *FrameTable) advanceCursorLocked() {
	if ft.cursor == nil {
		ft.cursor = ft.fifo.Front()
		return
	}
	ft.cursor = ft.cursor.Next()
	if ft.cursor == nil {
		ft.cursor = ft.fifo.Front()
	}
}

// evictLocked runs second-chance eviction (spec §4.2): walk the FIFO
// list from the persistent cursor, clearing and retrying any frame
// whose owners were accessed since the last visit, until one is found
// clean; the proof that this takes at most two full passes is the
// standard second-chance argument and is not separately enforced here.
// Caller must already hold frame_lock. tok identifies the caller's
// call chain: if the victim picked belongs to the same address space
// whose fault triggered this eviction (self-eviction, likely whenever
// a process's working set exceeds the pool), the victim's spt_lock is
// already held by that outer caller under tok, so it must be threaded
// through rather than re-acquired fresh.
func (ft *FrameTable) evictLocked(tok *reent.Token) (int, errs.Err_t) {
	if ft.fifo.Len() == 0 {
		return 0, errs.EOOM
	}
	for {
		if ft.cursor == nil {
			ft.cursor = ft.fifo.Front()
		}
		idx := ft.cursor.Value.(int)
		s := &ft.slots[idx]

		accessed := false
		for o, h := range s.owners {
			if h.TestAndClearAccessed(o.Upage) {
				accessed = true
			}
		}
		if accessed {
			ft.advanceCursorLocked()
			continue
		}

		if err := ft.evictVictimLocked(tok, idx); err != errs.OK {
			return 0, err
		}
		return idx, errs.OK
	}
}

// evictVictimLocked detaches or swaps out the frame at idx per the
// four categories of spec §4.2, leaving it free for immediate reuse by
// the caller of GetUserFrame.
func (ft *FrameTable) evictVictimLocked(tok *reent.Token, idx int) errs.Err_t {
	s := &ft.slots[idx]

	if s.shareKey != nil {
		// Read-only & shared: detach every owner, drop the sharing
		// entry; never swapped (spec invariant 3).
		for o, h := range s.owners {
			h.Detach(o.Upage)
		}
		ft.share.Remove(s.shareKey)
		ft.finishEvictLocked(idx)
		return errs.OK
	}

	if len(s.owners) != 1 {
		errs.KernelInvariantViolation("evict: unshared frame without exactly one owner")
	}
	var owner Owner
	var host Host
	for o, h := range s.owners {
		owner, host = o, h
	}

	if !host.IsWritable(owner.Upage) {
		// Read-only & unshared file-backed, or zero-fill.
		host.Detach(owner.Upage)
		ft.finishEvictLocked(idx)
		return errs.OK
	}

	if !host.IsDirty(owner.Upage) {
		// Writable & clean: caller reloads from backing file on re-fault.
		host.Detach(owner.Upage)
		ft.finishEvictLocked(idx)
		return errs.OK
	}

	// Writable & dirty: swap out, then detach.
	page := ft.Bytes(kvaOf(idx))
	slot, err := ft.swap.SwapOut(page)
	if err != errs.OK {
		return errs.EOOM
	}
	host.NotifySwapOut(tok, owner.Upage, slot)
	host.Detach(owner.Upage)
	ft.finishEvictLocked(idx)
	return errs.OK
}

func (ft *FrameTable) finishEvictLocked(idx int) {
	s := &ft.slots[idx]
	if ft.cursor == s.elem {
		ft.advanceCursorLocked()
	}
	ft.fifo.Remove(s.elem)
	s.elem = nil
	s.owners = nil
	s.shareKey = nil
}

// DumpProfile renders the current frame table as a pprof heap-style
// profile, one sample per resident frame whose value is the frame's
// owner count and whose label is its share state, so an operator can inspect frame pressure with
// `go tool pprof` the same way the teacher's kernel build already pulls
// in google/pprof for the compiled kernel image. Diagnostics only; not
// on any fault or eviction path.
func (ft *FrameTable) DumpProfile() *profile.Profile {
	held := ft.mu.Acquire(nil)
	defer ft.mu.Release(held)

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "frames", Unit: "count"}},
		TimeNanos:  time.Now().UnixNano(),
	}
	for idx := range ft.slots {
		s := &ft.slots[idx]
		if s.owners == nil {
			continue
		}
		shared := "unshared"
		if s.shareKey != nil {
			shared = "shared"
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{int64(len(s.owners))},
			Label: map[string][]string{
				"share_state": {shared},
			},
		})
	}
	return p
}
