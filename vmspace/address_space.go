// Package vmspace is the per-process address space facade: the
// equivalent of vm.Vm_t in the teacher, binding one process's
// supplemental page table, mmap table, and simulated page directory
// together and exposing the physmem.Host callbacks the frame manager
// needs during eviction. Lock_pmap/Unlock_pmap's role (as.go) is
// played here by the embedded reentrant mutex guarding the simulated
// page directory.
package vmspace

import (
	"sync/atomic"

	"vmcore/internal/errs"
	"vmcore/internal/mmapt"
	"vmcore/internal/physmem"
	"vmcore/internal/pginfo"
	"vmcore/internal/reent"
	"vmcore/internal/sharing"
	"vmcore/internal/spt"
	"vmcore/internal/swapstore"
)

var nextProcID uint64

// / NewProcID allocates a fresh, process-unique owner identity.
func NewProcID() physmem.ProcID {
	return physmem.ProcID(atomic.AddUint64(&nextProcID, 1))
}

// / pte is one entry of the simulated page directory: present mappings
// / only, matching the real MMU's "absent means page fault" contract.
type pte struct {
	kva      physmem.Kva
	writable bool
	accessed bool
	dirty    bool
}

// / AddressSpace is one process's view of virtual memory: SPT, mmap
// / table, and simulated page directory, plus the shared subsystem
// / handles (frame manager, sharing registry, swap store) it was
// / constructed with. Per spec §9, these are explicitly passed handles,
// / never package-level globals.
type AddressSpace struct {
	ID physmem.ProcID

	mu      reent.Mutex // pagedir lock; the part of spt_lock as.go calls Lock_pmap
	pagedir map[pginfo.Upage]*pte

	Spt  *spt.Table
	Mmap *mmapt.Table

	Frames *physmem.FrameTable
	Share  *sharing.Registry
	Swap   *swapstore.Store

	// ExecFile and ExecName back FILE-location SPT entries created by
	// LoadExecutable; ExecName is also the sharing-registry file
	// identity key.
	ExecFile ExecutableFile
	ExecName string
}

// / ExecutableFile is the process's backing executable, read under
// / file_lock in the real kernel; here a plain ReadAt is enough since
// / there is no separate filesystem module in scope.
type ExecutableFile interface {
	ReadAt(buf []byte, off int64) (int, error)
}

// / New constructs an address space sharing the given global frame
// / manager, sharing registry and swap store.
func New(frames *physmem.FrameTable, share *sharing.Registry, swap *swapstore.Store, exe ExecutableFile, execName string) *AddressSpace {
	return &AddressSpace{
		ID:       NewProcID(),
		pagedir:  make(map[pginfo.Upage]*pte),
		Spt:      spt.NewTable(swap),
		Mmap:     mmapt.NewTable(),
		Frames:   frames,
		Share:    share,
		Swap:     swap,
		ExecFile: exe,
		ExecName: execName,
	}
}

// / Lock acquires this address space's pagedir lock (the teacher's
// / Lock_pmap) for tok.
func (as *AddressSpace) Lock(tok *reent.Token) bool { return as.mu.Acquire(tok) }

// / Unlock releases the pagedir lock (Unlock_pmap).
func (as *AddressSpace) Unlock(wasHeld bool) { as.mu.Release(wasHeld) }

func (as *AddressSpace) owner(u pginfo.Upage) physmem.Owner {
	return physmem.Owner{Proc: as.ID, Upage: u}
}

// / ProcID reports this address space's owner identity, for keying the
// / fault coalescer in package fault.
func (as *AddressSpace) ProcID() uint64 { return uint64(as.ID) }

// --- physmem.Host ---

// / TestAndClearAccessed implements physmem.Host.
func (as *AddressSpace) TestAndClearAccessed(u pginfo.Upage) bool {
	held := as.mu.Acquire(nil)
	defer as.mu.Release(held)
	p, ok := as.pagedir[u]
	if !ok {
		return false
	}
	a := p.accessed
	p.accessed = false
	return a
}

// / IsWritable implements physmem.Host.
func (as *AddressSpace) IsWritable(u pginfo.Upage) bool {
	held := as.mu.Acquire(nil)
	defer as.mu.Release(held)
	p, ok := as.pagedir[u]
	return ok && p.writable
}

// / IsDirty implements physmem.Host.
func (as *AddressSpace) IsDirty(u pginfo.Upage) bool {
	held := as.mu.Acquire(nil)
	defer as.mu.Release(held)
	p, ok := as.pagedir[u]
	return ok && p.dirty
}

// / Detach implements physmem.Host: clears this address space's mapping
// / for u only, leaving any other owner's mapping untouched.
func (as *AddressSpace) Detach(u pginfo.Upage) {
	held := as.mu.Acquire(nil)
	defer as.mu.Release(held)
	delete(as.pagedir, u)
}

// / NotifySwapOut implements physmem.Host: records the SPT transition to
// / SWAP, mirroring "location_prev = location, location = SWAP,
// / swap_slot = slot" from spec §4.2. tok is the evicting caller's own
// / token; forwarding it (rather than acquiring fresh) lets this reenter
// / as.Spt's lock when eviction is evicting one of this same address
// / space's other pages out from under a fault this call chain is still
// / resolving.
func (as *AddressSpace) NotifySwapOut(tok *reent.Token, u pginfo.Upage, slot int) {
	as.Spt.SetLocation(tok, u, spt.SWAP, slot)
}

// --- page directory management ---

// / install records a present mapping for u, taking the pagedir lock for
// / just this mutation — never while a frame-table or SPT call is
// / outstanding, so it always nests inside frame_lock rather than the
// / reverse.
func (as *AddressSpace) install(u pginfo.Upage, kva physmem.Kva, writable bool) {
	as.installDirty(u, kva, writable, false)
}

// / installDirty is install plus an explicit initial dirty bit, used by
// / swap-in (spec §4.4 step 4: "mark dirty so the page is not re-shared
// / as clean" — without this a twice-evicted page takes the writable &
// / clean eviction path next time and its swapped-in content is
// / silently discarded instead of swapped out again).
func (as *AddressSpace) installDirty(u pginfo.Upage, kva physmem.Kva, writable, dirty bool) {
	held := as.mu.Acquire(nil)
	defer as.mu.Release(held)
	as.pagedir[u] = &pte{kva: kva, writable: writable, accessed: true, dirty: dirty}
}

// / Present reports whether u has a resident mapping and, if so, its
// / frame and permission.
func (as *AddressSpace) Present(tok *reent.Token, u pginfo.Upage) (physmem.Kva, bool, bool) {
	held := as.mu.Acquire(tok)
	defer as.mu.Release(held)
	p, ok := as.pagedir[u]
	if !ok {
		return 0, false, false
	}
	return p.kva, p.writable, true
}

// / Touch simulates a hardware memory access to u: it sets the access
// / bit, and the dirty bit too if isWrite. Used by tests standing in for
// / real CPU accesses, and by UserBuf after each page it copies.
func (as *AddressSpace) Touch(tok *reent.Token, u pginfo.Upage, isWrite bool) errs.Err_t {
	held := as.mu.Acquire(tok)
	defer as.mu.Release(held)
	p, ok := as.pagedir[u]
	if !ok {
		return errs.EFAULT
	}
	p.accessed = true
	if isWrite {
		if !p.writable {
			return errs.EROFAULT
		}
		p.dirty = true
	}
	return errs.OK
}

// / FreeAll detaches this address space from every frame it owns,
// / destroys its SPT (reclaiming swap slots), and writes back and frees
// / every open mmap, per spec §5 "Cancellation" / process exit.
// /
// / Mmap pages are torn down first so their frames are detached by
// / ExitCleanup's own clear callback; the generic pagedir sweep below
// / only ever sees what mmap cleanup left behind (the SPT-backed
// / pages), so neither path fights the other over the same upage.
func (as *AddressSpace) FreeAll(tok *reent.Token) {
	as.Mmap.ExitCleanup(nil,
		func(u pginfo.Upage) bool {
			_, _, dirty := as.presentDirty(u)
			return dirty
		},
		func(u pginfo.Upage) []byte {
			kva, _, _ := as.Present(nil, u)
			return as.Frames.Bytes(kva)
		},
		func(u pginfo.Upage) {
			kva, _, ok := as.Present(nil, u)
			held := as.mu.Acquire(nil)
			delete(as.pagedir, u)
			as.mu.Release(held)
			if ok {
				as.Frames.DetachOwner(nil, kva, as.owner(u))
			}
		},
	)

	held := as.mu.Acquire(tok)
	var pages []pginfo.Upage
	for u := range as.pagedir {
		pages = append(pages, u)
	}
	as.mu.Release(held)

	for _, u := range pages {
		held := as.mu.Acquire(tok)
		p, ok := as.pagedir[u]
		as.mu.Release(held)
		if !ok {
			continue
		}
		as.Frames.DetachOwner(nil, p.kva, as.owner(u))
		held = as.mu.Acquire(tok)
		delete(as.pagedir, u)
		as.mu.Release(held)
	}

	as.Spt.Destroy(tok)
}

func (as *AddressSpace) presentDirty(u pginfo.Upage) (physmem.Kva, bool, bool) {
	held := as.mu.Acquire(nil)
	defer as.mu.Release(held)
	p, ok := as.pagedir[u]
	if !ok {
		return 0, false, false
	}
	return p.kva, p.writable, p.dirty
}
