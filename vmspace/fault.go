package vmspace

import (
	"vmcore/internal/elfload"
	"vmcore/internal/errs"
	"vmcore/internal/mmapt"
	"vmcore/internal/physmem"
	"vmcore/internal/pginfo"
	"vmcore/internal/reent"
	"vmcore/internal/spt"
)

// / LoadExecutable validates and seeds the SPT from the process's
// / executable's PT_LOAD segments, the spec §6 "Executable loading"
// / interface. Overlapping segment pages (two PT_LOAD entries covering
// / the same page, a later one more permissive) merge via spt.Update
// / rather than failing.
func (as *AddressSpace) LoadExecutable(tok *reent.Token) errs.Err_t {
	pages, err := elfload.LoadSegments(as.ExecFile)
	if err != errs.OK {
		return err
	}
	for _, p := range pages {
		entry := &spt.Entry{
			Upage:    p.Upage,
			Writable: p.Writable,
		}
		if p.IsZero {
			entry.Location = spt.ZERO
		} else {
			entry.Location = spt.FILE
			entry.FileOffset = p.FileOffset
			entry.ReadBytes = p.ReadBytes
		}
		if ierr := as.Spt.Insert(tok, entry); ierr == errs.EDUPKEY {
			as.Spt.Update(tok, p.Upage, p.Writable, p.FileOffset, p.ReadBytes)
		}
	}
	return errs.OK
}

// / Resolve is the page-fault resolver of spec §4.4: given the faulting
// / address, whether the access was a write, whether the CPU was in user
// / mode, and the user stack pointer at the time of the fault, it either
// / installs a mapping and returns OK or reports the fault is
// / unrecoverable (the caller kills the process).
func (as *AddressSpace) Resolve(tok *reent.Token, addr uintptr, isWrite, isUser bool, esp uintptr) errs.Err_t {
	if !isUser {
		return errs.EKSYSCALL
	}
	if addr == 0 || addr >= pginfo.PHYS_BASE {
		return errs.EFAULT
	}
	// Resolve is a top-level entry point: it mints its own token when
	// the caller didn't supply one, so that if filling this fault
	// evicts a frame belonging to this same address space (the
	// victim's spt_lock is the very one held a few lines down), the
	// eviction path's re-acquire of that lock is recognized as a
	// reentrant no-op instead of deadlocking against itself.
	if tok == nil {
		tok = reent.NewToken()
	}
	upage := pginfo.Rounddown(addr)

	// The pagedir lock is taken only for the brief map lookups/mutations
	// below, never held across a frame-table or SPT call, so that it
	// nests inside frame_lock the way eviction's Host callbacks expect
	// (frame_lock -> pagedir) instead of the reverse.
	if _, writable, ok := as.pagedirLookup(upage); ok {
		if isWrite && !writable {
			return errs.EROFAULT
		}
		return errs.OK
	}

	heldSPT := as.Spt.Lock(tok)
	entry := as.Spt.Find(tok, upage)
	if entry != nil {
		if isWrite && !entry.Writable {
			as.Spt.Unlock(heldSPT)
			return errs.EROFAULT
		}
		e := *entry
		err := as.loadPage(tok, upage, &e)
		as.Spt.Unlock(heldSPT)
		return err
	}
	as.Spt.Unlock(heldSPT)

	if fileOffset, file, ok := as.Mmap.Lookup(tok, upage); ok {
		return as.loadMmapPage(tok, upage, fileOffset, file)
	}

	if isStackGrowth(addr, esp) {
		return as.growStack(tok, upage)
	}

	return errs.EFAULT
}

func (as *AddressSpace) pagedirLookup(u pginfo.Upage) (physmem.Kva, bool, bool) {
	held := as.mu.Acquire(nil)
	defer as.mu.Release(held)
	p, ok := as.pagedir[u]
	if !ok {
		return 0, false, false
	}
	return p.kva, p.writable, true
}

func (as *AddressSpace) loadPage(tok *reent.Token, upage pginfo.Upage, entry *spt.Entry) errs.Err_t {
	switch entry.Location {
	case spt.FILE:
		return as.loadFilePage(tok, upage, entry)
	case spt.ZERO, spt.STACK:
		return as.loadZeroPage(tok, upage, entry)
	case spt.SWAP:
		return as.loadSwapPage(tok, upage, entry)
	default:
		return errs.EINVAL
	}
}

// / loadFilePage implements spec §4.4.1: a read-only FILE page first
// / consults the sharing registry so that every process mapping the
// / same executable at the same page lands on one physical frame
// / (invariant 1); a writable FILE page (a merged .data-style segment or
// / a COW candidate this subsystem does not distinguish further) always
// / gets a private frame.
func (as *AddressSpace) loadFilePage(tok *reent.Token, upage pginfo.Upage, entry *spt.Entry) errs.Err_t {
	owner := as.owner(upage)

	if !entry.Writable {
		pageIndex := entry.FileOffset / pginfo.PGSIZE
		if kva, ok := as.Share.Lookup(as.ExecName, pageIndex); ok {
			as.Frames.AttachOwner(tok, physmem.Kva(kva), owner, as)
			as.install(upage, physmem.Kva(kva), false)
			return errs.OK
		}
		kva, err := as.Frames.GetUserFrame(tok, owner, as, false)
		if err != errs.OK {
			return err
		}
		if rerr := as.readFileInto(kva, entry); rerr != errs.OK {
			return rerr
		}
		// spt_lock is per-process, so it does not serialize two
		// different processes faulting the same (file, page-index)
		// concurrently: both can miss the Lookup above before either
		// registers. GetOrInsert makes the check-then-insert atomic
		// under share_lock instead of racing a separate Lookup/Insert
		// pair, which would panic on the loser's duplicate Insert.
		winKva, handle, inserted := as.Share.GetOrInsert(as.ExecName, pageIndex, uintptr(kva))
		if !inserted {
			as.Frames.FreeUserFrame(tok, kva, owner)
			as.Frames.AttachOwner(tok, physmem.Kva(winKva), owner, as)
			as.install(upage, physmem.Kva(winKva), false)
			return errs.OK
		}
		as.Frames.MarkShared(tok, kva, handle)
		as.install(upage, kva, false)
		return errs.OK
	}

	kva, err := as.Frames.GetUserFrame(tok, owner, as, false)
	if err != errs.OK {
		return err
	}
	if rerr := as.readFileInto(kva, entry); rerr != errs.OK {
		return rerr
	}
	as.install(upage, kva, true)
	return errs.OK
}

func (as *AddressSpace) readFileInto(kva physmem.Kva, entry *spt.Entry) errs.Err_t {
	buf := as.Frames.Bytes(kva)
	for i := range buf {
		buf[i] = 0
	}
	if entry.ReadBytes <= 0 {
		return errs.OK
	}
	n, err := as.ExecFile.ReadAt(buf[:entry.ReadBytes], int64(entry.FileOffset))
	if n < entry.ReadBytes && err != nil {
		return errs.EFAULT
	}
	return errs.OK
}

func (as *AddressSpace) loadZeroPage(tok *reent.Token, upage pginfo.Upage, entry *spt.Entry) errs.Err_t {
	owner := as.owner(upage)
	kva, err := as.Frames.GetUserFrame(tok, owner, as, true)
	if err != errs.OK {
		return err
	}
	as.install(upage, kva, entry.Writable)
	return errs.OK
}

func (as *AddressSpace) loadSwapPage(tok *reent.Token, upage pginfo.Upage, entry *spt.Entry) errs.Err_t {
	owner := as.owner(upage)
	kva, err := as.Frames.GetUserFrame(tok, owner, as, false)
	if err != errs.OK {
		return err
	}
	buf := as.Frames.Bytes(kva)
	if rerr := as.Swap.SwapIn(entry.SwapSlot, buf); rerr != errs.OK {
		return rerr
	}
	as.Spt.SetLocation(tok, upage, entry.LocationPrev, 0)
	// Mark dirty per spec §4.4 step 4, so the page is not re-shared as
	// clean: a clean-writable frame is evicted by plain detachment,
	// which would silently discard this just-restored data if the page
	// were picked as a victim again before being written.
	as.installDirty(upage, kva, entry.Writable, true)
	return errs.OK
}

func (as *AddressSpace) loadMmapPage(tok *reent.Token, upage pginfo.Upage, fileOffset int64, file mmapt.MappableFile) errs.Err_t {
	owner := as.owner(upage)
	kva, err := as.Frames.GetUserFrame(tok, owner, as, true)
	if err != errs.OK {
		return err
	}
	buf := as.Frames.Bytes(kva)
	file.ReadAt(buf, fileOffset)
	as.install(upage, kva, true)
	return errs.OK
}

// / isStackGrowth implements spec §4.4 step 6: addr falls within
// / STACK_MAX_SIZE of PHYS_BASE and is either above esp or one of the
// / two bytes below it a PUSH/PUSHA instruction can touch before
// / decrementing esp (esp-4 for PUSH, esp-32 for PUSHA).
func isStackGrowth(addr, esp uintptr) bool {
	if addr >= pginfo.PHYS_BASE {
		return false
	}
	if addr < pginfo.PHYS_BASE-pginfo.STACK_MAX_SIZE {
		return false
	}
	if addr >= esp {
		return true
	}
	return addr == esp-4 || addr == esp-32
}

func (as *AddressSpace) growStack(tok *reent.Token, upage pginfo.Upage) errs.Err_t {
	entry := &spt.Entry{Upage: upage, Location: spt.STACK, Writable: true}
	if err := as.Spt.Insert(tok, entry); err != errs.OK {
		return err
	}
	owner := as.owner(upage)
	kva, err := as.Frames.GetUserFrame(tok, owner, as, true)
	if err != errs.OK {
		return err
	}
	as.install(upage, kva, true)
	return errs.OK
}

// / MapFile installs a new mmap mapping at addr, rejecting any overlap
// / with an existing mapping or SPT entry (spec §4.5).
func (as *AddressSpace) MapFile(tok *reent.Token, addr uintptr, nbytes int, file mmapt.MappableFile) (mmapt.MappingID, errs.Err_t) {
	return as.Mmap.Map(tok, addr, nbytes, file, func(u pginfo.Upage) bool {
		return as.Spt.Contains(tok, u)
	})
}

// / Munmap tears down mapping id, writing back any page whose hardware
// / dirty bit is set (spec §4.5).
func (as *AddressSpace) Munmap(tok *reent.Token, id mmapt.MappingID) errs.Err_t {
	return as.Mmap.UnmapAndWriteBack(tok, id,
		func(u pginfo.Upage) bool { return as.IsDirty(u) },
		func(u pginfo.Upage) []byte {
			kva, _, _ := as.Present(tok, u)
			return as.Frames.Bytes(kva)
		},
		func(u pginfo.Upage) {
			// The frame detach must happen before (or atomically with)
			// dropping the pagedir entry the owner key is derived from,
			// otherwise the frame's owner set never empties and it is
			// never returned to the pool (§3 invariant 1).
			kva, _, ok := as.Present(tok, u)
			held := as.mu.Acquire(tok)
			delete(as.pagedir, u)
			as.mu.Release(held)
			if ok {
				as.Frames.DetachOwner(tok, kva, as.owner(u))
			}
		},
	)
}
