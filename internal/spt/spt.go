// Package spt implements the per-process supplemental page table of
// spec §4.1: the single authoritative description of where a
// non-resident (or resident) user page's data lives. It plays the
// role vm.Vmregion_t plays inside Vm_t in the teacher, specialized to
// the spec's explicit {FILE, ZERO, SWAP, STACK} location model instead
// of the teacher's permission-and-file-backed Vminfo_t.
package spt

import (
	"vmcore/internal/errs"
	"vmcore/internal/pginfo"
	"vmcore/internal/reent"
	"vmcore/internal/swapstore"
)

// Location is where a non-resident page's data lives, or where it
// came from most recently for a resident one.
type Location int

const (
	// FILE entries are backed by a region of the process's executable.
	FILE Location = iota
	// ZERO entries are demand-zero anonymous pages.
	ZERO
	// SWAP entries were evicted to the swap store.
	SWAP
	// STACK entries are demand-grown user stack pages.
	STACK
)

func (l Location) String() string {
	switch l {
	case FILE:
		return "FILE"
	case ZERO:
		return "ZERO"
	case SWAP:
		return "SWAP"
	case STACK:
		return "STACK"
	default:
		return "?"
	}
}

// Entry is one SPT record, keyed by Upage in the owning Table.
type Entry struct {
	Upage pginfo.Upage

	Location     Location
	LocationPrev Location // location before swap-out, for restore on swap-in

	Writable bool

	FileOffset int // FILE only
	ReadBytes  int // FILE only; remaining bytes of the page are zero-filled

	SwapSlot int // SWAP only
}

// Table is one process's supplemental page table.
type Table struct {
	mu reent.Mutex

	entries map[pginfo.Upage]*Entry
	swap    *swapstore.Store
}

// NewTable constructs an empty SPT backed by swap (used by Destroy to
// reclaim any swap slots still held at process exit).
func NewTable(swap *swapstore.Store) *Table {
	return &Table{
		entries: make(map[pginfo.Upage]*Entry),
		swap:    swap,
	}
}

// Lock acquires spt_lock for tok, returning whether it was already
// held.
func (t *Table) Lock(tok *reent.Token) bool { return t.mu.Acquire(tok) }

// Unlock releases spt_lock, a no-op if Lock reported wasHeld.
func (t *Table) Unlock(wasHeld bool) { t.mu.Release(wasHeld) }

// Insert adds entry, keyed by entry.Upage, failing with EDUPKEY if the
// key is already present; the caller must then Update or reject, per
// spec §4.1.
func (t *Table) Insert(tok *reent.Token, entry *Entry) errs.Err_t {
	held := t.mu.Acquire(tok)
	defer t.mu.Release(held)

	if _, ok := t.entries[entry.Upage]; ok {
		return errs.EDUPKEY
	}
	cp := *entry
	t.entries[entry.Upage] = &cp
	return errs.OK
}

// Find returns the entry for upage, or nil if absent.
func (t *Table) Find(tok *reent.Token, upage pginfo.Upage) *Entry {
	held := t.mu.Acquire(tok)
	defer t.mu.Release(held)
	return t.entries[upage]
}

// Contains reports whether upage has an SPT entry.
func (t *Table) Contains(tok *reent.Token, upage pginfo.Upage) bool {
	held := t.mu.Acquire(tok)
	defer t.mu.Release(held)
	_, ok := t.entries[upage]
	return ok
}

// Update merges writable/fileOffset/readBytes into an existing entry,
// as the segment loader does when a later ELF segment overlaps a page
// an earlier one already claimed. Per spec §9's resolved Open
// Question, the writable bit takes the more permissive (logical OR) of
// the two; the FILE backing description is replaced only when the
// existing entry isn't FILE-backed or the new one reads more bytes of
// the file.
func (t *Table) Update(tok *reent.Token, upage pginfo.Upage, writable bool, fileOffset, readBytes int) errs.Err_t {
	held := t.mu.Acquire(tok)
	defer t.mu.Release(held)

	e, ok := t.entries[upage]
	if !ok {
		return errs.ENOMAP
	}
	e.Writable = e.Writable || writable
	if e.Location != FILE || readBytes > e.ReadBytes {
		e.Location = FILE
		e.FileOffset = fileOffset
		e.ReadBytes = readBytes
	}
	return errs.OK
}

// SetLocation transitions upage's location (used by the fault resolver
// on swap-in and by eviction on swap-out); it records LocationPrev
// automatically when moving into SWAP.
func (t *Table) SetLocation(tok *reent.Token, upage pginfo.Upage, loc Location, swapSlot int) errs.Err_t {
	held := t.mu.Acquire(tok)
	defer t.mu.Release(held)

	e, ok := t.entries[upage]
	if !ok {
		return errs.ENOMAP
	}
	if loc == SWAP {
		e.LocationPrev = e.Location
	} else if e.Location == SWAP {
		// restoring from swap: caller already resolved what to
		// restore to via loc.
	}
	e.Location = loc
	e.SwapSlot = swapSlot
	return errs.OK
}

// Remove deletes upage's entry outright, dropping any held swap slot.
func (t *Table) Remove(tok *reent.Token, upage pginfo.Upage) {
	held := t.mu.Acquire(tok)
	defer t.mu.Release(held)

	e, ok := t.entries[upage]
	if !ok {
		return
	}
	if e.Location == SWAP {
		t.swap.Drop(e.SwapSlot)
	}
	delete(t.entries, upage)
}

// Destroy releases every entry, reclaiming any swap slot still held by
// an entry in the SWAP state, per process exit (spec §4.1, §5
// "Cancellation").
func (t *Table) Destroy(tok *reent.Token) {
	held := t.mu.Acquire(tok)
	defer t.mu.Release(held)

	for upage, e := range t.entries {
		if e.Location == SWAP {
			t.swap.Drop(e.SwapSlot)
		}
		delete(t.entries, upage)
	}
}

// Len reports the number of live entries, for tests.
func (t *Table) Len(tok *reent.Token) int {
	held := t.mu.Acquire(tok)
	defer t.mu.Release(held)
	return len(t.entries)
}
