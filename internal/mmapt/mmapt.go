// Package mmapt implements the per-process mmap manager of spec §4.5:
// a page_mmap_table keyed by virtual address and a file_mmap_table
// keyed by mapping id, with write-back of hardware-dirty pages on
// unmap or process exit. Grounded on vm.Vm_t's Vmadd_file/_mkvmi in
// as.go for the "reopen the file, describe a page range" shape, and on
// fs/blk.go's Disk_i for treating the backing file as an external
// collaborator reached only through a narrow interface.
package mmapt

import (
	"vmcore/internal/errs"
	"vmcore/internal/pginfo"
	"vmcore/internal/reent"
)

// MappableFile is the external file collaborator (§1 excludes the
// filesystem itself from the core). A mapping reopens the file so its
// lifetime is decoupled from the file descriptor that created the
// mapping, per spec §4.5.
type MappableFile interface {
	// ReadAt reads len(buf) bytes starting at off, short reads at EOF
	// are zero-filled by the caller.
	ReadAt(buf []byte, off int64) (int, error)
	// WriteAt writes buf at off, used only by dirty-page write-back.
	WriteAt(buf []byte, off int64) (int, error)
	// Close releases the reopened handle.
	Close() error
	// Size reports the file's length in bytes.
	Size() int64
}

// MappingID is the process-local, monotonically increasing identifier
// returned to the mmap syscall.
type MappingID uint64

type pageEntry struct {
	upage      pginfo.Upage
	fileOffset int64
	mapping    *fileMapping
}

type fileMapping struct {
	id    MappingID
	file  MappableFile
	pages []*pageEntry
}

// Table is one process's pair of mmap tables (page_mmap_table and
// file_mmap_table collapsed into one structure, since every page entry
// already carries its owning mapping).
type Table struct {
	mu reent.Mutex

	nextID  MappingID
	byPage  map[pginfo.Upage]*pageEntry
	byMapID map[MappingID]*fileMapping
}

// NewTable constructs an empty per-process mmap table.
func NewTable() *Table {
	return &Table{
		byPage:  make(map[pginfo.Upage]*pageEntry),
		byMapID: make(map[MappingID]*fileMapping),
	}
}

// SptProbe lets Table check for overlap against the process's SPT
// without importing package spt (which would create a cycle back
// through vmspace); the caller supplies a predicate instead.
type SptProbe func(upage pginfo.Upage) bool

// Map creates nbytes worth of page_mmap_entry covering [addr, addr+n)
// backed by file starting at file offset 0, failing with EDUPMAP if
// the range overlaps any existing mmap page or any page the SPT
// predicate reports as occupied, or EINVAL if addr is unaligned or
// zero, matching spec §4.5 and the mmap syscall contract of §6.
func (t *Table) Map(tok *reent.Token, addr uintptr, nbytes int, file MappableFile, sptOccupied SptProbe) (MappingID, errs.Err_t) {
	held := t.mu.Acquire(tok)
	defer t.mu.Release(held)

	if addr == 0 || !pginfo.Aligned(addr) || nbytes <= 0 {
		return 0, errs.EINVAL
	}
	npages := pginfo.Roundup(nbytes) / pginfo.PGSIZE
	pages := make([]pginfo.Upage, npages)
	for i := 0; i < npages; i++ {
		u := pginfo.Upage(addr) + pginfo.Upage(i*pginfo.PGSIZE)
		if _, exists := t.byPage[u]; exists {
			return 0, errs.EDUPMAP
		}
		if sptOccupied != nil && sptOccupied(u) {
			return 0, errs.EDUPMAP
		}
		pages[i] = u
	}

	t.nextID++
	id := t.nextID
	fm := &fileMapping{id: id, file: file}
	for i, u := range pages {
		pe := &pageEntry{upage: u, fileOffset: int64(i * pginfo.PGSIZE), mapping: fm}
		fm.pages = append(fm.pages, pe)
		t.byPage[u] = pe
	}
	t.byMapID[id] = fm
	return id, errs.OK
}

// Lookup returns the page_mmap_entry covering upage, if any, used by
// the fault resolver's "consult mmap table" step (spec §4.4 step 5).
func (t *Table) Lookup(tok *reent.Token, upage pginfo.Upage) (fileOffset int64, file MappableFile, ok bool) {
	held := t.mu.Acquire(tok)
	defer t.mu.Release(held)

	pe, exists := t.byPage[upage]
	if !exists {
		return 0, nil, false
	}
	return pe.fileOffset, pe.mapping.file, true
}

// DirtyChecker is queried per mapped page during unmap/exit to decide
// whether it needs writing back; it is the hardware dirty bit per
// spec §9's resolved Open Question (the "written" flag variant is not
// used).
type DirtyChecker func(upage pginfo.Upage) bool

// PageBytes lets the caller (vmspace) supply the resident page content
// for write-back, since mmapt has no access to the frame table.
type PageBytes func(upage pginfo.Upage) []byte

// UnmapAndWriteBack is the full spec §4.5 teardown: for every page
// whose hardware dirty bit is set, write the full page back to the
// file at its recorded offset before discarding the mapping.
func (t *Table) UnmapAndWriteBack(tok *reent.Token, id MappingID, dirty DirtyChecker, bytesOf PageBytes, clear func(pginfo.Upage)) errs.Err_t {
	held := t.mu.Acquire(tok)
	defer t.mu.Release(held)

	fm, ok := t.byMapID[id]
	if !ok {
		return errs.ENOMAP
	}
	for _, pe := range fm.pages {
		if dirty != nil && dirty(pe.upage) {
			page := bytesOf(pe.upage)
			fm.file.WriteAt(page, pe.fileOffset)
		}
		delete(t.byPage, pe.upage)
		if clear != nil {
			clear(pe.upage)
		}
	}
	fm.file.Close()
	delete(t.byMapID, id)
	return errs.OK
}

// ExitCleanup writes back and releases every mapping still open at
// process exit, in the same manner as an explicit Unmap per mapping.
func (t *Table) ExitCleanup(tok *reent.Token, dirty DirtyChecker, bytesOf PageBytes, clear func(pginfo.Upage)) {
	held := t.mu.Acquire(tok)
	defer t.mu.Release(held)

	for id := range t.byMapID {
		fm := t.byMapID[id]
		for _, pe := range fm.pages {
			if dirty != nil && dirty(pe.upage) {
				page := bytesOf(pe.upage)
				fm.file.WriteAt(page, pe.fileOffset)
			}
			delete(t.byPage, pe.upage)
			if clear != nil {
				clear(pe.upage)
			}
		}
		fm.file.Close()
		delete(t.byMapID, id)
	}
}
