package vmspace

import (
	"encoding/binary"
	"testing"

	"vmcore/internal/errs"
	"vmcore/internal/physmem"
	"vmcore/internal/pginfo"
	"vmcore/internal/sharing"
	"vmcore/internal/spt"
	"vmcore/internal/swapstore"
)

// memExe is an in-memory ExecutableFile/elfload.ExecutableFile.
type memExe struct{ data []byte }

func (m *memExe) ReadAt(buf []byte, off int64) (int, error) {
	if int(off) >= len(m.data) {
		return 0, nil
	}
	n := copy(buf, m.data[off:])
	return n, nil
}

// buildELF32 mirrors the elfload package's own test helper: a minimal
// ELF32/EM_386/ET_EXEC image with one PT_LOAD segment.
func buildELF32(vaddr, off uint32, content []byte, memsz uint32, flags uint32) []byte {
	const ehsize = 52
	const phsize = 32
	buf := make([]byte, off+uint32(len(content)))
	copy(buf[0:], []byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)
	le.PutUint16(buf[18:], 3)
	le.PutUint32(buf[20:], 1)
	le.PutUint32(buf[24:], vaddr)
	le.PutUint32(buf[28:], ehsize)
	le.PutUint16(buf[40:], ehsize)
	le.PutUint16(buf[42:], phsize)
	le.PutUint16(buf[44:], 1)
	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1)
	le.PutUint32(ph[4:], off)
	le.PutUint32(ph[8:], vaddr)
	le.PutUint32(ph[12:], vaddr)
	le.PutUint32(ph[16:], uint32(len(content)))
	le.PutUint32(ph[20:], memsz)
	le.PutUint32(ph[24:], flags)
	le.PutUint32(ph[28:], uint32(pginfo.PGSIZE))
	copy(buf[off:], content)
	return buf
}

// memFile is an in-memory mmapt.MappableFile.
type memFile struct{ data []byte }

func (m *memFile) ReadAt(buf []byte, off int64) (int, error) {
	n := copy(buf, m.data[off:])
	return n, nil
}
func (m *memFile) WriteAt(buf []byte, off int64) (int, error) {
	n := copy(m.data[off:], buf)
	return n, nil
}
func (m *memFile) Close() error { return nil }
func (m *memFile) Size() int64  { return int64(len(m.data)) }

func newShared(npages int) (*physmem.FrameTable, *sharing.Registry, *swapstore.Store) {
	share := sharing.NewRegistry()
	swap := swapstore.NewStore(swapstore.NewMemDevice(npages+8), npages+8)
	frames := physmem.NewFrameTable(npages, share, swap)
	return frames, share, swap
}

// TestScenarioA_LazyLoadSharedText: two processes run the same binary;
// after both touch page 0 of its text segment, one physical frame
// serves both readers and the sharing registry has exactly one entry.
func TestScenarioA_LazyLoadSharedText(t *testing.T) {
	frames, share, swap := newShared(8)

	const vaddr = 0x1000
	const off = 0x1000
	content := make([]byte, 3*pginfo.PGSIZE)
	img := buildELF32(vaddr, off, content, uint32(3*pginfo.PGSIZE), 5) // PF_R|PF_X

	as1 := New(frames, share, swap, &memExe{data: img}, "hello")
	as2 := New(frames, share, swap, &memExe{data: img}, "hello")

	if err := as1.LoadExecutable(nil); err != errs.OK {
		t.Fatalf("as1 LoadExecutable: %v", err)
	}
	if err := as2.LoadExecutable(nil); err != errs.OK {
		t.Fatalf("as2 LoadExecutable: %v", err)
	}

	if err := as1.Resolve(nil, vaddr, false, true, 0); err != errs.OK {
		t.Fatalf("as1 Resolve: %v", err)
	}
	if err := as2.Resolve(nil, vaddr, false, true, 0); err != errs.OK {
		t.Fatalf("as2 Resolve: %v", err)
	}

	kva1, _, ok1 := as1.Present(nil, pginfo.Rounddown(vaddr))
	kva2, _, ok2 := as2.Present(nil, pginfo.Rounddown(vaddr))
	if !ok1 || !ok2 {
		t.Fatal("page 0 should be resident in both address spaces")
	}
	if kva1 != kva2 {
		t.Fatalf("kva1=%#x kva2=%#x, want equal (shared frame)", kva1, kva2)
	}
	if frames.OwnerCount(kva1) != 2 {
		t.Fatalf("OwnerCount = %d, want 2", frames.OwnerCount(kva1))
	}
	if share.Size() != 1 {
		t.Fatalf("Share.Size() = %d, want 1", share.Size())
	}
}

// TestScenarioB_StackGrowth: accessing esp-4 one page below an
// existing single-page stack grows the stack by one zero page.
func TestScenarioB_StackGrowth(t *testing.T) {
	frames, share, swap := newShared(8)
	as := New(frames, share, swap, nil, "")

	esp := pginfo.PHYS_BASE - uintptr(pginfo.PGSIZE)
	faultAddr := esp - 4

	if err := as.Resolve(nil, faultAddr, true, true, esp); err != errs.OK {
		t.Fatalf("Resolve: %v", err)
	}

	newUpage := pginfo.Rounddown(faultAddr)
	e := as.Spt.Find(nil, newUpage)
	if e == nil || e.Location != spt.STACK || !e.Writable {
		t.Fatalf("SPT entry after stack growth = %+v", e)
	}
	if _, _, ok := as.Present(nil, newUpage); !ok {
		t.Fatal("grown stack page should be resident")
	}
}

// TestScenarioC_SwapRoundTrip: filling a small pool with more writable
// pages than it has frames forces at least one eviction through swap;
// every value reads back correctly afterward.
func TestScenarioC_SwapRoundTrip(t *testing.T) {
	const npages = 2
	frames, share, swap := newShared(npages)
	as := New(frames, share, swap, nil, "")

	freeBefore := swap.Free()

	upages := []pginfo.Upage{0x10000, 0x20000, 0x30000}
	for i, u := range upages {
		as.Spt.Insert(nil, &spt.Entry{Upage: u, Location: spt.ZERO, Writable: true})
		if err := as.Resolve(nil, uintptr(u), true, true, 0); err != errs.OK {
			t.Fatalf("Resolve(%#x): %v", u, err)
		}
		kva, _, ok := as.Present(nil, u)
		if !ok {
			t.Fatalf("page %#x not resident after fault", u)
		}
		frames.Bytes(kva)[0] = byte(i + 1)
		as.Touch(nil, u, true)
	}

	if swap.Free() == freeBefore {
		t.Fatal("expected at least one swap-out while filling an oversubscribed pool")
	}

	for i, u := range upages {
		if err := as.Resolve(nil, uintptr(u), false, true, 0); err != errs.OK {
			t.Fatalf("read-back Resolve(%#x): %v", u, err)
		}
		kva, _, _ := as.Present(nil, u)
		if got := frames.Bytes(kva)[0]; got != byte(i+1) {
			t.Fatalf("page %#x byte0 = %d, want %d", u, got, i+1)
		}
		if e := as.Spt.Find(nil, u); e.Location == spt.SWAP {
			t.Fatalf("page %#x still reports SWAP after being read back", u)
		}
	}
}

// TestSwapRoundTripTwice: a page that is swapped out, swapped back in,
// and then swapped out a second time before being read again must
// still come back with its written value. This is spec §4.4 step 4's
// "mark dirty so the page is not re-shared as clean": without it, the
// second eviction sees a clean writable page and discards it via plain
// detachment instead of swapping it out again, silently losing the
// data a re-fault would otherwise reload from swap.
func TestSwapRoundTripTwice(t *testing.T) {
	const npages = 1
	frames, share, swap := newShared(npages)
	as := New(frames, share, swap, nil, "")

	const pageA, pageB, pageC = 0x10000, 0x20000, 0x30000

	as.Spt.Insert(nil, &spt.Entry{Upage: pageA, Location: spt.ZERO, Writable: true})
	if err := as.Resolve(nil, pageA, true, true, 0); err != errs.OK {
		t.Fatalf("Resolve(A): %v", err)
	}
	kvaA, _, _ := as.Present(nil, pageA)
	frames.Bytes(kvaA)[0] = 0x11
	as.Touch(nil, pageA, true)

	// Allocating B forces A out (writable & dirty -> swap-out).
	as.Spt.Insert(nil, &spt.Entry{Upage: pageB, Location: spt.ZERO, Writable: true})
	if err := as.Resolve(nil, pageB, true, true, 0); err != errs.OK {
		t.Fatalf("Resolve(B): %v", err)
	}
	if e := as.Spt.Find(nil, pageA); e.Location != spt.SWAP {
		t.Fatalf("page A location = %v, want SWAP after B evicts it", e.Location)
	}

	// Reading A back swaps B out and restores A; per the fix A must now
	// be marked dirty even though this fault was a plain read.
	if err := as.Resolve(nil, pageA, false, true, 0); err != errs.OK {
		t.Fatalf("Resolve(A) swap-in: %v", err)
	}
	if e := as.Spt.Find(nil, pageA); e.Location == spt.SWAP {
		t.Fatal("page A still reports SWAP right after swap-in")
	}

	// Allocating C forces the single frame out again; it now holds A.
	// If A were (incorrectly) clean, this would just detach and drop
	// it; A's SPT entry would stay ZERO and its written byte would be
	// lost.
	as.Spt.Insert(nil, &spt.Entry{Upage: pageC, Location: spt.ZERO, Writable: true})
	if err := as.Resolve(nil, pageC, true, true, 0); err != errs.OK {
		t.Fatalf("Resolve(C): %v", err)
	}
	if e := as.Spt.Find(nil, pageA); e.Location != spt.SWAP {
		t.Fatalf("page A location = %v, want SWAP after being evicted a second time", e.Location)
	}

	if err := as.Resolve(nil, pageA, false, true, 0); err != errs.OK {
		t.Fatalf("Resolve(A) second swap-in: %v", err)
	}
	kvaA, _, _ = as.Present(nil, pageA)
	if got := frames.Bytes(kvaA)[0]; got != 0x11 {
		t.Fatalf("page A byte0 after two swap round-trips = %#x, want 0x11", got)
	}
}

// TestScenarioD_MmapWriteBack: a 2-page mmap, written at offset 0 and
// PGSIZE+10, writes those exact bytes back to the file on unmap.
func TestScenarioD_MmapWriteBack(t *testing.T) {
	frames, share, swap := newShared(8)
	as := New(frames, share, swap, nil, "")

	f := &memFile{data: make([]byte, 2*pginfo.PGSIZE)}
	const addr = 0x40000
	id, err := as.MapFile(nil, addr, 2*pginfo.PGSIZE, f)
	if err != errs.OK {
		t.Fatalf("MapFile: %v", err)
	}

	if err := as.Resolve(nil, addr, true, true, 0); err != errs.OK {
		t.Fatalf("Resolve page0: %v", err)
	}
	if err := as.Resolve(nil, addr+uintptr(pginfo.PGSIZE)+10, true, true, 0); err != errs.OK {
		t.Fatalf("Resolve page1: %v", err)
	}

	kva0, _, _ := as.Present(nil, pginfo.Rounddown(addr))
	frames.Bytes(kva0)[0] = 0xAB
	as.Touch(nil, pginfo.Rounddown(addr), true)

	kva1, _, _ := as.Present(nil, pginfo.Rounddown(addr+uintptr(pginfo.PGSIZE)+10))
	frames.Bytes(kva1)[10] = 0xCD
	as.Touch(nil, pginfo.Rounddown(addr+uintptr(pginfo.PGSIZE)+10), true)

	if err := as.Munmap(nil, id); err != errs.OK {
		t.Fatalf("Munmap: %v", err)
	}

	if f.data[0] != 0xAB {
		t.Fatalf("file byte 0 = %#x, want 0xAB", f.data[0])
	}
	if f.data[pginfo.PGSIZE+10] != 0xCD {
		t.Fatalf("file byte PGSIZE+10 = %#x, want 0xCD", f.data[pginfo.PGSIZE+10])
	}
	if got, want := frames.FreeCount(), 8; got != want {
		t.Fatalf("FreeCount() after Munmap = %d, want %d (both mmap frames should be returned to the pool)", got, want)
	}

	for i, b := range f.data {
		if i == 0 || i == pginfo.PGSIZE+10 {
			continue
		}
		if b != 0 {
			t.Fatalf("untouched byte %d = %#x, want 0", i, b)
		}
	}
}

// TestScenarioE_InvalidAccess: a fault at address 0 is unrecoverable.
func TestScenarioE_InvalidAccess(t *testing.T) {
	frames, share, swap := newShared(4)
	as := New(frames, share, swap, nil, "")
	if err := as.Resolve(nil, 0, false, true, 0); err == errs.OK {
		t.Fatal("fault at address 0 should not resolve")
	}
}

// TestScenarioF_SyscallBadPointer: a read syscall copying from an
// unmapped user pointer gets a short copy and an error, not a kill.
func TestScenarioF_SyscallBadPointer(t *testing.T) {
	frames, share, swap := newShared(4)
	as := New(frames, share, swap, nil, "")

	ub := NewUserBuf(as, 0x900000, 16, 0x900000)
	dst := make([]byte, 16)
	n, err := ub.Uioread(dst)
	if err == errs.OK {
		t.Fatal("read from unmapped pointer should not return OK")
	}
	if n != 0 {
		t.Fatalf("copied %d bytes before failing, want 0", n)
	}
}

// TestFreeAll_ReleasesMmapFrames: process exit must write back a dirty
// mmap page and return its frame to the pool, the same as an explicit
// Munmap — not just drop the page-table mapping and leak the frame.
func TestFreeAll_ReleasesMmapFrames(t *testing.T) {
	frames, share, swap := newShared(8)
	as := New(frames, share, swap, nil, "")

	f := &memFile{data: make([]byte, pginfo.PGSIZE)}
	const addr = 0x50000
	if _, err := as.MapFile(nil, addr, pginfo.PGSIZE, f); err != errs.OK {
		t.Fatalf("MapFile: %v", err)
	}
	if err := as.Resolve(nil, addr, true, true, 0); err != errs.OK {
		t.Fatalf("Resolve: %v", err)
	}
	kva, _, _ := as.Present(nil, pginfo.Rounddown(addr))
	frames.Bytes(kva)[0] = 0xEF
	as.Touch(nil, pginfo.Rounddown(addr), true)

	as.FreeAll(nil)

	if f.data[0] != 0xEF {
		t.Fatalf("file byte 0 = %#x, want 0xEF (dirty mmap page should be written back on exit)", f.data[0])
	}
	if got, want := frames.FreeCount(), 8; got != want {
		t.Fatalf("FreeCount() after FreeAll = %d, want %d (mmap frame should be returned to the pool)", got, want)
	}
}
