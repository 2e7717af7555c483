// Package pginfo holds the page-geometry constants and address types
// shared by every other package in the subsystem, the way mem.PGSHIFT,
// mem.PGSIZE, mem.Pa_t and mem.Pg_t anchor the teacher's mem package.
package pginfo

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks the byte offset within a page.
const PGOFFSET uintptr = uintptr(PGSIZE - 1)

// PGMASK masks the page-aligned portion of an address.
const PGMASK uintptr = ^PGOFFSET

// USERMIN is the lowest user-mappable virtual address; page 0 is never
// mappable so that a read of address 0 always faults (scenario E).
const USERMIN uintptr = uintptr(PGSIZE)

// PHYS_BASE is the top of user virtual address space; the user stack
// grows down from just below it. 1<<32 keeps examples and tests small
// (a simulated 32-bit user address space, matching the ELF32 loader).
const PHYS_BASE uintptr = 1 << 32

// STACK_MAX_SIZE bounds how far the user stack may grow downward from
// PHYS_BASE. Per spec §9's resolved Open Question the correct test is
// PHYS_BASE - next_upage <= STACK_MAX_SIZE.
const STACK_MAX_SIZE uintptr = 8 << 20 // 8MB, the traditional default

// Upage is a page-aligned user virtual address; it is the universal key
// type for the SPT, mmap tables and frame owner sets.
type Upage uintptr

// Rounddown aligns va down to the start of its containing page.
func Rounddown(va uintptr) Upage {
	return Upage(va &^ PGOFFSET)
}

// Roundup aligns n up to a whole number of pages.
func Roundup(n int) int {
	return (n + PGSIZE - 1) &^ (PGSIZE - 1)
}

// Offset returns the byte offset of va within its page.
func Offset(va uintptr) uintptr {
	return va & PGOFFSET
}

// Aligned reports whether va is page-aligned.
func Aligned(va uintptr) bool {
	return va&PGOFFSET == 0
}
