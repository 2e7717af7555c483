// Package elfload implements the ELF32 executable loading step of spec
// §6: validating the header and program headers of a process's
// executable and turning its PT_LOAD segments into the FILE/ZERO page
// descriptions the SPT is seeded with. Grounded on
// kernel/chentry.go's use of the standard library's debug/elf package
// to parse and validate an ELF header before trusting it, the one
// place in the teacher's own tree that touches ELF at all.
package elfload

import (
	"bytes"
	"debug/elf"
	"io"

	"vmcore/internal/errs"
	"vmcore/internal/pginfo"
)

// wantMagic is the exact 7-byte magic spec §6 requires:
// "\x7fELF\x01\x01\x01" (ELF, 32-bit, little-endian, version 1).
var wantMagic = []byte{0x7f, 'E', 'L', 'F', 1, 1, 1}

// maxProgramHeaders bounds how many program headers a binary may
// declare, per spec §6.
const maxProgramHeaders = 1024

// ExecutableFile is the external file collaborator; *os.File and any
// io.ReaderAt satisfy it directly.
type ExecutableFile interface {
	io.ReaderAt
}

// Page describes one page of a PT_LOAD segment once it has been
// resolved into SPT terms: Location FILE with ReadBytes < PGSIZE reads
// a partial page and zero-fills the remainder; Location ZERO means
// the whole page is demand-zero.
type Page struct {
	Upage      pginfo.Upage
	Writable   bool
	IsZero     bool
	FileOffset int
	ReadBytes  int
}

// LoadSegments validates exe's ELF header and program headers and
// returns the per-page descriptions of every PT_LOAD segment, in
// segment order, ready to be inserted into a process's SPT.
func LoadSegments(exe ExecutableFile) ([]Page, errs.Err_t) {
	hdr := make([]byte, 7)
	if _, err := exe.ReadAt(hdr, 0); err != nil {
		return nil, errs.EINVAL
	}
	if !bytes.Equal(hdr, wantMagic) {
		return nil, errs.EINVAL
	}

	ef, err := elf.NewFile(exe)
	if err != nil {
		return nil, errs.EINVAL
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS32 || ef.Data != elf.ELFDATA2LSB {
		return nil, errs.EINVAL
	}
	if ef.Type != elf.ET_EXEC {
		return nil, errs.EINVAL
	}
	if ef.Machine != elf.EM_386 {
		return nil, errs.EINVAL
	}
	if ef.Version != elf.EV_CURRENT {
		return nil, errs.EINVAL
	}
	if len(ef.Progs) > maxProgramHeaders {
		return nil, errs.EINVAL
	}

	var pages []Page
	for _, prog := range ef.Progs {
		switch prog.Type {
		case elf.PT_DYNAMIC, elf.PT_INTERP, elf.PT_SHLIB:
			return nil, errs.EINVAL
		case elf.PT_LOAD:
			segPages, ok := loadSegment(exe, prog)
			if !ok {
				return nil, errs.EINVAL
			}
			pages = append(pages, segPages...)
		}
	}
	return pages, errs.OK
}

func loadSegment(exe ExecutableFile, prog *elf.Prog) ([]Page, bool) {
	off := int64(prog.Off)
	vaddr := uintptr(prog.Vaddr)
	filesz := int64(prog.Filesz)
	memsz := int64(prog.Memsz)

	if off&int64(pginfo.PGOFFSET) != int64(vaddr)&int64(pginfo.PGOFFSET) {
		return nil, false
	}
	if vaddr < pginfo.USERMIN {
		return nil, false
	}
	if memsz < filesz || filesz < 0 {
		return nil, false
	}
	if vaddr+uintptr(memsz) < vaddr || vaddr+uintptr(memsz) >= pginfo.PHYS_BASE {
		return nil, false
	}

	writable := prog.Flags&elf.PF_W != 0

	var pages []Page
	pageStart := pginfo.Rounddown(vaddr)
	endVaddr := vaddr + uintptr(memsz)
	fileRemaining := filesz
	curFileOff := off

	for cur := pageStart; cur < pginfo.Upage(endVaddr); cur += pginfo.Upage(pginfo.PGSIZE) {
		// Bytes of this page's virtual range that the file still
		// covers: the segment may start mid-page (vaddr not aligned).
		pageVaddrStart := uintptr(cur)
		var inPageSkip int
		if pageVaddrStart < vaddr {
			inPageSkip = int(vaddr - pageVaddrStart)
		}
		avail := pginfo.PGSIZE - inPageSkip
		readBytes := 0
		if fileRemaining > 0 {
			readBytes = avail
			if int64(readBytes) > fileRemaining {
				readBytes = int(fileRemaining)
			}
		}

		// The page is read from its own start: offset and vaddr share a
		// page offset, so the file bytes for the skipped head of the
		// page sit just before curFileOff and the segment's bytes land
		// at their in-page position.
		pageFileOff := curFileOff
		pageReadBytes := readBytes
		if readBytes > 0 {
			pageFileOff -= int64(inPageSkip)
			pageReadBytes += inPageSkip
		}

		p := Page{
			Upage:      cur,
			Writable:   writable,
			FileOffset: int(pageFileOff),
			ReadBytes:  pageReadBytes,
			IsZero:     readBytes == 0,
		}
		pages = append(pages, p)

		fileRemaining -= int64(readBytes)
		curFileOff += int64(readBytes)
	}
	return pages, true
}
