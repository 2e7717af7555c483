package vmspace

import (
	"vmcore/internal/errs"
	"vmcore/internal/pginfo"
	"vmcore/internal/reent"
)

// / UserBuf assists reading and writing a user address range, faulting
// / pages in on demand exactly as a real syscall copy-in/copy-out would.
// / Each page touched is resolved and copied one page at a time; ub.tok
// / identifies this buffer's whole copy as one logical call chain so
// / nested Resolve/Present/Touch calls share reentrant-lock identity, the
// / same way a single syscall's copy would in the teacher. Grounded on
// / vm.Userbuf_t in userbuf.go, trimmed of the teacher's res/bounds
// / heap-accounting hooks since there is no scheduler-facing resource
// / budget in this subsystem.
type UserBuf struct {
	as     *AddressSpace
	userva uintptr
	length int
	off    int
	esp    uintptr // stack pointer to evaluate stack-growth faults against
	tok    *reent.Token
}

// / NewUserBuf initializes a buffer describing [uva, uva+length) in as.
// / esp is the user stack pointer to use if a fault within the buffer
// / turns out to be legitimate stack growth; callers copying into
// / non-stack buffers may pass 0.
func NewUserBuf(as *AddressSpace, uva uintptr, length int, esp uintptr) *UserBuf {
	if length < 0 {
		panic("negative length")
	}
	return &UserBuf{as: as, userva: uva, length: length, esp: esp, tok: reent.NewToken()}
}

// / Remain reports the number of unread/unwritten bytes left.
func (ub *UserBuf) Remain() int { return ub.length - ub.off }

// / Totalsz reports the buffer's total size.
func (ub *UserBuf) Totalsz() int { return ub.length }

// / Uioread copies from the user range into dst.
func (ub *UserBuf) Uioread(dst []byte) (int, errs.Err_t) {
	return ub.tx(dst, false)
}

// / Uiowrite copies src into the user range.
func (ub *UserBuf) Uiowrite(src []byte) (int, errs.Err_t) {
	return ub.tx(src, true)
}

// / tx copies the lesser of len(buf) and ub.Remain(), one page at a
// / time, faulting in any page not already resident. On error the
// / buffer's offset reflects exactly how much was copied so the caller
// / can retry or report a short copy.
func (ub *UserBuf) tx(buf []byte, write bool) (int, errs.Err_t) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.length {
		va := ub.userva + uintptr(ub.off)
		upage := pginfo.Rounddown(va)
		pageOff := pginfo.Offset(va)

		kva, writable, ok := ub.as.Present(ub.tok, upage)
		if !ok || (write && !writable) {
			if err := ub.as.Resolve(ub.tok, va, write, true, ub.esp); err != errs.OK {
				return ret, err
			}
			kva, _, ok = ub.as.Present(ub.tok, upage)
			if !ok {
				errs.KernelInvariantViolation("userbuf: page missing after successful fault")
			}
		}

		page := ub.as.Frames.Bytes(kva)
		avail := pginfo.PGSIZE - int(pageOff)
		n := len(buf)
		if n > avail {
			n = avail
		}
		if ub.off+n > ub.length {
			n = ub.length - ub.off
		}

		var c int
		if write {
			c = copy(page[pageOff:], buf[:n])
			ub.as.Touch(ub.tok, upage, true)
		} else {
			c = copy(buf[:n], page[pageOff:])
			ub.as.Touch(ub.tok, upage, false)
		}
		buf = buf[c:]
		ub.off += c
		ret += c
	}
	return ret, errs.OK
}

// / FakeBuf implements the same Uioread/Uiowrite contract as UserBuf but
// / over a plain kernel-memory slice, for code paths that need to treat
// / an internal buffer the same way a real user buffer is treated.
// / Grounded on vm.Fakeubuf_t.
type FakeBuf struct {
	buf []byte
	len int
}

// / NewFakeBuf wraps buf for the Uioread/Uiowrite contract.
func NewFakeBuf(buf []byte) *FakeBuf { return &FakeBuf{buf: buf, len: len(buf)} }

// / Remain reports the number of bytes left in the fake buffer.
func (fb *FakeBuf) Remain() int { return len(fb.buf) }

// / Totalsz reports the fake buffer's total length.
func (fb *FakeBuf) Totalsz() int { return fb.len }

func (fb *FakeBuf) tx(buf []byte, into bool) (int, errs.Err_t) {
	var c int
	if into {
		c = copy(fb.buf, buf)
	} else {
		c = copy(buf, fb.buf)
	}
	fb.buf = fb.buf[c:]
	return c, errs.OK
}

// / Uioread copies from the fake buffer into dst.
func (fb *FakeBuf) Uioread(dst []byte) (int, errs.Err_t) { return fb.tx(dst, false) }

// / Uiowrite copies src into the fake buffer.
func (fb *FakeBuf) Uiowrite(src []byte) (int, errs.Err_t) { return fb.tx(src, true) }
