// Package fault provides fault-coalescing on top of an address space's
// page-fault resolver: concurrent faults on the same (process, upage)
// pair, which arise when several goroutines stand in for several CPUs
// touching the same unmapped page at once, wait for a single in-flight
// resolution instead of each racing the frame manager independently.
// Grounded on the teacher's Sys_pgfault/Pgfault in as.go, which relies
// on spt_lock/Lock_pmap alone to serialize concurrent faulters; the
// spec calls for the same serialization but expressed with
// golang.org/x/sync/singleflight's request-coalescing instead of a
// bare mutex, so that a second faulter on the same page observes the
// first one's outcome directly rather than repeating its work.
package fault

import (
	"fmt"

	"golang.org/x/sync/singleflight"

	"vmcore/internal/errs"
	"vmcore/internal/pginfo"
	"vmcore/internal/reent"
)

// Faulter is the subset of vmspace.AddressSpace the coalescer needs:
// its process identity (for the coalescing key) and its resolver.
type Faulter interface {
	ProcID() uint64
	Resolve(tok *reent.Token, addr uintptr, isWrite, isUser bool, esp uintptr) errs.Err_t
}

// Coalescer deduplicates concurrent Resolve calls that land on the
// same (process, upage) pair.
type Coalescer struct {
	g singleflight.Group
}

// NewCoalescer constructs an empty coalescer; one per running system
// is enough since keys are already scoped by process id.
func NewCoalescer() *Coalescer {
	return &Coalescer{}
}

// Resolve coalesces concurrent faults on the same page: the first
// caller for a given (process, upage) actually calls f.Resolve; any
// caller arriving while that call is in flight waits for it and
// receives its result instead of independently re-resolving the same
// page.
func (c *Coalescer) Resolve(f Faulter, addr uintptr, isWrite, isUser bool, esp uintptr) errs.Err_t {
	upage := pginfo.Rounddown(addr)
	key := fmt.Sprintf("%d:%d", f.ProcID(), upage)

	v, _, _ := c.g.Do(key, func() (interface{}, error) {
		return f.Resolve(nil, addr, isWrite, isUser, esp), nil
	})
	return v.(errs.Err_t)
}
