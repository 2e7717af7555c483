// Package sharing implements the global sharing registry of spec §4.3:
// a two-level map from (file-identity, page-index) to a resident,
// read-only, file-backed frame, letting several processes alias one
// physical frame for the same executable page. Modeled on
// hashtable.Hashtable_t's bucket-chain shape, specialized to the
// registry's own two-level key instead of a generic interface{} key.
package sharing

import "sync"

// primes is the fixed prime vector spec §4.3 multiplies truncated file
// name bytes against.
var primes = [14]uint64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43}

// fileHash computes the spec's weakness-preserving identity hash:
// Σ byte[i] × prime[i] over the first ≤14 bytes of name.
func fileHash(name string) uint64 {
	var h uint64
	n := len(name)
	if n > len(primes) {
		n = len(primes)
	}
	for i := 0; i < n; i++ {
		h += uint64(name[i]) * primes[i]
	}
	return h
}

// Handle is the back-reference a Frame holds into the registry so it
// can remove its own entry on eviction without a second lookup. It is
// non-owning: destroying a frame consults and removes its Handle,
// destroying a Handle never touches the frame (spec §9, "back
// references without cycles").
type Handle struct {
	hash uint64
	name string
	page int
}

type fileBucket struct {
	name  string
	pages map[int]entry
}

type entry struct {
	kva    uintptr
	handle *Handle
}

// Registry is the global (file-identity → page-index → frame) map.
// Only read-only file-backed pages are eligible for registration.
type Registry struct {
	mu      sync.Mutex
	buckets map[uint64][]*fileBucket
}

// NewRegistry constructs an empty sharing registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[uint64][]*fileBucket)}
}

// Lookup returns the resident frame registered for (name, pageIndex),
// if any. The truncated-hash bucket is matched first, then the full
// untruncated name is compared for equality (spec §9's resolved Open
// Question: keep the hash, but add a full-name check to eliminate
// truncation collisions as a correctness bug).
func (r *Registry) Lookup(name string, pageIndex int) (uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := fileHash(name)
	for _, b := range r.buckets[h] {
		if b.name != name {
			continue
		}
		if e, ok := b.pages[pageIndex]; ok {
			return e.kva, true
		}
		return 0, false
	}
	return 0, false
}

// Insert registers a new shared frame for (name, pageIndex) and returns
// the back-reference Handle to store in the frame entry. It panics if
// the pair is already registered; callers racing against another
// loader for the same page must use GetOrInsert instead.
func (r *Registry) Insert(name string, pageIndex int, kva uintptr) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucketLocked(name)
	if _, exists := b.pages[pageIndex]; exists {
		panic("sharing: duplicate (file, page) registration")
	}
	handle := &Handle{hash: fileHash(name), name: name, page: pageIndex}
	b.pages[pageIndex] = entry{kva: kva, handle: handle}
	return handle
}

// GetOrInsert atomically checks for an existing (name, pageIndex)
// registration and, only if none exists, registers kva under the
// registry lock. inserted reports which happened: true means kva is
// now the canonical shared frame and handle is its back-reference;
// false means another loader already won this race and resultKva is
// the frame the caller must use instead, discarding the one it just
// loaded. This is the fix for the check-then-insert race a bare
// Lookup-then-Insert pair has: two faulters on the same (file,
// page-index) can both miss Lookup before either calls Insert, and
// without this, the second Insert would panic on a duplicate
// registration instead of losing the race gracefully.
func (r *Registry) GetOrInsert(name string, pageIndex int, kva uintptr) (resultKva uintptr, handle *Handle, inserted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucketLocked(name)
	if e, exists := b.pages[pageIndex]; exists {
		return e.kva, nil, false
	}
	h := &Handle{hash: fileHash(name), name: name, page: pageIndex}
	b.pages[pageIndex] = entry{kva: kva, handle: h}
	return kva, h, true
}

// bucketLocked returns name's fileBucket, creating it if absent.
// Caller must hold r.mu.
func (r *Registry) bucketLocked(name string) *fileBucket {
	h := fileHash(name)
	for _, cand := range r.buckets[h] {
		if cand.name == name {
			return cand
		}
	}
	b := &fileBucket{name: name, pages: make(map[int]entry)}
	r.buckets[h] = append(r.buckets[h], b)
	return b
}

// Remove removes the (file, page-index) mapping referenced by handle.
// If the file's inner table becomes empty the outer bucket is removed
// too.
func (r *Registry) Remove(handle *Handle) {
	if handle == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	buckets := r.buckets[handle.hash]
	for i, b := range buckets {
		if b.name != handle.name {
			continue
		}
		delete(b.pages, handle.page)
		if len(b.pages) == 0 {
			r.buckets[handle.hash] = append(buckets[:i], buckets[i+1:]...)
			if len(r.buckets[handle.hash]) == 0 {
				delete(r.buckets, handle.hash)
			}
		}
		return
	}
}

// Size reports the total number of registered (file, page) entries,
// used by tests asserting scenario A's "one frame for two readers".
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, bs := range r.buckets {
		for _, b := range bs {
			n += len(b.pages)
		}
	}
	return n
}
