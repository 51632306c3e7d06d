// Package pmap implements the two-level ARM page table that backs every
// AddressSpace (spec §4.2): a 4096-entry L1 directory, each entry
// optionally pointing at a 256-entry L2 page table covering a 1MiB region
// in 4KiB pages, plus a metadata array running parallel to each L2 table
// recording the per-PTE bookkeeping (COW flag, page size class)
// that doesn't fit in the 32-bit hardware PTE format. Grounded on the
// bit-slicing shape of biscuit/src/mem/dmap.go's x86 walk (four levels
// there; ARM's 2-level scheme folds PGD+PTE into L1+L2) and the COW
// insertion logic of biscuit/src/vm/as.go's Page_insert/_page_insert.
package pmap

import (
	"sync"

	"github.com/armpi/kernel/pkg/mem"
)

const (
	// L1 covers the full 32-bit address space in 1MiB sections.
	L1Bits    = 12
	L1Entries = 1 << L1Bits // 4096
	// L2 covers one 1MiB section in 4KiB pages.
	L2Bits    = 8
	L2Entries = 1 << L2Bits // 256

	VAL1Shift = 20 // bits [31:20] index L1
	VAL2Shift = 12 // bits [19:12] index L2
	L2Mask    = L2Entries - 1
	L1Mask    = L1Entries - 1
)

// PTE flag bits, loosely modeled on the ARMv7 short-descriptor small-page
// format (valid/access-permission/cacheable bits at the low end) — enough
// fidelity for the VM layer to reason about permissions without this
// package pretending to be a real MMU driver.
type PTE uint32

const (
	PteValid PTE = 1 << iota
	PteWrite
	PteUser
	PteExec
	PteCacheable
	PteAccessed
)

func (p PTE) Valid() bool { return p&PteValid != 0 }
func (p PTE) Write() bool { return p&PteWrite != 0 }
func (p PTE) User() bool  { return p&PteUser != 0 }

// Page returns the physical page number this PTE maps.
func (p PTE) Page() mem.Pageno { return mem.Pageno(p >> 8) }

// FlagMask covers the low 8 bits a PTE reserves for flag bits, below where
// the page number starts at bit 8. Flags returns just those bits, stripped
// of any page-number bits a caller might have accidentally folded in — use
// this rather than passing a whole PTE word to Map/mkpte.
const FlagMask PTE = 0xff

func (p PTE) Flags() PTE { return p & FlagMask }

func mkpte(pg mem.Pageno, flags PTE) PTE {
	return PTE(pg)<<8 | flags | PteValid
}

// Meta carries per-PTE bookkeeping that doesn't belong in the hardware PTE
// word: whether the mapped page is a copy-on-write share (so a write fault
// must duplicate rather than merely set the dirty bit) and which mem size
// class it was allocated at (needed to return it to the right free list).
type Meta struct {
	COW   bool
	Class int
}

// l2table is one 1MiB L2 page-table region: 256 hardware PTEs plus their
// parallel metadata.
type l2table struct {
	ptes [L2Entries]PTE
	meta [L2Entries]Meta
}

// Pmap_t is one address space's page table. The zero value is not usable;
// construct with Mkpmap.
type Pmap_t struct {
	mu sync.Mutex
	l1 [L1Entries]*l2table
}

// Mkpmap allocates an empty page table.
func Mkpmap() *Pmap_t {
	return &Pmap_t{}
}

func l1idx(va uintptr) uintptr { return (va >> VAL1Shift) & L1Mask }
func l2idx(va uintptr) uintptr { return (va >> VAL2Shift) & L2Mask }

// walk returns the L2 table covering va, allocating one if create is true
// and none exists yet. Caller holds pm.mu.
func (pm *Pmap_t) walk(va uintptr, create bool) *l2table {
	i := l1idx(va)
	t := pm.l1[i]
	if t == nil && create {
		t = &l2table{}
		pm.l1[i] = t
	}
	return t
}

// Lookup returns the PTE and Meta mapping va, and whether a mapping exists.
func (pm *Pmap_t) Lookup(va uintptr) (PTE, Meta, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	t := pm.walk(va, false)
	if t == nil {
		return 0, Meta{}, false
	}
	i := l2idx(va)
	if !t.ptes[i].Valid() {
		return 0, Meta{}, false
	}
	return t.ptes[i], t.meta[i], true
}

// Map installs a mapping from va to physical page pg with the given
// hardware flags and metadata, allocating an L2 table if necessary.
func (pm *Pmap_t) Map(va uintptr, pg mem.Pageno, flags PTE, meta Meta) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	t := pm.walk(va, true)
	i := l2idx(va)
	t.ptes[i] = mkpte(pg, flags)
	t.meta[i] = meta
}

// Unmap clears the mapping at va, returning the page it mapped (if any)
// and whether a mapping was present.
func (pm *Pmap_t) Unmap(va uintptr) (mem.Pageno, Meta, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	t := pm.walk(va, false)
	if t == nil {
		return 0, Meta{}, false
	}
	i := l2idx(va)
	if !t.ptes[i].Valid() {
		return 0, Meta{}, false
	}
	pg := t.ptes[i].Page()
	meta := t.meta[i]
	t.ptes[i] = 0
	t.meta[i] = Meta{}
	return pg, meta, true
}

// SetWrite toggles the writable bit on an existing mapping (used when a
// COW fault resolves and the faulting mapping becomes the sole owner).
func (pm *Pmap_t) SetWrite(va uintptr, writable bool) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	t := pm.walk(va, false)
	if t == nil {
		return false
	}
	i := l2idx(va)
	if !t.ptes[i].Valid() {
		return false
	}
	if writable {
		t.ptes[i] |= PteWrite
	} else {
		t.ptes[i] &^= PteWrite
	}
	return true
}

// SetCOW marks or clears the COW metadata bit on an existing mapping.
func (pm *Pmap_t) SetCOW(va uintptr, cow bool) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	t := pm.walk(va, false)
	if t == nil {
		return false
	}
	i := l2idx(va)
	if !t.ptes[i].Valid() {
		return false
	}
	t.meta[i].COW = cow
	return true
}

// Iter calls f for every valid mapping in the table, in ascending VA order.
// Used by fork (to duplicate mappings) and teardown (to drop refcounts).
func (pm *Pmap_t) Iter(f func(va uintptr, pte PTE, meta Meta)) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for i, t := range pm.l1 {
		if t == nil {
			continue
		}
		base := uintptr(i) << VAL1Shift
		for j, pte := range t.ptes {
			if pte.Valid() {
				f(base|uintptr(j)<<VAL2Shift, pte, t.meta[j])
			}
		}
	}
}

// Free drops every L2 table, for use when an AddressSpace is torn down
// after the caller has already released each mapped page's mem refcount
// via Iter.
func (pm *Pmap_t) Free() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for i := range pm.l1 {
		pm.l1[i] = nil
	}
}
