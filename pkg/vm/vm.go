// Package vm implements the per-process AddressSpace: a list of mapped
// MemRegions layered over a pkg/pmap page table, demand-zero anonymous
// paging, and the copy-on-write fork/fault path. Grounded on
// biscuit/src/vm/as.go (Vm_t, Vmadd_anon, Page_insert/_page_insert,
// Sys_pgfault, Uvmfree) and vm/userbuf.go (Userbuf_t, Uioread/Uiowrite).
//
// The teacher walks a hardware-identity-mapped page table and a DMAP
// kernel window to move bytes between a user mapping and the kernel; here
// both the page table (pkg/pmap) and the physical arena (pkg/mem) are
// plain Go data structures addressed by Pageno, so the user-copy path
// (Userbuf_t) reads/writes the arena directly through the address space's
// own page table rather than through a second kernel mapping — there is
// only one address space's worth of memory to reach in this simulation,
// so the indirection the teacher needs (DMAP) has no work left to do here.
package vm

import (
	"sync"

	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/mem"
	"github.com/armpi/kernel/pkg/pmap"
)

// MemRegion describes one mapped range of an address space: anonymous
// (demand-zero, COW-on-fork) or file-backed (populated by a VFS read —
// wired in by pkg/proc once a Vnode is available; plain demand-zero here).
type MemRegion struct {
	Start uintptr
	Len   uintptr
	Perm  uint32 // PROT_* bits
	Shared bool  // MAP_SHARED: writes are never made COW across fork
}

func (r *MemRegion) contains(va uintptr) bool {
	return va >= r.Start && va < r.Start+r.Len
}

// AddressSpace_t is one process's virtual address space.
type AddressSpace_t struct {
	mu      sync.Mutex
	Pmap    *pmap.Pmap_t
	Regions []*MemRegion
}

// Mkas allocates an empty address space.
func Mkas() *AddressSpace_t {
	return &AddressSpace_t{Pmap: pmap.Mkpmap()}
}

// Vmadd_anon records a new anonymous region; pages are populated lazily by
// Pgfault on first touch.
func (as *AddressSpace_t) Vmadd_anon(start, len uintptr, perm uint32) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.Regions = append(as.Regions, &MemRegion{Start: start, Len: len, Perm: perm})
}

// Vmadd_shareanon is Vmadd_anon for an anonymous mapping shared with other
// address spaces (MAP_SHARED|MAP_ANON): faults never copy-on-write.
func (as *AddressSpace_t) Vmadd_shareanon(start, len uintptr, perm uint32) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.Regions = append(as.Regions, &MemRegion{Start: start, Len: len, Perm: perm, Shared: true})
}

func (as *AddressSpace_t) findRegion(va uintptr) *MemRegion {
	for _, r := range as.Regions {
		if r.contains(va) {
			return r
		}
	}
	return nil
}

const pageMask = mem.PGSIZE - 1

func pagedown(va uintptr) uintptr { return va &^ pageMask }

// Pgfault handles a page fault at va. writefault distinguishes a
// write-protection fault (COW resolution) from a fault on an entirely
// unmapped page (demand-zero population). It is the direct analogue of
// the teacher's Sys_pgfault/Page_insert path.
func (as *AddressSpace_t) Pgfault(va uintptr, writefault bool) defs.Err_t {
	va = pagedown(va)
	as.mu.Lock()
	defer as.mu.Unlock()

	pte, meta, ok := as.Pmap.Lookup(va)
	if !ok {
		r := as.findRegion(va)
		if r == nil {
			return -defs.EFAULT
		}
		if writefault && r.Perm&defs.PROT_WRITE == 0 {
			return -defs.EFAULT
		}
		pg, _, ok := mem.Phys.Refpg_new(mem.ClassSmall)
		if !ok {
			return -defs.ENOMEM
		}
		flags := pmap.PteUser
		if r.Perm&defs.PROT_WRITE != 0 {
			flags |= pmap.PteWrite
		}
		if r.Perm&defs.PROT_EXEC != 0 {
			flags |= pmap.PteExec
		}
		as.Pmap.Map(va, pg, flags, pmap.Meta{Class: mem.ClassSmall})
		return 0
	}

	if !writefault {
		return 0
	}
	if !meta.COW {
		// Hardware write fault on a page already marked writable shouldn't
		// happen; treat as already resolved.
		return 0
	}

	oldpg := pte.Page()
	if mem.Phys.Refcnt(oldpg) == 1 {
		// Sole owner: drop the COW bit and make it writable in place, no
		// copy needed.
		as.Pmap.SetCOW(va, false)
		as.Pmap.SetWrite(va, true)
		return 0
	}

	newpg, newbuf, ok := mem.Phys.Refpg_new_nozero(meta.Class)
	if !ok {
		return -defs.ENOMEM
	}
	copy(newbuf, mem.Phys.Dmap(oldpg))
	as.Pmap.Map(va, newpg, pte.Flags()|pmap.PteWrite, pmap.Meta{Class: meta.Class})
	mem.Phys.Refdown(oldpg, meta.Class)
	return 0
}

// Mprotect changes the protection of the region spanning [start, start+len)
// to perm. Only a protection change over a region's exact bounds is
// supported — splitting a region into sub-ranges with different
// permissions is the "mprotect on an unsupported transition" case spec
// §9/SPEC_FULL §D resolves as ENOTSUP rather than a silent partial
// mutation. Already-mapped pages have their PTE write bit updated to
// match immediately; unmapped pages simply see the new permission on
// their next Pgfault.
func (as *AddressSpace_t) Mprotect(start, len uintptr, perm uint32) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	var target *MemRegion
	for _, r := range as.Regions {
		if r.Start == start && r.Len == len {
			target = r
			break
		}
	}
	if target == nil {
		return -defs.ENOTSUP
	}
	target.Perm = perm

	for va := start; va < start+len; va += mem.PGSIZE {
		if _, _, ok := as.Pmap.Lookup(va); ok {
			as.Pmap.SetWrite(va, perm&defs.PROT_WRITE != 0)
		}
	}
	return 0
}

// Fork duplicates as's mappings into child: anonymous private pages are
// shared read-only with their refcount bumped and marked COW in both
// parent and child; shared mappings keep their writable bit and are simply
// refup'd. Grounded on the teacher's as.Fork (vm/as.go), which does the
// same bump-refcount-and-mark-COW dance over the x86 page table.
func (as *AddressSpace_t) Fork(child *AddressSpace_t) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	child.Regions = append(child.Regions, as.Regions...)

	var ferr defs.Err_t
	// Parent PTEs are downgraded after Iter returns: Iter holds the
	// parent pmap's lock, which SetWrite/SetCOW also take.
	var cow []uintptr
	as.Pmap.Iter(func(va uintptr, pte pmap.PTE, meta pmap.Meta) {
		if ferr != 0 {
			return
		}
		pg := pte.Page()
		r := as.findRegion(va)
		shared := r != nil && r.Shared
		flags := pmap.PteUser
		if pte&pmap.PteExec != 0 {
			flags |= pmap.PteExec
		}
		if shared {
			flags |= pmap.PteWrite
			mem.Phys.Refup(pg)
			child.Pmap.Map(va, pg, flags, pmap.Meta{Class: meta.Class})
			return
		}
		// Private: both parent and child see the page read-only and COW.
		mem.Phys.Refup(pg)
		cow = append(cow, va)
		child.Pmap.Map(va, pg, flags, pmap.Meta{COW: true, Class: meta.Class})
	})
	for _, va := range cow {
		as.Pmap.SetWrite(va, false)
		as.Pmap.SetCOW(va, true)
	}
	return ferr
}

// Uvmfree tears down every mapping, returning each page's refcount to the
// allocator. Called once a process's last thread has exited and no thread
// will reference the address space again.
func (as *AddressSpace_t) Uvmfree() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.Pmap.Iter(func(va uintptr, pte pmap.PTE, meta pmap.Meta) {
		mem.Phys.Refdown(pte.Page(), meta.Class)
	})
	as.Pmap.Free()
	as.Regions = nil
}

// K2user copies the kernel buffer src into the address space at user
// virtual address dst, faulting in pages as needed. Mirrors
// biscuit/src/vm/as.go's K2user/K2user_inner.
func (as *AddressSpace_t) K2user(src []uint8, dst uintptr) defs.Err_t {
	return as.copy(dst, len(src), func(page []byte, off int) { copy(page, src[off:]) })
}

// User2k copies from user virtual address src into the kernel buffer dst.
func (as *AddressSpace_t) User2k(dst []uint8, src uintptr) defs.Err_t {
	n := len(dst)
	i := 0
	err := as.copy(src, n, func(page []byte, off int) { i += copy(dst[i:], page) })
	return err
}

// copy walks the [va, va+n) range one page at a time, faulting pages in
// as needed (Unusedva_inner in the teacher) and invoking xfer with a slice
// of the physical page and the transfer offset so far.
func (as *AddressSpace_t) copy(va uintptr, n int, xfer func(page []byte, off int) ) defs.Err_t {
	done := 0
	for done < n {
		pg := pagedown(va)
		pageoff := int(va - pg)
		as.mu.Lock()
		pte, _, ok := as.Pmap.Lookup(pg)
		as.mu.Unlock()
		if !ok {
			if err := as.Pgfault(pg, true); err != 0 {
				return err
			}
			as.mu.Lock()
			pte, _, ok = as.Pmap.Lookup(pg)
			as.mu.Unlock()
			if !ok {
				return -defs.EFAULT
			}
		}
		phys := mem.Phys.Dmap(pte.Page())
		tocopy := mem.PGSIZE - pageoff
		if rem := n - done; tocopy > rem {
			tocopy = rem
		}
		xfer(phys[pageoff:pageoff+tocopy], done)
		done += tocopy
		va += uintptr(tocopy)
	}
	return 0
}
