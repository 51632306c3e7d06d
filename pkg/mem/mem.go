// Package mem implements the physical page allocator: a buddy allocator
// exposing three public size classes (4KiB, 16KiB, 64KiB, spec §4.1), a
// per-page reference count array backing copy-on-write sharing, and the
// physical-address-indexed arena that stands in for the teacher's direct
// physical-memory mapping (biscuit/src/mem/mem.go used unsafe.Pointer
// arithmetic over an identity-mapped region; stock Go has no such mapping
// available, so physical memory here is simply a []byte arena indexed by
// page number — see DESIGN.md).
//
// Internally the allocator tracks every binary buddy order between the
// public classes (order 1 and order 3, 2 and 8 pages respectively) even
// though nothing is ever allocated at those orders: a 64KiB block is four
// 16KiB quarters, and two quarters that happen to be buddies at the 16KiB
// granularity are only half of what's needed to reform the 64KiB block, so
// coalescing must walk one binary order at a time rather than jumping
// straight from a public class to the next.
package mem

import (
	"sync"
	"sync/atomic"
)

const (
	PGSIZE  = 4096
	PGSHIFT = 12
)

// Size classes, each 4x the previous — 4KiB, 16KiB, 64KiB.
const (
	ClassSmall = iota // 1 page,  4KiB
	ClassMed          // 4 pages, 16KiB
	ClassLarge        // 16 pages, 64KiB
	numClasses
)

// maxOrder is the highest binary buddy order tracked (16 pages == order 4).
const maxOrder = 4

// classOrder maps a public size class to its binary buddy order.
func classOrder(class int) int { return 2 * class }

// classPages returns the number of PGSIZE pages a block of the given class
// spans.
func classPages(class int) int {
	return 1 << uint(classOrder(class))
}

// Pageno identifies a physical page by index into the arena, i.e.
// PA = Pageno * PGSIZE.
type Pageno uint32

// Physmem_t is the system's physical page allocator and reference-count
// table. There is exactly one instance, pkg/mem.Phys.
type Physmem_t struct {
	mu        sync.Mutex
	cond      *sync.Cond
	arena     []byte
	refs      []int32
	npages    Pageno
	free      [maxOrder + 1][]Pageno // free list per binary order, block-aligned page numbers
	allocated int64
}

// Phys is the system-wide physical memory allocator, installed by
// Phys_init during boot.
var Phys *Physmem_t

// Phys_init carves out npages of simulated physical memory and reserves
// the first `reserved` pages (page 0 upward) for the boot allocator and
// kernel image, matching biscuit/src/mem/mem.go's respgs reservation.
func Phys_init(npages, reserved int) *Physmem_t {
	pm := &Physmem_t{
		arena:  make([]byte, npages*PGSIZE),
		refs:   make([]int32, npages),
		npages: Pageno(npages),
	}
	pm.cond = sync.NewCond(&pm.mu)

	// Align the first free page to the largest order so big-class blocks
	// can be handed out immediately rather than waiting for a coalesce.
	align := 1 << maxOrder
	start := (reserved + align - 1) / align * align
	for start+align <= npages {
		pm.free[maxOrder] = append(pm.free[maxOrder], Pageno(start))
		start += align
	}
	for start < npages {
		// Leftover pages too few for a full top-order block become order-0
		// (4KiB) blocks.
		pm.free[0] = append(pm.free[0], Pageno(start))
		start++
	}
	Phys = pm
	return pm
}

// Pgcount returns the total number of managed pages.
func (pm *Physmem_t) Pgcount() int {
	return int(pm.npages)
}

// Dmap returns a direct []byte view of the physical page pg, standing in
// for the teacher's DMAP virtual-address window.
func (pm *Physmem_t) Dmap(pg Pageno) []byte {
	off := int(pg) * PGSIZE
	return pm.arena[off : off+PGSIZE]
}

// Dmap_v2p exists on the teacher's Physmem_t to translate a DMAP kernel
// virtual address back to a physical page; here the "virtual address" and
// the arena index coincide, so the translation is the identity over
// Pageno — kept as a named operation so callers read the same as the
// teacher's pmap code even though the translation is trivial.
func (pm *Physmem_t) Dmap_v2p(pg Pageno) Pageno { return pg }

// splitDown breaks a block at binary order `have` at page pg in half
// repeatedly, pushing each unused half onto its order's free list, until a
// block of order `want` is produced.
func (pm *Physmem_t) splitDown(pg Pageno, have, want int) Pageno {
	for have > want {
		have--
		half := Pageno(1 << uint(have))
		buddy := pg + half
		pm.free[have] = append(pm.free[have], buddy)
	}
	return pg
}

// Refpg_new allocates one zeroed block of the given class and returns its
// page number, a []byte view, and whether the allocation succeeded.
func (pm *Physmem_t) Refpg_new(class int) (Pageno, []byte, bool) {
	pg, buf, ok := pm.Refpg_new_nozero(class)
	if ok {
		for i := range buf {
			buf[i] = 0
		}
	}
	return pg, buf, ok
}

// Refpg_new_nozero is Refpg_new without the zero-fill, for callers about to
// overwrite the entire block anyway (e.g. a page about to be read from
// disk).
func (pm *Physmem_t) Refpg_new_nozero(class int) (Pageno, []byte, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pg, ok := pm._allocLocked(classOrder(class))
	if !ok {
		return 0, nil, false
	}
	pm.refs[pg] = 1
	atomic.AddInt64(&pm.allocated, int64(classPages(class)))
	return pg, pm.Dmap(pg), true
}

// _allocLocked finds a free block at or above binary order `order`,
// splitting a larger one if necessary. Caller holds pm.mu.
func (pm *Physmem_t) _allocLocked(order int) (Pageno, bool) {
	for o := order; o <= maxOrder; o++ {
		n := len(pm.free[o])
		if n == 0 {
			continue
		}
		pg := pm.free[o][n-1]
		pm.free[o] = pm.free[o][:n-1]
		return pm.splitDown(pg, o, order), true
	}
	return 0, false
}

// WaitFree blocks until a page of any class has been freed since the last
// call, the simulated equivalent of the pmap population retry loop backing
// off on the physical-memory low-watermark signal (spec §4.1/§4.2).
func (pm *Physmem_t) WaitFree() {
	pm.mu.Lock()
	pm.cond.Wait()
	pm.mu.Unlock()
}

// Refup bumps pg's reference count, used when a COW mapping is shared into
// a second address space.
func (pm *Physmem_t) Refup(pg Pageno) {
	atomic.AddInt32(&pm.refs[pg], 1)
}

// Refcnt returns pg's current reference count.
func (pm *Physmem_t) Refcnt(pg Pageno) int {
	return int(atomic.LoadInt32(&pm.refs[pg]))
}

// Refdown drops pg's reference count and frees the page (coalescing with
// its buddies where possible) once it reaches zero. class must be the
// class the page was originally allocated at.
func (pm *Physmem_t) Refdown(pg Pageno, class int) {
	if atomic.AddInt32(&pm.refs[pg], -1) > 0 {
		return
	}
	pm.mu.Lock()
	pm._freeLocked(pg, classOrder(class))
	atomic.AddInt64(&pm.allocated, -int64(classPages(class)))
	pm.mu.Unlock()
	pm.cond.Broadcast()
}

// _freeLocked returns a block to the free lists, merging one binary order
// at a time while its buddy at that order is also free. Caller holds pm.mu.
func (pm *Physmem_t) _freeLocked(pg Pageno, order int) {
	for order < maxOrder {
		size := Pageno(1 << uint(order))
		buddy := pg ^ size
		idx := -1
		for i, p := range pm.free[order] {
			if p == buddy {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		pm.free[order] = append(pm.free[order][:idx], pm.free[order][idx+1:]...)
		if buddy < pg {
			pg = buddy
		}
		order++
	}
	pm.free[order] = append(pm.free[order], pg)
}

// Allocated returns the number of pages currently allocated, for
// diagnostics and the stats subsystem.
func (pm *Physmem_t) Allocated() int64 {
	return atomic.LoadInt64(&pm.allocated)
}
