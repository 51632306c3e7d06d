// Package bufcache implements the unified page/buffer cache: per-vnode
// lists of disk-backed Buf blocks with the write-behind (bawrite) and
// delayed-write (bdwrite) disciplines, plus a bdflush worker that
// periodically drains delayed-write buffers back to disk. Grounded
// heavily on biscuit/src/fs/blk.go (Bdev_block_t, BlkList_t, and the
// synchronous/async Write/Write_async/Read request pattern, kept close to
// verbatim) generalized from a single free-standing disk cache to the
// per-vnode delayed/pending split spec §4.5 requires, and on
// original_source/fs/cache.c and fs/bdflush.c for the flush-interval and
// dirty-list bookkeeping.
package bufcache

import (
	"sync"
	"time"

	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/mem"
)

// Disk_i is the block device a Buf ultimately reads from or writes to.
// Grounded on biscuit/src/fs/blk.go's Disk_i.
type Disk_i interface {
	Start(req *Req_t) defs.Err_t
}

// ReqOp names what a Req_t asks the disk to do.
type ReqOp int

const (
	ReqRead ReqOp = iota
	ReqWrite
)

// Req_t is one outstanding disk request, completed by the Disk_i calling
// Done with the result.
type Req_t struct {
	Op   ReqOp
	Blkn uint64
	Data []byte
	done chan defs.Err_t
}

// MkRequest allocates a request with its completion channel ready.
func MkRequest(op ReqOp, blkn uint64, data []byte) *Req_t {
	return &Req_t{Op: op, Blkn: blkn, Data: data, done: make(chan defs.Err_t, 1)}
}

// Done is called by the Disk_i implementation once the request completes.
func (r *Req_t) Done(err defs.Err_t) { r.done <- err }

// Wait blocks until the request completes and returns its result.
func (r *Req_t) Wait() defs.Err_t { return <-r.done }

// dirty state of a cached block, determining which write discipline
// applies to it.
type dirty int

const (
	clean dirty = iota
	delayed        // bdwrite: dirty, not yet scheduled for write-back
	pending        // bawrite: write-back issued, not yet acknowledged
)

// Buf_t is one cached disk block.
type Buf_t struct {
	mu       sync.Mutex
	Blkn     uint64
	Pg       mem.Pageno
	dirty    dirty
	vn       uint64    // owning vnode's inode number, for per-vnode list membership
	expireAt time.Time // delayed-write expiration; set by Bdwrite, read by flushPass
}

// Data returns the block's backing bytes.
func (b *Buf_t) Data() []byte {
	return mem.Phys.Dmap(b.Pg)
}

// DelwriDelayTicks is the default interval a delayed-write buffer sits
// before bdflush is willing to convert it to a write-behind, grounded on
// fs/cache.c's DELWRI_DELAY_TICKS (500 hardclock ticks there; represented
// here as a wall-clock duration since this simulation has no hardclock
// tick source of its own).
const DelwriDelayTicks = 5 * time.Second

// Cache_t is the system-wide buffer cache: one Buf_t per (disk, block
// number), plus a per-vnode list of that vnode's dirty buffers so bdflush
// and fsync can find exactly the blocks that belong to one file.
type Cache_t struct {
	disk Disk_i

	mu          sync.Mutex
	blocks      map[uint64]*Buf_t   // block number -> buf
	byVnode     map[uint64][]*Buf_t // vnode ino -> dirty bufs belonging to it
	delwriDelay time.Duration
}

// MkCache allocates an empty buffer cache backed by disk.
func MkCache(disk Disk_i) *Cache_t {
	return &Cache_t{
		disk:        disk,
		blocks:      make(map[uint64]*Buf_t),
		byVnode:     make(map[uint64][]*Buf_t),
		delwriDelay: DelwriDelayTicks,
	}
}

// SetDelwriDelay overrides the delayed-write expiration interval (tests
// use a short one rather than waiting out the real default).
func (c *Cache_t) SetDelwriDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delwriDelay = d
}

// Bread returns the Buf_t for blkn, reading it from disk on a cache miss.
func (c *Cache_t) Bread(blkn uint64) (*Buf_t, defs.Err_t) {
	c.mu.Lock()
	if b, ok := c.blocks[blkn]; ok {
		c.mu.Unlock()
		return b, 0
	}
	c.mu.Unlock()

	pg, buf, ok := mem.Phys.Refpg_new_nozero(mem.ClassSmall)
	if !ok {
		return nil, -defs.ENOMEM
	}
	req := MkRequest(ReqRead, blkn, buf)
	if err := c.disk.Start(req); err != 0 {
		return nil, err
	}
	if err := req.Wait(); err != 0 {
		return nil, err
	}

	b := &Buf_t{Blkn: blkn, Pg: pg}
	c.mu.Lock()
	if existing, ok := c.blocks[blkn]; ok {
		// Lost a concurrent-miss race; keep the winner, drop our page.
		c.mu.Unlock()
		mem.Phys.Refdown(pg, mem.ClassSmall)
		return existing, 0
	}
	c.blocks[blkn] = b
	c.mu.Unlock()
	return b, 0
}

// BreadZero returns the Buf_t for blkn without reading it from disk,
// zero-filling a freshly allocated page instead. Grounded on fs/cache.c's
// bread_zero: write_to_cache calls this (never Bread) for a cluster past
// the file's previous end, where the block has no real on-disk content yet
// and Bread's disk round trip would hand back whatever garbage happened to
// be on that sector rather than the zeros a newly extended file must read
// back as.
func (c *Cache_t) BreadZero(blkn uint64) (*Buf_t, defs.Err_t) {
	c.mu.Lock()
	if b, ok := c.blocks[blkn]; ok {
		c.mu.Unlock()
		return b, 0
	}
	c.mu.Unlock()

	pg, _, ok := mem.Phys.Refpg_new(mem.ClassSmall)
	if !ok {
		return nil, -defs.ENOMEM
	}

	b := &Buf_t{Blkn: blkn, Pg: pg}
	c.mu.Lock()
	if existing, ok := c.blocks[blkn]; ok {
		c.mu.Unlock()
		mem.Phys.Refdown(pg, mem.ClassSmall)
		return existing, 0
	}
	c.blocks[blkn] = b
	c.mu.Unlock()
	return b, 0
}

// SyncAll forces every delayed-write buffer in the cache to disk
// synchronously, regardless of which vnode it belongs to — the bdflush-on-
// demand half of sys_sync's global flush (fs/sync.c), as opposed to Fsync's
// single-vnode scope.
func (c *Cache_t) SyncAll() defs.Err_t {
	c.mu.Lock()
	var bufs []*Buf_t
	for _, vb := range c.byVnode {
		bufs = append(bufs, vb...)
	}
	c.mu.Unlock()
	for _, b := range bufs {
		b.mu.Lock()
		needsWrite := b.dirty == delayed
		b.mu.Unlock()
		if needsWrite {
			if err := c.Bwrite(b); err != 0 {
				return err
			}
		}
	}
	return 0
}

// attachVnode records that b belongs to vnode vnIno, for bdflush/fsync.
func (c *Cache_t) attachVnode(b *Buf_t, vnIno uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.vn == vnIno {
		for _, o := range c.byVnode[vnIno] {
			if o == b {
				return
			}
		}
	}
	b.vn = vnIno
	c.byVnode[vnIno] = append(c.byVnode[vnIno], b)
}

// Bwrite writes b to disk synchronously and blocks until the write
// completes.
func (c *Cache_t) Bwrite(b *Buf_t) defs.Err_t {
	b.mu.Lock()
	b.dirty = clean
	data := b.Data()
	b.mu.Unlock()
	req := MkRequest(ReqWrite, b.Blkn, data)
	if err := c.disk.Start(req); err != 0 {
		return err
	}
	return req.Wait()
}

// Bawrite issues an asynchronous write-behind: the disk write is started
// but Bawrite does not wait for completion, marking the buffer pending
// until it is.
func (c *Cache_t) Bawrite(b *Buf_t) defs.Err_t {
	b.mu.Lock()
	b.dirty = pending
	data := b.Data()
	b.mu.Unlock()
	req := MkRequest(ReqWrite, b.Blkn, data)
	err := c.disk.Start(req)
	go func() {
		req.Wait()
		b.mu.Lock()
		if b.dirty == pending {
			b.dirty = clean
		}
		b.mu.Unlock()
	}()
	return err
}

// Bdwrite marks b dirty without writing it back immediately: the write is
// deferred until DelwriDelayTicks elapses (or an explicit fsync forces it
// sooner), matching bdwrite's expiration_time = get_hardclock() +
// DELWRI_DELAY_TICKS.
func (c *Cache_t) Bdwrite(b *Buf_t, vnIno uint64) {
	c.mu.Lock()
	delay := c.delwriDelay
	c.mu.Unlock()

	b.mu.Lock()
	b.dirty = delayed
	b.expireAt = time.Now().Add(delay)
	b.mu.Unlock()
	c.attachVnode(b, vnIno)
}

// Fsync forces every delayed-write buffer belonging to vnIno to disk
// synchronously, for fsync(2)/close-on-a-dirty-file semantics.
func (c *Cache_t) Fsync(vnIno uint64) defs.Err_t {
	c.mu.Lock()
	bufs := append([]*Buf_t(nil), c.byVnode[vnIno]...)
	c.mu.Unlock()
	for _, b := range bufs {
		b.mu.Lock()
		needsWrite := b.dirty == delayed
		b.mu.Unlock()
		if needsWrite {
			if err := c.Bwrite(b); err != 0 {
				return err
			}
		}
	}
	return 0
}

// Bdflush periodically scans every vnode's delayed-write buffers and
// issues a write-behind for each one whose expiration has passed (see
// flushPass), the classic "flush dirty buffers every few seconds" daemon.
// It runs until stop is closed.
func (c *Cache_t) Bdflush(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.flushPass()
		}
	}
}

// flushPass converts only the delayed-write buffers whose expiration has
// already elapsed, matching bgetdirtybuf's "expiration_time <= now" gate —
// a buffer written again before it expires never hits the disk via bdflush
// at all, just like the teacher's delayed-write list.
func (c *Cache_t) flushPass() {
	now := time.Now()
	c.mu.Lock()
	var due []*Buf_t
	for _, bufs := range c.byVnode {
		for _, b := range bufs {
			b.mu.Lock()
			if b.dirty == delayed && !b.expireAt.After(now) {
				due = append(due, b)
			}
			b.mu.Unlock()
		}
	}
	c.mu.Unlock()
	for _, b := range due {
		c.Bawrite(b)
	}
}
