package vfs

import (
	"context"
	"sync"

	"github.com/armpi/kernel/pkg/bufcache"
	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/fdops"
	"github.com/armpi/kernel/pkg/ipc"
	"github.com/armpi/kernel/pkg/mem"
)

// accmode isolates the O_RDONLY/O_WRONLY/O_RDWR bits of an open flags word.
func accmode(flags int) int { return flags & 0x3 }

// Filp_t is the open-file-description object a file descriptor's Fdops_i
// points at: a Vnode plus the offset/flags state private to one open(2)
// call (shared across dup'd descriptors of the same Filp, per Reopen).
// Dispatches Read/Write/Lseek by vnode type, matching original_source's
// sys_read/sys_write dispatch in fs/read.c and fs/write.c: VREG through
// the per-vnode page/buffer cache (fs/cache.c), VBLK/VCHR as raw IPC to the
// owning SuperBlock's driver bypassing the cache (fs/block.c, fs/char.c),
// VFIFO through the vnode's Pipe_t ring buffer (fs/pipe.c), VDIR rejected.
type Filp_t struct {
	mu     sync.Mutex
	Vn     *Vnode_t
	off    uint64
	flags  int
	refcnt int32
}

// MkFilp opens vn for flags, returning a fresh Filp_t with one reference.
// VFIFO opens register the open end with the vnode's Pipe_t so the other
// end can distinguish "temporarily empty" from "writer gone" (EOF) and
// "reader gone" (EPIPE).
func MkFilp(vn *Vnode_t, flags int) *Filp_t {
	vn.Ref()
	f := &Filp_t{Vn: vn, flags: flags, refcnt: 1}
	if vn.Type == VFIFO {
		pipe := vn.pipeFor()
		switch accmode(flags) {
		case defs.O_RDONLY:
			pipe.AddReader()
		case defs.O_WRONLY:
			pipe.AddWriter()
		case defs.O_RDWR:
			pipe.AddReader()
			pipe.AddWriter()
		}
	}
	return f
}

// Reopen bumps the Filp's reference count for dup/dup2/fork — the pipe's
// reader/writer counts are NOT touched here, since a dup shares the same
// open file description rather than performing a fresh open.
func (f *Filp_t) Reopen() defs.Err_t {
	f.mu.Lock()
	f.refcnt++
	f.mu.Unlock()
	return 0
}

// Close drops one reference, releasing the vnode and (on the last close of
// a FIFO end) unregistering from the pipe once the refcount reaches zero.
func (f *Filp_t) Close() defs.Err_t {
	f.mu.Lock()
	f.refcnt--
	last := f.refcnt <= 0
	f.mu.Unlock()
	if !last {
		return 0
	}
	if f.Vn.Type == VFIFO {
		pipe := f.Vn.pipeFor()
		switch accmode(f.flags) {
		case defs.O_RDONLY:
			pipe.DropReader()
		case defs.O_WRONLY:
			pipe.DropWriter()
		case defs.O_RDWR:
			pipe.DropReader()
			pipe.DropWriter()
		}
	}
	f.Vn.Unref()
	return 0
}

// Pathi satisfies fdops.Fdops_i, identifying the backing vnode for
// fchdir/ioctl-style "which object" operations.
func (f *Filp_t) Pathi() fdops.Inum_i { return f.Vn }

// Fstat fills st from the backing vnode's cached attributes.
func (f *Filp_t) Fstat(st fdops.Stat_i) defs.Err_t {
	vn := f.Vn
	st.Wdev(vn.Sb.Id)
	st.Wino(vn.Ino)
	st.Wmode(uint64(vn.Type))
	st.Wsize(vn.Size())
	st.Wrdev(vn.Rdev())
	st.Wnlink(1)
	return 0
}

// Read dispatches to the vnode-type-specific read path and advances the
// Filp's offset by the number of bytes actually read (VFIFO has no
// offset — pipes are a byte stream, not seekable).
func (f *Filp_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	f.mu.Lock()
	off := f.off
	f.mu.Unlock()
	vn := f.Vn

	var n int
	var err defs.Err_t
	switch vn.Type {
	case VDIR:
		return 0, -defs.EBADF
	case VFIFO:
		n, err = vn.pipeFor().Read(dst)
	case VCHR, VBLK:
		n, err = driverReadRaw(vn, off, dst)
	default: // VREG
		n, err = readFromCache(vn, off, dst)
	}
	if err == 0 && vn.Type != VFIFO {
		f.mu.Lock()
		f.off += uint64(n)
		f.mu.Unlock()
	}
	return n, err
}

// Write dispatches to the vnode-type-specific write path, extending the
// vnode's recorded size for VREG writes that land past the previous end.
func (f *Filp_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	f.mu.Lock()
	off := f.off
	if f.flags&defs.O_APPEND != 0 {
		off = f.Vn.Size()
	}
	f.mu.Unlock()
	vn := f.Vn

	var n int
	var err defs.Err_t
	switch vn.Type {
	case VDIR:
		return 0, -defs.EISDIR
	case VFIFO:
		n, err = vn.pipeFor().Write(src)
	case VCHR, VBLK:
		n, err = driverWriteRaw(vn, off, src)
	default: // VREG
		n, err = writeToCache(vn, off, src)
	}
	if err == 0 && vn.Type != VFIFO {
		f.mu.Lock()
		f.off = off + uint64(n)
		f.mu.Unlock()
	}
	return n, err
}

// Lseek repositions the Filp's offset, valid on VREG/VBLK only —
// everything else (pipes, char devices, directories) is not seekable, per
// fs/seek.c's sys_lseek vnode-type guard.
func (f *Filp_t) Lseek(off, whence int) (int, defs.Err_t) {
	if f.Vn.Type != VREG && f.Vn.Type != VBLK {
		return 0, -defs.ESPIPE
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var newoff int64
	switch whence {
	case defs.SEEK_SET:
		newoff = int64(off)
	case defs.SEEK_CUR:
		newoff = int64(f.off) + int64(off)
	case defs.SEEK_END:
		newoff = int64(f.Vn.Size()) + int64(off)
	default:
		return 0, -defs.EINVAL
	}
	if newoff < 0 {
		return 0, -defs.EINVAL
	}
	f.off = uint64(newoff)
	return int(f.off), 0
}

// Fsync forces vn's dirty buffers to disk, for fsync(2)/close-on-a-dirty-
// file. VREG only — fs/sync.c's sys_fsync rejects anything else.
func (f *Filp_t) Fsync() defs.Err_t {
	if f.Vn.Type != VREG {
		return -defs.EINVAL
	}
	if f.Vn.Sb.Cache == nil {
		return 0
	}
	return f.Vn.Sb.Cache.Fsync(f.Vn.Ino)
}

// Truncate updates vn's recorded size. Simplified relative to the
// original's truncate, which also frees now-unreferenced blocks past the
// new end; this cache never evicts blocks under memory pressure either
// (see Vnode_t.Unref), so freeing them here would just leave stale cache
// entries an extending write could resurrect with garbage content instead
// of the zero-fill BreadZero guarantees on a genuinely new block.
func (f *Filp_t) Truncate(newlen uint) defs.Err_t {
	if f.Vn.Type != VREG {
		return -defs.EINVAL
	}
	f.Vn.SetSize(uint64(newlen))
	return 0
}

// Mmapi returns the cache pages backing [off, off+length) of a VREG vnode,
// reading them through the same page cache Read/Write use (so mmap and
// read/write stay coherent on the same vnode), creating any page past the
// current end zero-filled exactly as an extending write would.
func (f *Filp_t) Mmapi(off, length int, inheritable bool) ([]fdops.MMapInfo, defs.Err_t) {
	if f.Vn.Type != VREG {
		return nil, -defs.ENODEV
	}
	if f.Vn.Sb.Cache == nil {
		return nil, -defs.EIO
	}
	size := f.Vn.Size()
	var infos []fdops.MMapInfo
	for o := off; o < off+length; o += mem.PGSIZE {
		pageIdx := uint64(o) / uint64(mem.PGSIZE)
		var blk *bufcache.Buf_t
		var err defs.Err_t
		if uint64(o) >= size {
			blk, err = f.Vn.Sb.Cache.BreadZero(blkKey(f.Vn.Ino, pageIdx))
		} else {
			blk, err = f.Vn.Sb.Cache.Bread(blkKey(f.Vn.Ino, pageIdx))
		}
		if err != 0 {
			return infos, err
		}
		infos = append(infos, fdops.MMapInfo{PA: uintptr(blk.Pg) * mem.PGSIZE, Kptr: blk.Data()})
	}
	return infos, 0
}

// blkKey folds a vnode's inode number and page-aligned page index into the
// flat block-number key space bufcache.Cache_t indexes Buf_t by, so the
// system-wide cache serves as the per-vnode file cache without any changes
// to pkg/bufcache itself. 2^32 pages per inode (16TiB at a 4KiB page size)
// is more headroom than this simulation's disks ever need.
func blkKey(ino, pageIdx uint64) uint64 {
	return ino<<32 | pageIdx
}

// readFromCache implements fs/cache.c's read_from_cache: a page-aligned
// cluster loop over Bread, clamped to the vnode's recorded size (reading
// past EOF returns fewer bytes, or zero at EOF, never an error).
func readFromCache(vn *Vnode_t, off uint64, dst fdops.Userio_i) (int, defs.Err_t) {
	if vn.Sb.Cache == nil {
		return 0, -defs.EIO
	}
	size := vn.Size()
	if off >= size {
		return 0, 0
	}
	want := dst.Remain()
	total := 0
	for total < want {
		cur := off + uint64(total)
		if cur >= size {
			break
		}
		pageIdx := cur / uint64(mem.PGSIZE)
		pageOff := int(cur % uint64(mem.PGSIZE))

		blk, err := vn.Sb.Cache.Bread(blkKey(vn.Ino, pageIdx))
		if err != 0 {
			return total, err
		}
		data := blk.Data()
		end := pageOff + (want - total)
		if end > mem.PGSIZE {
			end = mem.PGSIZE
		}
		if clusterEnd := pageIdx*uint64(mem.PGSIZE) + uint64(end); clusterEnd > size {
			end = int(size - pageIdx*uint64(mem.PGSIZE))
		}
		if end <= pageOff {
			break
		}
		n, werr := dst.Uiowrite(data[pageOff:end])
		total += n
		if werr != 0 {
			return total, werr
		}
		if n < end-pageOff {
			break
		}
	}
	return total, 0
}

// writeToCache implements fs/cache.c's write_to_cache: a page-aligned
// cluster loop, using BreadZero (not Bread) for any cluster entirely past
// the vnode's current size so an extending write never reads stale disk
// content into the new block, and Bread for a cluster that overlaps
// existing data so a partial-block write preserves the untouched bytes.
// Every touched block is handed to Bdwrite, joining the delayed-write
// discipline bdflush and Fsync already drain.
func writeToCache(vn *Vnode_t, off uint64, src fdops.Userio_i) (int, defs.Err_t) {
	if vn.Sb.Cache == nil {
		return 0, -defs.EIO
	}
	want := src.Remain()
	total := 0
	size := vn.Size()
	for total < want {
		cur := off + uint64(total)
		pageIdx := cur / uint64(mem.PGSIZE)
		pageOff := int(cur % uint64(mem.PGSIZE))
		clusterBase := pageIdx * uint64(mem.PGSIZE)

		var blk *bufcache.Buf_t
		var err defs.Err_t
		if clusterBase >= size {
			blk, err = vn.Sb.Cache.BreadZero(blkKey(vn.Ino, pageIdx))
		} else {
			blk, err = vn.Sb.Cache.Bread(blkKey(vn.Ino, pageIdx))
		}
		if err != 0 {
			return total, err
		}

		data := blk.Data()
		end := pageOff + (want - total)
		if end > mem.PGSIZE {
			end = mem.PGSIZE
		}
		n, rerr := src.Uioread(data[pageOff:end])
		total += n
		vn.Sb.Cache.Bdwrite(blk, vn.Ino)
		if newEnd := cur + uint64(n); newEnd > size {
			size = newEnd
			vn.SetSize(size)
		}
		if rerr != 0 {
			return total, rerr
		}
		if n < end-pageOff {
			break
		}
	}
	return total, 0
}

// driverReadRaw performs raw IPC read round trips to vn.Sb's driver for
// VBLK/VCHR vnodes, which bypass the page cache entirely (fs/block.c's
// read_from_block, fs/char.c's read_from_char — a disk/console transfer,
// not a cacheable file page). Bulk data rides in the fixed-size message
// payload itself, chunked across as many round trips as needed: block/char
// transfers in this simulation have no separate DMA-style bulk channel the
// way a real driver's iovs would carry one. devmu serializes concurrent
// callers, standing in for read_from_char's busy-flag-plus-sleep
// serialization without replicating its interruptibility (nothing in this
// simulation needs to interrupt an in-flight device transfer).
func driverReadRaw(vn *Vnode_t, off uint64, dst fdops.Userio_i) (int, defs.Err_t) {
	vn.Sb.devmu.Lock()
	defer vn.Sb.devmu.Unlock()

	const maxChunk = ipc.MsgDataSize - 9
	total := 0
	for dst.Remain() > 0 {
		chunk := dst.Remain()
		if chunk > maxChunk {
			chunk = maxChunk
		}
		var req [ipc.MsgDataSize]byte
		cur := off + uint64(total)
		for i := 0; i < 8; i++ {
			req[i] = byte(cur >> (8 * uint(i)))
		}
		req[8] = byte(chunk)
		reply, serr := vn.Sb.Port.Send(context.Background(), CmdReadBuf, req, nil, nil)
		if serr != 0 {
			return total, serr
		}
		n := int(reply[0])
		if n > chunk {
			n = chunk
		}
		if n == 0 {
			break
		}
		wrote, werr := dst.Uiowrite(reply[1 : 1+n])
		total += wrote
		if werr != 0 {
			return total, werr
		}
		if wrote < n {
			break
		}
	}
	return total, 0
}

// driverWriteRaw is driverReadRaw's write-side counterpart (fs/block.c's
// write_to_block, fs/char.c's write_to_char).
func driverWriteRaw(vn *Vnode_t, off uint64, src fdops.Userio_i) (int, defs.Err_t) {
	vn.Sb.devmu.Lock()
	defer vn.Sb.devmu.Unlock()

	const maxChunk = ipc.MsgDataSize - 9
	total := 0
	for src.Remain() > 0 {
		chunk := src.Remain()
		if chunk > maxChunk {
			chunk = maxChunk
		}
		tmp := make([]byte, chunk)
		n, rerr := src.Uioread(tmp)
		if rerr != 0 {
			return total, rerr
		}
		if n == 0 {
			break
		}
		var req [ipc.MsgDataSize]byte
		cur := off + uint64(total)
		for i := 0; i < 8; i++ {
			req[i] = byte(cur >> (8 * uint(i)))
		}
		req[8] = byte(n)
		copy(req[9:9+n], tmp[:n])
		reply, serr := vn.Sb.Port.Send(context.Background(), CmdWriteBuf, req, nil, nil)
		if serr != 0 {
			return total, serr
		}
		acked := int(reply[0])
		total += acked
		if acked < n {
			break
		}
	}
	return total, 0
}
