// Package vfs implements the vnode cache, the directory name lookup cache
// (DNLC, with negative caching), the mount graph, and path lookup.
// Grounded on original_source/fs/lookup.c, fs/vfs.c, fs/dnlc.c,
// fs/mount.c, and biscuit/src/fs/super.go (on-disk superblock field
// accessors, kept as the on-wire SuperBlock format below). The vnode
// cache and DNLC both ride on pkg/hashtable, exactly as the teacher's own
// fs layer would have had a hash table available to it.
package vfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/armpi/kernel/pkg/bpath"
	"github.com/armpi/kernel/pkg/bufcache"
	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/hashtable"
	"github.com/armpi/kernel/pkg/ipc"
	"github.com/armpi/kernel/pkg/ustr"
)

// Vtype enumerates the vnode types the spec's Vnode data model requires.
type Vtype int

const (
	VREG Vtype = iota
	VDIR
	VCHR
	VBLK
	VFIFO
)

// SuperBlock_t is one mounted filesystem instance: an IPC port to the
// filesystem driver that actually answers lookup/read/write requests, and
// the mount-graph edge pointing back at the vnode it's mounted on (nil for
// the root SuperBlock). Field accessors are kept flat — see
// biscuit/src/fs/super.go — for on-wire (de)serialization at mount time.
type SuperBlock_t struct {
	Id        uint64
	Port      *ipc.Port_t
	Cache     *bufcache.Cache_t // per-SB page/buffer cache; nil for SBs with no local block storage (e.g. a pure device directory)
	root      *Vnode_t
	mountedOn *Vnode_t // vnode_covered: the vnode in the parent fs this SB sits under

	devmu sync.Mutex // serializes VCHR/VBLK raw-IPC I/O, standing in for read_from_char's busy-flag+sleep
}

// AttachCache installs a buffer cache on sb, so vnodes belonging to it can
// read/write through read_from_cache/write_to_cache (fs/cache.c) instead of
// the raw block/char device paths.
func (sb *SuperBlock_t) AttachCache(disk bufcache.Disk_i) {
	sb.Cache = bufcache.MkCache(disk)
}

// Vnode_t is one cached inode. Generation is a random tag minted at
// cache-insertion time (not at on-disk creation time) purely so two
// separate cache residencies of "the same" persistent inode are
// distinguishable in diagnostics — see "generation tag" in SPEC_FULL.md's
// glossary additions.
type Vnode_t struct {
	mu          sync.Mutex
	Sb          *SuperBlock_t
	Ino         uint64
	Type        Vtype
	Generation  uuid.UUID
	refcnt      int32
	mountedHere *SuperBlock_t // vnode_mounted_here: set if another SB covers this vnode
	size        uint64        // VREG/VBLK current size in bytes, read by Lseek's SEEK_END and the cache read/write cluster loop
	rdev        uint64        // VCHR/VBLK device identifier, set at creation by whatever mkVnode-equivalent the driver lookup uses
	pipe        *Pipe_t       // VFIFO backing ring buffer, created lazily on first open
}

// Size returns v's current byte length.
func (v *Vnode_t) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// SetSize updates v's byte length, as write_to_cache does whenever a write
// extends a file past its previous end.
func (v *Vnode_t) SetSize(sz uint64) {
	v.mu.Lock()
	v.size = sz
	v.mu.Unlock()
}

// Rdev returns v's device identifier (VCHR/VBLK only).
func (v *Vnode_t) Rdev() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rdev
}

// SetRdev sets v's device identifier.
func (v *Vnode_t) SetRdev(rdev uint64) {
	v.mu.Lock()
	v.rdev = rdev
	v.mu.Unlock()
}

// pipeFor returns v's backing Pipe_t, creating one on first use. VFIFO only.
func (v *Vnode_t) pipeFor() *Pipe_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pipe == nil {
		v.pipe = MkPipe()
	}
	return v.pipe
}

func (v *Vnode_t) key() hashtable.VKey {
	return hashtable.VKey{Sb: v.Sb.Id, Ino: v.Ino}
}

// Ref bumps v's cache reference count (Vget).
func (v *Vnode_t) Ref() {
	v.mu.Lock()
	v.refcnt++
	v.mu.Unlock()
}

// Unref drops v's cache reference count (Vput). The vnode stays resident
// in the cache at refcnt 0: nothing evicts vnodes from the cache.
func (v *Vnode_t) Unref() {
	v.mu.Lock()
	if v.refcnt > 0 {
		v.refcnt--
	}
	v.mu.Unlock()
}

// Inum satisfies fdops.Inum_i.
func (v *Vnode_t) Inum() (uint64, uint64) { return v.Sb.Id, v.Ino }

// Fs_t ties the vnode cache, DNLC, and mount graph together into one
// instance of the filesystem namespace.
type Fs_t struct {
	vnodes *hashtable.Hashtable_t // VKey -> *Vnode_t
	dnlc   *hashtable.Hashtable_t // NKey -> dnlcEntry
	sflt   singleflight.Group
	rootSb *SuperBlock_t

	sbmu sync.Mutex
	sbs  []*SuperBlock_t // every SuperBlock currently grafted into the namespace, root first
}

type dnlcEntry struct {
	vn *Vnode_t // nil means a cached "definitely absent" (negative cache) entry
}

// MkFs creates a namespace rooted at rootSb.
func MkFs(rootSb *SuperBlock_t) *Fs_t {
	fs := &Fs_t{
		vnodes: hashtable.MkHash(4096),
		dnlc:   hashtable.MkHash(4096),
		rootSb: rootSb,
		sbs:    []*SuperBlock_t{rootSb},
	}
	fs.cacheVnode(rootSb.root)
	return fs
}

// Sync forces every delayed-write buffer in every mounted SuperBlock's cache
// to disk, matching sys_sync's namespace-wide vfs_sync walk (fs/sync.c).
// SuperBlocks with no attached cache (no local block storage) are skipped.
// Each SuperBlock syncs concurrently via errgroup, same as the teacher's own
// fan-out-and-join-on-first-error idiom elsewhere in the boot sequence.
func (fs *Fs_t) Sync() defs.Err_t {
	fs.sbmu.Lock()
	sbs := append([]*SuperBlock_t(nil), fs.sbs...)
	fs.sbmu.Unlock()

	var g errgroup.Group
	for _, sb := range sbs {
		sb := sb
		if sb.Cache == nil {
			continue
		}
		g.Go(func() error {
			if err := sb.Cache.SyncAll(); err != 0 {
				return syncErr(err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err.(syncErr).Err_t()
	}
	return 0
}

// syncErr adapts defs.Err_t to the `error` interface errgroup.Group.Go
// requires, without losing the original errno on the way back out.
type syncErr defs.Err_t

func (e syncErr) Error() string   { return fmt.Sprintf("sync: errno %d", int(e)) }
func (e syncErr) Err_t() defs.Err_t { return defs.Err_t(e) }

func (fs *Fs_t) cacheVnode(v *Vnode_t) *Vnode_t {
	if existing, ok := fs.vnodes.Get(v.key()); ok {
		return existing.(*Vnode_t)
	}
	fs.vnodes.Set(v.key(), v)
	return v
}

// MkVnode constructs and caches a fresh vnode for (sb, ino), tagged with a
// new cache generation.
func (fs *Fs_t) MkVnode(sb *SuperBlock_t, ino uint64, typ Vtype) *Vnode_t {
	v := &Vnode_t{Sb: sb, Ino: ino, Type: typ, Generation: uuid.New()}
	return fs.cacheVnode(v)
}

func dnlcKey(dir *Vnode_t, name ustr.Ustr) hashtable.NKey {
	return hashtable.NKey{Parent: dir.Ino, Name: name.String()}
}

// dnlcLookup consults the DNLC, returning (vnode, negative, hit). negative
// is true for a cached "this name does not exist" entry.
func (fs *Fs_t) dnlcLookup(dir *Vnode_t, name ustr.Ustr) (*Vnode_t, bool, bool) {
	v, ok := fs.dnlc.Get(dnlcKey(dir, name))
	if !ok {
		return nil, false, false
	}
	e := v.(dnlcEntry)
	return e.vn, e.vn == nil, true
}

func (fs *Fs_t) dnlcInsert(dir *Vnode_t, name ustr.Ustr, vn *Vnode_t) {
	fs.dnlc.Set(dnlcKey(dir, name), dnlcEntry{vn: vn})
}

// dnlcPurgeDir drops every DNLC entry rooted at dir. The teacher's own
// DNLC purge-on-unmount path was a documented FIXME in original_source
// (see SPEC_FULL §D); this walks the hash table's full Elems() list rather
// than maintaining a reverse per-directory index, which is the same
// "correct but not cheap" trade the FIXME accepted.
func (fs *Fs_t) dnlcPurgeDir(dir *Vnode_t) {
	for _, pair := range fs.dnlc.Elems() {
		k := pair.Key.(hashtable.NKey)
		if k.Parent == dir.Ino {
			fs.dnlc.Del(k)
		}
	}
}

// Lookup resolves one path component under dir, consulting the DNLC
// before asking the owning SuperBlock's driver, and crossing mount points
// transparently (vnode_mounted_here). Concurrent identical lookups
// (e.g. two threads both stat-ing a just-exec'd binary) collapse onto a
// single driver round trip via singleflight.
func (fs *Fs_t) Lookup(dir *Vnode_t, name ustr.Ustr) (*Vnode_t, defs.Err_t) {
	if name.Isdot() {
		return dir, 0
	}

	if vn, negative, hit := fs.dnlcLookup(dir, name); hit {
		if negative {
			return nil, -defs.ENOENT
		}
		return fs.crossMount(vn), 0
	}

	sfkey := fmt.Sprintf("%d:%d:%s", dir.Sb.Id, dir.Ino, name.String())
	v, err, _ := fs.sflt.Do(sfkey, func() (interface{}, error) {
		ino, typ, found := fs.driverLookup(dir, name)
		if !found {
			fs.dnlcInsert(dir, name, nil)
			return nil, nil
		}
		vn := fs.cacheVnode(&Vnode_t{Sb: dir.Sb, Ino: ino, Type: typ, Generation: uuid.New()})
		fs.dnlcInsert(dir, name, vn)
		return vn, nil
	})
	if err != nil {
		return nil, -defs.EIO
	}
	if v == nil {
		return nil, -defs.ENOENT
	}
	return fs.crossMount(v.(*Vnode_t)), 0
}

// LookupFlags controls LookupPath's resolution mode.
type LookupFlags int

const (
	// LookupPlain resolves every component of the path and returns its
	// final vnode.
	LookupPlain LookupFlags = iota

	// LookupParent stops one component short: it resolves every
	// component but the last and returns the parent directory plus the
	// unresolved final component name, for callers like create/mkdir/
	// unlink/rename that operate on a name within a directory rather
	// than an already-resolved vnode. Unlike lookup_last_component's
	// documented bug in original_source/fs/lookup.c (it ignores its own
	// return code and lookup() always reports success regardless), a
	// walk error on an intermediate component still propagates here —
	// only the final component is left unresolved, by construction,
	// never by swallowing an error.
	LookupParent
)

// LookupPath resolves path (absolute, or relative to start) component by
// component, crossing the mount graph in both directions: descending
// through a directory's vnode_mounted_here via Lookup, and ascending past
// a mounted filesystem's root through vnode_covered when a component is
// "..". Grounded on original_source/fs/lookup.c's lookup()/lookup_path()/
// lookup_last_component()/walk_component() state machine — the ld.parent/
// ld.vnode pair threaded across walk_component calls there is this
// function's cur/parent pair.
//
// Path components are taken from bpath.Split, not bpath.Canonicalize:
// Canonicalize collapses ".." lexically against the preceding path
// component, which is wrong once a mount point sits in between — "a/../b"
// must re-derive "a"'s actual parent from the mount graph if a is a mount
// root, not just drop both components textually. Each "." and ".." token
// therefore reaches walkComponent exactly as lookup_path feeds raw tokens
// to walk_component, one at a time.
func (fs *Fs_t) LookupPath(start *Vnode_t, path ustr.Ustr, flags LookupFlags) (parent *Vnode_t, vn *Vnode_t, last ustr.Ustr, err defs.Err_t) {
	dir := fs.crossMount(start)
	if path.IsAbsolute() {
		dir = fs.Root()
	}

	comps := bpath.Split(path)
	if len(comps) == 0 {
		if flags == LookupParent {
			return nil, nil, nil, -defs.EINVAL
		}
		return dir, dir, nil, 0
	}

	cur := dir
	for i, c := range comps {
		if flags == LookupParent && i == len(comps)-1 {
			return cur, nil, c, 0
		}
		next, werr := fs.walkComponent(cur, c)
		if werr != 0 {
			return nil, nil, nil, werr
		}
		cur = next
	}
	return cur, cur, nil, 0
}

// walkComponent resolves one raw path token against cur, matching
// walk_component: "." stays put, ".." ascends (possibly crossing a mount
// point upward), and any other name is a plain Lookup (which already
// crosses mount points downward via crossMount).
func (fs *Fs_t) walkComponent(cur *Vnode_t, c ustr.Ustr) (*Vnode_t, defs.Err_t) {
	switch {
	case c.Isdot():
		return cur, 0
	case c.Isdotdot():
		return fs.walkDotDot(cur)
	default:
		return fs.Lookup(cur, c)
	}
}

// walkDotDot resolves ".." from cur. The global namespace root's ".." is
// itself. If cur is the root vnode of a mounted SuperBlock, ".." ascends
// past the mount point to the vnode it covers in the parent filesystem
// (vnode_covered) and resolves ".." from there with one driver lookup; if
// that covering vnode is itself the root of another mount, that outer
// boundary is not crossed in the same step. Any other
// vnode's ".." is just another directory entry, answered by its own
// filesystem driver like any other name.
func (fs *Fs_t) walkDotDot(cur *Vnode_t) (*Vnode_t, defs.Err_t) {
	if cur == fs.Root() {
		return cur, 0
	}
	if cur.Sb.root == cur && cur.Sb.mountedOn != nil {
		// Substitute the covering vnode, then fall through to a single,
		// ordinary ".." driver lookup from there — walk_component does not
		// recheck the covering vnode for a further mount of its own; a
		// second, outer mount boundary takes a second ".." path component
		// to cross, same as any other directory hop.
		cur = cur.Sb.mountedOn
	}
	return fs.Lookup(cur, ustr.DotDot)
}

// crossMount follows vnode_mounted_here: if v is covered by another
// SuperBlock, Lookup (and "..") should see that SB's root instead of v.
func (fs *Fs_t) crossMount(v *Vnode_t) *Vnode_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mountedHere != nil {
		return v.mountedHere.root
	}
	return v
}

// driverLookup asks the owning SuperBlock's filesystem driver (over its
// message port) to resolve one component, per the IPC request/reply shape
// in pkg/ipc. Real drivers answer this from their on-disk directory
// format; this is the synchronous dispatch shim they'd sit behind.
func (fs *Fs_t) driverLookup(dir *Vnode_t, name ustr.Ustr) (ino uint64, typ Vtype, found bool) {
	var req [ipc.MsgDataSize]byte
	copy(req[8:], name)
	for i := 0; i < 8; i++ {
		req[i] = byte(dir.Ino >> (8 * uint(i)))
	}
	reply, err := dir.Sb.Port.Send(context.Background(), CmdLookup, req, nil, nil)
	if err != 0 || reply[0] == 0 {
		return 0, 0, false
	}
	var rino uint64
	for i := 0; i < 8; i++ {
		rino |= uint64(reply[1+i]) << (8 * uint(i))
	}
	return rino, Vtype(reply[9]), true
}

// Message commands the VFS layer issues over a SuperBlock's port.
const (
	CmdLookup uint32 = iota + 1
	CmdReadBuf
	CmdWriteBuf
)

// Mount grafts childSb onto dir, so future lookups of dir transparently
// resolve into childSb's root (vnode_mounted_here/vnode_covered, spec
// §3's mount graph). dir must not already have something mounted on it.
func (fs *Fs_t) Mount(dir *Vnode_t, childSb *SuperBlock_t) defs.Err_t {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if dir.mountedHere != nil {
		return -defs.EBUSY
	}
	dir.mountedHere = childSb
	childSb.mountedOn = dir
	dir.refcnt++
	fs.dnlcPurgeDir(dir)
	fs.sbmu.Lock()
	fs.sbs = append(fs.sbs, childSb)
	fs.sbmu.Unlock()
	return 0
}

// Unmount reverses Mount. Grounded on original_source/fs/mount.c;
// rename-while-mounted and other pivot-root edge cases are resolved in
// SPEC_FULL §D as best-effort no-ops rather than hard failures.
func (fs *Fs_t) Unmount(childSb *SuperBlock_t) defs.Err_t {
	dir := childSb.mountedOn
	if dir == nil {
		return -defs.EINVAL
	}
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if dir.mountedHere != childSb {
		return -defs.EINVAL
	}
	dir.mountedHere = nil
	childSb.mountedOn = nil
	dir.refcnt--
	fs.dnlcPurgeDir(dir)
	fs.sbmu.Lock()
	for i, sb := range fs.sbs {
		if sb == childSb {
			fs.sbs = append(fs.sbs[:i], fs.sbs[i+1:]...)
			break
		}
	}
	fs.sbmu.Unlock()
	return 0
}

// Renamemount moves childSb's mount point from its current directory to
// newDir, the sys_pivotroot-adjacent edge case SPEC_FULL §C calls out.
// Best-effort per §D's resolution: if newDir is itself a mount point the
// call fails rather than silently nesting mounts.
func (fs *Fs_t) Renamemount(childSb *SuperBlock_t, newDir *Vnode_t) defs.Err_t {
	oldDir := childSb.mountedOn
	if oldDir == nil {
		return -defs.EINVAL
	}
	if fs.Ismount(newDir) {
		return -defs.EBUSY
	}

	oldDir.mu.Lock()
	oldDir.mountedHere = nil
	oldDir.refcnt--
	oldDir.mu.Unlock()
	fs.dnlcPurgeDir(oldDir)

	newDir.mu.Lock()
	newDir.mountedHere = childSb
	newDir.refcnt++
	newDir.mu.Unlock()
	childSb.mountedOn = newDir
	fs.dnlcPurgeDir(newDir)
	return 0
}

// Ismount reports whether v has another SuperBlock mounted on it.
func (fs *Fs_t) Ismount(v *Vnode_t) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mountedHere != nil
}

// Root returns the namespace's root vnode.
func (fs *Fs_t) Root() *Vnode_t {
	return fs.rootSb.root
}

// MkRootSb constructs a SuperBlock with its root vnode (ino 0, VDIR)
// already built; MkFs puts the root SuperBlock's root vnode in the vnode
// cache.
func MkRootSb(id uint64, port *ipc.Port_t) *SuperBlock_t {
	sb := &SuperBlock_t{Id: id, Port: port}
	sb.root = &Vnode_t{Sb: sb, Ino: 0, Type: VDIR, Generation: uuid.New()}
	return sb
}
