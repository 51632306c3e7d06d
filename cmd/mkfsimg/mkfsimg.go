// Command mkfsimg builds a bootable disk image: a bootloader/kernel
// prefix followed by a flat filesystem image populated from a host
// skeleton directory.
//
// Adapted from the teacher's mkfs (biscuit/src/mkfs/mkfs.go, which drove
// biscuit/src/ufs/ufs.go's on-disk format) onto this kernel's own block
// layer — pkg/bufcache.Cache_t/Disk_i and pkg/vfs's Vtype constants —
// instead of the teacher's x86 ufs.Ufs_t. The on-disk layout itself
// (superblock + flat inode table + data blocks) is a fresh, minimal
// design sized for this kernel's simulated block device, not a literal
// port of ufs.go's layout.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/armpi/kernel/pkg/bufcache"
	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/mem"
	"github.com/armpi/kernel/pkg/vfs"
)

// physPages bounds how much of the host's memory this tool borrows as
// scratch space for in-flight blocks via pkg/mem's arena — the same
// page allocator the kernel itself uses, reused here as a host-side
// staging buffer rather than introducing a second byte-slice pool.
const physPages = 1 << 16

const (
	bsize     = mem.PGSIZE
	ninodes   = 4096
	maxName   = 56
	superBlkn = 0
	inodeBlkn = 1
	// inodes are packed bsize/inodeSize per block
	inodeSize = 128
)

type inode struct {
	typ      uint32
	size     uint64
	nblocks  uint32
	blocks   [12]uint32
	name     [maxName]byte
	parent   uint32
}

// fileDisk implements bufcache.Disk_i by reading/writing bsize blocks of
// a host file, the host-side stand-in for the simulated block device
// the real kernel's Disk_i talks to over the SD/MMC controller.
type fileDisk struct {
	f    *os.File
	base int64 // file offset of block 0, just past the boot/kernel prefix
}

func (d *fileDisk) Start(req *bufcache.Req_t) defs.Err_t {
	off := d.base + int64(req.Blkn)*bsize
	switch req.Op {
	case bufcache.ReqRead:
		if _, err := d.f.ReadAt(req.Data, off); err != nil && err != io.EOF {
			req.Done(-defs.EIO)
			return -defs.EIO
		}
	case bufcache.ReqWrite:
		if _, err := d.f.WriteAt(req.Data, off); err != nil {
			req.Done(-defs.EIO)
			return -defs.EIO
		}
	}
	req.Done(0)
	return 0
}

type builder struct {
	disk    *fileDisk
	cache   *bufcache.Cache_t
	next    uint32 // next free data block, past the inode table
	inodes  []inode
	nextIno uint32
}

func newBuilder(path string) *builder {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	d := &fileDisk{f: f}
	b := &builder{
		disk:    d,
		cache:   bufcache.MkCache(d),
		inodes:  make([]inode, ninodes),
		nextIno: 1, // inode 0 is the root directory
	}
	inodeBlocks := (ninodes*inodeSize + bsize - 1) / bsize
	b.next = uint32(inodeBlkn + inodeBlocks)
	b.inodes[0] = inode{typ: uint32(vfs.VDIR), name: [maxName]byte{'/'}}
	return b
}

func (b *builder) allocInode(typ vfs.Vtype, name string, parent uint32) uint32 {
	ino := b.nextIno
	b.nextIno++
	var n inode
	n.typ = uint32(typ)
	n.parent = parent
	copy(n.name[:], name)
	b.inodes[ino] = n
	return ino
}

func (b *builder) writeFile(ino uint32, path string) {
	f, err := os.Open(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	n := &b.inodes[ino]
	buf := make([]byte, bsize)
	for {
		nr, err := f.Read(buf)
		if nr > 0 {
			blkn := b.next
			b.next++
			if int(n.nblocks) < len(n.blocks) {
				n.blocks[n.nblocks] = blkn
			}
			n.nblocks++
			n.size += uint64(nr)
			buf2 := make([]byte, bsize)
			copy(buf2, buf[:nr])
			bh, _ := b.cache.Bread(uint64(blkn))
			copy(bh.Data(), buf2)
			b.cache.Bwrite(bh)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			panic(err)
		}
	}
}

// addfiles walks skeldir on the host and replicates it into the image,
// mirroring the teacher's addfiles but against this package's own
// inode/block allocator instead of ufs.Ufs_t.MkDir/MkFile/Append.
func (b *builder) addfiles(skeldir string) {
	err := filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			fmt.Printf("failed to access %q: %v\n", path, err)
			return err
		}
		rel := strings.TrimPrefix(path, skeldir)
		rel = strings.TrimPrefix(rel, string(os.PathSeparator))
		if rel == "" {
			return nil
		}
		parent := uint32(0) // flat namespace: every entry's parent is root
		if d.IsDir() {
			b.allocInode(vfs.VDIR, rel, parent)
			return nil
		}
		ino := b.allocInode(vfs.VREG, rel, parent)
		b.writeFile(ino, path)
		return nil
	})
	if err != nil {
		fmt.Printf("error walking the path %q: %v\n", skeldir, err)
		os.Exit(1)
	}
}

func (b *builder) writeSuperAndInodes() {
	sb := make([]byte, bsize)
	binary.LittleEndian.PutUint32(sb[0:4], 0xb15c0172) // magic
	binary.LittleEndian.PutUint32(sb[4:8], ninodes)
	binary.LittleEndian.PutUint32(sb[8:12], uint32(inodeBlkn))
	bh, _ := b.cache.Bread(superBlkn)
	copy(bh.Data(), sb)
	b.cache.Bwrite(bh)

	perBlock := bsize / inodeSize
	for blk := 0; blk*perBlock < ninodes; blk++ {
		bh, _ := b.cache.Bread(uint64(inodeBlkn + blk))
		data := bh.Data()
		for i := 0; i < perBlock; i++ {
			idx := blk*perBlock + i
			if idx >= ninodes {
				break
			}
			encodeInode(data[i*inodeSize:(i+1)*inodeSize], &b.inodes[idx])
		}
		b.cache.Bwrite(bh)
	}
}

func encodeInode(dst []byte, n *inode) {
	binary.LittleEndian.PutUint32(dst[0:4], n.typ)
	binary.LittleEndian.PutUint64(dst[4:12], n.size)
	binary.LittleEndian.PutUint32(dst[12:16], n.nblocks)
	for i, blk := range n.blocks {
		binary.LittleEndian.PutUint32(dst[16+i*4:20+i*4], blk)
	}
	copy(dst[16+len(n.blocks)*4:], n.name[:])
}

func main() {
	if len(os.Args) < 5 {
		fmt.Printf("Usage: mkfsimg <bootimage> <kernel image> <output image> <skel dir>\n")
		os.Exit(1)
	}
	bootimage, kernelimage, out, skel := os.Args[1], os.Args[2], os.Args[3], os.Args[4]

	mem.Phys_init(physPages, 0)
	b := newBuilder(out)
	prependBootAndKernel(b.disk.f, bootimage, kernelimage)
	b.disk.base, _ = b.disk.f.Seek(0, io.SeekCurrent)
	b.addfiles(skel)
	b.writeSuperAndInodes()
	b.disk.f.Close()
}

// prependBootAndKernel concatenates the bootloader and kernel images at
// the start of the output file, ahead of the filesystem's own blocks,
// matching the teacher's ufs.MkDisk(image, inputs, ...) layout.
func prependBootAndKernel(out *os.File, bootimage, kernelimage string) {
	for _, in := range []string{bootimage, kernelimage} {
		src, err := os.Open(in)
		if err != nil {
			panic(err)
		}
		if _, err := io.Copy(out, src); err != nil {
			panic(err)
		}
		src.Close()
	}
	// pad up to the start of the superblock's block
	pos, _ := out.Seek(0, io.SeekCurrent)
	pad := (bsize - pos%bsize) % bsize
	if pad > 0 {
		out.Write(make([]byte, pad))
	}
}
