package vfs

import (
	"testing"
	"time"

	"github.com/armpi/kernel/pkg/bufcache"
	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/ipc"
	"github.com/armpi/kernel/pkg/mem"
	"github.com/armpi/kernel/pkg/ustr"
)

func TestMain(m *testing.M) {
	mem.Phys_init(4096, 0)
	m.Run()
}

// testUio is a minimal fdops.Userio_i test double over a plain Go slice,
// standing in for vm.Userbuf_t the way original_source's in-kernel test
// harnesses used a flat memory buffer instead of a real address space.
type testUio struct {
	buf  []uint8
	off  int
}

func (u *testUio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, u.buf[u.off:])
	u.off += n
	return n, 0
}

func (u *testUio) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(u.buf[u.off:], src)
	u.off += n
	return n, 0
}

func (u *testUio) Remain() int  { return len(u.buf) - u.off }
func (u *testUio) Totalsz() int { return len(u.buf) }

// memBlockDisk is bufcache's test disk, duplicated here (bufcache's is
// unexported) so Cache_t has something to Bread/Bwrite against.
type memBlockDisk struct {
	blocks map[uint64][]byte
}

func newMemBlockDisk() *memBlockDisk { return &memBlockDisk{blocks: make(map[uint64][]byte)} }

func (d *memBlockDisk) Start(req *bufcache.Req_t) defs.Err_t {
	switch req.Op {
	case bufcache.ReqRead:
		if b, ok := d.blocks[req.Blkn]; ok {
			copy(req.Data, b)
		}
	case bufcache.ReqWrite:
		cp := make([]byte, len(req.Data))
		copy(cp, req.Data)
		d.blocks[req.Blkn] = cp
	}
	req.Done(0)
	return 0
}

func mkRegFile(t *testing.T) (*Fs_t, *Vnode_t) {
	t.Helper()
	fs := setupFs(t)
	sb := fs.Root().Sb
	sb.AttachCache(newMemBlockDisk())
	vn := fs.MkVnode(sb, 100, VREG)
	return fs, vn
}

func TestFileWriteThenReadRoundTrips(t *testing.T) {
	_, vn := mkRegFile(t)
	f := MkFilp(vn, defs.O_RDWR)

	payload := []byte("hello, vfs")
	wn, err := f.Write(&testUio{buf: payload})
	if err != 0 || wn != len(payload) {
		t.Fatalf("Write = (%d,%d), want (%d,0)", wn, err, len(payload))
	}
	if vn.Size() != uint64(len(payload)) {
		t.Fatalf("vn.Size() = %d, want %d", vn.Size(), len(payload))
	}

	if _, err := f.Lseek(0, defs.SEEK_SET); err != 0 {
		t.Fatalf("Lseek: %d", err)
	}
	got := make([]byte, len(payload))
	rn, err := f.Read(&testUio{buf: got})
	if err != 0 || rn != len(payload) {
		t.Fatalf("Read = (%d,%d), want (%d,0)", rn, err, len(payload))
	}
	if string(got) != string(payload) {
		t.Fatalf("Read back %q, want %q", got, payload)
	}
}

func TestFileWritePastEndZeroFillsGap(t *testing.T) {
	_, vn := mkRegFile(t)
	f := MkFilp(vn, defs.O_RDWR)

	// Write lands in the same (never-before-touched) page the new block
	// covers, so BreadZero — not Bread — is what must supply the gap's
	// zero fill: the bytes preceding "tail" within this page never went
	// through any write.
	const gapLen = 100
	if _, err := f.Lseek(gapLen, defs.SEEK_SET); err != 0 {
		t.Fatalf("Lseek: %d", err)
	}
	tail := []byte("tail")
	if _, err := f.Write(&testUio{buf: tail}); err != 0 {
		t.Fatalf("Write: %d", err)
	}

	if _, err := f.Lseek(0, defs.SEEK_SET); err != 0 {
		t.Fatalf("Lseek: %d", err)
	}
	got := make([]byte, gapLen+len(tail))
	n, err := f.Read(&testUio{buf: got})
	if err != 0 || n != len(got) {
		t.Fatalf("Read = (%d,%d), want (%d,0)", n, err, len(got))
	}
	for i := 0; i < gapLen; i++ {
		if got[i] != 0 {
			t.Fatalf("gap byte %d = %d, want 0 (zero-filled, not stale/garbage)", i, got[i])
		}
	}
	if string(got[gapLen:]) != string(tail) {
		t.Fatalf("tail = %q, want %q", got[gapLen:], tail)
	}
}

func TestFileReadPastEndReturnsShortRead(t *testing.T) {
	_, vn := mkRegFile(t)
	f := MkFilp(vn, defs.O_RDWR)
	f.Write(&testUio{buf: []byte("abc")})
	f.Lseek(0, defs.SEEK_SET)

	got := make([]byte, 16)
	n, err := f.Read(&testUio{buf: got})
	if err != 0 || n != 3 {
		t.Fatalf("Read = (%d,%d), want (3,0)", n, err)
	}
}

func TestFileFsyncFlushesCache(t *testing.T) {
	fs, vn := mkRegFile(t)
	f := MkFilp(vn, defs.O_RDWR)
	f.Write(&testUio{buf: []byte("durable")})

	if err := f.Fsync(); err != 0 {
		t.Fatalf("Fsync: %d", err)
	}
	if err := fs.Sync(); err != 0 {
		t.Fatalf("Fs_t.Sync: %d", err)
	}
}

func TestFileTruncateUpdatesSize(t *testing.T) {
	_, vn := mkRegFile(t)
	f := MkFilp(vn, defs.O_RDWR)
	f.Write(&testUio{buf: []byte("0123456789")})

	if err := f.Truncate(4); err != 0 {
		t.Fatalf("Truncate: %d", err)
	}
	if vn.Size() != 4 {
		t.Fatalf("vn.Size() = %d, want 4", vn.Size())
	}
}

func TestFileDirReadIsEbadf(t *testing.T) {
	fs := setupFs(t)
	root := fs.Root()
	f := MkFilp(root, defs.O_RDONLY)
	_, err := f.Read(&testUio{buf: make([]byte, 8)})
	if err != -defs.EBADF {
		t.Fatalf("Read on VDIR = %d, want -EBADF", err)
	}
}

func TestPipeReadBlocksUntilWriteThenSeesEOF(t *testing.T) {
	fs := setupFs(t)
	root := fs.Root()
	vn := fs.MkVnode(root.Sb, 200, VFIFO)

	rf := MkFilp(vn, defs.O_RDONLY)
	wf := MkFilp(vn, defs.O_WRONLY)

	done := make(chan struct{})
	var got []byte
	var rerr defs.Err_t
	go func() {
		buf := make([]byte, 5)
		var n int
		n, rerr = rf.Read(&testUio{buf: buf})
		got = buf[:n]
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("pipe Read returned before any writer wrote or closed")
	default:
	}

	if _, err := wf.Write(&testUio{buf: []byte("abcde")}); err != 0 {
		t.Fatalf("pipe Write: %d", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pipe Read never woke after a write")
	}
	if rerr != 0 || string(got) != "abcde" {
		t.Fatalf("pipe Read = (%q,%d), want (abcde,0)", got, rerr)
	}

	wf.Close()
	n, err := rf.Read(&testUio{buf: make([]byte, 4)})
	if err != 0 || n != 0 {
		t.Fatalf("pipe Read after writer close = (%d,%d), want (0,0) EOF", n, err)
	}
}

func TestPipeWriteAfterReadersGoneIsEpipe(t *testing.T) {
	fs := setupFs(t)
	root := fs.Root()
	vn := fs.MkVnode(root.Sb, 201, VFIFO)

	rf := MkFilp(vn, defs.O_RDONLY)
	wf := MkFilp(vn, defs.O_WRONLY)
	rf.Close()

	_, err := wf.Write(&testUio{buf: []byte("x")})
	if err != -defs.EPIPE {
		t.Fatalf("Write with no readers = %d, want -EPIPE", err)
	}
}

// fakeBlockDriver answers CmdReadBuf/CmdWriteBuf against an in-memory byte
// slice, standing in for a raw block/char device driver on the other end
// of the SuperBlock's port.
func fakeBlockDriver(port *ipc.Port_t, backing []byte) {
	for {
		msg := port.Receive()
		if msg == nil {
			return
		}
		var reply [ipc.MsgDataSize]byte
		var off uint64
		for i := 0; i < 8; i++ {
			off |= uint64(msg.Data[i]) << (8 * uint(i))
		}
		n := int(msg.Data[8])
		switch msg.Cmd {
		case CmdReadBuf:
			avail := len(backing) - int(off)
			if avail < 0 {
				avail = 0
			}
			if n > avail {
				n = avail
			}
			reply[0] = byte(n)
			copy(reply[1:], backing[off:int(off)+n])
		case CmdWriteBuf:
			copy(backing[off:int(off)+n], msg.Data[9:9+n])
			reply[0] = byte(n)
		}
		port.Reply(msg, reply)
	}
}

func TestBlockDeviceRawReadWriteBypassesCache(t *testing.T) {
	fs := setupFs(t)
	port := ipc.MkPort()
	backing := make([]byte, 64)
	go fakeBlockDriver(port, backing)
	sb := MkRootSb(5, port)
	vn := fs.MkVnode(sb, 1, VBLK)

	f := MkFilp(vn, defs.O_RDWR)
	wn, err := f.Write(&testUio{buf: []byte("raw-block-data")})
	if err != 0 || wn != len("raw-block-data") {
		t.Fatalf("Write = (%d,%d)", wn, err)
	}
	if string(backing[:wn]) != "raw-block-data" {
		t.Fatalf("backing = %q, want raw-block-data", backing[:wn])
	}

	f.Lseek(0, defs.SEEK_SET)
	got := make([]byte, wn)
	rn, err := f.Read(&testUio{buf: got})
	if err != 0 || rn != wn || string(got) != "raw-block-data" {
		t.Fatalf("Read = (%q,%d,%d), want raw-block-data", got, rn, err)
	}
}

func TestLookupPathThenOpenByPath(t *testing.T) {
	fs := setupFs(t)
	root := fs.Root()
	sb := root.Sb
	sb.AttachCache(newMemBlockDisk())

	_, vn, _, err := fs.LookupPath(root, ustr.Ustr("/home/user"), LookupPlain)
	if err != 0 {
		t.Fatalf("LookupPath: %d", err)
	}
	vn.Type = VREG
	f := MkFilp(vn, defs.O_RDWR)
	if _, err := f.Write(&testUio{buf: []byte("x")}); err != 0 {
		t.Fatalf("Write: %d", err)
	}
}
