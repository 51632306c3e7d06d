package bufcache

import (
	"sync"
	"testing"
	"time"

	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/mem"
)

type memDisk struct {
	mu      sync.Mutex
	blocks  map[uint64][]byte
	writes  int
}

func newMemDisk() *memDisk { return &memDisk{blocks: make(map[uint64][]byte)} }

func (d *memDisk) Start(req *Req_t) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch req.Op {
	case ReqRead:
		if b, ok := d.blocks[req.Blkn]; ok {
			copy(req.Data, b)
		}
	case ReqWrite:
		cp := make([]byte, len(req.Data))
		copy(cp, req.Data)
		d.blocks[req.Blkn] = cp
		d.writes++
	}
	req.Done(0)
	return 0
}

func TestMain(m *testing.M) {
	mem.Phys_init(256, 0)
	m.Run()
}

func TestBreadCachesAndBwrite(t *testing.T) {
	disk := newMemDisk()
	disk.blocks[5] = append(make([]byte, 0, mem.PGSIZE), []byte("hello")...)
	c := MkCache(disk)

	b, err := c.Bread(5)
	if err != 0 {
		t.Fatalf("Bread: %d", err)
	}
	if string(b.Data()[:5]) != "hello" {
		t.Fatalf("Bread data = %q, want hello", b.Data()[:5])
	}

	b2, err := c.Bread(5)
	if err != 0 || b2 != b {
		t.Fatal("expected second Bread to hit the cache and return the same Buf_t")
	}

	copy(b.Data(), []byte("world"))
	if err := c.Bwrite(b); err != 0 {
		t.Fatalf("Bwrite: %d", err)
	}
	if string(disk.blocks[5][:5]) != "world" {
		t.Fatalf("disk block after Bwrite = %q, want world", disk.blocks[5][:5])
	}
}

func TestBdwriteDeferredUntilFsync(t *testing.T) {
	disk := newMemDisk()
	c := MkCache(disk)

	b, _ := c.Bread(10)
	copy(b.Data(), []byte("deferred"))
	c.Bdwrite(b, 42)

	disk.mu.Lock()
	writesBefore := disk.writes
	disk.mu.Unlock()
	if writesBefore != 0 {
		t.Fatalf("Bdwrite should not write immediately, got %d writes", writesBefore)
	}

	if err := c.Fsync(42); err != 0 {
		t.Fatalf("Fsync: %d", err)
	}
	disk.mu.Lock()
	writesAfter := disk.writes
	disk.mu.Unlock()
	if writesAfter != 1 {
		t.Fatalf("Fsync should have written exactly once, got %d", writesAfter)
	}
	if string(disk.blocks[10][:8]) != "deferred" {
		t.Fatalf("disk block after Fsync = %q, want deferred", disk.blocks[10][:8])
	}
}

func TestBdflushDrainsDelayedBuffers(t *testing.T) {
	disk := newMemDisk()
	c := MkCache(disk)
	c.SetDelwriDelay(5 * time.Millisecond)

	b, _ := c.Bread(20)
	copy(b.Data(), []byte("flushme"))
	c.Bdwrite(b, 7)

	stop := make(chan struct{})
	go c.Bdflush(5*time.Millisecond, stop)
	defer close(stop)

	deadline := time.Now().Add(time.Second)
	for {
		disk.mu.Lock()
		n := disk.writes
		disk.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bdflush never wrote the delayed buffer")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBdflushSkipsUnexpiredDelayedBuffers(t *testing.T) {
	disk := newMemDisk()
	c := MkCache(disk)
	c.SetDelwriDelay(time.Hour)

	b, _ := c.Bread(21)
	copy(b.Data(), []byte("nothing"))
	c.Bdwrite(b, 8)

	c.flushPass()
	disk.mu.Lock()
	n := disk.writes
	disk.mu.Unlock()
	if n != 0 {
		t.Fatalf("flushPass converted an unexpired delayed buffer, got %d writes", n)
	}
}
