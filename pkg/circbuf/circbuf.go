// Package circbuf implements a fixed-size circular byte buffer backed by a
// single physical page, used by pipes and the console line discipline.
// Grounded on biscuit/src/circbuf/circbuf.go; Copyin/Copyout are adapted
// from the teacher's fdops.Userio_i-shaped user-copy path onto the new
// pkg/fdops package (the interface itself is unchanged in spirit — it is
// exactly the Uioread/Uiowrite contract the teacher's version used).
package circbuf

import (
	"sync"

	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/fdops"
)

const pagesize = 4096

// Circbuf_t is a single-producer/single-consumer ring buffer of at most
// pagesize-1 bytes (one slot is always kept empty to disambiguate full from
// empty without a separate counter).
type Circbuf_t struct {
	sync.Mutex
	buf        []uint8
	head, tail int
	sz         int
}

// Cb_init allocates a circbuf backed by a freshly made slice.
func (cb *Circbuf_t) Cb_init() {
	cb.buf = make([]uint8, pagesize)
	cb.sz = pagesize
}

// Cb_init_phys initializes a circbuf over caller-supplied storage (e.g. a
// physical page from pkg/mem), for callers that need the backing memory
// pinned or reused across circbufs.
func (cb *Circbuf_t) Cb_init_phys(backing []uint8) {
	cb.buf = backing
	cb.sz = len(backing)
}

// Cb_release drops the circbuf's backing storage.
func (cb *Circbuf_t) Cb_release() {
	cb.buf = nil
}

// Bufsz returns the usable capacity (one less than backing storage size).
func (cb *Circbuf_t) Bufsz() int {
	return cb.sz - 1
}

func (cb *Circbuf_t) used() int {
	if cb.head >= cb.tail {
		return cb.head - cb.tail
	}
	return cb.sz - cb.tail + cb.head
}

// Full reports whether the circbuf has no room for another byte.
func (cb *Circbuf_t) Full() bool {
	cb.Lock()
	defer cb.Unlock()
	return cb.used() == cb.sz-1
}

// Empty reports whether the circbuf holds no bytes.
func (cb *Circbuf_t) Empty() bool {
	cb.Lock()
	defer cb.Unlock()
	return cb.used() == 0
}

// Left returns free space; Used returns occupied space.
func (cb *Circbuf_t) Left() int {
	cb.Lock()
	defer cb.Unlock()
	return cb.Bufsz() - cb.used()
}

func (cb *Circbuf_t) Used() int {
	cb.Lock()
	defer cb.Unlock()
	return cb.used()
}

func (cb *Circbuf_t) advhead(n int) {
	cb.head = (cb.head + n) % cb.sz
}

func (cb *Circbuf_t) advtail(n int) {
	cb.tail = (cb.tail + n) % cb.sz
}

// Rawwrite copies src directly into the ring at the head, advancing head;
// the caller must have already checked Left() >= len(src).
func (cb *Circbuf_t) Rawwrite(src []uint8) {
	cb.Lock()
	defer cb.Unlock()
	for _, b := range src {
		cb.buf[cb.head] = b
		cb.advhead(1)
	}
}

// Rawread copies up to len(dst) bytes out of the ring at the tail into dst,
// advancing tail, and returns the count copied.
func (cb *Circbuf_t) Rawread(dst []uint8) int {
	cb.Lock()
	defer cb.Unlock()
	n := 0
	for n < len(dst) && cb.used() > 0 {
		dst[n] = cb.buf[cb.tail]
		cb.advtail(1)
		n++
	}
	return n
}

// Copyin reads bytes out of src (a userspace source, e.g. a write(2)
// buffer) into the ring until either the ring fills or src is exhausted.
func (cb *Circbuf_t) Copyin(src fdops.Userio_i) (int, defs.Err_t) {
	total := 0
	tmp := make([]uint8, 512)
	for {
		cb.Lock()
		room := cb.Bufsz() - cb.used()
		cb.Unlock()
		if room == 0 {
			break
		}
		n := len(tmp)
		if n > room {
			n = room
		}
		got, err := src.Uioread(tmp[:n])
		if err != 0 {
			return total, err
		}
		if got == 0 {
			break
		}
		cb.Rawwrite(tmp[:got])
		total += got
		if got < n {
			break
		}
	}
	return total, 0
}

// Copyout drains the entire ring into dst (e.g. a read(2) destination).
func (cb *Circbuf_t) Copyout(dst fdops.Userio_i) (int, defs.Err_t) {
	return cb.Copyout_n(dst, cb.Used())
}

// Copyout_n drains at most max bytes from the ring into dst.
func (cb *Circbuf_t) Copyout_n(dst fdops.Userio_i, max int) (int, defs.Err_t) {
	total := 0
	tmp := make([]uint8, 512)
	for total < max {
		n := len(tmp)
		if rem := max - total; n > rem {
			n = rem
		}
		got := cb.Rawread(tmp[:n])
		if got == 0 {
			break
		}
		wrote, err := dst.Uiowrite(tmp[:got])
		total += wrote
		if err != 0 {
			return total, err
		}
		if wrote < got {
			break
		}
	}
	return total, 0
}
