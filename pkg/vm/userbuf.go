package vm

import "github.com/armpi/kernel/pkg/defs"

// Userbuf_t adapts a [userva, userva+len) range of an AddressSpace to the
// fdops.Userio_i contract, so read(2)/write(2)/pipe code can move bytes to
// or from user memory without knowing whether the other end is a vnode, a
// circbuf, or another Userbuf_t. Grounded on biscuit/src/vm/userbuf.go's
// Userbuf_t/Uioread/Uiowrite.
type Userbuf_t struct {
	as       *AddressSpace_t
	userva   uintptr
	len      int
	consumed int
}

// Ub_init binds a Userbuf_t to the given address space and range.
func (ub *Userbuf_t) Ub_init(as *AddressSpace_t, userva uintptr, len int) {
	ub.as = as
	ub.userva = userva
	ub.len = len
	ub.consumed = 0
}

// Remain returns how many bytes are left unconsumed.
func (ub *Userbuf_t) Remain() int { return ub.len - ub.consumed }

// Totalsz returns the buffer's total length.
func (ub *Userbuf_t) Totalsz() int { return ub.len }

// Uioread copies up to len(dst) remaining bytes from user memory into dst.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	n := ub.Remain()
	if n > len(dst) {
		n = len(dst)
	}
	if n == 0 {
		return 0, 0
	}
	if err := ub.as.User2k(dst[:n], ub.userva+uintptr(ub.consumed)); err != 0 {
		return 0, err
	}
	ub.consumed += n
	return n, 0
}

// Uiowrite copies up to len(src) bytes from src into the remaining portion
// of user memory.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := ub.Remain()
	if n > len(src) {
		n = len(src)
	}
	if n == 0 {
		return 0, 0
	}
	if err := ub.as.K2user(src[:n], ub.userva+uintptr(ub.consumed)); err != 0 {
		return 0, err
	}
	ub.consumed += n
	return n, 0
}
