// Package stat mirrors a file's stat(2) information as a fixed-layout
// struct that can be copied to user memory as raw bytes. Grounded on
// biscuit/src/stat/stat.go; field set extended with a/m/c-time per spec
// §3's Vnode attributes.
package stat

// Stat_t is the on-the-wire stat structure.
type Stat_t struct {
	Dev    uint64
	Ino    uint64
	Mode   uint64
	Nlink  uint64
	Size   uint64
	Rdev   uint64
	Uid    uint64
	Gid    uint64
	Atime  int64
	Mtime  int64
	Ctime  int64
	Blocks uint64
}

func (st *Stat_t) Wdev(v uint64)    { st.Dev = v }
func (st *Stat_t) Wino(v uint64)    { st.Ino = v }
func (st *Stat_t) Wmode(v uint64)   { st.Mode = v }
func (st *Stat_t) Wsize(v uint64)   { st.Size = v }
func (st *Stat_t) Wrdev(v uint64)   { st.Rdev = v }
func (st *Stat_t) Wnlink(v uint64)  { st.Nlink = v }
func (st *Stat_t) Wuid(v uint64)    { st.Uid = v }
func (st *Stat_t) Wgid(v uint64)    { st.Gid = v }
func (st *Stat_t) Wmtime(v int64)   { st.Mtime = v }

func (st *Stat_t) Mode_() uint64 { return st.Mode }
func (st *Stat_t) Size_() uint64 { return st.Size }
func (st *Stat_t) Rdev_() uint64 { return st.Rdev }
func (st *Stat_t) Ino_() uint64  { return st.Ino }

// Bytes exposes the struct as a fixed-size field-order byte encoding,
// suitable for copying to user memory via vm.K2user.
func (st *Stat_t) Bytes() []uint8 {
	out := make([]uint8, 12*8)
	fields := []uint64{
		st.Dev, st.Ino, st.Mode, st.Nlink, st.Size, st.Rdev,
		st.Uid, st.Gid, uint64(st.Atime), uint64(st.Mtime), uint64(st.Ctime), st.Blocks,
	}
	for i, f := range fields {
		for b := 0; b < 8; b++ {
			out[i*8+b] = uint8(f >> (8 * uint(b)))
		}
	}
	return out
}
