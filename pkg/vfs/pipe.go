package vfs

import (
	"sync"

	"github.com/armpi/kernel/pkg/circbuf"
	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/fdops"
	"github.com/armpi/kernel/pkg/sched"
)

// Pipe_t is a VFIFO vnode's backing ring buffer: pkg/circbuf given the
// blocking reader/writer semantics original_source/fs/pipe.c's
// read_from_pipe/write_to_pipe implement over a raw ring with no wakeup
// mechanism of its own. One Pipe_t is shared by every Filp_t opened on the
// same FIFO vnode; readers block on rendez while the ring is empty and at
// least one writer remains, writers block while it's full and at least one
// reader remains.
type Pipe_t struct {
	mu      sync.Mutex
	cb      circbuf.Circbuf_t
	rendez  *sched.Rendez_t
	readers int
	writers int
}

// MkPipe allocates an empty pipe.
func MkPipe() *Pipe_t {
	p := &Pipe_t{rendez: sched.MkRendez()}
	p.cb.Cb_init()
	return p
}

// AddReader/AddWriter/DropReader/DropWriter track the FIFO's open-end
// reference counts (fs/pipe.c's pi_readers/pi_writers), so the other side
// can tell EOF (no writers left) from broken-pipe (no readers left) apart
// from "temporarily empty/full".
func (p *Pipe_t) AddReader() {
	p.mu.Lock()
	p.readers++
	p.mu.Unlock()
}

func (p *Pipe_t) AddWriter() {
	p.mu.Lock()
	p.writers++
	p.mu.Unlock()
}

func (p *Pipe_t) DropReader() {
	p.mu.Lock()
	p.readers--
	p.mu.Unlock()
	sched.Lock()
	p.rendez.TaskWakeupAll()
	sched.Unlock()
}

func (p *Pipe_t) DropWriter() {
	p.mu.Lock()
	p.writers--
	p.mu.Unlock()
	sched.Lock()
	p.rendez.TaskWakeupAll()
	sched.Unlock()
}

// Read drains up to dst's capacity from the ring, blocking while the ring
// is empty and a writer remains open; once every writer has dropped, an
// empty ring reads as EOF (0, nil) rather than blocking forever, matching
// read_from_pipe's "pi_writers == 0" check.
func (p *Pipe_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	for {
		p.mu.Lock()
		empty := p.cb.Empty()
		writersLeft := p.writers
		p.mu.Unlock()
		if !empty || writersLeft == 0 {
			break
		}
		sched.Lock()
		p.rendez.Sleep()
		sched.Unlock()
	}
	n, err := p.cb.Copyout(dst)
	sched.Lock()
	p.rendez.TaskWakeupAll()
	sched.Unlock()
	return n, err
}

// Write copies src into the ring, blocking while it's full and a reader
// remains; if every reader has already dropped, a write to the pipe fails
// with EPIPE instead of blocking forever, matching write_to_pipe's
// "pi_readers == 0" check.
func (p *Pipe_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	p.mu.Lock()
	readersLeft := p.readers
	p.mu.Unlock()
	if readersLeft == 0 {
		return 0, -defs.EPIPE
	}

	total := 0
	for src.Remain() > 0 {
		p.mu.Lock()
		full := p.cb.Full()
		readersLeft := p.readers
		p.mu.Unlock()
		if readersLeft == 0 {
			return total, -defs.EPIPE
		}
		if full {
			sched.Lock()
			p.rendez.Sleep()
			sched.Unlock()
			continue
		}
		n, err := p.cb.Copyin(src)
		total += n
		sched.Lock()
		p.rendez.TaskWakeupAll()
		sched.Unlock()
		if err != 0 {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, 0
}
