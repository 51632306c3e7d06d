// Package irq allocates ARM interrupt-controller lines and dispatches
// hardware interrupts to registered server callbacks, masking/unmasking
// at the (simulated) GIC as servers attach and detach. The vector
// free-list idiom is adapted from biscuit/src/msi/msi.go's Msivec_t
// allocator, generalized from a flat 8-vector MSI pool to the 0..Nirqs-1
// line numbering an ARM GIC exposes.
package irq

import (
	"fmt"
	"sync"

	"github.com/armpi/kernel/pkg/kqueue"
)

// Nirqs is the number of interrupt lines modeled, matching the SPI range
// a small ARM GIC distributor exposes to a microkernel guest.
const Nirqs = 64

// Server_t is one interrupt line's registered handler.
type Server_t struct {
	Line    int
	masked  bool
	handler func(line int)
}

// Controller_t tracks which lines are free, which are attached to a
// server, and whether each is currently masked at the distributor.
type Controller_t struct {
	mu      sync.Mutex
	avail   map[int]bool
	servers map[int]*Server_t
	kq      *kqueue.Kqueue_t // EVFILT_IRQ events are posted here, if set
}

// MkController allocates a controller with all Nirqs lines free. kq may
// be nil if the caller doesn't want EVFILT_IRQ kqueue integration.
func MkController(kq *kqueue.Kqueue_t) *Controller_t {
	c := &Controller_t{avail: make(map[int]bool), servers: make(map[int]*Server_t), kq: kq}
	for i := 0; i < Nirqs; i++ {
		c.avail[i] = true
	}
	return c
}

// Alloc reserves a free interrupt line, panicking if none remain — the
// same "there are only so many vectors" contract as Msi_alloc.
func (c *Controller_t) Alloc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for line := range c.avail {
		delete(c.avail, line)
		return line
	}
	panic("no more IRQ lines")
}

// Free releases line back to the pool. line must not have an attached
// server.
func (c *Controller_t) Free(line int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.servers[line]; busy {
		panic(fmt.Sprintf("irq line %d freed while a server is still attached", line))
	}
	if c.avail[line] {
		panic("double free")
	}
	c.avail[line] = true
}

// Addinterruptserver attaches handler to line, unmasking it. Only one
// server may be attached to a line at a time.
func (c *Controller_t) Addinterruptserver(line int, handler func(line int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.servers[line]; ok {
		panic(fmt.Sprintf("irq line %d already has a server", line))
	}
	c.servers[line] = &Server_t{Line: line, handler: handler}
}

// Removeinterruptserver detaches line's server and masks it.
func (c *Controller_t) Removeinterruptserver(line int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.servers, line)
}

// Maskinterrupt marks line as masked at the distributor: Raise on a
// masked line is dropped, matching a real GIC's ICENABLER behavior.
func (c *Controller_t) Maskinterrupt(line int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.servers[line]; ok {
		s.masked = true
	}
}

// Unmaskinterrupt reverses Maskinterrupt.
func (c *Controller_t) Unmaskinterrupt(line int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.servers[line]; ok {
		s.masked = false
	}
}

// Raise simulates the GIC delivering an interrupt on line: it invokes
// the attached handler (if any and unmasked) and posts an EVFILT_IRQ
// event to the kqueue, if one was configured.
func (c *Controller_t) Raise(line int) {
	c.mu.Lock()
	s, ok := c.servers[line]
	c.mu.Unlock()
	if !ok || s.masked {
		return
	}
	if s.handler != nil {
		s.handler(line)
	}
	if c.kq != nil {
		c.kq.Trigger(kqueue.Ident(line), kqueue.EVFILT_IRQ, 1)
	}
}
