// Package kqueue implements the event-filter/knote notification
// mechanism: EVFILT_READ/WRITE/VNODE/MSGPORT/IRQ/THREAD_EVENT filters and
// the EV_ADD/DELETE/ENABLE/DISABLE/ONESHOT knote lifecycle. Grounded on
// original_source/fs/kqueue.c; the vector-allocation idiom for IRQ-backed
// knotes is grounded on biscuit/src/msi/msi.go (kept as pkg/irq).
package kqueue

import "sync"

// Filter names the event source a knote watches.
type Filter int

const (
	EVFILT_READ Filter = iota
	EVFILT_WRITE
	EVFILT_VNODE
	EVFILT_MSGPORT
	EVFILT_IRQ
	EVFILT_THREAD_EVENT
)

// Flags control a knote's lifecycle, matching kevent(2)'s EV_* bits.
type Flags int

const (
	EV_ADD Flags = 1 << iota
	EV_DELETE
	EV_ENABLE
	EV_DISABLE
	EV_ONESHOT
	EV_CLEAR
)

// Ident identifies the watched object: an fd number, a vnode id, a
// message port id, or an IRQ line, depending on Filter.
type Ident uint64

// Knote_t is one registered (ident, filter) watch.
type Knote_t struct {
	Ident    Ident
	Filter   Filter
	Flags    Flags
	Udata    interface{}
	disabled bool
	pending  int // accumulated "data" value (e.g. bytes readable)
}

// Kqueue_t is one kqueue instance: a process's set of knotes plus the
// queue of knotes that currently have a pending event.
type Kqueue_t struct {
	mu     sync.Mutex
	notes  map[uint64]*Knote_t // (ident,filter) packed key -> knote
	ready  []*Knote_t
	notify chan struct{}
}

func key(id Ident, f Filter) uint64 {
	return uint64(id)<<8 | uint64(f)
}

// MkKqueue allocates an empty kqueue.
func MkKqueue() *Kqueue_t {
	return &Kqueue_t{notes: make(map[uint64]*Knote_t), notify: make(chan struct{}, 1)}
}

// Register applies flags to the (ident, filter) knote, creating it on
// EV_ADD and removing it on EV_DELETE. Returns the knote (nil if deleted).
func (kq *Kqueue_t) Register(id Ident, f Filter, flags Flags, udata interface{}) *Knote_t {
	kq.mu.Lock()
	defer kq.mu.Unlock()
	k := key(id, f)
	n := kq.notes[k]

	if flags&EV_DELETE != 0 {
		delete(kq.notes, k)
		return nil
	}
	if flags&EV_ADD != 0 && n == nil {
		n = &Knote_t{Ident: id, Filter: f, Flags: flags, Udata: udata}
		kq.notes[k] = n
	}
	if n == nil {
		return nil
	}
	if flags&EV_ENABLE != 0 {
		n.disabled = false
	}
	if flags&EV_DISABLE != 0 {
		n.disabled = true
	}
	n.Flags = flags
	return n
}

// Trigger posts an event against every knote watching (ident, filter),
// adding data to its accumulated pending count and waking Wait.
func (kq *Kqueue_t) Trigger(id Ident, f Filter, data int) {
	kq.mu.Lock()
	n, ok := kq.notes[key(id, f)]
	if !ok || n.disabled {
		kq.mu.Unlock()
		return
	}
	n.pending += data
	kq.ready = append(kq.ready, n)
	kq.mu.Unlock()
	select {
	case kq.notify <- struct{}{}:
	default:
	}
}

// Event is one fired knote returned by Wait.
type Event struct {
	Ident Ident
	Filter Filter
	Data  int
	Udata interface{}
}

// Wait blocks until at least one knote is ready (or abort fires) and
// drains all currently-ready knotes, disarming EV_ONESHOT ones.
func (kq *Kqueue_t) Wait(abort <-chan struct{}) []Event {
	for {
		kq.mu.Lock()
		if len(kq.ready) > 0 {
			ready := kq.ready
			kq.ready = nil
			var evs []Event
			for _, n := range ready {
				evs = append(evs, Event{Ident: n.Ident, Filter: n.Filter, Data: n.pending, Udata: n.Udata})
				n.pending = 0
				if n.Flags&EV_ONESHOT != 0 {
					delete(kq.notes, key(n.Ident, n.Filter))
				}
			}
			kq.mu.Unlock()
			return evs
		}
		kq.mu.Unlock()
		select {
		case <-kq.notify:
		case <-abort:
			return nil
		}
	}
}
