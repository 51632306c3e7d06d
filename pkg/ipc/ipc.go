// Package ipc implements message-port IPC: fixed-size typed request/reply
// messages with an optional scatter-gather bulk-data iov, a per-port
// backlog bounded to 32 concurrent in-flight messages (msgid is the
// backlog bitmap's index), and the CMD_ABORT cancellation protocol.
// Grounded on original_source/fs/msg.c and fs/msgport.c, with the
// request/ack queueing pattern carried from biscuit/src/fs/blk.go's
// Bdev_req_t (a disk request is itself a tiny fixed-shape message with a
// reply channel, the same skeleton this package generalizes).
package ipc

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/sched"
)

// MsgDataSize is the fixed payload size of one message, matching the
// spec's "typed fixed-size messages" — bulk data beyond this rides in
// iovs instead.
const MsgDataSize = 48

// MaxBacklog is the greatest number of concurrently in-flight messages a
// single port admits (spec §3's MsgBacklog bound).
const MaxBacklog = 32

// CmdAbort is the reserved command value a sender logically issues to
// cancel an outstanding request; in this implementation it is represented
// by the Msg_t.Aborted flag rather than a second wire message, since
// sender and receiver share process memory — see the Send/Reply dance
// below for why the slot still isn't freed until the receiver's Reply.
const CmdAbort uint32 = 0xffffffff

// Iov describes one scatter-gather segment of bulk data accompanying a
// message, named by user virtual address and length; the VM layer
// resolves it, ipc only carries the descriptor.
type Iov struct {
	Base uintptr
	Len  int
}

// Msg_t is one in-flight request/reply pair.
type Msg_t struct {
	MsgID   int
	Cmd     uint32
	Data    [MsgDataSize]byte
	Iovs    []Iov
	Reply   [MsgDataSize]byte
	Aborted bool

	// replied is set by Reply (under Port_t.mu, before it ever touches the
	// BKL/rendez) and re-checked by Send after an abort before deciding to
	// wait a second time — see the lost-wakeup note on Send below.
	replied bool
}

// Port_t is a SuperBlock's message port: receivers Receive() requests off
// it and Reply() to them; senders Send() and block until a reply (or
// abort-ack) arrives.
type Port_t struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	freebit [MaxBacklog]bool // true == in use
	waiting [MaxBacklog]*sched.Rendez_t
	reqq    []*Msg_t
	inbox   *sched.Rendez_t
	closed  bool
}

// MkPort allocates an empty message port.
func MkPort() *Port_t {
	return &Port_t{
		sem:   semaphore.NewWeighted(MaxBacklog),
		inbox: sched.MkRendez(),
	}
}

func (p *Port_t) allocMsgid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, used := range p.freebit {
		if !used {
			p.freebit[i] = true
			p.waiting[i] = sched.MkRendez()
			return i
		}
	}
	panic("ipc: backlog bitmap exhausted despite semaphore admission")
}

func (p *Port_t) freeMsgid(id int) {
	p.mu.Lock()
	p.freebit[id] = false
	p.waiting[id] = nil
	p.mu.Unlock()
	p.sem.Release(1)
}

// Send submits a request and blocks for its reply. If abort fires before
// the reply arrives, Send stops waiting interruptibly and returns EINTR,
// but — matching the abort protocol — it still waits (uninterruptibly)
// for the receiver's eventual Reply before releasing the backlog slot:
// the receiver may already be touching message state the sender handed
// it, so the slot can't be recycled out from under it.
func (p *Port_t) Send(ctx context.Context, cmd uint32, data [MsgDataSize]byte, iovs []Iov, abort <-chan struct{}) ([MsgDataSize]byte, defs.Err_t) {
	var zero [MsgDataSize]byte
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, -defs.EINTR
	}
	id := p.allocMsgid()
	msg := &Msg_t{MsgID: id, Cmd: cmd, Data: data, Iovs: iovs}

	p.mu.Lock()
	p.reqq = append(p.reqq, msg)
	rendez := p.waiting[id]
	p.mu.Unlock()
	p.inbox.TaskWakeup()

	sched.Lock()
	interrupted := false
	if abort != nil {
		interrupted = rendez.SleepInterruptible(abort)
	} else {
		rendez.Sleep()
	}
	if interrupted {
		msg.Aborted = true
		// SleepInterruptible releases the BKL while parked, so Reply can run
		// concurrently with the abort and race TaskWakeup against our own
		// self-removal from the waiter list. If Reply wins that race, its
		// TaskWakeup finds nobody waiting and the wakeup is silently lost —
		// sleeping again here would then block forever. Reply sets
		// msg.replied under p.mu before it ever touches the BKL, so
		// re-checking it now (we're back under the BKL, but replied is
		// p.mu-guarded, not BKL-guarded) tells us whether that already
		// happened; only sleep again if it genuinely hasn't.
		p.mu.Lock()
		alreadyReplied := msg.replied
		p.mu.Unlock()
		if !alreadyReplied {
			// Wait again, uninterruptibly, for the receiver's Reply.
			rendez.Sleep()
		}
	}
	sched.Unlock()

	reply := msg.Reply
	p.freeMsgid(id)
	if interrupted {
		return reply, -defs.EINTR
	}
	return reply, 0
}

// Receive blocks until a request is available and returns it, for the
// handler loop to process. The handler must call Reply exactly once per
// message Receive returns, even if msg.Aborted is set.
func (p *Port_t) Receive() *Msg_t {
	sched.Lock()
	defer sched.Unlock()
	for {
		p.mu.Lock()
		if len(p.reqq) > 0 {
			msg := p.reqq[0]
			p.reqq = p.reqq[1:]
			p.mu.Unlock()
			return msg
		}
		if p.closed {
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		p.inbox.Sleep()
	}
}

// Close marks the port closed and wakes every blocked Receive waiter,
// matching close_msgport's "always release references and unblock
// waiters, even if the underlying SuperBlock teardown is deferred"
// resolution (SPEC_FULL §D). A blocked Receive sees (nil) once the
// backlog drains. Close does not wake a blocked Send and does not forge
// a reply: a sender returns when its message is replied to, or takes its
// EINTR path when the abort channel it supplied fires.
func (p *Port_t) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	sched.Lock()
	p.inbox.TaskWakeupAll()
	sched.Unlock()
}

// Closed reports whether Close has been called.
func (p *Port_t) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Reply delivers a response to msg and wakes its sender (or, if the
// sender already aborted, simply releases the sender's second wait so the
// backlog slot can be recycled). msg.replied is set here, under p.mu,
// strictly before TaskWakeup is even attempted, so a sender that loses the
// abort/TaskWakeup race (see Send) can still observe that the reply already
// happened instead of sleeping on a wakeup nobody will ever send again.
func (p *Port_t) Reply(msg *Msg_t, data [MsgDataSize]byte) {
	p.mu.Lock()
	msg.Reply = data
	msg.replied = true
	rendez := p.waiting[msg.MsgID]
	p.mu.Unlock()
	sched.Lock()
	rendez.TaskWakeup()
	sched.Unlock()
}

// Backlogged returns the number of messages currently outstanding
// (sent but not yet replied to), for diagnostics and tests.
func (p *Port_t) Backlogged() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, used := range p.freebit {
		if used {
			n++
		}
	}
	return n
}
