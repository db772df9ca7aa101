// Package ioloop implements the IOThread collaborator: it owns an
// ExecutionQueue and drives the SubmitAndWait/ExecuteCompletions loop,
// while accepting work posted from other goroutines through Post.
//
// Who spawns and pins the goroutine that calls Run is deliberately
// left to the caller; this package only owns the loop body and the
// cross-thread hand-off.
package ioloop

import (
	"github.com/ringio/engine/pkg/exec"
)

// Thread runs one ExecutionQueue's submit/complete cycle and accepts
// work from other goroutines via Post. It is grounded on the teacher
// binding's single-issuer event loop, with the second-ring wakeup
// mechanism that loop uses to interrupt a blocked peer ring replaced
// by a plain buffered channel: there is only ever one ring here, owned
// by the same goroutine that blocks in SubmitAndWait, so a channel send
// observed before the next SubmitAndWait call is sufficient to avoid
// missing work, without the cost of a second ring solely to wake this
// one.
type Thread struct {
	queue   *exec.ExecutionQueue
	posted  chan func()
	closing chan struct{}
	closed  chan struct{}
}

// New wraps an already constructed ExecutionQueue. backlog bounds how
// many Post calls can be outstanding before callers block; 0 falls
// back to a sensible default.
func New(queue *exec.ExecutionQueue, backlog int) *Thread {
	if backlog <= 0 {
		backlog = 128
	}
	return &Thread{
		queue:   queue,
		posted:  make(chan func(), backlog),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Post schedules fn to run on the thread's own goroutine at the next
// loop iteration. It is the only supported way to reach the
// ExecutionQueue from a goroutine other than the one running Run.
func (t *Thread) Post(fn func()) {
	select {
	case t.posted <- fn:
	case <-t.closing:
	}
}

// Run drives the loop until Close is called. It must run on the
// goroutine the caller has pinned and dedicated to this ring; every
// call into the ExecutionQueue happens from here.
func (t *Thread) Run() {
	defer close(t.closed)
	for {
		t.drainPosted()

		select {
		case <-t.closing:
			t.drainPosted()
			return
		default:
		}

		// A Post() that arrives while this call is blocked waiting on
		// the kernel is not observed until the next completion wakes
		// it; mayWait already refuses to block when work is pending
		// from an earlier iteration, but work posted mid-wait still
		// has to wait for a real completion or EINTR.
		_ = t.queue.SubmitAndWait(t.mayWait, nil)
		t.queue.ExecuteCompletions()
	}
}

// mayWait reports whether SubmitAndWait is allowed to block: it must
// not block while posted work is waiting to run, since that work might
// itself need to submit before anyone can observe a completion.
func (t *Thread) mayWait(any) bool {
	return len(t.posted) == 0
}

func (t *Thread) drainPosted() {
	for {
		select {
		case fn := <-t.posted:
			fn()
		default:
			return
		}
	}
}

// Close asks Run to return once it next observes the closing channel,
// and waits for it to actually stop.
func (t *Thread) Close() {
	close(t.closing)
	<-t.closed
}
