package asyncop

import (
	"syscall"

	"github.com/ringio/engine/pkg/exec"
	"github.com/ringio/engine/pkg/sockqueue"
)

// Receive is a socket read operation: try a non-blocking recv first,
// otherwise hand off to the execution queue as a linked poll+readv.
type Receive struct {
	base
}

// NewReceive builds a Receive operation targeting handle, reading into
// buf, submitted through executionQueue when it cannot complete
// synchronously. pollSupported mirrors whatever the caller's execution
// queue advertises for poll-only zero-length probes. queue is the
// operation's owning SocketOperationQueue; its ExecuteQueued is the
// only path through which a kernel completion re-enters this op.
func NewReceive(queue *sockqueue.Queue, executionQueue *exec.ExecutionQueue, handle int, buf []byte, data uint32, pollSupported bool, continuation ContinuationFunc) *Receive {
	r := &Receive{}
	r.queue = queue
	r.executionQueue = executionQueue
	r.handle = handle
	r.buf = buf
	r.data = data
	r.pollSupported = pollSupported
	r.continuation = continuation
	r.next = r
	return r
}

// TryExecuteSync attempts a non-blocking recv without touching the
// execution queue at all.
func (r *Receive) TryExecuteSync() bool {
	n, _, errno := syscall.Recvfrom(r.handle, r.buf, syscall.MSG_DONTWAIT)
	if errno != nil {
		if errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK {
			return false
		}
		r.err = errno
		r.n = 0
		return true
	}
	r.n = n
	r.err = nil
	return true
}

func (r *Receive) TryExecute(asyncResult sockqueue.AsyncResult) sockqueue.ExecuteState {
	if !asyncResult.HasResult {
		triggeredByPoll := r.awaitingExternalPoll
		r.awaitingExternalPoll = false
		return r.submit(triggeredByPoll)
	}

	r.isExecuting = false
	n, state := r.base.handleAsyncResultAndContinue(exec.Result{HasResult: true, N: asyncResult.N})
	switch state {
	case sockqueue.WaitForPoll:
		if !r.pollSupported {
			r.awaitingExternalPoll = true
			return sockqueue.WaitForPoll
		}
		return r.submit(false)
	case sockqueue.Finished:
		r.n = n
		return state
	default:
		return r.submit(false)
	}
}

// submit either hands the read off to the execution queue, short-
// circuits a poll-triggered zero-byte probe, or falls back to a plain
// synchronous recv. triggeredByPoll distinguishes a resubmission driven
// by an external readiness notification (standing in for a kernel poll
// completion on an execution queue with no poll support) from the
// operation's very first submission.
func (r *Receive) submit(triggeredByPoll bool) sockqueue.ExecuteState {
	if r.executionQueue != nil && (len(r.buf) > 0 || r.pollSupported) {
		if len(r.buf) == 0 {
			r.executionQueue.AddPollIn(r.handle, r.onCompletion, r, r.data)
		} else {
			r.executionQueue.AddRead(r.handle, r.buf, r.onCompletion, r, r.data)
		}
		r.isExecuting = true
		return sockqueue.Executing
	}

	if triggeredByPoll && len(r.buf) == 0 {
		r.n = 0
		return sockqueue.Finished
	}

	if r.TryExecuteSync() {
		return sockqueue.Finished
	}
	r.awaitingExternalPoll = true
	return sockqueue.WaitForPoll
}

// onCompletion is the callback registered with the execution queue. It
// never interprets the result itself: it only re-enters the owning
// queue's ExecuteQueued, which re-invokes TryExecute under the queue's
// lock and fires Complete() outside it.
func (r *Receive) onCompletion(result exec.Result, state any, _ uint32) {
	self := state.(*Receive)
	cancelled := result.HasResult && result.N == -int32(syscall.ECANCELED)
	self.queue.ExecuteQueued(sockqueue.AsyncResult{HasResult: true, N: result.N, Cancelled: cancelled})
}
