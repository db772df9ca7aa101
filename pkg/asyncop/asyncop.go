// Package asyncop implements the AsyncOperation abstract state machine
// and its two concrete instances, Receive and Send: try a non-blocking
// syscall first, otherwise submit through the execution queue, and on
// completion translate the kernel result into a byte count or a
// domain-level error.
package asyncop

import (
	"sync"
	"syscall"

	"github.com/brickingsoft/errors"

	"github.com/ringio/engine/pkg/exec"
	"github.com/ringio/engine/pkg/sockqueue"
)

// ErrCancelled is returned to the caller's continuation when an
// operation finishes because it was cancelled, whether observed
// cooperatively or reported by the kernel as ECANCELED.
var ErrCancelled = errors.Define("asyncop: operation cancelled")

// CompletionFlags classifies how an operation ended.
type CompletionFlags uint8

const (
	CompletedFinishedSync CompletionFlags = iota
	CompletedFinishedAsync
	CompletedCanceled
)

// ContinuationFunc is the user-visible sink an operation delivers its
// result to. It runs outside any queue lock.
type ContinuationFunc func(n int, err error)

// base carries the state every concrete operation shares: the
// intrusive link, the execution bookkeeping, and the terminal result.
type base struct {
	next  sockqueue.Op
	queue *sockqueue.Queue

	handle int
	buf    []byte
	data   uint32

	executionQueue *exec.ExecutionQueue
	pollSupported  bool

	isExecuting             bool
	isCancellationRequested bool

	// awaitingExternalPoll is set whenever submit() leaves the op at
	// WaitForPoll: the next synthetic tick this op receives (HasResult
	// false) is therefore a stand-in for the poll completion that
	// would have driven it forward had an execution queue with poll
	// support been available, and is treated as triggeredByPoll.
	awaitingExternalPoll bool

	n     int
	err   error
	flags CompletionFlags

	continuation ContinuationFunc

	mu sync.Mutex
}

// Op is the common interface Receive and Send satisfy; it is also the
// sockqueue.Op contract, letting either live directly on a Queue.
type Op interface {
	sockqueue.Op
}

func (b *base) Next() sockqueue.Op     { return b.next }
func (b *base) SetNext(n sockqueue.Op) { b.next = n }

func (b *base) IsExecuting() bool { return b.isExecuting }

// RequestCancellation flags the operation so that the next time it
// would wait for readiness (WaitForPoll) it finishes as cancelled
// instead; a real result that arrives first is still reported as-is.
// If the operation is currently submitted to a ring, it also asks the
// kernel to race a real IORING_OP_ASYNC_CANCEL against it, so a
// cancellation of a long-idle poll isn't left waiting for an event
// that may never arrive.
func (b *base) RequestCancellation() {
	b.mu.Lock()
	b.isCancellationRequested = true
	executing := b.isExecuting
	b.mu.Unlock()

	if executing && b.executionQueue != nil {
		b.executionQueue.Cancel(b.handle, b.data)
	}
}

func (b *base) IsCancellationRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isCancellationRequested
}

func (b *base) MarkFinished(cancelled bool) {
	if cancelled {
		b.flags = CompletedCanceled
		b.err = ErrCancelled
	} else {
		b.flags = CompletedFinishedAsync
	}
}

func (b *base) MarkFinishedSync() {
	b.flags = CompletedFinishedSync
}

// Complete fires the continuation exactly once. An operation finished
// as cancelled (CompletedCanceled) reports (0, ErrCancelled); any other
// finish reports its recorded byte count and error, including a late
// kernel success that raced a cancellation request.
func (b *base) Complete() {
	if b.continuation == nil {
		return
	}
	cont := b.continuation
	b.continuation = nil
	if b.flags == CompletedCanceled {
		cont(0, ErrCancelled)
		return
	}
	cont(b.n, b.err)
}

// N and Err expose the terminal result for callers that prefer to poll
// rather than take a continuation.
func (b *base) N() int                 { return b.n }
func (b *base) Err() error             { return b.err }
func (b *base) Flags() CompletionFlags { return b.flags }

// handleAsyncResultAndContinue interprets a completion's errno per the
// shared taxonomy: EINTR retries, ECANCELED cancels, EAGAIN waits for
// poll, any other negative result becomes a domain error, and a
// non-negative result is a byte count.
func (b *base) handleAsyncResultAndContinue(result exec.Result) (n int, state sockqueue.ExecuteState) {
	if result.N >= 0 {
		return int(result.N), sockqueue.Finished
	}
	errno := syscall.Errno(-result.N)
	switch errno {
	case syscall.EINTR:
		return 0, sockqueue.Executing
	case syscall.ECANCELED:
		b.isCancellationRequested = true
		return 0, sockqueue.Finished
	case syscall.EAGAIN:
		return 0, sockqueue.WaitForPoll
	default:
		b.err = errno
		return 0, sockqueue.Finished
	}
}
