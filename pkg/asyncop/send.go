package asyncop

import (
	"syscall"

	"github.com/ringio/engine/pkg/exec"
	"github.com/ringio/engine/pkg/sockqueue"
)

// Send is a socket write operation: the mirror image of Receive, using
// POLLOUT and sendto/writev instead of POLLIN and recvfrom/readv.
type Send struct {
	base
}

func NewSend(queue *sockqueue.Queue, executionQueue *exec.ExecutionQueue, handle int, buf []byte, data uint32, pollSupported bool, continuation ContinuationFunc) *Send {
	s := &Send{}
	s.queue = queue
	s.executionQueue = executionQueue
	s.handle = handle
	s.buf = buf
	s.data = data
	s.pollSupported = pollSupported
	s.continuation = continuation
	s.next = s
	return s
}

func (s *Send) TryExecuteSync() bool {
	errno := syscall.Sendto(s.handle, s.buf, syscall.MSG_DONTWAIT, nil)
	if errno != nil {
		if errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK {
			return false
		}
		s.err = errno
		s.n = 0
		return true
	}
	s.n = len(s.buf)
	s.err = nil
	return true
}

func (s *Send) TryExecute(asyncResult sockqueue.AsyncResult) sockqueue.ExecuteState {
	if !asyncResult.HasResult {
		triggeredByPoll := s.awaitingExternalPoll
		s.awaitingExternalPoll = false
		return s.submit(triggeredByPoll)
	}

	s.isExecuting = false
	n, state := s.base.handleAsyncResultAndContinue(exec.Result{HasResult: true, N: asyncResult.N})
	switch state {
	case sockqueue.WaitForPoll:
		if !s.pollSupported {
			s.awaitingExternalPoll = true
			return sockqueue.WaitForPoll
		}
		return s.submit(false)
	case sockqueue.Finished:
		s.n = n
		return state
	default:
		return s.submit(false)
	}
}

// submit mirrors Receive.submit: hand off to the execution queue, or
// short-circuit a poll-triggered zero-byte probe, or fall back to a
// plain synchronous send.
func (s *Send) submit(triggeredByPoll bool) sockqueue.ExecuteState {
	if s.executionQueue != nil && (len(s.buf) > 0 || s.pollSupported) {
		if len(s.buf) == 0 {
			s.executionQueue.AddPollOut(s.handle, s.onCompletion, s, s.data)
		} else {
			s.executionQueue.AddWrite(s.handle, s.buf, s.onCompletion, s, s.data)
		}
		s.isExecuting = true
		return sockqueue.Executing
	}

	if triggeredByPoll && len(s.buf) == 0 {
		s.n = 0
		return sockqueue.Finished
	}

	if s.TryExecuteSync() {
		return sockqueue.Finished
	}
	s.awaitingExternalPoll = true
	return sockqueue.WaitForPoll
}

func (s *Send) onCompletion(result exec.Result, state any, _ uint32) {
	self := state.(*Send)
	cancelled := result.HasResult && result.N == -int32(syscall.ECANCELED)
	self.queue.ExecuteQueued(sockqueue.AsyncResult{HasResult: true, N: result.N, Cancelled: cancelled})
}
