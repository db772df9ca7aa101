// Package exec implements the execution queue that owns a single
// io_uring instance: it accepts read, write and poll submissions from
// the I/O thread, paces them onto the submission queue, pins buffers
// for the duration of the kernel call, and dispatches completions back
// to per-operation callbacks.
//
// Every exported method must be called from the single goroutine that
// owns the ExecutionQueue; nothing here is safe for concurrent use.
package exec

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ringio/engine/pkg/liburing"
)

// Kind identifies which syscall a submitted operation will perform.
type Kind uint8

const (
	KindRead Kind = iota
	KindWrite
	KindPollIn
	KindPollOut
)

func (k Kind) isPollOnly() bool {
	return k == KindPollIn || k == KindPollOut
}

// Result is what a Callback receives once a submission completes.
// HasResult is false only for the synthetic tick a caller may post
// through IOThread.Post; real kernel completions always carry a
// result, where N is either a negative errno or a non-negative byte
// count (or poll mask, for poll-only operations).
type Result struct {
	HasResult bool
	N         int32
}

// Err converts a negative result into the corresponding errno, or nil
// for a non-negative (successful) result.
func (r Result) Err() error {
	if r.N < 0 {
		return syscall.Errno(-r.N)
	}
	return nil
}

// Callback is invoked exactly once per submitted operation, on the
// thread that calls ExecuteCompletions.
type Callback func(result Result, state any, data uint32)

// operation is the pooled, internal record for one outstanding kernel
// request. Fields are set when the record is rented and cleared when
// it is returned to the pool.
type operation struct {
	kind     Kind
	fd       int32
	data     uint32
	buf      []byte
	pin      *runtime.Pinner
	iovIndex int
	callback Callback
	state    any
	next     *operation
}

// ExecutionQueue owns one io_uring and the bookkeeping needed to
// translate AddRead/AddWrite/AddPollIn/AddPollOut calls into linked
// poll+readv/writev SQE pairs, submit them, and route completions back
// to their callbacks.
type ExecutionQueue struct {
	ring *liburing.Ring

	operations    map[uint64]*operation
	newOperations []*operation
	queuedCount   int

	pool *operation

	iovecs     []syscall.Iovec
	freeIovecs []int

	sqesQueued uint32

	cqeBuf []liburing.CompletionQueueEvent
}

// Option configures a new ExecutionQueue.
type Option func(*config)

type config struct {
	entries    uint32
	iovecSlots int
}

// WithEntries overrides the submission queue depth. The default
// matches the 512-entry depth this core is specified against.
func WithEntries(entries uint32) Option {
	return func(c *config) { c.entries = entries }
}

// WithIovecSlots overrides how many concurrently-submittable read/write
// operations the iovec table can hold. Each read or write operation
// occupies exactly one slot for the lifetime of its kernel call.
func WithIovecSlots(slots int) Option {
	return func(c *config) { c.iovecSlots = slots }
}

// New constructs an ExecutionQueue. Construction fails closed if the
// kernel does not advertise IORING_FEAT_NODROP and
// IORING_FEAT_SUBMIT_STABLE (see liburing.New).
func New(opts ...Option) (*ExecutionQueue, error) {
	cfg := config{entries: 512, iovecSlots: 512}
	for _, opt := range opts {
		opt(&cfg)
	}

	ring, err := liburing.New(liburing.WithEntries(cfg.entries))
	if err != nil {
		return nil, err
	}

	eq := &ExecutionQueue{
		ring:       ring,
		operations: make(map[uint64]*operation, cfg.iovecSlots),
		iovecs:     make([]syscall.Iovec, cfg.iovecSlots),
		freeIovecs: make([]int, cfg.iovecSlots),
		cqeBuf:     make([]liburing.CompletionQueueEvent, 256),
	}
	for i := range eq.freeIovecs {
		eq.freeIovecs[i] = cfg.iovecSlots - 1 - i
	}
	return eq, nil
}

// key packs a file descriptor and an opaque 31-bit tag into the
// user_data carried on a submission queue entry.
func key(fd int32, data uint32) uint64 {
	return uint64(uint32(fd))<<32 | uint64(data&0x7FFFFFFF)
}

// pollKeyMSB is the high bit of the 32-bit data half of the key; it
// marks the linked poll completion that precedes a read or write so
// ExecuteCompletions can discard it without a registered callback.
const pollKeyMSB = uint64(1) << 31

func (eq *ExecutionQueue) rent() *operation {
	if eq.pool != nil {
		op := eq.pool
		eq.pool = op.next
		op.next = nil
		return op
	}
	return &operation{}
}

func (eq *ExecutionQueue) returnOp(op *operation) {
	*op = operation{next: eq.pool}
	eq.pool = op
}

func (eq *ExecutionQueue) add(kind Kind, fd int32, buf []byte, callback Callback, state any, data uint32) {
	op := eq.rent()
	op.kind = kind
	op.fd = fd
	op.buf = buf
	op.callback = callback
	op.state = state
	op.data = data
	op.iovIndex = -1
	eq.newOperations = append(eq.newOperations, op)
}

// AddRead enqueues a read of len(buf) bytes from handle. buf must not
// be touched by the caller again until callback fires.
func (eq *ExecutionQueue) AddRead(handle int, buf []byte, callback Callback, state any, data uint32) {
	eq.add(KindRead, int32(handle), buf, callback, state, data)
}

// AddWrite enqueues a write of buf to handle.
func (eq *ExecutionQueue) AddWrite(handle int, buf []byte, callback Callback, state any, data uint32) {
	eq.add(KindWrite, int32(handle), buf, callback, state, data)
}

// AddPollIn enqueues a readability probe on handle.
func (eq *ExecutionQueue) AddPollIn(handle int, callback Callback, state any, data uint32) {
	eq.add(KindPollIn, int32(handle), nil, callback, state, data)
}

// AddPollOut enqueues a writability probe on handle.
func (eq *ExecutionQueue) AddPollOut(handle int, callback Callback, state any, data uint32) {
	eq.add(KindPollOut, int32(handle), nil, callback, state, data)
}

// writeSubmissions encodes as many of newOperations as there is room
// for, reserving two SQE slots and one iovec slot per read/write and
// one SQE slot per poll-only operation. It is not resumable: once it
// stops because a resource ran out, the caller must submit the
// encoded batch before calling it again.
func (eq *ExecutionQueue) writeSubmissions() {
	for eq.queuedCount < len(eq.newOperations) {
		op := eq.newOperations[eq.queuedCount]

		needSQE := uint32(2)
		if op.kind.isPollOnly() {
			needSQE = 1
		}
		if eq.ring.SQSpaceLeft() < needSQE {
			break
		}
		if !op.kind.isPollOnly() && len(eq.freeIovecs) == 0 {
			break
		}

		switch op.kind {
		case KindPollIn, KindPollOut:
			sqe := eq.ring.GetSQE()
			sqe.PreparePollAdd(int(op.fd), pollMask(op.kind))
			sqe.SetData64(key(op.fd, op.data))
		case KindRead, KindWrite:
			pollSQE := eq.ring.GetSQE()
			pollSQE.PreparePollAdd(int(op.fd), pollMaskForRW(op.kind))
			pollSQE.SetFlags(liburing.IOSQE_IO_LINK)
			pollSQE.SetData64(key(op.fd, op.data) | pollKeyMSB)

			idx := eq.freeIovecs[len(eq.freeIovecs)-1]
			eq.freeIovecs = eq.freeIovecs[:len(eq.freeIovecs)-1]
			op.iovIndex = idx

			if len(op.buf) > 0 {
				op.pin = &runtime.Pinner{}
				op.pin.Pin(&op.buf[0])
				eq.iovecs[idx] = syscall.Iovec{Base: &op.buf[0], Len: uint64(len(op.buf))}
			} else {
				eq.iovecs[idx] = syscall.Iovec{}
			}

			rwSQE := eq.ring.GetSQE()
			addr := uintptrOfIovec(&eq.iovecs[idx])
			if op.kind == KindRead {
				rwSQE.PrepareReadv(int(op.fd), addr, 1, 0)
			} else {
				rwSQE.PrepareWritev(int(op.fd), addr, 1, 0)
			}
			rwSQE.SetData64(key(op.fd, op.data))
		}

		eq.operations[key(op.fd, op.data)] = op
		eq.sqesQueued += needSQE
		eq.queuedCount++
	}
}

func uintptrOfIovec(iov *syscall.Iovec) uintptr {
	return uintptr(unsafe.Pointer(iov))
}

func pollMask(kind Kind) uint32 {
	if kind == KindPollOut {
		return uint32(unix.POLLOUT)
	}
	return uint32(unix.POLLIN)
}

func pollMaskForRW(kind Kind) uint32 {
	if kind == KindWrite {
		return uint32(unix.POLLOUT)
	}
	return uint32(unix.POLLIN)
}

// Cancel asks the kernel to cancel the outstanding submission keyed by
// handle/data (the same pair originally passed to AddRead/AddWrite/
// AddPollIn/AddPollOut), via IORING_OP_ASYNC_CANCEL. It reports false
// if there is no free SQE slot this round; the caller can retry on the
// next call. The cancellation's own completion carries a key that was
// never registered in eq.operations and is discarded by
// ExecuteCompletions exactly like a linked poll completion — the
// original operation's callback still fires from its own CQE, now
// carrying -ECANCELED if the cancel raced it in time.
func (eq *ExecutionQueue) Cancel(handle int, data uint32) bool {
	if eq.ring.SQSpaceLeft() < 1 {
		return false
	}
	target := key(int32(handle), data)
	sqe := eq.ring.GetSQE()
	sqe.PrepareCancel64(target, 0)
	sqe.SetData64(target | pollKeyMSB)
	eq.sqesQueued++
	return true
}

// MayWaitFunc reports whether SubmitAndWait is allowed to block for at
// least one completion.
type MayWaitFunc func(state any) bool

// ErrPartialSubmit reports that io_uring_enter accepted fewer SQEs than
// were queued, without returning an errno of its own — the kernel's
// submission queue can fall short of what was flushed under load
// without that being a failure. The unsubmitted remainder is left
// encoded and is retried on the next SubmitAndWait call; this error
// exists purely so a caller that wants visibility into how often that
// happens has something to check for, rather than SubmitAndWait
// resorting to a log line of its own.
type ErrPartialSubmit struct {
	Submitted uint32
	Queued    uint32
}

func (e *ErrPartialSubmit) Error() string {
	return fmt.Sprintf("exec: io_uring_enter submitted %d of %d queued SQEs", e.Submitted, e.Queued)
}

// SubmitAndWait flushes any pending submissions and, if mayWait reports
// true and every pending operation was successfully encoded this
// round, blocks until at least one completion is ready. EBUSY and
// EAGAIN from the kernel are swallowed: the caller's next event-loop
// iteration will drain completions and retry. A short submit count
// with no errno is reported as ErrPartialSubmit rather than silently
// ignored; the remainder still stays queued for the next call either
// way.
func (eq *ExecutionQueue) SubmitAndWait(mayWait MayWaitFunc, mayWaitState any) error {
	if eq.sqesQueued == 0 {
		eq.writeSubmissions()
	}

	moreBatches := eq.queuedCount < len(eq.newOperations)
	var flags uint32
	var minComplete uint32
	if mayWait != nil && !moreBatches && mayWait(mayWaitState) {
		minComplete = 1
		flags = liburing.IORING_ENTER_GETEVENTS
	}

	toSubmit := eq.sqesQueued
	if toSubmit == 0 && minComplete == 0 {
		return nil
	}
	eq.ring.FlushSQ()

	submitted, err := eq.ring.Enter(toSubmit, minComplete, flags)
	if err != nil {
		if err == syscall.EBUSY || err == syscall.EAGAIN {
			return nil
		}
		return err
	}

	if uint32(submitted) == toSubmit {
		eq.sqesQueued = 0
		eq.newOperations = append(eq.newOperations[:0], eq.newOperations[eq.queuedCount:]...)
		eq.queuedCount = 0
		return nil
	}
	eq.sqesQueued -= uint32(submitted)
	return &ErrPartialSubmit{Submitted: uint32(submitted), Queued: toSubmit}
}

// ExecuteCompletions drains every ready completion queue entry,
// releasing each operation's pinned buffer and returning its record to
// the pool before invoking its callback. A completion whose key is not
// registered is a linked poll completion (its key carries the high
// tag bit) and is silently discarded.
func (eq *ExecutionQueue) ExecuteCompletions() {
	n := eq.ring.PeekBatchCQE(eq.cqeBuf)
	if n == 0 {
		return
	}
	for i := uint32(0); i < n; i++ {
		cqe := eq.cqeBuf[i]
		op, ok := eq.operations[cqe.UserData]
		if !ok {
			continue
		}
		delete(eq.operations, cqe.UserData)

		if op.pin != nil {
			op.pin.Unpin()
			op.pin = nil
		}
		if op.iovIndex >= 0 {
			eq.freeIovecs = append(eq.freeIovecs, op.iovIndex)
		}

		callback, state, data := op.callback, op.state, op.data
		eq.returnOp(op)

		callback(Result{HasResult: true, N: cqe.Res}, state, data)
	}
	eq.ring.CQAdvance(n)
	if n == uint32(len(eq.cqeBuf)) {
		eq.ExecuteCompletions()
	}
}

// Dispose releases the ring. It must only be called once every
// outstanding operation has been drained by ExecuteCompletions.
func (eq *ExecutionQueue) Dispose() error {
	return eq.ring.Close()
}
