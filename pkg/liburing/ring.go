//go:build linux

package liburing

import (
	"syscall"
	"unsafe"
)

// Option configures a Ring at construction time, following the
// functional-options shape the rest of the codebase uses for its
// construction-time configuration.
type Option func(*Params)

func WithEntries(entries uint32) Option {
	return func(p *Params) { p.sqEntries = entries }
}

func WithFlags(flags uint32) Option {
	return func(p *Params) { p.flags = flags }
}

func WithCQEntries(entries uint32) Option {
	return func(p *Params) {
		p.flags |= IORING_SETUP_CQSIZE
		p.cqEntries = entries
	}
}

// Ring owns one io_uring submission/completion queue pair and the file
// descriptor backing it. It is not safe for concurrent use: every
// method must be called from the single thread that owns the ring.
type Ring struct {
	sq       *SubmissionQueue
	cq       *CompletionQueue
	flags    uint32
	ringFd   int
	features uint32
	sqesPtr  unsafe.Pointer
	sqesSize uintptr
}

// New allocates and maps a ring. Construction fails if the kernel does
// not report IORING_FEAT_NODROP and IORING_FEAT_SUBMIT_STABLE: without
// NODROP the completion queue can silently drop events under pressure,
// and without SUBMIT_STABLE the kernel may read submitted iovecs after
// io_uring_enter returns, which this engine's submission pacing does
// not guard against.
func New(options ...Option) (*Ring, error) {
	params := &Params{}
	for _, opt := range options {
		opt(params)
	}
	if params.sqEntries == 0 {
		params.sqEntries = 512
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	ring := &Ring{
		sq: &SubmissionQueue{},
		cq: &CompletionQueue{},
	}
	if err := ring.setup(params); err != nil {
		return nil, err
	}

	const required = IORING_FEAT_NODROP | IORING_FEAT_SUBMIT_STABLE
	if ring.features&required != required {
		_ = ring.Close()
		return nil, ErrUnsupportedEnvironment
	}
	return ring, nil
}

func (ring *Ring) Flags() uint32    { return ring.flags }
func (ring *Ring) Features() uint32 { return ring.features }
func (ring *Ring) Fd() int          { return ring.ringFd }

func (ring *Ring) Close() error {
	if ring.ringFd < 0 {
		return nil
	}
	ring.unmap()
	err := syscall.Close(ring.ringFd)
	ring.ringFd = -1
	return err
}
