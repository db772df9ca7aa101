//go:build linux

package liburing

// Params mirrors struct io_uring_params. The resv field keeps the struct
// the exact size and layout the kernel expects.
type Params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        SQRingOffsets
	cqOff        CQRingOffsets
}

type SQRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type CQRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

// Validate clears any setup flag the running kernel does not support,
// the same flag-by-flag gating the source binding performs. The engine
// requests only a small, stable flag set, so most branches here never
// fire in practice; they exist because construction must fail closed
// on an old kernel rather than silently ask for more than it gets.
func (p *Params) Validate() error {
	version := GetVersion()
	if version.Invalidate() {
		return ErrUnknownKernelVersion
	}

	var flags uint32
	if p.flags&IORING_SETUP_CLAMP != 0 {
		flags |= IORING_SETUP_CLAMP
	}
	if p.flags&IORING_SETUP_CQSIZE != 0 && p.cqEntries > 0 {
		flags |= IORING_SETUP_CQSIZE
	}
	if p.flags&IORING_SETUP_SUBMIT_ALL != 0 && version.GTE(5, 18, 0) {
		flags |= IORING_SETUP_SUBMIT_ALL
	}
	if p.flags&IORING_SETUP_COOP_TASKRUN != 0 && version.GTE(5, 19, 0) {
		flags |= IORING_SETUP_COOP_TASKRUN
	}
	if p.flags&IORING_SETUP_SINGLE_ISSUER != 0 && version.GTE(6, 0, 0) {
		flags |= IORING_SETUP_SINGLE_ISSUER
	}
	if p.flags&IORING_SETUP_DEFER_TASKRUN != 0 && version.GTE(6, 1, 0) && flags&IORING_SETUP_SINGLE_ISSUER != 0 {
		flags |= IORING_SETUP_DEFER_TASKRUN
	}
	p.flags = flags
	return nil
}
