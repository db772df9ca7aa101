//go:build linux

package liburing

import (
	"syscall"
	"unsafe"
)

const sysSetup = 425

func (ring *Ring) setup(params *Params) error {
	entries := RoundupPow2(params.sqEntries)
	params.sqEntries = entries

	fdPtr, _, errno := syscall.Syscall(sysSetup, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return errnoErr(errno)
	}
	fd := int(fdPtr)

	if err := ring.mmapRing(fd, params); err != nil {
		_ = syscall.Close(fd)
		return err
	}

	sqEntries := *ring.sq.ringEntries
	for i := uint32(0); i < sqEntries; i++ {
		*(*uint32)(unsafe.Add(unsafe.Pointer(ring.sq.array), uintptr(i)*unsafe.Sizeof(uint32(0)))) = i
	}

	ring.features = params.features
	ring.flags = params.flags
	ring.ringFd = fd
	syscall.CloseOnExec(fd)
	return nil
}

// mmapRing maps the kernel-allocated SQ and CQ regions (and the SQE
// array, mapped separately per the io_uring ABI) using the byte offsets
// the kernel wrote back into params.sqOff/cqOff. Follows the same three
// mmap calls and offset arithmetic as the pack's other io_uring binding's
// setupRingPointers/MmapRing, consolidated into one method here.
func (ring *Ring) mmapRing(fd int, params *Params) error {
	sqRingSize := uintptr(params.sqOff.array) + uintptr(params.sqEntries)*unsafe.Sizeof(uint32(0))
	cqRingSize := uintptr(params.cqOff.cqes) + uintptr(params.cqEntries)*unsafe.Sizeof(CompletionQueueEvent{})

	const (
		IORING_OFF_SQ_RING = 0
		IORING_OFF_CQ_RING = 0x8000000
		IORING_OFF_SQES    = 0x10000000
	)

	sqPtr, err := mmap(0, sqRingSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE, fd, IORING_OFF_SQ_RING)
	if err != nil {
		return err
	}
	cqPtr, err := mmap(0, cqRingSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE, fd, IORING_OFF_CQ_RING)
	if err != nil {
		_ = munmap(uintptr(sqPtr), sqRingSize)
		return err
	}

	sqesSize := uintptr(params.sqEntries) * unsafe.Sizeof(SubmissionQueueEntry{})
	sqesPtr, err := mmap(0, sqesSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE, fd, IORING_OFF_SQES)
	if err != nil {
		_ = munmap(uintptr(sqPtr), sqRingSize)
		_ = munmap(uintptr(cqPtr), cqRingSize)
		return err
	}

	sq := ring.sq
	sq.ringPtr = sqPtr
	sq.ringSize = sqRingSize
	sq.head = (*uint32)(unsafe.Add(sqPtr, params.sqOff.head))
	sq.tail = (*uint32)(unsafe.Add(sqPtr, params.sqOff.tail))
	sq.ringMask = (*uint32)(unsafe.Add(sqPtr, params.sqOff.ringMask))
	sq.ringEntries = (*uint32)(unsafe.Add(sqPtr, params.sqOff.ringEntries))
	sq.flags = (*uint32)(unsafe.Add(sqPtr, params.sqOff.flags))
	sq.dropped = (*uint32)(unsafe.Add(sqPtr, params.sqOff.dropped))
	sq.array = (*uint32)(unsafe.Add(sqPtr, params.sqOff.array))
	sq.sqes = (*SubmissionQueueEntry)(sqesPtr)

	cq := ring.cq
	cq.ringPtr = cqPtr
	cq.ringSize = cqRingSize
	cq.head = (*uint32)(unsafe.Add(cqPtr, params.cqOff.head))
	cq.tail = (*uint32)(unsafe.Add(cqPtr, params.cqOff.tail))
	cq.ringMask = (*uint32)(unsafe.Add(cqPtr, params.cqOff.ringMask))
	cq.ringEntries = (*uint32)(unsafe.Add(cqPtr, params.cqOff.ringEntries))
	cq.overflow = (*uint32)(unsafe.Add(cqPtr, params.cqOff.overflow))
	cq.flags = (*uint32)(unsafe.Add(cqPtr, params.cqOff.flags))
	cq.cqes = (*CompletionQueueEvent)(unsafe.Add(cqPtr, params.cqOff.cqes))

	ring.sqesPtr = sqesPtr
	ring.sqesSize = sqesSize
	return nil
}

func (ring *Ring) unmap() {
	if ring.sq != nil && ring.sq.ringPtr != nil {
		_ = munmap(uintptr(ring.sq.ringPtr), ring.sq.ringSize)
	}
	if ring.sqesPtr != nil {
		_ = munmap(uintptr(ring.sqesPtr), ring.sqesSize)
	}
	if ring.cq != nil && ring.cq.ringPtr != nil && ring.cq.ringPtr != ring.sq.ringPtr {
		_ = munmap(uintptr(ring.cq.ringPtr), ring.cq.ringSize)
	}
}
