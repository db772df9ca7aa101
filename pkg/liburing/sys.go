//go:build linux

package liburing

import (
	"syscall"
	"unsafe"
)

func errnoErr(e syscall.Errno) error {
	if e == 0 {
		return nil
	}
	return e
}

func mmap(addr uintptr, length uintptr, prot int, flags int, fd int, offset int64) (unsafe.Pointer, error) {
	ptr, _, errno := syscall.Syscall6(syscall.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return nil, errnoErr(errno)
	}
	return unsafe.Pointer(ptr), nil
}

func munmap(addr uintptr, length uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return errnoErr(errno)
	}
	return nil
}
