//go:build linux

package liburing

// CompletionQueueEvent mirrors struct io_uring_cqe.
type CompletionQueueEvent struct {
	UserData uint64
	Res      int32
	Flags    uint32
}
