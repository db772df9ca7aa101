package asyncop

import (
	"sync"
	"syscall"
	"testing"

	"github.com/ringio/engine/pkg/sockqueue"
)

func TestSendCompletesSynchronouslyWhenBufferHasRoom(t *testing.T) {
	a, b := socketpair(t)
	defer syscall.Close(a)
	defer syscall.Close(b)

	q := sockqueue.New(nil)
	payload := []byte("hello world")

	var wg sync.WaitGroup
	wg.Add(1)
	var gotN int
	var gotErr error
	op := NewSend(q, nil, a, payload, 1, false, func(n int, err error) {
		gotN, gotErr = n, err
		wg.Done()
	})

	queued, err := q.ExecuteAsync(op, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if queued {
		t.Fatalf("an empty socket buffer should accept the write inline")
	}
	wg.Wait()

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if gotN != len(payload) {
		t.Fatalf("expected %d bytes sent, got %d", len(payload), gotN)
	}

	got := make([]byte, 64)
	n, rerr := syscall.Read(b, got)
	if rerr != nil {
		t.Fatalf("read: %v", rerr)
	}
	t.Log("peer observed", string(got[:n]))
}

func TestSendEINTRResubmitsInsteadOfFinishing(t *testing.T) {
	a, b := socketpair(t)
	defer syscall.Close(a)
	defer syscall.Close(b)

	q := sockqueue.New(nil)
	payload := []byte("ok")
	done := make(chan struct {
		n   int
		err error
	}, 1)
	op := NewSend(q, nil, a, payload, 1, false, func(n int, err error) {
		done <- struct {
			n   int
			err error
		}{n, err}
	})

	if _, err := q.ExecuteAsync(op, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	q.ExecuteQueued(sockqueue.AsyncResult{HasResult: true, N: -int32(syscall.EINTR)})

	result := <-done
	if result.err != nil {
		t.Fatalf("EINTR must not be surfaced to the caller, got %v", result.err)
	}
	if result.n != len(payload) {
		t.Fatalf("expected the retried write to land all %d bytes, got %d", len(payload), result.n)
	}
}

func TestSendKernelECANCELEDFinishesCancelled(t *testing.T) {
	a, b := socketpair(t)
	defer syscall.Close(a)
	defer syscall.Close(b)

	q := sockqueue.New(nil)
	op := NewSend(q, nil, a, []byte("x"), 1, false, nil)

	if _, err := q.ExecuteAsync(op, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	op.RequestCancellation()

	// A kernel result arrives reporting ECANCELED; the op must be
	// classified as cancelled and carry ErrCancelled rather than the
	// raw errno.
	q.ExecuteQueued(sockqueue.AsyncResult{HasResult: true, N: -int32(syscall.ECANCELED), Cancelled: true})

	if op.Flags() != CompletedCanceled {
		t.Fatalf("expected CompletedCanceled, got %v", op.Flags())
	}
	if op.Err() != ErrCancelled {
		t.Fatalf("expected ErrCancelled for a kernel ECANCELED result, got %v", op.Err())
	}
}
