package responsemanager

import (
	"time"

	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

// Waiter is the rendezvous primitive used to hand a connection payload back
// to the goroutine awaiting it: a single-shot delivery slot keyed by
// kernel_id, with a deadline. It is implemented as a buffered channel plus
// a timer, the idiomatic Go choice for a primitive that only needs to
// satisfy single-delivery and cancellation.
type Waiter struct {
	kernelID string
	deadline time.Time
	result   chan result
	done     chan struct{} // closed exactly once, by whichever of deliver/fail runs first
}

type result struct {
	conn wire.ConnectionInfo
	err  error
}

func newWaiter(kernelID string, deadline time.Time) *Waiter {
	return &Waiter{
		kernelID: kernelID,
		deadline: deadline,
		result:   make(chan result, 1),
		done:     make(chan struct{}),
	}
}

// deliver completes the waiter successfully. It is a no-op if the waiter
// already completed (cancellation or a previous delivery); a deadline that
// passed in Await does not complete it.
func (w *Waiter) deliver(conn wire.ConnectionInfo) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.result <- result{conn: conn}:
		close(w.done)
		return true
	default:
		return false
	}
}

// fail completes the waiter with an error (used for cancellation).
func (w *Waiter) fail(err error) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.result <- result{err: err}:
		close(w.done)
		return true
	default:
		return false
	}
}
