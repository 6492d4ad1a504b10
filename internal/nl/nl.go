// Package nl holds netlink plumbing shared by the routing and wifi
// components: the error classes for kernel exchanges and the deadline
// trick used to cancel a blocked socket read.
package nl

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// SetupTimeout bounds family/group resolution and other setup-time
// round-trips. Local kernel calls answer in microseconds; a stall this
// long means the subsystem is not coming up.
const SetupTimeout = 5 * time.Second

// aLongTimeAgo is a non-zero time in the distant past, used to force a
// blocked read to return immediately.
var aLongTimeAgo = time.Unix(0, 1)

// Deadliner is the read-deadline surface of netlink and generic netlink
// connections.
type Deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Unblock expires any in-progress or future read on c, making a blocked
// Receive return with a deadline error. Used to cancel event loops from
// another goroutine.
func Unblock(c Deadliner) error {
	return c.SetReadDeadline(aLongTimeAgo)
}

// ProtocolError reports a malformed or unexpected netlink exchange:
// truncated datagrams, attribute overruns, a missing multi-part
// terminator, or an unexpected message type. It aborts only the
// in-flight operation; the owning component logs it and continues.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("netlink %s: %s", e.Op, e.Reason)
}

// KernelRejection reports the kernel answering a request with an error
// code. Fatal during component setup (for example an unregistered
// generic netlink family), logged-and-continue for steady-state
// requests.
type KernelRejection struct {
	Op    string
	Errno syscall.Errno
	err   error
}

func (e *KernelRejection) Error() string {
	return fmt.Sprintf("netlink %s: kernel rejected request: %v", e.Op, e.Errno)
}

// Unwrap exposes the underlying error so errors.Is(err, os.ErrExist)
// and friends keep working through the classification.
func (e *KernelRejection) Unwrap() error {
	return e.err
}

// Classify maps a raw netlink error into the taxonomy above. nil passes
// through; an errno anywhere in the chain means the kernel answered with
// an error; everything else is a framing or validation failure.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		return &ProtocolError{Op: op, Reason: "timed out"}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &KernelRejection{Op: op, Errno: errno, err: err}
	}

	return &ProtocolError{Op: op, Reason: err.Error()}
}
