package wait

import "errors"

// errOutOfRange is the backend-local sentinel an arm() implementation
// returns for a descriptor it cannot track (the epoll, kqueue and poll-set
// backends return it for a negative fd; none has an upper limit); Service translates it to
// apprterr.ErrOutOfRange so callers never import backend internals.
var errOutOfRange = errors.New("wait: fd out of range")

// ready is one readiness notification returned by a backend's wait call.
type ready struct {
	fd   int
	mask Mask
}

// backend is the four-operation abstraction every platform notifier
// implements: init, arm, wait, wake, plus a standalone single-fd wait and a
// close for teardown. Exactly one implementation is compiled per platform;
// newBackend is provided by the active build-tagged file.
type backend interface {
	init() error
	arm(fd int, mask Mask) error
	wait(timeoutMs int64) ([]ready, error)
	wake()
	waitForSingleIO(fd int, mask Mask, timeoutMs int64) (Mask, error)
	close() error
}
