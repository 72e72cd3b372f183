// Package apprterr defines the sentinel error kinds shared by the event,
// wait, and cache packages (spec §7). Callers match them with errors.Is;
// call sites wrap them with fmt.Errorf("%w: ...") for context, following the
// cause-chain style of the teacher's eventloop package (see its errors.go).
package apprterr

import "errors"

var (
	// ErrInvalidArgument: null, out-of-range, or impossible combination.
	ErrInvalidArgument = errors.New("apprt: invalid argument")
	// ErrInvalidState: operation on a destroyed dispatcher, closed wait
	// service, or uninitialized cache.
	ErrInvalidState = errors.New("apprt: invalid state")
	// ErrNotFound: key not in cache, handler not in service.
	ErrNotFound = errors.New("apprt: not found")
	// ErrVersionMismatch: optimistic-concurrency write failed.
	ErrVersionMismatch = errors.New("apprt: version mismatch")
	// ErrOutOfRange: fd exceeds backend capacity, or a value exceeds a max size.
	ErrOutOfRange = errors.New("apprt: out of range")
	// ErrCapacityExceeded: a cache write would exceed a hard memory ceiling.
	ErrCapacityExceeded = errors.New("apprt: capacity exceeded")
	// ErrPlatformFault: an unexpected host API failure.
	ErrPlatformFault = errors.New("apprt: platform fault")
)
