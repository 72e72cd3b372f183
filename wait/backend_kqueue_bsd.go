//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package wait

import (
	"sync"

	"golang.org/x/sys/unix"
)

const (
	maxKqueueEvents = 256
	wakeIdent       = 1
)

// kqueueBackend is the BSD/macOS notifier: one kqueue plus a user filter
// (EVFILT_USER) triggered with NOTE_TRIGGER as the wake channel.
type kqueueBackend struct {
	mu       sync.RWMutex
	kq       int
	eventBuf [maxKqueueEvents]unix.Kevent_t
	closed   bool
}

func newBackend() backend { return &kqueueBackend{kq: -1} }

func (b *kqueueBackend) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	_, err = unix.Kevent(kq, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		_ = unix.Close(kq)
		return err
	}
	b.kq = kq
	return nil
}

func (b *kqueueBackend) arm(fd int, mask Mask) error {
	if fd < 0 {
		return errOutOfRange
	}
	var changes []unix.Kevent_t
	if mask&Readable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if mask&Writable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	for _, c := range changes {
		// EV_DELETE on a filter that was never added fails harmlessly;
		// every call sends a change for both filters regardless of what
		// was previously registered, so a delete-on-absent is routine.
		_, _ = unix.Kevent(b.kq, []unix.Kevent_t{c}, nil, nil)
	}
	return nil
}

func (b *kqueueBackend) wait(timeoutMs int64) ([]ready, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  timeoutMs / 1000,
			Nsec: (timeoutMs % 1000) * 1_000_000,
		}
	}
	for {
		n, err := unix.Kevent(b.kq, nil, b.eventBuf[:], ts)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		byFd := make(map[int]Mask, n)
		var order []int
		for i := 0; i < n; i++ {
			ev := &b.eventBuf[i]
			if ev.Filter == unix.EVFILT_USER && ev.Ident == wakeIdent {
				continue
			}
			fd := int(ev.Ident)
			m := keventToMask(ev)
			if _, seen := byFd[fd]; !seen {
				order = append(order, fd)
			}
			byFd[fd] |= m
		}
		out := make([]ready, 0, len(order))
		for _, fd := range order {
			out = append(out, ready{fd: fd, mask: byFd[fd]})
		}
		return out, nil
	}
}

func (b *kqueueBackend) wake() {
	_, _ = unix.Kevent(b.kq, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
}

func (b *kqueueBackend) waitForSingleIO(fd int, mask Mask, timeoutMs int64) (Mask, error) {
	var changes []unix.Kevent_t
	if mask&Readable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ONESHOT})
	}
	if mask&Writable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ONESHOT})
	}
	tmpKq, err := unix.Kqueue()
	if err != nil {
		return 0, err
	}
	defer unix.Close(tmpKq)
	if _, err := unix.Kevent(tmpKq, changes, nil, nil); err != nil {
		return 0, err
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{Sec: timeoutMs / 1000, Nsec: (timeoutMs % 1000) * 1_000_000}
	}
	var buf [4]unix.Kevent_t
	n, err := unix.Kevent(tmpKq, nil, buf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	var out Mask
	for i := 0; i < n; i++ {
		out |= keventToMask(&buf[i])
	}
	return out, nil
}

func (b *kqueueBackend) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.kq >= 0 {
		_ = unix.Close(b.kq)
	}
	return nil
}

func keventToMask(ev *unix.Kevent_t) Mask {
	var m Mask
	switch ev.Filter {
	case unix.EVFILT_READ:
		m |= Readable
	case unix.EVFILT_WRITE:
		m |= Writable
	}
	if ev.Flags&unix.EV_EOF != 0 || ev.Flags&unix.EV_ERROR != 0 {
		m |= Readable
	}
	return m
}
