//go:build linux

package wait

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 256

// epollBackend is the Linux notifier: a single epoll instance plus an
// eventfd used exclusively as the wake channel.
type epollBackend struct {
	mu       sync.RWMutex
	epfd     int
	wakeFd   int
	eventBuf [maxEpollEvents]unix.EpollEvent
	closed   bool
}

func newBackend() backend { return &epollBackend{epfd: -1, wakeFd: -1} }

func (b *epollBackend) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return err
	}
	b.epfd = epfd
	b.wakeFd = wakeFd
	return nil
}

func (b *epollBackend) arm(fd int, mask Mask) error {
	if fd < 0 {
		return errOutOfRange
	}
	ev := &unix.EpollEvent{Events: maskToEpoll(mask), Fd: int32(fd)}
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	if err == unix.ENOENT {
		if mask == 0 {
			return nil
		}
		err = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	} else if err == nil && mask == 0 {
		_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	return err
}

func (b *epollBackend) wait(timeoutMs int64) ([]ready, error) {
	timeout := int(timeoutMs)
	if timeoutMs < 0 || timeoutMs > int64(1<<31-1) {
		timeout = -1
	}
	for {
		n, err := unix.EpollWait(b.epfd, b.eventBuf[:], timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		out := make([]ready, 0, n)
		for i := 0; i < n; i++ {
			fd := int(b.eventBuf[i].Fd)
			if fd == b.wakeFd {
				b.drainWake()
				continue
			}
			out = append(out, ready{fd: fd, mask: epollToMask(b.eventBuf[i].Events)})
		}
		return out, nil
	}
}

func (b *epollBackend) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(b.wakeFd, buf[:])
		if err != nil {
			break
		}
	}
}

func (b *epollBackend) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(b.wakeFd, buf[:])
}

func (b *epollBackend) waitForSingleIO(fd int, mask Mask, timeoutMs int64) (Mask, error) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: maskToPoll(mask)}}
	timeout := int(timeoutMs)
	if timeoutMs < 0 {
		timeout = -1
	}
	for {
		n, err := unix.Poll(pfd, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}
		return pollToMask(pfd[0].Revents), nil
	}
}

func (b *epollBackend) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.wakeFd >= 0 {
		_ = unix.Close(b.wakeFd)
	}
	if b.epfd >= 0 {
		_ = unix.Close(b.epfd)
	}
	return nil
}

func maskToEpoll(m Mask) uint32 {
	var e uint32
	if m&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if m&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToMask(e uint32) Mask {
	var m Mask
	if e&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		m |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		m |= Writable
	}
	return m
}

func maskToPoll(m Mask) int16 {
	var e int16
	if m&Readable != 0 {
		e |= unix.POLLIN
	}
	if m&Writable != 0 {
		e |= unix.POLLOUT
	}
	return e
}

func pollToMask(e int16) Mask {
	var m Mask
	if e&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
		m |= Readable
	}
	if e&unix.POLLOUT != 0 {
		m |= Writable
	}
	return m
}
