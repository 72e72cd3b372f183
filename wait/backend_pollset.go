//go:build !linux && !windows && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package wait

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// pollsetBackend is the POSIX poll(2) fallback (and the stand-in for
// VxWorks, which Go does not target): a level-triggered poll set plus a UDP
// self-loopback socket on localhost as the wake channel, per the original's
// MPR_SOCKET_MESSAGE wake strategy.
type pollsetBackend struct {
	mu      sync.RWMutex
	desired map[int]Mask

	wakePort int // 0 means pick an ephemeral port at init
	wakeConn *net.UDPConn
	wakeFd   int
	wakeAddr *net.UDPAddr

	closed bool
}

func newBackend() backend {
	return &pollsetBackend{desired: make(map[int]Mask, 16)}
}

// setWakeupPort is called by WithWakeupPort before init.
func (b *pollsetBackend) setWakeupPort(port int) { b.wakePort = port }

func (b *pollsetBackend) init() error {
	conn, addr, err := bindLoopbackWake(b.wakePort)
	if err != nil {
		return err
	}
	fd, err := rawFd(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	b.wakeConn = conn
	b.wakeAddr = addr
	b.wakeFd = fd
	return nil
}

// bindLoopbackWake binds a UDP socket to 127.0.0.1:port, incrementing the
// port on EADDRINUSE when port is non-zero (port == 0 asks the kernel for an
// ephemeral one, which never collides).
func bindLoopbackWake(port int) (*net.UDPConn, *net.UDPAddr, error) {
	for {
		addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
		conn, err := net.ListenUDP("udp4", addr)
		if err == nil {
			return conn, conn.LocalAddr().(*net.UDPAddr), nil
		}
		if port == 0 || !errors.Is(err, syscall.EADDRINUSE) {
			return nil, nil, err
		}
		port++
	}
}

func rawFd(conn *net.UDPConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}

func (b *pollsetBackend) arm(fd int, mask Mask) error {
	if fd < 0 {
		return errOutOfRange
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if mask == 0 {
		delete(b.desired, fd)
		return nil
	}
	b.desired[fd] = mask
	return nil
}

func (b *pollsetBackend) wait(timeoutMs int64) ([]ready, error) {
	b.mu.RLock()
	pfds := make([]unix.PollFd, 0, len(b.desired)+1)
	fds := make([]int, 0, len(b.desired))
	for fd, mask := range b.desired {
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: maskToPoll(mask)})
		fds = append(fds, fd)
	}
	b.mu.RUnlock()
	pfds = append(pfds, unix.PollFd{Fd: int32(b.wakeFd), Events: unix.POLLIN})

	timeout := int(timeoutMs)
	if timeoutMs < 0 {
		timeout = -1
	}
	for {
		n, err := unix.Poll(pfds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		out := make([]ready, 0, n)
		for i, pfd := range pfds[:len(fds)] {
			if pfd.Revents == 0 {
				continue
			}
			out = append(out, ready{fd: fds[i], mask: pollToMask(pfd.Revents)})
		}
		if wakePfd := pfds[len(pfds)-1]; wakePfd.Revents != 0 {
			b.drainWake()
		}
		return out, nil
	}
}

func (b *pollsetBackend) drainWake() {
	buf := make([]byte, 64)
	_ = b.wakeConn.SetReadDeadline(time.Now())
	for {
		if _, _, err := b.wakeConn.ReadFromUDP(buf); err != nil {
			break
		}
	}
	_ = b.wakeConn.SetReadDeadline(time.Time{})
}

func (b *pollsetBackend) wake() {
	conn, err := net.DialUDP("udp4", nil, b.wakeAddr)
	if err != nil {
		return
	}
	defer conn.Close()
	_, _ = conn.Write([]byte{0})
}

func (b *pollsetBackend) waitForSingleIO(fd int, mask Mask, timeoutMs int64) (Mask, error) {
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

func (b *pollsetBackend) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.wakeConn != nil {
		return b.wakeConn.Close()
	}
	return nil
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
