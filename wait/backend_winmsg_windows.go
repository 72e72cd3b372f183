//go:build windows

package wait

import (
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// winmsgBackend is the Windows notifier: a hidden message-only window
// receiving PostMessageW as its wake channel, combined with one WSA event
// object per armed socket and MsgWaitForMultipleObjects so a single wait
// blocks on both the window's message queue and socket readiness at once —
// the "GUI-message/socket-select" shape spec §4.2 describes for non-Unix
// hosts.
type winmsgBackend struct {
	mu      sync.RWMutex
	fdEvent map[int]windows.Handle // fd -> WSA event object currently selected on it
	mask    map[int]Mask

	hwnd   uintptr
	closed bool
}

const (
	wmAppBase = 0x8000 // WM_APP
	wmWake    = wmAppBase + 1

	fdReadEvents  = windows.FD_READ | windows.FD_ACCEPT | windows.FD_CLOSE
	fdWriteEvents = windows.FD_WRITE | windows.FD_CONNECT
)

var (
	user32               = syscall.NewLazyDLL("user32.dll")
	procRegisterClassExW = user32.NewProc("RegisterClassExW")
	procCreateWindowExW  = user32.NewProc("CreateWindowExW")
	procDestroyWindow    = user32.NewProc("DestroyWindow")
	procDefWindowProcW   = user32.NewProc("DefWindowProcW")
	procPostMessageW     = user32.NewProc("PostMessageW")
	procPeekMessageW     = user32.NewProc("PeekMessageW")
	procTranslateMessage = user32.NewProc("TranslateMessage")
	procDispatchMessageW = user32.NewProc("DispatchMessageW")
)

const (
	hwndMessageOnly = ^uintptr(2) // HWND_MESSAGE, i.e. (HWND)(-3)
	pmRemove        = 1
)

type wndClassExW struct {
	size       uint32
	style      uint32
	wndProc    uintptr
	clsExtra   int32
	wndExtra   int32
	instance   syscall.Handle
	icon       syscall.Handle
	cursor     syscall.Handle
	background syscall.Handle
	menuName   *uint16
	className  *uint16
	iconSm     syscall.Handle
}

type msg struct {
	hwnd    uintptr
	message uint32
	wParam  uintptr
	lParam  uintptr
	time    uint32
	pt      struct{ x, y int32 }
}

func newBackend() backend {
	return &winmsgBackend{
		fdEvent: make(map[int]windows.Handle, 16),
		mask:    make(map[int]Mask, 16),
	}
}

func (b *winmsgBackend) init() error {
	className, err := syscall.UTF16PtrFromString("apprtWaitServiceWindow")
	if err != nil {
		return err
	}
	wndProc := syscall.NewCallback(func(hwnd uintptr, msgID uint32, wParam, lParam uintptr) uintptr {
		ret, _, _ := procDefWindowProcW.Call(hwnd, uintptr(msgID), wParam, lParam)
		return ret
	})

	wc := wndClassExW{
		wndProc:   wndProc,
		className: className,
	}
	wc.size = uint32(unsafe.Sizeof(wc))
	if atom, _, err := procRegisterClassExW.Call(uintptr(unsafe.Pointer(&wc))); atom == 0 {
		// ERROR_CLASS_ALREADY_EXISTS (1410) is fine across repeated inits in the
		// same process (e.g. parallel tests); anything else is a real failure.
		if errno, ok := err.(syscall.Errno); !ok || errno != 1410 {
			return err
		}
	}

	hwnd, _, err := procCreateWindowExW.Call(
		0,
		uintptr(unsafe.Pointer(className)),
		uintptr(unsafe.Pointer(className)),
		0, 0, 0, 0, 0,
		hwndMessageOnly,
		0, 0, 0,
	)
	if hwnd == 0 {
		return err
	}
	b.hwnd = hwnd
	return nil
}

func (b *winmsgBackend) arm(fd int, mask Mask) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if mask == 0 {
		if ev, ok := b.fdEvent[fd]; ok {
			_ = windows.WSAEventSelect(windows.Handle(fd), ev, 0)
			_ = windows.WSACloseEvent(ev)
			delete(b.fdEvent, fd)
			delete(b.mask, fd)
		}
		return nil
	}

	ev, ok := b.fdEvent[fd]
	if !ok {
		var err error
		ev, err = windows.WSACreateEvent()
		if err != nil {
			return err
		}
		b.fdEvent[fd] = ev
	}
	var native uint32
	if mask&Readable != 0 {
		native |= fdReadEvents
	}
	if mask&Writable != 0 {
		native |= fdWriteEvents
	}
	if err := windows.WSAEventSelect(windows.Handle(fd), ev, native); err != nil {
		return err
	}
	b.mask[fd] = mask
	return nil
}

// wait blocks on every armed socket's event object plus the hidden window's
// message queue (via MsgWaitForMultipleObjects), draining and discarding
// window messages itself — the window exists only to give PostMessageW a
// target, not to run a full GUI message loop.
func (b *winmsgBackend) wait(timeoutMs int64) ([]ready, error) {
	b.mu.RLock()
	fds := make([]int, 0, len(b.fdEvent))
	handles := make([]windows.Handle, 0, len(b.fdEvent))
	for fd, ev := range b.fdEvent {
		fds = append(fds, fd)
		handles = append(handles, ev)
	}
	b.mu.RUnlock()

	timeout := uint32(windows.INFINITE)
	if timeoutMs >= 0 {
		timeout = uint32(timeoutMs)
	}

	waitResult, err := msgWaitForMultipleObjects(handles, timeout)
	if err != nil {
		return nil, err
	}

	b.drainMessages()

	out := make([]ready, 0, len(fds))
	if waitResult >= 0 && int(waitResult) < len(handles) {
		fd := fds[waitResult]
		ev := handles[waitResult]
		_ = windows.ResetEvent(ev)
		b.mu.RLock()
		wanted := b.mask[fd]
		b.mu.RUnlock()
		var ne windows.WSANetworkEvents
		if err := windows.WSAEnumNetworkEvents(windows.Handle(fd), ev, &ne); err == nil {
			out = append(out, ready{fd: fd, mask: networkEventsToMask(ne.Events) & wanted})
		}
	}
	return out, nil
}

func (b *winmsgBackend) drainMessages() {
	var m msg
	for {
		r, _, _ := procPeekMessageW.Call(uintptr(unsafe.Pointer(&m)), b.hwnd, 0, 0, pmRemove)
		if r == 0 {
			return
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&m)))
		procDispatchMessageW.Call(uintptr(unsafe.Pointer(&m)))
	}
}

func (b *winmsgBackend) wake() {
	if b.hwnd == 0 {
		return
	}
	procPostMessageW.Call(b.hwnd, uintptr(wmWake), 0, 0)
}

func (b *winmsgBackend) waitForSingleIO(fd int, mask Mask, timeoutMs int64) (Mask, error) {
	ev, err := windows.WSACreateEvent()
	if err != nil {
		return 0, err
	}
	defer windows.WSACloseEvent(ev)

	var native uint32
	if mask&Readable != 0 {
		native |= fdReadEvents
	}
	if mask&Writable != 0 {
		native |= fdWriteEvents
	}
	if err := windows.WSAEventSelect(windows.Handle(fd), ev, native); err != nil {
		return 0, err
	}
	defer windows.WSAEventSelect(windows.Handle(fd), ev, 0)

	timeout := uint32(windows.INFINITE)
	if timeoutMs >= 0 {
		timeout = uint32(timeoutMs)
	}
	n, err := windows.WSAWaitForMultipleEvents(1, &ev, false, timeout, false)
	if err != nil || n != 0 {
		return 0, err
	}

	var ne windows.WSANetworkEvents
	if err := windows.WSAEnumNetworkEvents(windows.Handle(fd), ev, &ne); err != nil {
		return 0, err
	}
	return networkEventsToMask(ne.Events) & mask, nil
}

func (b *winmsgBackend) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for fd, ev := range b.fdEvent {
		_ = windows.WSAEventSelect(windows.Handle(fd), ev, 0)
		_ = windows.WSACloseEvent(ev)
	}
	b.fdEvent = nil
	if b.hwnd != 0 {
		procDestroyWindow.Call(b.hwnd)
	}
	return nil
}

func networkEventsToMask(events uint32) Mask {
	var m Mask
	if events&(windows.FD_READ|windows.FD_ACCEPT|windows.FD_CLOSE) != 0 {
		m |= Readable
	}
	if events&(windows.FD_WRITE|windows.FD_CONNECT) != 0 {
		m |= Writable
	}
	return m
}

// msgWaitForMultipleObjects wraps MsgWaitForMultipleObjects, returning the
// index of the signaled handle, or -1 if only a window message woke the
// call. QS_ALLINPUT wakes on any posted or queued window message, including
// our own PostMessageW wake.
func msgWaitForMultipleObjects(handles []windows.Handle, timeoutMs uint32) (int32, error) {
	const qsAllInput = 0x04FF
	const waitTimeout = 0x00000102
	const waitFailed = 0xFFFFFFFF

	var pHandles uintptr
	if len(handles) > 0 {
		pHandles = uintptr(unsafe.Pointer(&handles[0]))
	}
	procMsgWait := user32.NewProc("MsgWaitForMultipleObjects")
	r, _, callErr := procMsgWait.Call(
		uintptr(len(handles)),
		pHandles,
		0, // bWaitAll
		uintptr(timeoutMs),
		uintptr(qsAllInput),
	)
	switch uint32(r) {
	case waitFailed:
		return -1, callErr
	case waitTimeout:
		return -1, nil
	default:
		idx := int32(r)
		if int(idx) < len(handles) {
			return idx, nil
		}
		return -1, nil // woke for a window message, not a handle
	}
}
