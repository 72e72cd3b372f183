package rmutex

import (
	"sync"
	"testing"
	"time"
)

func TestMutex_Reentrant(t *testing.T) {
	m := New()
	m.Lock()
	m.Lock() // same goroutine must not deadlock
	if !m.HeldByCaller() {
		t.Fatal("HeldByCaller = false while holding at depth 2")
	}
	m.Unlock()
	if !m.HeldByCaller() {
		t.Fatal("HeldByCaller = false after unwinding to depth 1")
	}
	m.Unlock()
	if m.HeldByCaller() {
		t.Fatal("HeldByCaller = true after fully releasing")
	}
}

func TestMutex_ExcludesOtherGoroutines(t *testing.T) {
	m := New()
	m.Lock()

	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
		m.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired a held mutex")
	case <-time.After(20 * time.Millisecond):
	}

	m.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine never acquired after release")
	}
}

func TestMutex_TryLock(t *testing.T) {
	m := New()
	if !m.TryLock() {
		t.Fatal("TryLock on free mutex failed")
	}
	if !m.TryLock() {
		t.Fatal("TryLock reentry from the owner failed")
	}
	m.Unlock()
	m.Unlock()

	m.Lock()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if m.TryLock() {
			t.Error("TryLock from another goroutine succeeded on a held mutex")
		}
	}()
	wg.Wait()
	m.Unlock()
}

func TestMutex_UnlockOfUnlockedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on Unlock of unlocked Mutex")
		}
	}()
	New().Unlock()
}
