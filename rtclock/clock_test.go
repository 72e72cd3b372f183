package rtclock

import (
	"testing"
	"time"
)

func TestSystem_TicksAdvance(t *testing.T) {
	c := NewSystem()
	a := c.Ticks()
	time.Sleep(15 * time.Millisecond)
	b := c.Ticks()
	if b < a+10 {
		t.Fatalf("Ticks advanced %dms over a 15ms sleep, want >= 10", b-a)
	}
}

func TestSystem_ResetAnchor(t *testing.T) {
	c := NewSystem()
	time.Sleep(5 * time.Millisecond)
	c.ResetAnchor()
	if got := c.Ticks(); got > 50 {
		t.Fatalf("Ticks = %d right after ResetAnchor, want near 0", got)
	}
}

func TestSystem_WallClock(t *testing.T) {
	c := NewSystem()
	if d := time.Since(c.WallClock()); d < 0 || d > time.Second {
		t.Fatalf("WallClock drifted %v from time.Now", d)
	}
}
