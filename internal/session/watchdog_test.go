package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/sandterm/internal/clock"
)

func TestWatchdog_FiresAfterTimeout(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	w := NewWatchdog(clk)
	var fired atomic.Int32
	w.Arm(120*time.Second, func() { fired.Add(1) })

	clk.Advance(119 * time.Second)
	if fired.Load() != 0 || w.Expired() {
		t.Fatal("fired before timeout")
	}
	clk.Advance(time.Second)
	if fired.Load() != 1 || !w.Expired() {
		t.Fatalf("fired = %d, want 1", fired.Load())
	}
}

func TestWatchdog_BumpExtends(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	w := NewWatchdog(clk)
	var fired atomic.Int32
	w.Arm(120*time.Second, func() { fired.Add(1) })

	clk.Advance(100 * time.Second)
	if !w.Bump() {
		t.Fatal("Bump on a live watchdog returned false")
	}
	clk.Advance(119 * time.Second)
	if fired.Load() != 0 {
		t.Fatal("fired at t=219s")
	}
	clk.Advance(time.Second)
	if fired.Load() != 1 {
		t.Fatalf("fired = %d at t=220s, want 1", fired.Load())
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clk.Pending())
	}
}

func TestWatchdog_ExpiryIsTerminal(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	w := NewWatchdog(clk)
	var fired atomic.Int32
	w.Arm(time.Minute, func() { fired.Add(1) })

	clk.Advance(time.Minute)
	if w.Bump() {
		t.Error("Bump after expiry returned true")
	}
	clk.Advance(time.Hour)
	if fired.Load() != 1 {
		t.Errorf("fired = %d, want 1", fired.Load())
	}
	w.Arm(time.Minute, func() { fired.Add(1) })
	clk.Advance(time.Hour)
	if fired.Load() != 1 {
		t.Errorf("re-armed a spent watchdog: fired = %d", fired.Load())
	}
}

func TestWatchdog_DisarmPreventsFire(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	w := NewWatchdog(clk)
	var fired atomic.Int32
	w.Arm(time.Minute, func() { fired.Add(1) })

	clk.Advance(30 * time.Second)
	w.Disarm()
	w.Disarm()
	clk.Advance(time.Hour)
	if fired.Load() != 0 {
		t.Errorf("fired after Disarm")
	}
	if w.Bump() {
		t.Error("Bump after Disarm returned true")
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clk.Pending())
	}
}

func TestWatchdog_ArmTwiceKeepsOneTimer(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	w := NewWatchdog(clk)
	w.Arm(time.Minute, func() {})
	w.Arm(time.Second, func() {})

	if clk.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", clk.Pending())
	}
	clk.Advance(time.Second)
	if w.Expired() {
		t.Error("second Arm replaced the timeout")
	}
}

func TestWatchdog_DefaultTimeout(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	w := NewWatchdog(clk)
	w.Arm(0, func() {})

	clk.Advance(DefaultIdleTimeout - time.Second)
	if w.Expired() {
		t.Fatal("expired before the default timeout")
	}
	clk.Advance(time.Second)
	if !w.Expired() {
		t.Fatal("not expired at the default timeout")
	}
}
