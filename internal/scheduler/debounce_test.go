package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCoalescerCollapsesBursts(t *testing.T) {
	var calls atomic.Int32
	c := NewCoalescer(30*time.Millisecond, func() { calls.Add(1) })
	defer c.Stop()

	for i := 0; i < 20; i++ {
		c.Notify()
		time.Sleep(time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls after burst = %d, want 1", n)
	}

	c.Notify()
	time.Sleep(150 * time.Millisecond)
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls after second notify = %d, want 2", n)
	}
}

func TestCoalescerStopDropsPending(t *testing.T) {
	var calls atomic.Int32
	c := NewCoalescer(50*time.Millisecond, func() { calls.Add(1) })
	c.Notify()
	c.Stop()
	c.Stop()
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("stopped coalescer still fired")
	}
}
