package scheduler

import (
	"sync"
	"time"
)

// Coalescer collapses any number of Notify calls arriving within the quiet
// window into one call of fn. fn runs on the coalescer's goroutine and must
// not call Stop.
type Coalescer struct {
	quiet  time.Duration
	fn     func()
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewCoalescer starts a coalescer.
func NewCoalescer(quiet time.Duration, fn func()) *Coalescer {
	c := &Coalescer{
		quiet:  quiet,
		fn:     fn,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.loop()
	return c
}

// Notify records a change. It never blocks.
func (c *Coalescer) Notify() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Stop discards pending notifications and waits for a running fn to return.
func (c *Coalescer) Stop() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Coalescer) loop() {
	defer close(c.done)

	timer := time.NewTimer(c.quiet)
	timer.Stop()
	defer timer.Stop()

	var fire <-chan time.Time
	for {
		select {
		case <-c.notify:
			timer.Reset(c.quiet)
			fire = timer.C
		case <-fire:
			fire = nil
			c.fn()
		case <-c.stop:
			return
		}
	}
}
