package main

import "time"

// coalescer collapses bursts of low-priority state changes into a single
// deferred broadcast: schedule arms a timer if none is pending, cancel
// disarms it (an immediate broadcast supersedes the pending one), and wait
// exposes the timer channel to the hub's select loop; nil when nothing is
// pending, which blocks that case forever.
//
// Not safe for concurrent use; only the hub's run goroutine touches it.
type coalescer struct {
	window time.Duration
	timer  *time.Timer
}

func newCoalescer(window time.Duration) *coalescer {
	return &coalescer{window: window}
}

// schedule arms the timer unless one is already pending.
func (co *coalescer) schedule() {
	if co.timer == nil {
		co.timer = time.NewTimer(co.window)
	}
}

// cancel disarms any pending timer, draining its channel if it already fired.
func (co *coalescer) cancel() {
	if co.timer == nil {
		return
	}
	if !co.timer.Stop() {
		select {
		case <-co.timer.C:
		default:
		}
	}
	co.timer = nil
}

// wait returns the pending timer channel, or nil if nothing is scheduled.
func (co *coalescer) wait() <-chan time.Time {
	if co.timer == nil {
		return nil
	}
	return co.timer.C
}

// clear forgets a timer that has fired. Callers receive from wait() first.
func (co *coalescer) clear() {
	co.timer = nil
}

func (co *coalescer) pending() bool {
	return co.timer != nil
}
