// Package clock provides the time source and the scheduled-task table used by
// the console's event loop.
//
// Every timer in the console (override phase boundaries, override expiry,
// guard release, stream reconnect) is an entry in a Scheduler and is
// addressed by a Token. Cancelling a token guarantees that its callback never
// runs, provided the cancel happens on the loop that runs the callbacks.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Token identifies a scheduled task. The zero Token is never issued.
type Token uint64

// Scheduler runs callbacks after a delay and allows them to be cancelled.
type Scheduler interface {
	Clock
	// After schedules fn to run once d has elapsed. A non-positive d runs fn
	// on the next opportunity.
	After(d time.Duration, fn func()) Token
	// Cancel removes a pending task. It reports whether the task was still
	// pending.
	Cancel(t Token) bool
	// CancelAll removes every pending task.
	CancelAll()
	// Pending returns the number of tasks that have not run or been cancelled.
	Pending() int
}

// Real is a Scheduler backed by the wall clock.
//
// When a post function is supplied, expired timers hand their callback to it
// (normally loop.Post) so that callbacks are serialized with the rest of the
// loop's work. The token is re-checked on the loop, so a Cancel issued on the
// loop after the timer fired but before the callback ran still wins.
type Real struct {
	mu     sync.Mutex
	post   func(func()) bool
	next   Token
	timers map[Token]*time.Timer
}

// NewReal creates a wall-clock scheduler. post may be nil, in which case
// callbacks run on the timer goroutine.
func NewReal(post func(func()) bool) *Real {
	return &Real{
		post:   post,
		timers: make(map[Token]*time.Timer),
	}
}

// Now returns the wall-clock time.
func (r *Real) Now() time.Time {
	return time.Now()
}

// After implements Scheduler.
func (r *Real) After(d time.Duration, fn func()) Token {
	if d < 0 {
		d = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	tok := r.next
	r.timers[tok] = time.AfterFunc(d, func() {
		run := func() {
			if r.take(tok) {
				fn()
			}
		}
		if r.post == nil {
			run()
			return
		}
		if !r.post(run) {
			// Loop is gone; forget the task so Pending stays accurate.
			r.take(tok)
		}
	})
	return tok
}

func (r *Real) take(tok Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[tok]; !ok {
		return false
	}
	delete(r.timers, tok)
	return true
}

// Cancel implements Scheduler.
func (r *Real) Cancel(tok Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[tok]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.timers, tok)
	return true
}

// CancelAll implements Scheduler.
func (r *Real) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tok, t := range r.timers {
		t.Stop()
		delete(r.timers, tok)
	}
}

// Pending implements Scheduler.
func (r *Real) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

var _ Scheduler = (*Real)(nil)
