package eventloop

import "time"

// Timer runs a callback once its deadline passes. Execution is
// single-threaded with the loop; there is no cancellation callback,
// RemoveTimer simply detaches.
type Timer struct {
	deadline time.Time
	fn       func()
}

// NewTimer returns a timer firing fn once after d.
func NewTimer(d time.Duration, fn func()) *Timer {
	return &Timer{deadline: time.Now().Add(d), fn: fn}
}

// NewTimerAt returns a timer firing fn at the given time.
func NewTimerAt(at time.Time, fn func()) *Timer {
	return &Timer{deadline: at, fn: fn}
}

// Deadline returns when the timer fires.
func (t *Timer) Deadline() time.Time { return t.deadline }
