package ppp

import "time"

// RetransmissionTimer is a single-shot restart timer. It never fires a
// callback; the runner selects on C() so expiry is handled in the same loop
// as inbound frames.
type RetransmissionTimer struct {
	timeout  time.Duration
	timer    *time.Timer
	deadline time.Time
}

// NewRetransmissionTimer creates a stopped timer
func NewRetransmissionTimer(timeout time.Duration) *RetransmissionTimer {
	return &RetransmissionTimer{timeout: timeout}
}

// Reset re-arms the timer for a full timeout from now
func (t *RetransmissionTimer) Reset() {
	t.Stop()
	t.timer = time.NewTimer(t.timeout)
	t.deadline = time.Now().Add(t.timeout)
}

// Stop cancels the pending deadline, if any
func (t *RetransmissionTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.deadline = time.Time{}
}

// C returns the expiry channel. It is nil while the timer is stopped, which
// blocks forever in a select.
func (t *RetransmissionTimer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

// Fired must be called after a value was received from C()
func (t *RetransmissionTimer) Fired() {
	t.timer = nil
	t.deadline = time.Time{}
}

// Deadline returns when the timer fires, zero if stopped
func (t *RetransmissionTimer) Deadline() time.Time {
	return t.deadline
}

// Armed reports whether a deadline is pending
func (t *RetransmissionTimer) Armed() bool {
	return t.timer != nil
}
