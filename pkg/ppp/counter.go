package ppp

// RetryCounter bounds the number of Configure-Requests sent without progress
type RetryCounter struct {
	max       int
	remaining int
}

// NewRetryCounter creates a counter allowing max attempts
func NewRetryCounter(max int) *RetryCounter {
	return &RetryCounter{
		max:       max,
		remaining: max,
	}
}

// Consume uses one attempt
func (c *RetryCounter) Consume() {
	if c.remaining > 0 {
		c.remaining--
	}
}

// IsExhausted returns true once every attempt has been consumed
func (c *RetryCounter) IsExhausted() bool {
	return c.remaining <= 0
}

// Reset restores the counter to its maximum
func (c *RetryCounter) Reset() {
	c.remaining = c.max
}

// Remaining returns the number of attempts left
func (c *RetryCounter) Remaining() int {
	return c.remaining
}
