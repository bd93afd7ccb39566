package admission

import "sync/atomic"

// Counter hands out strictly increasing queue sequence numbers. Values are
// never reused for the lifetime of the Counter.
type Counter struct {
	last atomic.Int64
}

// NewCounter returns a Counter whose first value is start+1.
func NewCounter(start int64) *Counter {
	c := &Counter{}
	c.last.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Counter) Next() int64 {
	return c.last.Add(1)
}

// Last returns the most recently issued value.
func (c *Counter) Last() int64 {
	return c.last.Load()
}
