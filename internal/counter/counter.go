// Package counter provides a lock-free counter for tracking how many
// peer connections are currently open. A single process-wide value is
// updated from every connection's event goroutine, so all operations
// are plain atomic adds with no locking.
package counter

import "sync/atomic"

// Counter is a cumulative count safe for concurrent use.
// The zero value is ready to use.
type Counter uint64

// Increment adds one and returns the incremented value.
func (c *Counter) Increment() uint64 {
	return atomic.AddUint64((*uint64)(c), 1)
}

// GetAndDecrement subtracts one and returns the value as it was
// immediately before the decrement. The returned value is consistent
// under arbitrary interleaving with other increments and decrements.
func (c *Counter) GetAndDecrement() uint64 {
	return atomic.AddUint64((*uint64)(c), ^uint64(0)) + 1
}

// Value returns the current count.
func (c *Counter) Value() uint64 {
	return atomic.LoadUint64((*uint64)(c))
}

// IsZero checks if the count is zero.
func (c *Counter) IsZero() bool {
	return atomic.LoadUint64((*uint64)(c)) == 0
}
