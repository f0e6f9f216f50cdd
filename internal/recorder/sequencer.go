package recorder

import "sync/atomic"

// Sequencer hands out step order numbers. Next is atomic: two events
// observed concurrently still get distinct, gap-free orders, so a recorded
// workflow never contains duplicate positions no matter how fast the user
// clicks.
type Sequencer struct {
	n int64
}

// Next reserves and returns the next order number, starting at 1.
func (s *Sequencer) Next() int {
	return int(atomic.AddInt64(&s.n, 1))
}

// Current returns the last order handed out (0 before the first Next).
func (s *Sequencer) Current() int {
	return int(atomic.LoadInt64(&s.n))
}
