package produce

import "sync/atomic"

// DefaultMaxPendingFrames bounds each admission stage unless configured otherwise.
const DefaultMaxPendingFrames = 50

// stageGauge counts frames admitted into one pipeline stage.
// The bound is shared with the sibling stage through max.
type stageGauge struct {
	n   atomic.Int64
	max *atomic.Int64
}

// TryAcquire admits one frame if the stage is below its bound.
func (g *stageGauge) TryAcquire() bool {
	for {
		cur := g.n.Load()
		if cur >= g.max.Load() {
			return false
		}
		if g.n.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns one admission. The count never goes below zero.
func (g *stageGauge) Release() {
	for {
		cur := g.n.Load()
		if cur <= 0 {
			return
		}
		if g.n.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Load returns the number of frames currently admitted.
func (g *stageGauge) Load() int64 { return g.n.Load() }

// pendingCounters holds the filter and encode stage gauges.
type pendingCounters struct {
	max    atomic.Int64
	filter stageGauge
	encode stageGauge
}

func newPendingCounters(max int) *pendingCounters {
	if max <= 0 {
		max = DefaultMaxPendingFrames
	}
	c := &pendingCounters{}
	c.max.Store(int64(max))
	c.filter.max = &c.max
	c.encode.max = &c.max
	return c
}

// SetMax changes the bound. Lowering it below the current count refuses new
// admissions until enough frames complete.
func (c *pendingCounters) SetMax(max int) {
	c.max.Store(int64(max))
}

// Max returns the current bound.
func (c *pendingCounters) Max() int { return int(c.max.Load()) }
