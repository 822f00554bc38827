package produce

import (
	"sync"
	"sync/atomic"
	"time"
)

// Default pacing rates.
var (
	DefaultMaxFramerate = Fraction{Num: 60, Den: 1}
	DefaultMinFramerate = Fraction{Num: 10, Den: 1}
)

// rateGate drops frames arriving faster than the configured maximum rate.
// allow and forwarded are called under the producer's arrival lock.
type rateGate struct {
	interval atomic.Int64 // minimum spacing in ns, 0 = unlimited

	last     time.Duration
	haveLast bool
}

func (g *rateGate) setMax(f Fraction) {
	g.interval.Store(int64(f.Interval()))
}

// allow reports whether a frame stamped ts may be forwarded. A frame stamped
// earlier than the last forwarded one is let through so a source clock reset
// does not stall the stream.
func (g *rateGate) allow(ts time.Duration) bool {
	interval := time.Duration(g.interval.Load())
	if interval <= 0 || !g.haveLast || ts < g.last {
		return true
	}
	// 1/16 slack absorbs capture jitter at exactly the target rate.
	return ts-g.last >= interval-interval/16
}

func (g *rateGate) forwarded(ts time.Duration) {
	g.last = ts
	g.haveLast = true
}

func (g *rateGate) reset() {
	g.haveLast = false
}

// ptsClamp keeps encoder timestamps strictly increasing. A value that does
// not exceed the previous one is bumped to previous+1.
type ptsClamp struct {
	prev int64
	have bool
}

func (c *ptsClamp) next(pts int64) (int64, bool) {
	bumped := false
	if c.have && pts <= c.prev {
		pts = c.prev + 1
		bumped = true
	}
	c.prev = pts
	c.have = true
	return pts, bumped
}

// streamClock maps a source's capture timestamps onto the stream clock.
// The first timestamp lands at its arrival time since stream start; later
// ones keep their spacing from it. Video and audio each own one, so both
// reach the sink in the same time domain.
type streamClock struct {
	have   bool
	first  time.Duration
	offset time.Duration
}

func (c *streamClock) rebase(ts, arrival time.Duration) time.Duration {
	if !c.have {
		c.first = ts
		c.offset = arrival
		c.have = true
	}
	return ts - c.first + c.offset
}

// repeatTimer fires fn once per period after the last arm, until stopped.
// Each arm starts a new generation so a callback racing with stop or a
// re-arm sees it is stale and returns.
type repeatTimer struct {
	period atomic.Int64

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
	fn    func(gen uint64)
}

func newRepeatTimer(fn func(gen uint64)) *repeatTimer {
	return &repeatTimer{fn: fn}
}

func (r *repeatTimer) setMin(f Fraction) {
	r.period.Store(int64(f.Interval()))
}

// arm (re)starts the countdown. It is a no-op when repetition is disabled.
func (r *repeatTimer) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
	period := time.Duration(r.period.Load())
	if period <= 0 {
		return
	}
	gen := r.gen
	r.timer = time.AfterFunc(period, func() { r.fn(gen) })
}

func (r *repeatTimer) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *repeatTimer) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen == r.gen
}
