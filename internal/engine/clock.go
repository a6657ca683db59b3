// ABOUTME: PlaybackClock mapping server timestamps to local output time
// ABOUTME: Anchored once per session and re-anchored after flushes and large drift
package engine

import "time"

// ServerClock converts server timestamps to local time
type ServerClock interface {
	ServerToLocal(serverMicros int64) time.Time
}

// Clock maps a presentation timestamp onto the local time it should be
// heard: anchor + (pts - anchorPTS) * ratio + latency. All values are
// nanoseconds. A Clock is owned by the render thread.
type Clock struct {
	latency     int64
	ratio       float64
	anchored    bool
	anchorLocal int64
	anchorPTS   int64
}

// NewClock creates an unanchored clock
func NewClock(latency time.Duration) Clock {
	return Clock{latency: int64(latency), ratio: 1}
}

// Anchor pins ptsNs to play at localNs + latency
func (c *Clock) Anchor(localNs, ptsNs int64) {
	c.anchored = true
	c.anchorLocal = localNs
	c.anchorPTS = ptsNs
}

// AnchorNow pins ptsNs to play exactly at localNs
func (c *Clock) AnchorNow(localNs, ptsNs int64) {
	c.Anchor(localNs-c.latency, ptsNs)
}

// Reset drops the anchor
func (c *Clock) Reset() {
	c.anchored = false
}

// Anchored reports whether the clock has an anchor
func (c *Clock) Anchored() bool {
	return c.anchored
}

// SetRatio sets local nanoseconds per server nanosecond
func (c *Clock) SetRatio(ratio float64) {
	if ratio <= 0 {
		ratio = 1
	}
	c.ratio = ratio
}

// LocalTime returns when ptsNs should be presented
func (c *Clock) LocalTime(ptsNs int64) int64 {
	elapsed := ptsNs - c.anchorPTS
	if c.ratio != 1 {
		elapsed = int64(float64(elapsed) * c.ratio)
	}
	return c.anchorLocal + elapsed + c.latency
}

// Offset returns how late (positive) or early (negative) a frame is
func (c *Clock) Offset(actualNs, ptsNs int64) int64 {
	return actualNs - c.LocalTime(ptsNs)
}

// RatioFrom derives the local/server rate from a synchronized clock
func RatioFrom(sc ServerClock, refMicros int64) float64 {
	a := sc.ServerToLocal(refMicros)
	b := sc.ServerToLocal(refMicros + int64(time.Second/time.Microsecond))
	d := b.Sub(a)
	if d <= 0 {
		return 1
	}
	return float64(d) / float64(time.Second)
}
