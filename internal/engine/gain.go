// ABOUTME: Software volume with a perceptual curve and click-free ramps
// ABOUTME: Volume state is shared atomically; ramp state lives on the render thread
package engine

import (
	"math"
	"sync/atomic"
)

// VolumeToGain maps 0-100 onto a gain using (v/100)^4, about 60dB of range
func VolumeToGain(volume int) float64 {
	if volume <= 0 {
		return 0
	}
	if volume >= 100 {
		return 1
	}
	n := float64(volume) / 100
	return n * n * n * n
}

// volumeState is written by the control context and read by the renderer
type volumeState struct {
	volume atomic.Int32
	muted  atomic.Bool
	target atomic.Uint64 // float64 bits
}

func newVolumeState() *volumeState {
	v := &volumeState{}
	v.volume.Store(100)
	v.target.Store(math.Float64bits(1))
	return v
}

func (v *volumeState) set(volume int, muted bool) {
	v.volume.Store(int32(volume))
	v.muted.Store(muted)
	gain := VolumeToGain(volume)
	if muted {
		gain = 0
	}
	v.target.Store(math.Float64bits(gain))
}

func (v *volumeState) targetGain() float64 {
	return math.Float64frombits(v.target.Load())
}

// gainRamp interpolates per frame so every channel gets the same gain
type gainRamp struct {
	current    float64
	target     float64
	step       float64
	remaining  int
	rampFrames int
}

func newGainRamp(rampFrames int) gainRamp {
	return gainRamp{current: 1, target: 1, rampFrames: rampFrames}
}

// retarget starts a ramp from the current gain if target moved
func (g *gainRamp) retarget(target float64) {
	if target == g.target {
		return
	}
	g.target = target
	if g.rampFrames <= 0 {
		g.current = target
		g.remaining = 0
		return
	}
	g.remaining = g.rampFrames
	g.step = (target - g.current) / float64(g.rampFrames)
}

// unity reports the bit-perfect case
func (g *gainRamp) unity() bool {
	return g.remaining == 0 && g.current == 1
}

// next returns the gain for the upcoming frame and advances the ramp
func (g *gainRamp) next() float64 {
	gain := g.current
	if g.remaining > 0 {
		g.remaining--
		if g.remaining == 0 {
			g.current = g.target
		} else {
			g.current += g.step
		}
	}
	return gain
}
