// ABOUTME: Device callback rendering queued packets with clock correction
// ABOUTME: Applies drift correction, software gain and output sample packing
package engine

import (
	"math"

	"github.com/Sendspin/sendspin-native/pkg/audio"
)

// Render fills out with the next block of audio. It is the device
// callback: it never blocks, never allocates and never takes a lock.
func (e *Engine) Render(out []byte) {
	rs := &e.rs
	if rs.frameSize == 0 {
		clear(out)
		return
	}

	frames := len(out) / rs.frameSize
	now := e.now().UnixNano()

	e.syncGeneration()
	rs.gain.retarget(e.volume.targetGain())
	rs.clock.SetRatio(math.Float64frombits(e.ratio.Load()))
	if e.reanchor.Swap(false) {
		rs.clock.Reset()
		rs.anchorNow = true
	}

	if e.paused.Load() || e.muted.Load() {
		clear(out)
		return
	}

	written := 0
	corrected := false
	for written < frames {
		p := e.current()
		if p == nil {
			break
		}

		pts := p.PTS*1000 + int64(rs.off)*1e9/rs.rate
		actual := now + int64(written)*1e9/rs.rate

		if p.synced && !rs.onServer {
			// the first packet after a sync moves playback onto the server timeline
			rs.clock.Reset()
		}
		if !rs.clock.Anchored() {
			e.anchor(p, actual, pts)
		}

		diff := rs.clock.Offset(actual, pts)

		if !rs.started {
			if diff > rs.tolerance && p.synced {
				// already past due: skip to the frame presenting now
				skip := int(diff * rs.rate / 1e9)
				if left := p.Frames() - rs.off; skip > left {
					skip = left
				}
				if skip < 1 {
					skip = 1
				}
				e.advance(skip)
				e.driftDrops.Add(uint64(skip))
				continue
			}
			if diff < -rs.tolerance {
				// waiting for the first packet's presentation time
				wait := int(-diff * rs.rate / 1e9)
				if wait < 1 {
					wait = 1
				}
				if wait > frames-written {
					wait = frames - written
				}
				clear(out[written*rs.frameSize : (written+wait)*rs.frameSize])
				written += wait
				continue
			}
			rs.started = true
			e.markPosition(p, true)
		}

		if !corrected {
			corrected = true
			switch {
			case diff > rs.resync || diff < -rs.resync:
				e.resyncs.Add(1)
				e.emit(Event{Kind: EventResync})
				rs.anchorNow = true
				e.anchor(p, actual, pts)
				if p.synced {
					// wait or skip back onto the timeline
					rs.started = false
					continue
				}
			case diff > rs.tolerance:
				// late: skip one frame
				e.advance(1)
				e.driftDrops.Add(1)
				continue
			case diff < -rs.tolerance:
				// early: play this frame twice
				e.writeFrames(out[written*rs.frameSize:], p, rs.off, 1)
				written++
				e.driftRepeats.Add(1)
				continue
			}
		}

		n := p.Frames() - rs.off
		if n > frames-written {
			n = frames - written
		}
		e.writeFrames(out[written*rs.frameSize:], p, rs.off, n)
		written += n
		e.advance(n)
		e.framesPlayed.Add(uint64(n))
	}

	if written < frames {
		clear(out[written*rs.frameSize:])
		switch {
		case e.draining.Load():
			e.emitDrained()
		case rs.started:
			e.underruns.Add(1)
			e.emit(Event{Kind: EventUnderrun})
		}
	}
}

// anchor pins the clock for the frame at pts. Synced packets always
// anchor on their server due time; others anchor on arrival, or on the
// output time itself when a re-anchor was requested.
func (e *Engine) anchor(p *Packet, actual, pts int64) {
	rs := &e.rs
	if rs.anchorNow && !p.synced {
		rs.clock.AnchorNow(actual, pts)
	} else {
		rs.clock.Anchor(p.dueAt(rs.off, rs.rate), pts)
	}
	rs.anchorNow = false
	rs.onServer = p.synced
}

// syncGeneration notices a flush from the producer side
func (e *Engine) syncGeneration() {
	rs := &e.rs
	gen := e.gen.Load()
	if gen == rs.gen {
		return
	}
	rs.gen = gen
	if rs.cur != nil {
		e.consumed.Add(uint64(rs.cur.Frames() - rs.off))
		rs.cur = nil
		rs.off = 0
	}
	rs.clock.Reset()
	rs.anchorNow = false
	rs.started = false
}

// current returns the packet being played, popping the next live one
func (e *Engine) current() *Packet {
	rs := &e.rs
	if rs.cur != nil {
		return rs.cur
	}

	for {
		p := e.queue.Pop()
		if p == nil {
			return nil
		}
		if p.gen != rs.gen || p.Frames() == 0 {
			e.consumed.Add(uint64(p.Frames()))
			continue
		}
		if p.Discontinuity && rs.started {
			rs.clock.Reset()
			rs.anchorNow = true
			if p.synced {
				rs.started = false
			}
		}
		rs.cur = p
		rs.off = 0
		return p
	}
}

// advance consumes n frames of the current packet
func (e *Engine) advance(n int) {
	rs := &e.rs
	rs.off += n
	e.consumed.Add(uint64(n))

	p := rs.cur
	if rs.off >= p.Frames() {
		rs.cur = nil
		rs.off = 0
	}
	e.markPosition(p, false)
}

func (e *Engine) markPosition(p *Packet, first bool) {
	rs := &e.rs
	pos := p.PTS + int64(rs.off)*1e6/rs.rate
	if p != rs.cur {
		pos = p.PTS + int64(p.Frames())*1e6/rs.rate
	}
	if first && !e.hasPosition.Load() {
		e.firstPTS.Store(pos)
		e.hasPosition.Store(true)
	}
	e.position.Store(pos)
}

// writeFrames packs n frames starting at frame off of p into out
func (e *Engine) writeFrames(out []byte, p *Packet, off, n int) {
	rs := &e.rs
	ch := rs.channels
	samples := p.Samples[off*ch : (off+n)*ch]

	if rs.gain.unity() {
		packSamples(out, samples, rs.format.BitDepth)
		return
	}

	bps := rs.format.BytesPerSample()
	for f := 0; f < n; f++ {
		g := rs.gain.next()
		for c := 0; c < ch; c++ {
			i := f*ch + c
			packSample(out[i*bps:], applyGain(samples[i], g), rs.format.BitDepth)
		}
	}
}

func applyGain(sample int32, gain float64) int32 {
	if gain == 0 {
		return 0
	}
	v := float64(sample) * gain
	if v > audio.Max24Bit {
		return audio.Max24Bit
	}
	if v < audio.Min24Bit {
		return audio.Min24Bit
	}
	return int32(v)
}

func packSamples(out []byte, samples []int32, bitDepth int) {
	switch bitDepth {
	case 16:
		for i, s := range samples {
			v := audio.SampleToInt16(s)
			out[i*2] = byte(v)
			out[i*2+1] = byte(v >> 8)
		}
	case 24:
		for i, s := range samples {
			out[i*3] = byte(s)
			out[i*3+1] = byte(s >> 8)
			out[i*3+2] = byte(s >> 16)
		}
	case 32:
		for i, s := range samples {
			v := audio.SampleToInt32(s)
			out[i*4] = byte(v)
			out[i*4+1] = byte(v >> 8)
			out[i*4+2] = byte(v >> 16)
			out[i*4+3] = byte(v >> 24)
		}
	}
}

func packSample(out []byte, s int32, bitDepth int) {
	switch bitDepth {
	case 16:
		v := audio.SampleToInt16(s)
		out[0] = byte(v)
		out[1] = byte(v >> 8)
	case 24:
		out[0] = byte(s)
		out[1] = byte(s >> 8)
		out[2] = byte(s >> 16)
	case 32:
		v := audio.SampleToInt32(s)
		out[0] = byte(v)
		out[1] = byte(v >> 8)
		out[2] = byte(v >> 16)
		out[3] = byte(v >> 24)
	}
}
