// ABOUTME: Playback engine feeding an output device from the packet queue
// ABOUTME: Render runs on the device thread and never blocks, allocates or locks
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/Sendspin/sendspin-native/internal/device"
	"github.com/Sendspin/sendspin-native/pkg/audio"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Enqueue when the packet cannot be queued
var ErrQueueFull = errors.New("playback queue full")

// OverflowPolicy decides what Enqueue does with a full queue
type OverflowPolicy string

const (
	OverflowBlock OverflowPolicy = "block"
	OverflowDrop  OverflowPolicy = "drop"
)

// Config holds engine tunables
type Config struct {
	QueueCapacity  int
	TargetLatency  time.Duration
	DriftTolerance time.Duration
	ResyncLimit    time.Duration
	Overflow       OverflowPolicy
	BlockTimeout   time.Duration
	GainRamp       time.Duration
}

// DefaultConfig returns the stock tunables
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  1024,
		TargetLatency:  200 * time.Millisecond,
		DriftTolerance: 5 * time.Millisecond,
		ResyncLimit:    100 * time.Millisecond,
		Overflow:       OverflowBlock,
		BlockTimeout:   50 * time.Millisecond,
		GainRamp:       20 * time.Millisecond,
	}
}

// EventKind identifies engine notifications
type EventKind int

const (
	EventUnderrun EventKind = iota
	EventDeviceError
	EventDrained
	EventResync
)

func (k EventKind) String() string {
	switch k {
	case EventUnderrun:
		return "underrun"
	case EventDeviceError:
		return "device-error"
	case EventDrained:
		return "drained"
	case EventResync:
		return "resync"
	default:
		return "unknown"
	}
}

// Event is emitted from the render path without blocking
type Event struct {
	Kind     EventKind
	DeviceID string
	Err      error
}

// Stats is a snapshot of engine counters
type Stats struct {
	Underruns     uint64
	FramesPlayed  uint64
	DriftDrops    uint64
	DriftRepeats  uint64
	Resyncs       uint64
	Overflows     uint64
	DeviceErrors  uint64
	EventsDropped uint64
}

// Output opens device streams; satisfied by *device.Registry
type Output interface {
	Open(dev device.Device, format audio.Format, render device.RenderFunc, onLost func()) (device.Stream, error)
}

type serverRef struct {
	ServerClock
}

// renderState is touched only by Render, or by the control context
// while no stream is running
type renderState struct {
	format    audio.Format
	frameSize int
	channels  int
	rate      int64

	gen       uint64
	cur       *Packet
	off       int
	clock     Clock
	anchorNow bool
	onServer  bool
	started   bool
	gain      gainRamp

	tolerance int64
	resync    int64
}

// Engine plays packets on an output device
type Engine struct {
	cfg    Config
	logger *zap.SugaredLogger
	out    Output
	now    func() time.Time

	queue  *Queue
	volume *volumeState
	events chan Event

	// control context only
	stream device.Stream
	format audio.Format

	deviceID    atomic.Value // string
	gen         atomic.Uint64
	pushed      atomic.Uint64
	consumed    atomic.Uint64
	floor       atomic.Uint64
	paused      atomic.Bool
	draining    atomic.Bool
	drainedSent atomic.Bool
	muted       atomic.Bool
	reanchor    atomic.Bool
	ratio       atomic.Uint64 // float64 bits
	server      atomic.Pointer[serverRef]
	running     atomic.Bool

	position    atomic.Int64 // µs, server clock
	firstPTS    atomic.Int64
	hasPosition atomic.Bool

	underruns     atomic.Uint64
	framesPlayed  atomic.Uint64
	driftDrops    atomic.Uint64
	driftRepeats  atomic.Uint64
	resyncs       atomic.Uint64
	overflows     atomic.Uint64
	deviceErrors  atomic.Uint64
	eventsDropped atomic.Uint64

	rs renderState
}

// New creates an engine that opens streams through out
func New(cfg Config, out Output, logger *zap.SugaredLogger) *Engine {
	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = def.DriftTolerance
	}
	if cfg.ResyncLimit <= cfg.DriftTolerance {
		cfg.ResyncLimit = 20 * cfg.DriftTolerance
	}
	if cfg.Overflow == "" {
		cfg.Overflow = def.Overflow
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = def.BlockTimeout
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.Named("engine"),
		out:    out,
		now:    time.Now,
		queue:  NewQueue(cfg.QueueCapacity),
		volume: newVolumeState(),
		events: make(chan Event, 64),
	}
	e.deviceID.Store("")
	e.ratio.Store(math.Float64bits(1))
	return e
}

// Events delivers underrun, device error, drained and resync notifications
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Start opens dev at format and begins a fresh session.
// An output that cannot be opened leaves the engine running muted.
func (e *Engine) Start(dev device.Device, format audio.Format) error {
	e.closeStream()
	e.resetQueue()

	e.format = format
	e.rs = renderState{
		format:    format,
		frameSize: format.FrameSize(),
		channels:  format.Channels,
		rate:      int64(format.SampleRate),
		gen:       e.gen.Load(),
		clock:     NewClock(e.cfg.TargetLatency),
		gain:      newGainRamp(format.DurationToFrames(e.cfg.GainRamp)),
		tolerance: int64(e.cfg.DriftTolerance),
		resync:    int64(e.cfg.ResyncLimit),
	}
	target := e.volume.targetGain()
	e.rs.gain.current, e.rs.gain.target = target, target
	e.rs.clock.SetRatio(math.Float64frombits(e.ratio.Load()))

	e.paused.Store(false)
	e.draining.Store(false)
	e.drainedSent.Store(false)
	e.muted.Store(false)
	e.reanchor.Store(false)
	e.hasPosition.Store(false)
	e.deviceID.Store(dev.ID)
	e.running.Store(true)

	e.logger.Infow("session output starting", "device", dev.Name, "format", format.String())
	return e.openStream(dev)
}

func (e *Engine) openStream(dev device.Device) error {
	stream, err := e.out.Open(dev, e.format, e.Render, func() { e.DeviceLost(dev.ID) })
	if err == nil {
		if err = stream.Start(); err != nil {
			stream.Close()
		}
	}
	if err != nil {
		err = fmt.Errorf("open output %q: %w", dev.ID, err)
		e.muted.Store(false)
		e.markLost(dev.ID, err)
		return err
	}
	e.stream = stream
	return nil
}

func (e *Engine) closeStream() {
	if e.stream == nil {
		return
	}
	if err := e.stream.Close(); err != nil {
		e.logger.Warnw("output close failed", "error", err)
	}
	e.stream = nil
}

// Stop closes the output and discards queued audio
func (e *Engine) Stop() {
	e.running.Store(false)
	e.closeStream()
	e.resetQueue()
	e.draining.Store(false)
}

// resetQueue empties the queue; only valid while no stream is pulling
func (e *Engine) resetQueue() {
	for e.queue.Pop() != nil {
	}
	e.rs.cur = nil
	e.gen.Add(1)
	pushed := e.pushed.Load()
	e.consumed.Store(pushed)
	e.floor.Store(pushed)
}

// discardQueued advances the generation so queued packets are skipped
func (e *Engine) discardQueued() {
	e.gen.Add(1)
	e.floor.Store(e.pushed.Load())
}

// Flush drops everything queued; the next packet re-anchors the clock
func (e *Engine) Flush() {
	e.discardQueued()
	e.drainedSent.Store(false)
}

// Drain plays out queued audio, then emits EventDrained
func (e *Engine) Drain() {
	e.drainedSent.Store(false)
	e.draining.Store(true)
	e.paused.Store(false)
	if e.muted.Load() || (e.stream == nil && e.running.Load()) {
		// nothing will pull the queue
		e.discardQueued()
		e.emitDrained()
	}
}

// Pause silences output without consuming the queue
func (e *Engine) Pause(paused bool) {
	if e.paused.Swap(paused) && !paused {
		e.reanchor.Store(true)
	}
}

// Paused reports whether output is paused
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// SetVolume sets software volume 0-100
func (e *Engine) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	e.volume.set(volume, e.volume.muted.Load())
}

// SetMuted mutes without forgetting the volume
func (e *Engine) SetMuted(muted bool) {
	e.volume.set(int(e.volume.volume.Load()), muted)
}

// Volume returns the current volume and mute state
func (e *Engine) Volume() (int, bool) {
	return int(e.volume.volume.Load()), e.volume.muted.Load()
}

// SyncClock places packets enqueued from now on the server timeline of
// sc and updates the server/local rate
func (e *Engine) SyncClock(sc ServerClock, refMicros int64) {
	e.ratio.Store(math.Float64bits(RatioFrom(sc, refMicros)))
	e.server.Store(&serverRef{sc})
}

// ClearClock forgets the server clock; packets fall back to arrival
// anchoring until the next SyncClock
func (e *Engine) ClearClock() {
	e.server.Store(nil)
	e.ratio.Store(math.Float64bits(1))
}

// SwitchDevice moves the running session to dev and leaves muted mode
func (e *Engine) SwitchDevice(dev device.Device) error {
	if !e.running.Load() {
		e.deviceID.Store(dev.ID)
		return nil
	}

	e.closeStream()
	e.deviceID.Store(dev.ID)
	e.muted.Store(false)
	e.reanchor.Store(true)

	e.logger.Infow("switching output device", "device", dev.Name)
	return e.openStream(dev)
}

// DeviceLost puts the engine in muted mode when id is the active device.
// Safe to call from any goroutine, including the device callback; only
// the first call per device emits EventDeviceError.
func (e *Engine) DeviceLost(id string) bool {
	if cur, _ := e.deviceID.Load().(string); cur != id {
		return false
	}
	return e.markLost(id, device.ErrNotAvailable)
}

func (e *Engine) markLost(id string, err error) bool {
	if !e.muted.CompareAndSwap(false, true) {
		return false
	}
	e.deviceErrors.Add(1)
	e.emit(Event{Kind: EventDeviceError, DeviceID: id, Err: err})
	return true
}

// Muted reports whether the engine lost its output device
func (e *Engine) Muted() bool {
	return e.muted.Load()
}

// DeviceID returns the active device ID
func (e *Engine) DeviceID() string {
	id, _ := e.deviceID.Load().(string)
	return id
}

// Enqueue hands a decoded packet to the renderer
func (e *Engine) Enqueue(p *Packet) error {
	p.gen = e.gen.Load()
	if ref := e.server.Load(); ref != nil {
		p.due = ref.ServerToLocal(p.PTS).UnixNano()
		p.synced = true
	} else {
		p.due = e.now().UnixNano()
		p.synced = false
	}
	frames := uint64(p.Frames())

	e.pushed.Add(frames)
	if e.queue.Push(p) {
		return nil
	}

	if e.cfg.Overflow == OverflowBlock {
		deadline := time.Now().Add(e.cfg.BlockTimeout)
		for time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
			if e.queue.Push(p) {
				return nil
			}
		}
	}

	e.pushed.Add(^(frames - 1))
	e.overflows.Add(1)
	return ErrQueueFull
}

// Buffered returns the duration of audio queued but not yet played
func (e *Engine) Buffered() time.Duration {
	pushed := e.pushed.Load()
	done := e.consumed.Load()
	if floor := e.floor.Load(); floor > done {
		done = floor
	}
	if pushed <= done {
		return 0
	}
	return e.format.FramesToDuration(int(pushed - done))
}

// QueueLen returns the number of queued packets
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Position returns playback progress since the first rendered frame
func (e *Engine) Position() time.Duration {
	if !e.hasPosition.Load() {
		return 0
	}
	return time.Duration(e.position.Load()-e.firstPTS.Load()) * time.Microsecond
}

// PositionPTS returns the server timestamp of the next frame to play
func (e *Engine) PositionPTS() (int64, bool) {
	return e.position.Load(), e.hasPosition.Load()
}

// Stats returns a counter snapshot
func (e *Engine) Stats() Stats {
	return Stats{
		Underruns:     e.underruns.Load(),
		FramesPlayed:  e.framesPlayed.Load(),
		DriftDrops:    e.driftDrops.Load(),
		DriftRepeats:  e.driftRepeats.Load(),
		Resyncs:       e.resyncs.Load(),
		Overflows:     e.overflows.Load(),
		DeviceErrors:  e.deviceErrors.Load(),
		EventsDropped: e.eventsDropped.Load(),
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.eventsDropped.Add(1)
	}
}

func (e *Engine) emitDrained() {
	if e.drainedSent.CompareAndSwap(false, true) {
		e.emit(Event{Kind: EventDrained})
	}
}
