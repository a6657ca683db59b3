// ABOUTME: Virtual output backend for headless runs and tests
// ABOUTME: Devices can be added and removed at runtime to simulate hot-plug
package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/Sendspin/sendspin-native/pkg/audio"
)

// NullBackend discards rendered audio. With Realtime set, open streams
// pull from the renderer at wall clock rate; otherwise callers drive
// them through NullStream.Pull.
type NullBackend struct {
	Realtime bool
	Period   time.Duration

	mu      sync.Mutex
	devices []Device
	streams map[string][]*NullStream
}

// NewNullBackend creates a backend exposing devs
func NewNullBackend(devs ...Device) *NullBackend {
	b := &NullBackend{
		Period:  10 * time.Millisecond,
		streams: make(map[string][]*NullStream),
	}
	for _, d := range devs {
		b.Add(d)
	}
	return b
}

// DefaultNullDevice is the device used when no backend is available
func DefaultNullDevice() Device {
	return Device{
		ID:          "null",
		Name:        "Null Output",
		SampleRates: []int{44100, 48000, 96000},
		BitDepths:   []int{16, 24},
		Channels:    []int{1, 2},
		Available:   true,
		Default:     true,
	}
}

func (b *NullBackend) Name() string { return "null" }

// Add makes a device present
func (b *NullBackend) Add(dev Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dev.Available = true
	for i, d := range b.devices {
		if d.ID == dev.ID {
			b.devices[i] = dev
			return
		}
	}
	b.devices = append(b.devices, dev)
}

// Remove unplugs a device and fires onLost for its open streams
func (b *NullBackend) Remove(id string) {
	b.mu.Lock()
	var lost []*NullStream
	for i, d := range b.devices {
		if d.ID == id {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			break
		}
	}
	lost = b.streams[id]
	delete(b.streams, id)
	b.mu.Unlock()

	for _, s := range lost {
		s.lose()
	}
}

func (b *NullBackend) Enumerate() ([]Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Device, len(b.devices))
	copy(out, b.devices)
	return out, nil
}

func (b *NullBackend) Probe(id string) (Capabilities, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.devices {
		if d.ID == id {
			return Capabilities{Capability: d.Capability(), Exclusive: d.Exclusive}, nil
		}
	}
	return Capabilities{}, ErrNotAvailable
}

func (b *NullBackend) Open(dev Device, format audio.Format, render RenderFunc, onLost func()) (Stream, error) {
	caps, err := b.Probe(dev.ID)
	if err != nil {
		return nil, err
	}
	if !caps.Supports(format) {
		return nil, fmt.Errorf("format %s not supported by %s", format, dev.ID)
	}

	s := &NullStream{
		backend: b,
		id:      dev.ID,
		format:  format,
		render:  render,
		onLost:  onLost,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.streams[dev.ID] = append(b.streams[dev.ID], s)
	b.mu.Unlock()
	return s, nil
}

func (b *NullBackend) Close() error {
	return nil
}

func (b *NullBackend) forget(s *NullStream) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.streams[s.id]
	for i, x := range list {
		if x == s {
			b.streams[s.id] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// NullStream is an open virtual output
type NullStream struct {
	backend *NullBackend
	id      string
	format  audio.Format
	render  RenderFunc
	onLost  func()

	mu       sync.Mutex
	started  bool
	closed   bool
	lost     bool
	rendered int
	done     chan struct{}
	wg       sync.WaitGroup
}

func (s *NullStream) Format() audio.Format { return s.format }

func (s *NullStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.lost {
		return ErrNotAvailable
	}
	if s.started {
		return nil
	}
	s.started = true

	if s.backend.Realtime {
		s.wg.Add(1)
		go s.run(s.backend.Period)
	}
	return nil
}

func (s *NullStream) run(period time.Duration) {
	defer s.wg.Done()
	frames := s.format.DurationToFrames(period)
	buf := make([]byte, frames*s.format.FrameSize())

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.render(buf)
			s.mu.Lock()
			s.rendered += frames
			s.mu.Unlock()
		}
	}
}

// Pull renders frames synchronously and returns the bytes produced
func (s *NullStream) Pull(frames int) []byte {
	buf := make([]byte, frames*s.format.FrameSize())
	s.render(buf)

	s.mu.Lock()
	s.rendered += frames
	s.mu.Unlock()
	return buf
}

// Rendered returns how many frames have been pulled so far
func (s *NullStream) Rendered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}

func (s *NullStream) lose() {
	s.mu.Lock()
	if s.closed || s.lost {
		s.mu.Unlock()
		return
	}
	s.lost = true
	close(s.done)
	onLost := s.onLost
	s.mu.Unlock()

	if onLost != nil {
		onLost()
	}
}

func (s *NullStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if !s.lost {
		close(s.done)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.backend.forget(s)
	return nil
}
