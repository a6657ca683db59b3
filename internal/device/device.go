// ABOUTME: Output device model and backend contract
// ABOUTME: One Backend implementation exists per platform audio API
package device

import (
	"errors"

	"github.com/Sendspin/sendspin-native/pkg/audio"
)

var (
	// ErrNotAvailable is returned for a device that was removed or cannot be opened
	ErrNotAvailable = errors.New("device not available")

	// ErrNoDevice is returned when the backend exposes no output at all
	ErrNoDevice = errors.New("no output device")
)

// Device describes one output endpoint.
// Values are replaced wholesale when topology changes.
type Device struct {
	ID          string
	Name        string
	SampleRates []int
	BitDepths   []int
	Channels    []int
	Exclusive   bool
	Available   bool
	Default     bool
}

// Capability returns the device's supported rates, depths and channel counts
func (d Device) Capability() audio.Capability {
	return audio.Capability{
		SampleRates: d.SampleRates,
		BitDepths:   d.BitDepths,
		Channels:    d.Channels,
	}
}

// Capabilities is what a full probe learns about a device
type Capabilities struct {
	audio.Capability
	Exclusive bool
}

// withCapabilities returns d carrying probed formats
func (d Device) withCapabilities(c Capabilities) Device {
	d.SampleRates = c.SampleRates
	d.BitDepths = c.BitDepths
	d.Channels = c.Channels
	d.Exclusive = c.Exclusive
	return d
}

// RenderFunc fills out with interleaved little endian samples in the
// stream's format. It runs on the device's real-time thread.
type RenderFunc func(out []byte)

// Backend is a platform audio API
type Backend interface {
	// Name identifies the backend in logs and config
	Name() string

	// Enumerate lists the output devices currently present. Formats
	// reported here may be incomplete; Probe is authoritative.
	Enumerate() ([]Device, error)

	// Probe queries the formats a device accepts and whether it can be
	// opened in exclusive mode
	Probe(id string) (Capabilities, error)

	// Open creates a stream that pulls audio through render.
	// onLost is called at most once if the device disappears while open.
	Open(dev Device, format audio.Format, render RenderFunc, onLost func()) (Stream, error)

	// Close releases backend resources
	Close() error
}

// Stream is an open output on one device
type Stream interface {
	Format() audio.Format
	Start() error
	Close() error
}

// standardRates is used when a backend reports "any rate"
var standardRates = []int{44100, 48000, 88200, 96000, 176400, 192000}
