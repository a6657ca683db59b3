// ABOUTME: Hardware mixer volume for the system default output
// ABOUTME: Platform files provide the mixer; software gain covers everything else
package device

import (
	"errors"
	"math"

	"go.uber.org/zap"
)

// ErrNoHardwareVolume is returned where the platform mixer cannot be reached
var ErrNoHardwareVolume = errors.New("hardware volume not available")

// VolumeController drives the OS mixer of the default output device.
// Volumes are 0-100.
type VolumeController interface {
	Name() string
	SetVolume(volume int) error
	SetMuted(muted bool) error
	Volume() (volume int, muted bool, err error)
	Close() error
}

// NewVolumeController opens the platform mixer
func NewVolumeController(logger *zap.SugaredLogger) (VolumeController, error) {
	return newPlatformVolume(logger.Named("mixer"))
}

func clampPercent(volume int) int {
	if volume < 0 {
		return 0
	}
	if volume > 100 {
		return 100
	}
	return volume
}

// percentToScalar maps 0-100 onto the 0.0-1.0 mixer scale
func percentToScalar(volume int) float32 {
	return float32(clampPercent(volume)) / 100
}

func scalarToPercent(level float32) int {
	return clampPercent(int(math.Round(float64(level) * 100)))
}

// pulseNorm is PulseAudio's 100% volume
const pulseNorm = 0x10000

// pulseChannelVolumes spreads one level across every channel of a sink
func pulseChannelVolumes(channels, volume int) []uint32 {
	if channels < 1 {
		channels = 1
	}
	level := uint32(clampPercent(volume) * pulseNorm / 100)
	out := make([]uint32, channels)
	for i := range out {
		out[i] = level
	}
	return out
}

// pulsePercent averages per-channel levels back to 0-100
func pulsePercent(volumes []uint32) int {
	if len(volumes) == 0 {
		return 0
	}
	var total uint64
	for _, v := range volumes {
		total += uint64(v)
	}
	avg := float64(total) / float64(len(volumes))
	return clampPercent(int(math.Round(avg * 100 / pulseNorm)))
}
