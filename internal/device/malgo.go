// ABOUTME: miniaudio output backend via malgo
// ABOUTME: Enumerates playback devices, probes native formats and drives callback output
package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Sendspin/sendspin-native/pkg/audio"
	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// MalgoBackend talks to the platform API miniaudio picks (WASAPI,
// CoreAudio, ALSA/PulseAudio)
type MalgoBackend struct {
	logger *zap.SugaredLogger

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
	ids map[string]malgo.DeviceID
}

// NewMalgoBackend initializes a miniaudio context
func NewMalgoBackend(logger *zap.SugaredLogger) (*MalgoBackend, error) {
	logger = logger.Named("malgo")
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug(message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}

	return &MalgoBackend{
		logger: logger,
		ctx:    ctx,
		ids:    make(map[string]malgo.DeviceID),
	}, nil
}

func (b *MalgoBackend) Name() string { return "malgo" }

func (b *MalgoBackend) Enumerate() ([]Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		return nil, fmt.Errorf("backend closed")
	}

	infos, err := b.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("failed to list playback devices: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for i := range infos {
		info := infos[i]
		id := info.ID.String()
		b.ids[id] = info.ID

		dev := Device{
			ID:        id,
			Name:      info.Name(),
			Default:   info.IsDefault != 0,
			Available: true,
		}
		caps := capabilityFromFormats(info.Formats)
		dev.SampleRates, dev.BitDepths, dev.Channels = caps.SampleRates, caps.BitDepths, caps.Channels
		devices = append(devices, dev)
	}
	return devices, nil
}

// Probe asks miniaudio for full device info in shared mode, then checks
// whether exclusive mode is also reachable. Enumeration leaves native
// formats empty on most platforms, so this is the only reliable source.
func (b *MalgoBackend) Probe(id string) (Capabilities, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	devID, ok := b.ids[id]
	if !ok || b.ctx == nil {
		return Capabilities{}, ErrNotAvailable
	}

	info, err := b.ctx.DeviceInfo(malgo.Playback, devID, malgo.Shared)
	if err != nil {
		return Capabilities{}, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	caps := Capabilities{Capability: capabilityFromFormats(info.Formats)}

	exclusive, err := b.ctx.DeviceInfo(malgo.Playback, devID, malgo.Exclusive)
	if err == nil && len(exclusive.Formats) > 0 {
		caps.Capability = union(caps.Capability, capabilityFromFormats(exclusive.Formats))
		caps.Exclusive = true
	}
	return caps, nil
}

func (b *MalgoBackend) Open(dev Device, format audio.Format, render RenderFunc, onLost func()) (Stream, error) {
	sampleFormat, err := malgoFormat(format.BitDepth)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	devID, ok := b.ids[dev.ID]
	if !ok || b.ctx == nil {
		return nil, ErrNotAvailable
	}

	s := &MalgoStream{format: format, logger: b.logger}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = sampleFormat
	deviceConfig.Playback.Channels = uint32(format.Channels)
	deviceConfig.Playback.DeviceID = devID.Pointer()
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1
	if dev.Exclusive {
		deviceConfig.Playback.ShareMode = malgo.Exclusive
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, _ uint32) {
			render(pOutput)
		},
		Stop: func() {
			// miniaudio also calls Stop on a requested stop
			if s.closing.Load() {
				return
			}
			if onLost != nil && s.lost.CompareAndSwap(false, true) {
				onLost()
			}
		},
	}

	device, err := malgo.InitDevice(b.ctx.Context, deviceConfig, callbacks)
	if err != nil && dev.Exclusive {
		// another client may hold the device, or the format only exists in the shared mixer
		b.logger.Warnw("exclusive open failed, retrying shared", "device", dev.Name, "error", err)
		deviceConfig.Playback.ShareMode = malgo.Shared
		device, err = malgo.InitDevice(b.ctx.Context, deviceConfig, callbacks)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	s.device = device

	b.logger.Infow("output opened", "device", dev.Name, "format", format.String(),
		"sample_format", formatName(sampleFormat), "exclusive", deviceConfig.Playback.ShareMode == malgo.Exclusive)
	return s, nil
}

func (b *MalgoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		return nil
	}
	if err := b.ctx.Uninit(); err != nil {
		b.logger.Warnw("malgo context uninit error", "error", err)
	}
	b.ctx.Free()
	b.ctx = nil
	return nil
}

// MalgoStream is an open miniaudio playback device
type MalgoStream struct {
	device  *malgo.Device
	format  audio.Format
	logger  *zap.SugaredLogger
	closing atomic.Bool
	lost    atomic.Bool
	once    sync.Once
}

func (s *MalgoStream) Format() audio.Format { return s.format }

func (s *MalgoStream) Start() error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start device: %w", err)
	}
	return nil
}

func (s *MalgoStream) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		if err := s.device.Stop(); err != nil {
			s.logger.Warnw("device stop error", "error", err)
		}
		s.device.Uninit()
	})
	return nil
}

func malgoFormat(bitDepth int) (malgo.FormatType, error) {
	switch bitDepth {
	case 16:
		return malgo.FormatS16, nil
	case 24:
		return malgo.FormatS24, nil
	case 32:
		return malgo.FormatS32, nil
	default:
		return malgo.FormatUnknown, fmt.Errorf("unsupported bit depth: %d (supported: 16, 24, 32)", bitDepth)
	}
}

// capabilityFromFormats maps miniaudio native formats onto a capability.
// Zero fields mean the device accepts any value.
func capabilityFromFormats(formats []malgo.DataFormat) audio.Capability {
	var caps audio.Capability
	if len(formats) == 0 {
		return audio.Capability{SampleRates: standardRates, BitDepths: []int{16, 24, 32}, Channels: []int{1, 2}}
	}

	for _, f := range formats {
		switch f.Format {
		case malgo.FormatS16:
			caps.BitDepths = appendUnique(caps.BitDepths, 16)
		case malgo.FormatS24:
			caps.BitDepths = appendUnique(caps.BitDepths, 24)
		case malgo.FormatS32:
			caps.BitDepths = appendUnique(caps.BitDepths, 32)
		case malgo.FormatUnknown, malgo.FormatF32:
			// miniaudio converts from any integer depth
			for _, d := range []int{16, 24, 32} {
				caps.BitDepths = appendUnique(caps.BitDepths, d)
			}
		}

		if f.SampleRate == 0 {
			for _, r := range standardRates {
				caps.SampleRates = appendUnique(caps.SampleRates, r)
			}
		} else {
			caps.SampleRates = appendUnique(caps.SampleRates, int(f.SampleRate))
		}

		if f.Channels == 0 {
			caps.Channels = appendUnique(caps.Channels, 1)
			caps.Channels = appendUnique(caps.Channels, 2)
		} else {
			caps.Channels = appendUnique(caps.Channels, int(f.Channels))
		}
	}
	return caps
}

func union(a, b audio.Capability) audio.Capability {
	for _, v := range b.SampleRates {
		a.SampleRates = appendUnique(a.SampleRates, v)
	}
	for _, v := range b.BitDepths {
		a.BitDepths = appendUnique(a.BitDepths, v)
	}
	for _, v := range b.Channels {
		a.Channels = appendUnique(a.Channels, v)
	}
	return a
}

func appendUnique(values []int, v int) []int {
	for _, x := range values {
		if x == v {
			return values
		}
	}
	return append(values, v)
}

func formatName(format malgo.FormatType) string {
	switch format {
	case malgo.FormatS16:
		return "S16"
	case malgo.FormatS24:
		return "S24"
	case malgo.FormatS32:
		return "S32"
	default:
		return fmt.Sprintf("Unknown(%d)", format)
	}
}
