// ABOUTME: System default output backend via oto
// ABOUTME: Exposes a single 16-bit device; oto allows one context per process
package device

import (
	"fmt"
	"sync"

	"github.com/Sendspin/sendspin-native/pkg/audio"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

const otoDeviceID = "oto-default"

// OtoBackend plays through the OS default output
type OtoBackend struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	otoCtx *oto.Context
	format audio.Format
}

// NewOtoBackend creates the backend; the oto context is created on first Open
func NewOtoBackend(logger *zap.SugaredLogger) *OtoBackend {
	return &OtoBackend{logger: logger.Named("oto")}
}

func (b *OtoBackend) Name() string { return "oto" }

func (b *OtoBackend) capability() audio.Capability {
	b.mu.Lock()
	defer b.mu.Unlock()

	// once a context exists its rate and channel count are fixed
	if b.otoCtx != nil {
		return audio.Capability{
			SampleRates: []int{b.format.SampleRate},
			BitDepths:   []int{16},
			Channels:    []int{b.format.Channels},
		}
	}
	return audio.Capability{
		SampleRates: []int{44100, 48000, 96000},
		BitDepths:   []int{16},
		Channels:    []int{1, 2},
	}
}

func (b *OtoBackend) Enumerate() ([]Device, error) {
	caps := b.capability()
	return []Device{{
		ID:          otoDeviceID,
		Name:        "System Default",
		SampleRates: caps.SampleRates,
		BitDepths:   caps.BitDepths,
		Channels:    caps.Channels,
		Available:   true,
		Default:     true,
	}}, nil
}

func (b *OtoBackend) Probe(id string) (Capabilities, error) {
	if id != otoDeviceID {
		return Capabilities{}, ErrNotAvailable
	}
	return Capabilities{Capability: b.capability()}, nil
}

// NarrowsOnOpen reports that the first Open fixes the context's rate
// and channel count for the rest of the process
func (b *OtoBackend) NarrowsOnOpen() bool { return true }

func (b *OtoBackend) Open(dev Device, format audio.Format, render RenderFunc, _ func()) (Stream, error) {
	if dev.ID != otoDeviceID {
		return nil, ErrNotAvailable
	}
	if format.BitDepth != 16 {
		return nil, fmt.Errorf("oto only supports 16-bit output, got %d", format.BitDepth)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.otoCtx == nil {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create oto context: %w", err)
		}
		<-ready
		b.otoCtx = ctx
		b.format = format
	} else if b.format.SampleRate != format.SampleRate || b.format.Channels != format.Channels {
		return nil, fmt.Errorf("oto context fixed at %s, cannot open %s", b.format, format)
	}

	if err := b.otoCtx.Resume(); err != nil {
		b.logger.Warnw("oto resume failed", "error", err)
	}

	s := &OtoStream{format: format}
	s.player = b.otoCtx.NewPlayer(&renderReader{render: render, frame: format.FrameSize()})

	b.logger.Infow("output opened", "format", format.String())
	return s, nil
}

func (b *OtoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.otoCtx != nil {
		return b.otoCtx.Suspend()
	}
	return nil
}

// OtoStream is a persistent oto player pulling from the renderer
type OtoStream struct {
	player *oto.Player
	format audio.Format
	once   sync.Once
}

func (s *OtoStream) Format() audio.Format { return s.format }

func (s *OtoStream) Start() error {
	s.player.Play()
	return nil
}

func (s *OtoStream) Close() error {
	var err error
	s.once.Do(func() {
		s.player.Pause()
		err = s.player.Close()
	})
	return err
}

// renderReader adapts the pull-model render callback to io.Reader
type renderReader struct {
	render RenderFunc
	frame  int
}

func (r *renderReader) Read(p []byte) (int, error) {
	n := len(p) - len(p)%r.frame
	if n == 0 {
		return 0, nil
	}
	r.render(p[:n])
	return n, nil
}
