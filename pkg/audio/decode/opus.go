// ABOUTME: Opus audio decoder
// ABOUTME: Decodes Opus packets to int32 samples via libopus
package decode

import (
	"errors"
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/Sendspin/sendspin-native/pkg/audio"
)

var errEmptyPacket = errors.New("opus decode: empty packet")

// maxOpusFrame is 120ms at 48kHz, the largest frame libopus emits
const maxOpusFrame = 5760

// OpusDecoder decodes a 48kHz/16-bit Opus stream
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	scratch  []int16
}

// Opus always decodes at 48kHz; the 16-bit depth is what libopus hands back
func opusFormatSupported(f audio.Format) bool {
	return f.SampleRate == 48000 && f.BitDepth == 16 && (f.Channels == 1 || f.Channels == 2)
}

// NewOpus creates an Opus decoder for format
func NewOpus(format audio.Format) (Decoder, error) {
	if format.Codec != audio.CodecOpus {
		return nil, fmt.Errorf("%w: opus decoder given %q", ErrUnsupportedCodec, format.Codec)
	}
	if !opusFormatSupported(format) {
		return nil, fmt.Errorf("%w: opus at %s", ErrUnsupportedCodec, format)
	}

	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	return &OpusDecoder{
		dec:      dec,
		channels: format.Channels,
		scratch:  make([]int16, maxOpusFrame*format.Channels),
	}, nil
}

// Decode returns a fresh slice of interleaved samples for one packet
func (d *OpusDecoder) Decode(data []byte) ([]int32, error) {
	if len(data) == 0 {
		return nil, errEmptyPacket
	}
	frames, err := d.dec.Decode(data, d.scratch)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}

	n := frames * d.channels
	out := make([]int32, n)
	for i, s := range d.scratch[:n] {
		out[i] = audio.SampleFromInt16(s)
	}
	return out, nil
}

// Close is a no-op; libopus state is released by the garbage collector
func (d *OpusDecoder) Close() error {
	return nil
}
