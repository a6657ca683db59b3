// ABOUTME: PCM audio decoder
// ABOUTME: Decodes 16, 24 and 32-bit little endian PCM to int32 samples
package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/Sendspin/sendspin-native/pkg/audio"
)

// PCMDecoder decodes PCM audio
type PCMDecoder struct {
	bitDepth int
	frame    int
}

func pcmDepthSupported(depth int) bool {
	return depth == 16 || depth == 24 || depth == 32
}

// NewPCM creates a new PCM decoder
func NewPCM(format audio.Format) (Decoder, error) {
	if format.Codec != audio.CodecPCM {
		return nil, fmt.Errorf("invalid codec for PCM decoder: %s", format.Codec)
	}

	if !pcmDepthSupported(format.BitDepth) {
		return nil, fmt.Errorf("unsupported bit depth: %d (supported: 16, 24, 32)", format.BitDepth)
	}

	if format.Channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", format.Channels)
	}

	return &PCMDecoder{
		bitDepth: format.BitDepth,
		frame:    format.FrameSize(),
	}, nil
}

// Decode converts PCM bytes to int32 samples.
// Payloads must hold a whole number of frames.
func (d *PCMDecoder) Decode(data []byte) ([]int32, error) {
	if len(data)%d.frame != 0 {
		return nil, fmt.Errorf("pcm payload of %d bytes is not a multiple of frame size %d", len(data), d.frame)
	}

	switch d.bitDepth {
	case 24:
		numSamples := len(data) / 3
		samples := make([]int32, numSamples)
		for i := 0; i < numSamples; i++ {
			samples[i] = audio.SampleFrom24Bit([3]byte{data[i*3], data[i*3+1], data[i*3+2]})
		}
		return samples, nil
	case 32:
		numSamples := len(data) / 4
		samples := make([]int32, numSamples)
		for i := 0; i < numSamples; i++ {
			samples[i] = audio.SampleFromInt32(int32(binary.LittleEndian.Uint32(data[i*4:])))
		}
		return samples, nil
	default:
		numSamples := len(data) / 2
		samples := make([]int32, numSamples)
		for i := 0; i < numSamples; i++ {
			samples[i] = audio.SampleFromInt16(int16(binary.LittleEndian.Uint16(data[i*2:])))
		}
		return samples, nil
	}
}

// Close releases resources
func (d *PCMDecoder) Close() error {
	return nil
}
