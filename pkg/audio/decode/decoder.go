// ABOUTME: Decoder interface and codec dispatch
// ABOUTME: Maps a negotiated stream format onto a concrete decoder
package decode

import (
	"errors"
	"fmt"

	"github.com/Sendspin/sendspin-native/pkg/audio"
)

// ErrUnsupportedCodec is returned when no decoder exists for a format
var ErrUnsupportedCodec = errors.New("unsupported codec")

// Decoder decodes one data frame payload to int32 samples in 24-bit range
type Decoder interface {
	// Decode converts encoded audio data to interleaved PCM samples
	Decode(data []byte) ([]int32, error)

	// Close releases decoder resources
	Close() error
}

// New returns a decoder for the given stream format
func New(format audio.Format) (Decoder, error) {
	switch format.Codec {
	case audio.CodecPCM:
		return NewPCM(format)
	case audio.CodecOpus:
		return NewOpus(format)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, format.Codec)
	}
}

// Supports reports whether New would accept the format
func Supports(format audio.Format) bool {
	switch format.Codec {
	case audio.CodecPCM:
		return pcmDepthSupported(format.BitDepth) && format.Channels > 0 && format.SampleRate > 0
	case audio.CodecOpus:
		return opusFormatSupported(format)
	default:
		return false
	}
}
