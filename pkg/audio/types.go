// ABOUTME: Audio type definitions
// ABOUTME: Defines stream formats, codec tags and sample conversions
package audio

import (
	"fmt"
	"time"
)

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23
)

// Codec tags carried in server/hello
const (
	CodecPCM  = "pcm"
	CodecOpus = "opus"
)

// Format describes a negotiated audio stream format
type Format struct {
	Codec      string
	SampleRate int
	BitDepth   int
	Channels   int
}

// String renders the format as codec/rate/depth/channels
func (f Format) String() string {
	return fmt.Sprintf("%s/%dHz/%dbit/%dch", f.Codec, f.SampleRate, f.BitDepth, f.Channels)
}

// Valid reports whether every field is populated
func (f Format) Valid() bool {
	return f.Codec != "" && f.SampleRate > 0 && f.BitDepth > 0 && f.Channels > 0
}

// BytesPerSample returns the packed size of one sample at this bit depth
func (f Format) BytesPerSample() int {
	return (f.BitDepth + 7) / 8
}

// FrameSize returns the packed size of one frame (all channels)
func (f Format) FrameSize() int {
	return f.BytesPerSample() * f.Channels
}

// FramesToDuration converts a frame count at this rate to wall time
func (f Format) FramesToDuration(frames int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

// DurationToFrames converts wall time to a frame count at this rate
func (f Format) DurationToFrames(d time.Duration) int {
	return int(int64(d) * int64(f.SampleRate) / int64(time.Second))
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	// Right-shift to convert 24-bit (or 16-bit) to 16-bit range
	return int16(sample >> 8)
}

// SampleFromInt16 converts int16 sample to int32 (left-justified in 24-bit)
func SampleFromInt16(sample int16) int32 {
	return int32(sample) << 8
}

// SampleTo24Bit converts int32 to 24-bit packed bytes (little-endian)
func SampleTo24Bit(sample int32) [3]byte {
	return [3]byte{
		byte(sample),
		byte(sample >> 8),
		byte(sample >> 16),
	}
}

// SampleFrom24Bit converts 24-bit packed bytes to int32 (little-endian)
func SampleFrom24Bit(b [3]byte) int32 {
	val := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	// Sign extend from 24-bit to 32-bit
	if val&0x800000 != 0 {
		val |= ^0xFFFFFF
	}
	return val
}

// SampleFromInt32 narrows a full-scale 32-bit sample to the 24-bit working range
func SampleFromInt32(sample int32) int32 {
	return sample >> 8
}

// SampleToInt32 widens a 24-bit working sample to full-scale 32-bit
func SampleToInt32(sample int32) int32 {
	return sample << 8
}
