// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format, Capability sets and sample conversion functions
// Package audio provides the audio types shared by the device, session and
// engine packages.
//
//   - Format: a negotiated stream format (codec, sample rate, bit depth, channels)
//   - Capability: the rates, depths and channel counts a device can render
//
// Samples travel through the client as int32 values justified to 24 bits, so
// 16-bit and 24-bit streams both round-trip without loss.
//
// Example:
//
//	dev := audio.Capability{SampleRates: []int{44100, 48000}, BitDepths: []int{16}, Channels: []int{2}}
//	formats := dev.Formats(audio.CodecPCM)
//	ok := audio.ContainsFormat(formats, audio.Format{Codec: "pcm", SampleRate: 48000, BitDepth: 16, Channels: 2})
package audio
