// ABOUTME: Audio decoder package for streamed data frames
// ABOUTME: Provides the Decoder interface with PCM and Opus implementations
// Package decode turns data frame payloads into samples.
//
// Supports: PCM (16, 24 and 32-bit little endian) and Opus.
//
// All decoders output interleaved int32 samples in 24-bit range so the
// playback engine handles every source depth the same way.
//
// Example:
//
//	decoder, err := decode.New(session.Format)
//	samples, err := decoder.Decode(frame.Payload)
package decode
