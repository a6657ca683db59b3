// ABOUTME: Decoded audio packet handed from the control context to the renderer
// ABOUTME: Carries sequence, timestamp, samples, flush generation and local due time
package engine

import (
	"github.com/Sendspin/sendspin-native/pkg/audio"
)

// Packet is one admitted data frame after decoding
type Packet struct {
	Seq           uint64
	PTS           int64 // microseconds, server clock
	Payload       []byte
	Samples       []int32 // interleaved, 24-bit range
	Format        audio.Format
	Discontinuity bool

	gen    uint64
	due    int64 // local unix nanos at which PTS falls due, before latency
	synced bool  // due came from the server clock rather than arrival
}

// dueAt returns the local time frame off falls due
func (p *Packet) dueAt(off int, rate int64) int64 {
	return p.due + int64(off)*1e9/rate
}

// Frames returns the number of sample frames in the packet
func (p *Packet) Frames() int {
	if p.Format.Channels == 0 {
		return 0
	}
	return len(p.Samples) / p.Format.Channels
}
