// ABOUTME: Device capability sets and format set operations
// ABOUTME: Used to build the hello advertisement and validate server offers
package audio

import "sort"

// Capability is the set of rates, depths and channel counts an output supports
type Capability struct {
	SampleRates []int
	BitDepths   []int
	Channels    []int
}

// Empty reports whether any dimension has no values
func (c Capability) Empty() bool {
	return len(c.SampleRates) == 0 || len(c.BitDepths) == 0 || len(c.Channels) == 0
}

// Supports reports whether the rate, depth and channel count of f are all in c
func (c Capability) Supports(f Format) bool {
	return containsInt(c.SampleRates, f.SampleRate) &&
		containsInt(c.BitDepths, f.BitDepth) &&
		containsInt(c.Channels, f.Channels)
}

// Formats expands the capability into concrete formats for a codec.
// Order is highest rate, then deepest, then most channels first.
func (c Capability) Formats(codec string) []Format {
	rates := sortedDesc(c.SampleRates)
	depths := sortedDesc(c.BitDepths)
	channels := sortedDesc(c.Channels)

	formats := make([]Format, 0, len(rates)*len(depths)*len(channels))
	for _, r := range rates {
		for _, d := range depths {
			for _, ch := range channels {
				formats = append(formats, Format{Codec: codec, SampleRate: r, BitDepth: d, Channels: ch})
			}
		}
	}
	return formats
}

// Intersect returns the capability supported by both a and b
func Intersect(a, b Capability) Capability {
	return Capability{
		SampleRates: intersectInts(a.SampleRates, b.SampleRates),
		BitDepths:   intersectInts(a.BitDepths, b.BitDepths),
		Channels:    intersectInts(a.Channels, b.Channels),
	}
}

// ContainsFormat reports whether f appears in formats
func ContainsFormat(formats []Format, f Format) bool {
	for _, candidate := range formats {
		if candidate == f {
			return true
		}
	}
	return false
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func intersectInts(a, b []int) []int {
	var out []int
	for _, v := range a {
		if containsInt(b, v) && !containsInt(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func sortedDesc(values []int) []int {
	out := make([]int, 0, len(values))
	for _, v := range values {
		if !containsInt(out, v) {
			out = append(out, v)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}
