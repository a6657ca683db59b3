// ABOUTME: Exponential reconnect backoff with jitter
// ABOUTME: Produces the delay sequence between reconnection attempts
package connection

import (
	"math/rand"
	"time"
)

// Backoff yields exponentially growing, jittered delays
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64 // fraction, 0.2 means ±20%

	attempt int
	rand    func() float64
}

// NewBackoff returns 1s doubling to a 30s cap with ±20% jitter
func NewBackoff() *Backoff {
	return &Backoff{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
		rand:    rand.Float64,
	}
}

// Next returns the delay before the next attempt
func (b *Backoff) Next() time.Duration {
	d := float64(b.Initial)
	for i := 0; i < b.attempt && d < float64(b.Max); i++ {
		d *= b.Factor
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	b.attempt++

	r := 0.5
	if b.rand != nil {
		r = b.rand()
	}
	d *= 1 + b.Jitter*(2*r-1)
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

// Attempt is the number of delays handed out since the last Reset
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset starts the sequence over
func (b *Backoff) Reset() {
	b.attempt = 0
}
