// ABOUTME: Prometheus metrics for playback and connection health
// ABOUTME: Counters for drops, underruns, violations and reconnects plus state gauges
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sendspin"

// Drop reasons
const (
	DropDuplicate = "duplicate"
	DropDraining  = "draining"
	DropOverflow  = "overflow"
	DropDecode    = "decode"
)

// Metrics holds the client's collectors. A nil *Metrics records nothing.
type Metrics struct {
	PacketsAdmitted  prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	Discontinuities  prometheus.Counter
	Underruns        prometheus.Counter
	DeviceErrors     prometheus.Counter
	Violations       prometheus.Counter
	Reconnects       prometheus.Counter
	Transitions      *prometheus.CounterVec
	State            prometheus.Gauge
	BufferedSeconds  prometheus.Gauge
	ClockOffset      prometheus.Gauge
	ClockRTT         prometheus.Gauge
	HandshakeSeconds prometheus.Histogram
}

// New creates the collectors and registers them with reg when it is non-nil
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "packets",
			Name:      "admitted_total",
			Help:      "Audio packets admitted to the playback queue",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "packets",
			Name:      "dropped_total",
			Help:      "Audio packets discarded before playback",
		}, []string{"reason"}),
		Discontinuities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "packets",
			Name:      "discontinuities_total",
			Help:      "Sequence gaps observed in the audio stream",
		}),
		Underruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "playback",
			Name:      "underruns_total",
			Help:      "Render blocks that ran out of audio",
		}),
		DeviceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "playback",
			Name:      "device_errors_total",
			Help:      "Output device failures",
		}),
		Violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "protocol_violations_total",
			Help:      "Protocol violations committed by the server",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"state"}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Connection state (0=disconnected, 1=handshaking, 2=negotiating, 3=streaming, 4=paused, 5=draining, 6=error)",
		}),
		BufferedSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "playback",
			Name:      "buffered_seconds",
			Help:      "Audio queued ahead of the output device",
		}),
		ClockOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "clock",
			Name:      "offset_microseconds",
			Help:      "Estimated server clock offset",
		}),
		ClockRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "clock",
			Name:      "rtt_microseconds",
			Help:      "Round trip of the last accepted time sync",
		}),
		HandshakeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "handshake_seconds",
			Help:      "Time from dial to server/hello",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PacketsAdmitted,
			m.PacketsDropped,
			m.Discontinuities,
			m.Underruns,
			m.DeviceErrors,
			m.Violations,
			m.Reconnects,
			m.Transitions,
			m.State,
			m.BufferedSeconds,
			m.ClockOffset,
			m.ClockRTT,
			m.HandshakeSeconds,
		)
	}
	return m
}

// RecordAdmitted counts an admitted packet
func (m *Metrics) RecordAdmitted() {
	if m == nil {
		return
	}
	m.PacketsAdmitted.Inc()
}

// RecordDropped counts a discarded packet
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDiscontinuity() {
	if m == nil {
		return
	}
	m.Discontinuities.Inc()
}

func (m *Metrics) RecordUnderrun() {
	if m == nil {
		return
	}
	m.Underruns.Inc()
}

func (m *Metrics) RecordDeviceError() {
	if m == nil {
		return
	}
	m.DeviceErrors.Inc()
}

func (m *Metrics) RecordViolation() {
	if m == nil {
		return
	}
	m.Violations.Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RecordState updates the state gauge and transition counter
func (m *Metrics) RecordState(name string, value int) {
	if m == nil {
		return
	}
	m.State.Set(float64(value))
	m.Transitions.WithLabelValues(name).Inc()
}

func (m *Metrics) RecordBuffered(d time.Duration) {
	if m == nil {
		return
	}
	m.BufferedSeconds.Set(d.Seconds())
}

// RecordClock updates clock sync gauges
func (m *Metrics) RecordClock(offsetMicros, rttMicros int64) {
	if m == nil {
		return
	}
	m.ClockOffset.Set(float64(offsetMicros))
	m.ClockRTT.Set(float64(rttMicros))
}

func (m *Metrics) RecordHandshake(d time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeSeconds.Observe(d.Seconds())
}
