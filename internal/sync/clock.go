// ABOUTME: Server clock synchronization with drift compensation
// ABOUTME: Estimates offset and frequency drift from client/time round trips
package sync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	maxRTT      = 100 * time.Millisecond
	degradedRTT = 50 * time.Millisecond
	maxResidual = 50 * time.Millisecond
	lostAfter   = 15 * time.Second
)

// Quality represents sync quality
type Quality int

const (
	QualityLost Quality = iota
	QualityDegraded
	QualityGood
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	default:
		return "lost"
	}
}

// ClockSync maps server timestamps to local time.
// Safe for concurrent use; the render path only takes the read lock
// through ServerToLocal, which the engine calls outside the callback.
type ClockSync struct {
	mu             sync.RWMutex
	logger         *zap.SugaredLogger
	now            func() time.Time
	offset         int64   // server - client, µs
	drift          float64 // µs/µs
	rtt            int64
	quality        Quality
	lastSync       time.Time
	lastSyncMicros int64
	sampleCount    int
	smoothingRate  float64
}

// NewClockSync creates a new clock synchronizer
func NewClockSync(logger *zap.SugaredLogger) *ClockSync {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ClockSync{
		logger:        logger.Named("clock"),
		now:           time.Now,
		smoothingRate: 0.1,
		quality:       QualityLost,
	}
}

// Reset forgets all samples, used when a new session starts on another server
func (cs *ClockSync) Reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.offset = 0
	cs.drift = 0
	cs.rtt = 0
	cs.sampleCount = 0
	cs.quality = QualityLost
}

// ClientMicros returns the local clock in microseconds
func (cs *ClockSync) ClientMicros() int64 {
	return cs.now().UnixMicro()
}

// ProcessSyncResponse folds one server/time exchange into the estimate.
// t1 and t4 are client send/receive, t2 and t3 server receive/send.
func (cs *ClockSync) ProcessSyncResponse(t1, t2, t3, t4 int64) {
	rtt, measured := calculateOffset(t1, t2, t3, t4)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.rtt = rtt
	cs.lastSync = cs.now()

	if rtt > maxRTT.Microseconds() || rtt < 0 {
		cs.logger.Debugw("discarding sync sample", "rtt_us", rtt)
		return
	}

	switch cs.sampleCount {
	case 0:
		cs.offset = measured
		cs.logger.Infow("initial sync", "offset_us", measured, "rtt_us", rtt)
	case 1:
		if dt := float64(t4 - cs.lastSyncMicros); dt > 0 {
			cs.drift = float64(measured-cs.offset) / dt
		}
		cs.offset = measured
	default:
		dt := float64(t4 - cs.lastSyncMicros)
		if dt <= 0 {
			cs.logger.Debugw("discarding sync sample: non-monotonic time")
			return
		}

		predicted := cs.offset + int64(cs.drift*dt)
		residual := measured - predicted
		if residual > maxResidual.Microseconds() || residual < -maxResidual.Microseconds() {
			cs.logger.Warnw("discarding sync sample: large residual", "residual_us", residual)
			return
		}

		cs.offset = predicted + int64(cs.smoothingRate*float64(residual))
		cs.drift += cs.smoothingRate * float64(residual) / dt
	}

	cs.lastSyncMicros = t4
	cs.sampleCount++

	if rtt < degradedRTT.Microseconds() {
		cs.quality = QualityGood
	} else {
		cs.quality = QualityDegraded
	}
}

// calculateOffset computes RTT and clock offset (positive = server ahead)
func calculateOffset(t1, t2, t3, t4 int64) (rtt, offset int64) {
	rtt = (t4 - t1) - (t3 - t2)
	offset = ((t2 - t1) + (t3 - t4)) / 2
	return
}

// Stats returns the current estimate
func (cs *ClockSync) Stats() (offset, rtt int64, quality Quality) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.offset, cs.rtt, cs.quality
}

// Synced reports whether at least one sample was accepted
func (cs *ClockSync) Synced() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.sampleCount > 0
}

// CheckQuality downgrades to lost when no sample arrived recently
func (cs *ClockSync) CheckQuality() Quality {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.sampleCount > 0 && cs.now().Sub(cs.lastSync) > lostAfter {
		cs.quality = QualityLost
	}
	return cs.quality
}

// ServerToLocal converts a server timestamp (µs) to local wall clock time.
// Before the first sample server time is assumed equal to local time.
func (cs *ClockSync) ServerToLocal(serverMicros int64) time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.sampleCount == 0 {
		return time.UnixMicro(serverMicros)
	}

	// server = client + offset + drift*(client - lastSync)
	numerator := float64(serverMicros) - float64(cs.offset) + cs.drift*float64(cs.lastSyncMicros)
	return time.UnixMicro(int64(numerator / (1.0 + cs.drift)))
}

// ServerMicros returns the current time in the server's reference frame
func (cs *ClockSync) ServerMicros() int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	clientNow := cs.now().UnixMicro()
	if cs.sampleCount == 0 {
		return clientNow
	}
	return clientNow + cs.offset + int64(cs.drift*float64(clientNow-cs.lastSyncMicros))
}
