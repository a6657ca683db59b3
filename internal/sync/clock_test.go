// ABOUTME: Tests for server clock synchronization
// ABOUTME: Covers RTT calculation, outlier rejection and time conversion
package sync

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestClock(t *testing.T, now time.Time) *ClockSync {
	cs := NewClockSync(zaptest.NewLogger(t).Sugar())
	cs.now = func() time.Time { return now }
	return cs
}

func TestRTTCalculation(t *testing.T) {
	tests := []struct {
		name           string
		t1, t2, t3, t4 int64
		wantRTT        int64
		wantOffset     int64
	}{
		{"symmetric no offset", 1000, 2000, 2000, 3000, 2000, 0},
		{"server ahead", 1000, 11000, 11500, 2500, 1000, 9500},
		{"processing time excluded", 0, 2000, 2500, 5000, 4500, -250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rtt, offset := calculateOffset(tt.t1, tt.t2, tt.t3, tt.t4)
			if rtt != tt.wantRTT {
				t.Errorf("expected RTT %d, got %d", tt.wantRTT, rtt)
			}
			if offset != tt.wantOffset {
				t.Errorf("expected offset %d, got %d", tt.wantOffset, offset)
			}
		})
	}
}

func TestFirstSampleEstablishesOffset(t *testing.T) {
	now := time.UnixMicro(10_000_000)
	cs := newTestClock(t, now)

	if cs.Synced() {
		t.Fatal("expected unsynced before any sample")
	}

	// server is 1s ahead, 2ms RTT
	cs.ProcessSyncResponse(9_998_000, 10_999_000, 10_999_000, 10_000_000)

	offset, rtt, quality := cs.Stats()
	if offset != 1_000_000 {
		t.Errorf("expected offset 1000000, got %d", offset)
	}
	if rtt != 2000 {
		t.Errorf("expected rtt 2000, got %d", rtt)
	}
	if quality != QualityGood {
		t.Errorf("expected good quality, got %v", quality)
	}

	local := cs.ServerToLocal(11_500_000)
	if want := time.UnixMicro(10_500_000); !local.Equal(want) {
		t.Errorf("expected %v, got %v", want, local)
	}
	if got := cs.ServerMicros(); got != 11_000_000 {
		t.Errorf("expected server now 11000000, got %d", got)
	}
}

func TestHighRTTSampleDiscarded(t *testing.T) {
	cs := newTestClock(t, time.UnixMicro(1_000_000))

	cs.ProcessSyncResponse(0, 500, 500, 200_000)

	if cs.Synced() {
		t.Error("sample with 200ms RTT should be discarded")
	}
}

func TestLargeResidualDiscarded(t *testing.T) {
	cs := newTestClock(t, time.UnixMicro(1_000_000))

	cs.ProcessSyncResponse(0, 1000, 1000, 2000)
	cs.ProcessSyncResponse(1_000_000, 1_001_000, 1_001_000, 1_002_000)
	before, _, _ := cs.Stats()

	// jump of one second
	cs.ProcessSyncResponse(2_000_000, 3_001_000, 3_001_000, 2_002_000)

	after, _, _ := cs.Stats()
	if before != after {
		t.Errorf("offset should not move on outlier: %d -> %d", before, after)
	}
}

func TestQualityLostAfterSilence(t *testing.T) {
	now := time.UnixMicro(1_000_000)
	cs := newTestClock(t, now)
	cs.ProcessSyncResponse(0, 1000, 1000, 2000)

	cs.now = func() time.Time { return now.Add(lostAfter + time.Second) }

	if q := cs.CheckQuality(); q != QualityLost {
		t.Errorf("expected lost, got %v", q)
	}
}

func TestServerToLocalBeforeSync(t *testing.T) {
	cs := NewClockSync(nil)
	got := cs.ServerToLocal(123_456)
	if !got.Equal(time.UnixMicro(123_456)) {
		t.Errorf("expected identity mapping before sync, got %v", got)
	}
}
