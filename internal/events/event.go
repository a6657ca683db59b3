// ABOUTME: Status events and the immutable now-playing snapshot
// ABOUTME: Consumed by UI, media-control and presence collaborators
package events

import (
	"time"

	"github.com/Sendspin/sendspin-native/pkg/audio"
)

// Kind identifies an event
type Kind int

const (
	KindState Kind = iota
	KindSnapshot
	KindPosition
	KindDiscontinuity
	KindUnderrun
	KindDeviceError
	KindError
	KindReconnecting
	KindDevices
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindSnapshot:
		return "snapshot"
	case KindPosition:
		return "position"
	case KindDiscontinuity:
		return "discontinuity"
	case KindUnderrun:
		return "underrun"
	case KindDeviceError:
		return "device-error"
	case KindError:
		return "error"
	case KindReconnecting:
		return "reconnecting"
	case KindDevices:
		return "devices"
	default:
		return "unknown"
	}
}

// Coalescable reports whether newer events of this kind may replace older ones
func (k Kind) Coalescable() bool {
	return k == KindPosition
}

// Snapshot is the now-playing state at one version.
// It is a value; every holder has its own copy.
type Snapshot struct {
	Version      uint64
	State        string
	SessionID    string
	Format       audio.Format
	DeviceID     string
	DeviceName   string
	DeviceMuted  bool
	Buffered     time.Duration
	Position     time.Duration
	Volume       int
	VolumeMixer  string // hardware mixer in use, empty for software gain
	Muted        bool
	Reconnecting bool
	Attempt      int
	LastError    string
	Underruns    uint64
	ClockOffset  time.Duration
	ClockRTT     time.Duration
	ClockQuality string
	Server       string
	Title        string
	Artist       string
	Album        string
}

// Event is one delivered notification
type Event struct {
	Seq      uint64
	Kind     Kind
	Time     time.Time
	Snapshot Snapshot
	From     string
	To       string
	Err      error
	Detail   string
}
