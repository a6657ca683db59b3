// ABOUTME: Connection states, commands and protocol errors
// ABOUTME: Defines which local commands are valid in which state
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Sendspin/sendspin-native/internal/device"
	"github.com/Sendspin/sendspin-native/pkg/audio"
)

// State is the connection state owned by the Machine
type State int

const (
	Disconnected State = iota
	Handshaking
	Negotiating
	Streaming
	Paused
	Draining
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Negotiating:
		return "negotiating"
	case Streaming:
		return "streaming"
	case Paused:
		return "paused"
	case Draining:
		return "draining"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Active reports whether a session may exist in this state
func (s State) Active() bool {
	return s == Negotiating || s == Streaming || s == Paused || s == Draining
}

var (
	ErrInvalidState    = errors.New("command not valid in current state")
	ErrInvalidArgument = errors.New("invalid command argument")
	ErrFormatMismatch  = errors.New("device cannot play session format")
	ErrNoDevice        = errors.New("no output device to advertise")
)

// ProtocolError is a violation committed by the server
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation: %s: %v", e.Reason, e.Err)
	}
	return "protocol violation: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// CommandKind names a local control command
type CommandKind string

const (
	CmdPlay         CommandKind = "play"
	CmdPause        CommandKind = "pause"
	CmdSeek         CommandKind = "seek"
	CmdStop         CommandKind = "stop"
	CmdSetVolume    CommandKind = "set-volume"
	CmdChangeDevice CommandKind = "change-device"
)

// Command is a control request from a local collaborator
type Command struct {
	Kind     CommandKind
	Offset   time.Duration // seek
	Volume   int           // set-volume, 0-100
	DeviceID string        // change-device
}

// Known reports whether k names a command at all
func (k CommandKind) Known() bool {
	switch k {
	case CmdPlay, CmdPause, CmdSeek, CmdStop, CmdSetVolume, CmdChangeDevice:
		return true
	}
	return false
}

// ValidIn reports whether the command is accepted in state s
func (k CommandKind) ValidIn(s State) bool {
	switch k {
	case CmdPlay:
		return s == Disconnected || s == Paused || s == Streaming
	case CmdPause:
		return s == Streaming || s == Paused
	case CmdSeek:
		return s == Streaming || s == Paused
	case CmdStop:
		return s == Negotiating || s == Streaming || s == Paused
	case CmdSetVolume:
		return true
	case CmdChangeDevice:
		return s != Draining && s != Error
	default:
		return false
	}
}

// Session is one negotiated stream
type Session struct {
	ID      uuid.UUID
	Format  audio.Format
	Device  device.Device
	Server  string
	Started time.Time
	Resumed bool

	lastSeq uint64
	hasSeq  bool
}

// LastSeq returns the highest admitted sequence number
func (s Session) LastSeq() (uint64, bool) {
	return s.lastSeq, s.hasSeq
}
