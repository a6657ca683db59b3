// ABOUTME: Sendspin Protocol message type definitions
// ABOUTME: Defines structs for all JSON message types exchanged with a server
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Sendspin/sendspin-native/pkg/audio"
)

// Message type tags
const (
	TypeAuth          = "auth"
	TypeClientHello   = "client/hello"
	TypeServerHello   = "server/hello"
	TypeClientState   = "client/state"
	TypeClientCommand = "client/command"
	TypeServerCommand = "server/command"
	TypeClientTime    = "client/time"
	TypeServerTime    = "server/time"
	TypeServerState   = "server/state"
	TypeStreamClear   = "stream/clear"
	TypeStreamEnd     = "stream/end"
	TypeClientGoodbye = "client/goodbye"
	TypeKeepalive     = "keepalive"
)

// Control commands carried in client/command and server/command
const (
	CommandPlay       = "play"
	CommandPause      = "pause"
	CommandSeek       = "seek"
	CommandStop       = "stop"
	CommandSetVolume  = "set-volume"
	CommandFlowPause  = "flow-pause"
	CommandFlowResume = "flow-resume"
)

// Roles advertised in client/hello
const (
	RolePlayer     = "player@v1"
	RoleController = "controller@v1"
	RoleMetadata   = "metadata@v1"
)

// Message is the top-level wrapper for outbound protocol messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Envelope is an inbound message whose payload is decoded on demand
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Parse decodes the outer envelope of a text message
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to parse message: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("message has no type")
	}
	return env, nil
}

// Decode unmarshals the payload into v
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", e.Type, err)
	}
	return nil
}

// Auth is the proxy authentication message sent before client/hello.
// Unlike other messages it is flat, with no payload wrapper.
type Auth struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

// ClientHello is sent by clients to initiate the handshake
type ClientHello struct {
	ClientID        string         `json:"client_id"`
	Name            string         `json:"name"`
	Version         int            `json:"version"`
	SupportedRoles  []string       `json:"supported_roles"`
	DeviceInfo      *DeviceInfo    `json:"device_info,omitempty"`
	PlayerSupport   *PlayerSupport `json:"player_support,omitempty"`
	ResumeSessionID string         `json:"resume_session_id,omitempty"`
}

// DeviceInfo contains device identification
type DeviceInfo struct {
	ProductName     string `json:"product_name"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareVersion string `json:"software_version"`
	OutputDevice    string `json:"output_device,omitempty"`
}

// PlayerSupport describes what the local output can play
type PlayerSupport struct {
	SupportedFormats  []AudioFormat `json:"supported_formats"`
	Capabilities      []Capability  `json:"capabilities,omitempty"`
	BufferCapacity    int           `json:"buffer_capacity"`
	SupportedCommands []string      `json:"supported_commands"`
}

// Capability is a rate/depth/channel set for one output device
type Capability struct {
	SampleRates []int `json:"sample_rates"`
	BitDepths   []int `json:"bit_depths"`
	Channels    []int `json:"channels"`
}

// AudioFormat describes a supported or negotiated audio format
type AudioFormat struct {
	Codec      string `json:"codec"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	BitDepth   int    `json:"bit_depth"`
}

// ToAudio converts a wire format to the audio package representation
func (f AudioFormat) ToAudio() audio.Format {
	return audio.Format{Codec: f.Codec, SampleRate: f.SampleRate, BitDepth: f.BitDepth, Channels: f.Channels}
}

// FromAudio converts an audio.Format to its wire representation
func FromAudio(f audio.Format) AudioFormat {
	return AudioFormat{Codec: f.Codec, SampleRate: f.SampleRate, BitDepth: f.BitDepth, Channels: f.Channels}
}

// FromCapability converts an audio.Capability to its wire representation
func FromCapability(c audio.Capability) Capability {
	return Capability{SampleRates: c.SampleRates, BitDepths: c.BitDepths, Channels: c.Channels}
}

// ServerHello is the server's response to client/hello
type ServerHello struct {
	ServerID    string       `json:"server_id"`
	Name        string       `json:"name"`
	Version     int          `json:"version"`
	SessionID   string       `json:"session_id"`
	Format      *AudioFormat `json:"format,omitempty"`
	KeepaliveMS int          `json:"keepalive_ms,omitempty"`
	ActiveRoles []string     `json:"active_roles,omitempty"`
}

// ClientStateMessage is sent as client/state with role-specific objects
type ClientStateMessage struct {
	Player *PlayerState `json:"player,omitempty"`
}

// PlayerState reports the player's current state
type PlayerState struct {
	State      string `json:"state"` // "synchronized" or "error"
	Volume     int    `json:"volume"`
	Muted      bool   `json:"muted,omitempty"`
	BufferedMS int64  `json:"buffered_ms,omitempty"`
}

// CommandMessage is sent as client/command or server/command
type CommandMessage struct {
	Player *PlayerCommand `json:"player,omitempty"`
}

// PlayerCommand is a control command for the player
type PlayerCommand struct {
	Command  string `json:"command"`
	OffsetMS int64  `json:"offset_ms,omitempty"`
	Volume   *int   `json:"volume,omitempty"`
}

// ServerStateMessage is sent as server/state with role-specific objects
type ServerStateMessage struct {
	Metadata   *MetadataState   `json:"metadata,omitempty"`
	Controller *ControllerState `json:"controller,omitempty"`
}

// MetadataState contains track metadata
type MetadataState struct {
	Timestamp   int64          `json:"timestamp"` // server clock µs when valid
	Title       *string        `json:"title,omitempty"`
	Artist      *string        `json:"artist,omitempty"`
	AlbumArtist *string        `json:"album_artist,omitempty"`
	Album       *string        `json:"album,omitempty"`
	ArtworkURL  *string        `json:"artwork_url,omitempty"`
	Year        *int           `json:"year,omitempty"`
	Track       *int           `json:"track,omitempty"`
	Progress    *ProgressState `json:"progress,omitempty"`
}

// ProgressState contains playback progress info
type ProgressState struct {
	TrackProgress int `json:"track_progress"` // ms
	TrackDuration int `json:"track_duration"` // ms, 0 = unknown
	PlaybackSpeed int `json:"playback_speed"` // speed * 1000
}

// ControllerState contains group controller state
type ControllerState struct {
	SupportedCommands []string `json:"supported_commands"`
	Volume            int      `json:"volume"`
	Muted             bool     `json:"muted"`
}

// StreamClear instructs clients to clear buffers (for seek)
type StreamClear struct {
	Roles []string `json:"roles,omitempty"`
}

// StreamEnd ends streams for specified roles
type StreamEnd struct {
	Roles []string `json:"roles,omitempty"`
}

// ClientGoodbye is sent before graceful disconnect
type ClientGoodbye struct {
	Reason string `json:"reason"` // "shutdown", "restart", "user_request"
}

// ClientTime is sent for clock synchronization
type ClientTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
}

// ServerTime is the response to client/time
type ServerTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
	ServerReceived    int64 `json:"server_received"`
	ServerTransmitted int64 `json:"server_transmitted"`
}

// DerefString safely dereferences an optional string field
func DerefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
