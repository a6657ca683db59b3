// ABOUTME: Protocol state machine owning the connection state and Session
// ABOUTME: Negotiates formats, admits data frames, applies commands and flow control
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Sendspin/sendspin-native/internal/device"
	"github.com/Sendspin/sendspin-native/internal/engine"
	"github.com/Sendspin/sendspin-native/internal/events"
	"github.com/Sendspin/sendspin-native/internal/metrics"
	"github.com/Sendspin/sendspin-native/pkg/audio"
	"github.com/Sendspin/sendspin-native/pkg/audio/decode"
	"github.com/Sendspin/sendspin-native/pkg/protocol"
)

// Goodbye reasons
const (
	ReasonUserRequest = "user_request"
	ReasonShutdown    = "shutdown"
)

// Link is the outbound half of a connection
type Link interface {
	SendControl(cmd protocol.PlayerCommand) error
	SendState(state protocol.PlayerState) error
	SendGoodbye(reason string) error
	Close() error
}

// Renderer is the playback engine as seen by the machine
type Renderer interface {
	Start(dev device.Device, format audio.Format) error
	Stop()
	Enqueue(p *engine.Packet) error
	Flush()
	Drain()
	Pause(paused bool)
	SetVolume(volume int)
	SwitchDevice(dev device.Device) error
	DeviceLost(id string) bool
}

// Devices is the device query interface
type Devices interface {
	Lookup(id string) (device.Device, error)
	Select(id string) (device.Device, error)
}

// Mixer is a hardware volume control for the system default output
type Mixer interface {
	Name() string
	SetVolume(volume int) error
}

// Config holds state machine tunables
type Config struct {
	HighWatermark   time.Duration
	LowWatermark    time.Duration
	ViolationBudget int
	BufferCapacity  int // bytes, advertised to the server
}

// DefaultConfig returns the standard watermarks and violation budget
func DefaultConfig() Config {
	return Config{
		HighWatermark:   2 * time.Second,
		LowWatermark:    500 * time.Millisecond,
		ViolationBudget: 3,
		BufferCapacity:  1 << 20,
	}
}

// Machine is the protocol state machine. It is not safe for concurrent
// use; a single control goroutine drives it.
type Machine struct {
	cfg       Config
	logger    *zap.SugaredLogger
	renderer  Renderer
	devices   Devices
	publisher *events.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time

	state      State
	session    *Session
	prev       *Session // resume candidate after a failure
	link       Link
	decoder    decode.Decoder
	device     device.Device
	advertised []audio.Format

	volume       int
	mixer        Mixer
	deviceMuted  bool
	flowPaused   bool
	gapPending   bool
	drainReason  string
	violations   int
	wantsConnect bool
	lastErr      error
}

// NewMachine creates a machine in the Disconnected state
func NewMachine(cfg Config, renderer Renderer, devices Devices, publisher *events.Publisher, m *metrics.Metrics, logger *zap.SugaredLogger) *Machine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	def := DefaultConfig()
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = def.HighWatermark
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark >= cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark / 4
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = def.BufferCapacity
	}

	mc := &Machine{
		cfg:       cfg,
		logger:    logger,
		renderer:  renderer,
		devices:   devices,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
		volume:    100,
	}
	publisher.Update(events.KindSnapshot, func(s *events.Snapshot) {
		s.State = Disconnected.String()
		s.Volume = mc.volume
	})
	return mc
}

// State returns the current connection state
func (m *Machine) State() State {
	return m.state
}

// Session returns a copy of the active session
func (m *Machine) Session() (Session, bool) {
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Device returns the device formats are advertised for
func (m *Machine) Device() device.Device {
	return m.device
}

// Volume returns the local volume 0-100
func (m *Machine) Volume() int {
	return m.volume
}

// LastError returns the error behind the most recent failure
func (m *Machine) LastError() error {
	return m.lastErr
}

// Violations returns the protocol violations counted since the last reset
func (m *Machine) Violations() int {
	return m.violations
}

// Retryable reports whether reconnecting is still worthwhile
func (m *Machine) Retryable() bool {
	return m.violations <= m.cfg.ViolationBudget
}

// ResetViolations clears the budget once a session has proven stable
func (m *Machine) ResetViolations() {
	m.violations = 0
}

// TakeConnectRequest reports and clears a pending play-while-disconnected
func (m *Machine) TakeConnectRequest() bool {
	want := m.wantsConnect
	m.wantsConnect = false
	return want
}

// SetVolume sets the initial volume without reporting it anywhere
func (m *Machine) SetVolume(volume int) {
	m.volume = clampVolume(volume)
	m.routeVolume()
	m.publisher.Update(events.KindSnapshot, func(s *events.Snapshot) {
		s.Volume = m.volume
	})
}

// SetMixer hands volume to a hardware mixer while the default device plays
func (m *Machine) SetMixer(mx Mixer) {
	m.mixer = mx
	m.routeVolume()
}

// routeVolume applies the volume to the mixer, keeping software gain at
// unity, or to software gain when the mixer does not cover the device.
// A failing mixer is dropped for good.
func (m *Machine) routeVolume() {
	if m.mixer != nil && m.device.Default {
		err := m.mixer.SetVolume(m.volume)
		if err == nil {
			m.renderer.SetVolume(100)
			m.publishMixer(m.mixer.Name())
			return
		}
		m.logger.Warnw("Hardware volume failed, using software gain", "mixer", m.mixer.Name(), "error", err)
		m.mixer = nil
	}
	m.renderer.SetVolume(m.volume)
	m.publishMixer("")
}

func (m *Machine) publishMixer(name string) {
	m.publisher.Update(events.KindSnapshot, func(s *events.Snapshot) {
		s.VolumeMixer = name
	})
}

func (m *Machine) transition(to State, err error) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.logger.Infow("State transition", "from", from, "to", to)
	m.metrics.RecordState(to.String(), int(to))

	ev := events.Event{Kind: events.KindState, From: from.String(), To: to.String(), Err: err}
	m.publisher.Apply(ev, func(s *events.Snapshot) {
		s.State = to.String()
		if err != nil {
			s.LastError = err.Error()
		}
		if m.session != nil {
			s.SessionID = m.session.ID.String()
			s.Format = m.session.Format
			s.Server = m.session.Server
		} else if to == Disconnected {
			s.SessionID = ""
			s.Format = audio.Format{}
			s.Buffered = 0
		}
	})
}

// Advertise records dev as the output and returns the formats offered
// for it: pcm at every supported combination and opus where the device
// can play its fixed 48kHz/16-bit output.
func (m *Machine) Advertise(dev device.Device) []audio.Format {
	reroute := m.mixer != nil && dev.Default != m.device.Default
	m.device = dev
	caps := dev.Capability()
	if reroute {
		m.routeVolume()
	}

	var formats []audio.Format
	for _, f := range caps.Formats(audio.CodecPCM) {
		if decode.Supports(f) {
			formats = append(formats, f)
		}
	}
	for _, ch := range caps.Channels {
		f := audio.Format{Codec: audio.CodecOpus, SampleRate: 48000, BitDepth: 16, Channels: ch}
		if caps.Supports(f) && decode.Supports(f) {
			formats = append(formats, f)
		}
	}
	m.advertised = formats
	return formats
}

// Hello completes base with the player advertisement and resume hint
func (m *Machine) Hello(base protocol.ClientHello) protocol.ClientHello {
	hello := base
	wire := make([]protocol.AudioFormat, 0, len(m.advertised))
	for _, f := range m.advertised {
		wire = append(wire, protocol.FromAudio(f))
	}
	hello.PlayerSupport = &protocol.PlayerSupport{
		SupportedFormats: wire,
		Capabilities:     []protocol.Capability{protocol.FromCapability(m.device.Capability())},
		BufferCapacity:   m.cfg.BufferCapacity,
		SupportedCommands: []string{
			protocol.CommandPlay,
			protocol.CommandPause,
			protocol.CommandSeek,
			protocol.CommandStop,
			protocol.CommandSetVolume,
		},
	}
	if hello.DeviceInfo != nil {
		info := *hello.DeviceInfo
		info.OutputDevice = m.device.Name
		hello.DeviceInfo = &info
	}
	if m.prev != nil {
		hello.ResumeSessionID = m.prev.ID.String()
	}
	return hello
}

// BeginConnect moves Disconnected to Handshaking
func (m *Machine) BeginConnect() error {
	if m.state != Disconnected {
		return fmt.Errorf("%w: connect in %s", ErrInvalidState, m.state)
	}
	if len(m.advertised) == 0 {
		return ErrNoDevice
	}
	m.wantsConnect = false
	m.transition(Handshaking, nil)
	return nil
}

// TransportUp records the handshaken link and moves to Negotiating
func (m *Machine) TransportUp(link Link) error {
	if m.state != Handshaking {
		return fmt.Errorf("%w: transport up in %s", ErrInvalidState, m.state)
	}
	m.link = link
	m.flowPaused = false
	m.transition(Negotiating, nil)
	return nil
}

// Negotiate accepts the server's format choice and starts the session.
// A missing or unadvertised format is a protocol violation.
func (m *Machine) Negotiate(hello protocol.ServerHello) error {
	if m.state != Negotiating {
		return fmt.Errorf("%w: negotiate in %s", ErrInvalidState, m.state)
	}
	if hello.Format == nil {
		return m.violation(&ProtocolError{Reason: "server/hello carries no format"})
	}
	format := hello.Format.ToAudio()
	if !audio.ContainsFormat(m.advertised, format) {
		return m.violation(&ProtocolError{Reason: fmt.Sprintf("server chose unadvertised format %s", format)})
	}
	id, err := uuid.Parse(hello.SessionID)
	if err != nil {
		return m.violation(&ProtocolError{Reason: "invalid session id", Err: err})
	}
	if !m.device.Capability().Supports(format) {
		// the device changed after the hello was sent
		err := fmt.Errorf("%w: %s cannot play %s", ErrFormatMismatch, m.device.Name, format)
		m.Fail(err)
		return err
	}
	dec, err := decode.New(format)
	if err != nil {
		return m.violation(&ProtocolError{Reason: "no decoder for negotiated format", Err: err})
	}

	s := &Session{
		ID:      id,
		Format:  format,
		Device:  m.device,
		Server:  hello.Name,
		Started: m.now(),
	}
	if m.prev != nil && m.prev.ID == id {
		s.lastSeq, s.hasSeq = m.prev.lastSeq, m.prev.hasSeq
		s.Resumed = true
	}
	m.prev = nil
	m.session = s
	m.decoder = dec
	m.gapPending = false
	m.deviceMuted = false

	m.logger.Infow("Session negotiated", "session", id, "format", format.String(), "resumed", s.Resumed)
	if err := m.renderer.Start(m.device, format); err != nil {
		// the engine reports the device error; the session continues muted
		m.logger.Warnw("Output unavailable, session continues muted", "error", err)
	}

	m.publisher.Update(events.KindSnapshot, func(snap *events.Snapshot) {
		snap.SessionID = id.String()
		snap.Format = format
		snap.DeviceID = m.device.ID
		snap.DeviceName = m.device.Name
		snap.Server = hello.Name
		snap.LastError = ""
	})
	m.sendState()
	return nil
}

// HandleData admits one data frame: stale and duplicate frames are
// dropped, gaps are flagged as discontinuities, everything else is
// decoded and queued for playback
func (m *Machine) HandleData(f protocol.DataFrame) error {
	switch m.state {
	case Disconnected, Handshaking, Error:
		return nil
	case Draining:
		m.metrics.RecordDropped(metrics.DropDraining)
		return nil
	}

	s := m.session
	if s == nil {
		return m.violation(&ProtocolError{Reason: "data frame before session"})
	}
	if f.SessionID != s.ID {
		return m.violation(&ProtocolError{Reason: fmt.Sprintf("data frame for foreign session %s", f.SessionID)})
	}
	if s.hasSeq && f.Seq <= s.lastSeq {
		m.logger.Debugw("Dropping duplicate frame", "seq", f.Seq, "last", s.lastSeq)
		m.metrics.RecordDropped(metrics.DropDuplicate)
		return nil
	}

	samples, err := m.decoder.Decode(f.Payload)
	if err != nil {
		return m.violation(&ProtocolError{Reason: fmt.Sprintf("undecodable payload at seq %d", f.Seq), Err: err})
	}

	discontinuity := m.gapPending || (s.hasSeq && f.Seq > s.lastSeq+1)
	if discontinuity {
		m.gapPending = false
		m.metrics.RecordDiscontinuity()
		m.logger.Infow("Stream discontinuity", "seq", f.Seq, "last", s.lastSeq)
		m.publisher.Publish(events.Event{Kind: events.KindDiscontinuity, Detail: fmt.Sprintf("seq %d after %d", f.Seq, s.lastSeq)})
	}
	s.lastSeq, s.hasSeq = f.Seq, true

	p := &engine.Packet{
		Seq:           f.Seq,
		PTS:           f.PTS,
		Payload:       f.Payload,
		Samples:       samples,
		Format:        s.Format,
		Discontinuity: discontinuity,
	}
	if err := m.renderer.Enqueue(p); err != nil {
		if !errors.Is(err, engine.ErrQueueFull) {
			return err
		}
		m.metrics.RecordDropped(metrics.DropOverflow)
		m.gapPending = true
		return nil
	}
	m.metrics.RecordAdmitted()

	if m.state == Negotiating {
		m.transition(Streaming, nil)
	}
	return nil
}

// HandleControl mirrors a server command locally
func (m *Machine) HandleControl(cmd protocol.PlayerCommand) error {
	switch cmd.Command {
	case protocol.CommandPlay:
		if m.state == Paused {
			m.renderer.Pause(false)
			m.transition(Streaming, nil)
		}
	case protocol.CommandPause:
		if m.state == Streaming {
			m.renderer.Pause(true)
			m.transition(Paused, nil)
		}
	case protocol.CommandSeek:
		if m.state == Streaming || m.state == Paused {
			m.renderer.Flush()
		}
	case protocol.CommandStop:
		if m.state == Negotiating || m.state == Streaming || m.state == Paused {
			m.beginDrain(ReasonShutdown)
		}
	case protocol.CommandSetVolume:
		if cmd.Volume == nil {
			return m.violation(&ProtocolError{Reason: "set-volume without volume"})
		}
		m.applyVolume(*cmd.Volume)
	case protocol.CommandFlowPause, protocol.CommandFlowResume:
		return m.violation(&ProtocolError{Reason: cmd.Command + " is client-originated"})
	default:
		return m.violation(&ProtocolError{Reason: fmt.Sprintf("unknown command %q", cmd.Command)})
	}
	return nil
}

// HandleStream processes stream/clear and stream/end
func (m *Machine) HandleStream(msgType string) error {
	if m.session == nil {
		return nil
	}
	switch msgType {
	case protocol.TypeStreamClear:
		if m.state != Draining {
			m.renderer.Flush()
		}
	case protocol.TypeStreamEnd:
		if m.state == Negotiating || m.state == Streaming || m.state == Paused {
			m.beginDrain(ReasonShutdown)
		}
	}
	return nil
}

// HandleServerState copies track metadata into the snapshot
func (m *Machine) HandleServerState(msg protocol.ServerStateMessage) {
	if msg.Metadata == nil {
		return
	}
	md := msg.Metadata
	m.publisher.Update(events.KindSnapshot, func(s *events.Snapshot) {
		s.Title = protocol.DerefString(md.Title)
		s.Artist = protocol.DerefString(md.Artist)
		s.Album = protocol.DerefString(md.Album)
	})
}

// Violation records a protocol violation detected outside the machine,
// such as a malformed frame, and fails the session
func (m *Machine) Violation(err error) error {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		err = &ProtocolError{Reason: "malformed message", Err: err}
	}
	return m.violation(err)
}

func (m *Machine) violation(err error) error {
	m.violations++
	m.metrics.RecordViolation()
	m.logger.Warnw("Protocol violation", "error", err, "count", m.violations)
	m.Fail(err)
	return err
}

// Apply executes a local command. Invalid commands return
// ErrInvalidState or ErrInvalidArgument and change nothing.
func (m *Machine) Apply(cmd Command) error {
	if !cmd.Kind.Known() {
		return fmt.Errorf("%w: unknown command %q", ErrInvalidArgument, cmd.Kind)
	}
	if !cmd.Kind.ValidIn(m.state) {
		return fmt.Errorf("%w: %s while %s", ErrInvalidState, cmd.Kind, m.state)
	}

	switch cmd.Kind {
	case CmdPlay:
		switch m.state {
		case Disconnected:
			m.wantsConnect = true
		case Paused:
			m.sendControl(protocol.PlayerCommand{Command: protocol.CommandPlay})
			m.renderer.Pause(false)
			m.transition(Streaming, nil)
		}

	case CmdPause:
		if m.state == Streaming {
			m.sendControl(protocol.PlayerCommand{Command: protocol.CommandPause})
			m.renderer.Pause(true)
			m.transition(Paused, nil)
		}

	case CmdSeek:
		if cmd.Offset < 0 {
			return fmt.Errorf("%w: negative seek offset %v", ErrInvalidArgument, cmd.Offset)
		}
		m.sendControl(protocol.PlayerCommand{Command: protocol.CommandSeek, OffsetMS: cmd.Offset.Milliseconds()})
		m.renderer.Flush()

	case CmdStop:
		m.sendControl(protocol.PlayerCommand{Command: protocol.CommandStop})
		m.beginDrain(ReasonUserRequest)

	case CmdSetVolume:
		if cmd.Volume < 0 || cmd.Volume > 100 {
			return fmt.Errorf("%w: volume %d outside 0-100", ErrInvalidArgument, cmd.Volume)
		}
		m.applyVolume(cmd.Volume)

	case CmdChangeDevice:
		if err := m.changeDevice(cmd.DeviceID); err != nil {
			return err
		}
		// the mixer only reaches the default device
		m.routeVolume()
	}
	return nil
}

func (m *Machine) applyVolume(volume int) {
	m.volume = clampVolume(volume)
	m.routeVolume()
	m.publisher.Update(events.KindSnapshot, func(s *events.Snapshot) {
		s.Volume = m.volume
	})
	m.sendState()
}

func (m *Machine) changeDevice(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidArgument)
	}
	dev, err := m.devices.Lookup(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if _, err := m.devices.Select(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	if m.state == Disconnected {
		m.Advertise(dev)
		m.publishDevice()
		return nil
	}

	// mid-handshake the sent advertisement stands; Negotiate rechecks the device
	m.device = dev
	if m.session == nil {
		m.publishDevice()
		return nil
	}

	if !dev.Capability().Supports(m.session.Format) {
		// a new handshake renegotiates a format the device can play
		m.Advertise(dev)
		m.Fail(fmt.Errorf("%w: %s cannot play %s", ErrFormatMismatch, dev.Name, m.session.Format))
		m.publishDevice()
		return nil
	}

	m.session.Device = dev
	m.deviceMuted = false
	if err := m.renderer.SwitchDevice(dev); err != nil {
		m.logger.Warnw("Device switch failed", "device", dev.ID, "error", err)
	}
	m.publishDevice()
	return nil
}

func (m *Machine) publishDevice() {
	m.publisher.Update(events.KindSnapshot, func(s *events.Snapshot) {
		s.DeviceID = m.device.ID
		s.DeviceName = m.device.Name
		s.DeviceMuted = m.deviceMuted
	})
}

// ReportBuffered applies the flow-control watermarks and publishes the
// buffered duration and playback position
func (m *Machine) ReportBuffered(buffered, position time.Duration) {
	if m.state != Streaming && m.state != Paused {
		return
	}
	m.metrics.RecordBuffered(buffered)

	switch {
	case !m.flowPaused && buffered >= m.cfg.HighWatermark:
		m.flowPaused = true
		m.sendControl(protocol.PlayerCommand{Command: protocol.CommandFlowPause})
	case m.flowPaused && buffered <= m.cfg.LowWatermark:
		m.flowPaused = false
		m.sendControl(protocol.PlayerCommand{Command: protocol.CommandFlowResume})
	}

	m.publisher.Update(events.KindPosition, func(s *events.Snapshot) {
		s.Buffered = buffered
		s.Position = position
	})
}

// FlowPaused reports whether the server was asked to stop sending
func (m *Machine) FlowPaused() bool {
	return m.flowPaused
}

func (m *Machine) beginDrain(reason string) {
	m.drainReason = reason
	m.flowPaused = false
	m.transition(Draining, nil)
	m.renderer.Drain()
}

// DrainComplete ends a drained session cleanly
func (m *Machine) DrainComplete() {
	if m.state != Draining {
		return
	}
	m.renderer.Stop()
	if m.link != nil {
		if err := m.link.SendGoodbye(m.drainReason); err != nil {
			m.logger.Debugw("Goodbye not sent", "error", err)
		}
	}
	m.release()
	m.prev = nil
	m.transition(Disconnected, nil)
}

// Shutdown ends any live state for process exit: the output stops, the
// server gets a goodbye and no resume hint is kept
func (m *Machine) Shutdown() {
	if m.state == Disconnected {
		return
	}
	m.renderer.Stop()
	if m.link != nil {
		if err := m.link.SendGoodbye(ReasonShutdown); err != nil {
			m.logger.Debugw("Goodbye not sent", "error", err)
		}
	}
	m.release()
	m.prev = nil
	m.wantsConnect = false
	m.transition(Disconnected, nil)
}

// Fail moves any live state through Error to Disconnected, releasing
// the session, the output and the link. The session ID is kept as a
// resume hint for the next handshake.
func (m *Machine) Fail(err error) {
	if m.state == Disconnected || m.state == Error {
		return
	}
	m.lastErr = err
	if m.session != nil {
		prev := *m.session
		m.prev = &prev
	}
	m.transition(Error, err)
	m.renderer.Stop()
	m.release()
	m.transition(Disconnected, nil)
}

func (m *Machine) release() {
	if m.decoder != nil {
		m.decoder.Close()
		m.decoder = nil
	}
	if m.link != nil {
		m.link.Close()
		m.link = nil
	}
	m.session = nil
	m.flowPaused = false
	m.gapPending = false
	m.deviceMuted = false
	m.drainReason = ""
}

// DeviceError records that the output failed; the session keeps going muted
func (m *Machine) DeviceError(id string, err error) {
	m.deviceMuted = true
	m.metrics.RecordDeviceError()
	m.logger.Warnw("Output device failed, continuing muted", "device", id, "error", err)
	m.publisher.Apply(events.Event{Kind: events.KindDeviceError, Err: err, Detail: id}, func(s *events.Snapshot) {
		s.DeviceMuted = true
		if err != nil {
			s.LastError = err.Error()
		}
	})
	m.sendState()
}

// DeviceRemoved handles a hot-unplug reported by the registry
func (m *Machine) DeviceRemoved(id string) {
	if m.session == nil || id != m.device.ID {
		return
	}
	m.renderer.DeviceLost(id)
}

// DeviceAdded reopens output when the lost device returns
func (m *Machine) DeviceAdded(dev device.Device) {
	if m.session == nil || !m.deviceMuted || dev.ID != m.device.ID {
		return
	}
	if !dev.Capability().Supports(m.session.Format) {
		return
	}
	if err := m.renderer.SwitchDevice(dev); err != nil {
		m.logger.Warnw("Device still unavailable", "device", dev.ID, "error", err)
		return
	}
	m.device = dev
	m.session.Device = dev
	m.deviceMuted = false
	m.logger.Infow("Output device restored", "device", dev.Name)
	m.publishDevice()
	m.sendState()
}

// DeviceMuted reports whether the session is playing into the void
func (m *Machine) DeviceMuted() bool {
	return m.deviceMuted
}

// Underrun records a render block that ran dry
func (m *Machine) Underrun() {
	m.metrics.RecordUnderrun()
	m.publisher.Apply(events.Event{Kind: events.KindUnderrun}, func(s *events.Snapshot) {
		s.Underruns++
	})
}

func (m *Machine) sendControl(cmd protocol.PlayerCommand) {
	if m.link == nil {
		return
	}
	if err := m.link.SendControl(cmd); err != nil {
		// a dead link surfaces through the connection's Done channel
		m.logger.Debugw("Control not sent", "command", cmd.Command, "error", err)
	}
}

func (m *Machine) sendState() {
	if m.link == nil {
		return
	}
	state := protocol.PlayerState{State: "synchronized", Volume: m.volume}
	if m.deviceMuted {
		state.State = "error"
	}
	if err := m.link.SendState(state); err != nil {
		m.logger.Debugw("State not sent", "error", err)
	}
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
