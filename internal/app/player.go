// ABOUTME: Player orchestration: the single control goroutine of the client
// ABOUTME: Serializes commands, connection events, engine events and hot-plug into the state machine
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Sendspin/sendspin-native/internal/config"
	"github.com/Sendspin/sendspin-native/internal/connection"
	"github.com/Sendspin/sendspin-native/internal/device"
	"github.com/Sendspin/sendspin-native/internal/engine"
	"github.com/Sendspin/sendspin-native/internal/events"
	"github.com/Sendspin/sendspin-native/internal/metrics"
	"github.com/Sendspin/sendspin-native/internal/session"
	"github.com/Sendspin/sendspin-native/internal/sync"
	"github.com/Sendspin/sendspin-native/internal/version"
	"github.com/Sendspin/sendspin-native/pkg/protocol"
)

var (
	ErrNotRunning     = errors.New("player not running")
	ErrAlreadyRunning = errors.New("player already running")
	ErrNoServer       = errors.New("no server address configured or discovered")
)

const drainGrace = time.Second

// Resolver finds a server to connect to
type Resolver interface {
	Resolve(ctx context.Context) (connection.Endpoint, error)
}

// SettingsStore persists user choices across restarts
type SettingsStore interface {
	Load() config.Settings
	Save(config.Settings) error
}

// settingsWatcher is implemented by stores that notice external edits
type settingsWatcher interface {
	Watch(ctx context.Context) (<-chan config.Settings, error)
}

// Config holds player configuration
type Config struct {
	Name      string
	Server    string // explicit endpoint; empty uses the last server, then discovery
	DeviceID  string
	AuthToken string

	// AutoConnect connects as soon as Run starts
	AutoConnect bool

	Engine     engine.Config
	Session    session.Config
	Connection connection.Config

	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	StabilityWindow  time.Duration
	TimeSyncInterval time.Duration
	ReportInterval   time.Duration
	EventRate        int
}

// ConfigFrom maps loaded tunables onto a player configuration
func ConfigFrom(c config.Config) Config {
	return Config{
		Name:        c.Name,
		Server:      c.Server,
		DeviceID:    c.Device,
		AuthToken:   c.AuthToken,
		AutoConnect: true,
		Engine: engine.Config{
			QueueCapacity:  c.Playback.QueueCapacity,
			TargetLatency:  c.Playback.TargetLatency,
			DriftTolerance: c.Playback.DriftTolerance,
			ResyncLimit:    c.Playback.ResyncLimit,
			Overflow:       engine.OverflowPolicy(c.Playback.Overflow),
			BlockTimeout:   c.Playback.BlockTimeout,
			GainRamp:       c.Playback.GainRamp,
		},
		Session: session.Config{
			HighWatermark:   c.Session.HighWatermark,
			LowWatermark:    c.Session.LowWatermark,
			ViolationBudget: c.Session.ViolationBudget,
		},
		Connection: connection.Config{
			HandshakeTimeout:  c.Connection.HandshakeTimeout,
			KeepaliveInterval: c.Connection.KeepaliveInterval,
			KeepaliveMisses:   c.Connection.KeepaliveMisses,
		},
		BackoffInitial:   c.Connection.BackoffInitial,
		BackoffMax:       c.Connection.BackoffMax,
		StabilityWindow:  c.Connection.StabilityWindow,
		TimeSyncInterval: c.Connection.TimeSyncInterval,
		EventRate:        c.EventRate,
	}
}

type commandRequest struct {
	cmd   session.Command
	reply chan error
}

type dialResult struct {
	attempt  uint64
	endpoint connection.Endpoint
	conn     *connection.Connection
	hello    protocol.ServerHello
	err      error
}

// Player owns every component and drives the state machine from one
// goroutine. Only Run touches the machine.
type Player struct {
	cfg       Config
	logger    *zap.SugaredLogger
	registry  *device.Registry
	engine    *engine.Engine
	publisher *events.Publisher
	machine   *session.Machine
	manager   *connection.Manager
	clock     *sync.ClockSync
	metrics   *metrics.Metrics
	resolver  Resolver
	settings  SettingsStore
	clientID  string

	commands chan commandRequest
	dials    chan dialResult
	running  atomic.Bool
	done     chan struct{}

	// control goroutine only
	conn          *connection.Connection
	endpoint      connection.Endpoint
	dialAttempt   uint64
	dialing       bool
	dialCancel    context.CancelFunc
	backoff       *connection.Backoff
	retry         *time.Timer
	retryC        <-chan time.Time
	userStopped   bool
	streamingFrom time.Time
	stable        bool
	drainDeadline time.Time
	saved         config.Settings
}

// New creates a player over registry. resolver and settings may be nil.
func New(cfg Config, registry *device.Registry, resolver Resolver, settings SettingsStore, m *metrics.Metrics, logger *zap.SugaredLogger) *Player {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Name == "" {
		cfg.Name = version.Product
	}
	if cfg.TimeSyncInterval <= 0 {
		cfg.TimeSyncInterval = 5 * time.Second
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 250 * time.Millisecond
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = 30 * time.Second
	}
	if cfg.EventRate <= 0 {
		cfg.EventRate = events.DefaultRate
	}

	publisher := events.NewPublisher(cfg.EventRate, logger.Named("events"))
	eng := engine.New(cfg.Engine, registry, logger)

	backoff := connection.NewBackoff()
	if cfg.BackoffInitial > 0 {
		backoff.Initial = cfg.BackoffInitial
	}
	if cfg.BackoffMax > 0 {
		backoff.Max = cfg.BackoffMax
	}

	p := &Player{
		cfg:       cfg,
		logger:    logger.Named("player"),
		registry:  registry,
		engine:    eng,
		publisher: publisher,
		machine:   session.NewMachine(cfg.Session, eng, registry, publisher, m, logger.Named("session")),
		clock:     sync.NewClockSync(logger),
		metrics:   m,
		resolver:  resolver,
		settings:  settings,
		commands:  make(chan commandRequest),
		dials:     make(chan dialResult, 1),
		done:      make(chan struct{}),
		backoff:   backoff,
	}

	if settings != nil {
		p.saved = settings.Load()
		p.clientID = p.saved.ClientID
		if p.cfg.Server == "" {
			p.cfg.Server = p.saved.Server
		}
		if p.cfg.DeviceID == "" {
			p.cfg.DeviceID = p.saved.DeviceID
		}
		p.machine.SetVolume(p.saved.Volume)
	}
	if p.clientID == "" {
		p.clientID = uuid.NewString()
	}

	p.cfg.Connection.AuthToken = cfg.AuthToken
	p.cfg.Connection.ClientID = p.clientID
	p.manager = connection.NewManager(p.cfg.Connection, logger.Named("connection"))

	if p.cfg.DeviceID != "" {
		if _, err := registry.Select(p.cfg.DeviceID); err != nil {
			p.logger.Warnw("Configured device unavailable, using default", "device", p.cfg.DeviceID, "error", err)
		}
	}
	if dev, err := registry.Selected(); err == nil {
		p.machine.Advertise(dev)
		p.publisher.Update(events.KindSnapshot, func(s *events.Snapshot) {
			s.DeviceID = dev.ID
			s.DeviceName = dev.Name
		})
	} else {
		p.logger.Warnw("No output device", "error", err)
	}

	return p
}

// UseMixer routes volume to a hardware mixer while the default device
// plays. Call before Run.
func (p *Player) UseMixer(mx session.Mixer) {
	p.machine.SetMixer(mx)
}

// Subscribe returns an ordered event stream starting after the current snapshot
func (p *Player) Subscribe(ctx context.Context) *events.Subscription {
	return p.publisher.Subscribe(ctx)
}

// Snapshot returns the latest now-playing state
func (p *Player) Snapshot() events.Snapshot {
	return p.publisher.Snapshot()
}

// Devices lists the output devices currently present
func (p *Player) Devices() ([]device.Device, error) {
	return p.registry.ListDevices()
}

// SelectedDevice returns the output the player uses
func (p *Player) SelectedDevice() (device.Device, error) {
	return p.registry.Selected()
}

// Submit hands cmd to the control goroutine and waits for the result
func (p *Player) Submit(ctx context.Context, cmd session.Command) error {
	req := commandRequest{cmd: cmd, reply: make(chan error, 1)}
	select {
	case p.commands <- req:
	case <-p.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-p.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the control context. It returns when ctx ends, after saying
// goodbye to the server and closing the output.
func (p *Player) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(p.done)

	p.registry.Watch(ctx)

	var settingsChanges <-chan config.Settings
	if w, ok := p.settings.(settingsWatcher); ok {
		ch, err := w.Watch(ctx)
		if err != nil {
			p.logger.Warnw("Settings watch unavailable", "error", err)
		} else {
			settingsChanges = ch
		}
	}

	report := time.NewTicker(p.cfg.ReportInterval)
	defer report.Stop()
	timeSync := time.NewTicker(p.cfg.TimeSyncInterval)
	defer timeSync.Stop()

	if p.cfg.AutoConnect {
		p.connect(ctx)
	}

	for {
		var (
			data        <-chan protocol.DataFrame
			controls    <-chan protocol.PlayerCommand
			streams     <-chan string
			serverState <-chan protocol.ServerStateMessage
			timeResp    <-chan protocol.ServerTime
			violations  <-chan error
			connDone    <-chan struct{}
		)
		if c := p.conn; c != nil {
			data, controls, streams = c.Data, c.Controls, c.Streams
			serverState, timeResp, violations = c.ServerState, c.TimeSync, c.Violations
			connDone = c.Done()
		}

		select {
		case <-ctx.Done():
			p.shutdown()
			return nil

		case req := <-p.commands:
			req.reply <- p.apply(ctx, req.cmd)

		case res := <-p.dials:
			p.handleDial(ctx, res)

		case <-p.retryC:
			p.retryC = nil
			p.connect(ctx)

		case f := <-data:
			if err := p.machine.HandleData(f); err != nil {
				p.logger.Debugw("Frame rejected", "seq", f.Seq, "error", err)
			}

		case cmd := <-controls:
			if err := p.machine.HandleControl(cmd); err != nil {
				p.logger.Debugw("Server command rejected", "command", cmd.Command, "error", err)
			}

		case msgType := <-streams:
			p.machine.HandleStream(msgType)

		case st := <-serverState:
			p.machine.HandleServerState(st)

		case resp := <-timeResp:
			p.handleTimeSync(resp)

		case err := <-violations:
			p.machine.Violation(err)

		case <-connDone:
			err := p.conn.Err()
			p.logger.Infow("Connection ended", "error", err)
			p.machine.Fail(err)

		case ev := <-p.engine.Events():
			p.handleEngineEvent(ev)

		case hp := <-p.registry.Events():
			p.handleHotplug(hp)

		case s, ok := <-settingsChanges:
			if !ok {
				settingsChanges = nil
				continue
			}
			p.handleSettings(ctx, s)

		case <-report.C:
			p.report()

		case <-timeSync.C:
			p.sendTimeSync()
		}

		p.reconcile()
	}
}

// apply executes a collaborator command on the control goroutine
func (p *Player) apply(ctx context.Context, cmd session.Command) error {
	state := p.machine.State()

	// stop while waiting to reconnect cancels the retry
	if cmd.Kind == session.CmdStop && state == session.Disconnected && p.retryC != nil {
		p.cancelRetry()
		p.userStopped = true
		p.publisher.Update(events.KindSnapshot, func(s *events.Snapshot) {
			s.Reconnecting = false
			s.Attempt = 0
		})
		return nil
	}

	if err := p.machine.Apply(cmd); err != nil {
		return err
	}

	switch cmd.Kind {
	case session.CmdStop:
		p.userStopped = true
	case session.CmdPlay:
		if p.machine.TakeConnectRequest() {
			p.userStopped = false
			p.machine.ResetViolations()
			p.backoff.Reset()
			p.cancelRetry()
			p.connect(ctx)
		}
	}
	return nil
}

func (p *Player) hello() protocol.ClientHello {
	return p.machine.Hello(protocol.ClientHello{
		ClientID:       p.clientID,
		Name:           p.cfg.Name,
		Version:        version.ProtocolVersion,
		SupportedRoles: []string{protocol.RolePlayer, protocol.RoleMetadata},
		DeviceInfo: &protocol.DeviceInfo{
			ProductName:     version.Product,
			Manufacturer:    version.Manufacturer,
			SoftwareVersion: version.Version,
		},
	})
}

// connect starts a dial worker unless one is running or a session exists
func (p *Player) connect(ctx context.Context) {
	if p.dialing || p.conn != nil || p.machine.State() != session.Disconnected {
		return
	}

	dev, err := p.registry.Selected()
	if err != nil {
		p.logger.Warnw("Cannot connect without an output device", "error", err)
		p.scheduleReconnect(err)
		return
	}
	p.machine.Advertise(dev)
	if err := p.machine.BeginConnect(); err != nil {
		p.scheduleReconnect(err)
		return
	}

	hello := p.hello()
	p.dialAttempt++
	attempt := p.dialAttempt
	p.dialing = true

	dctx, cancel := context.WithCancel(ctx)
	p.dialCancel = cancel

	go func() {
		res := dialResult{attempt: attempt}
		started := time.Now()

		res.endpoint, res.err = p.resolve(dctx)
		if res.err == nil {
			res.conn, res.hello, res.err = p.manager.Connect(dctx, res.endpoint, hello)
		}
		if res.err == nil {
			p.metrics.RecordHandshake(time.Since(started))
			if dctx.Err() != nil {
				res.conn.Close()
				res.conn, res.err = nil, dctx.Err()
			}
		}
		p.dials <- res
	}()
}

func (p *Player) resolve(ctx context.Context) (connection.Endpoint, error) {
	if p.cfg.Server != "" {
		return connection.ParseEndpoint(p.cfg.Server)
	}
	if p.resolver == nil {
		return connection.Endpoint{}, ErrNoServer
	}
	ep, err := p.resolver.Resolve(ctx)
	if err != nil {
		return connection.Endpoint{}, fmt.Errorf("discover server: %w", err)
	}
	return ep, nil
}

func (p *Player) handleDial(ctx context.Context, res dialResult) {
	if res.attempt != p.dialAttempt {
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	p.dialing = false
	if p.dialCancel != nil {
		p.dialCancel()
		p.dialCancel = nil
	}

	if res.err != nil {
		p.logger.Warnw("Connect failed", "error", res.err)
		p.machine.Fail(res.err)
		p.scheduleReconnect(res.err)
		return
	}

	if err := p.machine.TransportUp(res.conn); err != nil {
		res.conn.Close()
		return
	}
	p.conn = res.conn
	p.endpoint = res.endpoint

	if err := p.machine.Negotiate(res.hello); err != nil {
		// the machine already failed and closed the link
		p.logger.Warnw("Negotiation failed", "error", err)
		return
	}

	p.conn.Start()
	p.clock.Reset()
	p.engine.ClearClock()
	p.stable = false
	p.streamingFrom = time.Time{}
	p.publisher.Update(events.KindSnapshot, func(s *events.Snapshot) {
		s.Reconnecting = false
		s.Attempt = 0
	})
	p.sendTimeSync()
}

func (p *Player) scheduleReconnect(cause error) {
	if p.userStopped || p.retryC != nil {
		return
	}
	if !p.machine.Retryable() {
		p.logger.Errorw("Giving up after repeated protocol violations", "violations", p.machine.Violations(), "error", cause)
		p.publisher.Apply(events.Event{Kind: events.KindError, Err: cause, Detail: "persistent"}, func(s *events.Snapshot) {
			s.Reconnecting = false
			if cause != nil {
				s.LastError = cause.Error()
			}
		})
		return
	}

	delay := p.backoff.Next()
	attempt := p.backoff.Attempt()
	p.metrics.RecordReconnect()
	p.logger.Infow("Reconnecting", "in", delay, "attempt", attempt, "cause", cause)
	p.publisher.Apply(events.Event{Kind: events.KindReconnecting, Err: cause, Detail: delay.String()}, func(s *events.Snapshot) {
		s.Reconnecting = true
		s.Attempt = attempt
	})

	p.retry = time.NewTimer(delay)
	p.retryC = p.retry.C
}

func (p *Player) cancelRetry() {
	if p.retry != nil {
		p.retry.Stop()
	}
	p.retry = nil
	p.retryC = nil
}

// reconcile runs after every event and follows up on state the machine
// changed: released links, drain deadlines, stability and settings
func (p *Player) reconcile() {
	state := p.machine.State()

	if p.conn != nil && state == session.Disconnected {
		// the machine failed the session and closed the link
		p.conn = nil
		p.drainDeadline = time.Time{}
		p.scheduleReconnect(p.machine.LastError())
	}

	switch state {
	case session.Draining:
		if p.drainDeadline.IsZero() {
			p.drainDeadline = time.Now().Add(p.engine.Buffered() + drainGrace)
		}
	case session.Streaming:
		if p.streamingFrom.IsZero() {
			p.streamingFrom = time.Now()
		}
	}
	if state != session.Draining {
		p.drainDeadline = time.Time{}
	}

	p.persist()
}

func (p *Player) finishDrain() {
	if p.machine.State() != session.Draining {
		return
	}
	p.machine.DrainComplete()
	p.conn = nil
	p.drainDeadline = time.Time{}
	if !p.userStopped {
		// the server ended the stream; stay available for the next one
		p.backoff.Reset()
		p.scheduleReconnect(nil)
	}
}

func (p *Player) handleEngineEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventUnderrun:
		if p.machine.State() == session.Streaming {
			p.machine.Underrun()
		}
	case engine.EventDeviceError:
		p.machine.DeviceError(ev.DeviceID, ev.Err)
	case engine.EventDrained:
		p.finishDrain()
	case engine.EventResync:
		p.logger.Debugw("Playback clock re-anchored")
	}
}

func (p *Player) handleHotplug(hp device.Hotplug) {
	p.logger.Infow("Device topology changed", "kind", hp.Kind, "device", hp.Device.ID)
	p.publisher.Publish(events.Event{Kind: events.KindDevices, Detail: hp.Kind.String() + " " + hp.Device.ID})

	switch hp.Kind {
	case device.Removed:
		p.machine.DeviceRemoved(hp.Device.ID)
	case device.Added:
		p.machine.DeviceAdded(hp.Device)
	}
}

func (p *Player) handleSettings(ctx context.Context, s config.Settings) {
	p.saved = s
	if s.Volume != p.machine.Volume() {
		if err := p.apply(ctx, session.Command{Kind: session.CmdSetVolume, Volume: s.Volume}); err != nil {
			p.logger.Warnw("Ignoring edited volume", "volume", s.Volume, "error", err)
		}
	}
	if s.DeviceID != "" && s.DeviceID != p.machine.Device().ID {
		if err := p.apply(ctx, session.Command{Kind: session.CmdChangeDevice, DeviceID: s.DeviceID}); err != nil {
			p.logger.Warnw("Ignoring edited device", "device", s.DeviceID, "error", err)
		}
	}
}

func (p *Player) report() {
	state := p.machine.State()
	p.machine.ReportBuffered(p.engine.Buffered(), p.engine.Position())

	if state == session.Draining && !p.drainDeadline.IsZero() && time.Now().After(p.drainDeadline) {
		p.logger.Warnw("Drain timed out")
		p.finishDrain()
		return
	}

	if !p.stable && !p.streamingFrom.IsZero() && state.Active() && time.Since(p.streamingFrom) >= p.cfg.StabilityWindow {
		p.stable = true
		p.backoff.Reset()
		p.machine.ResetViolations()
		p.logger.Debugw("Session stable, backoff reset")
	}
}

func (p *Player) sendTimeSync() {
	if p.conn == nil {
		return
	}
	if err := p.conn.SendTimeSync(p.clock.ClientMicros()); err != nil {
		p.logger.Debugw("Time sync not sent", "error", err)
	}
}

func (p *Player) handleTimeSync(resp protocol.ServerTime) {
	t4 := p.clock.ClientMicros()
	p.clock.ProcessSyncResponse(resp.ClientTransmitted, resp.ServerReceived, resp.ServerTransmitted, t4)
	if !p.clock.Synced() {
		return
	}
	p.engine.SyncClock(p.clock, p.clock.ServerMicros())

	offset, rtt, _ := p.clock.Stats()
	quality := p.clock.CheckQuality()
	p.metrics.RecordClock(offset, rtt)
	p.publisher.Update(events.KindPosition, func(s *events.Snapshot) {
		s.ClockOffset = time.Duration(offset) * time.Microsecond
		s.ClockRTT = time.Duration(rtt) * time.Microsecond
		s.ClockQuality = quality.String()
	})
}

// persist writes user-visible choices back to the settings store
func (p *Player) persist() {
	if p.settings == nil {
		return
	}
	next := p.saved
	next.Volume = p.machine.Volume()
	if id := p.machine.Device().ID; id != "" {
		next.DeviceID = id
	}
	if p.endpoint.Host != "" {
		next.Server = p.endpoint.Addr()
	}
	if next == p.saved {
		return
	}
	if err := p.settings.Save(next); err != nil {
		p.logger.Warnw("Settings not saved", "error", err)
		return
	}
	p.saved = next
}

func (p *Player) shutdown() {
	p.logger.Infow("Shutting down")
	p.cancelRetry()
	if p.dialCancel != nil {
		p.dialCancel()
	}
	p.machine.Shutdown()
	p.conn = nil
	p.engine.Stop()
	p.manager.Close()
	p.persist()
	p.publisher.Close()
}
