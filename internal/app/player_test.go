// ABOUTME: End-to-end tests for player orchestration
// ABOUTME: Drives the player against an in-process websocket server and null audio devices
package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Sendspin/sendspin-native/internal/config"
	"github.com/Sendspin/sendspin-native/internal/connection"
	"github.com/Sendspin/sendspin-native/internal/device"
	"github.com/Sendspin/sendspin-native/internal/events"
	"github.com/Sendspin/sendspin-native/internal/session"
	"github.com/Sendspin/sendspin-native/pkg/protocol"
)

const waitFor = 5 * time.Second

var pcm48 = protocol.AudioFormat{Codec: "pcm", SampleRate: 48000, BitDepth: 16, Channels: 2}

// testServer is a scripted Sendspin server. script runs once per
// connection after client/hello has been read.
type testServer struct {
	t        *testing.T
	endpoint connection.Endpoint
	script   func(s *testServer, ws *websocket.Conn, conn int)

	mu       sync.Mutex
	hellos   []protocol.ClientHello
	messages []protocol.Envelope
}

func newTestServer(t *testing.T, script func(s *testServer, ws *websocket.Conn, conn int)) *testServer {
	t.Helper()
	s := &testServer{t: t, script: script}
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Parse(data)
		if err != nil || env.Type != protocol.TypeClientHello {
			return
		}
		var hello protocol.ClientHello
		if err := env.Decode(&hello); err != nil {
			return
		}

		s.mu.Lock()
		s.hellos = append(s.hellos, hello)
		n := len(s.hellos)
		s.mu.Unlock()

		s.script(s, ws, n)
	}))
	t.Cleanup(srv.Close)

	ep, err := connection.ParseEndpoint(srv.Listener.Addr().String())
	require.NoError(t, err)
	s.endpoint = ep
	return s
}

// collect records inbound messages until the socket closes
func (s *testServer) collect(ws *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Parse(data)
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.messages = append(s.messages, env)
			s.mu.Unlock()
		}
	}()
	return done
}

func (s *testServer) send(ws *websocket.Conn, msgType string, payload interface{}) {
	if err := ws.WriteJSON(protocol.Message{Type: msgType, Payload: payload}); err != nil {
		s.t.Logf("server write: %v", err)
	}
}

func (s *testServer) accept(ws *websocket.Conn, id uuid.UUID, format protocol.AudioFormat) {
	f := format
	s.send(ws, protocol.TypeServerHello, protocol.ServerHello{ServerID: "srv", Name: "Test Server", Version: 1, SessionID: id.String(), Format: &f})
}

func (s *testServer) frames(ws *websocket.Conn, id uuid.UUID, from, count uint64) {
	base := time.Now().UnixMicro()
	for seq := from; seq < from+count; seq++ {
		f := protocol.DataFrame{
			Seq:       seq,
			PTS:       base + int64(seq-from)*10_000,
			SessionID: id,
			Payload:   make([]byte, 480*4),
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, f.Encode()); err != nil {
			return
		}
	}
}

func (s *testServer) helloCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hellos)
}

func (s *testServer) hello(i int) protocol.ClientHello {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hellos[i]
}

func (s *testServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, env := range s.messages {
		if env.Type != protocol.TypeClientCommand {
			continue
		}
		var msg protocol.CommandMessage
		if env.Decode(&msg) == nil && msg.Player != nil {
			out = append(out, msg.Player.Command)
		}
	}
	return out
}

func (s *testServer) goodbyes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, env := range s.messages {
		if env.Type != protocol.TypeClientGoodbye {
			continue
		}
		var msg protocol.ClientGoodbye
		if env.Decode(&msg) == nil {
			out = append(out, msg.Reason)
		}
	}
	return out
}

// streamForever accepts the session, sends a few frames and keeps reading
func streamForever(id uuid.UUID) func(s *testServer, ws *websocket.Conn, conn int) {
	return func(s *testServer, ws *websocket.Conn, conn int) {
		done := s.collect(ws)
		s.accept(ws, id, pcm48)
		s.frames(ws, id, 1, 30)
		<-done
	}
}

type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func record(ctx context.Context, p *Player) *eventLog {
	l := &eventLog{}
	sub := p.Subscribe(ctx)
	go func() {
		for ev := range sub.Events() {
			l.mu.Lock()
			l.evs = append(l.evs, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) count(kind events.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) transitions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.evs {
		if ev.Kind == events.KindState {
			out = append(out, ev.From+">"+ev.To)
		}
	}
	return out
}

func (l *eventLog) find(kind events.Kind) (events.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.evs {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return events.Event{}, false
}

type memorySettings struct {
	mu    sync.Mutex
	cur   config.Settings
	saves int
}

func (m *memorySettings) Load() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

func (m *memorySettings) Save(s config.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur = s
	m.saves++
	return nil
}

type staticResolver struct {
	ep connection.Endpoint
}

func (r staticResolver) Resolve(ctx context.Context) (connection.Endpoint, error) {
	return r.ep, nil
}

type harness struct {
	player  *Player
	backend *device.NullBackend
	cancel  context.CancelFunc
	done    chan error
}

func testConfig(server string) Config {
	cfg := Config{
		Name:             "test-player",
		Server:           server,
		AutoConnect:      true,
		Session:          session.DefaultConfig(),
		Connection:       connection.DefaultConfig(),
		BackoffInitial:   10 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
		ReportInterval:   20 * time.Millisecond,
		TimeSyncInterval: time.Second,
	}
	cfg.Engine.TargetLatency = 20 * time.Millisecond
	return cfg
}

func startPlayer(t *testing.T, cfg Config, resolver Resolver, settings SettingsStore) (*harness, *eventLog) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	backend := device.NewNullBackend(device.DefaultNullDevice())
	backend.Realtime = true
	registry := device.NewRegistry(backend, 20*time.Millisecond, logger)

	p := New(cfg, registry, resolver, settings, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	log := record(ctx, p)
	h := &harness{player: p, backend: backend, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- p.Run(ctx) }()

	t.Cleanup(func() { h.stop(t) })
	return h, log
}

func (h *harness) stop(t *testing.T) {
	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- nil
	case <-time.After(waitFor):
		t.Fatal("player did not stop")
	}
}

func (h *harness) waitState(t *testing.T, state session.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.player.Snapshot().State == state.String()
	}, waitFor, 10*time.Millisecond, "never reached %s (at %s)", state, h.player.Snapshot().State)
}

func TestPlayerStreamsAndPauses(t *testing.T) {
	id := uuid.New()
	srv := newTestServer(t, streamForever(id))
	h, _ := startPlayer(t, testConfig(srv.endpoint.Addr()), nil, nil)

	h.waitState(t, session.Streaming)

	hello := srv.hello(0)
	assert.Equal(t, "test-player", hello.Name)
	assert.Contains(t, hello.SupportedRoles, protocol.RolePlayer)
	require.NotNil(t, hello.PlayerSupport)
	assert.Contains(t, hello.PlayerSupport.SupportedFormats, pcm48)
	assert.Empty(t, hello.ResumeSessionID)

	snap := h.player.Snapshot()
	assert.Equal(t, id.String(), snap.SessionID)
	assert.Equal(t, "Test Server", snap.Server)

	ctx := context.Background()
	require.NoError(t, h.player.Submit(ctx, session.Command{Kind: session.CmdPause}))
	assert.Equal(t, session.Paused.String(), h.player.Snapshot().State)
	require.Eventually(t, func() bool {
		return len(srv.commands()) > 0 && srv.commands()[0] == protocol.CommandPause
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, h.player.Submit(ctx, session.Command{Kind: session.CmdPlay}))
	assert.Equal(t, session.Streaming.String(), h.player.Snapshot().State)

	h.stop(t)
	require.Eventually(t, func() bool {
		g := srv.goodbyes()
		return len(g) == 1 && g[0] == session.ReasonShutdown
	}, waitFor, 10*time.Millisecond)
}

func TestPlayerReconnectsWithResumeHint(t *testing.T) {
	id := uuid.New()
	srv := newTestServer(t, func(s *testServer, ws *websocket.Conn, conn int) {
		done := s.collect(ws)
		s.accept(ws, id, pcm48)
		if conn == 1 {
			s.frames(ws, id, 1, 5)
			time.Sleep(100 * time.Millisecond)
			return // drop the connection
		}
		s.frames(ws, id, 6, 5)
		<-done
	})
	h, log := startPlayer(t, testConfig(srv.endpoint.Addr()), nil, nil)

	require.Eventually(t, func() bool { return srv.helloCount() == 2 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, id.String(), srv.hello(1).ResumeSessionID)

	h.waitState(t, session.Streaming)
	assert.GreaterOrEqual(t, log.count(events.KindReconnecting), 1)
	assert.False(t, h.player.Snapshot().Reconnecting)
}

func TestPlayerReconnectsAfterMissedKeepalives(t *testing.T) {
	id := uuid.New()
	srv := newTestServer(t, func(s *testServer, ws *websocket.Conn, conn int) {
		done := s.collect(ws)
		if conn == 1 {
			f := pcm48
			s.send(ws, protocol.TypeServerHello, protocol.ServerHello{ServerID: "srv", Name: "Test Server", Version: 1, SessionID: id.String(), Format: &f, KeepaliveMS: 50})
			s.frames(ws, id, 1, 5)
			// keep reading but never answer again
			<-done
			return
		}
		s.accept(ws, id, pcm48)
		<-done
	})

	cfg := testConfig(srv.endpoint.Addr())
	cfg.BackoffInitial = time.Second
	cfg.BackoffMax = 5 * time.Second
	h, log := startPlayer(t, cfg, nil, nil)

	h.waitState(t, session.Streaming)
	require.Eventually(t, func() bool { return srv.helloCount() == 2 }, waitFor, 10*time.Millisecond)

	var after []string
	for i, tr := range log.transitions() {
		if tr == "streaming>error" {
			after = log.transitions()[i:]
			break
		}
	}
	require.GreaterOrEqual(t, len(after), 3, "transitions: %v", log.transitions())
	assert.Equal(t, []string{"streaming>error", "error>disconnected", "disconnected>handshaking"}, after[:3])

	ev, ok := log.find(events.KindReconnecting)
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, connection.ErrKeepaliveTimeout)
	delay, err := time.ParseDuration(ev.Detail)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, delay, 800*time.Millisecond)
	assert.LessOrEqual(t, delay, 1200*time.Millisecond)

	assert.Equal(t, id.String(), srv.hello(1).ResumeSessionID)
}

func TestPlayerGivesUpAfterViolationBudget(t *testing.T) {
	srv := newTestServer(t, func(s *testServer, ws *websocket.Conn, conn int) {
		done := s.collect(ws)
		// never advertised by the client
		s.accept(ws, uuid.New(), protocol.AudioFormat{Codec: "pcm", SampleRate: 8000, BitDepth: 8, Channels: 1})
		<-done
	})
	cfg := testConfig(srv.endpoint.Addr())
	cfg.Session.ViolationBudget = 1
	h, log := startPlayer(t, cfg, nil, nil)

	require.Eventually(t, func() bool { return log.count(events.KindError) == 1 }, waitFor, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, srv.helloCount())
	assert.Equal(t, session.Disconnected.String(), h.player.Snapshot().State)
	assert.NotEmpty(t, h.player.Snapshot().LastError)

	// an explicit play clears the budget and tries again
	require.NoError(t, h.player.Submit(context.Background(), session.Command{Kind: session.CmdPlay}))
	require.Eventually(t, func() bool { return srv.helloCount() == 3 }, waitFor, 10*time.Millisecond)
}

func TestPlayerStopDrainsWithoutReconnecting(t *testing.T) {
	id := uuid.New()
	srv := newTestServer(t, streamForever(id))
	h, _ := startPlayer(t, testConfig(srv.endpoint.Addr()), nil, nil)
	h.waitState(t, session.Streaming)

	require.NoError(t, h.player.Submit(context.Background(), session.Command{Kind: session.CmdStop}))
	h.waitState(t, session.Disconnected)

	require.Eventually(t, func() bool {
		g := srv.goodbyes()
		return len(g) == 1 && g[0] == session.ReasonUserRequest
	}, waitFor, 10*time.Millisecond)
	assert.Contains(t, srv.commands(), protocol.CommandStop)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.helloCount())

	// play reconnects with a fresh session
	require.NoError(t, h.player.Submit(context.Background(), session.Command{Kind: session.CmdPlay}))
	require.Eventually(t, func() bool { return srv.helloCount() == 2 }, waitFor, 10*time.Millisecond)
	assert.Empty(t, srv.hello(1).ResumeSessionID)
}

func TestPlayerRejectsInvalidCommands(t *testing.T) {
	cfg := testConfig("")
	cfg.AutoConnect = false
	h, _ := startPlayer(t, cfg, nil, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.player.Submit(ctx, session.Command{Kind: session.CmdSeek, Offset: time.Second}), session.ErrInvalidState)
	assert.ErrorIs(t, h.player.Submit(ctx, session.Command{Kind: session.CmdPause}), session.ErrInvalidState)
	assert.ErrorIs(t, h.player.Submit(ctx, session.Command{Kind: session.CmdSetVolume, Volume: 150}), session.ErrInvalidArgument)
	assert.ErrorIs(t, h.player.Submit(ctx, session.Command{Kind: session.CmdChangeDevice, DeviceID: "nope"}), session.ErrInvalidArgument)
	assert.Equal(t, session.Disconnected.String(), h.player.Snapshot().State)

	require.NoError(t, h.player.Submit(ctx, session.Command{Kind: session.CmdSetVolume, Volume: 30}))
	assert.Equal(t, 30, h.player.Snapshot().Volume)
}

func TestPlayerDiscoversServerAndPersistsSettings(t *testing.T) {
	id := uuid.New()
	srv := newTestServer(t, streamForever(id))
	store := &memorySettings{cur: config.Settings{Volume: 80, ClientID: "client-1"}}

	cfg := testConfig("")
	h, _ := startPlayer(t, cfg, staticResolver{ep: srv.endpoint}, store)
	h.waitState(t, session.Streaming)

	assert.Equal(t, "client-1", srv.hello(0).ClientID)
	assert.Equal(t, 80, h.player.Snapshot().Volume)

	require.Eventually(t, func() bool {
		return store.Load().Server == srv.endpoint.Addr()
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "null", store.Load().DeviceID)

	require.NoError(t, h.player.Submit(context.Background(), session.Command{Kind: session.CmdSetVolume, Volume: 40}))
	require.Eventually(t, func() bool { return store.Load().Volume == 40 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "client-1", store.Load().ClientID)
}

func TestPlayerSurvivesDeviceRemoval(t *testing.T) {
	id := uuid.New()
	srv := newTestServer(t, streamForever(id))
	h, log := startPlayer(t, testConfig(srv.endpoint.Addr()), nil, nil)
	h.waitState(t, session.Streaming)

	h.backend.Remove("null")

	require.Eventually(t, func() bool { return log.count(events.KindDeviceError) == 1 }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return log.count(events.KindDevices) >= 1 }, waitFor, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, log.count(events.KindDeviceError))
	snap := h.player.Snapshot()
	assert.True(t, snap.DeviceMuted)
	assert.Equal(t, id.String(), snap.SessionID)
	assert.NotEqual(t, session.Disconnected.String(), snap.State)
}

func TestSubmitAfterStop(t *testing.T) {
	cfg := testConfig("")
	cfg.AutoConnect = false
	h, _ := startPlayer(t, cfg, nil, nil)
	h.stop(t)

	err := h.player.Submit(context.Background(), session.Command{Kind: session.CmdPlay})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRunTwice(t *testing.T) {
	cfg := testConfig("")
	cfg.AutoConnect = false
	h, _ := startPlayer(t, cfg, nil, nil)

	require.Eventually(t, func() bool { return h.player.running.Load() }, waitFor, time.Millisecond)
	assert.ErrorIs(t, h.player.Run(context.Background()), ErrAlreadyRunning)
}

func TestConfigFrom(t *testing.T) {
	c := config.Default()
	c.Server = "10.0.0.1:8927"
	c.Device = "dac"

	cfg := ConfigFrom(c)
	assert.Equal(t, "10.0.0.1:8927", cfg.Server)
	assert.Equal(t, "dac", cfg.DeviceID)
	assert.True(t, cfg.AutoConnect)
	assert.Equal(t, c.Session.HighWatermark, cfg.Session.HighWatermark)
	assert.Equal(t, c.Connection.KeepaliveMisses, cfg.Connection.KeepaliveMisses)
	assert.Equal(t, c.Playback.Overflow, string(cfg.Engine.Overflow))
}

func TestPlayerDeviceQueries(t *testing.T) {
	cfg := testConfig("")
	cfg.AutoConnect = false
	cfg.DeviceID = "usb"
	h, log := startPlayer(t, cfg, nil, nil)

	devs, err := h.player.Devices()
	require.NoError(t, err)
	require.Len(t, devs, 1)

	// an unknown configured device falls back to the default
	sel, err := h.player.SelectedDevice()
	require.NoError(t, err)
	assert.Equal(t, "null", sel.ID)
	assert.Equal(t, "null", h.player.Snapshot().DeviceID)

	h.backend.Add(device.Device{ID: "usb", Name: "USB DAC", SampleRates: []int{48000}, BitDepths: []int{24}, Channels: []int{2}, Available: true})
	require.Eventually(t, func() bool { return log.count(events.KindDevices) >= 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, h.player.Submit(context.Background(), session.Command{Kind: session.CmdChangeDevice, DeviceID: "usb"}))
	sel, err = h.player.SelectedDevice()
	require.NoError(t, err)
	assert.Equal(t, "usb", sel.ID)
	assert.Equal(t, "USB DAC", h.player.Snapshot().DeviceName)

	devs, err = h.player.Devices()
	require.NoError(t, err)
	assert.Len(t, devs, 2)
}
