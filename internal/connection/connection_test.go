// ABOUTME: Tests for the websocket transport
// ABOUTME: Uses an in-process server to test handshake, routing and keepalive
package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Sendspin/sendspin-native/pkg/protocol"
)

var testSession = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func newTestServer(t *testing.T, handler func(ws *websocket.Conn)) Endpoint {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(srv.Close)

	ep, err := ParseEndpoint(srv.Listener.Addr().String())
	require.NoError(t, err)
	return ep
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	_, data, err := ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}
	}
	env, err := protocol.Parse(data)
	if err != nil {
		return protocol.Envelope{}
	}
	return env
}

func acceptHello(ws *websocket.Conn, keepaliveMS int) bool {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return false
	}
	env, err := protocol.Parse(data)
	if err != nil || env.Type != protocol.TypeClientHello {
		return false
	}
	return ws.WriteJSON(protocol.Message{
		Type: protocol.TypeServerHello,
		Payload: protocol.ServerHello{
			ServerID:    "srv-1",
			Name:        "Test Server",
			SessionID:   testSession.String(),
			Format:      &protocol.AudioFormat{Codec: "pcm", SampleRate: 48000, BitDepth: 16, Channels: 2},
			KeepaliveMS: keepaliveMS,
		},
	}) == nil
}

// drain keeps reading so keepalives and close frames are consumed
func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func testHello() protocol.ClientHello {
	return protocol.ClientHello{
		ClientID:       "client-1",
		Name:           "Test Player",
		Version:        1,
		SupportedRoles: []string{protocol.RolePlayer},
	}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	m := NewManager(cfg, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { m.Close() })
	return m
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    Endpoint
		wantURL string
		wantErr bool
	}{
		{"192.168.1.10:8927", Endpoint{Host: "192.168.1.10", Port: 8927}, "ws://192.168.1.10:8927/sendspin", false},
		{"ws://music.local:9000/custom", Endpoint{Host: "music.local", Port: 9000, Path: "/custom"}, "ws://music.local:9000/custom", false},
		{"music.local", Endpoint{}, "", true},
		{"host:99999", Endpoint{}, "", true},
		{"", Endpoint{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEndpoint(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantURL, got.URL())
		})
	}
}

func TestHandshake(t *testing.T) {
	received := make(chan protocol.ClientHello, 1)
	ep := newTestServer(t, func(ws *websocket.Conn) {
		env := readEnvelope(t, ws)
		var hello protocol.ClientHello
		env.Decode(&hello)
		received <- hello
		ws.WriteJSON(protocol.Message{
			Type: protocol.TypeServerHello,
			Payload: protocol.ServerHello{
				Name:        "Test Server",
				SessionID:   testSession.String(),
				KeepaliveMS: 1000,
			},
		})
		drain(ws)
	})

	m := newTestManager(t, DefaultConfig())
	c, sh, err := m.Connect(context.Background(), ep, testHello())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, testSession.String(), sh.SessionID)
	assert.Equal(t, time.Second, c.KeepaliveInterval())

	hello := <-received
	assert.Equal(t, "client-1", hello.ClientID)
	assert.Equal(t, []string{protocol.RolePlayer}, hello.SupportedRoles)
}

func TestHandshakeWithAuth(t *testing.T) {
	authSeen := make(chan protocol.Auth, 1)
	ep := newTestServer(t, func(ws *websocket.Conn) {
		var auth protocol.Auth
		if err := ws.ReadJSON(&auth); err != nil {
			return
		}
		authSeen <- auth
		ws.WriteJSON(map[string]string{"type": "auth_ok"})
		if !acceptHello(ws, 0) {
			return
		}
		drain(ws)
	})

	cfg := DefaultConfig()
	cfg.AuthToken = "secret"
	cfg.ClientID = "client-1"
	m := newTestManager(t, cfg)

	_, _, err := m.Connect(context.Background(), ep, testHello())
	require.NoError(t, err)

	auth := <-authSeen
	assert.Equal(t, protocol.TypeAuth, auth.Type)
	assert.Equal(t, "secret", auth.Token)
	assert.Equal(t, "client-1", auth.ClientID)
}

func TestHandshakeTimeout(t *testing.T) {
	ep := newTestServer(t, func(ws *websocket.Conn) {
		drain(ws)
	})

	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	m := newTestManager(t, cfg)

	start := time.Now()
	_, _, err := m.Connect(context.Background(), ep, testHello())
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHandshakeCancelled(t *testing.T) {
	ep := newTestServer(t, func(ws *websocket.Conn) {
		drain(ws)
	})

	m := newTestManager(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, _, err := m.Connect(ctx, ep, testHello())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandshakeUnexpectedMessage(t *testing.T) {
	ep := newTestServer(t, func(ws *websocket.Conn) {
		readEnvelope(t, ws)
		ws.WriteJSON(protocol.Message{Type: protocol.TypeStreamEnd})
		drain(ws)
	})

	m := newTestManager(t, DefaultConfig())
	_, _, err := m.Connect(context.Background(), ep, testHello())
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestMessageRouting(t *testing.T) {
	ep := newTestServer(t, func(ws *websocket.Conn) {
		if !acceptHello(ws, 0) {
			return
		}
		frame := protocol.DataFrame{Seq: 7, PTS: 1000, SessionID: testSession, Payload: []byte{1, 2, 3, 4}}
		ws.WriteMessage(websocket.BinaryMessage, frame.Encode())

		vol := 40
		ws.WriteJSON(protocol.Message{
			Type:    protocol.TypeServerCommand,
			Payload: protocol.CommandMessage{Player: &protocol.PlayerCommand{Command: protocol.CommandSetVolume, Volume: &vol}},
		})
		ws.WriteJSON(protocol.Message{
			Type:    protocol.TypeServerTime,
			Payload: protocol.ServerTime{ClientTransmitted: 1, ServerReceived: 2, ServerTransmitted: 3},
		})
		title := "Song"
		ws.WriteJSON(protocol.Message{
			Type:    protocol.TypeServerState,
			Payload: protocol.ServerStateMessage{Metadata: &protocol.MetadataState{Title: &title}},
		})
		ws.WriteJSON(protocol.Message{Type: protocol.TypeStreamClear})
		ws.WriteJSON(protocol.Message{Type: protocol.TypeStreamEnd})
		drain(ws)
	})

	m := newTestManager(t, DefaultConfig())
	c, _, err := m.Connect(context.Background(), ep, testHello())
	require.NoError(t, err)
	c.Start()

	timeout := time.After(2 * time.Second)

	select {
	case f := <-c.Data:
		assert.Equal(t, uint64(7), f.Seq)
		assert.Equal(t, int64(1000), f.PTS)
		assert.Equal(t, testSession, f.SessionID)
		assert.Equal(t, []byte{1, 2, 3, 4}, f.Payload)
	case <-timeout:
		t.Fatal("no data frame")
	}

	select {
	case cmd := <-c.Controls:
		assert.Equal(t, protocol.CommandSetVolume, cmd.Command)
		require.NotNil(t, cmd.Volume)
		assert.Equal(t, 40, *cmd.Volume)
	case <-timeout:
		t.Fatal("no command")
	}

	select {
	case st := <-c.TimeSync:
		assert.Equal(t, int64(3), st.ServerTransmitted)
	case <-timeout:
		t.Fatal("no time sync")
	}

	select {
	case state := <-c.ServerState:
		require.NotNil(t, state.Metadata)
		assert.Equal(t, "Song", protocol.DerefString(state.Metadata.Title))
	case <-timeout:
		t.Fatal("no server state")
	}

	for _, want := range []string{protocol.TypeStreamClear, protocol.TypeStreamEnd} {
		select {
		case got := <-c.Streams:
			assert.Equal(t, want, got)
		case <-timeout:
			t.Fatalf("no %s", want)
		}
	}
}

func TestMalformedFrameReportsViolation(t *testing.T) {
	ep := newTestServer(t, func(ws *websocket.Conn) {
		if !acceptHello(ws, 0) {
			return
		}
		ws.WriteMessage(websocket.BinaryMessage, []byte{4, 0, 0})
		drain(ws)
	})

	m := newTestManager(t, DefaultConfig())
	c, _, err := m.Connect(context.Background(), ep, testHello())
	require.NoError(t, err)
	c.Start()

	select {
	case err := <-c.Violations:
		assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
	case <-time.After(2 * time.Second):
		t.Fatal("no violation reported")
	}
}

func TestKeepaliveSent(t *testing.T) {
	var keepalives atomic.Int32
	ep := newTestServer(t, func(ws *websocket.Conn) {
		if !acceptHello(ws, 30) {
			return
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.Parse(data); err == nil && env.Type == protocol.TypeKeepalive {
				keepalives.Add(1)
				ws.WriteJSON(protocol.Message{Type: protocol.TypeKeepalive})
			}
		}
	})

	m := newTestManager(t, DefaultConfig())
	c, _, err := m.Connect(context.Background(), ep, testHello())
	require.NoError(t, err)
	c.Start()

	time.Sleep(300 * time.Millisecond)
	assert.GreaterOrEqual(t, keepalives.Load(), int32(3))
	assert.NoError(t, c.Err(), "a responsive server must keep the connection alive")
}

func TestKeepaliveTimeout(t *testing.T) {
	ep := newTestServer(t, func(ws *websocket.Conn) {
		if !acceptHello(ws, 50) {
			return
		}
		// read but never answer
		drain(ws)
	})

	m := newTestManager(t, DefaultConfig())
	c, _, err := m.Connect(context.Background(), ep, testHello())
	require.NoError(t, err)
	c.Start()

	select {
	case <-c.Done():
		assert.ErrorIs(t, c.Err(), ErrKeepaliveTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("silent server was not detected")
	}
}

func TestSendControl(t *testing.T) {
	got := make(chan protocol.PlayerCommand, 1)
	ep := newTestServer(t, func(ws *websocket.Conn) {
		if !acceptHello(ws, 0) {
			return
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Parse(data)
			if err != nil || env.Type != protocol.TypeClientCommand {
				continue
			}
			var cmd protocol.CommandMessage
			if env.Decode(&cmd) == nil && cmd.Player != nil {
				got <- *cmd.Player
			}
		}
	})

	m := newTestManager(t, DefaultConfig())
	c, _, err := m.Connect(context.Background(), ep, testHello())
	require.NoError(t, err)
	c.Start()

	require.NoError(t, c.SendControl(protocol.PlayerCommand{Command: protocol.CommandSeek, OffsetMS: 1500}))

	select {
	case cmd := <-got:
		assert.Equal(t, protocol.CommandSeek, cmd.Command)
		assert.Equal(t, int64(1500), cmd.OffsetMS)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive command")
	}
}

func TestDialClosesPrevious(t *testing.T) {
	ep := newTestServer(t, func(ws *websocket.Conn) {
		drain(ws)
	})

	m := newTestManager(t, DefaultConfig())
	first, err := m.Dial(context.Background(), ep)
	require.NoError(t, err)

	second, err := m.Dial(context.Background(), ep)
	require.NoError(t, err)
	defer second.Close()

	select {
	case <-first.Done():
		assert.True(t, errors.Is(first.Err(), ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("previous connection left open")
	}
	assert.NoError(t, second.Err())
}

func TestSendAfterClose(t *testing.T) {
	ep := newTestServer(t, func(ws *websocket.Conn) {
		drain(ws)
	})

	m := newTestManager(t, DefaultConfig())
	c, err := m.Dial(context.Background(), ep)
	require.NoError(t, err)
	c.Close()

	assert.ErrorIs(t, c.SendState(protocol.PlayerState{State: "synchronized"}), ErrClosed)
}
