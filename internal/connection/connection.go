// ABOUTME: WebSocket transport for the Sendspin protocol
// ABOUTME: Dials, performs the hello handshake, routes inbound messages and runs keepalive
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Sendspin/sendspin-native/pkg/protocol"
)

var (
	ErrHandshakeTimeout  = errors.New("handshake timed out")
	ErrKeepaliveTimeout  = errors.New("keepalive timed out")
	ErrClosed            = errors.New("connection closed")
	ErrUnexpectedMessage = errors.New("unexpected message")
)

const (
	// DefaultPath is the websocket path servers listen on
	DefaultPath = "/sendspin"

	writeTimeout = 5 * time.Second
)

// Endpoint is a server address
type Endpoint struct {
	Host string
	Port int
	Path string
}

// ParseEndpoint accepts "host:port" or a ws:// URL
func ParseEndpoint(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty server address")
	}
	if !strings.Contains(s, "://") {
		s = "ws://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid server address: %w", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid server address %q: %w", u.Host, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port %q", portStr)
	}
	return Endpoint{Host: host, Port: port, Path: u.Path}, nil
}

// Addr returns host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the websocket URL
func (e Endpoint) URL() string {
	path := e.Path
	if path == "" {
		path = DefaultPath
	}
	u := url.URL{Scheme: "ws", Host: e.Addr(), Path: path}
	return u.String()
}

func (e Endpoint) String() string {
	return e.URL()
}

// Config holds transport tunables
type Config struct {
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration // used until the server announces its own
	KeepaliveMisses   int
	ReadTimeout       time.Duration // 0 derives it from the keepalive interval
	AuthToken         string
	ClientID          string
	Dialer            *websocket.Dialer
}

// DefaultConfig returns the standard transport settings
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  5 * time.Second,
		KeepaliveInterval: 5 * time.Second,
		KeepaliveMisses:   3,
	}
}

// Manager owns the single logical connection to a server
type Manager struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu      sync.Mutex
	current *Connection
}

// NewManager creates a connection manager
func NewManager(cfg Config, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultConfig().KeepaliveInterval
	}
	if cfg.KeepaliveMisses <= 0 {
		cfg.KeepaliveMisses = DefaultConfig().KeepaliveMisses
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Dial opens a transport to ep, closing any previous connection
func (m *Manager) Dial(ctx context.Context, ep Endpoint) (*Connection, error) {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	dialer := m.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	}

	m.logger.Debugw("Dialing server", "url", ep.URL())
	ws, _, err := dialer.DialContext(ctx, ep.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := newConnection(ws, m.cfg, m.logger)
	m.mu.Lock()
	m.current = c
	m.mu.Unlock()
	return c, nil
}

// Connect dials ep and completes the handshake
func (m *Manager) Connect(ctx context.Context, ep Endpoint, hello protocol.ClientHello) (*Connection, protocol.ServerHello, error) {
	c, err := m.Dial(ctx, ep)
	if err != nil {
		return nil, protocol.ServerHello{}, err
	}
	sh, err := c.Handshake(ctx, hello)
	if err != nil {
		c.Close()
		return nil, protocol.ServerHello{}, err
	}
	return c, sh, nil
}

// Close tears down the current connection, if any
func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.current
	m.current = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// Connection is one websocket session with a server
type Connection struct {
	cfg    Config
	logger *zap.SugaredLogger
	ws     *websocket.Conn

	writeMu sync.Mutex

	// Inbound message channels, valid after Start
	Data        chan protocol.DataFrame
	Controls    chan protocol.PlayerCommand
	TimeSync    chan protocol.ServerTime
	ServerState chan protocol.ServerStateMessage
	Streams     chan string // protocol.TypeStreamClear or protocol.TypeStreamEnd
	Violations  chan error

	keepalive time.Duration
	lastRecv  atomic.Int64
	started   atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newConnection(ws *websocket.Conn, cfg Config, logger *zap.SugaredLogger) *Connection {
	return &Connection{
		cfg:         cfg,
		logger:      logger,
		ws:          ws,
		Data:        make(chan protocol.DataFrame, 256),
		Controls:    make(chan protocol.PlayerCommand, 16),
		TimeSync:    make(chan protocol.ServerTime, 16),
		ServerState: make(chan protocol.ServerStateMessage, 16),
		Streams:     make(chan string, 16),
		Violations:  make(chan error, 16),
		keepalive:   cfg.KeepaliveInterval,
		done:        make(chan struct{}),
	}
}

// Handshake sends the optional auth message and client/hello, then waits
// for server/hello. It is bounded by the handshake timeout and ctx.
func (c *Connection) Handshake(ctx context.Context, hello protocol.ClientHello) (protocol.ServerHello, error) {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetReadDeadline(deadline)
	c.ws.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.ws.NetConn().SetDeadline(time.Now())
	})
	defer stop()

	sh, err := c.handshake(hello)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.ServerHello{}, ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return protocol.ServerHello{}, ErrHandshakeTimeout
		}
		return protocol.ServerHello{}, fmt.Errorf("handshake failed: %w", err)
	}

	c.ws.SetReadDeadline(time.Time{})
	c.ws.SetWriteDeadline(time.Time{})
	if sh.KeepaliveMS > 0 {
		c.keepalive = time.Duration(sh.KeepaliveMS) * time.Millisecond
	}
	c.logger.Infow("Handshake complete", "server", sh.Name, "session", sh.SessionID, "keepalive", c.keepalive)
	return sh, nil
}

func (c *Connection) handshake(hello protocol.ClientHello) (protocol.ServerHello, error) {
	if c.cfg.AuthToken != "" {
		auth := protocol.Auth{Type: protocol.TypeAuth, Token: c.cfg.AuthToken, ClientID: c.cfg.ClientID}
		if err := c.ws.WriteJSON(auth); err != nil {
			return protocol.ServerHello{}, fmt.Errorf("failed to send auth: %w", err)
		}
		// any reply counts as acknowledgement
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return protocol.ServerHello{}, fmt.Errorf("failed to read auth reply: %w", err)
		}
	}

	if err := c.ws.WriteJSON(protocol.Message{Type: protocol.TypeClientHello, Payload: hello}); err != nil {
		return protocol.ServerHello{}, fmt.Errorf("failed to send client/hello: %w", err)
	}

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.ServerHello{}, fmt.Errorf("failed to read server/hello: %w", err)
		}
		if mt != websocket.TextMessage {
			return protocol.ServerHello{}, fmt.Errorf("%w: binary frame before server/hello", ErrUnexpectedMessage)
		}
		env, err := protocol.Parse(data)
		if err != nil {
			return protocol.ServerHello{}, err
		}
		switch env.Type {
		case protocol.TypeKeepalive:
			continue
		case protocol.TypeServerHello:
			var sh protocol.ServerHello
			if err := env.Decode(&sh); err != nil {
				return protocol.ServerHello{}, err
			}
			return sh, nil
		default:
			return protocol.ServerHello{}, fmt.Errorf("%w: expected server/hello, got %s", ErrUnexpectedMessage, env.Type)
		}
	}
}

// Start launches the reader and keepalive goroutines
func (c *Connection) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.lastRecv.Store(time.Now().UnixNano())
	go c.readLoop()
	go c.keepaliveLoop()
}

// KeepaliveInterval is the negotiated keepalive period
func (c *Connection) KeepaliveInterval() time.Duration {
	return c.keepalive
}

func (c *Connection) readTimeout() time.Duration {
	if c.cfg.ReadTimeout > 0 {
		return c.cfg.ReadTimeout
	}
	return c.keepalive * time.Duration(c.cfg.KeepaliveMisses+1)
}

func (c *Connection) readLoop() {
	for {
		c.ws.SetReadDeadline(time.Now().Add(c.readTimeout()))
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				err = ErrKeepaliveTimeout
			} else {
				err = fmt.Errorf("read failed: %w", err)
			}
			c.fail(err)
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())

		switch mt {
		case websocket.BinaryMessage:
			c.handleBinary(data)
		case websocket.TextMessage:
			c.handleText(data)
		}
	}
}

func (c *Connection) handleBinary(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		c.violation(err)
		return
	}
	select {
	case c.Data <- frame:
	case <-c.done:
	}
}

func (c *Connection) handleText(data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		c.violation(err)
		return
	}

	switch env.Type {
	case protocol.TypeKeepalive:

	case protocol.TypeServerCommand:
		var cmd protocol.CommandMessage
		if err := env.Decode(&cmd); err != nil {
			c.violation(err)
			return
		}
		if cmd.Player != nil {
			select {
			case c.Controls <- *cmd.Player:
			case <-c.done:
			}
		}

	case protocol.TypeServerTime:
		var st protocol.ServerTime
		if err := env.Decode(&st); err != nil {
			c.violation(err)
			return
		}
		select {
		case c.TimeSync <- st:
		case <-c.done:
		}

	case protocol.TypeServerState:
		var state protocol.ServerStateMessage
		if err := env.Decode(&state); err != nil {
			c.violation(err)
			return
		}
		select {
		case c.ServerState <- state:
		case <-time.After(100 * time.Millisecond):
			c.logger.Warnw("Server state channel full, dropping message")
		case <-c.done:
		}

	case protocol.TypeStreamClear, protocol.TypeStreamEnd:
		select {
		case c.Streams <- env.Type:
		case <-c.done:
		}

	case protocol.TypeServerHello:
		c.violation(fmt.Errorf("%w: server/hello after handshake", ErrUnexpectedMessage))

	default:
		c.logger.Debugw("Ignoring unknown message", "type", env.Type)
	}
}

func (c *Connection) violation(err error) {
	c.logger.Warnw("Malformed message from server", "error", err)
	select {
	case c.Violations <- err:
	default:
	}
}

// keepaliveLoop sends keepalives and fails the connection after too many
// intervals without inbound traffic
func (c *Connection) keepaliveLoop() {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	misses := 0
	seen := c.lastRecv.Load()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if err := c.send(protocol.TypeKeepalive, nil); err != nil {
			c.fail(fmt.Errorf("keepalive failed: %w", err))
			return
		}

		last := c.lastRecv.Load()
		if last == seen {
			misses++
		} else {
			misses = 0
			seen = last
		}
		if misses >= c.cfg.KeepaliveMisses {
			c.logger.Warnw("Server stopped responding", "misses", misses)
			c.fail(ErrKeepaliveTimeout)
			return
		}
	}
}

func (c *Connection) send(msgType string, payload interface{}) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(protocol.Message{Type: msgType, Payload: payload})
}

// SendControl sends a client/command
func (c *Connection) SendControl(cmd protocol.PlayerCommand) error {
	return c.send(protocol.TypeClientCommand, protocol.CommandMessage{Player: &cmd})
}

// SendState sends a client/state
func (c *Connection) SendState(state protocol.PlayerState) error {
	return c.send(protocol.TypeClientState, protocol.ClientStateMessage{Player: &state})
}

// SendTimeSync sends a client/time carrying t1
func (c *Connection) SendTimeSync(t1 int64) error {
	return c.send(protocol.TypeClientTime, protocol.ClientTime{ClientTransmitted: t1})
}

// SendGoodbye sends a client/goodbye before a graceful disconnect
func (c *Connection) SendGoodbye(reason string) error {
	return c.send(protocol.TypeClientGoodbye, protocol.ClientGoodbye{Reason: reason})
}

// Done is closed when the connection fails or is closed
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, ErrClosed after a local Close
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Connection) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.ws.Close()
		if !errors.Is(err, ErrClosed) {
			c.logger.Warnw("Connection lost", "error", err)
		}
	})
}

// Close closes the connection
func (c *Connection) Close() error {
	c.fail(ErrClosed)
	return nil
}
