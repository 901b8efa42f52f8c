// Package conn owns the single WebSocket connection to the messaging server:
// dialing, reconnect with backoff, and the application-level keepalive.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatwave/internal/protocol"
	"github.com/matheus3301/chatwave/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Send while no connection is open.
	ErrNotConnected = errors.New("conn: not connected")
	// ErrAlreadyStarted is returned by a second Connect.
	ErrAlreadyStarted = errors.New("conn: already started")
)

// Config holds the connection settings.
type Config struct {
	URL    string
	Token  string
	SelfID int64

	PingInterval time.Duration
	PongTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// MaxRetries is the number of consecutive failures after which the
	// connection is reported DEGRADED. Zero never degrades.
	MaxRetries   int
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 60 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 2 * c.PingInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Manager keeps one connection open for as long as it runs.
type Manager struct {
	cfg     Config
	machine *status.Machine
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu      sync.Mutex
	ws      *websocket.Conn
	handler func(protocol.Frame)
	started bool
	cancel  context.CancelFunc

	writeMu sync.Mutex
	retries atomic.Int64
	wg      sync.WaitGroup
}

// New creates a manager. machine receives every state change.
func New(cfg Config, machine *status.Machine, logger *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		machine: machine,
		logger:  logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

// OnFrame registers the handler for inbound frames. It runs on the reader
// goroutine and must not block. Pong frames are consumed here and never
// reach the handler.
func (m *Manager) OnFrame(fn func(protocol.Frame)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

// Connect moves DISCONNECTED to CONNECTING and starts the supervisor, which
// dials, serves and reconnects until Close or ctx ends. It does not wait for
// the first dial.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	if err := m.machine.Transition(status.Connecting); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.supervise(ctx)
	return nil
}

// Send writes one frame on the open connection. Without one it returns
// ErrNotConnected and the frame is lost.
func (m *Manager) Send(f protocol.Frame) error {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return m.write(ws, f)
}

// OnState registers fn to run after every state change, on the goroutine
// that made it. No change is ever skipped.
func (m *Manager) OnState(fn func(status.StatusChange)) {
	m.machine.Watch(fn)
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Retries returns the number of consecutive failed attempts.
func (m *Manager) Retries() int {
	return int(m.retries.Load())
}

// Close stops the keepalive and any pending backoff, closes the socket and
// waits for every goroutine to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	ws := m.ws
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if ws != nil {
		m.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = ws.Close()
	}
	m.wg.Wait()
	if m.machine.Current() != status.Disconnected {
		_ = m.machine.Transition(status.Disconnected)
	}
	m.logger.Info("connection closed")
	return nil
}

func (m *Manager) supervise(ctx context.Context) {
	defer m.wg.Done()

	retries := 0
	for {
		connected := false
		ws, err := m.dial(ctx)
		if err == nil {
			connected, err = m.serve(ctx, ws)
		}
		if ctx.Err() != nil {
			return
		}

		next := status.Reconnecting
		if connected {
			retries = 0
			m.logger.Warn("connection lost", zap.Error(err))
		} else {
			if m.cfg.MaxRetries > 0 && retries+1 > m.cfg.MaxRetries {
				next = status.Degraded
			}
			m.logger.Warn("connect failed", zap.Int("attempt", retries+1), zap.Error(err))
		}
		m.transition(next)

		retries++
		m.retries.Store(int64(retries))
		delay := Backoff(retries, m.cfg.BackoffBase, m.cfg.BackoffMax)
		m.logger.Debug("reconnecting", zap.Int("attempt", retries), zap.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		m.transition(status.Connecting)
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}
	ws, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", m.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}
	return ws, nil
}

// serve runs one connection until it fails or ctx ends. It reports whether
// the link got as far as CONNECTED; only then does the retry count reset.
func (m *Manager) serve(ctx context.Context, ws *websocket.Conn) (bool, error) {
	// Presence goes out before the connection is visible to Send so it is
	// always the first frame on a fresh link.
	announce, _ := protocol.NewFrame(protocol.TypePresenceAnnounce, protocol.PresenceAnnouncePayload{
		UserID: m.cfg.SelfID,
		Status: "ONLINE",
	})
	if err := m.write(ws, announce); err != nil {
		_ = ws.Close()
		return false, fmt.Errorf("presence announce: %w", err)
	}

	m.retries.Store(0)
	m.mu.Lock()
	m.ws = ws
	m.mu.Unlock()
	m.transition(status.Connected)
	m.logger.Info("connected", zap.String("url", m.cfg.URL))

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-connCtx.Done()
		_ = ws.Close()
	}()
	go func() {
		defer wg.Done()
		m.keepalive(connCtx, ws)
	}()

	err := m.read(ws)

	m.mu.Lock()
	m.ws = nil
	m.mu.Unlock()
	cancel()
	wg.Wait()
	return true, err
}

func (m *Manager) read(ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		f, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if f.Type == protocol.TypePong {
			_ = ws.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
			continue
		}
		m.mu.Lock()
		handler := m.handler
		m.mu.Unlock()
		if handler != nil {
			handler(f)
		}
	}
}

func (m *Manager) keepalive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ping, _ := protocol.NewFrame(protocol.TypePing, protocol.PingPayload{SentAt: now.UTC()})
			if err := m.write(ws, ping); err != nil {
				m.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (m *Manager) write(ws *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", f.Type, err)
	}
	return nil
}

func (m *Manager) transition(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("state transition skipped", zap.Error(err))
	}
}
