package widget

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valki/vichat/internal/logger"
	"github.com/valki/vichat/internal/protocol"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 8 * time.Second
)

// PendingMessage is the one outbound request awaiting transport readiness.
type PendingMessage struct {
	MessageID         string
	RequestID         string
	Payload           protocol.MessageFrame
	GuestImages       []protocol.ImageRef
	Sent              bool
	UnauthorizedRetry bool
}

// ConnConfig wires a Conn to its owner. Callbacks are invoked from the
// connection's reader goroutine without any Conn lock held.
type ConnConfig struct {
	URL       string
	Dialer    *websocket.Dialer
	OnReady   func(frame *protocol.ReadyFrame)
	OnMessage func(frame interface{})
	OnClose   func(reason string)

	// BackoffBase/BackoffMax override the reconnect schedule; zero values
	// select the defaults. Used by tests.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Conn owns one logical connection to the backend: it reconnects with
// exponential backoff, re-authenticates on every (re)connect, and gates
// pending-message sends on the server's ready/authenticated acknowledgement.
type Conn struct {
	mu            sync.Mutex
	cfg           ConnConfig
	ws            *websocket.Conn
	dialing       bool
	stopped       bool
	ready         bool
	authenticated bool
	token         string
	backoff       time.Duration
	backoffBase   time.Duration
	backoffMax    time.Duration
	reconnect     *time.Timer
}

func NewConn(cfg ConnConfig) *Conn {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = backoffBase
	}
	max := cfg.BackoffMax
	if max <= 0 {
		max = backoffMax
	}
	return &Conn{
		cfg:         cfg,
		backoff:     base,
		backoffBase: base,
		backoffMax:  max,
	}
}

// Connect opens the transport unless it is already open or opening. The
// dial happens off the caller's goroutine; on success the backoff resets
// and an auth handshake is sent immediately.
func (c *Conn) Connect(reason string) {
	c.mu.Lock()
	c.stopped = false
	if c.ws != nil || c.dialing || c.cfg.URL == "" {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	c.mu.Unlock()

	go c.dial(reason)
}

func (c *Conn) dial(reason string) {
	ws, _, err := c.cfg.Dialer.Dial(c.cfg.URL, nil)

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		logger.Debug(logger.WIDGET, "Dial failed (%s): %v", reason, err)
		if !c.stopped {
			c.scheduleReconnectLocked(reason)
		}
		c.mu.Unlock()
		return
	}
	if c.stopped {
		c.mu.Unlock()
		ws.Close()
		return
	}

	c.ws = ws
	c.ready = false
	c.resetBackoffLocked()
	c.mu.Unlock()

	c.SendAuth()
	go c.readLoop(ws, reason)
}

func (c *Conn) readLoop(ws *websocket.Conn, reason string) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.handleClose(ws, reason)
			return
		}

		frame := protocol.ParseServerFrame(raw)
		if frame == nil {
			// Malformed or foreign-version frames are dropped silently.
			continue
		}

		switch f := frame.(type) {
		case *protocol.ReadyFrame:
			c.mu.Lock()
			c.ready = true
			c.authenticated = f.Authenticated
			c.mu.Unlock()
			if c.cfg.OnReady != nil {
				c.cfg.OnReady(f)
			}
		case *protocol.PongFrame:
			// Liveness only.
		default:
			if c.cfg.OnMessage != nil {
				c.cfg.OnMessage(frame)
			}
		}
	}
}

func (c *Conn) handleClose(ws *websocket.Conn, reason string) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.ready = false
	c.authenticated = false
	stopped := c.stopped
	if !stopped {
		c.scheduleReconnectLocked(reason)
	}
	c.mu.Unlock()

	ws.Close()
	if c.cfg.OnClose != nil {
		c.cfg.OnClose(reason)
	}
}

// scheduleReconnectLocked arms a single reconnect timer, doubling the delay
// up to the cap. Callers hold c.mu.
func (c *Conn) scheduleReconnectLocked(reason string) {
	if c.reconnect != nil {
		return
	}
	delay := c.backoff
	c.backoff *= 2
	if c.backoff > c.backoffMax {
		c.backoff = c.backoffMax
	}
	c.reconnect = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnect = nil
		stopped := c.stopped
		c.mu.Unlock()
		if !stopped {
			c.Connect("reconnect:" + reason)
		}
	})
}

func (c *Conn) resetBackoffLocked() {
	c.backoff = c.backoffBase
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// Close shuts the transport down and cancels any pending reconnect.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	c.stopped = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		ws.Close()
	}
}

// SendAuth performs the auth handshake with the current bearer token. An
// absent token leaves the connection usable for guest traffic.
func (c *Conn) SendAuth() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws == nil {
		return
	}
	if c.token == "" {
		c.authenticated = false
		return
	}
	c.authenticated = false
	_ = c.ws.WriteJSON(protocol.AuthFrame{
		V:     protocol.Version,
		Type:  protocol.TypeAuth,
		Token: c.token,
	})
}

// Send transmits an arbitrary frame if the transport is open.
func (c *Conn) Send(payload interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws == nil {
		return false
	}
	return c.ws.WriteJSON(payload) == nil
}

// Ping sends a liveness probe.
func (c *Conn) Ping() bool {
	return c.Send(protocol.PingFrame{
		V:    protocol.Version,
		Type: protocol.TypePing,
		TS:   time.Now().UnixMilli(),
	})
}

// SendPendingMessage transmits the pending payload once the triple gate
// holds: transport open, server ready, and auth acknowledged (or no token).
// It is a no-op for an already-sent pending message.
func (c *Conn) SendPendingMessage(pending *PendingMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws == nil || !c.ready {
		return false
	}
	if c.token != "" && !c.authenticated {
		return false
	}
	if pending == nil || pending.Sent {
		return false
	}
	pending.Sent = true
	if err := c.ws.WriteJSON(pending.Payload); err != nil {
		pending.Sent = false
		return false
	}
	return true
}

func (c *Conn) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Conn) SetAuthenticated(value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = value
}

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

func (c *Conn) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Conn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}
