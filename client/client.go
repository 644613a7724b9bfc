// Package client implements the replica side of a retro board: the
// WebSocket session state machine, the join-time sync window, and the local
// operation path (validate, apply, persist, broadcast). One Client holds one
// replica of one board.
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/retroboard/retroboard/board"
	"github.com/retroboard/retroboard/protocol"
)

// Status is the connection state machine position.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusHandshaking  Status = "handshaking"
	StatusReady        Status = "ready"
	// StatusClosed is terminal: the relay rejected us for a policy reason,
	// the caller disconnected, or reconnect attempts ran out. Retry is the
	// only way back.
	StatusClosed Status = "closed"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("connection already active")
	ErrClosed           = errors.New("client is closed")
	ErrBoardLocked  = errors.New("board is in the reviewing phase")
	ErrUnknownCard  = errors.New("unknown card")
	ErrNotAuthor    = errors.New("only the author may modify a card")
	ErrNoQuorum     = errors.New("ready quorum not reached")
)

const writeWait = 2 * time.Second

// Options configures a Client. URL is the full WebSocket endpoint for the
// board, e.g. ws://host:8080/board/abc123/ws.
type Options struct {
	URL      string
	BoardID  string
	ClientID string // generated when empty
	Store    Store
	Render   RenderFunc
	// OnStatus observes state-machine transitions; reason is non-empty for
	// terminal closes. Called synchronously: do not call back into the
	// Client from it.
	OnStatus func(status Status, reason string)

	HeartbeatInterval time.Duration // default 10s
	PongTimeout       time.Duration // default HeartbeatInterval + 2s
	SyncWindow        time.Duration // default 2s
	ReconnectBase     time.Duration // default 1s
	ReconnectCap      time.Duration // default 30s
	MaxReconnects     int           // default 8

	Clock  clockwork.Clock // real clock when nil
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ClientID == "" {
		out.ClientID = uuid.NewString()
	}
	if out.Store == nil {
		out.Store = NewMemoryStore()
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 10 * time.Second
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = out.HeartbeatInterval + 2*time.Second
	}
	if out.SyncWindow <= 0 {
		out.SyncWindow = 2 * time.Second
	}
	if out.ReconnectBase <= 0 {
		out.ReconnectBase = time.Second
	}
	if out.ReconnectCap <= 0 {
		out.ReconnectCap = 30 * time.Second
	}
	if out.MaxReconnects <= 0 {
		out.MaxReconnects = 8
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	return out
}

// Client is one replica. All state is guarded by mu; timer and socket
// callbacks re-read it under the lock rather than capturing copies, and a
// connection generation counter keeps late callbacks from a dead connection
// away from a new one.
type Client struct {
	opts  Options
	clock clockwork.Clock
	log   zerolog.Logger

	mu          sync.Mutex
	status      Status
	closeReason string
	terminal    bool // a policy error was received; never reconnect

	state *board.State
	seen  *board.SeenOps

	conn *websocket.Conn
	gen  uint64

	participants int
	ready        int

	attempts       int
	reconnectTimer clockwork.Timer

	syncing   bool
	snapshots []*board.State
	buffered  []bufferedOp
	syncTimer clockwork.Timer

	heartbeatStop chan struct{}
	pongPending   bool
	pongTimer     clockwork.Timer

	// sendFn, when set, replaces the socket write path. Test hook.
	sendFn func(v any) error
}

type bufferedOp struct {
	card   *board.CardOp
	vote   *board.VoteOp
	sender string
}

// New builds a client and loads (or initializes) its local replica. It does
// not dial; call Connect.
func New(opts Options) (*Client, error) {
	if opts.URL == "" || opts.BoardID == "" {
		return nil, errors.New("client: URL and BoardID are required")
	}
	o := opts.withDefaults()

	st, err := o.Store.Load(o.BoardID)
	if err != nil {
		return nil, fmt.Errorf("load board %s: %w", o.BoardID, err)
	}
	if st == nil {
		st = board.NewState()
	}

	return &Client{
		opts:   o,
		clock:  o.Clock,
		log:    o.Logger.With().Str("board", o.BoardID).Str("client_id", o.ClientID).Logger(),
		status: StatusDisconnected,
		state:  st,
		seen:   board.NewSeenOps(),
	}, nil
}

// ClientID returns the acting identity.
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

// Status returns the connection state and, for closed clients, the reason.
func (c *Client) Status() (Status, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.closeReason
}

// State returns a snapshot of the local replica.
func (c *Client) State() *board.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Counts returns the last relay-reported participant and ready counts.
func (c *Client) Counts() (participants, ready int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participants, c.ready
}

// Connect dials the relay and runs the handshake. Failures here and any
// later non-terminal disconnect schedule reconnects with exponential
// backoff until MaxReconnects is exhausted. Calling Connect on a session
// that is already dialing or live is an error; the existing connection is
// left untouched.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status != StatusDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrAlreadyConnected, c.status)
	}
	c.setStatusLocked(StatusConnecting, "")
	c.mu.Unlock()
	return c.dial()
}

// Retry clears a terminal "gave up" state and dials again. It does not
// clear policy rejections: a board-full or duplicate-identity close stays
// closed.
func (c *Client) Retry() error {
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosed, c.closeReason)
	}
	c.attempts = 0
	c.status = StatusDisconnected
	c.closeReason = ""
	c.mu.Unlock()
	return c.dial()
}

// Disconnect closes the session intentionally: pending reconnect, sync, and
// heartbeat timers are cancelled and no reconnect is scheduled.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.setStatusLocked(StatusClosed, "closed by caller")
	c.cancelTimersLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(protocol.CloseNormal, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

func (c *Client) dial() error {
	c.mu.Lock()
	c.setStatusLocked(StatusConnecting, "")
	c.mu.Unlock()

	conn, _, err := c.opts.Dialer.Dial(c.opts.URL, nil)
	if err != nil {
		c.log.Debug().Err(err).Msg("dial failed")
		c.mu.Lock()
		c.setStatusLocked(StatusDisconnected, "")
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	err = c.sendLocked(protocol.Hello{Type: protocol.TypeHello, ClientID: c.opts.ClientID})
	if err == nil {
		c.setStatusLocked(StatusHandshaking, "")
	}
	c.mu.Unlock()

	if err != nil {
		_ = conn.Close()
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return err
	}

	go c.readLoop(conn, gen)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		c.handleFrame(gen, raw)
	}
}

// sendLocked writes one frame. Callers hold mu.
func (c *Client) sendLocked(v any) error {
	if c.sendFn != nil {
		return c.sendFn(v)
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *Client) setStatusLocked(status Status, reason string) {
	if c.status == status && reason == c.closeReason {
		return
	}
	c.status = status
	c.closeReason = reason
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(status, reason)
	}
}

func (c *Client) cancelTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.syncTimer != nil {
		c.syncTimer.Stop()
		c.syncTimer = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.syncing = false
	c.snapshots = nil
	c.buffered = nil
	c.pongPending = false
}

// handleDisconnect runs when a read loop dies. Policy closes are terminal;
// anything else schedules a reconnect.
func (c *Client) handleDisconnect(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.status == StatusClosed {
		return
	}
	c.conn = nil
	c.gen++
	c.cancelTimersLocked()

	if c.terminal ||
		websocket.IsCloseError(err, protocol.ClosePolicyViolation, protocol.CloseProtocolError) {
		c.terminal = true
		reason := c.closeReason
		if reason == "" {
			reason = err.Error()
		}
		c.log.Info().Str("reason", reason).Msg("session terminated by relay")
		c.setStatusLocked(StatusClosed, reason)
		return
	}

	c.log.Debug().Err(err).Msg("connection lost")
	c.setStatusLocked(StatusDisconnected, "")
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the backoff timer: base doubled per attempt,
// capped, terminal after MaxReconnects. A superseding attempt replaces any
// pending timer.
func (c *Client) scheduleReconnectLocked() {
	if c.status == StatusClosed || c.terminal {
		return
	}
	c.attempts++
	if c.attempts > c.opts.MaxReconnects {
		c.setStatusLocked(StatusClosed, "reconnect attempts exhausted")
		return
	}

	delay := c.opts.ReconnectBase << (c.attempts - 1)
	if delay > c.opts.ReconnectCap || delay <= 0 {
		delay = c.opts.ReconnectCap
	}

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.log.Debug().Int("attempt", c.attempts).Dur("delay", delay).Msg("scheduling reconnect")
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		closed := c.status == StatusClosed
		c.mu.Unlock()
		if !closed {
			_ = c.dial()
		}
	})
}

// startHeartbeatLocked runs the ping loop for one connection generation. A
// pong must arrive within PongTimeout of each ping or the socket is forced
// closed, which routes into the normal reconnect path.
func (c *Client) startHeartbeatLocked(gen uint64) {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop

	go func() {
		ticker := c.clock.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				c.mu.Lock()
				if gen != c.gen {
					c.mu.Unlock()
					return
				}
				if err := c.sendLocked(protocol.Ping{Type: protocol.TypePing}); err != nil {
					c.mu.Unlock()
					return
				}
				if !c.pongPending {
					c.pongPending = true
					c.armPongTimeoutLocked(gen)
				}
				c.mu.Unlock()
			}
		}
	}()
}

func (c *Client) armPongTimeoutLocked(gen uint64) {
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pongTimer = c.clock.AfterFunc(c.opts.PongTimeout, func() {
		c.mu.Lock()
		stale := gen != c.gen || !c.pongPending
		conn := c.conn
		c.mu.Unlock()
		if stale || conn == nil {
			return
		}
		c.log.Debug().Msg("pong timeout, forcing close")
		_ = conn.Close()
	})
}
